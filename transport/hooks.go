package transport

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	loggingpkg "github.com/drblury/cardiocheck/internal/runtime/logging"
	metadatapkg "github.com/drblury/cardiocheck/internal/runtime/metadata"
)

// JobContext describes one handler invocation to hooks.
type JobContext struct {
	Subject     string
	MessageUUID string
	Metadata    message.Metadata
	Context     context.Context
	StartedAt   time.Time
	// Duration is set for OnJobDone and OnJobError.
	Duration time.Duration
	// Attempt is the 1-based delivery attempt.
	Attempt int
}

// JobHooks are lifecycle callbacks around a handler. Nil hooks are skipped.
type JobHooks struct {
	OnJobStart func(ctx JobContext)
	OnJobDone  func(ctx JobContext)
	OnJobError func(ctx JobContext, err error)
}

// Merge returns hooks calling h first and then other.
func (h JobHooks) Merge(other JobHooks) JobHooks {
	return JobHooks{
		OnJobStart: chainHooks(h.OnJobStart, other.OnJobStart),
		OnJobDone:  chainHooks(h.OnJobDone, other.OnJobDone),
		OnJobError: chainErrorHooks(h.OnJobError, other.OnJobError),
	}
}

func chainHooks(a, b func(JobContext)) func(JobContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(JobContext, error)) func(JobContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// Hooks invokes hooks around the handler.
func Hooks(hooks JobHooks) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *message.Message) error {
			md := metadatapkg.FromWatermill(msg.Metadata)
			jobCtx := JobContext{
				Subject:     md[metadatapkg.KeySubject],
				MessageUUID: msg.UUID,
				Metadata:    msg.Metadata,
				Context:     ctx,
				StartedAt:   time.Now(),
				Attempt:     md.Attempt(),
			}

			if hooks.OnJobStart != nil {
				hooks.OnJobStart(jobCtx)
			}

			err := next(ctx, msg)
			jobCtx.Duration = time.Since(jobCtx.StartedAt)

			if err != nil {
				if hooks.OnJobError != nil {
					hooks.OnJobError(jobCtx, err)
				}
			} else if hooks.OnJobDone != nil {
				hooks.OnJobDone(jobCtx)
			}
			return err
		}
	}
}

// LoggingHooks logs handler completion and failure.
func LoggingHooks(logger loggingpkg.ServiceLogger) JobHooks {
	return JobHooks{
		OnJobDone: func(ctx JobContext) {
			logger.Debug("Delivery handled", loggingpkg.LogFields{
				"subject":      ctx.Subject,
				"message_uuid": ctx.MessageUUID,
				"attempt":      ctx.Attempt,
				"duration_ms":  ctx.Duration.Milliseconds(),
			})
		},
		OnJobError: func(ctx JobContext, err error) {
			logger.Error("Delivery failed, requesting redelivery", err, loggingpkg.LogFields{
				"subject":      ctx.Subject,
				"message_uuid": ctx.MessageUUID,
				"attempt":      ctx.Attempt,
				"duration_ms":  ctx.Duration.Milliseconds(),
			})
		},
	}
}
