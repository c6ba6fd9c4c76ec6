package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	idspkg "github.com/drblury/cardiocheck/internal/runtime/ids"
	loggingpkg "github.com/drblury/cardiocheck/internal/runtime/logging"
	metadatapkg "github.com/drblury/cardiocheck/internal/runtime/metadata"
)

const tracerName = "github.com/drblury/cardiocheck/transport"

// Chain wraps h so that the first middleware runs outermost.
func Chain(h Handler, mws ...Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] != nil {
			h = mws[i](h)
		}
	}
	return h
}

// FromWatermill adapts a watermill handler middleware.
func FromWatermill(mw message.HandlerMiddleware) Middleware {
	return func(next Handler) Handler {
		wrapped := mw(func(msg *message.Message) ([]*message.Message, error) {
			return nil, next(msg.Context(), msg)
		})
		return func(ctx context.Context, msg *message.Message) error {
			msg.SetContext(ctx)
			_, err := wrapped(msg)
			return err
		}
	}
}

// Recoverer turns handler panics into errors, so the message is redelivered
// instead of the process crashing.
func Recoverer() Middleware {
	return FromWatermill(middleware.Recoverer)
}

// Timeout bounds the handler context. It should stay below the ack wait.
func Timeout(d time.Duration) Middleware {
	if d <= 0 {
		return nil
	}
	return FromWatermill(middleware.Timeout(d))
}

// CorrelationID ensures every delivery carries a correlation id.
func CorrelationID() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *message.Message) error {
			if msg.Metadata.Get(metadatapkg.KeyCorrelationID) == "" {
				msg.Metadata.Set(metadatapkg.KeyCorrelationID, idspkg.CreateULID())
			}
			return next(ctx, msg)
		}
	}
}

// Tracer wraps each delivery in a consumer span.
func Tracer() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *message.Message) error {
			md := metadatapkg.FromWatermill(msg.Metadata)
			subject := md[metadatapkg.KeySubject]

			ctx, span := otel.Tracer(tracerName).Start(ctx, fmt.Sprintf("%s process", subject),
				trace.WithSpanKind(trace.SpanKindConsumer),
				trace.WithAttributes(
					attribute.String("messaging.system", "nats"),
					attribute.String("messaging.destination.name", subject),
					attribute.String("messaging.message.id", msg.UUID),
					attribute.String("messaging.message.conversation_id", md.CorrelationID()),
					attribute.Int("messaging.delivery.attempt", md.Attempt()),
				),
			)
			defer span.End()
			msg.SetContext(ctx)

			err := next(ctx, msg)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return err
		}
	}
}

// LogDeliveries logs every received delivery at debug level. Payloads carry
// health data, so only their size is logged.
func LogDeliveries(logger loggingpkg.ServiceLogger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *message.Message) error {
			logger.Debug("Processing delivery", loggingpkg.LogFields{
				"message_uuid":  msg.UUID,
				"payload_bytes": len(msg.Payload),
				"metadata":      msg.Metadata,
			})
			return next(ctx, msg)
		}
	}
}

// DefaultMiddlewares is the chain every durable consumer runs unless it
// brings its own.
func DefaultMiddlewares(logger loggingpkg.ServiceLogger, cfg SubscriptionConfig) []Middleware {
	return []Middleware{
		Recoverer(),
		CorrelationID(),
		LogDeliveries(logger),
		Tracer(),
		Hooks(LoggingHooks(logger)),
		Timeout(cfg.HandlerTimeout),
	}
}
