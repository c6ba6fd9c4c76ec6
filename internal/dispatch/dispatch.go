// Package dispatch turns a questionnaire into a recorded PENDING evaluation
// and a job request on the domain's subject.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/cardiocheck/internal/evaluation"
	"github.com/drblury/cardiocheck/internal/metrics"
	"github.com/drblury/cardiocheck/internal/risk"
	errspkg "github.com/drblury/cardiocheck/internal/runtime/errors"
	idspkg "github.com/drblury/cardiocheck/internal/runtime/ids"
	"github.com/drblury/cardiocheck/internal/runtime/logging"
	metadatapkg "github.com/drblury/cardiocheck/internal/runtime/metadata"
	"github.com/drblury/cardiocheck/transport"
)

const tracerName = "github.com/drblury/cardiocheck/internal/dispatch"

// failureSaveTimeout bounds recording a publish failure.
const failureSaveTimeout = 5 * time.Second

// JobRequest is the message read by the analysis worker. Data is positional.
type JobRequest struct {
	RequestID string    `json:"requestId"`
	Data      []float64 `json:"data"`
}

// Result is returned to the submitter once the job is queued.
type Result struct {
	Message    string                 `json:"message"`
	Evaluation *evaluation.Evaluation `json:"evaluation"`
}

// Broker is the part of the broker dispatch needs.
type Broker interface {
	transport.Publisher
	IsConnected() bool
}

// Store is the part of the record store dispatch needs.
type Store interface {
	evaluation.OwnerFinder
	evaluation.Recorder
}

// Options are optional collaborators.
type Options struct {
	Logger  logging.ServiceLogger
	Metrics *metrics.Collector
	// Breaker guards publishing. Nil disables it.
	Breaker *gobreaker.TwoStepCircuitBreaker
	// Now is the clock used for timestamps and ids.
	Now func() time.Time
}

// Service submits analyses of one domain.
type Service[T any] struct {
	domain  *risk.Domain[T]
	broker  Broker
	store   Store
	breaker *gobreaker.TwoStepCircuitBreaker
	logger  logging.ServiceLogger
	metrics *metrics.Collector
	now     func() time.Time
	ids     idspkg.Generator
}

// New creates a dispatch service for domain.
func New[T any](domain *risk.Domain[T], broker Broker, store Store, opts Options) (*Service[T], error) {
	switch {
	case domain == nil:
		return nil, errspkg.ErrDomainRequired
	case broker == nil:
		return nil, errspkg.ErrBrokerRequired
	case store == nil:
		return nil, errspkg.ErrStoreRequired
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Service[T]{
		domain:  domain,
		broker:  broker,
		store:   store,
		breaker: opts.Breaker,
		logger:  logger.With(logging.LogFields{"component": "dispatch", "domain": domain.Name()}),
		metrics: opts.Metrics,
		now:     now,
		ids:     idspkg.Generator{Now: now},
	}, nil
}

// Domain returns the served domain.
func (s *Service[T]) Domain() *risk.Domain[T] {
	return s.domain
}

// StartAnalysis records a PENDING evaluation for input and queues its job.
// It returns once the broker stored the request; the result arrives later
// through result correlation.
//
// Nothing is recorded when the broker is unavailable or the owner is unknown.
// When publishing fails the evaluation is finalized as FAILED and a
// *errors.SubmissionError wrapping the publish error is returned.
func (s *Service[T]) StartAnalysis(ctx context.Context, input T, ownerID string) (Result, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "dispatch.start_analysis",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("cardiocheck.domain", s.domain.Name()),
			attribute.String("messaging.destination.name", s.domain.Subject()),
		),
	)
	defer span.End()

	res, outcome, err := s.startAnalysis(ctx, span, input, ownerID)
	s.metrics.Submission(s.domain.Name(), outcome)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (s *Service[T]) startAnalysis(ctx context.Context, span trace.Span, input T, ownerID string) (Result, string, error) {
	if !s.broker.IsConnected() {
		return Result{}, metrics.SubmissionUnavailable, errspkg.ErrServiceUnavailable
	}
	if _, found, err := s.store.FindOwnerByID(ctx, ownerID); err != nil {
		return Result{}, metrics.SubmissionError, fmt.Errorf("look up owner %s: %w", ownerID, err)
	} else if !found {
		return Result{}, metrics.SubmissionOwnerNotFound, errspkg.ErrOwnerNotFound
	}

	payload, err := s.domain.Encode(input)
	if err != nil {
		return Result{}, metrics.SubmissionError, err
	}

	// Admission happens before anything is recorded: an open breaker, or a
	// half-open one already running its probe, rejects with nothing stored.
	settle, ok := s.admit()
	if !ok {
		s.logger.Debug("Publish breaker not admitting, rejecting submission", logging.LogFields{"state": s.breaker.State().String()})
		return Result{}, metrics.SubmissionUnavailable, errspkg.ErrServiceUnavailable
	}

	now := s.now()
	q := &evaluation.Questionnaire{
		ID:        s.ids.New(),
		Domain:    s.domain.Name(),
		OwnerID:   ownerID,
		Payload:   payload,
		CreatedAt: now,
	}
	e := evaluation.NewPending(s.ids.New(), s.domain.Name(), ownerID, q.ID, s.domain.Texts().Pending, now)
	if err := s.store.CreateEvaluation(ctx, q, e); err != nil {
		// The broker was not exercised.
		settle(nil)
		return Result{}, metrics.SubmissionError, fmt.Errorf("record %s evaluation: %w", s.domain.Name(), err)
	}
	span.SetAttributes(attribute.String("cardiocheck.evaluation_id", e.ID))

	req := JobRequest{RequestID: e.ID, Data: s.domain.Features(input)}
	err = s.publish(ctx, span, req)
	settle(brokerFault(ctx, err))
	if err != nil {
		return Result{}, metrics.SubmissionPublishFailed, s.failSubmission(ctx, e, err)
	}

	s.logger.Info("Analysis queued", logging.LogFields{
		"evaluation_id": e.ID,
		"owner_id":      ownerID,
		"subject":       s.domain.Subject(),
	})
	return Result{Message: s.domain.Texts().Accepted, Evaluation: e}, metrics.SubmissionAccepted, nil
}

func (s *Service[T]) publish(ctx context.Context, span trace.Span, req JobRequest) error {
	opts := []transport.PublishOption{
		transport.WithMsgID(req.RequestID),
		transport.WithHeader(metadatapkg.KeyCorrelationID, req.RequestID),
		transport.WithHeader(metadatapkg.KeyDomain, s.domain.Name()),
	}
	if sc := span.SpanContext(); sc.HasTraceID() {
		opts = append(opts, transport.WithHeader(metadatapkg.KeyTraceID, sc.TraceID().String()))
	}

	return s.broker.Publish(ctx, s.domain.Subject(), req, opts...)
}

// admit asks the breaker for a publish slot. The returned func reports the
// outcome and must be called exactly once.
func (s *Service[T]) admit() (func(error), bool) {
	if s.breaker == nil {
		return func(error) {}, true
	}
	done, err := s.breaker.Allow()
	if err != nil {
		return nil, false
	}
	return func(err error) { done(err == nil) }, true
}

// brokerFault drops publish errors caused by the caller giving up, so a
// cancelled request never counts against the broker.
func brokerFault(ctx context.Context, err error) error {
	if err == nil || ctx.Err() != nil {
		return nil
	}
	return err
}

// failSubmission finalizes e as FAILED after a publish error. The write
// outlives the caller's context, which is often the reason publishing failed.
func (s *Service[T]) failSubmission(ctx context.Context, e *evaluation.Evaluation, pubErr error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureSaveTimeout)
	defer cancel()

	s.logger.Error("Failed to queue analysis", pubErr, logging.LogFields{"evaluation_id": e.ID})

	subErr := &errspkg.SubmissionError{EvaluationID: e.ID, Domain: s.domain.Name(), Err: pubErr}
	if err := e.Fail(s.domain.Texts().PublishFailed, s.now()); err != nil {
		return errors.Join(subErr, err)
	}
	if err := s.store.SaveEvaluation(ctx, e); err != nil {
		s.logger.Error("Failed to record publish failure, evaluation stays PENDING", err, logging.LogFields{"evaluation_id": e.ID})
		return errors.Join(subErr, fmt.Errorf("record failed evaluation %s: %w", e.ID, err))
	}
	return subErr
}
