// Package correlation consumes job results and finalizes the evaluations they
// belong to.
package correlation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/drblury/cardiocheck/internal/evaluation"
	"github.com/drblury/cardiocheck/internal/metrics"
	"github.com/drblury/cardiocheck/internal/risk"
	errspkg "github.com/drblury/cardiocheck/internal/runtime/errors"
	"github.com/drblury/cardiocheck/internal/runtime/logging"
	metadatapkg "github.com/drblury/cardiocheck/internal/runtime/metadata"
	"github.com/drblury/cardiocheck/transport"
)

// Durable consumer names. Only one process may bind each at a time.
const (
	DefaultCompletedDurable = "api_results_consumer"
	DefaultFailedDurable    = "api_results_failed_consumer"
)

const unknownDomain = "unknown"

// CompletedResult is published by the worker for a classified request.
type CompletedResult struct {
	RequestID string `json:"requestId"`
	Result    *int   `json:"result"`
}

// FailedResult is published by the worker when it gives up on a request.
type FailedResult struct {
	RequestID string `json:"requestId"`
	Error     string `json:"error"`
}

// Store is the part of the record store correlation needs.
type Store interface {
	evaluation.Finder
	SaveEvaluation(ctx context.Context, e *evaluation.Evaluation) error
}

// Config selects the consumed subjects and consumer limits.
type Config struct {
	Stream           string
	CompletedSubject string
	CompletedDurable string
	// ConsumeFailures enables the failed-result consumer.
	ConsumeFailures bool
	FailedSubject   string
	FailedDurable   string

	MaxAckPending  int
	MaxDeliver     int
	AckWait        time.Duration
	NakDelay       time.Duration
	HandlerTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.CompletedSubject == "" {
		c.CompletedSubject = "results.completed"
	}
	if c.CompletedDurable == "" {
		c.CompletedDurable = DefaultCompletedDurable
	}
	if c.FailedSubject == "" {
		c.FailedSubject = "results.failed"
	}
	if c.FailedDurable == "" {
		c.FailedDurable = DefaultFailedDurable
	}
	return c
}

func (c Config) subscription(subject, durable string) transport.SubscriptionConfig {
	return transport.SubscriptionConfig{
		Subject:        subject,
		Stream:         c.Stream,
		Durable:        durable,
		MaxAckPending:  c.MaxAckPending,
		MaxDeliver:     c.MaxDeliver,
		AckWait:        c.AckWait,
		NakDelay:       c.NakDelay,
		HandlerTimeout: c.HandlerTimeout,
	}
}

// Options are optional collaborators.
type Options struct {
	Logger  logging.ServiceLogger
	Metrics *metrics.Collector
	Now     func() time.Time
}

// Service matches results to evaluations.
type Service struct {
	subscriber transport.Subscriber
	store      Store
	domains    *risk.Registry
	cfg        Config
	logger     logging.ServiceLogger
	metrics    *metrics.Collector
	now        func() time.Time

	mu   sync.Mutex
	subs []transport.Subscription
}

// New creates a stopped correlation service.
func New(subscriber transport.Subscriber, store Store, domains *risk.Registry, cfg Config, opts Options) (*Service, error) {
	switch {
	case subscriber == nil:
		return nil, errspkg.ErrBrokerRequired
	case store == nil:
		return nil, errspkg.ErrStoreRequired
	case domains == nil:
		return nil, errspkg.ErrDomainRequired
	}
	cfg = cfg.withDefaults()
	if cfg.Stream == "" {
		return nil, errspkg.ErrStreamRequired
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		subscriber: subscriber,
		store:      store,
		domains:    domains,
		cfg:        cfg,
		logger:     logger.With(logging.LogFields{"component": "correlation"}),
		metrics:    opts.Metrics,
		now:        now,
	}, nil
}

// Start binds the durable consumers. On failure nothing stays subscribed.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.subs) > 0 {
		return nil
	}

	completed, err := transport.JSON(func(ctx context.Context, r CompletedResult, _ metadatapkg.Metadata) error {
		return s.HandleCompleted(ctx, r)
	})
	if err != nil {
		return err
	}
	if err := s.subscribe(ctx, s.cfg.CompletedSubject, s.cfg.CompletedDurable, completed); err != nil {
		return err
	}

	if s.cfg.ConsumeFailures {
		failed, err := transport.JSON(func(ctx context.Context, r FailedResult, _ metadatapkg.Metadata) error {
			return s.HandleFailed(ctx, r)
		})
		if err != nil {
			return err
		}
		if err := s.subscribe(ctx, s.cfg.FailedSubject, s.cfg.FailedDurable, failed); err != nil {
			return errors.Join(err, s.stopLocked(ctx))
		}
	}
	return nil
}

func (s *Service) subscribe(ctx context.Context, subject, durable string, handler transport.Handler) error {
	cfg := s.cfg.subscription(subject, durable)
	cfg.Middlewares = append(
		transport.DefaultMiddlewares(s.logger, cfg),
		transport.Hooks(s.metrics.JobHooks()),
	)

	sub, err := s.subscriber.Subscribe(ctx, cfg, handler)
	if err != nil {
		return fmt.Errorf("start result consumer %s: %w", durable, err)
	}
	s.subs = append(s.subs, sub)
	return nil
}

// Stop stops every consumer, waiting for in-flight results.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked(ctx)
}

func (s *Service) stopLocked(ctx context.Context) error {
	var errs []error
	for _, sub := range s.subs {
		if err := sub.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.subs = nil
	return errors.Join(errs...)
}

// HandleCompleted finalizes the evaluation named by r as COMPLETED. A nil
// return acknowledges the result; any error asks for redelivery.
//
// Results for evaluations that are already terminal are acknowledged without
// changes: repeating the stored code is a duplicate delivery, anything else
// is logged as a conflict.
func (s *Service) HandleCompleted(ctx context.Context, r CompletedResult) error {
	if r.RequestID == "" || r.Result == nil || *r.Result < 0 {
		s.metrics.Result(unknownDomain, metrics.ResultError)
		return fmt.Errorf("%w: %+v", errspkg.ErrMalformedResult, r)
	}
	code := *r.Result
	log := s.logger.With(logging.LogFields{"evaluation_id": r.RequestID, "result": code})

	e, err := s.lookup(ctx, r.RequestID)
	if err != nil {
		return err
	}

	if e.Status.Terminal() {
		if e.Status == evaluation.StatusCompleted && e.ResultCode == code {
			log.Debug("Duplicate result acknowledged", nil)
			s.metrics.Result(e.Domain, metrics.ResultDuplicate)
			return nil
		}
		s.conflict(log, e)
		return nil
	}

	recommendation, err := s.recommend(ctx, e, code)
	if err != nil {
		s.metrics.Result(e.Domain, metrics.ResultError)
		return err
	}

	if err := e.Complete(code, recommendation, s.now()); err != nil {
		return err
	}
	return s.save(ctx, log, e, metrics.ResultCompleted)
}

// HandleFailed finalizes the evaluation named by r as FAILED.
func (s *Service) HandleFailed(ctx context.Context, r FailedResult) error {
	if r.RequestID == "" {
		s.metrics.Result(unknownDomain, metrics.ResultError)
		return fmt.Errorf("%w: %+v", errspkg.ErrMalformedResult, r)
	}
	log := s.logger.With(logging.LogFields{"evaluation_id": r.RequestID})

	e, err := s.lookup(ctx, r.RequestID)
	if err != nil {
		return err
	}
	if e.Status.Terminal() {
		if e.Status == evaluation.StatusFailed {
			s.metrics.Result(e.Domain, metrics.ResultDuplicate)
			return nil
		}
		s.conflict(log, e)
		return nil
	}

	reason := r.Error
	if reason == "" {
		reason = "unknown error"
	}
	if err := e.Fail("analysis worker reported a failure: "+reason, s.now()); err != nil {
		return err
	}
	return s.save(ctx, log, e, metrics.ResultFailed)
}

func (s *Service) lookup(ctx context.Context, id string) (*evaluation.Evaluation, error) {
	e, found, err := s.store.FindEvaluationByID(ctx, id)
	if err != nil {
		s.metrics.Result(unknownDomain, metrics.ResultError)
		return nil, fmt.Errorf("load evaluation %s: %w", id, err)
	}
	if !found {
		s.logger.Error("Result does not match any evaluation", errspkg.ErrCorrelationMiss, logging.LogFields{"evaluation_id": id})
		s.metrics.Result(unknownDomain, metrics.ResultMiss)
		return nil, fmt.Errorf("%w: %s", errspkg.ErrCorrelationMiss, id)
	}
	return e, nil
}

func (s *Service) recommend(ctx context.Context, e *evaluation.Evaluation, code int) (string, error) {
	q, found, err := s.store.FindQuestionnaireByID(ctx, e.QuestionnaireID)
	if err != nil {
		return "", fmt.Errorf("load questionnaire %s: %w", e.QuestionnaireID, err)
	}
	if !found {
		return "", fmt.Errorf("%w: %s", errspkg.ErrQuestionnaireMissing, e.QuestionnaireID)
	}

	kind, ok := s.domains.Lookup(e.Domain)
	if !ok {
		return "", fmt.Errorf("%w: %q", errspkg.ErrUnknownDomain, e.Domain)
	}
	return kind.Recommend(code, q.Payload)
}

func (s *Service) save(ctx context.Context, log logging.ServiceLogger, e *evaluation.Evaluation, outcome string) error {
	err := s.store.SaveEvaluation(ctx, e)
	switch {
	case errors.Is(err, errspkg.ErrTerminalState):
		// Another writer finalized it first.
		s.conflict(log, e)
		return nil
	case err != nil:
		s.metrics.Result(e.Domain, metrics.ResultError)
		return fmt.Errorf("save evaluation %s: %w", e.ID, err)
	}

	log.Info("Evaluation finalized", logging.LogFields{"status": e.Status, "domain": e.Domain})
	s.metrics.Result(e.Domain, outcome)
	return nil
}

func (s *Service) conflict(log logging.ServiceLogger, e *evaluation.Evaluation) {
	log.Error("Conflicting result for finalized evaluation ignored", errspkg.ErrTerminalState, logging.LogFields{
		"status":      e.Status,
		"stored_code": e.ResultCode,
	})
	s.metrics.Result(e.Domain, metrics.ResultConflict)
}
