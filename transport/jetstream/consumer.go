package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	errspkg "github.com/drblury/cardiocheck/internal/runtime/errors"
	idspkg "github.com/drblury/cardiocheck/internal/runtime/ids"
	"github.com/drblury/cardiocheck/internal/runtime/logging"
	metadatapkg "github.com/drblury/cardiocheck/internal/runtime/metadata"
	"github.com/drblury/cardiocheck/transport"
)

const stopPollInterval = 10 * time.Millisecond

// Subscribe creates the durable consumer when absent and binds a push
// subscription to it. Deliveries to one subscription are handled strictly
// one at a time; a nil handler result acks, an error naks.
//
// The consumer is created explicitly and bound, so stopping the
// subscription never deletes the durable cursor.
func (c *Client) Subscribe(ctx context.Context, cfg transport.SubscriptionConfig, handler transport.Handler) (transport.Subscription, error) {
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	js, err := c.jetStream()
	if err != nil {
		return nil, err
	}
	if err := ensureConsumer(ctx, js, cfg, c.logger); err != nil {
		return nil, err
	}

	mws := cfg.Middlewares
	if mws == nil {
		mws = transport.DefaultMiddlewares(c.logger, cfg)
	}

	s := &subscription{
		client:  c,
		cfg:     cfg,
		handler: transport.Chain(handler, mws...),
		logger:  c.logger.With(logging.LogFields{"subject": cfg.Subject, "durable": cfg.Durable}),
		done:    make(chan struct{}),
	}

	sub, err := js.Subscribe(cfg.Subject, s.onMessage, nats.Bind(cfg.Stream, cfg.Durable), nats.ManualAck())
	if err != nil {
		return nil, fmt.Errorf("bind durable %s: %w", cfg.Durable, err)
	}
	s.sub = sub
	c.track(s)

	s.logger.Info("Durable consumer started", logging.LogFields{
		"max_ack_pending": cfg.MaxAckPending,
		"max_deliver":     cfg.MaxDeliver,
	})
	return s, nil
}

func lookupConsumer(ctx context.Context, js nats.JetStreamManager, stream, durable string) (*nats.ConsumerInfo, bool, error) {
	info, err := js.ConsumerInfo(stream, durable, nats.Context(ctx))
	if errors.Is(err, nats.ErrConsumerNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return info, true, nil
}

func ensureConsumer(ctx context.Context, js nats.JetStreamManager, cfg transport.SubscriptionConfig, logger logging.ServiceLogger) error {
	info, found, err := lookupConsumer(ctx, js, cfg.Stream, cfg.Durable)
	if err != nil {
		return fmt.Errorf("look up durable %s: %w", cfg.Durable, err)
	}
	if found {
		logger.Debug("Durable consumer exists", logging.LogFields{
			"durable":     cfg.Durable,
			"num_pending": info.NumPending,
		})
		return nil
	}

	_, err = js.AddConsumer(cfg.Stream, &nats.ConsumerConfig{
		Durable:        cfg.Durable,
		DeliverSubject: nats.NewInbox(),
		FilterSubject:  cfg.Subject,
		DeliverPolicy:  nats.DeliverAllPolicy,
		AckPolicy:      nats.AckExplicitPolicy,
		AckWait:        cfg.AckWait,
		MaxDeliver:     cfg.MaxDeliver,
		MaxAckPending:  cfg.MaxAckPending,
	}, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("create durable %s: %w", cfg.Durable, err)
	}
	return nil
}

type subscription struct {
	client  *Client
	cfg     transport.SubscriptionConfig
	handler transport.Handler
	logger  logging.ServiceLogger
	sub     *nats.Subscription

	inflight sync.WaitGroup
	stopOnce sync.Once
	stopErr  error
	done     chan struct{}
}

func (s *subscription) Subject() string       { return s.cfg.Subject }
func (s *subscription) Durable() string       { return s.cfg.Durable }
func (s *subscription) Done() <-chan struct{} { return s.done }

// onMessage runs on the subscription's delivery goroutine, one message at a time.
func (s *subscription) onMessage(m *nats.Msg) {
	s.inflight.Add(1)
	defer s.inflight.Done()

	msg, err := s.client.marshaler.Unmarshal(m)
	if err != nil {
		s.logger.Error("Undecodable delivery", err, nil)
		s.nak(m)
		return
	}
	if msg.UUID == "" {
		msg.UUID = idspkg.CreateULID()
	}

	attempt := 1
	if meta, err := m.Metadata(); err == nil {
		attempt = int(meta.NumDelivered)
		msg.Metadata.Set(metadatapkg.KeyStream, meta.Stream)
		msg.Metadata.Set(metadatapkg.KeyStreamSeq, strconv.FormatUint(meta.Sequence.Stream, 10))
	}
	msg.Metadata.Set(metadatapkg.KeySubject, m.Subject)
	msg.Metadata.Set(metadatapkg.KeyDeliveryAttempt, strconv.Itoa(attempt))

	ctx := context.Background()
	msg.SetContext(ctx)

	if err := s.handler(ctx, msg); err != nil {
		if attempt >= s.cfg.MaxDeliver {
			s.logger.Error("Final delivery attempt failed, message will not be redelivered", err, logging.LogFields{
				"message_uuid": msg.UUID,
				"attempt":      attempt,
			})
		}
		s.nak(m)
		return
	}

	if err := m.Ack(); err != nil {
		s.logger.Error("Failed to ack", err, logging.LogFields{"message_uuid": msg.UUID})
	}
}

func (s *subscription) nak(m *nats.Msg) {
	var err error
	if s.cfg.NakDelay > 0 {
		err = m.NakWithDelay(s.cfg.NakDelay)
	} else {
		err = m.Nak()
	}
	if err != nil {
		s.logger.Error("Failed to nak", err, nil)
	}
}

// Stop drains the subscription, then waits for the in-flight handler.
func (s *subscription) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.stopErr = s.stop(ctx)
		s.client.untrack(s)
		close(s.done)
		s.logger.Info("Durable consumer stopped", nil)
	})
	return s.stopErr
}

func (s *subscription) stop(ctx context.Context) error {
	if err := s.sub.Drain(); err != nil {
		if !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
			s.logger.Error("Drain failed, unsubscribing", err, nil)
		}
		_ = s.sub.Unsubscribe()
	}

	ticker := time.NewTicker(stopPollInterval)
	defer ticker.Stop()
	for s.sub.IsValid() {
		select {
		case <-ctx.Done():
			_ = s.sub.Unsubscribe()
			return fmt.Errorf("stop durable %s: %w", s.cfg.Durable, ctx.Err())
		case <-ticker.C:
		}
	}

	idle := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(idle)
	}()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop durable %s: %w", s.cfg.Durable, ctx.Err())
	}
}
