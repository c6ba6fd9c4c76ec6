// Package channel provides an in-memory broker on watermill's Go channel
// pub/sub. It keeps the broker contracts (coverage checks, de-duplication,
// bounded redelivery, durable resume) without a server, for tests and local
// development.
package channel

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	errspkg "github.com/drblury/cardiocheck/internal/runtime/errors"
	idspkg "github.com/drblury/cardiocheck/internal/runtime/ids"
	jsoncodec "github.com/drblury/cardiocheck/internal/runtime/jsoncodec"
	"github.com/drblury/cardiocheck/internal/runtime/logging"
	metadatapkg "github.com/drblury/cardiocheck/internal/runtime/metadata"
	"github.com/drblury/cardiocheck/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

const outputBuffer = 64

// ErrDurableBound is returned when a durable already has an active subscription.
var ErrDurableBound = errors.New("channel: durable consumer is already bound")

// Factory allows overriding the pub/sub creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) *gochannel.GoChannel {
	return gochannel.NewGoChannel(cfg, logger)
}

func init() {
	Register()
}

// Register adds the transport to the default registry.
func Register() {
	transport.Register(TransportName, Build, transport.ChannelCapabilities)
}

// Build creates a connected in-memory broker. Servers are ignored.
func Build(_ context.Context, opts transport.Options, logger logging.ServiceLogger) (transport.Broker, error) {
	for _, spec := range opts.Streams {
		if err := spec.Validate(); err != nil {
			return nil, err
		}
	}
	return New(opts.Streams, logger), nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}

// Broker is an in-memory transport.Broker.
type Broker struct {
	pubsub  *gochannel.GoChannel
	streams []transport.StreamSpec
	logger  logging.ServiceLogger

	mu       sync.Mutex
	state    transport.State
	msgIDs   map[string]struct{}
	acked    map[string]map[string]struct{}
	bound    map[string]*subscription
	stateFns []func(transport.State)
}

var _ transport.Broker = (*Broker)(nil)

// New creates a broker whose publishes must be covered by streams. With no
// streams every subject is accepted.
func New(streams []transport.StreamSpec, logger logging.ServiceLogger) *Broker {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Broker{
		pubsub: Factory(gochannel.Config{
			OutputChannelBuffer: outputBuffer,
			Persistent:          true,
		}, logging.NewWatermillAdapter(logger)),
		streams: streams,
		logger:  logger.With(logging.LogFields{"component": "channel"}),
		state:   transport.StateConnected,
		msgIDs:  make(map[string]struct{}),
		acked:   make(map[string]map[string]struct{}),
		bound:   make(map[string]*subscription),
	}
}

// IsConnected reports whether the broker accepts work.
func (b *Broker) IsConnected() bool {
	return b.State() == transport.StateConnected
}

// State returns CONNECTED until Close.
func (b *Broker) State() transport.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Publish stores the message. A repeated message id is accepted and dropped.
func (b *Broker) Publish(_ context.Context, subject string, payload any, opts ...transport.PublishOption) error {
	if subject == "" {
		return errspkg.ErrSubjectRequired
	}
	if !b.IsConnected() {
		return errspkg.ErrNotConnected
	}
	if len(b.streams) > 0 {
		if err := transport.ValidateCoverage(b.streams, subject); err != nil {
			return &errspkg.PublishError{Subject: subject, Err: err}
		}
	}

	data, err := jsoncodec.Payload(payload)
	if err != nil {
		return &errspkg.PublishError{Subject: subject, Err: err}
	}

	po := transport.ApplyPublishOptions(opts...)
	if po.ExpectStream != "" {
		if s, ok := transport.CoveringStream(b.streams, subject); !ok || s.Name != po.ExpectStream {
			return &errspkg.PublishError{Subject: subject, Err: fmt.Errorf("expected stream %s", po.ExpectStream)}
		}
	}
	if po.MsgID != "" && !b.rememberMsgID(po.MsgID) {
		return nil
	}

	msg := message.NewMessage(idspkg.CreateULID(), data)
	msg.Metadata = metadatapkg.ToWatermill(po.Metadata)
	if err := b.pubsub.Publish(subject, msg); err != nil {
		return &errspkg.PublishError{Subject: subject, Err: err}
	}
	return nil
}

func (b *Broker) rememberMsgID(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, seen := b.msgIDs[id]; seen {
		return false
	}
	b.msgIDs[id] = struct{}{}
	return true
}

// Subscribe starts a durable consumer. Messages the durable already acked are
// skipped when it resubscribes.
func (b *Broker) Subscribe(_ context.Context, cfg transport.SubscriptionConfig, handler transport.Handler) (transport.Subscription, error) {
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	if b.state != transport.StateConnected {
		b.mu.Unlock()
		return nil, errspkg.ErrNotConnected
	}
	if _, ok := b.bound[cfg.Durable]; ok {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDurableBound, cfg.Durable)
	}
	if b.acked[cfg.Durable] == nil {
		b.acked[cfg.Durable] = make(map[string]struct{})
	}
	b.mu.Unlock()

	mws := cfg.Middlewares
	if mws == nil {
		mws = transport.DefaultMiddlewares(b.logger, cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := b.pubsub.Subscribe(ctx, cfg.Subject)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe %s: %w", cfg.Subject, err)
	}

	s := &subscription{
		broker:   b,
		cfg:      cfg,
		handler:  transport.Chain(handler, mws...),
		logger:   b.logger.With(logging.LogFields{"subject": cfg.Subject, "durable": cfg.Durable}),
		cancel:   cancel,
		attempts: make(map[string]int),
		done:     make(chan struct{}),
	}

	b.mu.Lock()
	b.bound[cfg.Durable] = s
	b.mu.Unlock()

	go s.run(ctx, ch)
	return s, nil
}

// Close stops every subscription and the underlying pub/sub.
func (b *Broker) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.state == transport.StateClosed {
		b.mu.Unlock()
		return nil
	}
	b.state = transport.StateDraining
	subs := make([]*subscription, 0, len(b.bound))
	for _, s := range b.bound {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	var errs []error
	for _, s := range subs {
		if err := s.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := b.pubsub.Close(); err != nil {
		errs = append(errs, err)
	}

	b.mu.Lock()
	b.state = transport.StateClosed
	b.mu.Unlock()
	return errors.Join(errs...)
}

func (b *Broker) isAcked(durable, uuid string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.acked[durable][uuid]
	return ok
}

func (b *Broker) markAcked(durable, uuid string) {
	b.mu.Lock()
	b.acked[durable][uuid] = struct{}{}
	b.mu.Unlock()
}

func (b *Broker) unbind(s *subscription) {
	b.mu.Lock()
	if b.bound[s.cfg.Durable] == s {
		delete(b.bound, s.cfg.Durable)
	}
	b.mu.Unlock()
}

type subscription struct {
	broker  *Broker
	cfg     transport.SubscriptionConfig
	handler transport.Handler
	logger  logging.ServiceLogger
	cancel  context.CancelFunc

	// attempts is only touched by run.
	attempts map[string]int
	stopOnce sync.Once
	done     chan struct{}
}

func (s *subscription) Subject() string       { return s.cfg.Subject }
func (s *subscription) Durable() string       { return s.cfg.Durable }
func (s *subscription) Done() <-chan struct{} { return s.done }

func (s *subscription) run(ctx context.Context, ch <-chan *message.Message) {
	defer close(s.done)
	for msg := range ch {
		s.deliver(ctx, msg)
	}
}

func (s *subscription) deliver(ctx context.Context, msg *message.Message) {
	if s.broker.isAcked(s.cfg.Durable, msg.UUID) {
		msg.Ack()
		return
	}

	s.attempts[msg.UUID]++
	attempt := s.attempts[msg.UUID]
	msg.Metadata.Set(metadatapkg.KeySubject, s.cfg.Subject)
	msg.Metadata.Set(metadatapkg.KeyStream, s.stream())
	msg.Metadata.Set(metadatapkg.KeyDeliveryAttempt, strconv.Itoa(attempt))
	msg.SetContext(context.Background())

	err := s.handler(context.Background(), msg)
	if err == nil {
		s.settle(msg)
		return
	}

	if attempt >= s.cfg.MaxDeliver {
		s.logger.Error("Final delivery attempt failed, message will not be redelivered", err, logging.LogFields{
			"message_uuid": msg.UUID,
			"attempt":      attempt,
		})
		s.settle(msg)
		return
	}

	if s.cfg.NakDelay > 0 {
		timer := time.NewTimer(s.cfg.NakDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
	}
	msg.Nack()
}

func (s *subscription) settle(msg *message.Message) {
	s.broker.markAcked(s.cfg.Durable, msg.UUID)
	delete(s.attempts, msg.UUID)
	msg.Ack()
}

func (s *subscription) stream() string {
	if spec, ok := transport.CoveringStream(s.broker.streams, s.cfg.Subject); ok {
		return spec.Name
	}
	return s.cfg.Stream
}

// Stop cancels the subscription and waits for the running handler.
func (s *subscription) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.cancel()
		select {
		case <-s.done:
		case <-ctx.Done():
			err = fmt.Errorf("stop durable %s: %w", s.cfg.Durable, ctx.Err())
		}
		s.broker.unbind(s)
	})
	return err
}
