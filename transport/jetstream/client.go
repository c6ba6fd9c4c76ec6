package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/nats-io/nats.go"

	errspkg "github.com/drblury/cardiocheck/internal/runtime/errors"
	idspkg "github.com/drblury/cardiocheck/internal/runtime/ids"
	jsoncodec "github.com/drblury/cardiocheck/internal/runtime/jsoncodec"
	"github.com/drblury/cardiocheck/internal/runtime/logging"
	metadatapkg "github.com/drblury/cardiocheck/internal/runtime/metadata"
	"github.com/drblury/cardiocheck/transport"
)

// defaultPublishTimeout bounds publishes whose context carries no deadline.
const defaultPublishTimeout = 5 * time.Second

// natsConnect is swapped in tests.
var natsConnect = nats.Connect

// Client owns one NATS connection and its JetStream context. Construct it
// once per process and share it; all methods are safe for concurrent use.
type Client struct {
	cfg       Config
	logger    logging.ServiceLogger
	marshaler *wmnats.NATSMarshaler

	// connectMu serializes Connect and Close.
	connectMu sync.Mutex

	mu         sync.RWMutex
	nc         *nats.Conn
	js         nats.JetStreamContext
	connDone   chan struct{}
	connecting bool
	draining   bool
	closed     bool

	subsMu sync.Mutex
	subs   map[*subscription]struct{}
}

var _ transport.Broker = (*Client)(nil)

// New creates a disconnected client.
func New(cfg Config, logger logging.ServiceLogger) *Client {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Client{
		cfg:       cfg.withDefaults(),
		logger:    logger.With(logging.LogFields{"component": "jetstream"}),
		marshaler: &wmnats.NATSMarshaler{},
		subs:      make(map[*subscription]struct{}),
	}
}

// Connect dials the cluster and provisions the configured streams. It is a
// no-op while connected. A failure leaves the client disconnected, so a
// later call dials again; after Close it fails with ErrConnectionClosed.
func (c *Client) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.RLock()
	closed, nc := c.closed, c.nc
	c.mu.RUnlock()

	switch {
	case closed:
		return errspkg.ErrConnectionClosed
	case nc != nil && nc.IsConnected():
		return nil
	case nc != nil && !nc.IsClosed():
		return fmt.Errorf("%w: reconnect in progress", errspkg.ErrNotConnected)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.setConnecting(true)
	c.notify(transport.StateConnecting)

	nc, js, done, err := c.dial(ctx)
	if err != nil {
		c.setConnecting(false)
		c.notify(transport.StateDisconnected)
		return err
	}

	c.mu.Lock()
	c.nc, c.js, c.connDone, c.connecting = nc, js, done, false
	c.mu.Unlock()

	c.notify(transport.StateConnected)
	c.logger.Info("Connected to broker", logging.LogFields{
		"url":     nc.ConnectedUrlRedacted(),
		"name":    c.cfg.Name,
		"streams": len(c.cfg.Streams),
	})
	return nil
}

func (c *Client) dial(ctx context.Context) (*nats.Conn, nats.JetStreamContext, chan struct{}, error) {
	done := make(chan struct{})
	var doneOnce sync.Once

	opts := []nats.Option{
		nats.Name(c.cfg.Name),
		nats.MaxReconnects(c.cfg.MaxReconnects),
		nats.ReconnectWait(c.cfg.ReconnectWait),
		nats.Timeout(c.cfg.ConnectTimeout),
		nats.DrainTimeout(c.cfg.DrainTimeout),
		nats.DisconnectErrHandler(c.onDisconnect),
		nats.ReconnectHandler(c.onReconnect),
		nats.ClosedHandler(func(nc *nats.Conn) {
			doneOnce.Do(func() { close(done) })
			c.onClosed(nc)
		}),
		nats.ErrorHandler(c.onAsyncError),
	}

	nc, err := natsConnect(strings.Join(c.cfg.Servers, ","), opts...)
	if err != nil {
		return nil, nil, nil, &errspkg.ConnectionError{Servers: c.cfg.Servers, Err: err}
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, nil, &errspkg.ConnectionError{Servers: c.cfg.Servers, Err: fmt.Errorf("jetstream context: %w", err)}
	}

	if err := provisionStreams(ctx, js, c.cfg.Streams, c.logger); err != nil {
		nc.Close()
		return nil, nil, nil, fmt.Errorf("provision streams: %w", err)
	}
	return nc, js, done, nil
}

// IsConnected reports whether publishes and subscribes can proceed.
func (c *Client) IsConnected() bool {
	return c.State() == transport.StateConnected
}

// State observes the current connection state.
func (c *Client) State() transport.State {
	c.mu.RLock()
	defer c.mu.RUnlock()

	switch {
	case c.connecting:
		return transport.StateConnecting
	case c.nc == nil && c.closed:
		return transport.StateClosed
	case c.nc == nil:
		return transport.StateDisconnected
	case c.draining && !c.nc.IsClosed():
		return transport.StateDraining
	}
	return stateFromStatus(c.nc.Status())
}

func stateFromStatus(status nats.Status) transport.State {
	switch status {
	case nats.CONNECTED:
		return transport.StateConnected
	case nats.CONNECTING:
		return transport.StateConnecting
	case nats.RECONNECTING, nats.DISCONNECTED:
		return transport.StateReconnecting
	case nats.DRAINING_SUBS, nats.DRAINING_PUBS:
		return transport.StateDraining
	default:
		return transport.StateClosed
	}
}

// Publish encodes payload as JSON and returns once the stream stored it.
func (c *Client) Publish(ctx context.Context, subject string, payload any, opts ...transport.PublishOption) error {
	if subject == "" {
		return errspkg.ErrSubjectRequired
	}
	js, err := c.jetStream()
	if err != nil {
		return err
	}

	data, err := jsoncodec.Payload(payload)
	if err != nil {
		return &errspkg.PublishError{Subject: subject, Err: err}
	}

	po := transport.ApplyPublishOptions(opts...)
	msg := message.NewMessage(idspkg.CreateULID(), data)
	msg.Metadata = metadatapkg.ToWatermill(po.Metadata)

	natsMsg, err := c.marshaler.Marshal(subject, msg)
	if err != nil {
		return &errspkg.PublishError{Subject: subject, Err: err}
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultPublishTimeout)
		defer cancel()
	}

	pubOpts := []nats.PubOpt{nats.Context(ctx)}
	if po.MsgID != "" {
		pubOpts = append(pubOpts, nats.MsgId(po.MsgID))
	}
	if po.ExpectStream != "" {
		pubOpts = append(pubOpts, nats.ExpectStream(po.ExpectStream))
	}

	ack, err := js.PublishMsg(natsMsg, pubOpts...)
	if err != nil {
		return &errspkg.PublishError{Subject: subject, Err: err}
	}

	c.logger.Trace("Published message", logging.LogFields{
		"subject":   subject,
		"stream":    ack.Stream,
		"sequence":  ack.Sequence,
		"duplicate": ack.Duplicate,
	})
	return nil
}

// Provision re-runs stream provisioning. Existing streams are left as is.
func (c *Client) Provision(ctx context.Context) error {
	js, err := c.jetStream()
	if err != nil {
		return err
	}
	return provisionStreams(ctx, js, c.cfg.Streams, c.logger)
}

// StreamNames lists the streams known to the server.
func (c *Client) StreamNames(ctx context.Context) ([]string, error) {
	js, err := c.jetStream()
	if err != nil {
		return nil, err
	}
	var names []string
	for name := range js.StreamNames(nats.Context(ctx)) {
		names = append(names, name)
	}
	return names, ctx.Err()
}

// Close stops every subscription, drains the connection and waits for it to
// close, bounded by ctx. The client cannot be reconnected afterwards.
func (c *Client) Close(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.draining = true
	nc, done := c.nc, c.connDone
	c.mu.Unlock()

	c.notify(transport.StateDraining)
	c.logger.Info("Draining broker connection", nil)

	var errs []error
	for _, sub := range c.takeSubscriptions() {
		if err := sub.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if nc != nil && !nc.IsClosed() {
		if err := nc.Drain(); err != nil {
			c.logger.Error("Drain refused, closing immediately", err, nil)
			nc.Close()
		}
		select {
		case <-done:
		case <-ctx.Done():
			nc.Close()
			errs = append(errs, fmt.Errorf("drain connection: %w", ctx.Err()))
		}
	}

	c.mu.Lock()
	c.draining = false
	c.mu.Unlock()

	return errors.Join(errs...)
}

func (c *Client) jetStream() (nats.JetStreamContext, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.nc == nil || c.draining || !c.nc.IsConnected() {
		return nil, errspkg.ErrNotConnected
	}
	return c.js, nil
}

func (c *Client) setConnecting(v bool) {
	c.mu.Lock()
	c.connecting = v
	c.mu.Unlock()
}

func (c *Client) isDraining() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.draining || c.closed
}

func (c *Client) notify(state transport.State) {
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(state)
	}
}

func (c *Client) onDisconnect(_ *nats.Conn, err error) {
	if c.isDraining() {
		return
	}
	c.logger.Error("Broker connection lost, reconnecting", err, logging.LogFields{
		"max_reconnects": c.cfg.MaxReconnects,
		"reconnect_wait": c.cfg.ReconnectWait.String(),
	})
	c.notify(transport.StateReconnecting)
}

func (c *Client) onReconnect(nc *nats.Conn) {
	c.logger.Info("Broker connection restored", logging.LogFields{"url": nc.ConnectedUrlRedacted()})
	c.notify(transport.StateConnected)
}

func (c *Client) onClosed(_ *nats.Conn) {
	if !c.isDraining() {
		c.logger.Error("Broker connection closed after exhausting reconnects", errspkg.ErrNotConnected, nil)
	}
	c.notify(transport.StateClosed)
}

func (c *Client) onAsyncError(_ *nats.Conn, sub *nats.Subscription, err error) {
	fields := logging.LogFields{}
	if sub != nil {
		fields["subject"] = sub.Subject
	}
	c.logger.Error("Asynchronous broker error", err, fields)
}

func (c *Client) track(s *subscription) {
	c.subsMu.Lock()
	c.subs[s] = struct{}{}
	c.subsMu.Unlock()
}

func (c *Client) untrack(s *subscription) {
	c.subsMu.Lock()
	delete(c.subs, s)
	c.subsMu.Unlock()
}

func (c *Client) takeSubscriptions() []*subscription {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	subs := make([]*subscription, 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
	}
	return subs
}
