// Package transport defines the broker contracts the dispatch and correlation
// services depend on. Each implementation (nats-jetstream, channel) lives in
// its own sub-package and registers itself with the transport registry.
package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/cardiocheck/internal/runtime/errors"
	metadatapkg "github.com/drblury/cardiocheck/internal/runtime/metadata"
)

// State is the lifecycle state of a broker connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateDraining:
		return "DRAINING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Handler processes one delivery. A nil return acknowledges the message, an
// error negatively acknowledges it so the broker redelivers.
type Handler func(ctx context.Context, msg *message.Message) error

// Middleware decorates a Handler.
type Middleware func(Handler) Handler

// Publisher publishes JSON payloads on a subject.
type Publisher interface {
	// Publish returns once the broker has durably accepted the message.
	Publish(ctx context.Context, subject string, payload any, opts ...PublishOption) error
}

// Subscriber attaches durable consumers.
type Subscriber interface {
	Subscribe(ctx context.Context, cfg SubscriptionConfig, handler Handler) (Subscription, error)
}

// Broker is a connected message broker.
type Broker interface {
	Publisher
	Subscriber
	IsConnected() bool
	State() State
	// Close drains in-flight work and closes the connection.
	Close(ctx context.Context) error
}

// Subscription is a running durable consumer.
type Subscription interface {
	Subject() string
	Durable() string
	// Stop stops new deliveries and waits for the running handler to return.
	Stop(ctx context.Context) error
	// Done is closed once the subscription has stopped.
	Done() <-chan struct{}
}

// SubscriptionConfig describes a durable consumer.
type SubscriptionConfig struct {
	Subject string
	Stream  string
	// Durable names the consumer cursor; it survives restarts.
	Durable string
	// MaxAckPending bounds deliveries awaiting acknowledgement.
	MaxAckPending int
	// MaxDeliver bounds delivery attempts per message.
	MaxDeliver int
	AckWait    time.Duration
	// NakDelay delays redelivery after a failed attempt. Zero redelivers at once.
	NakDelay time.Duration
	// HandlerTimeout bounds one handler invocation. Zero disables it.
	HandlerTimeout time.Duration
	Middlewares    []Middleware
}

// Consumer defaults.
const (
	DefaultMaxAckPending = 10
	DefaultMaxDeliver    = 5
	DefaultAckWait       = 30 * time.Second
)

// WithDefaults fills zero limits.
func (c SubscriptionConfig) WithDefaults() SubscriptionConfig {
	if c.MaxAckPending <= 0 {
		c.MaxAckPending = DefaultMaxAckPending
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = DefaultMaxDeliver
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	return c
}

// Validate checks the identifying fields.
func (c SubscriptionConfig) Validate() error {
	switch {
	case c.Subject == "":
		return errspkg.ErrSubjectRequired
	case c.Stream == "":
		return errspkg.ErrStreamRequired
	case c.Durable == "":
		return errspkg.ErrDurableRequired
	}
	return nil
}

// PublishOptions collects per-publish settings.
type PublishOptions struct {
	// MsgID is the broker de-duplication id.
	MsgID string
	// ExpectStream asserts the stream that must capture the subject.
	ExpectStream string
	Metadata     metadatapkg.Metadata
}

// PublishOption customises a single publish.
type PublishOption func(*PublishOptions)

// WithMsgID sets the de-duplication id.
func WithMsgID(id string) PublishOption {
	return func(o *PublishOptions) { o.MsgID = id }
}

// WithExpectStream makes the broker reject the publish unless name stores it.
func WithExpectStream(name string) PublishOption {
	return func(o *PublishOptions) { o.ExpectStream = name }
}

// WithHeader adds a message header.
func WithHeader(key, value string) PublishOption {
	return func(o *PublishOptions) { o.Metadata = o.Metadata.With(key, value) }
}

// ApplyPublishOptions folds opts into a PublishOptions value.
func ApplyPublishOptions(opts ...PublishOption) PublishOptions {
	o := PublishOptions{Metadata: metadatapkg.Metadata{}}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// Options are the construction settings handed to a registered builder.
type Options struct {
	Transport      string
	Servers        []string
	Name           string
	MaxReconnects  int
	ReconnectWait  time.Duration
	ConnectTimeout time.Duration
	DrainTimeout   time.Duration
	Streams        []StreamSpec
	// OnStateChange observes connection state transitions. It must not block.
	OnStateChange func(State)
}
