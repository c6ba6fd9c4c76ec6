// Package jetstream implements the broker contracts on NATS JetStream:
// connection lifecycle, stream provisioning and durable push consumers.
package jetstream

import (
	"context"
	"time"

	"github.com/drblury/cardiocheck/internal/runtime/logging"
	"github.com/drblury/cardiocheck/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats-jetstream"

const (
	DefaultName           = "cardiocheck-api"
	DefaultMaxReconnects  = 10
	DefaultReconnectWait  = 5 * time.Second
	DefaultConnectTimeout = 10 * time.Second
	DefaultDrainTimeout   = 30 * time.Second
	DefaultURL            = "nats://127.0.0.1:4222"
)

func init() {
	Register()
}

// Register adds the transport to the default registry.
func Register() {
	transport.Register(TransportName, Build, transport.JetStreamCapabilities)
}

// Build connects a client from registry options. The returned broker is
// connected and its streams are provisioned.
func Build(ctx context.Context, opts transport.Options, logger logging.ServiceLogger) (transport.Broker, error) {
	c := New(Config{
		Servers:        opts.Servers,
		Name:           opts.Name,
		MaxReconnects:  opts.MaxReconnects,
		ReconnectWait:  opts.ReconnectWait,
		ConnectTimeout: opts.ConnectTimeout,
		DrainTimeout:   opts.DrainTimeout,
		Streams:        opts.Streams,
		OnStateChange:  opts.OnStateChange,
	}, logger)

	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.JetStreamCapabilities
}

// Config holds the connection and provisioning settings.
type Config struct {
	// Servers lists cluster URLs; the client fails over between them.
	Servers []string
	// Name identifies the connection in server monitoring.
	Name string
	// MaxReconnects bounds reconnect attempts after a drop. -1 retries forever.
	MaxReconnects  int
	ReconnectWait  time.Duration
	ConnectTimeout time.Duration
	DrainTimeout   time.Duration
	// Streams are created on connect when missing.
	Streams []transport.StreamSpec
	// OnStateChange is called from the client's event goroutine.
	OnStateChange func(transport.State)
}

func (c Config) withDefaults() Config {
	if len(c.Servers) == 0 {
		c.Servers = []string{DefaultURL}
	}
	if c.Name == "" {
		c.Name = DefaultName
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = DefaultMaxReconnects
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = DefaultReconnectWait
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	return c
}
