package transport

// Capabilities describes what a broker implementation guarantees.
type Capabilities struct {
	Name string

	// Persistent brokers keep messages and consumer cursors across restarts.
	Persistent bool

	// SupportsDeduplication means publishes carrying the same message id
	// inside the broker's window are stored once.
	SupportsDeduplication bool

	// SupportsNakDelay means a negative acknowledgement can defer redelivery.
	SupportsNakDelay bool

	// SupportsReconnect means the client reconnects on its own after a drop.
	SupportsReconnect bool

	// MaxMessageSize is the maximum payload size in bytes (0 = unknown).
	MaxMessageSize int64
}

// Durable reports whether work survives a process restart.
func (c Capabilities) Durable() bool {
	return c.Persistent
}

var (
	// JetStreamCapabilities describes the NATS JetStream broker.
	JetStreamCapabilities = Capabilities{
		Name:                  "nats-jetstream",
		Persistent:            true,
		SupportsDeduplication: true,
		SupportsNakDelay:      true,
		SupportsReconnect:     true,
		MaxMessageSize:        1024 * 1024,
	}

	// ChannelCapabilities describes the in-process broker.
	ChannelCapabilities = Capabilities{
		Name: "channel",
	}
)
