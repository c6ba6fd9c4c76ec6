// Package metadata holds the header keys stamped on broker messages and a
// small map type for carrying them.
package metadata

import "strconv"

// Reserved header keys.
const (
	// KeyCorrelationID ties a delivery to the evaluation it belongs to.
	KeyCorrelationID = "correlation_id"
	KeyDomain        = "cardiocheck_domain"
	KeySubject       = "cardiocheck_subject"
	KeyStream        = "cardiocheck_stream"
	KeyStreamSeq     = "cardiocheck_stream_seq"
	// KeyDeliveryAttempt is the 1-based delivery count reported by the broker.
	KeyDeliveryAttempt = "cardiocheck_delivery_attempt"
	KeyTraceID         = "trace_id"
)

// Metadata represents the headers carried alongside a message.
type Metadata map[string]string

func (m Metadata) cloneWithExtra(extra int) Metadata {
	size := len(m) + extra
	if size <= 0 {
		return Metadata{}
	}

	cloned := make(Metadata, size)
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// WithAll returns a cloned metadata map containing the supplied entries.
func (m Metadata) WithAll(entries Metadata) Metadata {
	cloned := m.cloneWithExtra(len(entries))
	for k, v := range entries {
		cloned[k] = v
	}
	return cloned
}

// CorrelationID returns the correlation header, if any.
func (m Metadata) CorrelationID() string {
	return m[KeyCorrelationID]
}

// Attempt returns the delivery attempt, or 1 when the header is absent or garbled.
func (m Metadata) Attempt() int {
	n, err := strconv.Atoi(m[KeyDeliveryAttempt])
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// New constructs a Metadata map from alternating key/value pairs.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}
