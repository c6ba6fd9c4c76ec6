// Package metrics exposes the Prometheus collectors of the service. Every
// method is safe on a nil *Collector, which records nothing.
package metrics

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/cardiocheck/transport"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "cardiocheck"

// Submission outcomes.
const (
	SubmissionAccepted      = "accepted"
	SubmissionUnavailable   = "unavailable"
	SubmissionOwnerNotFound = "owner_not_found"
	SubmissionPublishFailed = "publish_failed"
	SubmissionError         = "error"
)

// Result outcomes.
const (
	ResultCompleted = "completed"
	ResultFailed    = "failed"
	ResultDuplicate = "duplicate"
	ResultConflict  = "conflict"
	ResultMiss      = "miss"
	ResultError     = "error"
)

var connectionStates = []transport.State{
	transport.StateDisconnected,
	transport.StateConnecting,
	transport.StateConnected,
	transport.StateReconnecting,
	transport.StateDraining,
	transport.StateClosed,
}

// Collector records dispatch, correlation and broker metrics.
type Collector struct {
	mu         sync.Mutex
	registerer prometheus.Registerer
	registered bool

	submissions     *prometheus.CounterVec
	results         *prometheus.CounterVec
	deliveries      *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec
	connectionState *prometheus.GaugeVec
}

func newCounterVec(namespace, subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels)
}

// New creates a collector. A nil registerer uses the default registry.
func New(namespace string, registerer prometheus.Registerer) *Collector {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &Collector{
		registerer:  registerer,
		submissions: newCounterVec(namespace, "dispatch", "submissions_total", "Analysis submissions by domain and outcome", []string{"domain", "outcome"}),
		results:     newCounterVec(namespace, "correlation", "results_total", "Job results processed by domain and outcome", []string{"domain", "outcome"}),
		deliveries:  newCounterVec(namespace, "consumer", "deliveries_total", "Deliveries handled by subject and acknowledgement", []string{"subject", "ack"}),
		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "handler_duration_seconds",
			Help:      "Time spent handling one delivery",
			Buckets:   prometheus.DefBuckets,
		}, []string{"subject"}),
		connectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "connection_state",
			Help:      "1 for the current broker connection state, 0 otherwise",
		}, []string{"state"}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (c *Collector) Register() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.registered {
		return nil
	}

	for _, col := range []prometheus.Collector{c.submissions, c.results, c.deliveries, c.handlerDuration, c.connectionState} {
		if err := c.registerer.Register(col); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}
	c.registered = true
	return nil
}

// Submission counts one dispatch outcome.
func (c *Collector) Submission(domain, outcome string) {
	if c == nil {
		return
	}
	c.submissions.WithLabelValues(domain, outcome).Inc()
}

// Result counts one correlation outcome.
func (c *Collector) Result(domain, outcome string) {
	if c == nil {
		return
	}
	c.results.WithLabelValues(domain, outcome).Inc()
}

// ObserveState marks state as the current connection state.
func (c *Collector) ObserveState(state transport.State) {
	if c == nil {
		return
	}
	for _, s := range connectionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		c.connectionState.WithLabelValues(s.String()).Set(v)
	}
}

// JobHooks records handler duration and the ack decision of every delivery.
func (c *Collector) JobHooks() transport.JobHooks {
	if c == nil {
		return transport.JobHooks{}
	}
	return transport.JobHooks{
		OnJobDone: func(ctx transport.JobContext) {
			c.handlerDuration.WithLabelValues(ctx.Subject).Observe(ctx.Duration.Seconds())
			c.deliveries.WithLabelValues(ctx.Subject, "ack").Inc()
		},
		OnJobError: func(ctx transport.JobContext, _ error) {
			c.handlerDuration.WithLabelValues(ctx.Subject).Observe(ctx.Duration.Seconds())
			c.deliveries.WithLabelValues(ctx.Subject, "nak").Inc()
		},
	}
}
