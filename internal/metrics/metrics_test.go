package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/cardiocheck/transport"
)

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	assert.NoError(t, c.Register())
	c.Submission("cardiac", SubmissionAccepted)
	c.Result("cardiac", ResultCompleted)
	c.ObserveState(transport.StateConnected)
	assert.Nil(t, c.JobHooks().OnJobDone)
}

func TestRegisterIsIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New("", reg)
	require.NoError(t, c.Register())
	require.NoError(t, c.Register())

	other := New("", reg)
	assert.NoError(t, other.Register(), "already registered collectors are tolerated")
}

func TestCounters(t *testing.T) {
	c := New("test", prometheus.NewRegistry())

	c.Submission("cardiac", SubmissionAccepted)
	c.Submission("cardiac", SubmissionAccepted)
	c.Submission("sleep", SubmissionPublishFailed)
	c.Result("cardiac", ResultDuplicate)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.submissions.WithLabelValues("cardiac", SubmissionAccepted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.submissions.WithLabelValues("sleep", SubmissionPublishFailed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.results.WithLabelValues("cardiac", ResultDuplicate)))
}

func TestObserveState(t *testing.T) {
	c := New("test", prometheus.NewRegistry())

	c.ObserveState(transport.StateConnected)
	c.ObserveState(transport.StateReconnecting)

	assert.Equal(t, 0.0, testutil.ToFloat64(c.connectionState.WithLabelValues("CONNECTED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.connectionState.WithLabelValues("RECONNECTING")))
}

func TestJobHooks(t *testing.T) {
	c := New("test", prometheus.NewRegistry())
	hooks := c.JobHooks()

	hooks.OnJobDone(transport.JobContext{Subject: "results.completed", Duration: 10 * time.Millisecond})
	hooks.OnJobError(transport.JobContext{Subject: "results.completed", Duration: time.Millisecond}, assert.AnError)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.deliveries.WithLabelValues("results.completed", "ack")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.deliveries.WithLabelValues("results.completed", "nak")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.handlerDuration))
}
