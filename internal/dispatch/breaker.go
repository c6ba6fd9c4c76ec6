package dispatch

import (
	"time"

	"github.com/sony/gobreaker"

	"github.com/drblury/cardiocheck/internal/runtime/logging"
)

// BreakerSettings tunes NewBreaker.
type BreakerSettings struct {
	Name string
	// ConsecutiveFailures opens the breaker. Zero means 5.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration
}

// NewBreaker returns a breaker that opens after consecutive publish failures
// and admits a single trial publish while half-open. Callers report each
// admitted publish through the func returned by Allow.
func NewBreaker(settings BreakerSettings, logger logging.ServiceLogger) *gobreaker.TwoStepCircuitBreaker {
	if logger == nil {
		logger = logging.NewNop()
	}
	threshold := settings.ConsecutiveFailures
	if threshold == 0 {
		threshold = 5
	}
	name := settings.Name
	if name == "" {
		name = "job-publish"
	}

	return gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("Publish breaker state changed", logging.LogFields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
	})
}
