package jetstream

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/drblury/cardiocheck/internal/runtime/logging"
	"github.com/drblury/cardiocheck/transport"
)

// lookupStream reports whether the stream exists instead of surfacing the
// broker's not-found error.
func lookupStream(ctx context.Context, js nats.JetStreamManager, name string) (*nats.StreamInfo, bool, error) {
	info, err := js.StreamInfo(name, nats.Context(ctx))
	if errors.Is(err, nats.ErrStreamNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return info, true, nil
}

// provisionStreams creates every missing stream. Existing ones are kept
// unchanged even when their configuration differs from the spec.
func provisionStreams(ctx context.Context, js nats.JetStreamManager, specs []transport.StreamSpec, logger logging.ServiceLogger) error {
	for _, spec := range specs {
		if err := spec.Validate(); err != nil {
			return err
		}

		info, found, err := lookupStream(ctx, js, spec.Name)
		if err != nil {
			return fmt.Errorf("look up stream %s: %w", spec.Name, err)
		}
		if found {
			logger.Debug("Stream exists", logging.LogFields{
				"stream":   spec.Name,
				"subjects": info.Config.Subjects,
				"messages": info.State.Msgs,
			})
			continue
		}

		if _, err := js.AddStream(streamConfig(spec), nats.Context(ctx)); err != nil {
			return fmt.Errorf("create stream %s: %w", spec.Name, err)
		}
		logger.Info("Stream created", logging.LogFields{
			"stream":    spec.Name,
			"subjects":  spec.Subjects,
			"retention": spec.Retention,
		})
	}
	return nil
}

func streamConfig(spec transport.StreamSpec) *nats.StreamConfig {
	cfg := &nats.StreamConfig{
		Name:              spec.Name,
		Subjects:          append([]string(nil), spec.Subjects...),
		MaxAge:            spec.MaxAge,
		MaxBytes:          spec.MaxBytes,
		MaxMsgsPerSubject: spec.MaxMsgsPerSubject,
		MaxConsumers:      -1,
		Replicas:          spec.Replicas,
	}

	switch spec.Retention {
	case transport.RetentionWorkQueue:
		cfg.Retention = nats.WorkQueuePolicy
	case transport.RetentionInterest:
		cfg.Retention = nats.InterestPolicy
	default:
		cfg.Retention = nats.LimitsPolicy
	}

	if spec.Storage == transport.StorageMemory {
		cfg.Storage = nats.MemoryStorage
	} else {
		cfg.Storage = nats.FileStorage
	}

	if cfg.MaxBytes == 0 {
		cfg.MaxBytes = -1
	}
	if cfg.MaxMsgsPerSubject == 0 {
		cfg.MaxMsgsPerSubject = -1
	}
	if cfg.Replicas <= 0 {
		cfg.Replicas = 1
	}
	return cfg
}
