package transport

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/cardiocheck/internal/runtime/errors"
	jsoncodec "github.com/drblury/cardiocheck/internal/runtime/jsoncodec"
	metadatapkg "github.com/drblury/cardiocheck/internal/runtime/metadata"
)

// JSONHandler processes a decoded payload and its headers.
type JSONHandler[T any] func(ctx context.Context, payload T, md metadatapkg.Metadata) error

// JSON adapts a typed handler. Undecodable payloads fail like any other
// handler error and are bounded by the consumer's max deliveries.
func JSON[T any](fn JSONHandler[T]) (Handler, error) {
	if fn == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	return func(ctx context.Context, msg *message.Message) error {
		var payload T
		if err := jsoncodec.Unmarshal(msg.Payload, &payload); err != nil {
			return fmt.Errorf("decode payload of message %s: %w", msg.UUID, err)
		}
		return fn(ctx, payload, metadatapkg.FromWatermill(msg.Metadata))
	}, nil
}
