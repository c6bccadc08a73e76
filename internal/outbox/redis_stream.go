package outbox

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/aegis-iam/aegis-iam/internal/shared"
)

// StreamTransport publishes events onto a redis stream. Downstream
// consumers read the stream with consumer groups and deduplicate by the
// event_id field.
type StreamTransport struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewStreamTransport constructs a transport writing to the named stream.
// maxLen of zero keeps the stream unbounded; archival is an external
// concern.
func NewStreamTransport(client *redis.Client, stream string, maxLen int64) *StreamTransport {
	return &StreamTransport{client: client, stream: stream, maxLen: maxLen}
}

// Publish appends the event to the stream.
func (t *StreamTransport) Publish(ctx context.Context, evt Event) error {
	args := &redis.XAddArgs{
		Stream: t.stream,
		Values: map[string]any{
			"event_id":       evt.ID.String(),
			"aggregate_type": evt.AggregateType,
			"aggregate_id":   evt.AggregateID,
			"event_type":     evt.EventType,
			"payload":        string(evt.Payload),
			"retry_count":    evt.RetryCount,
		},
	}
	if t.maxLen > 0 {
		args.MaxLen = t.maxLen
		args.Approx = true
	}
	if err := t.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("%w: stream %s: %v", shared.ErrPublishFailure, t.stream, err)
	}
	return nil
}
