package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/aegis-iam/aegis-iam/internal/shared"
)

func TestStreamTransportPublish(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	transport := NewStreamTransport(client, "aegis:events", 0)

	evt := Event{
		ID:            uuid.New(),
		AggregateType: AggregateRole,
		AggregateID:   "t1/1",
		EventType:     EventRoleCreated,
		Payload:       []byte(`{"role_id":1}`),
		CreatedAt:     time.Now(),
	}
	require.NoError(t, transport.Publish(context.Background(), evt))

	entries, err := client.XRange(context.Background(), "aegis:events", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, evt.ID.String(), entries[0].Values["event_id"])
	require.Equal(t, EventRoleCreated, entries[0].Values["event_type"])
	require.Equal(t, `{"role_id":1}`, entries[0].Values["payload"])
}

func TestStreamTransportWrapsFailures(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	mr.Close()

	transport := NewStreamTransport(client, "aegis:events", 0)
	err := transport.Publish(context.Background(), Event{ID: uuid.New()})
	require.Error(t, err)
	require.True(t, errors.Is(err, shared.ErrPublishFailure))
}
