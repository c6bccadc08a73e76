package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/aegis-iam/aegis-iam/internal/authz"
	jobmetrics "github.com/aegis-iam/aegis-iam/internal/jobs"
	"github.com/aegis-iam/aegis-iam/internal/tenant"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskCacheInvalidate drops cached permission sets after a mutation.
	TaskCacheInvalidate = "authz:cache_invalidate"
	// TaskOutboxSweep releases outbox claims whose lease has expired.
	TaskOutboxSweep = "outbox:sweep"
)

// CacheInvalidatePayload targets one user, or a whole tenant when UserID
// is empty.
type CacheInvalidatePayload struct {
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id,omitempty"`
}

// NewCacheInvalidateTask constructs an Asynq task.
func NewCacheInvalidateTask(payload CacheInvalidatePayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskCacheInvalidate, data), nil
}

// NewOutboxSweepTask constructs the periodic sweep task.
func NewOutboxSweepTask() *asynq.Task {
	return asynq.NewTask(TaskOutboxSweep, nil)
}

// NewCacheInvalidateHandler returns the handler for TaskCacheInvalidate.
func NewCacheInvalidateHandler(resolver *authz.Resolver, logger *slog.Logger, metrics *jobmetrics.Metrics) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		tracker := metrics.Track("cache_invalidate")
		var payload CacheInvalidatePayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return tracker.End(asynq.SkipRetry)
		}
		scope, err := tenant.ParseScope(payload.TenantID)
		if err != nil {
			return tracker.End(asynq.SkipRetry)
		}
		if payload.UserID == "" {
			err = resolver.InvalidateTenant(ctx, scope)
		} else {
			err = resolver.Invalidate(ctx, scope, payload.UserID)
		}
		if err != nil {
			logger.Warn("cache invalidate", slog.String("tenant_id", payload.TenantID), slog.Any("error", err))
		}
		return tracker.End(err)
	}
}

// ClaimSweeper releases expired outbox claims so stalled events become
// claimable again after a publisher crash.
type ClaimSweeper interface {
	ReleaseExpiredClaims(ctx context.Context) (int64, error)
}

// NewOutboxSweepHandler returns the handler for TaskOutboxSweep.
func NewOutboxSweepHandler(sweeper ClaimSweeper, logger *slog.Logger, metrics *jobmetrics.Metrics) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		tracker := metrics.Track("outbox_sweep")
		released, err := sweeper.ReleaseExpiredClaims(ctx)
		if err != nil {
			logger.Error("outbox sweep", slog.Any("error", err))
			return tracker.End(err)
		}
		if released > 0 {
			logger.Info("released expired outbox claims", slog.Int64("count", released))
		}
		return tracker.End(nil)
	}
}

// EnqueueInvalidation satisfies the authz cache-invalidator contract.
func (c *Client) EnqueueInvalidation(ctx context.Context, tenantID uuid.UUID, userID string) error {
	task, err := NewCacheInvalidateTask(CacheInvalidatePayload{TenantID: tenantID.String(), UserID: userID})
	if err != nil {
		return err
	}
	_, err = c.client.EnqueueContext(ctx, task, asynq.Queue(QueueDefault))
	return err
}
