package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aegis-iam/aegis-iam/internal/shared"
)

// Repository provides PostgreSQL backed persistence for outbox rows.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Append inserts one event within the caller's transaction. This is the
// write-path contract: a mutation and its event commit together or not at
// all.
func (r *Repository) Append(ctx context.Context, tx pgx.Tx, aggregateType, aggregateID, eventType string, payload []byte) (uuid.UUID, error) {
	id := uuid.New()
	_, err := tx.Exec(ctx, `
		INSERT INTO outbox (id, aggregate_type, aggregate_id, event_type, payload)
		VALUES ($1, $2, $3, $4, $5)`,
		id, aggregateType, aggregateID, eventType, payload)
	if err != nil {
		return uuid.Nil, shared.ClassifyPgError(err)
	}
	return id, nil
}

// Claim atomically leases up to limit unpublished rows for the claimant.
// The selection skips rows locked by concurrent publishers and refuses a
// row while an earlier unpublished event of the same aggregate exists, so
// per-aggregate order holds even across publisher instances. A row whose
// lease expired is claimable again; the consumer-side id-based idempotence
// covers the resulting at-least-once delivery.
func (r *Repository) Claim(ctx context.Context, claimant string, limit int, lease time.Duration) ([]Event, error) {
	rows, err := r.pool.Query(ctx, `
		WITH candidate AS (
			SELECT o.id
			FROM outbox o
			WHERE o.published_at IS NULL
			  AND o.next_attempt_at <= NOW()
			  AND (o.claim_expires_at IS NULL OR o.claim_expires_at < NOW())
			  AND NOT EXISTS (
				SELECT 1 FROM outbox prior
				WHERE prior.aggregate_type = o.aggregate_type
				  AND prior.aggregate_id = o.aggregate_id
				  AND prior.published_at IS NULL
				  AND prior.created_at < o.created_at
			  )
			ORDER BY o.created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox
		SET claimed_by = $1, claim_expires_at = NOW() + $3
		FROM candidate
		WHERE outbox.id = candidate.id
		RETURNING outbox.id, outbox.aggregate_type, outbox.aggregate_id, outbox.event_type,
		          outbox.payload, outbox.created_at, outbox.published_at, outbox.retry_count, outbox.last_error`,
		claimant, limit, lease)
	if err != nil {
		return nil, shared.ClassifyPgError(err)
	}
	defer rows.Close()
	var events []Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, shared.ClassifyPgError(err)
	}
	return events, nil
}

// MarkPublished stamps a successfully delivered row and releases its
// lease.
func (r *Repository) MarkPublished(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE outbox
		SET published_at = NOW(), claimed_by = NULL, claim_expires_at = NULL, last_error = NULL
		WHERE id = $1 AND published_at IS NULL`,
		id)
	if err != nil {
		return shared.ClassifyPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// MarkFailed records a delivery failure and schedules the next attempt
// with backoff proportional to the retry count. The row stays unpublished;
// nothing is ever dropped.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, cause string, backoff time.Duration) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE outbox
		SET retry_count = retry_count + 1,
		    last_error = $2,
		    next_attempt_at = NOW() + $3,
		    claimed_by = NULL,
		    claim_expires_at = NULL
		WHERE id = $1 AND published_at IS NULL`,
		id, cause, backoff)
	if err != nil {
		return shared.ClassifyPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// Release drops the claimant's remaining leases, used during graceful
// shutdown so no row stays claimed-but-unresolved.
func (r *Repository) Release(ctx context.Context, claimant string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE outbox
		SET claimed_by = NULL, claim_expires_at = NULL
		WHERE claimed_by = $1 AND published_at IS NULL`,
		claimant)
	return shared.ClassifyPgError(err)
}

// ReleaseExpiredClaims clears leases that outlived their bound, recovering
// rows stranded by a crashed publisher. Returns the number of recovered
// rows.
func (r *Repository) ReleaseExpiredClaims(ctx context.Context) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE outbox
		SET claimed_by = NULL, claim_expires_at = NULL
		WHERE published_at IS NULL AND claim_expires_at IS NOT NULL AND claim_expires_at < NOW()`)
	if err != nil {
		return 0, shared.ClassifyPgError(err)
	}
	return tag.RowsAffected(), nil
}

// PendingCount reports how many rows await publication, for observability
// endpoints.
func (r *Repository) PendingCount(ctx context.Context) (int64, error) {
	var count int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE published_at IS NULL`).Scan(&count); err != nil {
		return 0, shared.ClassifyPgError(err)
	}
	return count, nil
}

func scanEvent(row pgx.Row) (Event, error) {
	var evt Event
	var createdAt, publishedAt pgtype.Timestamptz
	var lastError pgtype.Text
	if err := row.Scan(&evt.ID, &evt.AggregateType, &evt.AggregateID, &evt.EventType,
		&evt.Payload, &createdAt, &publishedAt, &evt.RetryCount, &lastError); err != nil {
		return Event{}, err
	}
	if createdAt.Valid {
		evt.CreatedAt = createdAt.Time
	}
	if publishedAt.Valid {
		t := publishedAt.Time
		evt.PublishedAt = &t
	}
	if lastError.Valid {
		evt.LastError = lastError.String
	}
	return evt, nil
}
