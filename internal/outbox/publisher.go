package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Transport delivers one event to downstream consumers. Delivery is
// at-least-once; consumers deduplicate by event id.
type Transport interface {
	Publish(ctx context.Context, evt Event) error
}

// Store is the persistence surface the publisher needs.
type Store interface {
	Claim(ctx context.Context, claimant string, limit int, lease time.Duration) ([]Event, error)
	MarkPublished(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, cause string, backoff time.Duration) error
	Release(ctx context.Context, claimant string) error
}

// PublisherObserver counts delivery outcomes. Satisfied by the
// observability metrics.
type PublisherObserver interface {
	OutboxPublished()
	OutboxFailed()
}

// PublisherConfig tunes the publish loop.
type PublisherConfig struct {
	BatchSize    int
	PollInterval time.Duration
	ClaimLease   time.Duration
	Workers      int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
}

func (c *PublisherConfig) fill() {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.ClaimLease <= 0 {
		c.ClaimLease = 30 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 5 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 10 * time.Minute
	}
}

// Publisher drains the outbox and delivers events to the transport.
// Multiple instances may run concurrently; the store's claim mechanism
// keeps them from double-delivering an unpublished row.
type Publisher struct {
	store    Store
	trans    Transport
	observer PublisherObserver
	logger   *slog.Logger
	cfg      PublisherConfig
	claimant string
}

// NewPublisher constructs a publisher with a unique claimant identity.
func NewPublisher(store Store, trans Transport, observer PublisherObserver, logger *slog.Logger, cfg PublisherConfig) *Publisher {
	cfg.fill()
	host, _ := os.Hostname()
	return &Publisher{
		store:    store,
		trans:    trans,
		observer: observer,
		logger:   logger,
		cfg:      cfg,
		claimant: fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
	}
}

// Run drives the publish loop until the context is cancelled. On shutdown
// it stops claiming, lets in-flight deliveries complete, and releases any
// remaining leases so no row stays claimed-but-unresolved.
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.shutdown()
			return ctx.Err()
		default:
		}

		delivered, err := p.drainOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				p.shutdown()
				return ctx.Err()
			}
			p.logger.Error("outbox: drain", slog.Any("error", err))
		}
		if delivered > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			p.shutdown()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// drainOnce claims one batch and delivers it, returning how many events
// were attempted.
func (p *Publisher) drainOnce(ctx context.Context) (int, error) {
	events, err := p.store.Claim(ctx, p.claimant, p.cfg.BatchSize, p.cfg.ClaimLease)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	// In-flight deliveries run to completion even when the loop context is
	// cancelled mid-batch; the claim lease bounds how long that can take.
	deliverCtx := context.WithoutCancel(ctx)

	groups := groupByAggregate(events)
	g := new(errgroup.Group)
	g.SetLimit(p.cfg.Workers)
	for _, group := range groups {
		group := group
		g.Go(func() error {
			p.deliverGroup(deliverCtx, group)
			return nil
		})
	}
	_ = g.Wait()
	return len(events), nil
}

// deliverGroup publishes one aggregate's events strictly in order. A
// failure stops the group: later events of the same aggregate wait for the
// retry rather than overtake the failed one.
func (p *Publisher) deliverGroup(ctx context.Context, group []Event) {
	for _, evt := range group {
		if err := p.trans.Publish(ctx, evt); err != nil {
			backoff := p.backoff(evt.RetryCount)
			p.logger.Warn("outbox: delivery failed",
				slog.String("event_id", evt.ID.String()),
				slog.String("event_type", evt.EventType),
				slog.Int("retry_count", evt.RetryCount),
				slog.Duration("backoff", backoff),
				slog.Any("error", err))
			if p.observer != nil {
				p.observer.OutboxFailed()
			}
			if err := p.store.MarkFailed(ctx, evt.ID, err.Error(), backoff); err != nil {
				p.logger.Error("outbox: mark failed", slog.String("event_id", evt.ID.String()), slog.Any("error", err))
			}
			return
		}
		if err := p.store.MarkPublished(ctx, evt.ID); err != nil {
			p.logger.Error("outbox: mark published", slog.String("event_id", evt.ID.String()), slog.Any("error", err))
			return
		}
		if p.observer != nil {
			p.observer.OutboxPublished()
		}
	}
}

func (p *Publisher) backoff(retryCount int) time.Duration {
	backoff := p.cfg.BackoffBase * time.Duration(retryCount+1)
	if backoff > p.cfg.BackoffMax {
		backoff = p.cfg.BackoffMax
	}
	return backoff
}

func (p *Publisher) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.store.Release(ctx, p.claimant); err != nil {
		p.logger.Warn("outbox: release claims", slog.Any("error", err))
	}
}

// groupByAggregate splits a claimed batch into per-aggregate groups,
// preserving the batch's created_at order inside each group and the order
// of first appearance across groups.
func groupByAggregate(events []Event) [][]Event {
	index := make(map[string]int)
	var groups [][]Event
	for _, evt := range events {
		key := evt.AggregateKey()
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], evt)
	}
	return groups
}
