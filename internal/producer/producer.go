package producer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fanoutlabs/crossposter/internal/broadcast"
	"github.com/fanoutlabs/crossposter/internal/model"
)

// Store is the slice of the post store the producer needs.
type Store interface {
	GetDue(ctx context.Context, asOf time.Time) ([]model.Post, error)
	MarkQueued(ctx context.Context, id string) error
}

// Broadcaster fans one event out to every delivery lane.
type Broadcaster interface {
	Broadcast(ctx context.Context, ev broadcast.Event) (map[string]broadcast.Outcome, error)
}

// Producer scans the store for due posts and submits one broadcast event
// per due post per schedule cycle. Running a tick twice within the same
// cycle (operator retrigger, crash and restart) produces events with the
// same dedup keys, which the lanes collapse.
type Producer struct {
	store    Store
	bc       Broadcaster
	interval time.Duration
	log      *slog.Logger

	now func() time.Time
}

func New(store Store, bc Broadcaster, interval time.Duration, log *slog.Logger) (*Producer, error) {
	if interval <= 0 {
		return nil, errors.New("interval must be > 0")
	}
	return &Producer{
		store:    store,
		bc:       bc,
		interval: interval,
		log:      log,
		now:      time.Now,
	}, nil
}

// Tick runs one scheduling cycle and returns the number of posts fanned
// out. A transient store failure aborts the tick; nothing is marked and
// the next tick rescans.
func (p *Producer) Tick(ctx context.Context) (int, error) {
	now := p.now().UTC()
	cycle := now.Truncate(p.interval)

	posts, err := p.store.GetDue(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("scan due posts: %w", err)
	}

	produced := 0
	for _, post := range posts {
		ev := broadcast.NewEvent(post, cycle)

		outcomes, err := p.bc.Broadcast(ctx, ev)
		if err != nil {
			// Rejected event: the post stays pending for inspection.
			p.log.Error("broadcast rejected", "post", post.ID, "err", err)
			continue
		}

		accepted := 0
		for name, o := range outcomes {
			if o.Enqueued || o.Duplicate {
				accepted++
			} else {
				p.log.Warn("lane did not accept post", "post", post.ID, "lane", name, "err", o.Err)
			}
		}
		if accepted == 0 {
			// No lane has the event; leave the post pending so the next
			// tick retries (same cycle retries are absorbed by dedup).
			continue
		}

		// Recurring posts stay pending: every matching cycle fans them
		// out again under a fresh cycle-scoped dedup key.
		if !post.Recurring {
			if err := p.store.MarkQueued(ctx, post.ID); err != nil {
				p.log.Warn("mark queued failed", "post", post.ID, "err", err)
			}
		}
		produced++
	}
	return produced, nil
}
