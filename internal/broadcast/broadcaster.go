package broadcast

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/fanoutlabs/crossposter/internal/lane"
)

// ErrInvalidEvent is returned when an event arrives without a dedup key;
// such events are rejected before touching any lane.
var ErrInvalidEvent = errors.New("invalid event: missing dedup key")

// Outcome is the per-lane result of a broadcast. Exactly one of Enqueued
// and Duplicate is true on success; Err is set when the lane could not
// accept the message.
type Outcome struct {
	Enqueued  bool
	Duplicate bool
	Err       error
}

// Broadcaster copies one event into every registered lane. Lanes are
// independent: each enqueue is attempted and reported separately, so one
// unavailable lane never blocks the others. Transient backend failures
// are retried inside the lane implementations; by the time an error
// reaches an Outcome it is final for this broadcast.
type Broadcaster struct {
	lanes    map[string]lane.Lane
	log      *slog.Logger
	rejected atomic.Int64
}

func New(log *slog.Logger, lanes map[string]lane.Lane) *Broadcaster {
	return &Broadcaster{lanes: lanes, log: log}
}

// Rejected reports how many events were refused before fan-out.
func (b *Broadcaster) Rejected() int64 {
	return b.rejected.Load()
}

func (b *Broadcaster) Broadcast(ctx context.Context, ev Event) (map[string]Outcome, error) {
	if ev.DedupKey == "" {
		b.rejected.Add(1)
		b.log.Warn("event rejected", "post", ev.PostID, "err", ErrInvalidEvent)
		return nil, ErrInvalidEvent
	}
	orderingKey := ev.OrderingKey
	if orderingKey == "" {
		orderingKey = ev.PostID
	}

	var mu sync.Mutex
	outcomes := make(map[string]Outcome, len(b.lanes))

	g, gctx := errgroup.WithContext(ctx)
	for name, ln := range b.lanes {
		g.Go(func() error {
			// Each lane gets its own copy; lanes never share a message.
			accepted, err := ln.Enqueue(gctx, lane.Message{
				PostID:      ev.PostID,
				Body:        ev.Body,
				DedupKey:    ev.DedupKey,
				OrderingKey: orderingKey,
			})

			mu.Lock()
			outcomes[name] = Outcome{Enqueued: accepted, Duplicate: err == nil && !accepted, Err: err}
			mu.Unlock()

			switch {
			case err != nil:
				b.log.Warn("lane rejected broadcast", "lane", name, "post", ev.PostID, "err", err)
			case !accepted:
				b.log.Info("duplicate suppressed", "lane", name, "post", ev.PostID)
			}
			return nil
		})
	}
	_ = g.Wait()

	return outcomes, nil
}
