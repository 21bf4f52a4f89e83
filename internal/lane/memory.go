package lane

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Lane. It is the default backend when no Redis
// address is configured and the workhorse of the test suite.
type Memory struct {
	cfg Config

	mu         sync.Mutex
	seq        uint64
	queue      []*memEntry
	leases     map[string]*memEntry
	dedup      map[string]time.Time
	quarantine []QuarantineEntry

	stats stats

	now func() time.Time
}

type memEntry struct {
	msg          Message
	seq          uint64
	enqueuedAt   time.Time
	receiveCount int
	leased       bool
	leaseID      string
	deadline     time.Time
}

func NewMemory(cfg Config) *Memory {
	return &Memory{
		cfg:    cfg.withDefaults(),
		leases: make(map[string]*memEntry),
		dedup:  make(map[string]time.Time),
		now:    time.Now,
	}
}

func (l *Memory) Enqueue(ctx context.Context, msg Message) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.pruneDedupLocked(now)

	if _, seen := l.dedup[msg.DedupKey]; seen {
		l.stats.duplicates.Add(1)
		return false, nil
	}
	l.dedup[msg.DedupKey] = now.Add(l.cfg.DedupWindow)

	l.seq++
	l.queue = append(l.queue, &memEntry{
		msg:        msg,
		seq:        l.seq,
		enqueuedAt: now,
	})
	l.stats.enqueued.Add(1)
	return true, nil
}

func (l *Memory) Receive(ctx context.Context, maxBatch int, visibility time.Duration) ([]Leased, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if maxBatch <= 0 {
		return nil, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.redeliverExpiredLocked(now)

	var out []Leased
	blocked := make(map[string]bool)
	for _, e := range l.queue {
		if e.leased {
			blocked[e.msg.OrderingKey] = true
			continue
		}
		if blocked[e.msg.OrderingKey] {
			continue
		}
		if len(out) >= maxBatch {
			// Later messages with a not-yet-seen ordering key would jump
			// ahead of this one, so stop scanning entirely.
			break
		}

		e.leased = true
		e.leaseID = uuid.New().String()
		e.deadline = now.Add(visibility)
		l.leases[e.leaseID] = e
		blocked[e.msg.OrderingKey] = true

		out = append(out, Leased{
			Message:      e.msg,
			LeaseID:      e.leaseID,
			ReceiveCount: e.receiveCount,
			Deadline:     e.deadline,
			EnqueuedAt:   e.enqueuedAt,
		})
	}
	return out, nil
}

func (l *Memory) Acknowledge(ctx context.Context, leaseID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.leases[leaseID]
	if !ok || now.After(e.deadline) {
		// Expired leases are left for redelivery; a late success must not
		// race with the timeout path.
		return ErrLeaseNotFound
	}

	delete(l.leases, leaseID)
	l.removeLocked(e)
	l.stats.observeAck(e.enqueuedAt, now)
	return nil
}

func (l *Memory) ExtendLease(ctx context.Context, leaseID string, visibility time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.leases[leaseID]
	if !ok || now.After(e.deadline) {
		return ErrLeaseNotFound
	}
	e.deadline = now.Add(visibility)
	return nil
}

func (l *Memory) Quarantined(ctx context.Context) ([]QuarantineEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.redeliverExpiredLocked(l.now())

	out := make([]QuarantineEntry, len(l.quarantine))
	copy(out, l.quarantine)
	return out, nil
}

func (l *Memory) Stats() Snapshot {
	return l.stats.snapshot()
}

// redeliverExpiredLocked handles every lease whose deadline has passed:
// the receive count increments and the message either becomes visible
// again or, at MaxReceiveCount, moves to quarantine.
func (l *Memory) redeliverExpiredLocked(now time.Time) {
	for id, e := range l.leases {
		if !now.After(e.deadline) {
			continue
		}
		delete(l.leases, id)
		e.leased = false
		e.leaseID = ""
		e.receiveCount++

		if e.receiveCount >= l.cfg.MaxReceiveCount {
			l.removeLocked(e)
			l.quarantine = append(l.quarantine, QuarantineEntry{
				Message:       e.msg,
				ReceiveCount:  e.receiveCount,
				QuarantinedAt: now,
			})
			l.stats.quarantined.Add(1)
		}
	}
}

func (l *Memory) removeLocked(e *memEntry) {
	for i, q := range l.queue {
		if q == e {
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			return
		}
	}
}

func (l *Memory) pruneDedupLocked(now time.Time) {
	for k, exp := range l.dedup {
		if now.After(exp) {
			delete(l.dedup, k)
		}
	}
}
