package lane

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

var (
	// ErrUnavailable is returned after the lane exhausted its own retries
	// against the backing store.
	ErrUnavailable = errors.New("lane unavailable")

	// ErrLeaseNotFound is returned when acknowledging or extending a lease
	// that expired or was already acknowledged. Callers treat it as a
	// non-fatal outcome.
	ErrLeaseNotFound = errors.New("lease not found")
)

// Message is one lane's private copy of a broadcast event. Lanes never
// share message instances; after fan-out each lane owns its copy.
type Message struct {
	PostID      string `json:"postId"`
	Body        string `json:"body"`
	DedupKey    string `json:"dedupKey"`
	OrderingKey string `json:"orderingKey"`
}

// Leased is a message handed to a consumer under an exclusive,
// time-bounded lease. The message is redelivered if the deadline passes
// without Acknowledge or ExtendLease.
type Leased struct {
	Message      Message
	LeaseID      string
	ReceiveCount int
	Deadline     time.Time
	EnqueuedAt   time.Time
}

// QuarantineEntry is a message that exhausted its receive budget.
// Terminal: it is out of active delivery and waits for an operator.
type QuarantineEntry struct {
	Message       Message   `json:"message"`
	ReceiveCount  int       `json:"receiveCount"`
	QuarantinedAt time.Time `json:"quarantinedAt"`
}

// Lane is an ordered, deduplicated, at-least-once delivery queue for one
// destination platform.
//
// Enqueue reports whether the message was accepted (false means a
// duplicate inside the dedup window was suppressed; the lane's observable
// state is unchanged). Receive returns up to maxBatch leased messages in
// enqueue order per ordering key; while a message is leased, no later
// message with the same ordering key is returned.
type Lane interface {
	Enqueue(ctx context.Context, msg Message) (bool, error)
	Receive(ctx context.Context, maxBatch int, visibility time.Duration) ([]Leased, error)
	Acknowledge(ctx context.Context, leaseID string) error
	ExtendLease(ctx context.Context, leaseID string, visibility time.Duration) error
	Quarantined(ctx context.Context) ([]QuarantineEntry, error)
	Stats() Snapshot
}

// Config holds the per-lane delivery knobs.
type Config struct {
	Name            string
	MaxReceiveCount int           // leases expired before quarantine; 1 means first failure quarantines
	DedupWindow     time.Duration // how long a dedup key suppresses resubmission
}

func (c Config) withDefaults() Config {
	if c.MaxReceiveCount <= 0 {
		c.MaxReceiveCount = 1
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = 5 * time.Minute
	}
	return c
}

// Snapshot is a point-in-time view of a lane's counters.
type Snapshot struct {
	Enqueued             int64         `json:"enqueued"`
	DuplicatesSuppressed int64         `json:"duplicatesSuppressed"`
	Acknowledged         int64         `json:"acknowledged"`
	Quarantined          int64         `json:"quarantined"`
	MeanAckLatency       time.Duration `json:"meanAckLatencyNs"`
}

type stats struct {
	enqueued     atomic.Int64
	duplicates   atomic.Int64
	acknowledged atomic.Int64
	quarantined  atomic.Int64
	latencyNanos atomic.Int64
}

func (s *stats) observeAck(enqueuedAt, now time.Time) {
	s.acknowledged.Add(1)
	if d := now.Sub(enqueuedAt); d > 0 {
		s.latencyNanos.Add(int64(d))
	}
}

func (s *stats) snapshot() Snapshot {
	snap := Snapshot{
		Enqueued:             s.enqueued.Load(),
		DuplicatesSuppressed: s.duplicates.Load(),
		Acknowledged:         s.acknowledged.Load(),
		Quarantined:          s.quarantined.Load(),
	}
	if snap.Acknowledged > 0 {
		snap.MeanAckLatency = time.Duration(s.latencyNanos.Load() / snap.Acknowledged)
	}
	return snap
}
