package lane

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestMemory(t *testing.T, cfg Config) (*Memory, *fakeClock) {
	t.Helper()
	clk := newFakeClock()
	l := NewMemory(cfg)
	l.now = clk.Now
	return l, clk
}

func msg(post, body, dedup, ordering string) Message {
	return Message{PostID: post, Body: body, DedupKey: dedup, OrderingKey: ordering}
}

func TestMemory_EnqueueReceiveAcknowledge(t *testing.T) {
	t.Parallel()

	l, clk := newTestMemory(t, Config{Name: "deso"})
	ctx := context.Background()

	accepted, err := l.Enqueue(ctx, msg("p1", "hello", "k1", "p1"))
	if err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}
	if !accepted {
		t.Fatalf("expected message to be accepted")
	}

	clk.Advance(2 * time.Second)

	leased, err := l.Receive(ctx, 10, time.Minute)
	if err != nil {
		t.Fatalf("Receive() error: %v", err)
	}
	if len(leased) != 1 {
		t.Fatalf("expected 1 leased message, got %d", len(leased))
	}
	if leased[0].Message.Body != "hello" {
		t.Fatalf("expected body %q, got %q", "hello", leased[0].Message.Body)
	}
	if leased[0].ReceiveCount != 0 {
		t.Fatalf("expected receive count 0 on first delivery, got %d", leased[0].ReceiveCount)
	}

	if err := l.Acknowledge(ctx, leased[0].LeaseID); err != nil {
		t.Fatalf("Acknowledge() error: %v", err)
	}

	// Acknowledged messages are gone for good.
	leased, err = l.Receive(ctx, 10, time.Minute)
	if err != nil {
		t.Fatalf("Receive() error: %v", err)
	}
	if len(leased) != 0 {
		t.Fatalf("expected empty lane after ack, got %d messages", len(leased))
	}

	snap := l.Stats()
	if snap.Enqueued != 1 || snap.Acknowledged != 1 {
		t.Fatalf("unexpected stats: %+v", snap)
	}
	if snap.MeanAckLatency != 2*time.Second {
		t.Fatalf("expected mean ack latency 2s, got %v", snap.MeanAckLatency)
	}
}

func TestMemory_DuplicateSuppressedWithinWindow(t *testing.T) {
	t.Parallel()

	l, clk := newTestMemory(t, Config{Name: "deso", DedupWindow: time.Minute})
	ctx := context.Background()

	if accepted, _ := l.Enqueue(ctx, msg("p1", "hello", "k1", "p1")); !accepted {
		t.Fatalf("expected first submission accepted")
	}
	for i := 0; i < 3; i++ {
		accepted, err := l.Enqueue(ctx, msg("p1", "hello", "k1", "p1"))
		if err != nil {
			t.Fatalf("Enqueue() error: %v", err)
		}
		if accepted {
			t.Fatalf("expected duplicate %d suppressed", i)
		}
	}

	leased, err := l.Receive(ctx, 10, time.Minute)
	if err != nil {
		t.Fatalf("Receive() error: %v", err)
	}
	if len(leased) != 1 {
		t.Fatalf("expected exactly 1 message despite resubmissions, got %d", len(leased))
	}

	if got := l.Stats().DuplicatesSuppressed; got != 3 {
		t.Fatalf("expected 3 suppressed duplicates, got %d", got)
	}

	// Outside the window the same key is a new event.
	clk.Advance(2 * time.Minute)
	if accepted, _ := l.Enqueue(ctx, msg("p1", "hello", "k1", "p1")); !accepted {
		t.Fatalf("expected submission accepted after dedup window passed")
	}
}

func TestMemory_OrderingKeyHeadOfLineBlocking(t *testing.T) {
	t.Parallel()

	l, _ := newTestMemory(t, Config{Name: "deso"})
	ctx := context.Background()

	mustEnqueue(t, l, msg("p1", "first", "k1", "p1"))
	mustEnqueue(t, l, msg("p1", "second", "k2", "p1"))
	mustEnqueue(t, l, msg("p2", "other", "k3", "p2"))

	leased, err := l.Receive(ctx, 10, time.Minute)
	if err != nil {
		t.Fatalf("Receive() error: %v", err)
	}
	if len(leased) != 2 {
		t.Fatalf("expected 2 leases (one per ordering key), got %d", len(leased))
	}
	if leased[0].Message.Body != "first" || leased[1].Message.Body != "other" {
		t.Fatalf("unexpected batch: %q, %q", leased[0].Message.Body, leased[1].Message.Body)
	}

	// While "first" is leased, "second" (same ordering key) stays hidden.
	more, err := l.Receive(ctx, 10, time.Minute)
	if err != nil {
		t.Fatalf("Receive() error: %v", err)
	}
	if len(more) != 0 {
		t.Fatalf("expected head-of-line blocking, got %d messages", len(more))
	}

	if err := l.Acknowledge(ctx, leased[0].LeaseID); err != nil {
		t.Fatalf("Acknowledge() error: %v", err)
	}

	more, err = l.Receive(ctx, 10, time.Minute)
	if err != nil {
		t.Fatalf("Receive() error: %v", err)
	}
	if len(more) != 1 || more[0].Message.Body != "second" {
		t.Fatalf("expected %q after ack of head, got %+v", "second", more)
	}
}

func TestMemory_AcknowledgeIsIdempotent(t *testing.T) {
	t.Parallel()

	l, _ := newTestMemory(t, Config{Name: "deso"})
	ctx := context.Background()

	mustEnqueue(t, l, msg("p1", "hello", "k1", "p1"))
	leased, _ := l.Receive(ctx, 1, time.Minute)
	if len(leased) != 1 {
		t.Fatalf("expected 1 leased message")
	}

	if err := l.Acknowledge(ctx, leased[0].LeaseID); err != nil {
		t.Fatalf("first Acknowledge() error: %v", err)
	}
	if err := l.Acknowledge(ctx, leased[0].LeaseID); !errors.Is(err, ErrLeaseNotFound) {
		t.Fatalf("expected ErrLeaseNotFound on second ack, got %v", err)
	}
	if err := l.Acknowledge(ctx, "no-such-lease"); !errors.Is(err, ErrLeaseNotFound) {
		t.Fatalf("expected ErrLeaseNotFound for unknown lease, got %v", err)
	}
}

func TestMemory_ExpiryIncrementsReceiveCountAndRedelivers(t *testing.T) {
	t.Parallel()

	l, clk := newTestMemory(t, Config{Name: "deso", MaxReceiveCount: 3})
	ctx := context.Background()

	mustEnqueue(t, l, msg("p1", "hello", "k1", "p1"))

	leased, _ := l.Receive(ctx, 1, time.Minute)
	if len(leased) != 1 || leased[0].ReceiveCount != 0 {
		t.Fatalf("unexpected first delivery: %+v", leased)
	}

	clk.Advance(2 * time.Minute)

	again, err := l.Receive(ctx, 1, time.Minute)
	if err != nil {
		t.Fatalf("Receive() error: %v", err)
	}
	if len(again) != 1 {
		t.Fatalf("expected redelivery after lease expiry, got %d messages", len(again))
	}
	if again[0].ReceiveCount != 1 {
		t.Fatalf("expected receive count incremented to 1, got %d", again[0].ReceiveCount)
	}
	if again[0].LeaseID == leased[0].LeaseID {
		t.Fatalf("expected a fresh lease handle on redelivery")
	}

	// The old handle is dead.
	if err := l.Acknowledge(ctx, leased[0].LeaseID); !errors.Is(err, ErrLeaseNotFound) {
		t.Fatalf("expected ErrLeaseNotFound for expired lease, got %v", err)
	}
}

func TestMemory_QuarantineAfterMaxReceiveCount(t *testing.T) {
	t.Parallel()

	// MaxReceiveCount 1: the first failed attempt quarantines.
	l, clk := newTestMemory(t, Config{Name: "deso", MaxReceiveCount: 1})
	ctx := context.Background()

	mustEnqueue(t, l, msg("p2", "poison", "k2", "p2"))

	leased, _ := l.Receive(ctx, 1, time.Minute)
	if len(leased) != 1 {
		t.Fatalf("expected 1 leased message")
	}

	clk.Advance(2 * time.Minute)

	again, err := l.Receive(ctx, 1, time.Minute)
	if err != nil {
		t.Fatalf("Receive() error: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected no redelivery past the receive budget, got %d", len(again))
	}

	entries, err := l.Quarantined(ctx)
	if err != nil {
		t.Fatalf("Quarantined() error: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly 1 quarantine entry, got %d", len(entries))
	}
	if entries[0].Message.Body != "poison" || entries[0].ReceiveCount != 1 {
		t.Fatalf("unexpected quarantine entry: %+v", entries[0])
	}

	if got := l.Stats().Quarantined; got != 1 {
		t.Fatalf("expected quarantined counter 1, got %d", got)
	}
}

func TestMemory_ExtendLeaseDefersExpiry(t *testing.T) {
	t.Parallel()

	l, clk := newTestMemory(t, Config{Name: "deso", MaxReceiveCount: 1})
	ctx := context.Background()

	mustEnqueue(t, l, msg("p1", "slow", "k1", "p1"))

	leased, _ := l.Receive(ctx, 1, time.Minute)
	if len(leased) != 1 {
		t.Fatalf("expected 1 leased message")
	}

	clk.Advance(45 * time.Second)
	if err := l.ExtendLease(ctx, leased[0].LeaseID, time.Minute); err != nil {
		t.Fatalf("ExtendLease() error: %v", err)
	}

	// Past the original deadline but inside the extension.
	clk.Advance(30 * time.Second)
	if got, _ := l.Receive(ctx, 1, time.Minute); len(got) != 0 {
		t.Fatalf("expected no redelivery during extended lease, got %d", len(got))
	}
	if err := l.Acknowledge(ctx, leased[0].LeaseID); err != nil {
		t.Fatalf("Acknowledge() after extension error: %v", err)
	}
}

func TestMemory_MaxBatchDoesNotReorder(t *testing.T) {
	t.Parallel()

	l, _ := newTestMemory(t, Config{Name: "deso"})
	ctx := context.Background()

	mustEnqueue(t, l, msg("p1", "a", "k1", "p1"))
	mustEnqueue(t, l, msg("p2", "b", "k2", "p2"))
	mustEnqueue(t, l, msg("p3", "c", "k3", "p3"))

	leased, err := l.Receive(ctx, 2, time.Minute)
	if err != nil {
		t.Fatalf("Receive() error: %v", err)
	}
	if len(leased) != 2 || leased[0].Message.Body != "a" || leased[1].Message.Body != "b" {
		t.Fatalf("expected oldest two messages, got %+v", leased)
	}
}

func mustEnqueue(t *testing.T, l Lane, m Message) {
	t.Helper()
	accepted, err := l.Enqueue(context.Background(), m)
	if err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}
	if !accepted {
		t.Fatalf("expected message %q accepted", m.DedupKey)
	}
}
