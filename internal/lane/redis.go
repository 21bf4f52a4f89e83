package lane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis is a Lane backed by a Redis instance, for deployments where the
// producer and the platform publishers run in separate processes.
//
// Ordering, leasing and quarantine state live in Redis; counters are
// per-process. A lane is written by one producer and consumed by one
// publisher, matching the one-publisher-per-platform deployment; Receive
// is not coordinated across competing consumers.
type Redis struct {
	cfg   Config
	rdb   *redis.Client
	stats stats

	maxRetries  int
	baseBackoff time.Duration

	now func() time.Time
}

func NewRedis(rdb *redis.Client, cfg Config) *Redis {
	return &Redis{
		cfg:         cfg.withDefaults(),
		rdb:         rdb,
		maxRetries:  3,
		baseBackoff: 100 * time.Millisecond,
		now:         time.Now,
	}
}

func (l *Redis) key(parts ...string) string {
	k := "lane:" + l.cfg.Name
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (l *Redis) Enqueue(ctx context.Context, msg Message) (bool, error) {
	// The dedup mark carries a token owned by this call. If the enqueue
	// pipeline fails after the mark was set, a retry finds its own token
	// and finishes the enqueue instead of reporting a false duplicate.
	token := uuid.New().String()
	dedupKey := l.key("dedup", msg.DedupKey)

	var accepted bool
	err := l.withRetry(ctx, "enqueue", func() error {
		ok, err := l.rdb.SetNX(ctx, dedupKey, token, l.cfg.DedupWindow).Result()
		if err != nil {
			return err
		}
		if !ok {
			owner, err := l.rdb.Get(ctx, dedupKey).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			if owner != token {
				accepted = false
				return nil
			}
		}

		seq, err := l.rdb.Incr(ctx, l.key("seq")).Result()
		if err != nil {
			return err
		}

		id := uuid.New().String()
		pipe := l.rdb.TxPipeline()
		pipe.HSet(ctx, l.key("msg", id), map[string]any{
			"post_id":       msg.PostID,
			"body":          msg.Body,
			"dedup_key":     msg.DedupKey,
			"ordering_key":  msg.OrderingKey,
			"seq":           seq,
			"receive_count": 0,
			"enqueued_at":   l.now().UnixNano(),
		})
		pipe.ZAdd(ctx, l.key("pending"), redis.Z{Score: float64(seq), Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		accepted = true
		return nil
	})
	if err != nil {
		// Release a half-committed mark so a later resubmission is not
		// blocked for the rest of the window by a message that was never
		// stored.
		if owner, getErr := l.rdb.Get(ctx, dedupKey).Result(); getErr == nil && owner == token {
			_ = l.rdb.Del(ctx, dedupKey).Err()
		}
		return false, err
	}
	if accepted {
		l.stats.enqueued.Add(1)
	} else {
		l.stats.duplicates.Add(1)
	}
	return accepted, nil
}

func (l *Redis) Receive(ctx context.Context, maxBatch int, visibility time.Duration) ([]Leased, error) {
	if maxBatch <= 0 {
		return nil, nil
	}

	var out []Leased
	err := l.withRetry(ctx, "receive", func() error {
		out = nil
		now := l.now()
		if err := l.redeliverExpired(ctx, now); err != nil {
			return err
		}

		blocked := make(map[string]bool)
		leasedIDs, err := l.rdb.ZRange(ctx, l.key("leased"), 0, -1).Result()
		if err != nil {
			return err
		}
		for _, id := range leasedIDs {
			key, err := l.rdb.HGet(ctx, l.key("msg", id), "ordering_key").Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			blocked[key] = true
		}

		candidates, err := l.rdb.ZRange(ctx, l.key("pending"), 0, -1).Result()
		if err != nil {
			return err
		}

		for _, id := range candidates {
			fields, err := l.rdb.HGetAll(ctx, l.key("msg", id)).Result()
			if err != nil {
				return err
			}
			orderingKey := fields["ordering_key"]
			if blocked[orderingKey] {
				continue
			}
			if len(out) >= maxBatch {
				break
			}

			leaseID := uuid.New().String()
			deadline := now.Add(visibility)

			pipe := l.rdb.TxPipeline()
			pipe.ZRem(ctx, l.key("pending"), id)
			pipe.ZAdd(ctx, l.key("leased"), redis.Z{Score: float64(deadline.UnixNano()), Member: id})
			pipe.HSet(ctx, l.key("msg", id), "lease_id", leaseID)
			pipe.Set(ctx, l.key("lease", leaseID), id, 0)
			if _, err := pipe.Exec(ctx); err != nil {
				return err
			}

			blocked[orderingKey] = true
			out = append(out, Leased{
				Message:      messageFromFields(fields),
				LeaseID:      leaseID,
				ReceiveCount: atoi(fields["receive_count"]),
				Deadline:     deadline,
				EnqueuedAt:   timeFromNanos(fields["enqueued_at"]),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (l *Redis) Acknowledge(ctx context.Context, leaseID string) error {
	return l.withRetry(ctx, "acknowledge", func() error {
		id, err := l.resolveLease(ctx, leaseID)
		if err != nil {
			return err
		}

		enqAt, err := l.rdb.HGet(ctx, l.key("msg", id), "enqueued_at").Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}

		pipe := l.rdb.TxPipeline()
		pipe.ZRem(ctx, l.key("leased"), id)
		pipe.Del(ctx, l.key("msg", id))
		pipe.Del(ctx, l.key("lease", leaseID))
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}

		l.stats.observeAck(timeFromNanos(enqAt), l.now())
		return nil
	})
}

func (l *Redis) ExtendLease(ctx context.Context, leaseID string, visibility time.Duration) error {
	return l.withRetry(ctx, "extend lease", func() error {
		id, err := l.resolveLease(ctx, leaseID)
		if err != nil {
			return err
		}
		deadline := l.now().Add(visibility)
		return l.rdb.ZAdd(ctx, l.key("leased"), redis.Z{
			Score:  float64(deadline.UnixNano()),
			Member: id,
		}).Err()
	})
}

func (l *Redis) Quarantined(ctx context.Context) ([]QuarantineEntry, error) {
	var out []QuarantineEntry
	err := l.withRetry(ctx, "list quarantine", func() error {
		out = nil
		if err := l.redeliverExpired(ctx, l.now()); err != nil {
			return err
		}
		raw, err := l.rdb.LRange(ctx, l.key("quarantine"), 0, -1).Result()
		if err != nil {
			return err
		}
		for _, r := range raw {
			var e QuarantineEntry
			if err := json.Unmarshal([]byte(r), &e); err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (l *Redis) Stats() Snapshot {
	return l.stats.snapshot()
}

// resolveLease maps a lease handle to its message id, verifying the lease
// is still live. Expired leases report ErrLeaseNotFound and are left to
// the redelivery sweep.
func (l *Redis) resolveLease(ctx context.Context, leaseID string) (string, error) {
	id, err := l.rdb.Get(ctx, l.key("lease", leaseID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrLeaseNotFound
	}
	if err != nil {
		return "", err
	}

	score, err := l.rdb.ZScore(ctx, l.key("leased"), id).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrLeaseNotFound
	}
	if err != nil {
		return "", err
	}

	if l.now().After(time.Unix(0, int64(score))) {
		return "", ErrLeaseNotFound
	}
	return id, nil
}

func (l *Redis) redeliverExpired(ctx context.Context, now time.Time) error {
	expired, err := l.rdb.ZRangeByScore(ctx, l.key("leased"), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixNano(), 10),
	}).Result()
	if err != nil {
		return err
	}

	for _, id := range expired {
		fields, err := l.rdb.HGetAll(ctx, l.key("msg", id)).Result()
		if err != nil {
			return err
		}

		count := atoi(fields["receive_count"]) + 1

		pipe := l.rdb.TxPipeline()
		pipe.ZRem(ctx, l.key("leased"), id)
		if leaseID := fields["lease_id"]; leaseID != "" {
			pipe.Del(ctx, l.key("lease", leaseID))
		}

		if count >= l.cfg.MaxReceiveCount {
			entry, err := json.Marshal(QuarantineEntry{
				Message:       messageFromFields(fields),
				ReceiveCount:  count,
				QuarantinedAt: now,
			})
			if err != nil {
				return err
			}
			pipe.RPush(ctx, l.key("quarantine"), entry)
			pipe.Del(ctx, l.key("msg", id))
			if _, err := pipe.Exec(ctx); err != nil {
				return err
			}
			l.stats.quarantined.Add(1)
			continue
		}

		seq, _ := strconv.ParseInt(fields["seq"], 10, 64)
		pipe.HSet(ctx, l.key("msg", id), "receive_count", count, "lease_id", "")
		pipe.ZAdd(ctx, l.key("pending"), redis.Z{Score: float64(seq), Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

// withRetry runs op, retrying transient backend errors with exponential
// backoff before surfacing ErrUnavailable.
func (l *Redis) withRetry(ctx context.Context, name string, op func() error) error {
	var err error
	backoff := l.baseBackoff
	for attempt := 0; ; attempt++ {
		err = op()
		if err == nil || errors.Is(err, ErrLeaseNotFound) ||
			errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if attempt >= l.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("lane %s: %s: %w: %v", l.cfg.Name, name, ErrUnavailable, err)
}

func messageFromFields(fields map[string]string) Message {
	return Message{
		PostID:      fields["post_id"],
		Body:        fields["body"],
		DedupKey:    fields["dedup_key"],
		OrderingKey: fields["ordering_key"],
	}
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func timeFromNanos(s string) time.Time {
	n, _ := strconv.ParseInt(s, 10, 64)
	return time.Unix(0, n)
}
