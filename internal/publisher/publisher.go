package publisher

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/fanoutlabs/crossposter/internal/lane"
)

// SendClient posts a body to one external platform.
type SendClient interface {
	Send(ctx context.Context, body string) (remotePostID string, err error)
}

// StatusStore is the slice of the post store the publisher needs.
type StatusStore interface {
	MarkPublished(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, reason string) error
}

type Config struct {
	Platform     string
	MaxBatch     int
	Visibility   time.Duration
	SendTimeout  time.Duration
	PollInterval time.Duration
	RatePerSec   float64 // 0 disables rate limiting

	// MaxReceiveCount mirrors the lane's setting so the publisher can
	// mark a post failed when a send error spends the last receive.
	MaxReceiveCount int
}

func (c Config) withDefaults() Config {
	if c.MaxBatch <= 0 {
		c.MaxBatch = 10
	}
	if c.MaxReceiveCount <= 0 {
		c.MaxReceiveCount = 1
	}
	if c.Visibility <= 0 {
		c.Visibility = 5 * time.Minute
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 5 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	return c
}

// Publisher consumes one platform's delivery lane. A message is
// acknowledged only after the platform accepted it; any failure simply
// skips the ack and lets the lease expire into redelivery or quarantine.
type Publisher struct {
	cfg     Config
	lane    lane.Lane
	client  SendClient
	store   StatusStore
	limiter *rate.Limiter
	log     *slog.Logger
}

func New(cfg Config, ln lane.Lane, client SendClient, store StatusStore, log *slog.Logger) *Publisher {
	cfg = cfg.withDefaults()
	p := &Publisher{
		cfg:    cfg,
		lane:   ln,
		client: client,
		store:  store,
		log:    log.With("platform", cfg.Platform),
	}
	if cfg.RatePerSec > 0 {
		burst := int(cfg.RatePerSec)
		if burst < 1 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	return p
}

// ProcessBatch leases one batch from the lane and publishes each message.
// It returns the number of successful sends.
func (p *Publisher) ProcessBatch(ctx context.Context) (int, error) {
	leased, err := p.lane.Receive(ctx, p.cfg.MaxBatch, p.cfg.Visibility)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, m := range leased {
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return processed, err
			}
		}

		sendCtx, cancel := context.WithTimeout(ctx, p.cfg.SendTimeout)
		remoteID, err := p.client.Send(sendCtx, m.Message.Body)
		cancel()
		if err != nil {
			// No ack: the lease expires and the lane redelivers or
			// quarantines. A timed-out send is abandoned the same way so
			// a late platform success never races a redelivery.
			p.log.Warn("platform send failed",
				"post", m.Message.PostID, "receive_count", m.ReceiveCount, "err", err)

			// This failure spent the message's last receive: the lane
			// will quarantine it on lease expiry, so record the failure
			// on the post itself. Best effort, like MarkPublished.
			if m.ReceiveCount+1 >= p.cfg.MaxReceiveCount {
				if markErr := p.store.MarkFailed(ctx, m.Message.PostID, err.Error()); markErr != nil {
					p.log.Warn("mark failed failed", "post", m.Message.PostID, "err", markErr)
				}
			}
			continue
		}

		if err := p.lane.Acknowledge(ctx, m.LeaseID); err != nil && !errors.Is(err, lane.ErrLeaseNotFound) {
			p.log.Error("acknowledge failed", "post", m.Message.PostID, "err", err)
		}

		// Best effort: the platform post already happened, so a store
		// failure must not resurface the message.
		if err := p.store.MarkPublished(ctx, m.Message.PostID); err != nil {
			p.log.Warn("mark published failed", "post", m.Message.PostID, "err", err)
		}

		p.log.Info("post published", "post", m.Message.PostID, "remote_id", remoteID)
		processed++
	}
	return processed, nil
}

// Run polls the lane until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	p.log.Info("publisher started", "poll_interval", p.cfg.PollInterval.String())
	for {
		select {
		case <-ctx.Done():
			p.log.Info("publisher stopping")
			return
		case <-ticker.C:
			if _, err := p.ProcessBatch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				p.log.Warn("process batch failed", "err", err)
			}
		}
	}
}
