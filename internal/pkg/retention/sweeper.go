// Package retention ages out operational bookkeeping rows: processed webhook
// events and idempotency records. Subscription rows are never swept.
package retention

import (
	"context"
	"log"
	"time"

	"github.com/CoinTrailHQ/CoinTrail/internal/pkg/subscriptions"
)

const (
	DefaultWebhookRetention     = 30 * 24 * time.Hour
	DefaultIdempotencyRetention = 7 * 24 * time.Hour
	defaultInterval             = time.Hour
)

// Sweeper periodically purges expired rows through the subscription
// repository.
type Sweeper struct {
	repo subscriptions.Repository

	interval             time.Duration
	webhookRetention     time.Duration
	idempotencyRetention time.Duration
	now                  func() time.Time
}

type Option func(*Sweeper)

func WithInterval(d time.Duration) Option {
	return func(s *Sweeper) { s.interval = d }
}

func WithWebhookRetention(d time.Duration) Option {
	return func(s *Sweeper) { s.webhookRetention = d }
}

func WithIdempotencyRetention(d time.Duration) Option {
	return func(s *Sweeper) { s.idempotencyRetention = d }
}

func NewSweeper(repo subscriptions.Repository, opts ...Option) *Sweeper {
	s := &Sweeper{
		repo:                 repo,
		interval:             defaultInterval,
		webhookRetention:     DefaultWebhookRetention,
		idempotencyRetention: DefaultIdempotencyRetention,
		now:                  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Run sweeps once immediately and then on every tick until the context is
// cancelled. Meant to be started as a goroutine from main.
func (s *Sweeper) Run(ctx context.Context) {
	s.Sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep purges one round of expired rows. Failures are logged and retried on
// the next tick.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := s.now()

	purged, err := s.repo.PurgeWebhookEventsBefore(ctx, now.Add(-s.webhookRetention))
	if err != nil {
		log.Printf("[Retention] purge webhook events failed: %v", err)
	} else if purged > 0 {
		log.Printf("[Retention] purged %d webhook events", purged)
	}

	purged, err = s.repo.PurgeIdempotencyRecordsBefore(ctx, now.Add(-s.idempotencyRetention))
	if err != nil {
		log.Printf("[Retention] purge idempotency records failed: %v", err)
	} else if purged > 0 {
		log.Printf("[Retention] purged %d idempotency records", purged)
	}
}
