// Package sweeper discards payment handoffs whose checkout was abandoned.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultTTL is how long a pending signup or renewal waits for its payment.
const DefaultTTL = 72 * time.Hour

// PendingPurger deletes pending payments created before a cutoff.
type PendingPurger interface {
	PurgePending(ctx context.Context, cutoff time.Time) (int, error)
}

// Sweeper purges stale pending payments.
type Sweeper struct {
	store  PendingPurger
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// New creates a sweeper using DefaultTTL.
func New(store PendingPurger, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		store:  store,
		ttl:    DefaultTTL,
		now:    time.Now,
		logger: logger,
	}
}

// WithTTL overrides how long pending payments are kept.
func (s *Sweeper) WithTTL(ttl time.Duration) *Sweeper {
	if ttl > 0 {
		s.ttl = ttl
	}
	return s
}

// WithClock overrides the time source.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Sweep deletes everything older than the TTL and returns how many records
// went away. A payment confirmed after its record was swept is refused as
// not found.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() { sweepDuration.Observe(time.Since(start).Seconds()) }()

	cutoff := s.now().UTC().Add(-s.ttl)
	n, err := s.store.PurgePending(ctx, cutoff)
	if err != nil {
		sweepErrors.Inc()
		return n, fmt.Errorf("purge pending payments: %w", err)
	}
	purgedTotal.Add(float64(n))
	if n > 0 {
		s.logger.Info("purged abandoned checkouts", "count", n, "cutoff", cutoff.Format(time.RFC3339))
	}
	return n, nil
}
