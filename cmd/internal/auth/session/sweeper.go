package session

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically purges stale refresh-token records.
//
// Pure maintenance: it only ever deletes terminal records whose grace
// period has elapsed, so it is safe to run concurrently with rotation.
type Sweeper struct {
	log      *slog.Logger
	store    Store
	grace    time.Duration
	batch    int
	interval time.Duration
}

// NewSweeper constructs a Sweeper with safe defaults when inputs are invalid.
func NewSweeper(log *slog.Logger, store Store, grace, interval time.Duration, batch int) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	if grace <= 0 {
		grace = 30 * 24 * time.Hour
	}
	if interval <= 0 {
		interval = time.Hour
	}
	if batch <= 0 {
		batch = 500
	}
	return &Sweeper{log: log, store: store, grace: grace, batch: batch, interval: interval}
}

// Sweep purges in bounded batches until a batch comes back short,
// keeping individual delete statements (and their locks) small.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.Add(-s.grace)

	var total int64
	for {
		n, err := s.store.PurgeOlderThan(ctx, cutoff, s.batch)
		total += n
		if err != nil {
			return total, err
		}
		metricPurged.Add(float64(n))
		if n < int64(s.batch) {
			return total, nil
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}

// Run drives Sweep on the configured interval until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Sweep(ctx, time.Now().UTC())
			if err != nil {
				s.log.Error("sweeper.sweep.fail", "err", err, "purged", n)
				continue
			}
			if n > 0 {
				s.log.Info("sweeper.sweep", "purged", n)
			}
		}
	}
}
