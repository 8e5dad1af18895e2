package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Purger deletes old outbox rows. *state.Store satisfies it.
type Purger interface {
	PurgeDoneTasks(ctx context.Context, cutoff time.Time) (int64, error)
	PurgeDeadLetters(ctx context.Context, cutoff time.Time) (int64, error)
}

// DefaultRetentionSchedule runs the purge hourly.
const DefaultRetentionSchedule = "@every 1h"

// RetentionConfig controls the periodic purge.
type RetentionConfig struct {
	// Schedule is a cron spec or descriptor such as "@every 1h"
	Schedule string `koanf:"schedule"`
	// DoneTTL is how long completed tasks are kept; 0 keeps them
	DoneTTL time.Duration `koanf:"done_ttl"`
	// DeadLetterTTL is how long dead letters are kept; 0 keeps them
	DeadLetterTTL time.Duration `koanf:"dead_letter_ttl"`
}

// Retention purges completed tasks and old dead letters on a schedule.
type Retention struct {
	store  Purger
	cfg    RetentionConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewRetention creates a Retention.
func NewRetention(store Purger, cfg RetentionConfig, logger *slog.Logger) *Retention {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultRetentionSchedule
	}
	return &Retention{store: store, cfg: cfg, logger: logger, now: time.Now}
}

// PurgeResult counts deleted rows.
type PurgeResult struct {
	DoneTasks   int64
	DeadLetters int64
}

// RunOnce purges everything past its TTL.
func (r *Retention) RunOnce(ctx context.Context) (PurgeResult, error) {
	var res PurgeResult
	var errs []error
	now := r.now()

	if r.cfg.DoneTTL > 0 {
		n, err := r.store.PurgeDoneTasks(ctx, now.Add(-r.cfg.DoneTTL))
		res.DoneTasks = n
		errs = append(errs, err)
	}
	if r.cfg.DeadLetterTTL > 0 {
		n, err := r.store.PurgeDeadLetters(ctx, now.Add(-r.cfg.DeadLetterTTL))
		res.DeadLetters = n
		errs = append(errs, err)
	}
	return res, errors.Join(errs...)
}

// Run schedules RunOnce until ctx is cancelled. Runs still in flight are
// waited for before returning.
func (r *Retention) Run(ctx context.Context) error {
	c := cron.New()
	_, err := c.AddFunc(r.cfg.Schedule, func() {
		res, err := r.RunOnce(ctx)
		if err != nil {
			r.logger.Error("outbox retention failed", "error", err)
			return
		}
		if res.DoneTasks > 0 || res.DeadLetters > 0 {
			r.logger.Info("outbox retention purged rows",
				"done_tasks", res.DoneTasks, "dead_letters", res.DeadLetters)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", r.cfg.Schedule, err)
	}

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
