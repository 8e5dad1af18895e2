package outbox

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/leapstack-labs/fieldflow/internal/telemetry"
)

// PoolConfig configures a worker pool.
type PoolConfig struct {
	Workers int
	// NamePrefix prefixes worker lock names; a random prefix is used when empty
	NamePrefix string
	Settings   Settings
	Logger     *slog.Logger
	Telemetry  *telemetry.Provider
}

// Pool runs several workers against one store.
type Pool struct {
	workers []*Worker
	logger  *slog.Logger
}

// NewPool creates cfg.Workers workers (at least one).
func NewPool(store Store, applier Applier, cfg PoolConfig) (*Pool, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	prefix := cfg.NamePrefix
	if prefix == "" {
		prefix = "worker-" + uuid.NewString()[:8]
	}

	p := &Pool{logger: logger}
	for i := range max(cfg.Workers, 1) {
		w, err := NewWorker(store, applier, WorkerConfig{
			ID:        fmt.Sprintf("%s-%d", prefix, i),
			Settings:  cfg.Settings,
			Logger:    logger,
			Telemetry: cfg.Telemetry,
		})
		if err != nil {
			return nil, err
		}
		p.workers = append(p.workers, w)
	}
	return p, nil
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return len(p.workers)
}

// Update pushes new settings to every worker.
func (p *Pool) Update(s Settings) {
	for _, w := range p.workers {
		w.Update(s)
	}
	p.logger.Info("worker settings updated",
		"poll_interval", s.PollInterval, "lock_timeout", s.LockTimeout, "max_attempts", s.MaxAttempts)
}

// Run blocks until ctx is cancelled and every worker has returned.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("starting outbox workers", "workers", len(p.workers))

	g, ctx := errgroup.WithContext(ctx)
	for _, w := range p.workers {
		g.Go(func() error {
			return w.Run(ctx)
		})
	}
	return g.Wait()
}
