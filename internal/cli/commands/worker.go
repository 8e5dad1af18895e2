package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/leapstack-labs/fieldflow/internal/api"
	"github.com/leapstack-labs/fieldflow/internal/config"
	"github.com/leapstack-labs/fieldflow/internal/outbox"
	"github.com/leapstack-labs/fieldflow/internal/telemetry"
)

// workerOptions configures a worker or serve process.
type workerOptions struct {
	drain bool
	serve bool
}

// NewWorkerCommand creates the worker command.
func NewWorkerCommand() *cobra.Command {
	var opts workerOptions

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Process deferred recomputation tasks",
		Long: `Run a pool of outbox workers. Each worker claims the oldest due task,
applies its steps and releases the next chunk of the run.

Failed tasks are retried with exponential backoff and dead-lettered once
they exhaust their attempts or keep failing with the same error.

Queue settings and sync thresholds are reloaded when the config file changes.`,
		Example: `  # Run four workers until interrupted
  fieldflow worker --workers 4

  # Process every due task once and exit
  fieldflow worker --drain`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorker(cmd, opts)
		},
	}

	cmd.Flags().Int("workers", config.DefaultWorkers, "Number of concurrent workers")
	cmd.Flags().BoolVar(&opts.drain, "drain", false, "Process due tasks until the queue is idle, then exit")

	return cmd
}

// NewServeCommand creates the serve command.
func NewServeCommand() *cobra.Command {
	opts := workerOptions{serve: true}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run workers and the HTTP API",
		Long: `Run the outbox worker pool together with the HTTP API for impact
analysis, run progress, dead letters and view ordering.`,
		Example: `  # Serve on the default address
  fieldflow serve

  # Serve on a custom port with two workers
  fieldflow serve --addr :9000 --workers 2`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorker(cmd, opts)
		},
	}

	cmd.Flags().Int("workers", config.DefaultWorkers, "Number of concurrent workers")
	cmd.Flags().String("addr", api.DefaultAddr, "HTTP listen address")

	return cmd
}

func runWorker(cmd *cobra.Command, opts workerOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := NewCommandContextWithoutEngine(cmd).Cfg
	tel, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		_ = tel.Shutdown(context.WithoutCancel(ctx))
	}()

	cc, cleanup, err := newCommandContext(cmd, tel)
	if err != nil {
		return err
	}
	defer cleanup()

	if opts.drain {
		return drain(ctx, cc)
	}

	pool, err := cc.Engine.NewWorkerPool(outbox.PoolConfig{
		Workers:  cfg.Queue.Workers,
		Settings: cfg.Queue.Settings(),
	})
	if err != nil {
		return err
	}

	logger := cc.Logger
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return pool.Run(ctx)
	})
	eg.Go(func() error {
		return outbox.NewRetention(cc.Store, cfg.Retention, logger).Run(ctx)
	})
	if loader := configLoader(cmd); loader != nil {
		eg.Go(func() error {
			return loader.Watch(ctx, logger, func(c *config.Config) {
				pool.Update(c.Queue.Settings())
				cc.Engine.SetThresholds(c.Planner.Thresholds())
			})
		})
	}
	if opts.serve {
		srv := api.NewServer(api.Config{Engine: cc.Engine, Addr: cfg.HTTP.Addr, Logger: logger})
		eg.Go(func() error {
			return srv.Serve(ctx)
		})
		cc.Renderer.Success("serving on " + cfg.HTTP.Addr)
	}

	logger.Info("workers started", "workers", pool.Size())
	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("workers stopped")
	return nil
}

// drain runs a single worker until no task is due.
func drain(ctx context.Context, cc *CommandContext) error {
	w, err := cc.Engine.NewWorker(outbox.WorkerConfig{Settings: cc.Cfg.Queue.Settings()})
	if err != nil {
		return err
	}

	counts := map[outbox.Outcome]int{}
	for {
		outcome, err := w.RunOnce(ctx)
		if err != nil {
			return err
		}
		if outcome == outbox.OutcomeIdle {
			break
		}
		counts[outcome]++
	}

	r := cc.Renderer
	summary := map[string]int{}
	for outcome, n := range counts {
		summary[outcome.String()] = n
	}
	return r.Render(summary, func() error {
		if len(summary) == 0 {
			r.Println("No due tasks")
			return nil
		}
		rows := make([][]any, 0, len(summary))
		for _, o := range []outbox.Outcome{outbox.OutcomeCompleted, outbox.OutcomeRetried, outbox.OutcomeDeadLettered, outbox.OutcomeLockLost} {
			if n, ok := counts[o]; ok {
				rows = append(rows, []any{o.String(), n})
			}
		}
		r.Table([]string{"outcome", "tasks"}, rows)
		return nil
	})
}

// configLoader returns a loader for the config file in use, or nil when the
// process runs on defaults, env and flags only.
func configLoader(cmd *cobra.Command) *config.Loader {
	path, _ := cmd.Flags().GetString("config")
	loader := config.NewLoader(path, cmd.Flags())
	if _, err := loader.Load(); err != nil || loader.FileUsed() == "" {
		return nil
	}
	return loader
}
