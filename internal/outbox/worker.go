package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/leapstack-labs/fieldflow/internal/recompute"
	"github.com/leapstack-labs/fieldflow/internal/state"
	"github.com/leapstack-labs/fieldflow/internal/telemetry"
	"github.com/leapstack-labs/fieldflow/pkg/core"
)

// Store is the task storage a worker drives. *state.Store satisfies it.
type Store interface {
	ClaimTask(ctx context.Context, workerID string, now time.Time, lockTimeout time.Duration) (*core.OutboxTask, error)
	RescheduleTask(ctx context.Context, id, workerID string, attempts int, lastError string, nextRunAt, now time.Time) error
	InTx(ctx context.Context, fn func(tx *state.Tx) error) error
}

// Applier applies task steps inside the task transaction.
type Applier interface {
	Apply(ctx context.Context, store recompute.Store, steps []core.Step, dirty core.DirtyStats) (recompute.Result, error)
}

// Settings are the worker tunables. They can be swapped while workers run.
type Settings struct {
	PollInterval time.Duration `koanf:"poll_interval"`
	LockTimeout  time.Duration `koanf:"lock_timeout"`
	// MaxAttempts applies to tasks stored without their own limit
	MaxAttempts int `koanf:"max_attempts"`
	// PoisonThreshold dead-letters a task once it has failed this many
	// attempts and the last two failures had the same error. 0 disables it.
	PoisonThreshold int     `koanf:"poison_threshold"`
	Backoff         Backoff `koanf:"backoff"`
}

// DefaultSettings are applied to zero fields.
var DefaultSettings = Settings{
	PollInterval:    500 * time.Millisecond,
	LockTimeout:     2 * time.Minute,
	MaxAttempts:     DefaultMaxAttempts,
	PoisonThreshold: 3,
	Backoff:         DefaultBackoff,
}

func (s Settings) withDefaults() Settings {
	if s.PollInterval <= 0 {
		s.PollInterval = DefaultSettings.PollInterval
	}
	if s.LockTimeout <= 0 {
		s.LockTimeout = DefaultSettings.LockTimeout
	}
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = DefaultSettings.MaxAttempts
	}
	if s.PoisonThreshold < 0 {
		s.PoisonThreshold = 0
	}
	s.Backoff = s.Backoff.withDefaults()
	return s
}

// Outcome is what one RunOnce call did.
type Outcome int

// Outcomes.
const (
	OutcomeIdle Outcome = iota
	OutcomeCompleted
	OutcomeRetried
	OutcomeDeadLettered
	OutcomeLockLost
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeRetried:
		return "retried"
	case OutcomeDeadLettered:
		return "dead_lettered"
	case OutcomeLockLost:
		return "lock_lost"
	default:
		return "idle"
	}
}

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	ID        string
	Settings  Settings
	Logger    *slog.Logger
	Telemetry *telemetry.Provider
}

// Worker claims and processes outbox tasks one at a time.
type Worker struct {
	id       string
	store    Store
	applier  Applier
	settings atomic.Pointer[Settings]
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *telemetry.Metrics
	now      func() time.Time
}

// NewWorker creates a worker.
func NewWorker(store Store, applier Applier, cfg WorkerConfig) (*Worker, error) {
	tel := cfg.Telemetry
	if tel == nil {
		tel = telemetry.Noop()
	}
	metrics, err := telemetry.NewMetrics(tel.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker metrics: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	w := &Worker{
		id:      cfg.ID,
		store:   store,
		applier: applier,
		logger:  logger.With("worker_id", cfg.ID),
		tracer:  tel.Tracer,
		metrics: metrics,
		now:     time.Now,
	}
	w.Update(cfg.Settings)
	return w, nil
}

// ID returns the lock owner name of the worker.
func (w *Worker) ID() string {
	return w.id
}

// Update replaces the worker settings. Tasks already claimed finish under
// the settings they were claimed with.
func (w *Worker) Update(s Settings) {
	s = s.withDefaults()
	w.settings.Store(&s)
}

// Settings returns the current settings.
func (w *Worker) Settings() Settings {
	return *w.settings.Load()
}

// Run polls for tasks until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Debug("worker started")
	for {
		outcome, err := w.RunOnce(ctx)
		if ctx.Err() != nil {
			w.logger.Debug("worker stopped")
			return nil
		}
		if err != nil {
			w.logger.Error("outbox poll failed", "error", err)
		}
		if err == nil && outcome != OutcomeIdle {
			continue
		}

		timer := time.NewTimer(w.Settings().PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			w.logger.Debug("worker stopped")
			return nil
		case <-timer.C:
		}
	}
}

// RunOnce claims the oldest eligible task and processes it.
func (w *Worker) RunOnce(ctx context.Context) (Outcome, error) {
	s := w.Settings()

	task, err := w.store.ClaimTask(ctx, w.id, w.now(), s.LockTimeout)
	if err != nil {
		return OutcomeIdle, err
	}
	if task == nil {
		return OutcomeIdle, nil
	}
	w.metrics.TasksClaimed.Add(ctx, 1)

	ctx, span := w.tracer.Start(ctx, "outbox.task",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			telemetry.AttrTaskID.String(task.ID),
			telemetry.AttrRunID.String(task.RunID),
			telemetry.AttrBaseID.String(task.BaseID),
			telemetry.AttrAttempt.Int(task.Attempts+1),
			telemetry.AttrSteps.Int(len(task.Steps)),
			telemetry.AttrWorkerID.String(w.id),
		))
	defer span.End()

	// expired locks count as attempts; a reclaimed task out of attempts is
	// not run again
	if maxAttempts := s.maxAttemptsFor(task); task.Attempts >= maxAttempts {
		msg := fmt.Sprintf("attempts exhausted: worker lock expired (%d of %d)", task.Attempts, maxAttempts)
		if task.LastError != "" {
			msg += "; last error: " + task.LastError
		}
		task.LastError = truncateError(msg)
		span.SetStatus(codes.Error, msg)
		return w.bury(ctx, task, "exhausted")
	}

	start := time.Now()
	updated, err := w.process(ctx, task)
	w.metrics.TaskDuration.Record(ctx, time.Since(start).Seconds())

	switch {
	case err == nil:
		w.metrics.TasksCompleted.Add(ctx, 1)
		w.metrics.CellsUpdated.Add(ctx, int64(updated))
		w.logger.Info("task completed",
			"task_id", task.ID, "run_id", task.RunID, "steps", len(task.Steps),
			"updated", updated, "duration", time.Since(start))
		return OutcomeCompleted, nil

	case errors.Is(err, core.ErrLockLost):
		w.logger.Warn("task lock lost", "task_id", task.ID, "error", err)
		return OutcomeLockLost, nil

	case ctx.Err() != nil:
		// the lock expires and another worker picks the task up
		return OutcomeIdle, ctx.Err()
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return w.fail(ctx, task, err, s)
}

// process applies the task and completes it in one transaction. The next
// chunk of the run, if any, is released with the resulting dirty set.
func (w *Worker) process(ctx context.Context, task *core.OutboxTask) (int, error) {
	var updated int
	err := w.store.InTx(ctx, func(tx *state.Tx) error {
		res, err := w.applier.Apply(ctx, tx, task.Steps, task.DirtyStats)
		if err != nil {
			return err
		}

		now := w.now()
		if err := tx.CompleteTask(ctx, task.ID, w.id, res.Dirty, now); err != nil {
			return err
		}
		released, err := tx.ReleaseSuccessor(ctx, task.RunID, task.CompletedStepsAfter(), res.Dirty, now)
		if err != nil {
			return err
		}
		if released {
			w.logger.Debug("released next chunk", "run_id", task.RunID, "completed_steps", task.CompletedStepsAfter())
		}
		updated = res.Updated
		return nil
	})
	return updated, err
}

const maxErrorLength = 2000

func truncateError(msg string) string {
	if len(msg) > maxErrorLength {
		return msg[:maxErrorLength]
	}
	return msg
}

// maxAttemptsFor returns the task's own attempt limit, or the setting for
// tasks stored without one.
func (s Settings) maxAttemptsFor(task *core.OutboxTask) int {
	if task.MaxAttempts > 0 {
		return task.MaxAttempts
	}
	return s.MaxAttempts
}

// fail records a failed attempt: the task is retried after a backoff, or
// dead-lettered when the error is permanent, keeps repeating, or the task
// ran out of attempts.
func (w *Worker) fail(ctx context.Context, task *core.OutboxTask, cause error, s Settings) (Outcome, error) {
	attempts := task.Attempts + 1
	msg := truncateError(cause.Error())
	maxAttempts := s.maxAttemptsFor(task)

	var reason string
	switch {
	case core.IsPermanent(cause):
		reason = "permanent"
	case s.PoisonThreshold > 0 && attempts >= s.PoisonThreshold &&
		task.LastError != "" && errorFingerprint(task.LastError) == errorFingerprint(msg):
		reason = "poison"
	case attempts >= maxAttempts:
		reason = "exhausted"
	}

	if reason == "" {
		now := w.now()
		delay := s.Backoff.Delay(task.ID, attempts)
		err := w.store.RescheduleTask(ctx, task.ID, w.id, attempts, msg, now.Add(delay), now)
		if errors.Is(err, core.ErrLockLost) {
			w.logger.Warn("task lock lost before retry", "task_id", task.ID)
			return OutcomeLockLost, nil
		}
		if err != nil {
			return OutcomeIdle, err
		}
		w.metrics.TasksRetried.Add(ctx, 1)
		w.logger.Warn("task failed, retrying",
			"task_id", task.ID, "attempt", attempts, "max_attempts", maxAttempts,
			"retry_in", delay, "error", msg)
		return OutcomeRetried, nil
	}

	task.Attempts = attempts
	task.LastError = msg
	return w.bury(ctx, task, reason)
}

// bury dead-letters a claimed task with its current attempts and error.
func (w *Worker) bury(ctx context.Context, task *core.OutboxTask, reason string) (Outcome, error) {
	moved, err := w.deadLetter(ctx, task, w.now())
	if errors.Is(err, core.ErrLockLost) {
		w.logger.Warn("task lock lost before dead-lettering", "task_id", task.ID)
		return OutcomeLockLost, nil
	}
	if err != nil {
		return OutcomeIdle, err
	}
	w.metrics.TasksDeadLettered.Add(ctx, int64(moved))
	w.logger.Error("task dead-lettered",
		"task_id", task.ID, "run_id", task.RunID, "reason", reason,
		"attempts", task.Attempts, "parked_successors", moved-1, "error", task.LastError)
	return OutcomeDeadLettered, nil
}

// deadLetter moves the task and the parked chunks behind it to the
// dead-letter table. It returns the number of tasks moved.
func (w *Worker) deadLetter(ctx context.Context, task *core.OutboxTask, now time.Time) (int, error) {
	traceData := telemetry.TraceData(ctx)
	moved := 0
	err := w.store.InTx(ctx, func(tx *state.Tx) error {
		entry := &core.DeadLetterEntry{OutboxTask: *task, FailedAt: now, TraceData: traceData}
		if err := tx.MoveToDeadLetter(ctx, entry, w.id); err != nil {
			return err
		}

		parked, err := tx.ParkedSuccessors(ctx, task.RunID, task.RunCompletedStepsBefore)
		if err != nil {
			return err
		}
		for _, p := range parked {
			p.LastError = fmt.Sprintf("predecessor task %s failed", task.ID)
			if err := tx.MoveToDeadLetter(ctx, &core.DeadLetterEntry{OutboxTask: p, FailedAt: now, TraceData: traceData}, ""); err != nil {
				return err
			}
		}
		moved = 1 + len(parked)
		return nil
	})
	return moved, err
}
