// Package engine ties the planner, the step executor and the outbox
// together behind the record mutation API.
//
// Every mutation runs in one transaction: the write, the plan, the inline
// recomputation and the outbox task for the deferred remainder commit or
// roll back together.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/leapstack-labs/fieldflow/internal/formula"
	"github.com/leapstack-labs/fieldflow/internal/ordering"
	"github.com/leapstack-labs/fieldflow/internal/outbox"
	"github.com/leapstack-labs/fieldflow/internal/planner"
	"github.com/leapstack-labs/fieldflow/internal/recompute"
	"github.com/leapstack-labs/fieldflow/internal/state"
	"github.com/leapstack-labs/fieldflow/internal/telemetry"
	"github.com/leapstack-labs/fieldflow/pkg/core"
)

// Default sync thresholds.
const (
	DefaultSyncMaxLevel            = 1
	DefaultSyncComplexityThreshold = 500
)

// Config holds engine configuration.
type Config struct {
	// Store is the open, migrated database
	Store *state.Store
	// Thresholds decide how much of a plan runs inside the mutation
	Thresholds planner.Thresholds
	// MaxStepsPerTask caps the steps of one outbox task
	MaxStepsPerTask int
	// MaxAttempts is stored on new outbox tasks
	MaxAttempts int
	// MaxRebalances bounds order-key rebalancing (0 uses the default)
	MaxRebalances int
	// Formula configures the expression evaluator
	Formula formula.Config
	// Telemetry is handed to worker pools (optional)
	Telemetry *telemetry.Provider
	// Logger is the structured logger (optional, uses discard if nil)
	Logger *slog.Logger
}

// Engine handles record mutations and their computed-field fallout.
type Engine struct {
	store         *state.Store
	thresholds    atomic.Pointer[planner.Thresholds]
	executor      *recompute.Executor
	queue         *outbox.Queue
	maxRebalances int
	telemetry     *telemetry.Provider
	logger        *slog.Logger
	now           func() time.Time
}

// New creates an engine over an open store.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("engine requires a store")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	t := cfg.Thresholds
	if t == (planner.Thresholds{}) {
		t = planner.Thresholds{SyncMaxLevel: DefaultSyncMaxLevel, SyncComplexityThreshold: DefaultSyncComplexityThreshold}
	}

	fcfg := cfg.Formula
	if fcfg.Logger == nil {
		fcfg.Logger = logger
	}

	logger.Debug("initializing engine",
		"dialect", cfg.Store.Dialect(), "sync_max_level", t.SyncMaxLevel,
		"sync_complexity_threshold", t.SyncComplexityThreshold)

	e := &Engine{
		store:    cfg.Store,
		executor: recompute.New(formula.New(fcfg), logger),
		queue: outbox.NewQueue(outbox.QueueConfig{
			MaxStepsPerTask: cfg.MaxStepsPerTask,
			MaxAttempts:     cfg.MaxAttempts,
			Logger:          logger,
		}),
		maxRebalances: cfg.MaxRebalances,
		telemetry:     cfg.Telemetry,
		logger:        logger,
		now:           time.Now,
	}
	e.thresholds.Store(&t)
	return e, nil
}

// Store returns the engine's store.
func (e *Engine) Store() *state.Store {
	return e.store
}

// Thresholds returns the sync thresholds in effect.
func (e *Engine) Thresholds() planner.Thresholds {
	return *e.thresholds.Load()
}

// SetThresholds replaces the sync thresholds for later mutations.
func (e *Engine) SetThresholds(t planner.Thresholds) {
	e.thresholds.Store(&t)
	e.logger.Info("sync thresholds updated",
		"sync_max_level", t.SyncMaxLevel, "sync_complexity_threshold", t.SyncComplexityThreshold)
}

// NewWorkerPool creates outbox workers that apply tasks with the engine's
// executor.
func (e *Engine) NewWorkerPool(cfg outbox.PoolConfig) (*outbox.Pool, error) {
	if cfg.Logger == nil {
		cfg.Logger = e.logger
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = e.telemetry
	}
	return outbox.NewPool(e.store, e.executor, cfg)
}

// NewWorker creates a single outbox worker backed by the engine's executor.
func (e *Engine) NewWorker(cfg outbox.WorkerConfig) (*outbox.Worker, error) {
	if cfg.Logger == nil {
		cfg.Logger = e.logger
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = e.telemetry
	}
	return outbox.NewWorker(e.store, e.executor, cfg)
}

// MutationResult reports the recomputation a mutation triggered.
type MutationResult struct {
	Plans []*core.Plan
	// InlineSteps counts steps applied inside the mutation
	InlineSteps int
	// Updated counts computed cells rewritten inline
	Updated int
	// TaskIDs are the outbox tasks holding deferred steps
	TaskIDs []string
	// Dirty is every record changed by the mutation and its inline steps
	Dirty    core.DirtyStats
	Warnings []string
}

func (r *MutationResult) merge(other *MutationResult) {
	r.Plans = append(r.Plans, other.Plans...)
	r.InlineSteps += other.InlineSteps
	r.Updated += other.Updated
	r.TaskIDs = append(r.TaskIDs, other.TaskIDs...)
	r.Dirty.Merge(other.Dirty)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// HandleMutationTx plans the recomputation caused by change and carries it
// out within tx: cheap plans run entirely inline; expensive ones run their
// shallow levels inline and defer the rest to the outbox. dirty holds the
// records the mutation itself wrote.
func (e *Engine) HandleMutationTx(ctx context.Context, tx *state.Tx, change planner.Change, dirty core.DirtyStats) (*MutationResult, error) {
	p := planner.New(tx, planner.StoreEstimator{Stats: tx}, e.logger)
	plan, err := p.Plan(ctx, change)
	if err != nil {
		return nil, fmt.Errorf("failed to plan %s on %s: %w", change.ChangeType, change.TableID, err)
	}

	res := &MutationResult{Plans: []*core.Plan{plan}, Warnings: plan.Warnings}
	res.Dirty.Merge(dirty)
	if plan.Empty() {
		return res, nil
	}
	if plan.HasCycle() {
		e.logger.Warn(core.CycleWarning, "table_id", change.TableID, "fields", plan.AffectedFieldIDs)
	}

	d := planner.Decide(plan, e.Thresholds())
	applied, err := e.executor.Apply(ctx, tx, d.Inline, dirty)
	if err != nil {
		return nil, fmt.Errorf("failed to apply inline steps: %w", err)
	}
	res.InlineSteps = len(d.Inline)
	res.Updated = applied.Updated
	res.Dirty = applied.Dirty

	if len(d.Deferred) > 0 {
		deferred := *plan
		deferred.Steps = d.Deferred
		syncMax := 0
		for _, s := range d.Inline {
			syncMax = max(syncMax, s.Level)
		}
		id, err := e.queue.Enqueue(ctx, tx, &deferred, outbox.EnqueueOptions{
			Dirty:        applied.Dirty,
			SyncMaxLevel: syncMax,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to enqueue deferred steps: %w", err)
		}
		res.TaskIDs = append(res.TaskIDs, id)
	}

	e.logger.Debug("mutation handled",
		"table_id", change.TableID, "change", change.ChangeType, "steps", len(plan.Steps),
		"inline", len(d.Inline), "deferred", len(d.Deferred), "complexity", plan.EstimatedComplexity)
	return res, nil
}

// Explain previews the computed impact of a change without applying it.
// It returns nil when the change affects no computed field.
func (e *Engine) Explain(ctx context.Context, change planner.Change) (*core.ComputedImpact, error) {
	p := planner.New(e.store, planner.StoreEstimator{Stats: e.store}, e.logger)
	return p.Explain(ctx, change.ChangeType, change)
}

// Plan returns the full plan a change would produce.
func (e *Engine) Plan(ctx context.Context, change planner.Change) (*core.Plan, error) {
	return planner.New(e.store, planner.StoreEstimator{Stats: e.store}, e.logger).Plan(ctx, change)
}

// AllocateOrders returns count order keys placing new records before or
// after anchorID in a view.
func (e *Engine) AllocateOrders(ctx context.Context, tableID, viewID, anchorID string, position core.OrderPosition, count int) ([]float64, error) {
	if err := e.ensureOrderColumn(ctx, tableID, viewID); err != nil {
		return nil, err
	}

	var keys []float64
	err := e.store.InTx(ctx, func(tx *state.Tx) error {
		var err error
		keys, err = ordering.New(tx, ordering.Config{MaxRebalances: e.maxRebalances, Logger: e.logger}).
			CalculateOrders(ctx, tableID, viewID, anchorID, position, count)
		return err
	})
	return keys, err
}

// ensureOrderColumn creates a view's order column outside any transaction so
// a concurrent creator's duplicate-column error cannot abort one.
func (e *Engine) ensureOrderColumn(ctx context.Context, tableID, viewID string) error {
	if _, err := e.store.EnsureOrderColumn(ctx, tableID, viewID); err != nil {
		return &core.OrderError{TableID: tableID, ViewID: viewID, Err: err}
	}
	return nil
}

// ReadRecord returns a record with its current computed cells.
func (e *Engine) ReadRecord(ctx context.Context, tableID, id string) (*core.Record, error) {
	return e.store.GetRecord(ctx, tableID, id)
}

// ReadCell returns one cell of a record; nil when the cell is empty.
func (e *Engine) ReadCell(ctx context.Context, tableID, recordID, fieldID string) (any, error) {
	rec, err := e.store.GetRecord(ctx, tableID, recordID)
	if err != nil {
		return nil, err
	}
	return rec.Cell(fieldID), nil
}

// RunProgress reports how far a deferred run has got.
func (e *Engine) RunProgress(ctx context.Context, runID string) (*core.RunProgress, error) {
	return e.store.RunProgress(ctx, runID)
}

// ListDeadLetters returns dead-lettered tasks, newest first.
func (e *Engine) ListDeadLetters(ctx context.Context, limit, offset int) ([]core.DeadLetterEntry, error) {
	return e.store.ListDeadLetters(ctx, limit, offset)
}

// GetDeadLetter returns one dead-lettered task.
func (e *Engine) GetDeadLetter(ctx context.Context, id string) (*core.DeadLetterEntry, error) {
	return e.store.GetDeadLetter(ctx, id)
}

// RequeueDeadLetter puts a dead-lettered task back in the outbox.
func (e *Engine) RequeueDeadLetter(ctx context.Context, id string) (string, error) {
	taskID, err := outbox.RequeueDeadLetter(ctx, e.store, id)
	if err != nil {
		return "", err
	}
	e.logger.Info("dead letter requeued", "dead_letter_id", id, "task_id", taskID)
	return taskID, nil
}
