// Package outbox runs deferred recomputation durably.
//
// Plans too large to apply inside the mutating transaction are written to
// the outbox table by Queue.Enqueue, in the same transaction as the
// mutation. Workers claim tasks, apply them with the step executor and
// either complete, retry or dead-letter them.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/leapstack-labs/fieldflow/pkg/core"
)

// Defaults used when configuration leaves a value unset.
const (
	DefaultMaxStepsPerTask = 64
	DefaultMaxAttempts     = 5
)

// TaskWriter stores new tasks. *state.Tx and *state.Store satisfy it.
type TaskWriter interface {
	InsertTask(ctx context.Context, t *core.OutboxTask) (bool, error)
	FindPendingTask(ctx context.Context, baseID, planHash string) (string, error)
}

// QueueConfig controls how plans are split into tasks.
type QueueConfig struct {
	MaxStepsPerTask int
	MaxAttempts     int
	Logger          *slog.Logger
}

// Queue enqueues deferred plans.
type Queue struct {
	maxSteps    int
	maxAttempts int
	logger      *slog.Logger
	now         func() time.Time
}

// NewQueue creates a Queue.
func NewQueue(cfg QueueConfig) *Queue {
	q := &Queue{
		maxSteps:    cfg.MaxStepsPerTask,
		maxAttempts: cfg.MaxAttempts,
		logger:      cfg.Logger,
		now:         time.Now,
	}
	if q.maxSteps <= 0 {
		q.maxSteps = DefaultMaxStepsPerTask
	}
	if q.maxAttempts <= 0 {
		q.maxAttempts = DefaultMaxAttempts
	}
	if q.logger == nil {
		q.logger = slog.New(slog.DiscardHandler)
	}
	return q
}

// EnqueueOptions carries what the synchronous part of a mutation hands to
// the deferred part.
type EnqueueOptions struct {
	// Dirty is the dirty record set after inline steps ran
	Dirty core.DirtyStats
	// SyncMaxLevel is the deepest level already applied inline
	SyncMaxLevel int
	// OriginRunIDs links the new run to the runs that caused it
	OriginRunIDs []string
}

// Enqueue writes plan as one run of tasks and returns the id of the first.
//
// The steps are cut at level boundaries into chunks of at most
// MaxStepsPerTask steps; a single level larger than that stays whole. Only
// the first chunk is claimable; each later chunk is parked until its
// predecessor completes.
//
// When a pending task for the same plan already exists in the base, no task
// is written and its id is returned.
func (q *Queue) Enqueue(ctx context.Context, w TaskWriter, plan *core.Plan, opts EnqueueOptions) (string, error) {
	if plan.Empty() {
		return "", fmt.Errorf("%w: cannot enqueue an empty plan", core.ErrInvalidInput)
	}

	hash, err := PlanHash(plan)
	if err != nil {
		return "", err
	}

	chunks := splitAtLevels(plan.Steps, q.maxSteps)
	runID := uuid.NewString()
	now := q.now().UTC()

	var firstID string
	completed := 0
	for k, steps := range chunks {
		t := &core.OutboxTask{
			ID:                      uuid.NewString(),
			BaseID:                  plan.BaseID,
			SeedTableID:             plan.SeedTableID,
			SeedRecordIDs:           plan.SeedRecordIDs,
			ChangeType:              plan.ChangeType,
			Steps:                   steps,
			Edges:                   plan.Edges,
			MaxAttempts:             q.maxAttempts,
			EstimatedComplexity:     share(plan.EstimatedComplexity, len(steps), len(plan.Steps)),
			PlanHash:                hash,
			RunID:                   runID,
			OriginRunIDs:            opts.OriginRunIDs,
			RunTotalSteps:           len(plan.Steps),
			RunCompletedStepsBefore: completed,
			AffectedTableIDs:        plan.AffectedTableIDs,
			AffectedFieldIDs:        plan.AffectedFieldIDs,
			SyncMaxLevel:            opts.SyncMaxLevel,
			CreatedAt:               now,
			UpdatedAt:               now,
		}
		if k == 0 {
			t.NextRunAt = now
			t.DirtyStats = opts.Dirty
		} else {
			t.PlanHash = chunkHash(hash, runID, k)
		}
		completed += len(steps)

		inserted, err := w.InsertTask(ctx, t)
		if err != nil {
			return "", err
		}
		if k == 0 && !inserted {
			id, err := w.FindPendingTask(ctx, plan.BaseID, hash)
			if err != nil {
				if errors.Is(err, core.ErrNotFound) {
					return "", fmt.Errorf("pending task for plan %s vanished during enqueue", hash[:12])
				}
				return "", err
			}
			q.logger.Debug("plan already queued", "task_id", id, "plan_hash", hash)
			return id, nil
		}
		if k == 0 {
			firstID = t.ID
		}
	}

	q.logger.Info("enqueued recomputation",
		"task_id", firstID, "run_id", runID, "steps", len(plan.Steps),
		"chunks", len(chunks), "complexity", plan.EstimatedComplexity)
	return firstID, nil
}

// splitAtLevels groups consecutive levels into chunks of at most max steps.
// steps must be sorted by level.
func splitAtLevels(steps []core.Step, max int) [][]core.Step {
	var chunks [][]core.Step
	var cur []core.Step
	for start := 0; start < len(steps); {
		end := start
		for end < len(steps) && steps[end].Level == steps[start].Level {
			end++
		}
		level := steps[start:end]
		if len(cur) > 0 && len(cur)+len(level) > max {
			chunks = append(chunks, cur)
			cur = nil
		}
		cur = append(cur, level...)
		start = end
	}
	if len(cur) > 0 {
		chunks = append(chunks, cur)
	}
	return chunks
}

// share splits a run's complexity estimate across its chunks.
func share(total int64, part, whole int) int64 {
	if whole == 0 {
		return 0
	}
	return (total*int64(part) + int64(whole) - 1) / int64(whole)
}
