package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/leapstack-labs/fieldflow/internal/state"
	"github.com/leapstack-labs/fieldflow/pkg/core"
)

// TxRunner opens transactions. *state.Store satisfies it.
type TxRunner interface {
	InTx(ctx context.Context, fn func(tx *state.Tx) error) error
}

// RequeueDeadLetter turns a dead letter back into a pending task with its
// attempts reset. The task keeps its run and plan lineage but gets a new id,
// which is returned. When the same plan is already pending, the dead letter
// is dropped and the pending task's id is returned.
//
// Chunks of the same run that come after the requeued one and were
// dead-lettered with it are parked again behind it. A chunk whose earlier
// chunk is still dead-lettered cannot be requeued on its own; a chunk whose
// earlier chunk is still queued is parked behind it.
func RequeueDeadLetter(ctx context.Context, store TxRunner, id string) (string, error) {
	var taskID string
	err := store.InTx(ctx, func(tx *state.Tx) error {
		entry, err := tx.GetDeadLetter(ctx, id)
		if err != nil {
			return err
		}
		runDead, err := tx.RunDeadLetters(ctx, entry.RunID)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		t := revive(entry.OutboxTask, now)
		t.NextRunAt = now

		if entry.RunCompletedStepsBefore > 0 {
			if err := placeBehindPredecessor(ctx, tx, &t, runDead); err != nil {
				return err
			}
		}

		inserted, err := tx.InsertTask(ctx, &t)
		if err != nil {
			return err
		}
		taskID = t.ID
		if !inserted {
			existing, err := tx.FindPendingTask(ctx, t.BaseID, t.PlanHash)
			if err != nil {
				if errors.Is(err, core.ErrNotFound) {
					return errors.New("requeued task conflicted with a task that is no longer pending")
				}
				return err
			}
			taskID = existing
		}
		if err := tx.DeleteDeadLetter(ctx, id); err != nil {
			return err
		}

		for _, later := range runDead {
			if later.RunCompletedStepsBefore <= entry.RunCompletedStepsBefore {
				continue
			}
			// a coalesced requeue leaves the run to the pending plan
			if inserted {
				parked := revive(later.OutboxTask, now)
				parked.DirtyStats = core.DirtyStats{}
				if _, err := tx.InsertTask(ctx, &parked); err != nil {
					return err
				}
			}
			if err := tx.DeleteDeadLetter(ctx, later.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return taskID, nil
}

// revive resets the execution state of a dead-lettered task under a new id.
// NextRunAt is left zero, which stores the task parked.
func revive(t core.OutboxTask, now time.Time) core.OutboxTask {
	t.ID = uuid.NewString()
	t.Status = core.StatusPending
	t.Attempts = 0
	t.LastError = ""
	t.LockedAt = nil
	t.LockedBy = ""
	t.NextRunAt = time.Time{}
	t.CreatedAt = now
	t.UpdatedAt = now
	return t
}

// placeBehindPredecessor schedules a later chunk of a run relative to the
// chunks before it: parked while one is still queued, or handed the dirty
// set of the completed one.
func placeBehindPredecessor(ctx context.Context, tx *state.Tx, t *core.OutboxTask, runDead []core.DeadLetterEntry) error {
	for _, d := range runDead {
		if d.RunCompletedStepsBefore < t.RunCompletedStepsBefore {
			return fmt.Errorf("%w: requeue dead letter %s of run %s first", core.ErrInvalidInput, d.ID, t.RunID)
		}
	}

	active, err := tx.ListTasks(ctx, state.TaskFilter{RunID: t.RunID})
	if err != nil {
		return err
	}
	for _, a := range active {
		if a.RunCompletedStepsBefore >= t.RunCompletedStepsBefore {
			continue
		}
		switch {
		case a.Status != core.StatusDone:
			t.NextRunAt = time.Time{}
			return nil
		case a.CompletedStepsAfter() == t.RunCompletedStepsBefore:
			t.DirtyStats = core.DirtyStats{}
			t.DirtyStats.Merge(a.DirtyStats)
			return nil
		}
	}

	if len(t.DirtyStats.Tables) == 0 {
		return fmt.Errorf("%w: the completed chunk before this one in run %s was purged with its dirty records", core.ErrInvalidInput, t.RunID)
	}
	return nil
}
