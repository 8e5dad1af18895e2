package outbox

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/fieldflow/internal/recompute"
	"github.com/leapstack-labs/fieldflow/internal/state/statetest"
	"github.com/leapstack-labs/fieldflow/pkg/core"
)

func TestRequeueDeadLetter(t *testing.T) {
	ctx := context.Background()
	store := statetest.Open(t)
	id := enqueue(t, store, 10, testPlan("r1", 1), core.DirtyStats{})

	w := newWorker(t, store, failWith(core.Permanent(errors.New("gone"))), Settings{})
	outcome, err := w.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, OutcomeDeadLettered, outcome)

	dead, err := store.GetDeadLetter(ctx, id)
	require.NoError(t, err)

	newID, err := RequeueDeadLetter(ctx, store, id)
	require.NoError(t, err)
	assert.NotEqual(t, id, newID)

	task, err := store.GetTask(ctx, newID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusPending, task.Status)
	assert.Zero(t, task.Attempts)
	assert.Empty(t, task.LastError)
	assert.False(t, task.NextRunAt.IsZero())
	assert.Equal(t, dead.RunID, task.RunID)
	assert.Equal(t, dead.PlanHash, task.PlanHash)
	assert.Equal(t, dead.Steps, task.Steps)

	_, err = store.GetDeadLetter(ctx, id)
	assert.ErrorIs(t, err, core.ErrNotFound)

	_, err = RequeueDeadLetter(ctx, store, id)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestRequeueDeadLetter_PlanAlreadyPending(t *testing.T) {
	ctx := context.Background()
	store := statetest.Open(t)
	id := enqueue(t, store, 10, testPlan("r1", 1), core.DirtyStats{})

	w := newWorker(t, store, failWith(core.Permanent(errors.New("gone"))), Settings{})
	_, err := w.RunOnce(ctx)
	require.NoError(t, err)

	pending := enqueue(t, store, 10, testPlan("r1", 1), core.DirtyStats{})
	require.NotEqual(t, id, pending)

	got, err := RequeueDeadLetter(ctx, store, id)
	require.NoError(t, err)
	assert.Equal(t, pending, got)

	_, err = store.GetDeadLetter(ctx, id)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestRequeueDeadLetter_RestoresLaterChunks(t *testing.T) {
	ctx := context.Background()
	store := statetest.Open(t)

	var seed core.DirtyStats
	seed.Add("tbl1", "r1")
	id := enqueue(t, store, 1, testPlan("r1", 1, 2), seed)

	broken := true
	applier := &fakeApplier{fn: func(_ recompute.Store, steps []core.Step, dirty core.DirtyStats) (recompute.Result, error) {
		if broken {
			return recompute.Result{}, core.Permanent(errors.New("gone"))
		}
		res := recompute.Result{Dirty: dirty}
		res.Dirty.Add("tbl2", "b"+steps[0].FieldID)
		return res, nil
	}}
	w := newWorker(t, store, applier, Settings{})

	outcome, err := w.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, OutcomeDeadLettered, outcome)

	dead, err := store.ListDeadLetters(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, dead, 2)
	runID := dead[0].RunID
	var successor string
	for _, d := range dead {
		if d.ID != id {
			successor = d.ID
		}
	}

	// the later chunk waits for the earlier one
	_, err = RequeueDeadLetter(ctx, store, successor)
	assert.ErrorIs(t, err, core.ErrInvalidInput)

	_, err = RequeueDeadLetter(ctx, store, id)
	require.NoError(t, err)

	dead, err = store.ListDeadLetters(ctx, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, dead)

	broken = false
	for range 2 {
		outcome, err = w.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, OutcomeCompleted, outcome)
	}
	outcome, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIdle, outcome)

	calls := applier.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, 2, calls[2].steps[0].Level)
	assert.Equal(t, []string{"r1"}, calls[2].dirty.RecordIDs("tbl1"))

	progress, err := store.RunProgress(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, 2, progress.CompletedSteps)
	assert.Zero(t, progress.DeadLettered)
	assert.InDelta(t, 100.0, progress.Percent, 0.001)
}

func TestRequeueDeadLetter_LaterChunkGetsPredecessorDirtySet(t *testing.T) {
	ctx := context.Background()
	store := statetest.Open(t)

	var seed core.DirtyStats
	seed.Add("tbl1", "r1")
	enqueue(t, store, 1, testPlan("r1", 1, 2), seed)

	broken := true
	applier := &fakeApplier{fn: func(_ recompute.Store, steps []core.Step, dirty core.DirtyStats) (recompute.Result, error) {
		if broken && steps[0].Level == 2 {
			return recompute.Result{}, core.Permanent(errors.New("gone"))
		}
		res := recompute.Result{Dirty: dirty}
		res.Dirty.Add("tbl2", "b1")
		return res, nil
	}}
	w := newWorker(t, store, applier, Settings{})

	outcome, err := w.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, outcome)
	outcome, err = w.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, OutcomeDeadLettered, outcome)

	dead, err := store.ListDeadLetters(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, dead, 1)

	// drop the handed-over set to check the requeue restores it
	_, err = store.DB().ExecContext(ctx, `UPDATE computed_update_dead_letter SET dirty_stats = '{}'`)
	require.NoError(t, err)

	newID, err := RequeueDeadLetter(ctx, store, dead[0].ID)
	require.NoError(t, err)

	task, err := store.GetTask(ctx, newID)
	require.NoError(t, err)
	assert.False(t, task.NextRunAt.IsZero(), "claimable once its predecessor is done")
	assert.Equal(t, []string{"r1"}, task.DirtyStats.RecordIDs("tbl1"))
	assert.Equal(t, []string{"b1"}, task.DirtyStats.RecordIDs("tbl2"))

	broken = false
	outcome, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
}
