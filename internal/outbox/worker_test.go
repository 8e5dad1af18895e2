package outbox

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/fieldflow/internal/recompute"
	"github.com/leapstack-labs/fieldflow/internal/state"
	"github.com/leapstack-labs/fieldflow/internal/state/statetest"
	"github.com/leapstack-labs/fieldflow/internal/testutil"
	"github.com/leapstack-labs/fieldflow/pkg/core"
)

type applyCall struct {
	steps []core.Step
	dirty core.DirtyStats
}

// fakeApplier records calls and delegates to fn.
type fakeApplier struct {
	mu    sync.Mutex
	calls []applyCall
	fn    func(store recompute.Store, steps []core.Step, dirty core.DirtyStats) (recompute.Result, error)
}

func (f *fakeApplier) Apply(_ context.Context, store recompute.Store, steps []core.Step, dirty core.DirtyStats) (recompute.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, applyCall{steps: steps, dirty: dirty})
	f.mu.Unlock()
	if f.fn == nil {
		return recompute.Result{Dirty: dirty}, nil
	}
	return f.fn(store, steps, dirty)
}

func (f *fakeApplier) Calls() []applyCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]applyCall(nil), f.calls...)
}

func failWith(err error) *fakeApplier {
	return &fakeApplier{fn: func(recompute.Store, []core.Step, core.DirtyStats) (recompute.Result, error) {
		return recompute.Result{}, err
	}}
}

func newWorker(t *testing.T, store Store, applier Applier, s Settings) *Worker {
	t.Helper()
	w, err := NewWorker(store, applier, WorkerConfig{ID: "w1", Settings: s, Logger: testutil.NewTestLogger(t)})
	require.NoError(t, err)
	return w
}

// advance moves the worker clock forward by d from the real time.
func advance(w *Worker, d time.Duration) {
	w.now = func() time.Time { return time.Now().Add(d) }
}

func enqueue(t *testing.T, store *state.Store, maxSteps int, plan *core.Plan, dirty core.DirtyStats) string {
	t.Helper()
	id, err := NewQueue(QueueConfig{MaxStepsPerTask: maxSteps}).Enqueue(context.Background(), store, plan, EnqueueOptions{Dirty: dirty})
	require.NoError(t, err)
	return id
}

func TestWorker_CompletesRunAcrossChunks(t *testing.T) {
	ctx := context.Background()
	store := statetest.Open(t)

	var seed core.DirtyStats
	seed.Add("tbl1", "r1")
	id := enqueue(t, store, 1, testPlan("r1", 1, 2), seed)

	applier := &fakeApplier{fn: func(_ recompute.Store, steps []core.Step, dirty core.DirtyStats) (recompute.Result, error) {
		res := recompute.Result{Updated: 1}
		res.Dirty.Merge(dirty)
		res.Dirty.Add("tbl2", "b"+steps[0].FieldID)
		return res, nil
	}}
	w := newWorker(t, store, applier, Settings{})

	outcome, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)

	outcome, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)

	outcome, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIdle, outcome)

	calls := applier.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, 1, calls[0].steps[0].Level)
	assert.Equal(t, 2, calls[1].steps[0].Level)
	// the second chunk starts from the first chunk's dirty set
	assert.Equal(t, []string{"r1"}, calls[1].dirty.RecordIDs("tbl1"))
	assert.Equal(t, []string{"bfldStep0"}, calls[1].dirty.RecordIDs("tbl2"))

	first, err := store.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, core.StatusDone, first.Status)

	progress, err := store.RunProgress(ctx, first.RunID)
	require.NoError(t, err)
	assert.Equal(t, 2, progress.Done)
	assert.Equal(t, 2, progress.CompletedSteps)
	assert.InDelta(t, 100.0, progress.Percent, 0.001)
}

func TestWorker_RetriesThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	store := statetest.Open(t)
	id := enqueue(t, store, 10, testPlan("r1", 1), core.DirtyStats{})

	w := newWorker(t, store, failWith(errors.New("connection reset")), Settings{
		MaxAttempts: 3,
		Backoff:     Backoff{Base: time.Minute, Max: time.Hour, Multiplier: 2},
	})
	// tasks stored without a limit fall back to the setting
	_, err := store.DB().ExecContext(ctx, `UPDATE computed_update_outbox SET max_attempts = 0`)
	require.NoError(t, err)

	before := time.Now()
	outcome, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetried, outcome)

	task, err := store.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, core.StatusPending, task.Status)
	assert.Equal(t, 1, task.Attempts)
	assert.Equal(t, "connection reset", task.LastError)
	assert.WithinDuration(t, before.Add(time.Minute), task.NextRunAt, 5*time.Second)

	outcome, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIdle, outcome, "not due before the backoff elapses")

	advance(w, 2*time.Minute)
	outcome, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetried, outcome)

	advance(w, time.Hour)
	outcome, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeadLettered, outcome)

	_, err = store.GetTask(ctx, id)
	assert.ErrorIs(t, err, core.ErrNotFound)

	dead, err := store.GetDeadLetter(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, dead.Attempts)
	assert.Equal(t, "connection reset", dead.LastError)
	assert.Equal(t, core.StatusFailed, dead.Status)
}

func TestWorker_PermanentErrorDeadLettersParkedChunks(t *testing.T) {
	ctx := context.Background()
	store := statetest.Open(t)
	id := enqueue(t, store, 1, testPlan("r1", 1, 2, 3), core.DirtyStats{})

	w := newWorker(t, store, failWith(core.Permanent(errors.New("field is gone"))), Settings{MaxAttempts: 5})

	outcome, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeadLettered, outcome)

	tasks, err := store.ListTasks(ctx, state.TaskFilter{})
	require.NoError(t, err)
	assert.Empty(t, tasks)

	dead, err := store.ListDeadLetters(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, dead, 3)

	var successors int
	for _, d := range dead {
		if d.ID == id {
			assert.Equal(t, 1, d.Attempts)
			assert.Contains(t, d.LastError, "field is gone")
			continue
		}
		successors++
		assert.Equal(t, "predecessor task "+id+" failed", d.LastError)
	}
	assert.Equal(t, 2, successors)

	progress, err := store.RunProgress(ctx, dead[0].RunID)
	require.NoError(t, err)
	assert.Equal(t, 3, progress.DeadLettered)
}

func TestWorker_RepeatedErrorIsPoison(t *testing.T) {
	ctx := context.Background()
	store := statetest.Open(t)
	id := enqueue(t, store, 10, testPlan("r1", 1), core.DirtyStats{})

	messages := []string{"Disk full", "  disk FULL "}
	var n int
	applier := &fakeApplier{fn: func(recompute.Store, []core.Step, core.DirtyStats) (recompute.Result, error) {
		msg := messages[n%len(messages)]
		n++
		return recompute.Result{}, errors.New(msg)
	}}
	w := newWorker(t, store, applier, Settings{MaxAttempts: 10, PoisonThreshold: 2})

	outcome, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetried, outcome)

	advance(w, time.Hour)
	outcome, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeadLettered, outcome)

	dead, err := store.GetDeadLetter(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, dead.Attempts)
}

func TestWorker_LockLostDuringApply(t *testing.T) {
	ctx := context.Background()
	store := statetest.Open(t)
	id := enqueue(t, store, 10, testPlan("r1", 1), core.DirtyStats{})

	// another worker takes the task over while this one is applying it
	applier := &fakeApplier{fn: func(s recompute.Store, _ []core.Step, dirty core.DirtyStats) (recompute.Result, error) {
		tx := s.(*state.Tx)
		_, err := tx.ClaimTask(ctx, "w2", time.Now().Add(time.Hour), time.Minute)
		return recompute.Result{Dirty: dirty}, err
	}}
	w := newWorker(t, store, applier, Settings{})

	outcome, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeLockLost, outcome)

	// the takeover rolled back with the failed completion
	task, err := store.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, core.StatusProcessing, task.Status)
	assert.Equal(t, "w1", task.LockedBy)
}

func TestWorker_ExpiredLocksExhaustAttempts(t *testing.T) {
	ctx := context.Background()
	store := statetest.Open(t)
	id := enqueue(t, store, 10, testPlan("r1", 1), core.DirtyStats{})
	_, err := store.DB().ExecContext(ctx, `UPDATE computed_update_outbox SET max_attempts = 3`)
	require.NoError(t, err)

	// three workers claim the task and die holding the lock
	start := time.Now()
	for i := range 3 {
		task, err := store.ClaimTask(ctx, "crashed", start.Add(time.Duration(2*i)*time.Minute), time.Minute)
		require.NoError(t, err)
		require.NotNil(t, task)
		assert.Equal(t, i, task.Attempts)
	}

	applier := &fakeApplier{}
	w := newWorker(t, store, applier, Settings{LockTimeout: time.Minute})
	advance(w, 6*time.Minute)

	outcome, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeadLettered, outcome)
	assert.Empty(t, applier.Calls(), "an exhausted task is not applied again")

	_, err = store.GetTask(ctx, id)
	assert.ErrorIs(t, err, core.ErrNotFound)

	dead, err := store.GetDeadLetter(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, dead.Attempts)
	assert.Contains(t, dead.LastError, "worker lock expired")

	advance(w, time.Hour)
	outcome, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIdle, outcome)
}

func TestWorker_SettingsUpdate(t *testing.T) {
	w := newWorker(t, statetest.Open(t), &fakeApplier{}, Settings{})
	assert.Equal(t, DefaultSettings.PollInterval, w.Settings().PollInterval)
	assert.Equal(t, DefaultBackoff, w.Settings().Backoff)

	w.Update(Settings{PollInterval: time.Second, MaxAttempts: 9})
	assert.Equal(t, time.Second, w.Settings().PollInterval)
	assert.Equal(t, 9, w.Settings().MaxAttempts)
	assert.Equal(t, DefaultSettings.LockTimeout, w.Settings().LockTimeout)
}

func TestPool_ProcessesEveryTaskOnce(t *testing.T) {
	store := statetest.Open(t)
	seeds := []string{"r1", "r2", "r3", "r4", "r5"}
	for _, s := range seeds {
		var d core.DirtyStats
		d.Add("tbl1", s)
		enqueue(t, store, 10, testPlan(s, 1), d)
	}

	applier := &fakeApplier{}
	pool, err := NewPool(store, applier, PoolConfig{
		Workers:    3,
		NamePrefix: "test",
		Settings:   Settings{PollInterval: 10 * time.Millisecond},
		Logger:     testutil.NewTestLoggerAt(t, slog.LevelInfo),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, pool.Size())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	require.Eventually(t, func() bool {
		counts, err := store.CountTasksByStatus(context.Background())
		return err == nil && counts[core.StatusDone] == len(seeds)
	}, 10*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	seen := map[string]int{}
	for _, c := range applier.Calls() {
		for _, id := range c.dirty.RecordIDs("tbl1") {
			seen[id]++
		}
	}
	assert.Len(t, seen, len(seeds))
	for id, n := range seen {
		assert.Equal(t, 1, n, "task seeded by %s applied more than once", id)
	}
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "dead_lettered", OutcomeDeadLettered.String())
	assert.Equal(t, "idle", Outcome(42).String())
}
