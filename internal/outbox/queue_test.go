package outbox

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/fieldflow/internal/state"
	"github.com/leapstack-labs/fieldflow/internal/state/statetest"
	"github.com/leapstack-labs/fieldflow/internal/testutil"
	"github.com/leapstack-labs/fieldflow/pkg/core"
)

// testPlan builds a plan seeded by one record of tbl1 with one step per
// given level.
func testPlan(seed string, levels ...int) *core.Plan {
	p := &core.Plan{
		BaseID:        "bse1",
		SeedTableID:   "tbl1",
		SeedRecordIDs: []string{seed},
		ChangeType:    core.ChangeUpdate,
	}
	for i, l := range levels {
		p.Steps = append(p.Steps, core.Step{
			Level:     l,
			FieldID:   fmt.Sprintf("fldStep%d", i),
			TableID:   "tbl2",
			Kind:      core.KindLookup,
			Operation: core.OpProject,
			Scope:     core.ScopeLinked,
		})
		p.MaxLevel = max(p.MaxLevel, l)
	}
	p.EstimatedComplexity = int64(len(levels)) * 10
	return p
}

func levelsOf(chunks [][]core.Step) [][]int {
	out := make([][]int, len(chunks))
	for i, c := range chunks {
		for _, s := range c {
			out[i] = append(out[i], s.Level)
		}
	}
	return out
}

func TestSplitAtLevels(t *testing.T) {
	tests := []struct {
		name   string
		levels []int
		max    int
		want   [][]int
	}{
		{"fits in one", []int{1, 2, 3}, 5, [][]int{{1, 2, 3}}},
		{"packs whole levels", []int{1, 1, 2, 3, 3, 3, 4}, 3, [][]int{{1, 1, 2}, {3, 3, 3}, {4}}},
		{"oversized level stays whole", []int{1, 1, 1, 2}, 2, [][]int{{1, 1, 1}, {2}}},
		{"one step per chunk", []int{1, 2}, 1, [][]int{{1}, {2}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitAtLevels(testPlan("r1", tt.levels...).Steps, tt.max)
			assert.Equal(t, tt.want, levelsOf(got))
		})
	}
	assert.Empty(t, splitAtLevels(nil, 3))
}

func TestPlanHash(t *testing.T) {
	a := testPlan("r1", 1, 2)
	a.SeedRecordIDs = []string{"r2", "r1"}
	a.Steps[0].SourceFieldIDs = []string{"fldB", "fldA"}

	b := testPlan("r1", 1, 2)
	b.SeedRecordIDs = []string{"r1", "r2"}
	b.Steps[0].SourceFieldIDs = []string{"fldA", "fldB"}
	b.Steps[0], b.Steps[1] = b.Steps[1], b.Steps[0]

	ha, err := PlanHash(a)
	require.NoError(t, err)
	hb, err := PlanHash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
	assert.Len(t, ha, 64)

	c := testPlan("r3", 1, 2)
	hc, err := PlanHash(c)
	require.NoError(t, err)
	assert.NotEqual(t, ha, hc)

	// base and change type do not identify the work
	d := testPlan("r3", 1, 2)
	d.ChangeType = core.ChangeCreate
	hd, err := PlanHash(d)
	require.NoError(t, err)
	assert.Equal(t, hc, hd)

	assert.NotEqual(t, chunkHash(ha, "run1", 1), chunkHash(ha, "run2", 1))
}

func newQueue(t *testing.T, maxSteps int) *Queue {
	return NewQueue(QueueConfig{MaxStepsPerTask: maxSteps, MaxAttempts: 4, Logger: testutil.NewTestLogger(t)})
}

func TestEnqueue_IsIdempotentWhilePending(t *testing.T) {
	ctx := context.Background()
	store := statetest.Open(t)
	q := newQueue(t, 10)

	first, err := q.Enqueue(ctx, store, testPlan("r1", 1, 2), EnqueueOptions{})
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, store, testPlan("r1", 1, 2), EnqueueOptions{})
	require.NoError(t, err)
	assert.Equal(t, first, second)

	other, err := q.Enqueue(ctx, store, testPlan("r2", 1, 2), EnqueueOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, first, other)

	tasks, err := store.ListTasks(ctx, state.TaskFilter{})
	require.NoError(t, err)
	assert.Len(t, tasks, 2)
}

func TestEnqueue_ParksLaterChunks(t *testing.T) {
	ctx := context.Background()
	store := statetest.Open(t)
	q := newQueue(t, 1)

	var dirty core.DirtyStats
	dirty.Add("tbl1", "r1")

	id, err := q.Enqueue(ctx, store, testPlan("r1", 1, 2, 3), EnqueueOptions{
		Dirty: dirty, SyncMaxLevel: 0, OriginRunIDs: []string{"run0"},
	})
	require.NoError(t, err)

	first, err := store.GetTask(ctx, id)
	require.NoError(t, err)

	tasks, err := store.ListTasks(ctx, state.TaskFilter{RunID: first.RunID})
	require.NoError(t, err)
	require.Len(t, tasks, 3)

	byProgress := map[int]core.OutboxTask{}
	for _, task := range tasks {
		byProgress[task.RunCompletedStepsBefore] = task
		assert.Equal(t, 3, task.RunTotalSteps)
		assert.Equal(t, 4, task.MaxAttempts)
		assert.Equal(t, []string{"run0"}, task.OriginRunIDs)
		assert.Len(t, task.Steps, 1)
		assert.Equal(t, int64(10), task.EstimatedComplexity)
	}
	require.Len(t, byProgress, 3)

	assert.Equal(t, id, byProgress[0].ID)
	assert.False(t, byProgress[0].NextRunAt.IsZero())
	assert.Equal(t, []string{"r1"}, byProgress[0].DirtyStats.RecordIDs("tbl1"))
	assert.True(t, byProgress[1].NextRunAt.IsZero(), "chunk 1 is parked")
	assert.True(t, byProgress[2].NextRunAt.IsZero(), "chunk 2 is parked")
	assert.Empty(t, byProgress[1].DirtyStats.Tables)

	// enqueueing the same plan again while the first chunk is pending is a no-op
	again, err := q.Enqueue(ctx, store, testPlan("r1", 1, 2, 3), EnqueueOptions{})
	require.NoError(t, err)
	assert.Equal(t, id, again)
}

func TestEnqueue_EmptyPlan(t *testing.T) {
	_, err := newQueue(t, 1).Enqueue(context.Background(), statetest.Open(t), &core.Plan{}, EnqueueOptions{})
	assert.ErrorIs(t, err, core.ErrInvalidInput)
}
