package planner_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/fieldflow/internal/field"
	"github.com/leapstack-labs/fieldflow/internal/planner"
	"github.com/leapstack-labs/fieldflow/internal/state"
	"github.com/leapstack-labs/fieldflow/internal/state/statetest"
	"github.com/leapstack-labs/fieldflow/internal/testutil"
	"github.com/leapstack-labs/fieldflow/pkg/core"
)

var t0 = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

// fid pads a short name into a well-formed field id.
func fid(name string) string {
	return "fld" + name + strings.Repeat("0", 16-len(name))
}

var (
	count = fid("Count")
	name2 = fid("Name2")
	link2 = fid("Link2")
	look2 = fid("Look2")
	name3 = fid("Name3")
	link3 = fid("Link3")
	look3 = fid("Look3")
)

func addField(t *testing.T, store *state.Store, desc core.FieldDescriptor) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.UpsertField(ctx, desc, t0))
	var edges []core.ReferenceEdge
	for _, dep := range field.Dependencies(desc) {
		edges = append(edges, core.ReferenceEdge{FromFieldID: dep, ToFieldID: desc.ID})
	}
	_, err := store.InsertReferences(ctx, edges, t0)
	require.NoError(t, err)
}

// twoHopSchema builds T1(Count) <- T2(link, lookup Count) <- T3(link, lookup of lookup).
func twoHopSchema(t *testing.T) *state.Store {
	t.Helper()
	ctx := context.Background()
	store := statetest.Open(t)

	for _, id := range []string{"tbl1", "tbl2", "tbl3"} {
		require.NoError(t, store.CreateTable(ctx, core.Table{ID: id, BaseID: "bse1", Name: id}, t0))
	}

	addField(t, store, core.FieldDescriptor{ID: count, TableID: "tbl1", Name: "Count", Kind: core.KindPlain})
	addField(t, store, core.FieldDescriptor{ID: name2, TableID: "tbl2", Name: "Name", Kind: core.KindPlain})
	addField(t, store, core.FieldDescriptor{ID: name3, TableID: "tbl3", Name: "Name", Kind: core.KindPlain})
	addField(t, store, core.FieldDescriptor{
		ID: link2, TableID: "tbl2", Name: "T1", Kind: core.KindLink,
		Link: &core.LinkOptions{Relationship: core.ManyOne, ForeignTableID: "tbl1", LookupFieldID: count},
	})
	addField(t, store, core.FieldDescriptor{
		ID: look2, TableID: "tbl2", Name: "Count (from T1)", Kind: core.KindLookup,
		Lookup: &core.LookupOptions{ForeignTableID: "tbl1", LinkFieldID: link2, LookupFieldID: count},
	})
	addField(t, store, core.FieldDescriptor{
		ID: link3, TableID: "tbl3", Name: "T2", Kind: core.KindLink,
		Link: &core.LinkOptions{Relationship: core.ManyOne, ForeignTableID: "tbl2", LookupFieldID: name2},
	})
	addField(t, store, core.FieldDescriptor{
		ID: look3, TableID: "tbl3", Name: "Count (from T2)", Kind: core.KindLookup,
		Lookup: &core.LookupOptions{ForeignTableID: "tbl2", LinkFieldID: link3, LookupFieldID: look2},
	})
	return store
}

func TestPlan_TwoHopLookup(t *testing.T) {
	store := twoHopSchema(t)
	p := planner.New(store, nil, testutil.NewTestLogger(t))

	plan, err := p.Plan(context.Background(), planner.Change{
		TableID: "tbl1", RecordIDs: []string{"rec1"}, ChangeType: core.ChangeUpdate, FieldIDs: []string{count},
	})
	require.NoError(t, err)

	assert.Equal(t, "bse1", plan.BaseID)
	assert.Empty(t, plan.Warnings)

	var got []string
	for _, s := range plan.Steps {
		got = append(got, fmt.Sprintf("%d:%s:%s", s.Level, s.FieldID, s.Operation))
	}
	assert.Equal(t, []string{
		"1:" + link2 + ":refresh",
		"2:" + look2 + ":project",
		"3:" + look3 + ":project",
	}, got)

	assert.Equal(t, 3, plan.MaxLevel)
	assert.Equal(t, []string{"tbl2", "tbl3"}, plan.AffectedTableIDs)

	lookStep := plan.Steps[1]
	assert.Equal(t, link2, lookStep.LinkFieldID)
	assert.Equal(t, "tbl1", lookStep.ForeignTableID)
	assert.Equal(t, core.ScopeLinked, lookStep.Scope)
	assert.ElementsMatch(t, []string{link2, count}, lookStep.SourceFieldIDs)
}

func TestPlan_EstimatesFromLinkFanIn(t *testing.T) {
	ctx := context.Background()
	store := twoHopSchema(t)

	recs := map[string]string{"a1": "tbl1", "b1": "tbl2", "b2": "tbl2", "c1": "tbl3"}
	for _, id := range []string{"a1", "b1", "b2", "c1"} {
		require.NoError(t, store.InsertRecord(ctx, &core.Record{ID: id, TableID: recs[id]}, t0))
	}
	require.NoError(t, store.AddLink(ctx, link2, "b1", "a1"))
	require.NoError(t, store.AddLink(ctx, link2, "b2", "a1"))
	require.NoError(t, store.AddLink(ctx, link3, "c1", "b1"))

	p := planner.New(store, planner.StoreEstimator{Stats: store}, testutil.NewTestLogger(t))
	plan, err := p.Plan(ctx, planner.Change{
		TableID: "tbl1", RecordIDs: []string{"a1"}, ChangeType: core.ChangeUpdate, FieldIDs: []string{count},
	})
	require.NoError(t, err)

	// link refresh 2 + lookup 2 (capped at table size) + second hop 1
	assert.EqualValues(t, 5, plan.EstimatedComplexity)
}

func TestPlan_CreateSeedsEveryField(t *testing.T) {
	store := twoHopSchema(t)
	p := planner.New(store, nil, nil)

	plan, err := p.Plan(context.Background(), planner.Change{
		TableID: "tbl2", RecordIDs: []string{"b1"}, ChangeType: core.ChangeCreate,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{link2, look2, name2}, plan.SeedFieldIDs)
	// look2 is fed by the seed link2, so it is recomputed too
	var ids []string
	for _, s := range plan.Steps {
		ids = append(ids, fmt.Sprintf("%d:%s", s.Level, s.FieldID))
	}
	assert.Equal(t, []string{"1:" + look2, "1:" + link3, "2:" + look3}, ids)
}

func TestPlan_MissingTable(t *testing.T) {
	store := statetest.Open(t)
	p := planner.New(store, nil, nil)

	_, err := p.Plan(context.Background(), planner.Change{TableID: "nope", ChangeType: core.ChangeUpdate})
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestPlan_CycleIsToleratedWithWarning(t *testing.T) {
	ctx := context.Background()
	store := statetest.Open(t)
	require.NoError(t, store.CreateTable(ctx, core.Table{ID: "tbl1", BaseID: "bse1"}, t0))

	plain, a, b := fid("Plain"), fid("A"), fid("B")
	addField(t, store, core.FieldDescriptor{ID: plain, TableID: "tbl1", Kind: core.KindPlain})
	addField(t, store, core.FieldDescriptor{
		ID: a, TableID: "tbl1", Kind: core.KindFormula,
		Formula: &core.FormulaOptions{Expression: "{" + plain + "} + {" + b + "}"},
	})
	addField(t, store, core.FieldDescriptor{
		ID: b, TableID: "tbl1", Kind: core.KindFormula,
		Formula: &core.FormulaOptions{Expression: "{" + a + "} * 2"},
	})

	p := planner.New(store, nil, testutil.NewTestLogger(t))
	plan, err := p.Plan(ctx, planner.Change{
		TableID: "tbl1", RecordIDs: []string{"r1"}, ChangeType: core.ChangeUpdate, FieldIDs: []string{plain},
	})
	require.NoError(t, err)

	assert.True(t, plan.HasCycle())
	assert.Contains(t, plan.Warnings, core.CycleWarning)
	require.Len(t, plan.Steps, 2)
	assert.Equal(t, a, plan.Steps[0].FieldID)
	assert.Equal(t, 1, plan.Steps[0].Level)
	assert.Equal(t, b, plan.Steps[1].FieldID)
	assert.Equal(t, 2, plan.Steps[1].Level)
	for _, s := range plan.Steps {
		assert.True(t, s.Cyclic)
		assert.Equal(t, core.ScopeSelf, s.Scope)
	}
}

func TestPlan_SelfReference(t *testing.T) {
	ctx := context.Background()
	store := statetest.Open(t)
	require.NoError(t, store.CreateTable(ctx, core.Table{ID: "tbl1", BaseID: "bse1"}, t0))

	plain, self := fid("Plain"), fid("Self")
	addField(t, store, core.FieldDescriptor{ID: plain, TableID: "tbl1", Kind: core.KindPlain})
	addField(t, store, core.FieldDescriptor{
		ID: self, TableID: "tbl1", Kind: core.KindFormula,
		Formula: &core.FormulaOptions{Expression: "{" + plain + "} + {" + self + "}"},
	})

	plan, err := planner.New(store, nil, nil).Plan(ctx, planner.Change{
		TableID: "tbl1", RecordIDs: []string{"r1"}, ChangeType: core.ChangeUpdate, FieldIDs: []string{plain},
	})
	require.NoError(t, err)
	assert.True(t, plan.HasCycle())
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, self, plan.Steps[0].FieldID)
}

// memSource is an in-memory Source for graphs too large to seed through SQL.
type memSource struct {
	fields map[string]core.FieldDescriptor
	edges  map[string][]string
}

func (m *memSource) GetTable(_ context.Context, id string) (*core.Table, error) {
	return &core.Table{ID: id, BaseID: "bse1"}, nil
}

func (m *memSource) ListFields(context.Context, string) ([]core.FieldDescriptor, error) {
	return nil, nil
}

func (m *memSource) FieldsByID(_ context.Context, ids []string) (map[string]core.FieldDescriptor, error) {
	out := make(map[string]core.FieldDescriptor, len(ids))
	for _, id := range ids {
		if d, ok := m.fields[id]; ok {
			out[id] = d
		}
	}
	return out, nil
}

func (m *memSource) ReachableReferences(_ context.Context, seeds []string) ([]core.ReferenceEdge, error) {
	var out []core.ReferenceEdge
	visited := make(map[string]bool)
	frontier := append([]string(nil), seeds...)
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		if visited[id] {
			continue
		}
		visited[id] = true
		for _, to := range m.edges[id] {
			out = append(out, core.ReferenceEdge{FromFieldID: id, ToFieldID: to})
			frontier = append(frontier, to)
		}
	}
	return out, nil
}

func TestPlan_LongCycleTerminates(t *testing.T) {
	const n = 100000
	src := &memSource{
		fields: make(map[string]core.FieldDescriptor, n),
		edges:  make(map[string][]string, n),
	}
	id := func(i int) string { return fmt.Sprintf("f%06d", i) }
	for i := range n {
		src.fields[id(i)] = core.FieldDescriptor{ID: id(i), TableID: "tbl1", Kind: core.KindFormula}
		src.edges[id(i)] = []string{id((i + 1) % n)}
	}

	plan, err := planner.New(src, nil, nil).Plan(context.Background(), planner.Change{
		TableID: "tbl1", RecordIDs: []string{"r1"}, ChangeType: core.ChangeUpdate, FieldIDs: []string{id(0)},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{core.CycleWarning}, plan.Warnings)
	assert.Len(t, plan.Steps, n, "every field on the cycle is scheduled exactly once")
}

func TestPlan_DiamondHasNoCycleWarning(t *testing.T) {
	src := &memSource{
		fields: map[string]core.FieldDescriptor{
			"b": {ID: "b", TableID: "tbl1", Kind: core.KindFormula},
			"c": {ID: "c", TableID: "tbl1", Kind: core.KindFormula},
			"d": {ID: "d", TableID: "tbl1", Kind: core.KindFormula},
		},
		edges: map[string][]string{"a": {"b", "c"}, "b": {"d"}, "c": {"d"}},
	}

	plan, err := planner.New(src, nil, nil).Plan(context.Background(), planner.Change{
		TableID: "tbl1", RecordIDs: []string{"r1"}, ChangeType: core.ChangeUpdate, FieldIDs: []string{"a"},
	})
	require.NoError(t, err)
	assert.Empty(t, plan.Warnings)
	require.Len(t, plan.Steps, 3)
	assert.Equal(t, 2, plan.Steps[2].Level)
	assert.EqualValues(t, 3, plan.EstimatedComplexity)
}

func TestExplain(t *testing.T) {
	store := twoHopSchema(t)
	p := planner.New(store, nil, nil)
	ctx := context.Background()

	impact, err := p.Explain(ctx, core.ChangeUpdate, planner.Change{TableID: "tbl1", RecordIDs: []string{"a1"}, FieldIDs: []string{count}})
	require.NoError(t, err)
	require.NotNil(t, impact)
	require.Len(t, impact.AffectedFields, 3)
	assert.Equal(t, "Count (from T1)", impact.AffectedFields[1].Name)
	assert.Equal(t, 2, impact.AffectedFields[1].Level)
	assert.NotNil(t, impact.Warnings)

	impact, err = p.Explain(ctx, core.ChangeUpdate, planner.Change{TableID: "tbl3", RecordIDs: []string{"c1"}, FieldIDs: []string{name3}})
	require.NoError(t, err)
	assert.Nil(t, impact, "no computed field depends on name3")
}

func TestDecide(t *testing.T) {
	plan := &core.Plan{
		EstimatedComplexity: 100,
		Steps: []core.Step{
			{Level: 1, FieldID: "a"},
			{Level: 1, FieldID: "b"},
			{Level: 2, FieldID: "c"},
			{Level: 3, FieldID: "d"},
		},
	}

	tests := []struct {
		name         string
		thresholds   planner.Thresholds
		wantInline   int
		wantDeferred int
	}{
		{"cheap plan runs inline", planner.Thresholds{SyncMaxLevel: 1, SyncComplexityThreshold: 100}, 4, 0},
		{"expensive plan defers upper levels", planner.Thresholds{SyncMaxLevel: 1, SyncComplexityThreshold: 10}, 2, 2},
		{"level zero defers everything", planner.Thresholds{SyncMaxLevel: 0, SyncComplexityThreshold: 10}, 0, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := planner.Decide(plan, tt.thresholds)
			assert.Len(t, d.Inline, tt.wantInline)
			assert.Len(t, d.Deferred, tt.wantDeferred)
		})
	}

	assert.Empty(t, planner.Decide(&core.Plan{}, planner.Thresholds{}).Inline)
}
