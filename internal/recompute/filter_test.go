package recompute

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/leapstack-labs/fieldflow/pkg/core"
)

func TestMatchClause(t *testing.T) {
	tests := []struct {
		name string
		cell any
		op   core.FilterOperator
		val  any
		want bool
	}{
		{"is number", 3.0, core.OpIs, 3, true},
		{"is text case-insensitive", "Open", core.OpIs, "open", true},
		{"is list element", []any{"a", "b"}, core.OpIs, "b", true},
		{"isNot", "x", core.OpIsNot, "y", true},
		{"contains", "Hello World", core.OpContains, "world", true},
		{"contains list", []any{"red", "green"}, core.OpContains, "ree", true},
		{"doesNotContain", "abc", core.OpDoesNotContain, "z", true},
		{"greater", 5.0, core.OpIsGreater, 2, true},
		{"greater numeric text", "10", core.OpIsGreater, 9, true},
		{"greater equal", 2.0, core.OpIsGreaterEqual, 2, true},
		{"less", 1.0, core.OpIsLess, 2, true},
		{"less equal", 3.0, core.OpIsLessEqual, 2, false},
		{"empty never compares", nil, core.OpIsLess, 2, false},
		{"isEmpty nil", nil, core.OpIsEmpty, nil, true},
		{"isEmpty blank", "", core.OpIsEmpty, nil, true},
		{"isNotEmpty", []any{1.0}, core.OpIsNotEmpty, nil, true},
		{"unknown operator", 1.0, core.FilterOperator("near"), 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := matchClause(tt.cell, core.FilterClause{Operator: tt.op, Value: tt.val})
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSelect(t *testing.T) {
	recs := []core.Record{
		{ID: "a", Cells: map[string]any{"n": 3.0, "s": "x"}},
		{ID: "b", Cells: map[string]any{"n": 1.0, "s": "y"}},
		{ID: "c", Cells: map[string]any{"n": 2.0, "s": "x"}},
		{ID: "d", Cells: map[string]any{"s": "z"}},
	}
	ids := func(rs []core.Record) []string {
		var out []string
		for _, r := range rs {
			out = append(out, r.ID)
		}
		return out
	}

	or := &core.Condition{Filter: &core.Filter{Conjunction: "or", Clauses: []core.FilterClause{
		{FieldID: "s", Operator: core.OpIs, Value: "y"},
		{FieldID: "s", Operator: core.OpIs, Value: "z"},
	}}}
	assert.Equal(t, []string{"b", "d"}, ids(Select(recs, or)))

	sorted := &core.Condition{Sort: &core.Sort{FieldID: "n"}}
	assert.Equal(t, []string{"d", "b", "c", "a"}, ids(Select(recs, sorted)))

	limited := &core.Condition{
		Filter: &core.Filter{Clauses: []core.FilterClause{{FieldID: "s", Operator: core.OpIs, Value: "x"}}},
		Sort:   &core.Sort{FieldID: "n", Desc: true},
		Limit:  1,
	}
	assert.Equal(t, []string{"a"}, ids(Select(recs, limited)))

	assert.Len(t, Select(recs, nil), 4)
}

func TestSameValue(t *testing.T) {
	assert.True(t, sameValue(int64(42), 42.0))
	assert.True(t, sameValue([]any{10.0}, []any{int64(10)}))
	assert.True(t, sameValue(nil, nil))
	assert.False(t, sameValue(nil, ""))
	assert.False(t, sameValue([]any{1.0, 2.0}, []any{2.0, 1.0}))
}
