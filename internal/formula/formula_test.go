package formula

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.starlark.net/starlark"

	"github.com/leapstack-labs/fieldflow/pkg/core"
)

const (
	fldPrice = "fldPrice00000000000"
	fldQty   = "fldQty0000000000000"
)

func TestEvaluate_Formula(t *testing.T) {
	e := New(Config{})

	tests := []struct {
		name   string
		expr   string
		inputs map[string]any
		want   any
	}{
		{"arithmetic", "{" + fldPrice + "} * {" + fldQty + "}", map[string]any{fldPrice: 2.5, fldQty: int64(4)}, 10.0},
		{"missing input is None", "{" + fldQty + "} == None", nil, true},
		{"upper-case builtin", "SUM({" + fldPrice + "}, {" + fldQty + "})", map[string]any{fldPrice: 1.0, fldQty: []any{2.0, 3.0}}, 6.0},
		{"if", "IF({" + fldQty + "} > 3, 'many', 'few')", map[string]any{fldQty: 5.0}, "many"},
		{"concatenate", "concatenate('#', {" + fldQty + "})", map[string]any{fldQty: 7.0}, "#7"},
		{"json number", "{" + fldQty + "} + 1", map[string]any{fldQty: json.Number("41")}, int64(42)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc := core.FieldDescriptor{ID: "fldOut0000000000000", Kind: core.KindFormula, Formula: &core.FormulaOptions{Expression: tt.expr}}
			got, err := e.Evaluate(desc, tt.inputs)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluate_Rollup(t *testing.T) {
	e := New(Config{})
	values := []any{3.0, nil, "", 4.0, []any{5.0}}

	tests := []struct {
		expr string
		want any
	}{
		{"", int64(5)}, // default countall
		{"counta({values})", int64(3)},
		{"count({values})", int64(3)},
		{"sum({values})", 12.0},
		{"average({values})", 4.0},
		{"max({values})", 5.0},
		{"min({values})", 3.0},
		{"array_join({values}, '|')", "3|4|5"},
		{"array_compact({values})", []any{3.0, 4.0, 5.0}},
		{"array_unique({values}, 3.0)", []any{3.0, nil, "", 4.0, 5.0}},
		{"and_({values})", false},
		{"or_({values})", true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			desc := core.FieldDescriptor{
				ID: "fldRoll000000000000", Kind: core.KindRollup,
				Lookup: &core.LookupOptions{Expression: tt.expr},
			}
			got, err := e.Evaluate(desc, map[string]any{ValuesVar: values})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluate_Errors(t *testing.T) {
	e := New(Config{MaxSteps: 1000})

	_, err := e.Evaluate(core.FieldDescriptor{ID: "fldX", Kind: core.KindPlain}, nil)
	assert.Error(t, err)

	_, err = e.Eval("syntax", "1 +", nil)
	assert.Error(t, err)

	_, err = e.Eval("undefined", "nope + 1", nil)
	assert.Error(t, err)

	_, err = e.Eval("runaway", "[x for x in range(100000)]", nil)
	require.Error(t, err)

	// the pool still serves working threads after a cancelled one
	got, err := e.Eval("after", "1 + 1", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got)
}

func TestEvaluate_Concurrent(t *testing.T) {
	e := New(Config{PoolSize: 2})
	desc := core.FieldDescriptor{ID: "fldOut0000000000000", Kind: core.KindFormula, Formula: &core.FormulaOptions{Expression: "{" + fldQty + "} * 2"}}

	var wg sync.WaitGroup
	results := make([]any, 50)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = e.Evaluate(desc, map[string]any{fldQty: int64(i)})
		}(i)
	}
	wg.Wait()

	for i, r := range results {
		assert.Equal(t, int64(2*i), r)
	}
	assert.LessOrEqual(t, e.pool.Size(), 2)
}

func TestThreadPool(t *testing.T) {
	pool := NewThreadPool(2, 0)

	a := pool.Get("a")
	b := pool.Get("b")
	c := pool.Get("c")
	assert.Equal(t, "a", a.Name)

	pool.Put(a)
	pool.Put(b)
	pool.Put(c)
	assert.Equal(t, 2, pool.Size())

	reused := pool.Get("d")
	assert.Equal(t, "d", reused.Name)
	assert.Zero(t, reused.Steps)
}

func TestConvert(t *testing.T) {
	v, err := ToStarlark(map[string]any{"a": []any{1, "x", nil, true}})
	require.NoError(t, err)
	back, err := ToGo(v)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": []any{int64(1), "x", nil, true}}, back)

	_, err = ToStarlark(struct{}{})
	assert.Error(t, err)

	got, err := ToGo(starlark.Tuple{starlark.MakeInt(1), starlark.Float(2)})
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1), 2.0}, got)
}
