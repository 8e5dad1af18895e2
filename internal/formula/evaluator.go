// Package formula evaluates formula and rollup expressions with Starlark.
//
// Field references are written as {fldXXXXXXXXXXXXXXXX} tokens. Braces are
// stripped before evaluation so every referenced field id becomes a global
// holding that field's cell value. Rollup expressions read the linked values
// through the {values} token.
package formula

import (
	"fmt"
	"log/slog"
	"regexp"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/leapstack-labs/fieldflow/pkg/core"
)

// ValuesVar is the input name rollup expressions aggregate over.
const ValuesVar = "values"

var tokenPattern = regexp.MustCompile(`\{(fld[A-Za-z0-9]{16}|` + ValuesVar + `)\}`)

// Config configures an Evaluator.
type Config struct {
	// PoolSize is the number of idle Starlark threads kept for reuse.
	PoolSize int
	// MaxSteps bounds the interpreter steps of one evaluation.
	MaxSteps uint64
	// Logger is the structured logger (optional, uses discard if nil)
	Logger *slog.Logger
}

// Evaluator computes formula and rollup values. It is safe for concurrent use.
type Evaluator struct {
	pool     *ThreadPool
	builtins starlark.StringDict
	logger   *slog.Logger
}

// New creates an Evaluator.
func New(cfg Config) *Evaluator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Evaluator{
		pool:     NewThreadPool(cfg.PoolSize, cfg.MaxSteps),
		builtins: Builtins(),
		logger:   logger,
	}
}

// Expression returns the expression a field evaluates: the formula text for
// formulas, the aggregation for rollups.
func Expression(desc core.FieldDescriptor) (string, error) {
	switch {
	case desc.Kind == core.KindFormula && desc.Formula != nil:
		return desc.Formula.Expression, nil
	case desc.Kind.IsAggregate() && desc.Lookup != nil:
		if desc.Lookup.Expression == "" {
			return core.DefaultRollupExpression, nil
		}
		return desc.Lookup.Expression, nil
	}
	return "", fmt.Errorf("field %s of kind %s has no expression", desc.ID, desc.Kind)
}

// Evaluate computes the value of a field from its inputs. Formula inputs are
// keyed by field id; rollup inputs carry the linked values under ValuesVar.
// Referenced fields missing from inputs evaluate as None.
func (e *Evaluator) Evaluate(desc core.FieldDescriptor, inputs map[string]any) (any, error) {
	expr, err := Expression(desc)
	if err != nil {
		return nil, err
	}
	return e.Eval(desc.ID, expr, inputs)
}

// Eval evaluates a raw expression. name labels errors.
func (e *Evaluator) Eval(name, expr string, inputs map[string]any) (any, error) {
	src := tokenPattern.ReplaceAllString(expr, "$1")

	env := make(starlark.StringDict, len(e.builtins)+len(inputs))
	for k, v := range e.builtins {
		env[k] = v
	}
	for _, m := range tokenPattern.FindAllStringSubmatch(expr, -1) {
		env[m[1]] = starlark.None
	}
	for k, v := range inputs {
		sv, err := ToStarlark(v)
		if err != nil {
			return nil, fmt.Errorf("input %s: %w", k, err)
		}
		env[k] = sv
	}

	thread := e.pool.Get(name)
	result, err := starlark.EvalOptions(&syntax.FileOptions{}, thread, name, src, env)
	if err != nil {
		// not pooled: a thread that hit the step limit stays cancelled
		e.logger.Debug("expression failed", "field_id", name, "error", err)
		return nil, fmt.Errorf("evaluate %s: %w", name, err)
	}
	e.pool.Put(thread)
	return ToGo(result)
}
