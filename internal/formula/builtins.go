package formula

import (
	"fmt"
	"strings"

	"go.starlark.net/starlark"
)

type builtinFunc = func(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error)

// builtins are exposed under their lower-case name and an upper-case alias
// (SUM, COUNTALL, IF, ...). and/or/if are keywords in Starlark, hence the
// trailing underscore on the lower-case names.
var builtins = map[string]builtinFunc{
	"countall":      countAll,
	"counta":        countA,
	"count":         countNumbers,
	"sum":           sum,
	"average":       average,
	"max":           extreme(func(a, b float64) bool { return a > b }),
	"min":           extreme(func(a, b float64) bool { return a < b }),
	"and_":          allTruthy,
	"or_":           anyTruthy,
	"concatenate":   concatenate,
	"array_join":    arrayJoin,
	"array_unique":  arrayUnique,
	"array_compact": arrayCompact,
	"if_":           ifThen,
}

// Builtins returns the predeclared functions available to expressions.
func Builtins() starlark.StringDict {
	out := make(starlark.StringDict, 2*len(builtins))
	for name, fn := range builtins {
		out[name] = starlark.NewBuiltin(name, fn)
		alias := strings.ToUpper(strings.TrimSuffix(name, "_"))
		out[alias] = starlark.NewBuiltin(alias, fn)
	}
	return out
}

// flatten expands nested lists and tuples into one slice.
func flatten(args starlark.Tuple) []starlark.Value {
	var out []starlark.Value
	stack := make([]starlark.Value, 0, len(args))
	for i := len(args) - 1; i >= 0; i-- {
		stack = append(stack, args[i])
	}
	for len(stack) > 0 {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		var seq starlark.Indexable
		switch x := v.(type) {
		case *starlark.List:
			seq = x
		case starlark.Tuple:
			seq = x
		}
		if seq == nil {
			out = append(out, v)
			continue
		}
		for i := seq.Len() - 1; i >= 0; i-- {
			stack = append(stack, seq.Index(i))
		}
	}
	return out
}

func number(v starlark.Value) (float64, bool) {
	switch x := v.(type) {
	case starlark.Int:
		f, _ := starlark.AsFloat(x)
		return f, true
	case starlark.Float:
		return float64(x), true
	}
	return 0, false
}

func numbers(args starlark.Tuple) []float64 {
	var out []float64
	for _, v := range flatten(args) {
		if f, ok := number(v); ok {
			out = append(out, f)
		}
	}
	return out
}

func isEmpty(v starlark.Value) bool {
	switch x := v.(type) {
	case starlark.NoneType:
		return true
	case starlark.String:
		return x == ""
	}
	return false
}

func noKwargs(fn *starlark.Builtin, kwargs []starlark.Tuple) error {
	if len(kwargs) > 0 {
		return fmt.Errorf("%s: unexpected keyword arguments", fn.Name())
	}
	return nil
}

func countAll(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := noKwargs(fn, kwargs); err != nil {
		return nil, err
	}
	return starlark.MakeInt(len(flatten(args))), nil
}

func countA(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := noKwargs(fn, kwargs); err != nil {
		return nil, err
	}
	n := 0
	for _, v := range flatten(args) {
		if !isEmpty(v) {
			n++
		}
	}
	return starlark.MakeInt(n), nil
}

func countNumbers(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := noKwargs(fn, kwargs); err != nil {
		return nil, err
	}
	return starlark.MakeInt(len(numbers(args))), nil
}

func sum(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := noKwargs(fn, kwargs); err != nil {
		return nil, err
	}
	var total float64
	for _, f := range numbers(args) {
		total += f
	}
	return starlark.Float(total), nil
}

func average(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := noKwargs(fn, kwargs); err != nil {
		return nil, err
	}
	nums := numbers(args)
	if len(nums) == 0 {
		return starlark.None, nil
	}
	var total float64
	for _, f := range nums {
		total += f
	}
	return starlark.Float(total / float64(len(nums))), nil
}

func extreme(better func(a, b float64) bool) builtinFunc {
	return func(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if err := noKwargs(fn, kwargs); err != nil {
			return nil, err
		}
		nums := numbers(args)
		if len(nums) == 0 {
			return starlark.None, nil
		}
		best := nums[0]
		for _, f := range nums[1:] {
			if better(f, best) {
				best = f
			}
		}
		return starlark.Float(best), nil
	}
}

func allTruthy(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := noKwargs(fn, kwargs); err != nil {
		return nil, err
	}
	vals := flatten(args)
	if len(vals) == 0 {
		return starlark.False, nil
	}
	for _, v := range vals {
		if !v.Truth() {
			return starlark.False, nil
		}
	}
	return starlark.True, nil
}

func anyTruthy(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := noKwargs(fn, kwargs); err != nil {
		return nil, err
	}
	for _, v := range flatten(args) {
		if v.Truth() {
			return starlark.True, nil
		}
	}
	return starlark.False, nil
}

func text(v starlark.Value) string {
	if s, ok := v.(starlark.String); ok {
		return string(s)
	}
	if f, ok := v.(starlark.Float); ok && float64(f) == float64(int64(f)) {
		return starlark.MakeInt64(int64(f)).String()
	}
	return v.String()
}

func concatenate(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := noKwargs(fn, kwargs); err != nil {
		return nil, err
	}
	var b strings.Builder
	for _, v := range flatten(args) {
		if v == starlark.None {
			continue
		}
		b.WriteString(text(v))
	}
	return starlark.String(b.String()), nil
}

func arrayJoin(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var values starlark.Value
	sep := ", "
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "values", &values, "separator?", &sep); err != nil {
		return nil, err
	}
	var parts []string
	for _, v := range flatten(starlark.Tuple{values}) {
		if isEmpty(v) {
			continue
		}
		parts = append(parts, text(v))
	}
	return starlark.String(strings.Join(parts, sep)), nil
}

func arrayUnique(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := noKwargs(fn, kwargs); err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []starlark.Value
	for _, v := range flatten(args) {
		key := v.Type() + ":" + v.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, v)
	}
	return starlark.NewList(out), nil
}

func arrayCompact(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := noKwargs(fn, kwargs); err != nil {
		return nil, err
	}
	var out []starlark.Value
	for _, v := range flatten(args) {
		if !isEmpty(v) {
			out = append(out, v)
		}
	}
	return starlark.NewList(out), nil
}

func ifThen(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var cond, then starlark.Value
	var otherwise starlark.Value = starlark.None
	if err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 2, &cond, &then, &otherwise); err != nil {
		return nil, err
	}
	if cond.Truth() {
		return then, nil
	}
	return otherwise, nil
}
