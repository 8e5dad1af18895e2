package recompute

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/leapstack-labs/fieldflow/pkg/core"
)

// Select applies a condition to foreign records: filter, then sort, then
// limit. Ties keep auto number order.
func Select(records []core.Record, cond *core.Condition) []core.Record {
	if cond == nil {
		return records
	}

	out := make([]core.Record, 0, len(records))
	for i := range records {
		if Matches(&records[i], cond.Filter) {
			out = append(out, records[i])
		}
	}

	if cond.Sort != nil && cond.Sort.FieldID != "" {
		key := cond.Sort.FieldID
		sort.SliceStable(out, func(i, j int) bool {
			c := compare(out[i].Cell(key), out[j].Cell(key))
			if cond.Sort.Desc {
				return c > 0
			}
			return c < 0
		})
	}

	if cond.Limit > 0 && len(out) > cond.Limit {
		out = out[:cond.Limit]
	}
	return out
}

// Matches evaluates a filter against a record. A nil or empty filter
// matches everything.
func Matches(rec *core.Record, f *core.Filter) bool {
	if f == nil || len(f.Clauses) == 0 {
		return true
	}
	anyOf := strings.EqualFold(f.Conjunction, "or")
	for _, c := range f.Clauses {
		ok := matchClause(rec.Cell(c.FieldID), c)
		if anyOf && ok {
			return true
		}
		if !anyOf && !ok {
			return false
		}
	}
	return !anyOf
}

func matchClause(cell any, c core.FilterClause) bool {
	switch c.Operator {
	case core.OpIsEmpty:
		return isEmpty(cell)
	case core.OpIsNotEmpty:
		return !isEmpty(cell)
	case core.OpIs:
		return equalLoose(cell, c.Value)
	case core.OpIsNot:
		return !equalLoose(cell, c.Value)
	case core.OpContains:
		return contains(cell, c.Value)
	case core.OpDoesNotContain:
		return !contains(cell, c.Value)
	case core.OpIsGreater, core.OpIsGreaterEqual, core.OpIsLess, core.OpIsLessEqual:
		if isEmpty(cell) || c.Value == nil {
			return false
		}
		r := compare(cell, c.Value)
		switch c.Operator {
		case core.OpIsGreater:
			return r > 0
		case core.OpIsGreaterEqual:
			return r >= 0
		case core.OpIsLess:
			return r < 0
		default:
			return r <= 0
		}
	}
	return false
}

func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case []any:
		return len(x) == 0
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	}
	return 0, false
}

func toText(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

// compare orders two cell values: numerically when both are numbers,
// otherwise by text. Empty values sort first.
func compare(a, b any) int {
	switch ea, eb := isEmpty(a), isEmpty(b); {
	case ea && eb:
		return 0
	case ea:
		return -1
	case eb:
		return 1
	}
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			}
			return 0
		}
	}
	return strings.Compare(toText(a), toText(b))
}

// equalLoose compares a cell with a filter value. A list cell matches when
// any element does.
func equalLoose(cell, value any) bool {
	if list, ok := cell.([]any); ok {
		for _, item := range list {
			if equalLoose(item, value) {
				return true
			}
		}
		return false
	}
	if isEmpty(cell) || isEmpty(value) {
		return isEmpty(cell) && isEmpty(value)
	}
	return compare(cell, value) == 0 || strings.EqualFold(toText(cell), toText(value))
}

func contains(cell, value any) bool {
	needle := strings.ToLower(toText(value))
	if list, ok := cell.([]any); ok {
		for _, item := range list {
			if contains(item, value) {
				return true
			}
		}
		return false
	}
	if isEmpty(cell) {
		return false
	}
	return strings.Contains(strings.ToLower(toText(cell)), needle)
}

// sameValue reports whether two cell values serialize identically, which is
// how they compare after a round trip through the store.
func sameValue(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}
