package field

import (
	"regexp"
	"slices"

	"github.com/leapstack-labs/fieldflow/pkg/core"
)

// fieldIDPattern matches a field id: the "fld" tag followed by 16 alphanumerics.
var fieldIDPattern = regexp.MustCompile(`\bfld[A-Za-z0-9]{16}\b`)

// IsFieldID reports whether s is a well-formed field id.
func IsFieldID(s string) bool {
	return len(s) == 19 && fieldIDPattern.MatchString(s)
}

// ExtractReferences returns the field ids mentioned in a formula expression,
// deduplicated, in discovery order.
func ExtractReferences(expr string) []string {
	matches := fieldIDPattern.FindAllString(expr, -1)
	if len(matches) == 0 {
		return nil
	}

	seen := make(map[string]bool, len(matches))
	refs := make([]string, 0, len(matches))
	for _, m := range matches {
		if seen[m] {
			continue
		}
		seen[m] = true
		refs = append(refs, m)
	}
	return refs
}

// Dependencies returns the field ids a descriptor reads. Each one becomes a
// reference edge dependency -> desc.ID.
func Dependencies(desc core.FieldDescriptor) []string {
	var deps []string

	switch desc.Kind {
	case core.KindLink:
		if desc.Link != nil {
			deps = append(deps, desc.Link.LookupFieldID)
		}
	case core.KindLookup, core.KindRollup:
		if desc.Lookup != nil {
			deps = append(deps, desc.Lookup.LinkFieldID, desc.Lookup.LookupFieldID)
			if desc.Kind == core.KindRollup {
				deps = append(deps, ExtractReferences(desc.Lookup.Expression)...)
			}
		}
	case core.KindFormula:
		if desc.Formula != nil {
			deps = append(deps, ExtractReferences(desc.Formula.Expression)...)
		}
	case core.KindConditionalLookup, core.KindConditionalRollup:
		if desc.Lookup != nil {
			deps = append(deps, desc.Lookup.LookupFieldID)
		}
		deps = append(deps, conditionFields(desc.Condition)...)
	}

	out := make([]string, 0, len(deps))
	for _, d := range deps {
		if d == "" || slices.Contains(out, d) {
			continue
		}
		out = append(out, d)
	}
	return out
}

func conditionFields(c *core.Condition) []string {
	if c == nil {
		return nil
	}
	var ids []string
	if c.Filter != nil {
		for _, clause := range c.Filter.Clauses {
			ids = append(ids, clause.FieldID)
		}
	}
	if c.Sort != nil {
		ids = append(ids, c.Sort.FieldID)
	}
	return ids
}
