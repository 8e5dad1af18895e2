// Package field classifies raw field definitions into normalized descriptors.
//
// Classification never fails: a definition that cannot be honored is demoted
// to a plain text field and the reason is recorded on the descriptor.
package field

import (
	"strings"

	"github.com/go-viper/mapstructure/v2"

	"github.com/leapstack-labs/fieldflow/pkg/core"
)

// PlainTextType is the value type given to demoted fields.
const PlainTextType = "singleLineText"

// Demotion reasons.
const (
	ReasonMissingOptions     = "missing required options"
	ReasonInvalidRelation    = "invalid relationship"
	ReasonEmptyCondition     = "condition has no filter clauses"
	ReasonDanglingReference  = "references unknown field"
	ReasonNotALink           = "link field is not a link"
	ReasonAggregateReference = "formula references an aggregate field"
	ReasonEmptyExpression    = "empty expression"
)

// RawField is a field definition as stored by table-schema management,
// possibly from an older schema generation.
type RawField struct {
	ID                  string         `yaml:"id" json:"id"`
	TableID             string         `yaml:"tableId" json:"tableId"`
	Name                string         `yaml:"name" json:"name"`
	Type                string         `yaml:"type" json:"type"`
	IsLookup            bool           `yaml:"isLookup" json:"isLookup"`
	IsConditionalLookup bool           `yaml:"isConditionalLookup" json:"isConditionalLookup"`
	Options             map[string]any `yaml:"options" json:"options"`
	LookupOptions       map[string]any `yaml:"lookupOptions" json:"lookupOptions"`
}

// DeclaredKind is the kind the raw definition asks for, before validation.
func (r RawField) DeclaredKind() core.FieldKind {
	switch {
	case r.IsConditionalLookup:
		return core.KindConditionalLookup
	case r.IsLookup:
		return core.KindLookup
	default:
		return core.ParseFieldKind(r.Type)
	}
}

type linkOptions struct {
	Relationship     string `mapstructure:"relationship"`
	ForeignTableID   string `mapstructure:"foreignTableId"`
	LookupFieldID    string `mapstructure:"lookupFieldId"`
	SymmetricFieldID string `mapstructure:"symmetricFieldId"`
	IsOneWay         bool   `mapstructure:"isOneWay"`
}

type lookupOptions struct {
	ForeignTableID string `mapstructure:"foreignTableId"`
	LinkFieldID    string `mapstructure:"linkFieldId"`
	LookupFieldID  string `mapstructure:"lookupFieldId"`
	Expression     string `mapstructure:"expression"`
}

type conditionOptions struct {
	ForeignTableID string     `mapstructure:"foreignTableId"`
	LookupFieldID  string     `mapstructure:"lookupFieldId"`
	Expression     string     `mapstructure:"expression"`
	Filter         *rawFilter `mapstructure:"filter"`
	Sort           *rawSort   `mapstructure:"sort"`
	Limit          int        `mapstructure:"limit"`
}

type rawFilter struct {
	Conjunction string      `mapstructure:"conjunction"`
	Clauses     []rawClause `mapstructure:"clauses"`
	// FilterSet is the older name of Clauses
	FilterSet []rawClause `mapstructure:"filterSet"`
}

type rawClause struct {
	FieldID  string `mapstructure:"fieldId"`
	Operator string `mapstructure:"operator"`
	Value    any    `mapstructure:"value"`
}

type rawSort struct {
	FieldID string `mapstructure:"fieldId"`
	Order   string `mapstructure:"order"`
	Desc    bool   `mapstructure:"desc"`
}

type formulaOptions struct {
	Expression string `mapstructure:"expression"`
}

// Normalize classifies one raw field. fieldTypesByID maps every known field
// id to its kind and is used to reject dangling references and formulas that
// read aggregate fields.
func Normalize(raw RawField, fieldTypesByID map[string]core.FieldKind) core.FieldDescriptor {
	desc := core.FieldDescriptor{
		ID:        raw.ID,
		TableID:   raw.TableID,
		Name:      raw.Name,
		Kind:      core.KindPlain,
		ValueType: raw.Type,
	}

	// Legacy conditional lookups carry their resolved value type, so the
	// flag must win over every type based check.
	if raw.IsConditionalLookup || core.FieldKind(raw.Type) == core.KindConditionalLookup {
		return normalizeConditional(desc, raw, core.KindConditionalLookup, fieldTypesByID)
	}

	switch {
	case core.FieldKind(raw.Type) == core.KindConditionalRollup:
		return normalizeConditional(desc, raw, core.KindConditionalRollup, fieldTypesByID)
	case core.FieldKind(raw.Type) == core.KindLink && !raw.IsLookup:
		return normalizeLink(desc, raw, fieldTypesByID)
	case raw.IsLookup:
		return normalizeLookup(desc, raw, core.KindLookup, fieldTypesByID)
	case core.FieldKind(raw.Type) == core.KindLookup:
		return normalizeLookup(desc, raw, core.KindLookup, fieldTypesByID)
	case core.FieldKind(raw.Type) == core.KindRollup:
		return normalizeLookup(desc, raw, core.KindRollup, fieldTypesByID)
	case core.FieldKind(raw.Type) == core.KindFormula:
		return normalizeFormula(desc, raw, fieldTypesByID)
	default:
		return desc
	}
}

func normalizeConditional(desc core.FieldDescriptor, raw RawField, kind core.FieldKind, known map[string]core.FieldKind) core.FieldDescriptor {
	var opts conditionOptions
	if err := decode(mergeOptions(raw.Options, raw.LookupOptions), &opts); err != nil {
		return demote(desc, ReasonMissingOptions)
	}
	if opts.ForeignTableID == "" || opts.LookupFieldID == "" {
		return demote(desc, ReasonMissingOptions)
	}

	cond := buildCondition(opts)
	if !cond.HasClauses() {
		return demote(desc, ReasonEmptyCondition)
	}
	if !allKnown(known, opts.LookupFieldID) || !allKnown(known, conditionFields(cond)...) {
		return demote(desc, ReasonDanglingReference)
	}

	desc.Kind = kind
	desc.Lookup = &core.LookupOptions{
		ForeignTableID: opts.ForeignTableID,
		LookupFieldID:  opts.LookupFieldID,
	}
	if kind == core.KindConditionalRollup {
		desc.Lookup.Expression = defaultExpression(opts.Expression)
	}
	desc.Condition = cond
	return desc
}

func normalizeLink(desc core.FieldDescriptor, raw RawField, known map[string]core.FieldKind) core.FieldDescriptor {
	var opts linkOptions
	if err := decode(raw.Options, &opts); err != nil {
		return demote(desc, ReasonMissingOptions)
	}
	if opts.Relationship == "" || opts.ForeignTableID == "" || opts.LookupFieldID == "" {
		return demote(desc, ReasonMissingOptions)
	}
	rel := core.Relationship(opts.Relationship)
	if !rel.Valid() {
		return demote(desc, ReasonInvalidRelation)
	}
	if !allKnown(known, opts.LookupFieldID) {
		return demote(desc, ReasonDanglingReference)
	}

	desc.Kind = core.KindLink
	desc.Link = &core.LinkOptions{
		Relationship:     rel,
		ForeignTableID:   opts.ForeignTableID,
		LookupFieldID:    opts.LookupFieldID,
		SymmetricFieldID: opts.SymmetricFieldID,
		IsOneWay:         opts.IsOneWay,
	}
	return desc
}

func normalizeLookup(desc core.FieldDescriptor, raw RawField, kind core.FieldKind, known map[string]core.FieldKind) core.FieldDescriptor {
	var opts lookupOptions
	if err := decode(mergeOptions(raw.Options, raw.LookupOptions), &opts); err != nil {
		return demote(desc, ReasonMissingOptions)
	}
	if opts.ForeignTableID == "" || opts.LinkFieldID == "" || opts.LookupFieldID == "" {
		return demote(desc, ReasonMissingOptions)
	}
	if !allKnown(known, opts.LinkFieldID, opts.LookupFieldID) {
		return demote(desc, ReasonDanglingReference)
	}
	if known[opts.LinkFieldID] != core.KindLink {
		return demote(desc, ReasonNotALink)
	}

	desc.Kind = kind
	desc.Lookup = &core.LookupOptions{
		ForeignTableID: opts.ForeignTableID,
		LinkFieldID:    opts.LinkFieldID,
		LookupFieldID:  opts.LookupFieldID,
	}
	if kind == core.KindRollup {
		desc.Lookup.Expression = defaultExpression(opts.Expression)
	}
	return desc
}

func normalizeFormula(desc core.FieldDescriptor, raw RawField, known map[string]core.FieldKind) core.FieldDescriptor {
	var opts formulaOptions
	if err := decode(raw.Options, &opts); err != nil {
		return demote(desc, ReasonMissingOptions)
	}
	if strings.TrimSpace(opts.Expression) == "" {
		return demote(desc, ReasonEmptyExpression)
	}

	refs := ExtractReferences(opts.Expression)
	if !allKnown(known, refs...) {
		return demote(desc, ReasonDanglingReference)
	}
	for _, ref := range refs {
		if known[ref].IsAggregate() {
			return demote(desc, ReasonAggregateReference)
		}
	}

	desc.Kind = core.KindFormula
	desc.Formula = &core.FormulaOptions{Expression: opts.Expression}
	return desc
}

func demote(desc core.FieldDescriptor, reason string) core.FieldDescriptor {
	desc.Kind = core.KindPlain
	desc.ValueType = PlainTextType
	desc.Demoted = true
	desc.DemotionReason = reason
	return desc
}

func buildCondition(opts conditionOptions) *core.Condition {
	cond := &core.Condition{Limit: opts.Limit}

	if opts.Filter != nil {
		clauses := opts.Filter.Clauses
		if len(clauses) == 0 {
			clauses = opts.Filter.FilterSet
		}
		f := &core.Filter{Conjunction: strings.ToLower(opts.Filter.Conjunction)}
		if f.Conjunction != "or" {
			f.Conjunction = "and"
		}
		for _, c := range clauses {
			if c.FieldID == "" || c.Operator == "" {
				continue
			}
			f.Clauses = append(f.Clauses, core.FilterClause{
				FieldID:  c.FieldID,
				Operator: core.FilterOperator(c.Operator),
				Value:    c.Value,
			})
		}
		cond.Filter = f
	}

	if opts.Sort != nil && opts.Sort.FieldID != "" {
		cond.Sort = &core.Sort{
			FieldID: opts.Sort.FieldID,
			Desc:    opts.Sort.Desc || strings.EqualFold(opts.Sort.Order, "desc"),
		}
	}
	return cond
}

func defaultExpression(expr string) string {
	if strings.TrimSpace(expr) == "" {
		return core.DefaultRollupExpression
	}
	return expr
}

func allKnown(known map[string]core.FieldKind, ids ...string) bool {
	for _, id := range ids {
		if _, ok := known[id]; !ok {
			return false
		}
	}
	return true
}

// mergeOptions overlays lookup options on top of field options. Older
// schema generations split conditional settings across both maps.
func mergeOptions(options, lookup map[string]any) map[string]any {
	merged := make(map[string]any, len(options)+len(lookup))
	for k, v := range options {
		merged[k] = v
	}
	for k, v := range lookup {
		merged[k] = v
	}
	return merged
}

// decode maps a raw option map onto a typed struct. Keys match ignoring
// case and underscores, so foreignTableId and foreign_table_id are equal.
func decode(input map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		MatchName: func(mapKey, fieldName string) bool {
			return foldKey(mapKey) == foldKey(fieldName)
		},
	})
	if err != nil {
		return err
	}
	return dec.Decode(input)
}

func foldKey(s string) string {
	return strings.ToLower(strings.ReplaceAll(s, "_", ""))
}
