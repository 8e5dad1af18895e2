package core

// FieldKind is the computed kind of a field, resolved once during
// normalization. Downstream code switches on the kind and never re-derives
// it from the raw declared type.
type FieldKind string

// Field kinds.
const (
	KindPlain             FieldKind = "plain"
	KindLink              FieldKind = "link"
	KindLookup            FieldKind = "lookup"
	KindRollup            FieldKind = "rollup"
	KindFormula           FieldKind = "formula"
	KindConditionalLookup FieldKind = "conditionalLookup"
	KindConditionalRollup FieldKind = "conditionalRollup"
)

// ParseFieldKind maps a declared type string to a kind.
// Unknown types are plain.
func ParseFieldKind(s string) FieldKind {
	switch FieldKind(s) {
	case KindLink, KindLookup, KindRollup, KindFormula, KindConditionalLookup, KindConditionalRollup:
		return FieldKind(s)
	default:
		return KindPlain
	}
}

// IsComputed reports whether values of this kind are derived from other fields.
func (k FieldKind) IsComputed() bool {
	switch k {
	case KindLookup, KindRollup, KindFormula, KindConditionalLookup, KindConditionalRollup:
		return true
	default:
		return false
	}
}

// IsAggregate reports whether the kind aggregates many linked values.
func (k FieldKind) IsAggregate() bool {
	return k == KindRollup || k == KindConditionalRollup
}

// IsConditional reports whether the kind selects foreign records by condition
// rather than through a link field.
func (k FieldKind) IsConditional() bool {
	return k == KindConditionalLookup || k == KindConditionalRollup
}

// Relationship is the cardinality of a link field.
type Relationship string

// Link relationships.
const (
	OneOne   Relationship = "oneOne"
	OneMany  Relationship = "oneMany"
	ManyOne  Relationship = "manyOne"
	ManyMany Relationship = "manyMany"
)

// Valid reports whether r is a known relationship.
func (r Relationship) Valid() bool {
	switch r {
	case OneOne, OneMany, ManyOne, ManyMany:
		return true
	}
	return false
}

// DefaultRollupExpression is used when a rollup declares no aggregation.
const DefaultRollupExpression = "countall({values})"

// FieldDescriptor is a normalized field definition.
type FieldDescriptor struct {
	// ID is the field id (e.g. "fldXXXXXXXXXXXXXXXX")
	ID string `json:"id"`
	// TableID is the owning table
	TableID string `json:"tableId"`
	// Name is the display name
	Name string `json:"name"`
	// Kind is the resolved computed kind
	Kind FieldKind `json:"kind"`
	// ValueType is the declared (resolved value) type from the raw definition
	ValueType string `json:"valueType,omitempty"`

	Link    *LinkOptions    `json:"link,omitempty"`
	Lookup  *LookupOptions  `json:"lookup,omitempty"`
	Formula *FormulaOptions `json:"formula,omitempty"`
	// Condition applies to conditional lookups and rollups
	Condition *Condition `json:"condition,omitempty"`

	// Demoted is true when the raw definition asked for a computed kind but
	// was classified as plain
	Demoted        bool   `json:"demoted,omitempty"`
	DemotionReason string `json:"demotionReason,omitempty"`
}

// LinkOptions configures a link field.
type LinkOptions struct {
	Relationship     Relationship `json:"relationship"`
	ForeignTableID   string       `json:"foreignTableId"`
	LookupFieldID    string       `json:"lookupFieldId"`
	SymmetricFieldID string       `json:"symmetricFieldId,omitempty"`
	IsOneWay         bool         `json:"isOneWay,omitempty"`
}

// LookupOptions configures lookups, rollups and their conditional variants.
type LookupOptions struct {
	ForeignTableID string `json:"foreignTableId"`
	// LinkFieldID is empty for conditional kinds
	LinkFieldID   string `json:"linkFieldId,omitempty"`
	LookupFieldID string `json:"lookupFieldId"`
	// Expression is the aggregation expression for rollups
	Expression string `json:"expression,omitempty"`
}

// FormulaOptions configures a formula field.
type FormulaOptions struct {
	Expression string `json:"expression"`
}

// Condition selects foreign records for conditional lookups and rollups.
type Condition struct {
	Filter *Filter `json:"filter,omitempty"`
	Sort   *Sort   `json:"sort,omitempty"`
	Limit  int     `json:"limit,omitempty"`
}

// HasClauses reports whether the condition carries a usable filter.
func (c *Condition) HasClauses() bool {
	return c != nil && c.Filter != nil && len(c.Filter.Clauses) > 0
}

// Filter is a flat list of clauses joined by a conjunction.
type Filter struct {
	// Conjunction is "and" (default) or "or"
	Conjunction string         `json:"conjunction,omitempty"`
	Clauses     []FilterClause `json:"clauses"`
}

// FilterOperator is a comparison used by a filter clause.
type FilterOperator string

// Filter operators.
const (
	OpIs             FilterOperator = "is"
	OpIsNot          FilterOperator = "isNot"
	OpContains       FilterOperator = "contains"
	OpDoesNotContain FilterOperator = "doesNotContain"
	OpIsGreater      FilterOperator = "isGreater"
	OpIsGreaterEqual FilterOperator = "isGreaterEqual"
	OpIsLess         FilterOperator = "isLess"
	OpIsLessEqual    FilterOperator = "isLessEqual"
	OpIsEmpty        FilterOperator = "isEmpty"
	OpIsNotEmpty     FilterOperator = "isNotEmpty"
)

// FilterClause compares a field of the foreign record against a value.
type FilterClause struct {
	FieldID  string         `json:"fieldId"`
	Operator FilterOperator `json:"operator"`
	Value    any            `json:"value,omitempty"`
}

// Sort orders foreign records before the limit is applied.
type Sort struct {
	FieldID string `json:"fieldId"`
	Desc    bool   `json:"desc,omitempty"`
}
