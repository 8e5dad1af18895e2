package core

import "fmt"

// CycleWarning is appended to a plan's warnings when traversal meets a
// dependency cycle. The plan is still executed best-effort.
const CycleWarning = "Computed field dependency cycle detected"

// ChangeType is the kind of record mutation that triggered a plan.
type ChangeType string

// Change types.
const (
	ChangeCreate ChangeType = "create"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// ParseChangeType validates a change type string.
func ParseChangeType(s string) (ChangeType, error) {
	switch ChangeType(s) {
	case ChangeCreate, ChangeUpdate, ChangeDelete:
		return ChangeType(s), nil
	default:
		return "", fmt.Errorf("%w: unknown change type %q", ErrInvalidInput, s)
	}
}

// StepScope selects the records a step recomputes.
type StepScope string

// Step scopes.
const (
	// ScopeLinked covers dirty records of the target table plus records
	// linked to dirty records of the foreign table.
	ScopeLinked StepScope = "linked"
	// ScopeTable covers every record of the target table.
	ScopeTable StepScope = "table"
	// ScopeSelf covers only dirty records of the target table.
	ScopeSelf StepScope = "self"
)

// Step operations.
const (
	OpProject   = "project"   // copy linked values
	OpAggregate = "aggregate" // aggregate linked values
	OpEvaluate  = "evaluate"  // formula over the record's own cells
	OpRefresh   = "refresh"   // link title refresh
)

// Step recomputes one field.
type Step struct {
	Level          int       `json:"level"`
	FieldID        string    `json:"fieldId"`
	TableID        string    `json:"tableId"`
	Kind           FieldKind `json:"kind"`
	Operation      string    `json:"operation"`
	LinkFieldID    string    `json:"linkFieldId,omitempty"`
	ForeignTableID string    `json:"foreignTableId,omitempty"`
	SourceFieldIDs []string  `json:"sourceFieldIds,omitempty"`
	Scope          StepScope `json:"scope"`
	// Cyclic marks fields scheduled best-effort because they sit on a cycle
	Cyclic bool `json:"cyclic,omitempty"`
}

// Plan is the ordered recomputation work for one mutation.
type Plan struct {
	BaseID        string     `json:"baseId"`
	SeedTableID   string     `json:"seedTableId"`
	SeedRecordIDs []string   `json:"seedRecordIds"`
	SeedFieldIDs  []string   `json:"seedFieldIds"`
	ChangeType    ChangeType `json:"changeType"`
	// Steps are sorted by level, then table id, then field id
	Steps               []Step          `json:"steps"`
	Edges               []ReferenceEdge `json:"edges"`
	Warnings            []string        `json:"warnings,omitempty"`
	EstimatedComplexity int64           `json:"estimatedComplexity"`
	MaxLevel            int             `json:"maxLevel"`
	AffectedTableIDs    []string        `json:"affectedTableIds"`
	AffectedFieldIDs    []string        `json:"affectedFieldIds"`
}

// Empty reports whether the plan has no computed work.
func (p *Plan) Empty() bool {
	return p == nil || len(p.Steps) == 0
}

// HasCycle reports whether the plan carries the cycle warning.
func (p *Plan) HasCycle() bool {
	for _, w := range p.Warnings {
		if w == CycleWarning {
			return true
		}
	}
	return false
}

// AffectedField is one entry of a ComputedImpact.
type AffectedField struct {
	FieldID string    `json:"fieldId"`
	TableID string    `json:"tableId"`
	Name    string    `json:"name,omitempty"`
	Kind    FieldKind `json:"kind"`
	Level   int       `json:"level"`
}

// ComputedImpact is the preview returned by explain.
type ComputedImpact struct {
	AffectedFields      []AffectedField `json:"affectedFields"`
	Warnings            []string        `json:"warnings"`
	EstimatedComplexity int64           `json:"estimatedComplexity"`
}
