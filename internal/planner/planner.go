// Package planner turns a record mutation into an ordered list of
// recomputation steps by walking the field reference graph.
package planner

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"

	"github.com/leapstack-labs/fieldflow/internal/dag"
	"github.com/leapstack-labs/fieldflow/internal/field"
	"github.com/leapstack-labs/fieldflow/pkg/core"
)

// Source is the schema and graph snapshot the planner reads.
// *state.Queries, *state.Store and *state.Tx satisfy it.
type Source interface {
	GetTable(ctx context.Context, id string) (*core.Table, error)
	ListFields(ctx context.Context, tableID string) ([]core.FieldDescriptor, error)
	FieldsByID(ctx context.Context, ids []string) (map[string]core.FieldDescriptor, error)
	ReachableReferences(ctx context.Context, seeds []string) ([]core.ReferenceEdge, error)
}

// Change is a record mutation notification.
type Change struct {
	TableID    string          `json:"tableId"`
	RecordIDs  []string        `json:"recordIds"`
	ChangeType core.ChangeType `json:"changeType"`
	// FieldIDs are the fields written by the mutation. Empty means every
	// field of the table.
	FieldIDs []string `json:"fieldIds,omitempty"`
}

// Planner builds recomputation plans.
type Planner struct {
	source    Source
	estimator Estimator
	logger    *slog.Logger
}

// New creates a planner. A nil estimator disables complexity estimation
// beyond the seed record count.
func New(source Source, estimator Estimator, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Planner{source: source, estimator: estimator, logger: logger}
}

// Plan computes the steps needed to bring every computed field downstream
// of the change up to date.
//
// The traversal never recurses. Fields on a dependency cycle are scheduled
// once, best-effort, and the plan carries core.CycleWarning.
func (p *Planner) Plan(ctx context.Context, change Change) (*core.Plan, error) {
	table, err := p.source.GetTable(ctx, change.TableID)
	if err != nil {
		return nil, err
	}

	seeds, err := p.seedFields(ctx, change)
	if err != nil {
		return nil, err
	}

	plan := &core.Plan{
		BaseID:        table.BaseID,
		SeedTableID:   change.TableID,
		SeedRecordIDs: sortedUnique(change.RecordIDs),
		SeedFieldIDs:  seeds,
		ChangeType:    change.ChangeType,
	}
	if len(seeds) == 0 {
		return plan, nil
	}

	edges, err := p.source.ReachableReferences(ctx, seeds)
	if err != nil {
		return nil, fmt.Errorf("failed to load reference graph: %w", err)
	}
	plan.Edges = edges

	graph := dag.NewGraph()
	for _, id := range seeds {
		graph.AddNode(id, nil)
	}
	for _, e := range edges {
		graph.Connect(e.FromFieldID, e.ToFieldID)
	}

	prop := graph.PropagationLevels(seeds)
	if prop.HasCycle() {
		plan.Warnings = append(plan.Warnings, core.CycleWarning)
		p.logger.Warn(core.CycleWarning,
			"table_id", change.TableID, "fields", prop.Cyclic)
	}
	if len(prop.Order) == 0 {
		return plan, nil
	}

	fields, err := p.source.FieldsByID(ctx, prop.Order)
	if err != nil {
		return nil, fmt.Errorf("failed to load fields: %w", err)
	}

	cyclic := make(map[string]bool, len(prop.Cyclic))
	for _, id := range prop.Cyclic {
		cyclic[id] = true
	}

	for _, id := range prop.Order {
		desc, ok := fields[id]
		if !ok || !(desc.Kind.IsComputed() || desc.Kind == core.KindLink) {
			// plain or deleted fields only relay propagation
			continue
		}
		step := buildStep(desc, prop.Levels[id])
		step.Cyclic = cyclic[id]
		plan.Steps = append(plan.Steps, step)
	}

	sort.SliceStable(plan.Steps, func(i, j int) bool {
		a, b := plan.Steps[i], plan.Steps[j]
		if a.Level != b.Level {
			return a.Level < b.Level
		}
		if a.TableID != b.TableID {
			return a.TableID < b.TableID
		}
		return a.FieldID < b.FieldID
	})

	for _, s := range plan.Steps {
		plan.MaxLevel = max(plan.MaxLevel, s.Level)
		plan.AffectedTableIDs = append(plan.AffectedTableIDs, s.TableID)
		plan.AffectedFieldIDs = append(plan.AffectedFieldIDs, s.FieldID)
	}
	plan.AffectedTableIDs = sortedUnique(plan.AffectedTableIDs)
	plan.AffectedFieldIDs = sortedUnique(plan.AffectedFieldIDs)

	complexity, err := p.estimate(ctx, plan)
	if err != nil {
		return nil, err
	}
	plan.EstimatedComplexity = complexity

	p.logger.Debug("planned recomputation",
		"table_id", change.TableID,
		"change_type", change.ChangeType,
		"steps", len(plan.Steps),
		"max_level", plan.MaxLevel,
		"complexity", plan.EstimatedComplexity)
	return plan, nil
}

func (p *Planner) seedFields(ctx context.Context, change Change) ([]string, error) {
	if len(change.FieldIDs) > 0 {
		return sortedUnique(change.FieldIDs), nil
	}
	descs, err := p.source.ListFields(ctx, change.TableID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(descs))
	for _, d := range descs {
		ids = append(ids, d.ID)
	}
	return sortedUnique(ids), nil
}

// buildStep derives the operation and record scope of a computed field.
func buildStep(desc core.FieldDescriptor, level int) core.Step {
	step := core.Step{
		Level:          level,
		FieldID:        desc.ID,
		TableID:        desc.TableID,
		Kind:           desc.Kind,
		SourceFieldIDs: field.Dependencies(desc),
	}

	switch desc.Kind {
	case core.KindLink:
		step.Operation = core.OpRefresh
		step.Scope = core.ScopeLinked
		step.LinkFieldID = desc.ID
		if desc.Link != nil {
			step.ForeignTableID = desc.Link.ForeignTableID
		}
	case core.KindLookup, core.KindRollup:
		step.Operation = core.OpProject
		if desc.Kind == core.KindRollup {
			step.Operation = core.OpAggregate
		}
		step.Scope = core.ScopeLinked
		if desc.Lookup != nil {
			step.LinkFieldID = desc.Lookup.LinkFieldID
			step.ForeignTableID = desc.Lookup.ForeignTableID
		}
	case core.KindConditionalLookup, core.KindConditionalRollup:
		step.Operation = core.OpProject
		if desc.Kind == core.KindConditionalRollup {
			step.Operation = core.OpAggregate
		}
		step.Scope = core.ScopeTable
		if desc.Lookup != nil {
			step.ForeignTableID = desc.Lookup.ForeignTableID
		}
	case core.KindFormula:
		step.Operation = core.OpEvaluate
		step.Scope = core.ScopeSelf
	}
	return step
}

func sortedUnique(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}
