package planner

import (
	"context"

	"github.com/leapstack-labs/fieldflow/pkg/core"
)

// Explain previews the computed impact of a change without recording
// anything. It returns nil when no computed field is affected.
func (p *Planner) Explain(ctx context.Context, changeType core.ChangeType, payload Change) (*core.ComputedImpact, error) {
	payload.ChangeType = changeType
	plan, err := p.Plan(ctx, payload)
	if err != nil {
		return nil, err
	}
	return Impact(ctx, p.source, plan)
}

// Impact summarizes a plan for callers. Field names are resolved through
// source when it is not nil.
func Impact(ctx context.Context, source Source, plan *core.Plan) (*core.ComputedImpact, error) {
	if plan.Empty() {
		return nil, nil
	}

	var names map[string]core.FieldDescriptor
	if source != nil {
		var err error
		if names, err = source.FieldsByID(ctx, plan.AffectedFieldIDs); err != nil {
			return nil, err
		}
	}

	impact := &core.ComputedImpact{
		AffectedFields:      make([]core.AffectedField, 0, len(plan.Steps)),
		Warnings:            append([]string{}, plan.Warnings...),
		EstimatedComplexity: plan.EstimatedComplexity,
	}
	for _, s := range plan.Steps {
		impact.AffectedFields = append(impact.AffectedFields, core.AffectedField{
			FieldID: s.FieldID,
			TableID: s.TableID,
			Name:    names[s.FieldID].Name,
			Kind:    s.Kind,
			Level:   s.Level,
		})
	}
	return impact, nil
}

// Thresholds decide which steps run inside the triggering transaction.
type Thresholds struct {
	// SyncMaxLevel is the highest level applied inline when a plan is too
	// expensive to run entirely inline.
	SyncMaxLevel int `koanf:"sync_max_level" json:"syncMaxLevel"`
	// SyncComplexityThreshold is the estimated complexity up to which the
	// whole plan runs inline.
	SyncComplexityThreshold int64 `koanf:"sync_complexity_threshold" json:"syncComplexityThreshold"`
}

// Decision splits a plan into inline and deferred steps.
type Decision struct {
	Inline   []core.Step
	Deferred []core.Step
}

// Decide splits plan steps between the caller's transaction and the outbox.
// Steps stay in level order on both sides, and every inline step has a
// level no higher than any deferred step.
func Decide(plan *core.Plan, t Thresholds) Decision {
	if plan.Empty() {
		return Decision{}
	}
	if plan.EstimatedComplexity <= t.SyncComplexityThreshold {
		return Decision{Inline: plan.Steps}
	}

	var d Decision
	for _, s := range plan.Steps {
		if s.Level <= t.SyncMaxLevel {
			d.Inline = append(d.Inline, s)
		} else {
			d.Deferred = append(d.Deferred, s)
		}
	}
	return d
}
