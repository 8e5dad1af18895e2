// Package recompute applies plan steps to stored records.
package recompute

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/leapstack-labs/fieldflow/internal/formula"
	"github.com/leapstack-labs/fieldflow/pkg/core"
)

// Store is the record access the executor needs. Callers pass the
// transaction the steps must commit with; *state.Tx satisfies it.
type Store interface {
	FieldsByID(ctx context.Context, ids []string) (map[string]core.FieldDescriptor, error)
	GetRecords(ctx context.Context, tableID string, ids []string) ([]core.Record, error)
	ListRecords(ctx context.Context, tableID string) ([]core.Record, error)
	UpdateCells(ctx context.Context, tableID, recordID string, cells map[string]any, now time.Time) (*core.Record, error)
	LinkTargets(ctx context.Context, linkFieldID string, fromIDs []string) (map[string][]string, error)
	LinkSources(ctx context.Context, linkFieldID string, toIDs []string) (map[string][]string, error)
}

// Evaluator computes formula and rollup values.
type Evaluator interface {
	Evaluate(desc core.FieldDescriptor, inputs map[string]any) (any, error)
}

// Executor runs recomputation steps.
type Executor struct {
	evaluator Evaluator
	logger    *slog.Logger
	now       func() time.Time
}

// New creates an Executor.
func New(evaluator Evaluator, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Executor{evaluator: evaluator, logger: logger, now: time.Now}
}

// Result reports what Apply changed.
type Result struct {
	// Dirty is the input dirty set plus every record whose cell changed
	Dirty core.DirtyStats
	// Updated counts written cells
	Updated int
}

// Apply runs steps in order against store. dirty holds the records changed
// so far in the run: the mutated seed records plus anything earlier steps
// rewrote. A cell is only written, and its record only marked dirty, when
// the recomputed value differs from the stored one.
//
// A step whose field no longer exists fails with a core.PermanentError.
func (x *Executor) Apply(ctx context.Context, store Store, steps []core.Step, dirty core.DirtyStats) (Result, error) {
	res := Result{}
	res.Dirty.Merge(dirty)
	if len(steps) == 0 {
		return res, nil
	}

	ids := make([]string, 0, len(steps))
	for _, s := range steps {
		ids = append(ids, s.FieldID)
	}
	fields, err := store.FieldsByID(ctx, ids)
	if err != nil {
		return res, fmt.Errorf("failed to load step fields: %w", err)
	}

	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		desc, ok := fields[step.FieldID]
		if !ok {
			return res, core.Permanent(fmt.Errorf("step field %s no longer exists", step.FieldID))
		}
		n, err := x.applyStep(ctx, store, step, desc, &res.Dirty)
		if err != nil {
			return res, fmt.Errorf("step %s (level %d): %w", step.FieldID, step.Level, err)
		}
		res.Updated += n
	}
	return res, nil
}

func (x *Executor) applyStep(ctx context.Context, store Store, step core.Step, desc core.FieldDescriptor, dirty *core.DirtyStats) (int, error) {
	if step.Operation == core.OpRefresh {
		// link cells hold record ids; titles are resolved on read
		return 0, nil
	}

	targets, err := x.scope(ctx, store, step, *dirty)
	if err != nil {
		return 0, err
	}
	if len(targets) == 0 {
		return 0, nil
	}

	records, err := store.GetRecords(ctx, step.TableID, targets)
	if err != nil {
		return 0, err
	}

	values, err := x.compute(ctx, store, step, desc, records)
	if err != nil {
		return 0, err
	}

	now := x.now()
	updated := 0
	for i := range records {
		rec := &records[i]
		next := values[rec.ID]
		if sameValue(rec.Cell(desc.ID), next) {
			continue
		}
		if _, err := store.UpdateCells(ctx, rec.TableID, rec.ID, map[string]any{desc.ID: next}, now); err != nil {
			return updated, err
		}
		dirty.Add(rec.TableID, rec.ID)
		updated++
	}

	x.logger.Debug("applied step",
		"field_id", desc.ID, "level", step.Level, "scope", step.Scope,
		"records", len(records), "updated", updated)
	return updated, nil
}

// scope lists the target records of a step.
func (x *Executor) scope(ctx context.Context, store Store, step core.Step, dirty core.DirtyStats) ([]string, error) {
	switch step.Scope {
	case core.ScopeTable:
		recs, err := store.ListRecords(ctx, step.TableID)
		if err != nil {
			return nil, err
		}
		ids := make([]string, len(recs))
		for i, r := range recs {
			ids[i] = r.ID
		}
		return ids, nil

	case core.ScopeLinked:
		ids := slices.Clone(dirty.RecordIDs(step.TableID))
		if foreign := dirty.RecordIDs(step.ForeignTableID); len(foreign) > 0 && step.LinkFieldID != "" {
			sources, err := store.LinkSources(ctx, step.LinkFieldID, foreign)
			if err != nil {
				return nil, err
			}
			for _, from := range sources {
				ids = append(ids, from...)
			}
		}
		slices.Sort(ids)
		return slices.Compact(ids), nil

	default:
		return dirty.RecordIDs(step.TableID), nil
	}
}

// compute returns the new cell value of every target record.
func (x *Executor) compute(ctx context.Context, store Store, step core.Step, desc core.FieldDescriptor, records []core.Record) (map[string]any, error) {
	out := make(map[string]any, len(records))

	switch desc.Kind {
	case core.KindFormula:
		for i := range records {
			inputs := make(map[string]any, len(step.SourceFieldIDs))
			for _, id := range step.SourceFieldIDs {
				inputs[id] = records[i].Cell(id)
			}
			out[records[i].ID] = x.evaluate(desc, inputs, records[i].ID)
		}

	case core.KindLookup, core.KindRollup:
		if desc.Lookup == nil {
			return nil, core.Permanent(fmt.Errorf("field %s has no lookup options", desc.ID))
		}
		ids := make([]string, len(records))
		for i, r := range records {
			ids[i] = r.ID
		}
		links, err := store.LinkTargets(ctx, desc.Lookup.LinkFieldID, ids)
		if err != nil {
			return nil, err
		}
		foreign, err := x.foreignRecords(ctx, store, desc.Lookup.ForeignTableID, links)
		if err != nil {
			return nil, err
		}
		for _, r := range records {
			var linked []core.Record
			for _, to := range links[r.ID] {
				if rec, ok := foreign[to]; ok {
					linked = append(linked, rec)
				}
			}
			out[r.ID] = x.project(desc, linked, r.ID)
		}

	case core.KindConditionalLookup, core.KindConditionalRollup:
		if desc.Lookup == nil {
			return nil, core.Permanent(fmt.Errorf("field %s has no lookup options", desc.ID))
		}
		all, err := store.ListRecords(ctx, desc.Lookup.ForeignTableID)
		if err != nil {
			return nil, err
		}
		value := x.project(desc, Select(all, desc.Condition), desc.TableID)
		for _, r := range records {
			out[r.ID] = value
		}

	default:
		return nil, core.Permanent(fmt.Errorf("field %s of kind %s cannot be recomputed", desc.ID, desc.Kind))
	}
	return out, nil
}

func (x *Executor) foreignRecords(ctx context.Context, store Store, tableID string, links map[string][]string) (map[string]core.Record, error) {
	var ids []string
	for _, to := range links {
		ids = append(ids, to...)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	slices.Sort(ids)
	ids = slices.Compact(ids)

	recs, err := store.GetRecords(ctx, tableID, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]core.Record, len(recs))
	for _, r := range recs {
		byID[r.ID] = r
	}
	return byID, nil
}

// project gathers the looked-up values of linked records. Lookups return
// the flattened list (nil when empty); rollups aggregate it.
func (x *Executor) project(desc core.FieldDescriptor, linked []core.Record, label string) any {
	var values []any
	for i := range linked {
		switch v := linked[i].Cell(desc.Lookup.LookupFieldID).(type) {
		case nil:
		case []any:
			values = append(values, v...)
		default:
			values = append(values, v)
		}
	}

	if desc.Kind.IsAggregate() {
		if values == nil {
			values = []any{}
		}
		return x.evaluate(desc, map[string]any{formula.ValuesVar: values}, label)
	}
	if len(values) == 0 {
		return nil
	}
	return values
}

// evaluate returns nil for expressions that fail.
func (x *Executor) evaluate(desc core.FieldDescriptor, inputs map[string]any, recordID string) any {
	v, err := x.evaluator.Evaluate(desc, inputs)
	if err != nil {
		x.logger.Warn("expression evaluation failed",
			"field_id", desc.ID, "record_id", recordID, "error", err)
		return nil
	}
	return v
}
