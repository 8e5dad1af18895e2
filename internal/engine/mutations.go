package engine

import (
	"context"
	"fmt"
	"slices"

	"github.com/leapstack-labs/fieldflow/internal/field"
	"github.com/leapstack-labs/fieldflow/internal/ordering"
	"github.com/leapstack-labs/fieldflow/internal/planner"
	"github.com/leapstack-labs/fieldflow/internal/state"
	"github.com/leapstack-labs/fieldflow/pkg/core"
)

// IngestFields normalizes raw field definitions against the stored schema,
// stores the descriptors and replaces their dependency edges.
func (e *Engine) IngestFields(ctx context.Context, raws []field.RawField) (field.Result, error) {
	var res field.Result
	err := e.store.InTx(ctx, func(tx *state.Tx) error {
		existing, err := tx.FieldKinds(ctx)
		if err != nil {
			return err
		}
		res = field.NormalizeAll(raws, existing)

		now := e.now()
		for _, desc := range res.Fields {
			if err := tx.UpsertField(ctx, desc, now); err != nil {
				return err
			}
			if err := tx.DeleteReferencesTo(ctx, desc.ID); err != nil {
				return err
			}
		}
		_, err = tx.InsertReferences(ctx, res.Edges, now)
		return err
	})
	if err != nil {
		return field.Result{}, err
	}

	for _, id := range res.Demoted {
		e.logger.Warn("field demoted to plain text", "field_id", id)
	}
	e.logger.Info("fields ingested", "fields", len(res.Fields), "edges", len(res.Edges), "demoted", len(res.Demoted))
	return res, nil
}

// CreateTable registers a table.
func (e *Engine) CreateTable(ctx context.Context, t core.Table) error {
	return e.store.CreateTable(ctx, t, e.now())
}

// OrderPlacement positions newly created records directly before or after
// an anchor record in a view.
type OrderPlacement struct {
	ViewID   string             `json:"viewId"`
	AnchorID string             `json:"anchorId"`
	Position core.OrderPosition `json:"position"`
}

// CreateRecord inserts a record and computes its computed cells. The
// returned record reflects the inline recomputation.
func (e *Engine) CreateRecord(ctx context.Context, tableID string, cells map[string]any) (*core.Record, *MutationResult, error) {
	recs, res, err := e.CreateRecords(ctx, tableID, []map[string]any{cells}, nil)
	if err != nil {
		return nil, nil, err
	}
	return recs[0], res, nil
}

// CreateRecords inserts records and computes their computed cells in one
// transaction. With a placement, the records also get ascending order keys
// in the placement's view, in the order given, written in the same
// transaction.
func (e *Engine) CreateRecords(ctx context.Context, tableID string, cells []map[string]any, placement *OrderPlacement) ([]*core.Record, *MutationResult, error) {
	if len(cells) == 0 {
		return nil, nil, fmt.Errorf("%w: no records to create", core.ErrInvalidInput)
	}
	if placement != nil {
		if err := e.ensureOrderColumn(ctx, tableID, placement.ViewID); err != nil {
			return nil, nil, err
		}
	}

	var recs []*core.Record
	var res *MutationResult
	err := e.store.InTx(ctx, func(tx *state.Tx) error {
		var keys []float64
		if placement != nil {
			var err error
			keys, err = ordering.New(tx, ordering.Config{MaxRebalances: e.maxRebalances, Logger: e.logger}).
				CalculateOrders(ctx, tableID, placement.ViewID, placement.AnchorID, placement.Position, len(cells))
			if err != nil {
				return err
			}
		}

		now := e.now()
		ids := make([]string, 0, len(cells))
		var dirty core.DirtyStats
		for i, c := range cells {
			rec := &core.Record{TableID: tableID, Cells: c}
			if err := tx.InsertRecord(ctx, rec, now); err != nil {
				return err
			}
			if keys != nil {
				if err := tx.SetOrderKey(ctx, tableID, placement.ViewID, rec.ID, keys[i]); err != nil {
					return &core.OrderError{TableID: tableID, ViewID: placement.ViewID, Err: err}
				}
			}
			ids = append(ids, rec.ID)
			dirty.Add(tableID, rec.ID)
		}

		var err error
		res, err = e.HandleMutationTx(ctx, tx, planner.Change{
			TableID:    tableID,
			RecordIDs:  ids,
			ChangeType: core.ChangeCreate,
		}, dirty)
		if err != nil {
			return err
		}

		recs = make([]*core.Record, 0, len(ids))
		for _, id := range ids {
			rec, err := tx.GetRecord(ctx, tableID, id)
			if err != nil {
				return err
			}
			recs = append(recs, rec)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	if placement != nil {
		e.logger.Debug("records placed", "table_id", tableID, "view_id", placement.ViewID,
			"anchor_id", placement.AnchorID, "position", placement.Position, "records", len(recs))
	}
	return recs, res, nil
}

// UpdateCells writes cell values of one record and recomputes what depends
// on the written fields. A nil value clears a cell.
func (e *Engine) UpdateCells(ctx context.Context, tableID, recordID string, cells map[string]any) (*core.Record, *MutationResult, error) {
	fieldIDs := make([]string, 0, len(cells))
	for id := range cells {
		fieldIDs = append(fieldIDs, id)
	}
	slices.Sort(fieldIDs)

	var rec *core.Record
	var res *MutationResult
	err := e.store.InTx(ctx, func(tx *state.Tx) error {
		if _, err := tx.UpdateCells(ctx, tableID, recordID, cells, e.now()); err != nil {
			return err
		}

		var dirty core.DirtyStats
		dirty.Add(tableID, recordID)
		var err error
		res, err = e.HandleMutationTx(ctx, tx, planner.Change{
			TableID:    tableID,
			RecordIDs:  []string{recordID},
			ChangeType: core.ChangeUpdate,
			FieldIDs:   fieldIDs,
		}, dirty)
		if err != nil {
			return err
		}
		rec, err = tx.GetRecord(ctx, tableID, recordID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return rec, res, nil
}

// SetLinks replaces the records fromID links to through linkFieldID. When
// the link field has a symmetric counterpart, the reverse links of added
// and removed targets are maintained too.
func (e *Engine) SetLinks(ctx context.Context, linkFieldID, fromID string, toIDs []string) (*MutationResult, error) {
	want := slices.Sorted(slices.Values(toIDs))
	want = slices.Compact(want)

	var res *MutationResult
	err := e.store.InTx(ctx, func(tx *state.Tx) error {
		desc, err := tx.GetField(ctx, linkFieldID)
		if err != nil {
			return err
		}
		if desc.Kind != core.KindLink || desc.Link == nil {
			return fmt.Errorf("%w: field %s is not a link field", core.ErrInvalidInput, linkFieldID)
		}

		current, err := tx.LinkTargets(ctx, linkFieldID, []string{fromID})
		if err != nil {
			return err
		}
		added, removed := diff(current[fromID], want)

		for _, to := range added {
			if err := tx.AddLink(ctx, linkFieldID, fromID, to); err != nil {
				return err
			}
		}
		for _, to := range removed {
			if err := tx.RemoveLink(ctx, linkFieldID, fromID, to); err != nil {
				return err
			}
		}
		if err := e.writeLinkCells(ctx, tx, linkFieldID, desc.TableID, []string{fromID}); err != nil {
			return err
		}

		var dirty core.DirtyStats
		dirty.Add(desc.TableID, fromID)
		res, err = e.HandleMutationTx(ctx, tx, planner.Change{
			TableID:    desc.TableID,
			RecordIDs:  []string{fromID},
			ChangeType: core.ChangeUpdate,
			FieldIDs:   []string{linkFieldID},
		}, dirty)
		if err != nil {
			return err
		}

		sym := desc.Link.SymmetricFieldID
		touched := append(slices.Clone(added), removed...)
		if sym == "" || desc.Link.IsOneWay || len(touched) == 0 {
			return nil
		}
		slices.Sort(touched)

		for _, to := range added {
			if err := tx.AddLink(ctx, sym, to, fromID); err != nil {
				return err
			}
		}
		for _, to := range removed {
			if err := tx.RemoveLink(ctx, sym, to, fromID); err != nil {
				return err
			}
		}
		foreign := desc.Link.ForeignTableID
		if err := e.writeLinkCells(ctx, tx, sym, foreign, touched); err != nil {
			return err
		}

		var symDirty core.DirtyStats
		symDirty.Add(foreign, touched...)
		symRes, err := e.HandleMutationTx(ctx, tx, planner.Change{
			TableID:    foreign,
			RecordIDs:  touched,
			ChangeType: core.ChangeUpdate,
			FieldIDs:   []string{sym},
		}, symDirty)
		if err != nil {
			return err
		}
		res.merge(symRes)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// DeleteRecords removes records of a table. Records elsewhere that linked
// to them lose those links, and everything computed from either side is
// recomputed.
func (e *Engine) DeleteRecords(ctx context.Context, tableID string, ids []string) (*MutationResult, error) {
	var res *MutationResult
	err := e.store.InTx(ctx, func(tx *state.Tx) error {
		fields, err := tx.ListFields(ctx, "")
		if err != nil {
			return err
		}

		// sources of links into the deleted records, per link field
		type inbound struct {
			desc    core.FieldDescriptor
			sources []string
		}
		var links []inbound
		for _, f := range fields {
			if f.Kind != core.KindLink || f.Link == nil || f.Link.ForeignTableID != tableID {
				continue
			}
			bySource, err := tx.LinkSources(ctx, f.ID, ids)
			if err != nil {
				return err
			}
			var sources []string
			for _, from := range bySource {
				sources = append(sources, from...)
			}
			if len(sources) > 0 {
				slices.Sort(sources)
				links = append(links, inbound{desc: f, sources: slices.Compact(sources)})
			}
		}

		if _, err := tx.DeleteRecords(ctx, tableID, ids); err != nil {
			return err
		}

		var dirty core.DirtyStats
		dirty.Add(tableID, ids...)
		res, err = e.HandleMutationTx(ctx, tx, planner.Change{
			TableID:    tableID,
			RecordIDs:  ids,
			ChangeType: core.ChangeDelete,
		}, dirty)
		if err != nil {
			return err
		}

		for _, l := range links {
			if err := e.writeLinkCells(ctx, tx, l.desc.ID, l.desc.TableID, l.sources); err != nil {
				return err
			}
			var linkDirty core.DirtyStats
			linkDirty.Add(l.desc.TableID, l.sources...)
			more, err := e.HandleMutationTx(ctx, tx, planner.Change{
				TableID:    l.desc.TableID,
				RecordIDs:  l.sources,
				ChangeType: core.ChangeUpdate,
				FieldIDs:   []string{l.desc.ID},
			}, linkDirty)
			if err != nil {
				return err
			}
			res.merge(more)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("records deleted", "table_id", tableID, "records", len(ids))
	return res, nil
}

// writeLinkCells mirrors the stored links of records into their link cell
// as a list of record ids.
func (e *Engine) writeLinkCells(ctx context.Context, tx *state.Tx, linkFieldID, tableID string, recordIDs []string) error {
	targets, err := tx.LinkTargets(ctx, linkFieldID, recordIDs)
	if err != nil {
		return err
	}
	now := e.now()
	for _, id := range recordIDs {
		var cell any
		if to := targets[id]; len(to) > 0 {
			list := make([]any, len(to))
			for i, t := range to {
				list[i] = t
			}
			cell = list
		}
		if _, err := tx.UpdateCells(ctx, tableID, id, map[string]any{linkFieldID: cell}, now); err != nil {
			return err
		}
	}
	return nil
}

// diff returns the elements of want missing from have, and of have
// missing from want.
func diff(have, want []string) (added, removed []string) {
	for _, w := range want {
		if !slices.Contains(have, w) {
			added = append(added, w)
		}
	}
	for _, h := range have {
		if !slices.Contains(want, h) {
			removed = append(removed, h)
		}
	}
	return added, removed
}
