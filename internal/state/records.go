package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/leapstack-labs/fieldflow/pkg/core"
)

// --- Tables ---

// CreateTable registers a table.
func (q *Queries) CreateTable(ctx context.Context, t core.Table, now time.Time) error {
	_, err := q.exec(ctx,
		`INSERT INTO base_table (id, base_id, name, created_time) VALUES (?, ?, ?, ?)`,
		t.ID, t.BaseID, t.Name, toMillis(now),
	)
	if err != nil {
		return fmt.Errorf("failed to create table %s: %w", t.ID, err)
	}
	return nil
}

// GetTable retrieves a table by id.
func (q *Queries) GetTable(ctx context.Context, id string) (*core.Table, error) {
	t := &core.Table{}
	err := q.queryRow(ctx, `SELECT id, base_id, name FROM base_table WHERE id = ?`, id).
		Scan(&t.ID, &t.BaseID, &t.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("table %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get table: %w", err)
	}
	return t, nil
}

// ListTables returns every table sorted by id.
func (q *Queries) ListTables(ctx context.Context) ([]core.Table, error) {
	rows, err := q.query(ctx, `SELECT id, base_id, name FROM base_table ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	var tables []core.Table
	for rows.Next() {
		var t core.Table
		if err := rows.Scan(&t.ID, &t.BaseID, &t.Name); err != nil {
			return nil, fmt.Errorf("failed to scan table: %w", err)
		}
		tables = append(tables, t)
	}
	return tables, rows.Err()
}

// --- Fields ---

// UpsertField stores a normalized field descriptor.
func (q *Queries) UpsertField(ctx context.Context, desc core.FieldDescriptor, now time.Time) error {
	doc, err := encodeJSON(desc)
	if err != nil {
		return err
	}

	_, err = q.exec(ctx,
		`INSERT INTO field (id, table_id, name, kind, value_type, descriptor, created_time)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		     table_id = excluded.table_id,
		     name = excluded.name,
		     kind = excluded.kind,
		     value_type = excluded.value_type,
		     descriptor = excluded.descriptor`,
		desc.ID, desc.TableID, desc.Name, string(desc.Kind), desc.ValueType, doc, toMillis(now),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert field %s: %w", desc.ID, err)
	}
	return nil
}

// GetField retrieves a field descriptor by id.
func (q *Queries) GetField(ctx context.Context, id string) (*core.FieldDescriptor, error) {
	var doc string
	err := q.queryRow(ctx, `SELECT descriptor FROM field WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("field %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get field: %w", err)
	}

	var desc core.FieldDescriptor
	if err := decodeJSON(doc, &desc); err != nil {
		return nil, err
	}
	return &desc, nil
}

// ListFields returns the fields of a table sorted by id. An empty tableID
// lists every field.
func (q *Queries) ListFields(ctx context.Context, tableID string) ([]core.FieldDescriptor, error) {
	query := `SELECT descriptor FROM field ORDER BY id`
	var args []any
	if tableID != "" {
		query = `SELECT descriptor FROM field WHERE table_id = ? ORDER BY id`
		args = append(args, tableID)
	}

	rows, err := q.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list fields: %w", err)
	}
	defer rows.Close()

	var fields []core.FieldDescriptor
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan field: %w", err)
		}
		var desc core.FieldDescriptor
		if err := decodeJSON(doc, &desc); err != nil {
			return nil, err
		}
		fields = append(fields, desc)
	}
	return fields, rows.Err()
}

// FieldsByID returns the descriptors of the given fields keyed by id.
// Unknown ids are absent from the map.
func (q *Queries) FieldsByID(ctx context.Context, ids []string) (map[string]core.FieldDescriptor, error) {
	out := make(map[string]core.FieldDescriptor, len(ids))
	for start := 0; start < len(ids); start += referenceBatch {
		batch := ids[start:min(start+referenceBatch, len(ids))]
		rows, err := q.query(ctx,
			`SELECT descriptor FROM field WHERE id IN (`+placeholders(len(batch))+`)`,
			stringArgs(batch)...,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to get fields: %w", err)
		}
		for rows.Next() {
			var doc string
			if err := rows.Scan(&doc); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan field: %w", err)
			}
			var desc core.FieldDescriptor
			if err := decodeJSON(doc, &desc); err != nil {
				rows.Close()
				return nil, err
			}
			out[desc.ID] = desc
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// FieldKinds returns the kind of every stored field.
func (q *Queries) FieldKinds(ctx context.Context) (map[string]core.FieldKind, error) {
	rows, err := q.query(ctx, `SELECT id, kind FROM field`)
	if err != nil {
		return nil, fmt.Errorf("failed to list field kinds: %w", err)
	}
	defer rows.Close()

	kinds := make(map[string]core.FieldKind)
	for rows.Next() {
		var id, kind string
		if err := rows.Scan(&id, &kind); err != nil {
			return nil, fmt.Errorf("failed to scan field kind: %w", err)
		}
		kinds[id] = core.FieldKind(kind)
	}
	return kinds, rows.Err()
}

// DeleteField removes a field and its reference edges.
func (q *Queries) DeleteField(ctx context.Context, id string) error {
	if err := q.DeleteReferencesOf(ctx, id); err != nil {
		return err
	}
	if _, err := q.exec(ctx, `DELETE FROM field WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete field %s: %w", id, err)
	}
	return nil
}

// --- Records ---

// InsertRecord stores a new record and assigns its auto number.
func (q *Queries) InsertRecord(ctx context.Context, rec *core.Record, now time.Time) error {
	if rec.ID == "" {
		rec.ID = generateID()
	}
	if rec.Cells == nil {
		rec.Cells = map[string]any{}
	}
	cells, err := encodeJSON(rec.Cells)
	if err != nil {
		return err
	}

	err = q.queryRow(ctx,
		`INSERT INTO record (id, table_id, auto_number, cells, created_time, updated_time)
		 SELECT ?, ?, COALESCE(MAX(auto_number), 0) + 1, ?, ?, ?
		 FROM record WHERE table_id = ?
		 RETURNING auto_number`,
		rec.ID, rec.TableID, cells, toMillis(now), toMillis(now), rec.TableID,
	).Scan(&rec.AutoNumber)
	if err != nil {
		return fmt.Errorf("failed to insert record: %w", err)
	}
	rec.CreatedAt = now.UTC()
	rec.UpdatedAt = now.UTC()
	return nil
}

const recordColumns = `id, table_id, auto_number, cells, created_time, updated_time`

func scanRecord(scan func(dest ...any) error) (*core.Record, error) {
	rec := &core.Record{}
	var cells string
	var created, updated int64
	if err := scan(&rec.ID, &rec.TableID, &rec.AutoNumber, &cells, &created, &updated); err != nil {
		return nil, err
	}
	if err := decodeJSON(cells, &rec.Cells); err != nil {
		return nil, err
	}
	if rec.Cells == nil {
		rec.Cells = map[string]any{}
	}
	rec.CreatedAt = fromMillis(created)
	rec.UpdatedAt = fromMillis(updated)
	return rec, nil
}

// lockClause returns a row lock suffix where the dialect needs one to make
// read-modify-write safe. SQLite serializes writers already.
func (q *Queries) lockClause() string {
	if q.dialect == DialectPostgres {
		return " FOR UPDATE"
	}
	return ""
}

// GetRecord retrieves one record.
func (q *Queries) GetRecord(ctx context.Context, tableID, id string) (*core.Record, error) {
	rec, err := scanRecord(q.queryRow(ctx,
		`SELECT `+recordColumns+` FROM record WHERE table_id = ? AND id = ?`, tableID, id,
	).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("record %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return rec, nil
}

// GetRecords returns the given records of a table ordered by auto number.
// Missing ids are skipped.
func (q *Queries) GetRecords(ctx context.Context, tableID string, ids []string) ([]core.Record, error) {
	var out []core.Record
	for start := 0; start < len(ids); start += referenceBatch {
		batch := ids[start:min(start+referenceBatch, len(ids))]
		args := append([]any{tableID}, stringArgs(batch)...)
		recs, err := q.listRecords(ctx,
			`SELECT `+recordColumns+` FROM record
			 WHERE table_id = ? AND id IN (`+placeholders(len(batch))+`)
			 ORDER BY auto_number`, args...)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	if len(ids) > referenceBatch {
		sort.Slice(out, func(i, j int) bool { return out[i].AutoNumber < out[j].AutoNumber })
	}
	return out, nil
}

// ListRecords returns every record of a table ordered by auto number.
func (q *Queries) ListRecords(ctx context.Context, tableID string) ([]core.Record, error) {
	return q.listRecords(ctx,
		`SELECT `+recordColumns+` FROM record WHERE table_id = ? ORDER BY auto_number`, tableID)
}

func (q *Queries) listRecords(ctx context.Context, query string, args ...any) ([]core.Record, error) {
	rows, err := q.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var out []core.Record
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// CountRecords returns the number of records in a table.
func (q *Queries) CountRecords(ctx context.Context, tableID string) (int64, error) {
	var n int64
	if err := q.queryRow(ctx, `SELECT COUNT(*) FROM record WHERE table_id = ?`, tableID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return n, nil
}

// UpdateCells merges cell values into a record. A nil value clears the cell.
func (q *Queries) UpdateCells(ctx context.Context, tableID, recordID string, cells map[string]any, now time.Time) (*core.Record, error) {
	rec, err := scanRecord(q.queryRow(ctx,
		`SELECT `+recordColumns+` FROM record WHERE table_id = ? AND id = ?`+q.lockClause(), tableID, recordID,
	).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("record %s: %w", recordID, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read record: %w", err)
	}

	for k, v := range cells {
		if v == nil {
			delete(rec.Cells, k)
			continue
		}
		rec.Cells[k] = v
	}

	doc, err := encodeJSON(rec.Cells)
	if err != nil {
		return nil, err
	}
	if _, err := q.exec(ctx,
		`UPDATE record SET cells = ?, updated_time = ? WHERE id = ?`,
		doc, toMillis(now), recordID,
	); err != nil {
		return nil, fmt.Errorf("failed to update record %s: %w", recordID, err)
	}

	// round-trip so callers see the same value types a later read returns
	if err := decodeJSON(doc, &rec.Cells); err != nil {
		return nil, err
	}
	rec.UpdatedAt = now.UTC()
	return rec, nil
}

// DeleteRecords removes records of a table and every link touching them.
func (q *Queries) DeleteRecords(ctx context.Context, tableID string, ids []string) (int64, error) {
	var total int64
	for start := 0; start < len(ids); start += referenceBatch {
		batch := stringArgs(ids[start:min(start+referenceBatch, len(ids))])
		ph := placeholders(len(batch))

		if _, err := q.exec(ctx,
			`DELETE FROM record_link WHERE from_record_id IN (`+ph+`) OR to_record_id IN (`+ph+`)`,
			append(append([]any{}, batch...), batch...)...,
		); err != nil {
			return total, fmt.Errorf("failed to delete record links: %w", err)
		}

		res, err := q.exec(ctx,
			`DELETE FROM record WHERE table_id = ? AND id IN (`+ph+`)`,
			append([]any{tableID}, batch...)...,
		)
		if err != nil {
			return total, fmt.Errorf("failed to delete records: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// --- Links ---

// AddLink links one record to another through a link field.
func (q *Queries) AddLink(ctx context.Context, linkFieldID, fromID, toID string) error {
	_, err := q.exec(ctx,
		`INSERT INTO record_link (link_field_id, from_record_id, to_record_id)
		 VALUES (?, ?, ?)
		 ON CONFLICT DO NOTHING`,
		linkFieldID, fromID, toID,
	)
	if err != nil {
		return fmt.Errorf("failed to add link: %w", err)
	}
	return nil
}

// RemoveLink removes one link.
func (q *Queries) RemoveLink(ctx context.Context, linkFieldID, fromID, toID string) error {
	_, err := q.exec(ctx,
		`DELETE FROM record_link WHERE link_field_id = ? AND from_record_id = ? AND to_record_id = ?`,
		linkFieldID, fromID, toID,
	)
	if err != nil {
		return fmt.Errorf("failed to remove link: %w", err)
	}
	return nil
}

// LinkTargets returns the linked record ids of each source record, in
// target id order.
func (q *Queries) LinkTargets(ctx context.Context, linkFieldID string, fromIDs []string) (map[string][]string, error) {
	return q.links(ctx,
		`SELECT from_record_id, to_record_id FROM record_link
		 WHERE link_field_id = ? AND from_record_id IN (%s)
		 ORDER BY from_record_id, to_record_id`,
		linkFieldID, fromIDs, false)
}

// LinkSources returns, for each target record, the records that link to it
// through linkFieldID.
func (q *Queries) LinkSources(ctx context.Context, linkFieldID string, toIDs []string) (map[string][]string, error) {
	return q.links(ctx,
		`SELECT from_record_id, to_record_id FROM record_link
		 WHERE link_field_id = ? AND to_record_id IN (%s)
		 ORDER BY to_record_id, from_record_id`,
		linkFieldID, toIDs, true)
}

// LinkStats returns the number of links of a link field and the number of
// distinct records they point to.
func (q *Queries) LinkStats(ctx context.Context, linkFieldID string) (links, targets int64, err error) {
	err = q.queryRow(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT to_record_id) FROM record_link WHERE link_field_id = ?`,
		linkFieldID,
	).Scan(&links, &targets)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read link stats: %w", err)
	}
	return links, targets, nil
}

func (q *Queries) links(ctx context.Context, queryFmt, linkFieldID string, ids []string, reverse bool) (map[string][]string, error) {
	out := make(map[string][]string)
	for start := 0; start < len(ids); start += referenceBatch {
		batch := ids[start:min(start+referenceBatch, len(ids))]
		rows, err := q.query(ctx,
			fmt.Sprintf(queryFmt, placeholders(len(batch))),
			append([]any{linkFieldID}, stringArgs(batch)...)...,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to list links: %w", err)
		}
		for rows.Next() {
			var from, to string
			if err := rows.Scan(&from, &to); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan link: %w", err)
			}
			if reverse {
				out[to] = append(out[to], from)
			} else {
				out[from] = append(out[from], to)
			}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}
