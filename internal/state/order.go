package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/leapstack-labs/fieldflow/pkg/core"
)

var viewIDPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// OrderColumnName derives the per-view order column name from a view id.
// Only letters, digits and underscores are allowed so the name can be
// interpolated into DDL.
func OrderColumnName(viewID string) (string, error) {
	if viewID == "" || len(viewID) > 48 || !viewIDPattern.MatchString(viewID) {
		return "", fmt.Errorf("%w: %q", core.ErrInvalidViewID, viewID)
	}
	return "__order_" + viewID, nil
}

func quoteIdent(name string) string {
	return `"` + name + `"`
}

// OrderColumnExists reports whether the order column of a view exists.
func (q *Queries) OrderColumnExists(ctx context.Context, viewID string) (bool, error) {
	col, err := OrderColumnName(viewID)
	if err != nil {
		return false, err
	}

	query := `SELECT COUNT(*) FROM pragma_table_info('record') WHERE name = ?`
	if q.dialect == DialectPostgres {
		query = `SELECT COUNT(*) FROM information_schema.columns
		         WHERE table_schema = current_schema() AND table_name = 'record' AND column_name = ?`
	}

	var n int
	if err := q.queryRow(ctx, query, col).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to inspect order column: %w", err)
	}
	return n > 0, nil
}

// EnsureOrderColumn creates the order column of a view if needed, indexes
// it, and backfills rows of the table that have no key yet from their auto
// number. Safe to run repeatedly and from concurrent callers.
func (q *Queries) EnsureOrderColumn(ctx context.Context, tableID, viewID string) (created bool, err error) {
	col, err := OrderColumnName(viewID)
	if err != nil {
		return false, err
	}

	exists, err := q.OrderColumnExists(ctx, viewID)
	if err != nil {
		return false, err
	}

	if !exists {
		ddl := `ALTER TABLE record ADD COLUMN ` + quoteIdent(col) + ` DOUBLE PRECISION`
		if q.dialect == DialectPostgres {
			ddl = `ALTER TABLE record ADD COLUMN IF NOT EXISTS ` + quoteIdent(col) + ` DOUBLE PRECISION`
		}
		if _, err := q.exec(ctx, ddl); err != nil && !isDuplicateColumn(err) {
			return false, fmt.Errorf("failed to add order column %s: %w", col, err)
		}
		created = true
	}

	if _, err := q.exec(ctx,
		`CREATE INDEX IF NOT EXISTS `+quoteIdent("idx_record"+col)+` ON record (table_id, `+quoteIdent(col)+`)`,
	); err != nil {
		return created, fmt.Errorf("failed to index order column %s: %w", col, err)
	}

	if _, err := q.exec(ctx,
		`UPDATE record SET `+quoteIdent(col)+` = auto_number
		 WHERE table_id = ? AND `+quoteIdent(col)+` IS NULL`,
		tableID,
	); err != nil {
		return created, fmt.Errorf("failed to backfill order column %s: %w", col, err)
	}
	return created, nil
}

// isDuplicateColumn recognizes the error a concurrent column creation
// raises in SQLite.
func isDuplicateColumn(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate column")
}

// OrderKey returns a record's key in a view, or core.ErrNotFound.
func (q *Queries) OrderKey(ctx context.Context, tableID, viewID, recordID string) (float64, error) {
	col, err := OrderColumnName(viewID)
	if err != nil {
		return 0, err
	}

	var key sql.NullFloat64
	err = q.queryRow(ctx,
		`SELECT `+quoteIdent(col)+` FROM record WHERE table_id = ? AND id = ?`,
		tableID, recordID,
	).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("record %s: %w", recordID, core.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read order key: %w", err)
	}
	if !key.Valid {
		return 0, fmt.Errorf("record %s has no order key in view %s", recordID, viewID)
	}
	return key.Float64, nil
}

// NeighborKey returns the closest key strictly after (or before) the given
// key. ok is false when the key is at the edge of the view.
func (q *Queries) NeighborKey(ctx context.Context, tableID, viewID string, key float64, position core.OrderPosition) (neighbor float64, ok bool, err error) {
	col, err := OrderColumnName(viewID)
	if err != nil {
		return 0, false, err
	}

	agg, cmp := "MIN", ">"
	if position == core.PositionBefore {
		agg, cmp = "MAX", "<"
	}

	var n sql.NullFloat64
	err = q.queryRow(ctx,
		`SELECT `+agg+`(`+quoteIdent(col)+`) FROM record
		 WHERE table_id = ? AND `+quoteIdent(col)+` `+cmp+` ?`,
		tableID, key,
	).Scan(&n)
	if err != nil {
		return 0, false, fmt.Errorf("failed to read neighbor key: %w", err)
	}
	return n.Float64, n.Valid, nil
}

// OrderKeyCount returns the number of records of the table holding exactly
// key in a view.
func (q *Queries) OrderKeyCount(ctx context.Context, tableID, viewID string, key float64) (int, error) {
	col, err := OrderColumnName(viewID)
	if err != nil {
		return 0, err
	}

	var n int
	err = q.queryRow(ctx,
		`SELECT COUNT(*) FROM record WHERE table_id = ? AND `+quoteIdent(col)+` = ?`,
		tableID, key,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count order key: %w", err)
	}
	return n, nil
}

// RebalanceOrder renumbers every record of the table in a view to
// consecutive integers starting at 1, keeping the current order. Ties are
// broken by auto number. Returns the number of renumbered records.
func (q *Queries) RebalanceOrder(ctx context.Context, tableID, viewID string) (int64, error) {
	col, err := OrderColumnName(viewID)
	if err != nil {
		return 0, err
	}
	c := quoteIdent(col)

	res, err := q.exec(ctx,
		`UPDATE record SET `+c+` = ranked.rn
		 FROM (
		     SELECT id, ROW_NUMBER() OVER (ORDER BY `+c+`, auto_number) AS rn
		     FROM record WHERE table_id = ?
		 ) AS ranked
		 WHERE record.id = ranked.id`,
		tableID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to rebalance order column %s: %w", col, err)
	}
	return res.RowsAffected()
}

// SetOrderKey assigns a record's key in a view.
func (q *Queries) SetOrderKey(ctx context.Context, tableID, viewID, recordID string, key float64) error {
	col, err := OrderColumnName(viewID)
	if err != nil {
		return err
	}
	res, err := q.exec(ctx,
		`UPDATE record SET `+quoteIdent(col)+` = ? WHERE table_id = ? AND id = ?`,
		key, tableID, recordID,
	)
	if err != nil {
		return fmt.Errorf("failed to set order key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("record %s: %w", recordID, err)
	}
	if n == 0 {
		return fmt.Errorf("record %s: %w", recordID, core.ErrNotFound)
	}
	return nil
}

// OrderedRecordIDs lists the records of a table in view order.
func (q *Queries) OrderedRecordIDs(ctx context.Context, tableID, viewID string) ([]string, []float64, error) {
	col, err := OrderColumnName(viewID)
	if err != nil {
		return nil, nil, err
	}
	rows, err := q.query(ctx,
		`SELECT id, `+quoteIdent(col)+` FROM record
		 WHERE table_id = ? AND `+quoteIdent(col)+` IS NOT NULL
		 ORDER BY `+quoteIdent(col)+`, auto_number`,
		tableID,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list view order: %w", err)
	}
	defer rows.Close()

	var ids []string
	var keys []float64
	for rows.Next() {
		var id string
		var key float64
		if err := rows.Scan(&id, &key); err != nil {
			return nil, nil, fmt.Errorf("failed to scan view order: %w", err)
		}
		ids = append(ids, id)
		keys = append(keys, key)
	}
	return ids, keys, rows.Err()
}
