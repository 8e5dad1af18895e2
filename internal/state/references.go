package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/leapstack-labs/fieldflow/pkg/core"
)

// referenceBatch bounds the number of ids in one IN (...) list.
const referenceBatch = 500

// InsertReferences stores dependency edges. Inserting an edge that already
// exists is a no-op. Returns the number of new edges.
func (q *Queries) InsertReferences(ctx context.Context, edges []core.ReferenceEdge, now time.Time) (int, error) {
	inserted := 0
	for _, e := range edges {
		id := e.ID
		if id == "" {
			id = generateID()
		}
		res, err := q.exec(ctx,
			`INSERT INTO reference (id, from_field_id, to_field_id, created_time)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT DO NOTHING`,
			id, e.FromFieldID, e.ToFieldID, toMillis(now),
		)
		if err != nil {
			return inserted, fmt.Errorf("failed to insert reference %s -> %s: %w", e.FromFieldID, e.ToFieldID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	return inserted, nil
}

// DeleteReferencesTo removes every edge pointing at fieldID, i.e. the
// dependencies of that field. Used before re-ingesting a field definition.
func (q *Queries) DeleteReferencesTo(ctx context.Context, fieldID string) error {
	if _, err := q.exec(ctx, `DELETE FROM reference WHERE to_field_id = ?`, fieldID); err != nil {
		return fmt.Errorf("failed to delete references to %s: %w", fieldID, err)
	}
	return nil
}

// DeleteReferencesOf removes every edge touching fieldID in either direction.
func (q *Queries) DeleteReferencesOf(ctx context.Context, fieldID string) error {
	if _, err := q.exec(ctx, `DELETE FROM reference WHERE to_field_id = ? OR from_field_id = ?`, fieldID, fieldID); err != nil {
		return fmt.Errorf("failed to delete references of %s: %w", fieldID, err)
	}
	return nil
}

// ListReferencesFrom returns the outgoing edges of the given fields.
func (q *Queries) ListReferencesFrom(ctx context.Context, fieldIDs []string) ([]core.ReferenceEdge, error) {
	var edges []core.ReferenceEdge

	for start := 0; start < len(fieldIDs); start += referenceBatch {
		batch := fieldIDs[start:min(start+referenceBatch, len(fieldIDs))]
		rows, err := q.query(ctx,
			`SELECT id, from_field_id, to_field_id, created_time
			 FROM reference
			 WHERE from_field_id IN (`+placeholders(len(batch))+`)
			 ORDER BY from_field_id, to_field_id`,
			stringArgs(batch)...,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to list references: %w", err)
		}
		edges, err = scanReferences(rows, edges)
		if err != nil {
			return nil, err
		}
	}
	return edges, nil
}

// ListReferences returns every edge in the store.
func (q *Queries) ListReferences(ctx context.Context) ([]core.ReferenceEdge, error) {
	rows, err := q.query(ctx,
		`SELECT id, from_field_id, to_field_id, created_time
		 FROM reference
		 ORDER BY from_field_id, to_field_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list references: %w", err)
	}
	return scanReferences(rows, nil)
}

// ReachableReferences returns every edge reachable from the seed fields.
// The graph is expanded one frontier at a time with a visited set, so
// cycles terminate and the number of round trips equals the graph depth.
func (q *Queries) ReachableReferences(ctx context.Context, seeds []string) ([]core.ReferenceEdge, error) {
	visited := make(map[string]bool, len(seeds))
	frontier := make([]string, 0, len(seeds))
	for _, id := range seeds {
		if !visited[id] {
			visited[id] = true
			frontier = append(frontier, id)
		}
	}

	var all []core.ReferenceEdge
	for len(frontier) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		edges, err := q.ListReferencesFrom(ctx, frontier)
		if err != nil {
			return nil, err
		}

		frontier = frontier[:0]
		for _, e := range edges {
			all = append(all, e)
			if !visited[e.ToFieldID] {
				visited[e.ToFieldID] = true
				frontier = append(frontier, e.ToFieldID)
			}
		}
	}
	return all, nil
}

func scanReferences(rows *sql.Rows, edges []core.ReferenceEdge) ([]core.ReferenceEdge, error) {
	defer rows.Close()

	for rows.Next() {
		var e core.ReferenceEdge
		var created int64
		if err := rows.Scan(&e.ID, &e.FromFieldID, &e.ToFieldID, &created); err != nil {
			return nil, fmt.Errorf("failed to scan reference: %w", err)
		}
		e.CreatedAt = fromMillis(created)
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate references: %w", err)
	}
	return edges, nil
}
