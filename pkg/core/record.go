package core

import "time"

// Table is a user table. Tables belong to a base, the unit of tenancy for
// queue deduplication.
type Table struct {
	ID     string `json:"id"`
	BaseID string `json:"baseId"`
	Name   string `json:"name"`
}

// Record is one row of a table. Cells are keyed by field id.
type Record struct {
	ID         string         `json:"id"`
	TableID    string         `json:"tableId"`
	AutoNumber int64          `json:"autoNumber"`
	Cells      map[string]any `json:"cells"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// Cell returns the value of a field, or nil when unset.
func (r *Record) Cell(fieldID string) any {
	if r == nil || r.Cells == nil {
		return nil
	}
	return r.Cells[fieldID]
}
