package core

import "time"

// ReferenceEdge records that ToFieldID's value depends on FromFieldID.
// Edges are directional and may form cycles. At most one edge exists per
// ordered pair.
type ReferenceEdge struct {
	ID          string    `json:"id"`
	FromFieldID string    `json:"fromFieldId"`
	ToFieldID   string    `json:"toFieldId"`
	CreatedAt   time.Time `json:"createdAt"`
}
