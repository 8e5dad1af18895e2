package core

// OrderPosition is the side of the anchor record new keys are placed on.
type OrderPosition string

// Order positions.
const (
	PositionBefore OrderPosition = "before"
	PositionAfter  OrderPosition = "after"
)

// Valid reports whether p is before or after.
func (p OrderPosition) Valid() bool {
	return p == PositionBefore || p == PositionAfter
}
