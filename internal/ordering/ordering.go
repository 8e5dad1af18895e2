// Package ordering allocates per-view sort keys for records inserted next
// to an anchor record.
//
// Keys are float64 values stored in the view's order column. New keys are
// placed by splitting the gap between the anchor and its neighbor. When the
// gap is too small to split at float64 precision the whole view is
// renumbered and the calculation runs again. The same happens when another
// record shares the anchor's key.
package ordering

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/leapstack-labs/fieldflow/pkg/core"
)

// DefaultMaxRebalances bounds the rebalance-and-retry loop.
const DefaultMaxRebalances = 3

// epsilon is the distance from 1.0 to the next float64.
var epsilon = math.Nextafter(1, 2) - 1

// Store is the subset of the record store the calculator reads and writes.
// *state.Queries, *state.Store and *state.Tx satisfy it.
type Store interface {
	EnsureOrderColumn(ctx context.Context, tableID, viewID string) (bool, error)
	OrderKey(ctx context.Context, tableID, viewID, recordID string) (float64, error)
	NeighborKey(ctx context.Context, tableID, viewID string, key float64, position core.OrderPosition) (float64, bool, error)
	OrderKeyCount(ctx context.Context, tableID, viewID string, key float64) (int, error)
	RebalanceOrder(ctx context.Context, tableID, viewID string) (int64, error)
}

// Config configures a Calculator.
type Config struct {
	// MaxRebalances is the number of renumbering passes attempted before
	// giving up. Zero means DefaultMaxRebalances.
	MaxRebalances int
	// Logger is the structured logger (optional, uses discard if nil)
	Logger *slog.Logger
}

// Calculator computes order keys.
type Calculator struct {
	store         Store
	maxRebalances int
	logger        *slog.Logger
}

// New creates a Calculator over store.
func New(store Store, cfg Config) *Calculator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	maxRebalances := cfg.MaxRebalances
	if maxRebalances <= 0 {
		maxRebalances = DefaultMaxRebalances
	}
	return &Calculator{store: store, maxRebalances: maxRebalances, logger: logger}
}

// CalculateOrders returns count strictly ascending keys that place new
// records directly before or after anchorID in the view, without moving any
// existing record relative to the others.
//
// A missing anchor returns an error wrapping core.ErrNotFound. Any other
// failure is a *core.OrderError.
func (c *Calculator) CalculateOrders(ctx context.Context, tableID, viewID, anchorID string, position core.OrderPosition, count int) ([]float64, error) {
	fail := func(err error) error {
		return &core.OrderError{TableID: tableID, ViewID: viewID, Err: err}
	}

	if count <= 0 {
		return nil, fail(fmt.Errorf("%w: count must be positive, got %d", core.ErrInvalidInput, count))
	}
	if !position.Valid() {
		return nil, fail(fmt.Errorf("%w: position %q", core.ErrInvalidInput, position))
	}

	if created, err := c.store.EnsureOrderColumn(ctx, tableID, viewID); err != nil {
		return nil, fail(err)
	} else if created {
		c.logger.Info("created order column", "table_id", tableID, "view_id", viewID)
	}

	for rebalances := 0; ; rebalances++ {
		keys, err := c.calculate(ctx, tableID, viewID, anchorID, position, count)
		if err != nil {
			if errors.Is(err, core.ErrNotFound) {
				return nil, err
			}
			return nil, fail(err)
		}
		if keys != nil {
			return keys, nil
		}

		if rebalances == c.maxRebalances {
			return nil, fail(fmt.Errorf("no room for %d keys after %d rebalances", count, rebalances))
		}

		n, err := c.store.RebalanceOrder(ctx, tableID, viewID)
		if err != nil {
			return nil, fail(err)
		}
		c.logger.Debug("rebalanced order column",
			"table_id", tableID, "view_id", viewID, "records", n, "pass", rebalances+1)
	}
}

// calculate returns nil keys when the gap cannot be split or when another
// record shares the anchor's key, since no gap then separates the two.
func (c *Calculator) calculate(ctx context.Context, tableID, viewID, anchorID string, position core.OrderPosition, count int) ([]float64, error) {
	anchor, err := c.store.OrderKey(ctx, tableID, viewID, anchorID)
	if err != nil {
		return nil, err
	}

	tied, err := c.store.OrderKeyCount(ctx, tableID, viewID, anchor)
	if err != nil {
		return nil, err
	}
	if tied > 1 {
		c.logger.Debug("anchor key is shared", "table_id", tableID, "view_id", viewID, "anchor_id", anchorID, "records", tied)
		return nil, nil
	}

	neighbor, ok, err := c.store.NeighborKey(ctx, tableID, viewID, anchor, position)
	if err != nil {
		return nil, err
	}
	if !ok {
		neighbor = anchor + 1
		if position == core.PositionBefore {
			neighbor = anchor - 1
		}
	}

	return Split(anchor, neighbor, count), nil
}

// Split returns count ascending keys evenly spaced strictly between a and b,
// or nil when the interval cannot hold them at float64 precision.
func Split(a, b float64, count int) []float64 {
	lo, hi := math.Min(a, b), math.Max(a, b)
	gap := (hi - lo) / float64(count+1)

	scale := math.Max(1, math.Max(math.Abs(lo), math.Abs(hi)))
	if !(gap >= 2*epsilon*scale) {
		return nil
	}

	keys := make([]float64, count)
	prev := lo
	for i := range keys {
		k := lo + gap*float64(i+1)
		if k <= prev || k >= hi {
			return nil
		}
		keys[i] = k
		prev = k
	}
	return keys
}
