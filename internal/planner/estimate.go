package planner

import (
	"context"
	"fmt"
	"math"

	"github.com/leapstack-labs/fieldflow/pkg/core"
)

// Estimator predicts how many records a step will touch.
type Estimator interface {
	// TableSize returns the number of records in a table.
	TableSize(ctx context.Context, tableID string) (int64, error)
	// EstimateLinked returns how many records link to foreignCount records
	// of the foreign table through linkFieldID.
	EstimateLinked(ctx context.Context, linkFieldID string, foreignCount int64) (int64, error)
}

// StatsSource is what StoreEstimator reads. *state.Queries satisfies it.
type StatsSource interface {
	CountRecords(ctx context.Context, tableID string) (int64, error)
	LinkStats(ctx context.Context, linkFieldID string) (links, targets int64, err error)
}

// StoreEstimator estimates from live row and link counts.
type StoreEstimator struct {
	Stats StatsSource
}

// TableSize implements Estimator.
func (e StoreEstimator) TableSize(ctx context.Context, tableID string) (int64, error) {
	return e.Stats.CountRecords(ctx, tableID)
}

// EstimateLinked implements Estimator using the average fan-in of the link.
func (e StoreEstimator) EstimateLinked(ctx context.Context, linkFieldID string, foreignCount int64) (int64, error) {
	if foreignCount == 0 || linkFieldID == "" {
		return 0, nil
	}
	links, targets, err := e.Stats.LinkStats(ctx, linkFieldID)
	if err != nil {
		return 0, err
	}
	if targets == 0 {
		return 0, nil
	}
	fanIn := float64(links) / float64(targets)
	return int64(math.Ceil(fanIn * float64(foreignCount))), nil
}

// estimate sums the expected record count of every step, following how
// dirty sets grow from level to level.
func (p *Planner) estimate(ctx context.Context, plan *core.Plan) (int64, error) {
	seedCount := int64(len(plan.SeedRecordIDs))

	if p.estimator == nil {
		return seedCount * int64(len(plan.Steps)), nil
	}

	sizes := make(map[string]int64)
	size := func(tableID string) (int64, error) {
		if n, ok := sizes[tableID]; ok {
			return n, nil
		}
		n, err := p.estimator.TableSize(ctx, tableID)
		if err != nil {
			return 0, fmt.Errorf("failed to estimate table %s: %w", tableID, err)
		}
		sizes[tableID] = n
		return n, nil
	}

	dirty := map[string]int64{plan.SeedTableID: seedCount}
	if seedCount == 0 {
		n, err := size(plan.SeedTableID)
		if err != nil {
			return 0, err
		}
		dirty[plan.SeedTableID] = n
	}

	var total int64
	for _, step := range plan.Steps {
		var est int64
		switch step.Scope {
		case core.ScopeTable:
			n, err := size(step.TableID)
			if err != nil {
				return 0, err
			}
			est = n
		case core.ScopeLinked:
			linked, err := p.estimator.EstimateLinked(ctx, step.LinkFieldID, dirty[step.ForeignTableID])
			if err != nil {
				return 0, fmt.Errorf("failed to estimate link %s: %w", step.LinkFieldID, err)
			}
			est = dirty[step.TableID] + linked
		default:
			est = dirty[step.TableID]
		}

		n, err := size(step.TableID)
		if err != nil {
			return 0, err
		}
		est = min(est, n)

		dirty[step.TableID] = max(dirty[step.TableID], est)
		total += est
	}
	return total, nil
}
