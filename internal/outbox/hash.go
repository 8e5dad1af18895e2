package outbox

import (
	"cmp"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"

	"github.com/leapstack-labs/fieldflow/pkg/core"
)

// Hash domains. The version suffix allows changing the canonical form
// without colliding with hashes already stored.
const (
	domainPlan  = "fieldflow/plan/v1"
	domainChunk = "fieldflow/plan-chunk/v1"
)

// hashWithDomain computes SHA256(domain || 0x00 || data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

type canonicalPlan struct {
	SeedTableID   string      `json:"seed_table_id"`
	SeedRecordIDs []string    `json:"seed_record_ids"`
	Steps         []core.Step `json:"steps"`
}

// PlanHash identifies a plan by its seed and its steps. Two mutations of the
// same records that trigger the same recomputation hash equal, whatever
// order their ids and steps arrived in.
func PlanHash(plan *core.Plan) (string, error) {
	c := canonicalPlan{
		SeedTableID:   plan.SeedTableID,
		SeedRecordIDs: slices.Sorted(slices.Values(plan.SeedRecordIDs)),
		Steps:         make([]core.Step, len(plan.Steps)),
	}
	if c.SeedRecordIDs == nil {
		c.SeedRecordIDs = []string{}
	}
	for i, s := range plan.Steps {
		s.SourceFieldIDs = slices.Sorted(slices.Values(s.SourceFieldIDs))
		c.Steps[i] = s
	}
	slices.SortFunc(c.Steps, func(a, b core.Step) int {
		return cmp.Or(
			cmp.Compare(a.Level, b.Level),
			cmp.Compare(a.TableID, b.TableID),
			cmp.Compare(a.FieldID, b.FieldID),
		)
	})

	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to encode plan for hashing: %w", err)
	}
	return hashWithDomain(domainPlan, data), nil
}

// chunkHash identifies chunk k > 0 of a run. The run id keeps parked
// chunks of two runs of the same plan apart.
func chunkHash(planHash, runID string, k int) string {
	return hashWithDomain(domainChunk, []byte(planHash+"\x00"+runID+"\x00"+strconv.Itoa(k)))
}
