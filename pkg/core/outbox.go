package core

import (
	"slices"
	"time"
)

// TaskStatus is the lifecycle state of an outbox task.
type TaskStatus string

// Task statuses.
const (
	StatusPending    TaskStatus = "pending"
	StatusProcessing TaskStatus = "processing"
	StatusDone       TaskStatus = "done"
	StatusFailed     TaskStatus = "failed"
)

// OutboxTask is the unit of durable recomputation work.
type OutboxTask struct {
	ID            string          `json:"id"`
	BaseID        string          `json:"baseId"`
	SeedTableID   string          `json:"seedTableId"`
	SeedRecordIDs []string        `json:"seedRecordIds"`
	ChangeType    ChangeType      `json:"changeType"`
	Steps         []Step          `json:"steps"`
	Edges         []ReferenceEdge `json:"edges"`

	Status      TaskStatus `json:"status"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"maxAttempts"`
	NextRunAt   time.Time  `json:"nextRunAt"`
	LockedAt    *time.Time `json:"lockedAt,omitempty"`
	LockedBy    string     `json:"lockedBy,omitempty"`
	LastError   string     `json:"lastError,omitempty"`

	EstimatedComplexity int64      `json:"estimatedComplexity"`
	PlanHash            string     `json:"planHash"`
	DirtyStats          DirtyStats `json:"dirtyStats"`

	// RunID groups the tasks of one cascading run
	RunID                   string   `json:"runId"`
	OriginRunIDs            []string `json:"originRunIds"`
	RunTotalSteps           int      `json:"runTotalSteps"`
	RunCompletedStepsBefore int      `json:"runCompletedStepsBefore"`

	AffectedTableIDs []string `json:"affectedTableIds"`
	AffectedFieldIDs []string `json:"affectedFieldIds"`
	SyncMaxLevel     int      `json:"syncMaxLevel"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CompletedStepsAfter is the run progress once this task is done.
func (t *OutboxTask) CompletedStepsAfter() int {
	return t.RunCompletedStepsBefore + len(t.Steps)
}

// DeadLetterEntry is a task that exhausted its retries or was poisoned.
type DeadLetterEntry struct {
	OutboxTask
	FailedAt  time.Time         `json:"failedAt"`
	TraceData map[string]string `json:"traceData,omitempty"`
}

// DirtyTable lists the records of one table touched by a run.
type DirtyTable struct {
	Count     int      `json:"count"`
	RecordIDs []string `json:"recordIds"`
}

// DirtyStats carries dirty record sets between sync work and deferred tasks.
type DirtyStats struct {
	Tables map[string]DirtyTable `json:"tables,omitempty"`
}

// Add marks records of a table dirty. Record ids stay sorted and unique.
func (d *DirtyStats) Add(tableID string, recordIDs ...string) {
	if len(recordIDs) == 0 {
		return
	}
	if d.Tables == nil {
		d.Tables = make(map[string]DirtyTable)
	}
	dt := d.Tables[tableID]
	ids := append(slices.Clone(dt.RecordIDs), recordIDs...)
	slices.Sort(ids)
	ids = slices.Compact(ids)
	d.Tables[tableID] = DirtyTable{Count: len(ids), RecordIDs: ids}
}

// Merge adds every dirty record of other.
func (d *DirtyStats) Merge(other DirtyStats) {
	for tableID, dt := range other.Tables {
		d.Add(tableID, dt.RecordIDs...)
	}
}

// RecordIDs returns the dirty records of a table.
func (d DirtyStats) RecordIDs(tableID string) []string {
	return d.Tables[tableID].RecordIDs
}

// Total counts dirty records across all tables.
func (d DirtyStats) Total() int {
	n := 0
	for _, dt := range d.Tables {
		n += dt.Count
	}
	return n
}

// RunProgress summarizes a cascading run across its tasks.
type RunProgress struct {
	RunID          string  `json:"runId"`
	TotalSteps     int     `json:"totalSteps"`
	CompletedSteps int     `json:"completedSteps"`
	Pending        int     `json:"pending"`
	Processing     int     `json:"processing"`
	Done           int     `json:"done"`
	DeadLettered   int     `json:"deadLettered"`
	Percent        float64 `json:"percent"`
}
