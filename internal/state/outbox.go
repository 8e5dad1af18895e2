package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/leapstack-labs/fieldflow/pkg/core"
)

// ParkedAt is the next_run_at of a chunk waiting for its predecessor.
// Such tasks never become claimable through the clock.
const ParkedAt int64 = math.MaxInt64

const taskColumns = `id, base_id, seed_table_id, seed_record_ids, change_type, steps, edges,
	status, attempts, max_attempts, next_run_at, locked_at, locked_by, last_error,
	estimated_complexity, plan_hash, dirty_stats, run_id, origin_run_ids,
	run_total_steps, run_completed_steps_before, affected_table_ids, affected_field_ids,
	sync_max_level, created_at, updated_at`

const deadLetterColumns = `id, base_id, seed_table_id, seed_record_ids, change_type, steps, edges,
	status, attempts, max_attempts, locked_at, locked_by, last_error,
	estimated_complexity, plan_hash, dirty_stats, run_id, origin_run_ids,
	run_total_steps, run_completed_steps_before, affected_table_ids, affected_field_ids,
	sync_max_level, created_at, updated_at, trace_data, failed_at`

// eligible is the claim predicate: due pending tasks, or processing tasks
// whose lock expired. Parameters: now, lock expiry cutoff.
const eligible = `((status = 'pending' AND next_run_at <= ?)
	OR (status = 'processing' AND locked_at <= ?))`

// InsertTask stores a new pending task. When a pending task with the same
// base and plan hash already exists nothing is written and inserted is false.
func (q *Queries) InsertTask(ctx context.Context, t *core.OutboxTask) (inserted bool, err error) {
	cols, err := jsonColumns(
		nonNil(t.SeedRecordIDs), nonNil(t.Steps), nonNil(t.Edges), t.DirtyStats,
		nonNil(t.OriginRunIDs), nonNil(t.AffectedTableIDs), nonNil(t.AffectedFieldIDs),
	)
	if err != nil {
		return false, err
	}

	nextRun := toMillis(t.NextRunAt)
	if t.NextRunAt.IsZero() {
		nextRun = ParkedAt
	}

	res, err := q.exec(ctx,
		`INSERT INTO computed_update_outbox (`+taskColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT DO NOTHING`,
		t.ID, t.BaseID, t.SeedTableID, cols[0], string(t.ChangeType), cols[1], cols[2],
		string(core.StatusPending), t.Attempts, t.MaxAttempts, nextRun, nullMillis(t.LockedAt),
		nullString(t.LockedBy), nullString(t.LastError),
		t.EstimatedComplexity, t.PlanHash, cols[3], t.RunID, cols[4],
		t.RunTotalSteps, t.RunCompletedStepsBefore, cols[5], cols[6],
		t.SyncMaxLevel, toMillis(t.CreatedAt), toMillis(t.UpdatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to insert task: %w", err)
	}
	return n > 0, nil
}

// FindPendingTask returns the id of the pending task with the given plan
// hash in a base, or core.ErrNotFound.
func (q *Queries) FindPendingTask(ctx context.Context, baseID, planHash string) (string, error) {
	var id string
	err := q.queryRow(ctx,
		`SELECT id FROM computed_update_outbox
		 WHERE base_id = ? AND plan_hash = ? AND status = 'pending'`,
		baseID, planHash,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", core.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to find pending task: %w", err)
	}
	return id, nil
}

// ClaimTask atomically locks the oldest eligible task for workerID.
// Returns nil when nothing is claimable.
//
// The claim is one conditional UPDATE; the eligibility predicate is repeated
// on the outer statement so a task claimed by a racing worker between the
// subquery and the update is skipped rather than stolen. Reclaiming an
// expired lock counts as an attempt.
func (q *Queries) ClaimTask(ctx context.Context, workerID string, now time.Time, lockTimeout time.Duration) (*core.OutboxTask, error) {
	nowMs := toMillis(now)
	expiry := toMillis(now.Add(-lockTimeout))

	skipLocked := ""
	if q.dialect == DialectPostgres {
		skipLocked = " FOR UPDATE SKIP LOCKED"
	}

	row := q.queryRow(ctx,
		`UPDATE computed_update_outbox
		 SET status = 'processing',
		     attempts = attempts + CASE WHEN status = 'processing' THEN 1 ELSE 0 END,
		     locked_by = ?,
		     locked_at = ?,
		     updated_at = ?
		 WHERE id = (
		     SELECT id FROM computed_update_outbox
		     WHERE `+eligible+`
		     ORDER BY created_at, id
		     LIMIT 1`+skipLocked+`
		 )
		 AND `+eligible+`
		 RETURNING `+taskColumns,
		workerID, nowMs, nowMs,
		nowMs, expiry,
		nowMs, expiry,
	)

	task, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim task: %w", err)
	}
	return task, nil
}

// CompleteTask marks a claimed task done. Returns core.ErrLockLost when the
// task is no longer held by workerID.
func (q *Queries) CompleteTask(ctx context.Context, id, workerID string, dirty core.DirtyStats, now time.Time) error {
	doc, err := encodeJSON(dirty)
	if err != nil {
		return err
	}
	res, err := q.exec(ctx,
		`UPDATE computed_update_outbox
		 SET status = 'done', locked_at = NULL, dirty_stats = ?, last_error = NULL, updated_at = ?
		 WHERE id = ? AND status = 'processing' AND locked_by = ?`,
		doc, toMillis(now), id, workerID,
	)
	if err != nil {
		return fmt.Errorf("failed to complete task: %w", err)
	}
	return expectOne(res, id)
}

// RescheduleTask records a failed attempt and makes the task pending again
// at nextRunAt.
func (q *Queries) RescheduleTask(ctx context.Context, id, workerID string, attempts int, lastError string, nextRunAt, now time.Time) error {
	res, err := q.exec(ctx,
		`UPDATE computed_update_outbox
		 SET status = 'pending', attempts = ?, last_error = ?, next_run_at = ?,
		     locked_by = NULL, locked_at = NULL, updated_at = ?
		 WHERE id = ? AND status = 'processing' AND locked_by = ?`,
		attempts, lastError, toMillis(nextRunAt), toMillis(now), id, workerID,
	)
	if err != nil {
		return fmt.Errorf("failed to reschedule task: %w", err)
	}
	return expectOne(res, id)
}

// ReleaseSuccessor makes the parked chunk that follows a finished chunk
// claimable and hands it the dirty record set. Returns false when the run
// has no further chunk.
func (q *Queries) ReleaseSuccessor(ctx context.Context, runID string, completedBefore int, dirty core.DirtyStats, now time.Time) (bool, error) {
	doc, err := encodeJSON(dirty)
	if err != nil {
		return false, err
	}
	res, err := q.exec(ctx,
		`UPDATE computed_update_outbox
		 SET next_run_at = ?, dirty_stats = ?, updated_at = ?
		 WHERE run_id = ? AND run_completed_steps_before = ?
		   AND status = 'pending' AND next_run_at = ?`,
		toMillis(now), doc, toMillis(now), runID, completedBefore, ParkedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to release successor: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to release successor: %w", err)
	}
	return n > 0, nil
}

// ParkedSuccessors lists the parked chunks of a run that come after the
// given progress point.
func (q *Queries) ParkedSuccessors(ctx context.Context, runID string, completedBefore int) ([]core.OutboxTask, error) {
	return q.listTasks(ctx,
		`SELECT `+taskColumns+` FROM computed_update_outbox
		 WHERE run_id = ? AND run_completed_steps_before > ?
		   AND status = 'pending' AND next_run_at = ?
		 ORDER BY run_completed_steps_before`,
		runID, completedBefore, ParkedAt)
}

// MoveToDeadLetter copies a task into the dead-letter table and removes it
// from the outbox. When lockedBy is set the delete only succeeds while the
// task is still held by that worker; otherwise core.ErrLockLost is returned
// and the caller must roll back.
func (q *Queries) MoveToDeadLetter(ctx context.Context, entry *core.DeadLetterEntry, lockedBy string) error {
	t := &entry.OutboxTask
	cols, err := jsonColumns(
		nonNil(t.SeedRecordIDs), nonNil(t.Steps), nonNil(t.Edges), t.DirtyStats,
		nonNil(t.OriginRunIDs), nonNil(t.AffectedTableIDs), nonNil(t.AffectedFieldIDs),
	)
	if err != nil {
		return err
	}
	var trace sql.NullString
	if len(entry.TraceData) > 0 {
		doc, err := encodeJSON(entry.TraceData)
		if err != nil {
			return err
		}
		trace = sql.NullString{String: doc, Valid: true}
	}

	if _, err := q.exec(ctx,
		`INSERT INTO computed_update_dead_letter (`+deadLetterColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.BaseID, t.SeedTableID, cols[0], string(t.ChangeType), cols[1], cols[2],
		string(core.StatusFailed), t.Attempts, t.MaxAttempts, nullMillis(t.LockedAt),
		nullString(t.LockedBy), nullString(t.LastError),
		t.EstimatedComplexity, t.PlanHash, cols[3], t.RunID, cols[4],
		t.RunTotalSteps, t.RunCompletedStepsBefore, cols[5], cols[6],
		t.SyncMaxLevel, toMillis(t.CreatedAt), toMillis(entry.FailedAt), trace, toMillis(entry.FailedAt),
	); err != nil {
		return fmt.Errorf("failed to insert dead letter: %w", err)
	}

	query := `DELETE FROM computed_update_outbox WHERE id = ?`
	args := []any{t.ID}
	if lockedBy != "" {
		query += ` AND status = 'processing' AND locked_by = ?`
		args = append(args, lockedBy)
	}
	res, err := q.exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to remove dead-lettered task: %w", err)
	}
	return expectOne(res, t.ID)
}

// GetTask retrieves an outbox task by id.
func (q *Queries) GetTask(ctx context.Context, id string) (*core.OutboxTask, error) {
	task, err := scanTask(q.queryRow(ctx,
		`SELECT `+taskColumns+` FROM computed_update_outbox WHERE id = ?`, id,
	).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return task, nil
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	Status core.TaskStatus
	RunID  string
	Limit  int
}

// ListTasks returns outbox tasks oldest first.
func (q *Queries) ListTasks(ctx context.Context, f TaskFilter) ([]core.OutboxTask, error) {
	query := `SELECT ` + taskColumns + ` FROM computed_update_outbox WHERE 1 = 1`
	var args []any
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.RunID != "" {
		query += ` AND run_id = ?`
		args = append(args, f.RunID)
	}
	query += ` ORDER BY created_at, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return q.listTasks(ctx, query, args...)
}

// CountTasksByStatus returns the number of outbox tasks per status.
func (q *Queries) CountTasksByStatus(ctx context.Context) (map[core.TaskStatus]int, error) {
	rows, err := q.query(ctx, `SELECT status, COUNT(*) FROM computed_update_outbox GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[core.TaskStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan task count: %w", err)
		}
		counts[core.TaskStatus(status)] = n
	}
	return counts, rows.Err()
}

// RunProgress aggregates every task of a run, including dead letters.
func (q *Queries) RunProgress(ctx context.Context, runID string) (*core.RunProgress, error) {
	tasks, err := q.ListTasks(ctx, TaskFilter{RunID: runID})
	if err != nil {
		return nil, err
	}

	var deadTotal, deadCount int
	err = q.queryRow(ctx,
		`SELECT COUNT(*), COALESCE(MAX(run_total_steps), 0)
		 FROM computed_update_dead_letter WHERE run_id = ?`, runID,
	).Scan(&deadCount, &deadTotal)
	if err != nil {
		return nil, fmt.Errorf("failed to count dead letters: %w", err)
	}

	if len(tasks) == 0 && deadCount == 0 {
		return nil, fmt.Errorf("run %s: %w", runID, core.ErrNotFound)
	}

	p := &core.RunProgress{RunID: runID, DeadLettered: deadCount, TotalSteps: deadTotal}
	for i := range tasks {
		t := &tasks[i]
		p.TotalSteps = max(p.TotalSteps, t.RunTotalSteps)
		switch t.Status {
		case core.StatusPending:
			p.Pending++
		case core.StatusProcessing:
			p.Processing++
		case core.StatusDone:
			p.Done++
			p.CompletedSteps = max(p.CompletedSteps, t.CompletedStepsAfter())
		}
	}
	if p.TotalSteps > 0 {
		p.Percent = math.Round(float64(p.CompletedSteps)/float64(p.TotalSteps)*10000) / 100
	}
	return p, nil
}

// --- Dead letters ---

// ListDeadLetters returns dead letters newest first.
func (q *Queries) ListDeadLetters(ctx context.Context, limit, offset int) ([]core.DeadLetterEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.query(ctx,
		`SELECT `+deadLetterColumns+` FROM computed_update_dead_letter
		 ORDER BY failed_at DESC, id
		 LIMIT ? OFFSET ?`, limit, max(offset, 0))
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var out []core.DeadLetterEntry
	for rows.Next() {
		entry, err := scanDeadLetter(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		out = append(out, *entry)
	}
	return out, rows.Err()
}

// GetDeadLetter retrieves one dead letter.
func (q *Queries) GetDeadLetter(ctx context.Context, id string) (*core.DeadLetterEntry, error) {
	entry, err := scanDeadLetter(q.queryRow(ctx,
		`SELECT `+deadLetterColumns+` FROM computed_update_dead_letter WHERE id = ?`, id,
	).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("dead letter %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dead letter: %w", err)
	}
	return entry, nil
}

// DeleteDeadLetter removes one dead letter.
func (q *Queries) DeleteDeadLetter(ctx context.Context, id string) error {
	res, err := q.exec(ctx, `DELETE FROM computed_update_dead_letter WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete dead letter: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("dead letter %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("dead letter %s: %w", id, core.ErrNotFound)
	}
	return nil
}

// RunDeadLetters returns the dead letters of a run in chunk order.
func (q *Queries) RunDeadLetters(ctx context.Context, runID string) ([]core.DeadLetterEntry, error) {
	rows, err := q.query(ctx,
		`SELECT `+deadLetterColumns+` FROM computed_update_dead_letter
		 WHERE run_id = ?
		 ORDER BY run_completed_steps_before, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list run dead letters: %w", err)
	}
	defer rows.Close()

	var out []core.DeadLetterEntry
	for rows.Next() {
		entry, err := scanDeadLetter(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		out = append(out, *entry)
	}
	return out, rows.Err()
}

// --- Retention ---

// PurgeDoneTasks deletes done tasks last updated before cutoff.
func (q *Queries) PurgeDoneTasks(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := q.exec(ctx,
		`DELETE FROM computed_update_outbox WHERE status = 'done' AND updated_at < ?`, toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to purge done tasks: %w", err)
	}
	return res.RowsAffected()
}

// PurgeDeadLetters deletes dead letters that failed before cutoff.
func (q *Queries) PurgeDeadLetters(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := q.exec(ctx,
		`DELETE FROM computed_update_dead_letter WHERE failed_at < ?`, toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to purge dead letters: %w", err)
	}
	return res.RowsAffected()
}

// --- scanning ---

func (q *Queries) listTasks(ctx context.Context, query string, args ...any) ([]core.OutboxTask, error) {
	rows, err := q.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var out []core.OutboxTask
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

type taskRow struct {
	seedRecords, steps, edges, dirty, origins, tables, fields string
	changeType, status                                       string
	lockedAt                                                  sql.NullInt64
	lockedBy, lastError                                       sql.NullString
	created, updated                                          int64
}

func (r *taskRow) decode(t *core.OutboxTask) error {
	t.ChangeType = core.ChangeType(r.changeType)
	t.Status = core.TaskStatus(r.status)
	if r.lockedAt.Valid {
		at := fromMillis(r.lockedAt.Int64)
		t.LockedAt = &at
	}
	t.LockedBy = r.lockedBy.String
	t.LastError = r.lastError.String
	t.CreatedAt = fromMillis(r.created)
	t.UpdatedAt = fromMillis(r.updated)

	for _, c := range []struct {
		src string
		dst any
	}{
		{r.seedRecords, &t.SeedRecordIDs},
		{r.steps, &t.Steps},
		{r.edges, &t.Edges},
		{r.dirty, &t.DirtyStats},
		{r.origins, &t.OriginRunIDs},
		{r.tables, &t.AffectedTableIDs},
		{r.fields, &t.AffectedFieldIDs},
	} {
		if err := decodeJSON(c.src, c.dst); err != nil {
			return err
		}
	}
	return nil
}

func scanTask(scan func(dest ...any) error) (*core.OutboxTask, error) {
	t := &core.OutboxTask{}
	var r taskRow
	var nextRun int64
	err := scan(
		&t.ID, &t.BaseID, &t.SeedTableID, &r.seedRecords, &r.changeType, &r.steps, &r.edges,
		&r.status, &t.Attempts, &t.MaxAttempts, &nextRun, &r.lockedAt, &r.lockedBy, &r.lastError,
		&t.EstimatedComplexity, &t.PlanHash, &r.dirty, &t.RunID, &r.origins,
		&t.RunTotalSteps, &t.RunCompletedStepsBefore, &r.tables, &r.fields,
		&t.SyncMaxLevel, &r.created, &r.updated,
	)
	if err != nil {
		return nil, err
	}
	if err := r.decode(t); err != nil {
		return nil, err
	}
	if nextRun != ParkedAt {
		t.NextRunAt = fromMillis(nextRun)
	}
	return t, nil
}

func scanDeadLetter(scan func(dest ...any) error) (*core.DeadLetterEntry, error) {
	e := &core.DeadLetterEntry{}
	t := &e.OutboxTask
	var r taskRow
	var trace sql.NullString
	var failed int64
	err := scan(
		&t.ID, &t.BaseID, &t.SeedTableID, &r.seedRecords, &r.changeType, &r.steps, &r.edges,
		&r.status, &t.Attempts, &t.MaxAttempts, &r.lockedAt, &r.lockedBy, &r.lastError,
		&t.EstimatedComplexity, &t.PlanHash, &r.dirty, &t.RunID, &r.origins,
		&t.RunTotalSteps, &t.RunCompletedStepsBefore, &r.tables, &r.fields,
		&t.SyncMaxLevel, &r.created, &r.updated, &trace, &failed,
	)
	if err != nil {
		return nil, err
	}
	if err := r.decode(t); err != nil {
		return nil, err
	}
	e.FailedAt = fromMillis(failed)
	if trace.Valid {
		if err := decodeJSON(trace.String, &e.TraceData); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func expectOne(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("task %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", id, core.ErrLockLost)
	}
	return nil
}
