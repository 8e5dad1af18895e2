package state_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/fieldflow/internal/state"
	"github.com/leapstack-labs/fieldflow/internal/state/statetest"
	"github.com/leapstack-labs/fieldflow/internal/testutil"
	"github.com/leapstack-labs/fieldflow/pkg/core"
)

func TestMigrate_CreatesTables(t *testing.T) {
	ctx := context.Background()
	store := statetest.Open(t)

	tables := []string{
		"base_table", "field", "record", "record_link",
		"reference", "computed_update_outbox", "computed_update_dead_letter",
	}
	for _, table := range tables {
		rows, err := store.DB().QueryContext(ctx, "SELECT 1 FROM "+table+" LIMIT 1")
		if assert.NoError(t, err, "table %s should exist", table) {
			rows.Close()
		}
	}

	version, err := store.MigrationVersion(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, version)

	// running again is a no-op
	require.NoError(t, store.Migrate(ctx))
}

func TestParseDialect(t *testing.T) {
	tests := []struct {
		driver  string
		want    state.Dialect
		wantErr bool
	}{
		{driver: "sqlite", want: state.DialectSQLite},
		{driver: "", want: state.DialectSQLite},
		{driver: "pgx", want: state.DialectPostgres},
		{driver: "Postgres", want: state.DialectPostgres},
		{driver: "mysql", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.driver, func(t *testing.T) {
			got, err := state.ParseDialect(tt.driver)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReferences(t *testing.T) {
	ctx := context.Background()
	store := statetest.Open(t)

	edges := []core.ReferenceEdge{
		{FromFieldID: "a", ToFieldID: "b"},
		{FromFieldID: "b", ToFieldID: "c"},
		{FromFieldID: "c", ToFieldID: "b"},
		{FromFieldID: "x", ToFieldID: "y"},
	}
	n, err := store.InsertReferences(ctx, edges, t0)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	n, err = store.InsertReferences(ctx, edges[:2], t0)
	require.NoError(t, err)
	assert.Zero(t, n, "insert is idempotent per ordered pair")

	reachable, err := store.ReachableReferences(ctx, []string{"a"})
	require.NoError(t, err)
	var pairs [][2]string
	for _, e := range reachable {
		pairs = append(pairs, [2]string{e.FromFieldID, e.ToFieldID})
		assert.NotEmpty(t, e.ID)
		assert.True(t, e.CreatedAt.Equal(t0))
	}
	assert.ElementsMatch(t, [][2]string{{"a", "b"}, {"b", "c"}, {"c", "b"}}, pairs)

	require.NoError(t, store.DeleteReferencesTo(ctx, "b"))
	from, err := store.ListReferencesFrom(ctx, []string{"a", "c"})
	require.NoError(t, err)
	assert.Empty(t, from)

	all, err := store.ListReferences(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestRecordsAndLinks(t *testing.T) {
	ctx := context.Background()
	store := statetest.Open(t)

	require.NoError(t, store.CreateTable(ctx, core.Table{ID: "tbl1", BaseID: "bse1", Name: "One"}, t0))
	table, err := store.GetTable(ctx, "tbl1")
	require.NoError(t, err)
	assert.Equal(t, "bse1", table.BaseID)

	_, err = store.GetTable(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)

	r1 := &core.Record{ID: "rec1", TableID: "tbl1", Cells: map[string]any{"fldA": 10}}
	r2 := &core.Record{ID: "rec2", TableID: "tbl1"}
	require.NoError(t, store.InsertRecord(ctx, r1, t0))
	require.NoError(t, store.InsertRecord(ctx, r2, t0))
	assert.EqualValues(t, 1, r1.AutoNumber)
	assert.EqualValues(t, 2, r2.AutoNumber)

	updated, err := store.UpdateCells(ctx, "tbl1", "rec1", map[string]any{"fldA": nil, "fldB": "x"}, t0.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"fldB": "x"}, updated.Cells)

	got, err := store.GetRecord(ctx, "tbl1", "rec1")
	require.NoError(t, err)
	assert.Equal(t, "x", got.Cell("fldB"))
	assert.True(t, got.UpdatedAt.Equal(t0.Add(time.Second)))

	_, err = store.UpdateCells(ctx, "tbl1", "nope", map[string]any{"fldB": 1}, t0)
	assert.ErrorIs(t, err, core.ErrNotFound)

	require.NoError(t, store.AddLink(ctx, "fldLink", "rec1", "other1"))
	require.NoError(t, store.AddLink(ctx, "fldLink", "rec1", "other2"))
	require.NoError(t, store.AddLink(ctx, "fldLink", "rec2", "other1"))
	require.NoError(t, store.AddLink(ctx, "fldLink", "rec2", "other1"))

	targets, err := store.LinkTargets(ctx, "fldLink", []string{"rec1", "rec2"})
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"rec1": {"other1", "other2"}, "rec2": {"other1"}}, targets)

	sources, err := store.LinkSources(ctx, "fldLink", []string{"other1"})
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"other1": {"rec1", "rec2"}}, sources)

	require.NoError(t, store.RemoveLink(ctx, "fldLink", "rec1", "other2"))

	n, err := store.DeleteRecords(ctx, "tbl1", []string{"rec1"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	sources, err = store.LinkSources(ctx, "fldLink", []string{"other1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"rec2"}, sources["other1"])

	count, err := store.CountRecords(ctx, "tbl1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestFields(t *testing.T) {
	ctx := context.Background()
	store := statetest.Open(t)

	desc := core.FieldDescriptor{
		ID: "fldA", TableID: "tbl1", Name: "A", Kind: core.KindFormula,
		Formula: &core.FormulaOptions{Expression: "1 + 1"},
	}
	require.NoError(t, store.UpsertField(ctx, desc, t0))

	desc.Name = "Renamed"
	require.NoError(t, store.UpsertField(ctx, desc, t0))

	got, err := store.GetField(ctx, "fldA")
	require.NoError(t, err)
	assert.Equal(t, desc, *got)

	kinds, err := store.FieldKinds(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]core.FieldKind{"fldA": core.KindFormula}, kinds)

	byID, err := store.FieldsByID(ctx, []string{"fldA", "fldMissing"})
	require.NoError(t, err)
	assert.Len(t, byID, 1)

	require.NoError(t, store.DeleteField(ctx, "fldA"))
	_, err = store.GetField(ctx, "fldA")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestInTx_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	store := statetest.Open(t)

	boom := errors.New("boom")
	err := store.InTx(ctx, func(tx *state.Tx) error {
		if err := tx.CreateTable(ctx, core.Table{ID: "tbl1", BaseID: "bse1"}, t0); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = store.GetTable(ctx, "tbl1")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func newMockStore(t *testing.T, dialect state.Dialect) (*state.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return state.New(db, dialect, testutil.NewTestLogger(t)), mock
}

func TestClaimTask_PostgresUsesSkipLocked(t *testing.T) {
	store, mock := newMockStore(t, state.DialectPostgres)

	mock.ExpectQuery(`UPDATE computed_update_outbox .* locked_by = \$1, .* WHERE \(\(status = 'pending' AND next_run_at <= \$4\) .* LIMIT 1 FOR UPDATE SKIP LOCKED .* RETURNING id, base_id`).
		WithArgs("w1", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnError(sql.ErrNoRows)

	task, err := store.ClaimTask(context.Background(), "w1", t0, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, task)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimTask_SQLiteHasNoRowLocks(t *testing.T) {
	store, mock := newMockStore(t, state.DialectSQLite)

	mock.ExpectQuery(`LIMIT 1\s+\)\s+AND`).
		WillReturnError(errors.New("database is locked"))

	_, err := store.ClaimTask(context.Background(), "w1", t0, time.Minute)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to claim task")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertReferences_WrapsErrors(t *testing.T) {
	store, mock := newMockStore(t, state.DialectPostgres)

	mock.ExpectExec(`INSERT INTO reference .* VALUES \(\$1, \$2, \$3, \$4\)`).
		WithArgs(sqlmock.AnyArg(), "a", "b", t0.UnixMilli()).
		WillReturnError(errors.New("connection reset"))

	_, err := store.InsertReferences(context.Background(), []core.ReferenceEdge{{FromFieldID: "a", ToFieldID: "b"}}, t0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a -> b")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInTx_CommitFailure(t *testing.T) {
	store, mock := newMockStore(t, state.DialectSQLite)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM reference WHERE to_field_id = \?`).
		WithArgs("fldA").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit().WillReturnError(errors.New("disk full"))

	err := store.InTx(context.Background(), func(tx *state.Tx) error {
		return tx.DeleteReferencesTo(context.Background(), "fldA")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to commit transaction")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteDeadLetter_RowsAffectedError(t *testing.T) {
	store, mock := newMockStore(t, state.DialectSQLite)

	mock.ExpectExec(`DELETE FROM computed_update_dead_letter WHERE id = \?`).
		WithArgs("dl1").
		WillReturnResult(sqlmock.NewErrorResult(errors.New("driver lost row count")))

	err := store.DeleteDeadLetter(context.Background(), "dl1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "driver lost row count")
	assert.NotErrorIs(t, err, core.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetOrderKey_RowsAffectedError(t *testing.T) {
	store, mock := newMockStore(t, state.DialectSQLite)

	mock.ExpectExec(`UPDATE record SET "__order_viw1" = \? WHERE table_id = \? AND id = \?`).
		WithArgs(1.5, "tbl1", "r1").
		WillReturnResult(sqlmock.NewErrorResult(errors.New("driver lost row count")))

	err := store.SetOrderKey(context.Background(), "tbl1", "viw1", "r1", 1.5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "driver lost row count")
	assert.NotErrorIs(t, err, core.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
