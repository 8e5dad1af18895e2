package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/fieldflow/internal/cli/testutil"
	"github.com/leapstack-labs/fieldflow/pkg/core"
)

const (
	fldCount  = testutil.FieldCount
	fldLink   = testutil.FieldLink
	fldLookup = testutil.FieldLookup
	fieldsDoc = testutil.FieldsYAML
)

func useTempDB(t *testing.T) {
	t.Helper()
	testutil.SetupTestDatabase(t)
}

func execute(t *testing.T, cmd *cobra.Command, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func decode[T any](t *testing.T, s string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(s), &v), s)
	return v
}

func TestCommandMetadata(t *testing.T) {
	tests := []struct {
		cmd   *cobra.Command
		use   string
		flags []string
	}{
		{NewMigrateCommand(), "migrate", nil},
		{NewWorkerCommand(), "worker", []string{"workers", "drain"}},
		{NewServeCommand(), "serve", []string{"workers", "addr"}},
		{NewExplainCommand(), "explain", []string{"table", "records", "fields", "change", "plan"}},
		{NewNormalizeCommand(), "normalize <file>", []string{"dry-run", "base"}},
		{NewGraphCommand(), "graph", []string{"field"}},
		{NewOrderCommand(), "order", []string{"table", "view", "anchor", "position", "count"}},
		{NewProgressCommand(), "progress <run-id>", nil},
		{NewDeadLetterCommand(), "deadletter", nil},
	}
	for _, tt := range tests {
		t.Run(tt.use, func(t *testing.T) {
			assert.Equal(t, tt.use, tt.cmd.Use)
			assert.NotEmpty(t, tt.cmd.Short, "Short should not be empty")
			for _, flag := range tt.flags {
				assert.NotNil(t, tt.cmd.Flags().Lookup(flag), "flag %q should exist", flag)
			}
		})
	}

	dlq := NewDeadLetterCommand()
	assert.Len(t, dlq.Commands(), 3)
	assert.Contains(t, dlq.Aliases, "dlq")
}

func TestMigrate(t *testing.T) {
	useTempDB(t)

	out, err := execute(t, NewMigrateCommand(), "")
	require.NoError(t, err)
	got := decode[map[string]any](t, out)
	assert.Equal(t, "sqlite", got["dialect"])
	assert.Greater(t, got["version"], 0.0)

	// a second run is a no-op
	_, err = execute(t, NewMigrateCommand(), "")
	require.NoError(t, err)
}

func TestNormalize_DryRunStoresNothing(t *testing.T) {
	useTempDB(t)

	out, err := execute(t, NewNormalizeCommand(), fieldsDoc, "-", "--dry-run")
	require.NoError(t, err)
	got := decode[normalizeOutput](t, out)
	assert.True(t, got.DryRun)
	assert.Len(t, got.Fields, 4)
	assert.Equal(t, []string{testutil.FieldBroken}, got.Demoted)

	out, err = execute(t, NewGraphCommand(), "")
	require.NoError(t, err)
	assert.Zero(t, decode[graphOutput](t, out).Fields)
}

func TestNormalizeExplainGraph(t *testing.T) {
	useTempDB(t)

	out, err := execute(t, NewNormalizeCommand(), fieldsDoc, "-", "--base", "bse1")
	require.NoError(t, err)
	norm := decode[normalizeOutput](t, out)
	assert.False(t, norm.DryRun)
	assert.Positive(t, norm.Edges)

	kinds := map[string]core.FieldKind{}
	for _, f := range norm.Fields {
		kinds[f.ID] = f.Kind
	}
	assert.Equal(t, core.KindLink, kinds[fldLink])
	assert.Equal(t, core.KindLookup, kinds[fldLookup])

	t.Run("explain", func(t *testing.T) {
		out, err := execute(t, NewExplainCommand(), "", "--table", "tbl1", "--records", "a1", "--fields", fldCount)
		require.NoError(t, err)
		impact := decode[core.ComputedImpact](t, out)
		var ids []string
		for _, f := range impact.AffectedFields {
			ids = append(ids, f.FieldID)
		}
		assert.Contains(t, ids, fldLookup)
	})

	t.Run("explain plan", func(t *testing.T) {
		out, err := execute(t, NewExplainCommand(), "", "--table", "tbl1", "--records", "a1", "--fields", fldCount, "--plan")
		require.NoError(t, err)
		plan := decode[core.Plan](t, out)
		assert.Equal(t, core.ChangeUpdate, plan.ChangeType)
		assert.NotEmpty(t, plan.Steps)
	})

	t.Run("graph levels", func(t *testing.T) {
		out, err := execute(t, NewGraphCommand(), "")
		require.NoError(t, err)
		g := decode[graphOutput](t, out)
		assert.Equal(t, 4, g.Fields)
		assert.Empty(t, g.Cyclic)
		assert.NotEmpty(t, g.Levels)
	})

	t.Run("graph field", func(t *testing.T) {
		out, err := execute(t, NewGraphCommand(), "", "--field", fldLookup)
		require.NoError(t, err)
		g := decode[graphOutput](t, out)
		assert.Contains(t, g.Upstream, fldCount)
		assert.Empty(t, g.Downstream)

		_, err = execute(t, NewGraphCommand(), "", "--field", "fldNopeAAAAAAAAAAAA")
		assert.ErrorIs(t, err, core.ErrNotFound)
	})
}

func TestCommandErrors(t *testing.T) {
	useTempDB(t)

	tests := []struct {
		name    string
		cmd     *cobra.Command
		args    []string
		wantErr string
		is      error
	}{
		{"explain without table", NewExplainCommand(), nil, "--table is required", nil},
		{"explain bad change", NewExplainCommand(), []string{"--table", "tbl1", "--change", "rename"}, "", core.ErrInvalidInput},
		{"order without view", NewOrderCommand(), []string{"--table", "tbl1"}, "--view is required", nil},
		{"order bad position", NewOrderCommand(), []string{"--table", "tbl1", "--view", "viw1", "--anchor", "a1", "--position", "inside"}, "", core.ErrInvalidInput},
		{"unknown run", NewProgressCommand(), []string{"run-nope"}, "", core.ErrNotFound},
		{"unknown dead letter", NewDeadLetterCommand(), []string{"show", "dl-nope"}, "", core.ErrNotFound},
		{"negative limit", NewDeadLetterCommand(), []string{"list", "--limit", "-1"}, "must not be negative", nil},
		{"missing file", NewNormalizeCommand(), []string{"does-not-exist.yaml"}, "does-not-exist.yaml", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.cmd, "", tt.args...)
			require.Error(t, err)
			if tt.wantErr != "" {
				assert.Contains(t, err.Error(), tt.wantErr)
			}
			if tt.is != nil {
				assert.ErrorIs(t, err, tt.is)
			}
		})
	}
}

func TestDeadLetterListEmpty(t *testing.T) {
	useTempDB(t)

	out, err := execute(t, NewDeadLetterCommand(), "", "list")
	require.NoError(t, err)
	got := decode[struct {
		DeadLetters []core.DeadLetterEntry `json:"deadLetters"`
	}](t, out)
	assert.Empty(t, got.DeadLetters)
}

func TestWorkerDrainIdleQueue(t *testing.T) {
	useTempDB(t)

	out, err := execute(t, NewWorkerCommand(), "", "--drain")
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, out)
}

func TestRenderImpact(t *testing.T) {
	impact := &core.ComputedImpact{
		AffectedFields:      []core.AffectedField{{FieldID: fldLookup, TableID: "tbl2", Name: "Count (from Source)", Kind: core.KindLookup, Level: 1}},
		Warnings:            []string{core.CycleWarning},
		EstimatedComplexity: 12,
	}

	text := testutil.NewTestRendererText()
	require.NoError(t, renderImpact(text.Renderer, impact))
	assert.Contains(t, text.Output(), fldLookup)
	assert.Contains(t, text.Output(), "Estimated complexity: 12")
	assert.Contains(t, text.ErrorOutput(), core.CycleWarning)

	js := testutil.NewTestRendererJSON()
	require.NoError(t, renderImpact(js.Renderer, impact))
	testutil.AssertNoANSI(t, js.Output())
	assert.Equal(t, int64(12), decode[core.ComputedImpact](t, js.Output()).EstimatedComplexity)

	none := testutil.NewTestRendererText()
	require.NoError(t, renderImpact(none.Renderer, nil))
	assert.Contains(t, none.Output(), "No computed fields affected")
}

func TestRenderPlan_Empty(t *testing.T) {
	text := testutil.NewTestRendererText()
	require.NoError(t, renderPlan(text.Renderer, &core.Plan{}))
	assert.Equal(t, "Empty plan\n", text.Output())
}
