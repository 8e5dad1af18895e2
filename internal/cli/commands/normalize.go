package commands

import (
	"errors"
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/fieldflow/internal/cli/output"
	"github.com/leapstack-labs/fieldflow/internal/field"
	"github.com/leapstack-labs/fieldflow/pkg/core"
)

// NewNormalizeCommand creates the normalize command.
func NewNormalizeCommand() *cobra.Command {
	var (
		dryRun bool
		baseID string
	)

	cmd := &cobra.Command{
		Use:   "normalize <file>",
		Short: "Normalize and store field definitions",
		Long: `Read raw field definitions from a YAML file (or "-" for stdin),
classify each one against the stored schema and store the resulting
descriptors together with their dependency edges.

Fields whose references cannot be resolved are demoted to plain text.
With --base, tables referenced by the definitions are registered under
that base when they do not exist yet.`,
		Example: `  # Preview how definitions would be classified
  fieldflow normalize fields.yaml --dry-run

  # Store definitions, creating missing tables in base bse1
  fieldflow normalize fields.yaml --base bse1

  # Read definitions from stdin
  cat fields.yaml | fieldflow normalize -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, closeIn, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			defer closeIn()

			raws, err := field.LoadRawFields(in)
			if err != nil {
				return err
			}

			cc, cleanup, err := NewCommandContext(cmd)
			if err != nil {
				return err
			}
			defer cleanup()
			ctx := cmd.Context()

			if dryRun {
				existing, err := cc.Store.FieldKinds(ctx)
				if err != nil {
					return err
				}
				return renderNormalized(cc.Renderer, field.NormalizeAll(raws, existing), true)
			}

			if baseID != "" {
				if err := ensureTables(cmd, cc, baseID, raws); err != nil {
					return err
				}
			}
			res, err := cc.Engine.IngestFields(ctx, raws)
			if err != nil {
				return err
			}
			return renderNormalized(cc.Renderer, res, false)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Classify without storing")
	cmd.Flags().StringVar(&baseID, "base", "", "Register missing tables under this base")

	return cmd
}

// ensureTables registers every table the raw fields live on.
func ensureTables(cmd *cobra.Command, cc *CommandContext, baseID string, raws []field.RawField) error {
	var ids []string
	for _, raw := range raws {
		if raw.TableID != "" {
			ids = append(ids, raw.TableID)
		}
	}
	slices.Sort(ids)
	for _, id := range slices.Compact(ids) {
		_, err := cc.Store.GetTable(cmd.Context(), id)
		if err == nil {
			continue
		}
		if !errors.Is(err, core.ErrNotFound) {
			return err
		}
		if err := cc.Engine.CreateTable(cmd.Context(), core.Table{ID: id, BaseID: baseID, Name: id}); err != nil {
			return fmt.Errorf("failed to create table %s: %w", id, err)
		}
		cc.Logger.Info("table registered", "table_id", id, "base_id", baseID)
	}
	return nil
}

type normalizeOutput struct {
	DryRun  bool                   `json:"dryRun"`
	Fields  []core.FieldDescriptor `json:"fields"`
	Edges   int                    `json:"edges"`
	Demoted []string               `json:"demoted"`
}

func renderNormalized(r *output.Renderer, res field.Result, dryRun bool) error {
	out := normalizeOutput{DryRun: dryRun, Fields: res.Fields, Edges: len(res.Edges), Demoted: res.Demoted}
	if out.Demoted == nil {
		out.Demoted = []string{}
	}
	return r.Render(out, func() error {
		rows := make([][]any, 0, len(res.Fields))
		for _, f := range res.Fields {
			note := ""
			if f.Demoted {
				note = f.DemotionReason
			}
			rows = append(rows, []any{f.TableID, f.ID, f.Name, f.Kind, output.Truncate(note, 50)})
		}
		r.Table([]string{"table", "field", "name", "kind", "demoted"}, rows)

		msg := fmt.Sprintf("%d fields, %d dependency edges, %d demoted", len(res.Fields), len(res.Edges), len(res.Demoted))
		if dryRun {
			r.Println(msg + " (dry run, nothing stored)")
			return nil
		}
		r.Success(msg)
		return nil
	})
}
