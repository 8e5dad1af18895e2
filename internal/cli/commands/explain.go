package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/fieldflow/internal/cli/output"
	"github.com/leapstack-labs/fieldflow/internal/planner"
	"github.com/leapstack-labs/fieldflow/pkg/core"
)

// NewExplainCommand creates the explain command.
func NewExplainCommand() *cobra.Command {
	var (
		tableID string
		records []string
		fields  []string
		change  string
		full    bool
	)

	cmd := &cobra.Command{
		Use:   "explain",
		Short: "Preview the computed fields a change would affect",
		Long: `Plan a record change without applying it and list every computed
field it would recompute, with its level and the estimated complexity.

Use --plan to print the full plan including step scopes.`,
		Example: `  # Which fields change when count is edited on two records?
  fieldflow explain --table tblOrders --records rec1,rec2 --fields fldCount

  # Full plan for a delete, as JSON
  fieldflow explain --table tblOrders --records rec1 --change delete --plan -o json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if tableID == "" {
				return errMissingFlag("table")
			}
			ct, err := core.ParseChangeType(change)
			if err != nil {
				return err
			}

			cc, cleanup, err := NewCommandContext(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			req := planner.Change{TableID: tableID, RecordIDs: records, ChangeType: ct, FieldIDs: fields}
			if full {
				plan, err := cc.Engine.Plan(cmd.Context(), req)
				if err != nil {
					return err
				}
				return renderPlan(cc.Renderer, plan)
			}

			impact, err := cc.Engine.Explain(cmd.Context(), req)
			if err != nil {
				return err
			}
			return renderImpact(cc.Renderer, impact)
		},
	}

	cmd.Flags().StringVar(&tableID, "table", "", "Table of the changed records")
	cmd.Flags().StringSliceVar(&records, "records", nil, "Changed record ids")
	cmd.Flags().StringSliceVar(&fields, "fields", nil, "Changed field ids (update only; all fields when empty)")
	cmd.Flags().StringVar(&change, "change", string(core.ChangeUpdate), "Change type: create, update or delete")
	cmd.Flags().BoolVar(&full, "plan", false, "Print the full plan instead of the impact summary")

	return cmd
}

func renderImpact(r *output.Renderer, impact *core.ComputedImpact) error {
	if impact == nil {
		return r.Render(nil, func() error {
			r.Println("No computed fields affected")
			return nil
		})
	}
	return r.Render(impact, func() error {
		r.Header(1, "Computed impact")
		rows := make([][]any, 0, len(impact.AffectedFields))
		for _, f := range impact.AffectedFields {
			rows = append(rows, []any{f.Level, f.TableID, f.FieldID, f.Name, f.Kind})
		}
		r.Table([]string{"level", "table", "field", "name", "kind"}, rows)
		r.Printf("Estimated complexity: %d\n", impact.EstimatedComplexity)
		for _, w := range impact.Warnings {
			r.Warning(w)
		}
		return nil
	})
}

func renderPlan(r *output.Renderer, plan *core.Plan) error {
	return r.Render(plan, func() error {
		if plan.Empty() {
			r.Println("Empty plan")
			return nil
		}
		r.Header(1, fmt.Sprintf("Plan for %s on %s", plan.ChangeType, plan.SeedTableID))
		rows := make([][]any, 0, len(plan.Steps))
		for _, s := range plan.Steps {
			via := s.LinkFieldID
			if len(s.SourceFieldIDs) > 0 {
				via = strings.Join(s.SourceFieldIDs, ",")
			}
			rows = append(rows, []any{s.Level, s.TableID, s.FieldID, s.Operation, s.Scope, output.Truncate(via, 40)})
		}
		r.Table([]string{"level", "table", "field", "operation", "scope", "via"}, rows)
		r.KeyValues([][2]string{
			{"Max level", fmt.Sprint(plan.MaxLevel)},
			{"Estimated complexity", fmt.Sprint(plan.EstimatedComplexity)},
			{"Affected tables", strings.Join(plan.AffectedTableIDs, ", ")},
		})
		for _, w := range plan.Warnings {
			r.Warning(w)
		}
		return nil
	})
}
