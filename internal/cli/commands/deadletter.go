package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/fieldflow/internal/cli/output"
)

// NewDeadLetterCommand creates the deadletter command group.
func NewDeadLetterCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "deadletter",
		Aliases: []string{"dlq"},
		Short:   "Inspect and requeue dead-lettered tasks",
		Long: `Tasks that exhaust their attempts, fail permanently or keep failing
with the same error are moved to the dead-letter table with their last
error and trace data. Requeue puts one back in the outbox.`,
	}

	cmd.AddCommand(newDeadLetterListCommand())
	cmd.AddCommand(newDeadLetterShowCommand())
	cmd.AddCommand(newDeadLetterRequeueCommand())

	return cmd
}

func newDeadLetterListCommand() *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered tasks, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit < 0 || offset < 0 {
				return fmt.Errorf("--limit and --offset must not be negative")
			}
			cc, cleanup, err := NewCommandContext(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			entries, err := cc.Engine.ListDeadLetters(cmd.Context(), limit, offset)
			if err != nil {
				return err
			}

			r := cc.Renderer
			return r.Render(map[string]any{"deadLetters": entries}, func() error {
				rows := make([][]any, 0, len(entries))
				for _, e := range entries {
					rows = append(rows, []any{
						e.ID, e.RunID, e.Attempts, output.FormatValue(e.FailedAt),
						output.Truncate(e.LastError, 60),
					})
				}
				r.Table([]string{"task_id", "run_id", "attempts", "failed_at", "last_error"}, rows)
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum entries to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "Entries to skip")

	return cmd
}

func newDeadLetterShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one dead-lettered task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, cleanup, err := NewCommandContext(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			e, err := cc.Engine.GetDeadLetter(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			r := cc.Renderer
			return r.Render(e, func() error {
				r.Header(1, "Dead letter "+e.ID)
				r.KeyValues([][2]string{
					{"Run", e.RunID},
					{"Base", e.BaseID},
					{"Seed table", e.SeedTableID},
					{"Seed records", strings.Join(e.SeedRecordIDs, ", ")},
					{"Change", string(e.ChangeType)},
					{"Steps", fmt.Sprint(len(e.Steps))},
					{"Attempts", fmt.Sprintf("%d/%d", e.Attempts, e.MaxAttempts)},
					{"Failed at", output.FormatValue(e.FailedAt)},
					{"Last error", e.LastError},
				})
				for k, v := range e.TraceData {
					r.Println(output.FormatKeyValue(k, v, 12))
				}
				return nil
			})
		},
	}
}

func newDeadLetterRequeueCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <id>",
		Short: "Put a dead-lettered task back in the outbox",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, cleanup, err := NewCommandContext(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			taskID, err := cc.Engine.RequeueDeadLetter(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			r := cc.Renderer
			return r.Render(map[string]string{"taskId": taskID}, func() error {
				r.Success("requeued as task " + taskID)
				return nil
			})
		},
	}
}
