package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewProgressCommand creates the progress command.
func NewProgressCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "progress <run-id>",
		Short: "Show the progress of a deferred run",
		Long: `Report how many steps of a deferred recomputation run have completed
and how its tasks are distributed across the outbox and dead letters.`,
		Example: `  fieldflow progress 0b6c3f0e-3a0e-4d7c-9d55-0c7a2b1f9e10`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, cleanup, err := NewCommandContext(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			p, err := cc.Engine.RunProgress(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			r := cc.Renderer
			return r.Render(p, func() error {
				r.KeyValues([][2]string{
					{"Run", p.RunID},
					{"Steps", fmt.Sprintf("%d/%d (%.0f%%)", p.CompletedSteps, p.TotalSteps, p.Percent)},
					{"Pending", fmt.Sprint(p.Pending)},
					{"Processing", fmt.Sprint(p.Processing)},
					{"Done", fmt.Sprint(p.Done)},
					{"Dead lettered", fmt.Sprint(p.DeadLettered)},
				})
				return nil
			})
		},
	}
}
