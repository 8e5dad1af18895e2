package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/fieldflow/internal/cli/output"
	"github.com/leapstack-labs/fieldflow/pkg/core"
)

// NewOrderCommand creates the order command.
func NewOrderCommand() *cobra.Command {
	var (
		tableID  string
		viewID   string
		anchorID string
		position string
		count    int
	)

	cmd := &cobra.Command{
		Use:   "order",
		Short: "Allocate view order keys next to an anchor record",
		Long: `Return order keys for inserting records before or after an anchor
record in a view. The view's order column is created on first use and
backfilled from the record auto numbers. When the gap next to the anchor
is too small the view is rebalanced.`,
		Example: `  # Two keys after rec1 in view viwGrid
  fieldflow order --table tblOrders --view viwGrid --anchor rec1 --count 2`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, f := range [][2]string{{"table", tableID}, {"view", viewID}, {"anchor", anchorID}} {
				if f[1] == "" {
					return errMissingFlag(f[0])
				}
			}
			pos := core.OrderPosition(position)
			if !pos.Valid() {
				return fmt.Errorf("%w: position must be before or after, got %q", core.ErrInvalidInput, position)
			}

			cc, cleanup, err := NewCommandContext(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			keys, err := cc.Engine.AllocateOrders(cmd.Context(), tableID, viewID, anchorID, pos, count)
			if err != nil {
				return err
			}

			r := cc.Renderer
			return r.Render(map[string]any{"keys": keys}, func() error {
				for _, k := range keys {
					r.Println(output.FormatValue(k))
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&tableID, "table", "", "Table id")
	cmd.Flags().StringVar(&viewID, "view", "", "View id")
	cmd.Flags().StringVar(&anchorID, "anchor", "", "Anchor record id")
	cmd.Flags().StringVar(&position, "position", string(core.PositionAfter), "Insert before or after the anchor")
	cmd.Flags().IntVar(&count, "count", 1, "Number of keys to allocate")

	return cmd
}
