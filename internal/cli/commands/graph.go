package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/fieldflow/internal/dag"
	"github.com/leapstack-labs/fieldflow/pkg/core"
)

type graphOutput struct {
	Fields     int        `json:"fields"`
	Edges      int        `json:"edges"`
	Levels     [][]string `json:"levels,omitempty"`
	Cyclic     []string   `json:"cyclic,omitempty"`
	Field      string     `json:"field,omitempty"`
	Upstream   []string   `json:"upstream,omitempty"`
	Downstream []string   `json:"downstream,omitempty"`
}

// NewGraphCommand creates the graph command.
func NewGraphCommand() *cobra.Command {
	var fieldID string

	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Show the field dependency graph",
		Long: `Load every stored dependency edge and print the fields grouped by
dependency level. Fields that sit on or behind a reference cycle are listed
separately.

With --field, print the fields it depends on and the fields that depend on it.`,
		Example: `  # Dependency levels of the whole schema
  fieldflow graph

  # What feeds a lookup and what it feeds
  fieldflow graph --field fldLook2`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc, cleanup, err := NewCommandContext(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			edges, err := cc.Store.ListReferences(cmd.Context())
			if err != nil {
				return err
			}
			fields, err := cc.Store.ListFields(cmd.Context(), "")
			if err != nil {
				return err
			}

			g := dag.NewGraph()
			for _, f := range fields {
				g.AddNode(f.ID, f)
			}
			for _, e := range edges {
				g.Connect(e.FromFieldID, e.ToFieldID)
			}

			out := graphOutput{Fields: g.NodeCount(), Edges: g.EdgeCount()}
			if fieldID != "" {
				if _, ok := g.GetNode(fieldID); !ok {
					return fmt.Errorf("field %s: %w", fieldID, core.ErrNotFound)
				}
				out.Field = fieldID
				out.Upstream = g.GetUpstreamNodes(fieldID)
				out.Downstream = downstream(g, fieldID)
			} else if out.Cyclic = g.CyclicNodes(); len(out.Cyclic) == 0 {
				if out.Levels, err = g.GetExecutionLevels(); err != nil {
					return err
				}
			}

			r := cc.Renderer
			return r.Render(out, func() error {
				r.Printf("%d fields, %d dependency edges\n", out.Fields, out.Edges)
				if out.Field != "" {
					r.KeyValues([][2]string{
						{"Field", out.Field},
						{"Depends on", joinOrNone(out.Upstream)},
						{"Feeds", joinOrNone(out.Downstream)},
					})
					return nil
				}
				for i, level := range out.Levels {
					r.Printf("  level %d: %s\n", i, strings.Join(level, ", "))
				}
				if len(out.Cyclic) > 0 {
					r.Warning(fmt.Sprintf("%d fields sit on or behind a cycle: %s", len(out.Cyclic), strings.Join(out.Cyclic, ", ")))
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&fieldID, "field", "", "Show the dependencies of one field")

	return cmd
}

// downstream lists every field reachable from id.
func downstream(g *dag.Graph, id string) []string {
	var out []string
	for _, n := range g.GetAffectedNodes([]string{id}) {
		if n != id {
			out = append(out, n)
		}
	}
	return out
}

func joinOrNone(ids []string) string {
	if len(ids) == 0 {
		return "(none)"
	}
	return strings.Join(ids, ", ")
}
