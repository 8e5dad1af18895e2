package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Long: `Create or upgrade the fieldflow tables: the reference graph, the
outbox queue, dead letters and the record store.

Migrations are embedded in the binary and are safe to run repeatedly.`,
		Example: `  # Migrate the default SQLite database
  fieldflow migrate

  # Migrate a Postgres database
  fieldflow migrate --driver postgres --dsn postgres://localhost/fieldflow`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc, cleanup, err := NewCommandContext(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			version, err := cc.Store.MigrationVersion(cmd.Context())
			if err != nil {
				return err
			}

			r := cc.Renderer
			return r.Render(map[string]any{"dialect": cc.Store.Dialect(), "version": version}, func() error {
				r.Success(fmt.Sprintf("database migrated to version %d (%s)", version, cc.Store.Dialect()))
				return nil
			})
		},
	}
}
