// Package cli provides the command-line interface for fieldflow.
package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/fieldflow/internal/cli/commands"
	"github.com/leapstack-labs/fieldflow/internal/cli/output"
	"github.com/leapstack-labs/fieldflow/internal/config"
)

// Version information (set at build time).
var (
	Version   = "0.1.0"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

// NewRootCmd creates and returns the root command.
func NewRootCmd() *cobra.Command {
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:   "fieldflow",
		Short: "fieldflow - computed field recomputation engine",
		Long: `fieldflow keeps computed fields (links, lookups, rollups, formulas and
conditional lookups) consistent when records change.

It plans the dependent fields of every change by level, recomputes shallow
levels inside the mutation and defers the rest to a transactional outbox
processed by workers.`,
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			// Skip config loading for help and completion commands
			if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "__complete" {
				return nil
			}

			loader := config.NewLoader(cfgFile, cmd.Flags())
			cfg, err := loader.Load()
			if err != nil {
				return err
			}
			logger, err := config.NewLogger(cmd.ErrOrStderr(), cfg.Log)
			if err != nil {
				return err
			}
			if used := loader.FileUsed(); used != "" {
				logger.Debug("using config file", "path", used)
			}

			ctx := config.WithConfig(cmd.Context(), cfg)
			ctx = config.WithLogger(ctx, logger)
			cmd.SetContext(ctx)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.SetVersionTemplate(`{{.Name}} {{.Version}}
` + fmt.Sprintf("commit %s, built %s\n", GitCommit, BuildDate))

	// Global persistent flags
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default: ./"+config.ConfigFileName+")")
	pf.String("driver", "", "Database driver (sqlite|postgres)")
	pf.String("dsn", "", "Database DSN; ${VAR} references are expanded")
	pf.String("log-level", "", "Log level (debug|info|warn|error)")
	pf.String("log-format", "", "Log format (text|json)")
	pf.StringP("output", "o", "", "Output format ("+strings.Join(output.Modes, "|")+")")

	_ = rootCmd.RegisterFlagCompletionFunc("output", func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		return output.Modes, cobra.ShellCompDirectiveNoFileComp
	})
	_ = rootCmd.RegisterFlagCompletionFunc("driver", func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		return []string{"sqlite", "postgres"}, cobra.ShellCompDirectiveNoFileComp
	})

	rootCmd.AddCommand(commands.NewVersionCommand(Version))
	rootCmd.AddCommand(commands.NewMigrateCommand())
	rootCmd.AddCommand(commands.NewNormalizeCommand())
	rootCmd.AddCommand(commands.NewExplainCommand())
	rootCmd.AddCommand(commands.NewGraphCommand())
	rootCmd.AddCommand(commands.NewOrderCommand())
	rootCmd.AddCommand(commands.NewProgressCommand())
	rootCmd.AddCommand(commands.NewDeadLetterCommand())
	rootCmd.AddCommand(commands.NewWorkerCommand())
	rootCmd.AddCommand(commands.NewServeCommand())
	rootCmd.AddCommand(NewCompletionCommand())

	return rootCmd
}

// Execute runs the root command.
func Execute() error {
	rootCmd := NewRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	return nil
}

// NewCompletionCommand creates the completion command.
func NewCompletionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "completion [bash|zsh|fish|powershell]",
		Short: "Generate shell completion scripts",
		Long: `Generate shell completion scripts for fieldflow.

To load completions:

Bash:
  $ source <(fieldflow completion bash)

Zsh:
  $ fieldflow completion zsh > "${fpath[1]}/_fieldflow"

Fish:
  $ fieldflow completion fish | source

PowerShell:
  PS> fieldflow completion powershell | Out-String | Invoke-Expression
`,
		DisableFlagsInUseLine: true,
		ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
		Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			switch args[0] {
			case "bash":
				return cmd.Root().GenBashCompletion(out)
			case "zsh":
				return cmd.Root().GenZshCompletion(out)
			case "fish":
				return cmd.Root().GenFishCompletion(out, true)
			case "powershell":
				return cmd.Root().GenPowerShellCompletionWithDesc(out)
			}
			return nil
		},
	}
	return cmd
}
