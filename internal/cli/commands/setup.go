package commands

import (
	"errors"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/fieldflow/internal/cli/output"
	"github.com/leapstack-labs/fieldflow/internal/config"
	"github.com/leapstack-labs/fieldflow/internal/engine"
	"github.com/leapstack-labs/fieldflow/internal/state"
	"github.com/leapstack-labs/fieldflow/internal/telemetry"
)

// CommandContext holds common dependencies for CLI commands.
type CommandContext struct {
	Cfg      *config.Config
	Logger   *slog.Logger
	Store    *state.Store
	Engine   *engine.Engine
	Renderer *output.Renderer
}

// NewCommandContext opens and migrates the store and creates an engine over it.
// Returns the context and a cleanup function that must be called (typically via defer).
func NewCommandContext(cmd *cobra.Command) (*CommandContext, func(), error) {
	return newCommandContext(cmd, nil)
}

func newCommandContext(cmd *cobra.Command, tel *telemetry.Provider) (*CommandContext, func(), error) {
	cc := NewCommandContextWithoutEngine(cmd)
	cfg := cc.Cfg

	store, err := state.Open(cmd.Context(), cfg.Database.StoreConfig(cc.Logger))
	if err != nil {
		return nil, nil, err
	}
	if err := store.Migrate(cmd.Context()); err != nil {
		_ = store.Close()
		return nil, nil, err
	}

	eng, err := engine.New(engine.Config{
		Store:           store,
		Thresholds:      cfg.Planner.Thresholds(),
		MaxStepsPerTask: cfg.Planner.MaxStepsPerTask,
		MaxAttempts:     cfg.Queue.MaxAttempts,
		MaxRebalances:   cfg.Planner.MaxRebalances,
		Formula:         cfg.Formula.EvaluatorConfig(cc.Logger),
		Telemetry:       tel,
		Logger:          cc.Logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}

	cc.Store = store
	cc.Engine = eng
	cleanup := func() {
		_ = store.Close()
	}
	return cc, cleanup, nil
}

// NewCommandContextWithoutEngine creates a CommandContext without a store.
// Useful for commands that don't need database access.
func NewCommandContextWithoutEngine(cmd *cobra.Command) *CommandContext {
	cfg := config.FromContext(cmd.Context())
	if cfg == nil {
		// commands run outside the root command (tests) fall back to
		// defaults, env and their own flags
		var err error
		if cfg, err = config.Load("", cmd.Flags()); err != nil {
			cfg = &config.Config{Output: config.DefaultOutput}
		}
	}
	return &CommandContext{
		Cfg:      cfg,
		Logger:   config.GetLogger(cmd.Context()),
		Renderer: output.NewRenderer(cmd.OutOrStdout(), cmd.ErrOrStderr(), output.Mode(cfg.Output)),
	}
}

// errMissingFlag reports a required flag that was left empty.
func errMissingFlag(name string) error {
	return errors.New("--" + name + " is required")
}

// readInput opens path, or the command's stdin for "-".
func readInput(cmd *cobra.Command, path string) (io.Reader, func(), error) {
	if path == "-" {
		return cmd.InOrStdin(), func() {}, nil
	}
	f, err := os.Open(path) //nolint:gosec // path comes from the command line
	if err != nil {
		return nil, nil, err
	}
	return f, func() { _ = f.Close() }, nil
}
