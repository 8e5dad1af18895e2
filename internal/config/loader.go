package config

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// flagKeys maps command-line flags to config keys. Flags not listed here
// are command options, not configuration.
var flagKeys = map[string]string{
	"driver":             "database.driver",
	"dsn":                "database.dsn",
	"workers":            "queue.workers",
	"addr":               "http.addr",
	"log-level":          "log.level",
	"log-format":         "log.format",
	"output":             "output",
	"sync-max-level":     "planner.sync_max_level",
	"telemetry":          "telemetry.enabled",
	"telemetry-exporter": "telemetry.exporter",
}

// Loader reads configuration. Precedence (highest to lowest):
// flags > env vars > config file > defaults.
type Loader struct {
	file  string
	flags *pflag.FlagSet
	used  string
}

// NewLoader creates a Loader. cfgFile may be empty to search the working
// directory; flags may be nil.
func NewLoader(cfgFile string, flags *pflag.FlagSet) *Loader {
	return &Loader{file: cfgFile, flags: flags}
}

// Load is shorthand for NewLoader(cfgFile, flags).Load().
func Load(cfgFile string, flags *pflag.FlagSet) (*Config, error) {
	return NewLoader(cfgFile, flags).Load()
}

// FileUsed returns the config file read by the last Load, if any.
func (l *Loader) FileUsed() string {
	return l.used
}

// Load reads every layer and validates the result.
func (l *Loader) Load() (*Config, error) {
	k := koanf.New(".")

	// 1. Defaults
	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// 2. Config file
	l.used = findConfigFile(l.file)
	if l.file != "" && l.used == "" {
		return nil, fmt.Errorf("config file %s not found", l.file)
	}
	if l.used != "" {
		if err := k.Load(file.Provider(l.used), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", l.used, err)
		}
	}

	// 3. Environment: FIELDFLOW_QUEUE__LOCK_TIMEOUT -> queue.lock_timeout
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	// 4. Flags that were explicitly set
	if l.flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(l.flags, ".", k, func(f *pflag.Flag) (string, any) {
			key, ok := flagKeys[f.Name]
			if !ok || !f.Changed {
				return "", nil
			}
			return key, posflag.FlagVal(l.flags, f)
		}), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// findConfigFile returns explicit when it exists, otherwise the first
// default config file in the working directory.
func findConfigFile(explicit string) string {
	if explicit != "" {
		if _, err := os.Stat(explicit); err == nil {
			return explicit
		}
		return ""
	}
	for _, name := range []string{ConfigFileName, ConfigFileNameAlt} {
		if _, err := os.Stat(name); err == nil {
			abs, err := filepath.Abs(name)
			if err != nil {
				return name
			}
			return abs
		}
	}
	return ""
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars expands ${VAR} patterns. Unset variables are left as-is.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		if val := os.Getenv(match[2 : len(match)-1]); val != "" {
			return val
		}
		return match
	})
}

// NewLogger builds the process logger from the log section.
func NewLogger(w io.Writer, c LogConfig) (*slog.Logger, error) {
	level, err := c.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

type loggerKey struct{}

// WithLogger stores a logger in ctx.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// GetLogger retrieves the logger from the command context.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.New(slog.DiscardHandler)
}

type configKey struct{}

// WithConfig stores the loaded configuration in ctx.
func WithConfig(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configKey{}, cfg)
}

// FromContext returns the configuration stored by WithConfig, or nil.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(configKey{}).(*Config)
	return cfg
}
