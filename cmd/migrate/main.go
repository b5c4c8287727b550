package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/tendant/simple-migrate/pkg/simplemigrate/config"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Settings are the command's own settings. Migration settings are read by
// config.WithEnv.
type Settings struct {
	LogLevel     string `env:"LOG_LEVEL" env-default:"info"`
	LogFormat    string `env:"LOG_FORMAT" env-default:"text"`
	MetricsAddr  string `env:"METRICS_ADDR"`
	ApiKeySHA256 string `env:"API_KEY_SHA256"`
	JWTSecret    string `env:"JWT_SECRET"`
	// ServeNode exposes the destination node under /node when serving
	ServeNode bool `env:"SERVE_NODE" env-default:"false"`
}

func main() {
	_ = godotenv.Load()

	rootCmd := NewRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func NewRootCommand() *cobra.Command {
	var envPrefix string

	rootCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Migrate data packages between repository nodes",
		Long: `Replays the revision lineage of every data package held by a source node
onto a destination node: each package's first revision is created, later
revisions are applied as updates in revision order.

Nodes, ledger and audit log are configured through the environment
(SOURCE_URL, AUTHORITY_URL, DESTINATION_URL, NODE_ID, DATABASE_URL, ...).`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&envPrefix, "env-prefix", "", "prefix for migration environment variables")

	rootCmd.AddCommand(NewPlanCommand())
	rootCmd.AddCommand(NewRunCommand())
	rootCmd.AddCommand(NewServeCommand())
	rootCmd.AddCommand(NewRunsCommand())

	return rootCmd
}

// loadSettings reads the command settings and installs the default logger.
func loadSettings() (Settings, *slog.Logger, error) {
	var settings Settings
	if err := cleanenv.ReadEnv(&settings); err != nil {
		return settings, nil, fmt.Errorf("failed to read settings: %w", err)
	}
	logger, err := newLogger(settings.LogLevel, settings.LogFormat)
	if err != nil {
		return settings, nil, err
	}
	slog.SetDefault(logger)
	return settings, logger, nil
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("invalid LOG_FORMAT %q (use 'text' or 'json')", format)
	}
}

// loadConfig reads the migration configuration from the environment and
// applies command-line overrides on top.
func loadConfig(cmd *cobra.Command, logger *slog.Logger, overrides ...config.Option) (*config.Config, error) {
	prefix, _ := cmd.Flags().GetString("env-prefix")
	opts := append([]config.Option{config.WithEnv(prefix), config.WithLogger(logger)}, overrides...)
	cfg, err := config.Load(opts...)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
