package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/distil/internal/config"
	"github.com/hyperengineering/distil/internal/store"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var (
	configPath   string
	presetName   string
	jsonOutput   bool
	appConfig    *config.Config
	loggingSetup sync.Once
)

var rootCmd = &cobra.Command{
	Use:               "distil",
	Short:             "Distil - multilingual sentence-embedding distillation",
	Long:              "Train a student sentence encoder to reproduce a multilingual teacher's embeddings on parallel text.",
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Config file path (overrides DISTIL_CONFIG_PATH)")
	rootCmd.PersistentFlags().StringVar(&presetName, "preset", "",
		"Training preset: tsv or full (overrides config and DISTIL_PRESET)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Output in JSON format")

	rootCmd.AddCommand(trainCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(encodeCmd)
}

// setup loads configuration and initialises logging before any subcommand.
func setup(cmd *cobra.Command, args []string) error {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFileWithPreset(configPath, presetName)
	} else {
		cfg, err = config.LoadWithPreset(presetName)
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	appConfig = cfg

	initLogging(cmd.ErrOrStderr(), cfg.Log)
	slog.Debug("configuration loaded",
		"component", "cli",
		"preset", cfg.Training.Preset,
		"teacher", cfg.Teacher.Model,
		"student", cfg.Student.Model,
	)
	return nil
}

// initLogging installs the process-wide logger. Later calls are no-ops.
func initLogging(w io.Writer, cfg config.LogConfig) {
	loggingSetup.Do(func() {
		slog.SetDefault(newLogger(w, cfg))
	})
}

func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func openStore() (*store.SQLiteStore, error) {
	db, err := store.NewSQLiteStore(appConfig.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open run store %s: %w", appConfig.Database.Path, err)
	}
	return db, nil
}

// printJSON marshals v to JSON and writes to the given writer.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newTabWriter returns a configured tabwriter for aligned columns.
func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

// formatScore renders an optional evaluator score.
func formatScore(score *float64) string {
	if score == nil {
		return "-"
	}
	return fmt.Sprintf("%.4f", *score)
}
