package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jarvishome/jarvis-ocr/internal/config"
	"github.com/jarvishome/jarvis-ocr/version"
)

var (
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "jarvis-ocr",
	Short: "Background OCR worker for the Jarvis home automation system",
	Long: `jarvis-ocr consumes image extraction jobs from the shared Redis queue,
runs them through a tiered cascade of OCR engines, and has each engine's
output checked by an LLM validator before accepting it.

The cascade tries cheap engines first (tesseract, easyocr, paddleocr)
and escalates to vision LLMs only when their output fails validation.
Results are published to the requesting service's reply queue.`,
	Version: version.GitRelease,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./config.yaml or /etc/jarvis-ocr/config.yaml)",
	)
	rootCmd.PersistentFlags().StringVar(
		&logLevel, "log-level", "info", "log level: debug, info, warn or error",
	)

	rootCmd.AddCommand(versionCmd)
}

// newLogger builds the process logger from the --log-level flag.
func newLogger() *slog.Logger {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

// loadConfig loads and validates configuration from the environment and
// the optional config file.
func loadConfig() (*config.Manager, error) {
	mgr, err := config.NewManager(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := mgr.Get().Validate(); err != nil {
		return nil, err
	}
	return mgr, nil
}
