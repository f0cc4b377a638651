package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/oddsrun/oddsrun/internal/config"
)

const (
	appName = "oddsrun"
	version = "v1.0.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Sports betting value detection pipeline",
		Version: version,
		Long: `oddsrun ingests bookmaker odds, builds a sharp-weighted consensus,
generates positive-EV picks with quality scoring, and grades every pick
against the closing line.`,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Long:  "Starts the JSON API and, when ENABLE_SCHEDULER is set, the periodic ingest/picks/clv jobs.",
		RunE:  runServe,
	}
	serveCmd.Flags().Bool("migrate", true, "Apply database migrations before serving")

	runCmd := &cobra.Command{
		Use:   "run [ingest|picks|clv|cycle]",
		Short: "Execute one pipeline run and exit",
		Args:  cobra.ExactArgs(1),
		RunE:  runPipeline,
	}
	runCmd.Flags().Bool("force", false, "Recompute CLV even for already scored picks")

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE:  runMigrate,
	}

	rootCmd.AddCommand(serveCmd, runCmd, migrateCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadSettings() (*config.Settings, error) {
	settings, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if settings.AppEnv == "production" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return settings, nil
}
