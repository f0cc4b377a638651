package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/oddsrun/oddsrun/internal/application/pipeline"
)

func runServe(cmd *cobra.Command, args []string) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}

	a, err := buildApp(settings)
	if err != nil {
		return err
	}
	defer a.close()

	if migrate, _ := cmd.Flags().GetBool("migrate"); migrate {
		if err := a.migrate(cmd.Context()); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := a.httpServer()
	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()
	log.Info().
		Str("addr", settings.HTTPAddr).
		Str("env", settings.AppEnv).
		Msg("serving")

	if settings.EnableScheduler {
		sched := pipeline.NewScheduler(a.runner, a.manager.Health(), settings, log.Logger)
		go func() {
			if err := sched.Start(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("scheduler exited")
			}
		}()
	} else {
		log.Info().Msg("scheduler disabled, runs are manual")
	}

	select {
	case err := <-serverErr:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func runPipeline(cmd *cobra.Command, args []string) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}

	a, err := buildApp(settings)
	if err != nil {
		return err
	}
	defer a.close()

	force, _ := cmd.Flags().GetBool("force")
	result, err := a.runner.Run(cmd.Context(), args[0], force)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}

	a, err := buildApp(settings)
	if err != nil {
		return err
	}
	defer a.close()

	return a.migrate(cmd.Context())
}
