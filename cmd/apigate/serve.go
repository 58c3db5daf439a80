package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/omarluq/apigate/internal/di"
	"github.com/omarluq/apigate/internal/version"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the apigate server",
	Long: `Start the HTTP server that enforces per-tenant rate limits, manages tenant
OAuth tokens and forwards requests to the upstream API.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	configPath, err := resolveConfigPath()
	if err != nil {
		return err
	}

	container, err := di.NewContainer(configPath)
	if err != nil {
		return fmt.Errorf("failed to create container: %w", err)
	}

	// The logger comes first so every later failure is logged in the
	// configured format.
	if _, err := di.Invoke[*di.LoggerService](container); err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	srvSvc, err := di.Invoke[*di.ServerService](container)
	if err != nil {
		log.Error().Err(err).Str("path", configPath).Msg("failed to build server")
		return errors.Join(err, container.Shutdown())
	}
	checker := di.MustInvoke[*di.CheckerService](container)
	cfgSvc := di.MustInvoke[*di.ConfigService](container)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	checker.Start()
	cfgSvc.StartWatching(ctx)

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("listen", srvSvc.Server.Addr()).
			Str("version", version.Short()).
			Msg("starting apigate")
		errCh <- srvSvc.Server.ListenAndServe()
	}()

	var serveErr error
	select {
	case serveErr = <-errCh:
		if serveErr != nil {
			log.Error().Err(serveErr).Msg("server error")
		}
	case <-ctx.Done():
		log.Info().Msg("shutting down...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srvSvc.Server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}
	if err := container.ShutdownWithContext(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("service shutdown error")
	}

	log.Info().Msg("server stopped")
	return serveErr
}
