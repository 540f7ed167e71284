// Command tile-download-service runs the trip cache behind an HTTP control API.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/geoyee/tripcache/internal/app"
	"github.com/geoyee/tripcache/internal/config"
	"github.com/geoyee/tripcache/internal/logging"
	"github.com/geoyee/tripcache/internal/server"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	var cfgFile string

	root := &cobra.Command{
		Use:   "tile-download-service",
		Short: "Trip tile cache control API",
		Long: `tile-download-service keeps the trip tile cache running and exposes it over HTTP.

API Endpoints:
  POST /api/trips/{id}/download  Start caching a bounding box
  POST /api/trips/{id}/resume    Resume from the checkpoint
  POST /api/trips/{id}/pause     Pause with a checkpoint
  POST /api/trips/{id}/cancel    Stop and discard tiles and checkpoint
  GET  /api/trips/{id}           Trip status
  GET  /api/checkpoints          Paused downloads
  GET  /api/cache                Cache usage
  GET  /api/health               Health check
  GET  /metrics                  Prometheus metrics`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runService(cmd, v, cfgFile)
		},
	}

	flags := root.Flags()
	flags.StringVar(&cfgFile, "config", "", "config file (default: ./tripcache.yaml)")
	flags.String("host", "", "server host")
	flags.Int("port", 0, "server port")
	flags.String("cache-root", "", "cache directory")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("log-format", "", "log format (console, json)")

	_ = v.BindPFlag("server.host", flags.Lookup("host"))
	_ = v.BindPFlag("server.port", flags.Lookup("port"))
	_ = v.BindPFlag("cache.root", flags.Lookup("cache-root"))
	_ = v.BindPFlag("logging.level", flags.Lookup("log-level"))
	_ = v.BindPFlag("logging.format", flags.Lookup("log-format"))

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "tile-download-service %s\n", version)
			fmt.Fprintf(out, "  Commit:     %s\n", commit)
			fmt.Fprintf(out, "  Build Date: %s\n", buildDate)
		},
	})
	return root
}

func runService(cmd *cobra.Command, v *viper.Viper, cfgFile string) error {
	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger, err := logging.NewWithWriter(cfg.Logging, cmd.ErrOrStderr())
	if err != nil {
		return fmt.Errorf("configuring logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	settings := config.NewSettings(v, cfg, logger)
	application, err := app.New(ctx, settings, logger)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	settings.Watch()

	srv := server.New(application, logger.With().Str("component", "server").Logger())
	logger.Info().
		Str("version", version).
		Str("address", srv.Addr()).
		Str("cache_root", cfg.Cache.Root).
		Int("max_size_mb", cfg.Cache.MaxSizeMB).
		Msg("starting tile download service")

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("received shutdown signal")
	case err := <-serverErr:
		if err != nil {
			logger.Error().Err(err).Msg("server error")
			runErr = err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown")
	}
	// Running downloads are interrupted here and leave resumable checkpoints.
	if err := application.Close(); err != nil {
		logger.Error().Err(err).Msg("closing application")
		if runErr == nil {
			runErr = err
		}
	}
	logger.Info().Msg("service stopped")
	return runErr
}
