package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ShayCichocki/nightwatch/internal/config"
	"github.com/ShayCichocki/nightwatch/internal/engine"
	"github.com/ShayCichocki/nightwatch/internal/logging"
	"github.com/ShayCichocki/nightwatch/internal/version"
)

func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine and its HTTP API",
		Long: `Start the orchestration engine: session poller, queue drain loop,
nightly scheduler, self-healing monitor and the HTTP API.

Stops cleanly on SIGINT or SIGTERM. Persisted sessions, batches, queue
entries and the schedule table are restored on start.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			key, err := config.GetAPIKey(cfg)
			if err != nil {
				if errors.Is(err, config.ErrNoAPIKey) {
					return fmt.Errorf("%w: set JULES_API_KEY or run 'nightwatch config jules.api_key <key>'", err)
				}
				return err
			}
			if err := config.ValidateAPIKey(key); err != nil {
				return err
			}
			source := config.GetAPIKeySource(cfg)
			cfg.Jules.APIKey = key

			logger, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			defer logger.Sync()
			logger.Debug("api key loaded",
				zap.String("source", string(source)),
				zap.String("key", config.MaskAPIKey(key)))

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	e, err := engine.New(cfg, logger, engine.Options{})
	if err != nil {
		return err
	}
	defer e.Close()

	if err := e.Restore(); err != nil {
		return err
	}
	logger.Info("nightwatch starting",
		zap.String("version", version.Get()),
		zap.String("addr", cfg.Server.Addr),
		zap.String("store", e.Store.Path()),
		zap.String("driver", e.Store.Driver()),
		zap.String("timezone", cfg.Location().String()))

	if err := e.Run(ctx); err != nil {
		logger.Error("engine stopped", zap.Error(err))
		return err
	}
	logger.Info("nightwatch stopped")
	return nil
}
