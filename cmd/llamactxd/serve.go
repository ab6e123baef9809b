package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"llamactx/internal/httpapi"
	"llamactx/internal/registry"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(o *rootOptions) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Run the HTTP API",
		Example: "  llamactxd serve --engine server --server-url http://127.0.0.1:8081",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := o.loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("watch") {
				cfg.WatchDir = watch
			}
			logger := newLogger(cfg.LogLevel, os.Stderr)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			ctx = logger.WithContext(ctx)

			rt, err := newRuntime(ctx, cfg, logger)
			if err != nil {
				return err
			}
			if rep := rt.mgr.SanityCheck(); rep.Error != "" {
				logger.Warn().Str("engine", rep.Engine).Str("error", rep.Error).Msg("sanity check failed")
			}

			opts := httpapi.Options{}
			if rt.sessions != nil {
				opts.Sessions = rt.sessions
			}
			if cfg.WatchDir {
				w, err := registry.Watch(cfg.ModelsDir, logger)
				if err != nil {
					rt.close(context.Background())
					return err
				}
				defer w.Close()
				opts.Models = w
			} else {
				models, err := registry.LoadDir(cfg.ModelsDir)
				if err != nil {
					logger.Warn().Err(err).Str("dir", cfg.ModelsDir).Msg("failed to load models")
				}
				opts.Models = httpapi.StaticModels(models)
			}

			httpapi.SetLogger(logger)
			httpapi.SetBaseContext(ctx)
			httpapi.SetMaxBodyBytes(cfg.MaxBodyBytes)
			httpapi.SetCORSOptions(cfg.CORSEnabled, cfg.CORSAllowedOrigins, cfg.CORSAllowedMethods, cfg.CORSAllowedHeaders)

			srv := &http.Server{
				Addr:              cfg.Addr,
				Handler:           httpapi.NewMux(rt.mgr, opts),
				ReadHeaderTimeout: 10 * time.Second,
			}
			return serve(ctx, srv, rt, logger, cfg.ModelsDir)
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "Rescan the models dir when it changes")
	return cmd
}

func serve(ctx context.Context, srv *http.Server, rt *runtime, logger zerolog.Logger, modelsDir string) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Str("models_dir", modelsDir).Str("engine", string(rt.mgr.Kind())).Msg("llamactxd listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	// Graceful shutdown (Ctrl+C / SIGTERM)
	sctx, cancel := context.WithTimeout(logger.WithContext(context.Background()), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		logger.Warn().Err(err).Msg("graceful shutdown error")
	}
	rt.close(sctx)
	logger.Info().Msg("llamactxd stopped")
	return serveErr
}
