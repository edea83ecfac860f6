package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/chunkforge/internal/jobs"
	"github.com/danielpatrickdp/chunkforge/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the job API over HTTP",
	RunE:  runServe,
}

// #region serve
func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer d.Close()
	collectors := d.withMetrics()

	orch, err := d.orchestrator(cfg)
	if err != nil {
		return err
	}
	registry := jobs.NewRegistry(cfg.Server.JobTTL)
	runner := jobs.NewRunner(orch, d.store, registry, cfg.Server.MaxConcurrent, collectors, logger)
	if cfg.Server.JobTTL > 0 && cfg.Server.ExpiryInterval > 0 {
		go registry.RunExpiry(ctx, cfg.Server.ExpiryInterval)
	}

	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := server.New(runner, d.store,
		server.WithSessionLog(d.log),
		server.WithMetrics(collectors.Handler()),
		server.WithLogger(logger))
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", slog.String("addr", cfg.Server.Addr),
			slog.String("store", cfg.Store.Backend),
			slog.String("engine", cfg.Inference.Engine))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", slog.String("error", err.Error()))
	}
	// Jobs stop before their next chunk; every written checkpoint stays resumable.
	return runner.Shutdown(shutdownCtx)
}

// #endregion serve
