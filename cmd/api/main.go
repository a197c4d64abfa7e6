package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"brevity-server/internal/app"
	"brevity-server/internal/observability"
)

func main() {
	if err := run(); err != nil {
		observability.NewLogger().Error("server_failed", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runtime, err := app.Build(app.Options{LoadDotEnv: true, RunMigrations: true})
	if err != nil {
		return err
	}
	defer runtime.Close()

	logger := runtime.Logger
	cfg := runtime.Config

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.OTELServiceName, cfg.OTELExporterEndpoint)
	if err != nil {
		logger.Error("init_tracing_failed", map[string]any{"error": err.Error()})
	}

	go runtime.Sweeper.Run(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           runtime.Handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server_start", map[string]any{"addr": srv.Addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("server_stopping", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown server: %w", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("shutdown_tracing_failed", map[string]any{"error": err.Error()})
	}

	logger.Info("server_stopped", nil)
	return nil
}
