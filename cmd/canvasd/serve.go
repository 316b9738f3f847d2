package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"canvasledger/internal/app"
	"canvasledger/internal/clock"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if os.Getenv(gin.EnvGinMode) == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := openRuntime(ctx, cfg, logger, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	defer rt.Close()

	// A flushed counter would hand out ids that are already stored.
	if floor, err := rt.service.ReseedSequencer(ctx); err != nil {
		logger.Error("sequencer reseed failed", "error", err)
	} else {
		logger.Info("sequencer ready", "floor", floor)
	}

	var wg sync.WaitGroup
	workerCtx, cancelWorker := context.WithCancel(context.WithoutCancel(ctx))
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := rt.worker().Run(workerCtx); err != nil {
			logger.Error("ledger retry worker stopped", "error", err)
		}
	}()

	httpServer := app.NewHTTPServer(rt.service, app.HTTPOptions{
		AuthSecret: cfg.AuthSecret,
		CORSOrigin: cfg.CORSOrigin,
		Gatherer:   prometheus.DefaultGatherer,
		Logger:     logger,
		Clock:      clock.System(),
	})
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("canvas API listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-serveErr:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Error("shutdown error", "error", shutdownErr)
	}
	cancelWorker()
	wg.Wait()
	return err
}
