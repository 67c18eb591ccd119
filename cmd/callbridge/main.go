package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/callbridge/internal/app"
	"github.com/ent0n29/callbridge/internal/config"
	"github.com/ent0n29/callbridge/internal/observability"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("callbridge: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	logger, err := observability.NewLogger(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("logger init failed: %w", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	built, err := app.Build(rootCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := built.Cleanup(); err != nil {
			logger.Warn("cleanup failed", "error", err)
		}
	}()

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: otelhttp.NewHandler(built.API.Router(), "callbridge"),
	}

	// mediaCtx outlives the signal so framed calls keep attaching while the
	// orchestrator drains; it is cancelled once draining is over.
	mediaCtx, cancelMedia := context.WithCancel(context.Background())
	defer cancelMedia()

	g := new(errgroup.Group)
	g.Go(func() error {
		logger.Info("server listening", "addr", cfg.BindAddr, "provider", cfg.Provider)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			stop()
			return fmt.Errorf("listen error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := built.ServeMedia(mediaCtx); err != nil {
			stop()
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-rootCtx.Done()
		logger.Info("shutdown signal received")

		drainCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		res := built.Orchestrator.Shutdown(drainCtx)
		if len(res.Forced) > 0 {
			logger.Warn("calls force-terminated at shutdown", "call_ids", res.Forced)
		}
		cancelMedia()

		httpCtx, cancelHTTP := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancelHTTP()
		if err := httpServer.Shutdown(httpCtx); err != nil {
			logger.Warn("graceful shutdown failed", "error", err)
			_ = httpServer.Close()
		}
		return nil
	})

	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}
