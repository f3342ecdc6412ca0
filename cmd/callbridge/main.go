package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/antoniostano/callbridge/internal/app"
	"github.com/antoniostano/callbridge/internal/config"
)

const janitorInterval = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	built, err := app.Build(ctx, cfg)
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}
	log.Printf("call log: %s", callLogMode(cfg))
	log.Printf("closing phrases: %d configured, end-call tools: %v", len(cfg.ClosingPhrases), cfg.EndCallTools)

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           built.API.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return built.Calls.RunJanitor(gctx, janitorInterval)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Printf("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("graceful shutdown failed: %v", err)
			_ = httpServer.Close()
		}
		if err := built.Calls.Shutdown(shutdownCtx); err != nil {
			log.Printf("calls did not drain: %v", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Printf("server error: %v", err)
	}
	if err := built.Cleanup(); err != nil {
		log.Printf("cleanup failed: %v", err)
	}
	log.Printf("shutdown complete")
}

func callLogMode(cfg config.Config) string {
	if cfg.DatabaseURL == "" {
		return "in-memory"
	}
	return "postgres"
}
