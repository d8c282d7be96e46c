package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"relator/api/internal/app"
	"relator/api/internal/config"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := app.Wire(ctx, cfg, app.WireOptions{SelfInvoke: true, Search: true}, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer rt.Close()

	if dir := strings.TrimSpace(cfg.DefinitionsDir); dir != "" {
		if err := rt.SeedDefinitions(ctx, dir); err != nil {
			logger.Warn("seeding definitions failed", "dir", dir, "error", err)
		}
		if err := rt.WatchDefinitions(ctx, dir); err != nil {
			logger.Warn("watching definitions failed", "dir", dir, "error", err)
		}
	}

	httpServer := app.NewHTTPServer(rt.Service, cfg.CORSOrigin, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("relator api listening", "addr", cfg.Addr, "store", cfg.StoreDriver)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Pick up tasks left queued by a previous process.
	rt.Service.RunExecutor("startup")

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	rt.Service.Wait()
}
