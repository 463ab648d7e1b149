// Command reconcile pushes queued offline submissions to the remote store
// once and exits. Run it from cron on sites without a resident engine.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/mind-engage/mindengage-testengine/internal/app"
	"github.com/mind-engage/mindengage-testengine/internal/config"
	"github.com/mind-engage/mindengage-testengine/internal/logger"
)

func main() { os.Exit(run()) }

func run() int {
	configDir := flag.String("config", ".", "directory holding config.yaml")
	timeout := flag.Duration("timeout", 5*time.Minute, "give up after this long")
	flag.Parse()

	_ = godotenv.Load()
	cfg, err := config.Load(*configDir)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	zl, err := logger.New(logger.Options{Env: cfg.Env, Level: cfg.Log.Level, File: cfg.Log.File})
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	rt, err := app.Build(ctx, cfg, zl)
	if err != nil {
		zl.Fatal("startup failed", zap.Error(err))
	}
	defer rt.Close()

	if !rt.Probe.IsOnline(ctx) {
		zl.Info("remote store unreachable, nothing to do")
		return 0
	}
	res, err := rt.Engine.Reconcile(ctx)
	if err != nil {
		zl.Error("reconcile failed", zap.Error(err))
		return 1
	}
	zl.Info("reconcile done", zap.Int("succeeded", res.Succeeded), zap.Int("failed", res.Failed),
		zap.Int("pruned", res.Pruned))
	if res.Failed > 0 {
		return 2
	}
	return 0
}
