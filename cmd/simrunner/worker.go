package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/loykin/simrunner/internal/backend"
	"github.com/loykin/simrunner/internal/config"
	"github.com/loykin/simrunner/internal/logger"
	"github.com/loykin/simrunner/internal/worker"
)

// runWorker is the entry point of a worker process started by the daemon.
// Its stderr already goes to the simulation's log.txt.
func runWorker(ctx context.Context) error {
	spec, conn, err := worker.ChildFromEnv()
	if err != nil {
		return err
	}
	lc := logger.Config{Slog: logger.SlogConfig{Level: logger.LevelInfo, TimeStamps: true}}
	if c, err := config.Load(""); err == nil {
		lc.Slog = c.Log.Slog
	}
	log := lc.NewSloggerTo(os.Stderr).With("simulation", spec.Params.ID, "pid", os.Getpid())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	log.Info("worker starting", "backend", spec.Params.Version.String())
	err = worker.RunChild(ctx, conn, spec, backend.Default(), worker.ChildOptions{Logger: log})
	if err != nil {
		log.Error("worker failed", "error", err)
		return err
	}
	log.Info("worker finished")
	return nil
}
