package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loykin/simrunner"
)

// shutdownSlack is added to runner.shutdown_timeout for closing listeners.
const shutdownSlack = 5 * time.Second

func runServe(ctx context.Context, flags ServeFlags, args []string, out io.Writer) error {
	configPath := flags.ConfigPath
	if len(args) > 0 {
		configPath = args[0]
	}
	cfg, err := simrunner.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if flags.Daemonize {
		_, err := daemonize(flags.PidFile, flags.LogFile, out)
		return err
	}

	srv, err := simrunner.New(cfg)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := srv.Start(ctx); err != nil {
		return err
	}
	if flags.PidFile != "" {
		defer func() { _ = removePidFile(flags.PidFile) }()
	}
	_, _ = fmt.Fprintf(out, "simrunner serving on %s%s\n", srv.Addr(), cfg.Server.BasePath)

	<-ctx.Done()
	_, _ = fmt.Fprintln(out, "Shutting down...")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.Runner.ShutdownTimeout+shutdownSlack)
	defer cancel()
	return srv.Shutdown(sctx)
}
