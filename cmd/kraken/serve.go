package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/kraken/internal/server"
)

var serveListen string

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator and its HTTP API",
		Long: `Run the extension orchestrator and serve the version chooser API.

On start the persisted extensions are recovered: interrupted updates are
resumed or rolled back and orphan containers are removed. The reconcile loop
then keeps every enabled extension running.

By default, the server listens on the address configured in the config file
(default: 0.0.0.0:9110). Use --listen to override.`,
		Example: `  kraken serve
  kraken serve --listen 127.0.0.1:9110`,
		RunE: serveRun,
	}

	cmd.Flags().StringVar(&serveListen, "listen", "", "address to listen on (host:port)")

	return cmd
}

func serveRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	listen := serveListen
	if listen == "" {
		listen = globalCfg.Server.Listen
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := initializeComponents(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize components: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, globalCfg.Runtime.CallTimeout)
	if err := a.runtime.Ping(pingCtx); err != nil {
		log.Warn("container runtime not reachable yet", "error", err)
	}
	cancel()

	log.Info("server starting", "listen", listen, "data_dir", globalCfg.Server.DataDir)
	if err := a.orchestrator.Start(ctx); err != nil {
		return fmt.Errorf("failed to start orchestrator: %w", err)
	}

	srv := server.NewServer(a.chooser, logger)

	errChan := make(chan error, 1)
	go func() {
		if err := srv.Start(listen); err != nil {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		log.Info("received shutdown signal")
		fmt.Fprintln(os.Stderr, "Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		if err := a.orchestrator.Close(); err != nil {
			return fmt.Errorf("orchestrator shutdown error: %w", err)
		}
		fmt.Fprintln(os.Stderr, "Server stopped gracefully")
	}

	return nil
}
