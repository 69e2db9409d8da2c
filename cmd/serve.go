package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"reelsmith/internal/pipeline"
	"reelsmith/internal/server"
	"reelsmith/pkg/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server and job pipelines",
	Long: `Start the HTTP API and resume every job that was mid-flight when the
process last stopped. Jobs interrupted by shutdown resume on the next start.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	cfg := config.Load()

	build, err := pipeline.BuildService(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := build.Close(); err != nil {
			slog.Error("Shutdown cleanup failed", "error", err)
		}
	}()

	if err := build.Service.ResumeActive(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: server.New(build.Service).Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API listening", "addr", cfg.Server.ListenAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("Shutting down", "signal", sig)
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown failed", "error", err)
	}

	// In-flight pipelines are not drained; the store makes them resumable.
	slog.Info("Stopped; interrupted jobs resume on next start")
	return nil
}
