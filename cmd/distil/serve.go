package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/distil/internal/api"
	"github.com/hyperengineering/distil/internal/publish"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the run status API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := appConfig

	// 1. Signal handling
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// 2. Run store (migrations, WAL mode)
	db, err := openStore()
	if err != nil {
		return err
	}
	slog.Info("store initialized", "component", "cli", "path", cfg.Database.Path)

	// 3. Checkpoint storage for pre-signed downloads
	uploader, err := publish.NewUploader(cfg.Publish)
	if err != nil {
		db.Close()
		return err
	}

	// 4. HTTP router
	handler := api.NewHandler(db, uploader, cfg.Teacher.Model, cfg.Student.Model, cfg.Auth.APIKey, Version)
	router := api.NewRouter(handler)
	if cfg.Auth.APIKey == "" {
		slog.Warn("DISTIL_API_KEY is not set, run endpoints are unauthenticated", "component", "cli")
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	// 5. Start HTTP server in goroutine
	go func() {
		slog.Info("server starting", "component", "cli", "address", addr)
		// ErrServerClosed is the expected error after Shutdown.
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "component", "cli", "error", err)
			cancel()
		}
	}()

	// 6. Block until signal received
	<-ctx.Done()
	slog.Info("shutdown initiated", "component", "cli")

	// 7. Graceful shutdown sequence
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "component", "cli", "error", err)
	}
	if err := db.Close(); err != nil {
		slog.Error("store close error", "component", "cli", "error", err)
	}

	slog.Info("shutdown complete", "component", "cli")
	return nil
}
