// Command transcriptd serves the versioned-transcript store and its
// alignment pipeline over HTTP. Bootstrap shape grounded on
// services/storage/cmd/storage/main.go: load config, open the store,
// wire the router, serve, and shut down gracefully on signal.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wavetext/transcripts/internal/align"
	"github.com/wavetext/transcripts/internal/api"
	"github.com/wavetext/transcripts/internal/config"
	"github.com/wavetext/transcripts/internal/save"
	"github.com/wavetext/transcripts/internal/store"
	"github.com/wavetext/transcripts/pkg/applog"
)

const serviceName = "transcriptd"

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	logger := applog.NewDefault(os.Stdout, serviceName)
	ctx := context.Background()

	cfg, err := config.Load(*configPath, "TRANSCRIPTS_")
	if err != nil {
		logger.Error(ctx, "config load failed", map[string]any{"error": err.Error()})
		os.Exit(1)
	}

	st, err := store.Open(cfg.SQLitePath())
	if err != nil {
		logger.Error(ctx, "store open failed", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
	defer st.Close()

	alignClient := align.NewClient(cfg.AlignEndpoint)
	coordinator := save.New(st, alignClient, cfg, logger)
	a := api.New(st, coordinator, cfg, logger)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           a.Router(),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      90 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info(ctx, "service start", map[string]any{
		"service":        serviceName,
		"addr":           cfg.ListenAddr,
		"data_dir":       cfg.DataDir,
		"align_endpoint": cfg.AlignEndpoint,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info(ctx, "shutdown signal", map[string]any{"signal": sig.String()})
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "server error", map[string]any{"error": err.Error()})
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "shutdown error", map[string]any{"error": err.Error()})
	} else {
		logger.Info(ctx, "shutdown complete", map[string]any{"service": serviceName})
	}
}
