package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/louspringer/inter-llm-mailbox/pkg/drivers/redis"
	"github.com/louspringer/inter-llm-mailbox/pkg/health"
	"github.com/louspringer/inter-llm-mailbox/pkg/mailboxcore"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the mailbox service",
	Long: `Start the mailbox service against a Redis backend and serve
/metrics and /healthz over HTTP.

Example:
  mailboxd serve --config mailboxd.yaml
  mailboxd serve --redis-addr localhost:6379 --listen :9080
`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("listen", "", "HTTP listen address for /metrics and /healthz (default :9080)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.Listen = listen
	}

	ctx := context.Background()
	slog.Info("connecting to backend", "address", cfg.Backend.Address, "db", cfg.Backend.DB)
	driver, err := redis.New(ctx, cfg.Backend)
	if err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	defer driver.Close()

	core, err := mailboxcore.New(driver, cfg.Core)
	if err != nil {
		return fmt.Errorf("build core: %w", err)
	}
	if err := core.Start(ctx); err != nil {
		return fmt.Errorf("start core: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(core.Metrics().Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		status, _ := core.Health(r.Context())
		code := http.StatusOK
		if status.State == health.StateUnhealthy {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]any{
			"state":      status.State.String(),
			"message":    status.Message,
			"components": status.Details,
		})
	})
	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("http listener started", "address", cfg.Listen)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http listener failed", "error", err)
		}
	}()

	slog.Info("mailboxd running")
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig
	slog.Info("shutting down", "signal", received.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown failed", "error", err)
	}
	if err := core.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("stop core: %w", err)
	}
	slog.Info("shutdown complete", "routing", core.RealtimeStats().String())
	return nil
}
