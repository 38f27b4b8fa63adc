package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"odin-term/internal/audit"
	"odin-term/internal/auth"
	"odin-term/internal/config"
	"odin-term/internal/identity"
	"odin-term/internal/logging"
	"odin-term/internal/metrics"
	"odin-term/internal/multiplexer"
	"odin-term/internal/multiplexer/memtmux"
	"odin-term/internal/multiplexer/tmux"
	"odin-term/internal/session"
	"odin-term/internal/transport"
	"odin-term/internal/web"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the WebSocket and REST server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	metricsRegistry := metrics.NewRegistry()

	logger, err := logging.NewLogger(cfg.Logging, metricsRegistry)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync() // nolint:errcheck

	mux := buildMultiplexer(cfg.Multiplexer)
	resolver := buildResolver(cfg.Auth)
	auditSink := audit.NewLogSink(logger)

	sessCfg := cfg.Session.ToSessionConfig()
	registry := session.NewSessionRegistry(mux, sessCfg, metricsRegistry, auditSink, logger)

	transportServer := transport.NewServer(cfg.Server, cfg.Transport, sessCfg, logger, registry, resolver, metricsRegistry)

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := transportServer.Start(runCtx); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	logger.Info("transport started", zap.String("host", cfg.Server.Host), zap.Int("port", cfg.Server.Port))

	httpErrCh := make(chan error, 1)
	go func() {
		httpErrCh <- runHTTPServer(runCtx, cfg, registry, resolver, metricsRegistry, logger)
	}()

	select {
	case <-runCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-httpErrCh:
		if err != nil {
			logger.Error("http server error", zap.Error(err))
		}
		stop()
	}

	registry.ShutdownAll("server shutting down", 10*time.Second)
	transportServer.Stop()
	logger.Info("transport stopped")
	return nil
}

func buildMultiplexer(cfg config.MultiplexerConfig) multiplexer.Multiplexer {
	if cfg.UseFake {
		return memtmux.New()
	}
	return tmux.New(
		tmux.WithBinary(cfg.Binary),
		tmux.WithSocket(cfg.Socket),
		tmux.WithPipeDir(cfg.PipeDir),
	)
}

func buildResolver(cfg config.AuthConfig) identity.Resolver {
	if cfg.DemoMode {
		return identity.NewDemoResolver()
	}
	return auth.NewManager(cfg.JWTSecret, cfg.TokenDuration)
}

func runHTTPServer(ctx context.Context, cfg config.Config, registry *session.SessionRegistry, resolver identity.Resolver, metricsRegistry *metrics.Registry, logger *zap.Logger) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"status":    "healthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Endpoint, metricsRegistry.Handler())
	}

	web.NewHandler(registry, resolver, logger).Mount(mux)

	httpServer := &http.Server{
		Addr:         cfg.Metrics.ListenAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", zap.String("addr", cfg.Metrics.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http server shutdown error", zap.Error(err))
		}
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
