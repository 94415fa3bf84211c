// Quince Server
//
// The multi-tenant note row store: JWT auth, full-tree pull/push over HTTP,
// SSE realtime change ticks, Prometheus metrics and structured logging.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/quincenote/quince/internal/config"
	"github.com/quincenote/quince/internal/metrics"
	"github.com/quincenote/quince/internal/server/api"
	"github.com/quincenote/quince/internal/server/auth"
	"github.com/quincenote/quince/internal/server/events"
	"github.com/quincenote/quince/internal/server/store"
	"github.com/quincenote/quince/pkg/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("Quince server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logging.Info("connecting to PostgreSQL...")
	noteStore, err := store.New(cfg.DatabaseURL)
	if err != nil {
		logging.Fatal("database connection failed", zap.Error(err))
	}
	defer noteStore.Close()

	if err := noteStore.Migrate(ctx); err != nil {
		logging.Fatal("migration failed", zap.Error(err))
	}

	authHandler := auth.New(noteStore, cfg.JWTSecret, cfg.TokenTTL)
	broadcaster := events.NewBroadcaster()

	server := api.NewServer(noteStore, authHandler, broadcaster, cfg.MaxPushBytes)

	// Metrics on a separate listener
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		logging.Info("metrics listening", zap.String("addr", cfg.MetricsAddr))
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logging.Error("metrics listener failed", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		var err error
		if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
			logging.Info("serving HTTPS", zap.String("addr", cfg.ListenAddr))
			err = httpServer.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			logging.Info("serving HTTP", zap.String("addr", cfg.ListenAddr))
			err = httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logging.Fatal("server failed", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logging.Info("shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logging.Error("shutdown error", zap.Error(err))
	}
}
