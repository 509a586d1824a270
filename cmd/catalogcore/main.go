// cmd/catalogcore/main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lelloman/catalogcore/internal/config"
	"github.com/lelloman/catalogcore/internal/engine"
	"github.com/lelloman/catalogcore/internal/kvstore"
	"github.com/lelloman/catalogcore/internal/logging"
	"github.com/lelloman/catalogcore/internal/transport"
)

func main() {
	logCfg := logging.Config{
		Level:  os.Getenv("CATALOGCORE_LOG_LEVEL"),
		Format: os.Getenv("CATALOGCORE_LOG_FORMAT"),
	}
	logger, err := logging.New(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "catalogcore: build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load(os.Getenv("CATALOGCORE_CONFIG_PATH"))
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	dbCfg := kvstore.Config{
		Host:     getenvDefault("DB_HOST", "localhost"),
		Port:     getenvInt("DB_PORT", 5432),
		Database: getenvDefault("DB_NAME", "catalogcore"),
		User:     getenvDefault("DB_USER", "catalogcore"),
		Password: os.Getenv("DB_PASSWORD"),
		SSLMode:  getenvDefault("DB_SSLMODE", "disable"),
	}
	db, err := kvstore.NewPostgres(dbCfg, logger)
	if err != nil {
		logger.Fatal("connect to kvstore", zap.Error(err))
	}
	defer func() { _ = db.Close() }()

	httpClient := transport.NewHTTPClient(cfg.BaseURL, logger)
	pushListener := transport.NewWSPushListener(getenvDefault("CATALOGCORE_PUSH_URL", wsURLFromBase(cfg.BaseURL)), logger)

	eng := engine.New(cfg, db, httpClient, pushListener, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.Run(ctx); err != nil {
		logger.Fatal("start engine", zap.Error(err))
	}

	if path := os.Getenv("CATALOGCORE_CONFIG_PATH"); path != "" {
		go config.Watch(ctx, path, 30*time.Second, func(reloaded config.Config, err error) {
			if err != nil {
				logger.Warn("config reload failed, keeping previous config", zap.Error(err))
				return
			}
			logger.Info("config reloaded", zap.String("base_url", reloaded.BaseURL))
		})
	}

	metricsAddr := getenvDefault("CATALOGCORE_METRICS_ADDR", ":9090")
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	router.Handle("/metrics", eng.Metrics().Handler())
	metricsServer := &http.Server{Addr: metricsAddr, Handler: router}
	go func() {
		logger.Info("metrics server listening", zap.String("addr", metricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	_ = metricsServer.Shutdown(shutdownCtx)
	if err := eng.Shutdown(shutdownCtx); err != nil {
		logger.Error("engine shutdown", zap.Error(err))
	}
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// wsURLFromBase derives a default push-listener URL from the HTTP base
// URL when CATALOGCORE_PUSH_URL isn't set explicitly.
func wsURLFromBase(baseURL string) string {
	switch {
	case len(baseURL) >= 8 && baseURL[:8] == "https://":
		return "wss://" + baseURL[8:] + "/ws"
	case len(baseURL) >= 7 && baseURL[:7] == "http://":
		return "ws://" + baseURL[7:] + "/ws"
	default:
		return baseURL
	}
}
