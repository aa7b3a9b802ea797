package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/touch/internal/config"
	"github.com/Kocoro-lab/touch/internal/conversation"
	"github.com/Kocoro-lab/touch/internal/health"
	"github.com/Kocoro-lab/touch/internal/httpapi"
	"github.com/Kocoro-lab/touch/internal/tracing"
)

const (
	shutdownTimeout = 15 * time.Second
	purgeInterval   = time.Hour
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the research HTTP API",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	path := configPath(cmd)
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, version, logger)
	if err != nil {
		logger.Warn("Tracing not initialized", zap.Error(err))
	}

	a, err := buildApp(cfg, logger)
	if err != nil {
		return err
	}

	store, err := conversation.Open(ctx, cfg.Store, cfg.Breaker, logger.Named("conversation"))
	if err != nil {
		return fmt.Errorf("open conversation store: %w", err)
	}
	defer store.Close()
	if p, ok := store.(purger); ok {
		go purgeLoop(ctx, p, logger)
	}

	hm := health.NewManager(logger.Named("health"))
	_ = hm.Register(health.NewPingChecker("conversation_store", store, true))
	_ = hm.Register(health.NewBreakerChecker())

	var limiter *httpapi.RateLimiter
	if cfg.Server.RateLimit.Enabled {
		rc := redis.NewClient(&redis.Options{
			Addr:     cfg.Server.RateLimit.RedisAddr,
			Password: os.Getenv("REDIS_PASSWORD"),
		})
		defer rc.Close()
		limiter = httpapi.NewRateLimiter(rc, cfg.Server.RateLimit.RequestsPerMinute, logger.Named("ratelimit"))
	}

	watcher, err := config.NewWatcher(path, cfg, logger.Named("config"))
	if err != nil {
		logger.Warn("Config hot reload disabled", zap.Error(err))
	} else {
		watcher.OnConfig(a.pipeline.ApplyConfig)
		watcher.OnPolicy(a.policy.Reload)
		go func() {
			if err := watcher.Run(ctx); err != nil {
				logger.Warn("Config watcher stopped", zap.Error(err))
			}
		}()
	}

	api := httpapi.NewServer(a.pipeline, a.coordinator, store, health.NewHandler(hm, logger.Named("health")), limiter,
		httpapi.Options{Version: version, CORSOrigins: cfg.Server.CORSOrigins, Heartbeat: cfg.Stream.Heartbeat},
		logger.Named("http"))

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}
	errCh := make(chan error, 2)
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", srv.Addr), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var metricsSrv *http.Server
	if cfg.Server.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.Server.MetricsAddr, Handler: mux, ReadTimeout: 10 * time.Second}
		go func() {
			logger.Info("Metrics server listening", zap.String("addr", metricsSrv.Addr))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", zap.Error(err))
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("Tracing shutdown failed", zap.Error(err))
	}
	return nil
}

type purger interface {
	Purge(ctx context.Context) (int64, error)
}

// purgeLoop drops expired rows from SQL-backed stores. Memory and Redis
// stores expire entries themselves.
func purgeLoop(ctx context.Context, p purger, logger *zap.Logger) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Purge(ctx); err != nil {
				logger.Warn("Conversation purge failed", zap.Error(err))
			}
		}
	}
}
