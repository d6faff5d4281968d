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

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/machinepay/channeld/internal/api"
	"github.com/machinepay/channeld/internal/channel"
	"github.com/machinepay/channeld/internal/config"
	"github.com/machinepay/channeld/internal/device"
	"github.com/machinepay/channeld/internal/meter"
	"github.com/machinepay/channeld/internal/settlement"
	"github.com/machinepay/channeld/internal/stream"
	"github.com/machinepay/channeld/internal/usage"
	"github.com/machinepay/channeld/internal/webhook"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Redis ─────────────────────────────────────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}

	// ── Settlement client (operator key → signed receipts) ────────────────────
	operatorKey, err := crypto.HexToECDSA(cfg.Settlement.OperatorKey)
	if err != nil {
		log.Fatal("invalid OPERATOR_KEY", zap.Error(err))
	}
	settler := settlement.NewClient(
		cfg.Settlement.URL,
		cfg.Settlement.APIKey,
		operatorKey,
		rdb,
		time.Duration(cfg.Settlement.TimeoutSec)*time.Second,
		log,
	)
	log.Info("settlement client ready", zap.String("operator", settler.Operator().Hex()))

	// ── Webhook notifier (no-op when WEBHOOK_URL is unset) ────────────────────
	notifier := webhook.NewNotifier(cfg.Webhook.URL, log)

	// ── Stores and engines ────────────────────────────────────────────────────
	channels := channel.NewStore(rdb)
	streams := stream.NewStore(rdb)
	streamEngine := stream.NewEngine(streams, channels, notifier, log)
	lifecycle := channel.NewController(channels, settler, streamEngine, notifier, log)

	meters := meter.NewStore(rdb)
	devices := device.NewRegistry(rdb, log)
	usageEngine := usage.NewEngine(rdb, channels, meters, devices, notifier, log)

	// ── Goroutines ────────────────────────────────────────────────────────────
	go streamEngine.RunFlusher(ctx, time.Duration(cfg.Engine.FlushIntervalSec)*time.Second)

	// ── HTTP server ───────────────────────────────────────────────────────────
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	apiGroup := r.Group("/api")
	api.NewHandler(lifecycle, channels, streamEngine, usageEngine, meters, devices, log).Register(apiGroup)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Info("HTTP server starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
}
