// API Gatewayのエントリポイント。
// 設定で定義したバックエンドサービスへのリクエストを認証、認可してから転送する。
// 外部からアクセス可能な唯一のサービスであり、セキュリティの境界線となる。
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nao1215/apigw/internal/cache"
	"github.com/nao1215/apigw/internal/config"
	"github.com/nao1215/apigw/internal/database"
	"github.com/nao1215/apigw/internal/gateway"
	"github.com/nao1215/apigw/internal/registry"
	"github.com/nao1215/apigw/pkg/logging"
	"github.com/nao1215/apigw/pkg/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("設定の読み込みに失敗: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("設定が不正です: %v", err)
	}

	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		log.Fatalf("ロガーの初期化に失敗: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Error("API Gatewayが異常終了しました", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	shutdownTracing, err := telemetry.Init(cfg.Tracing.ServiceName, cfg.Tracing.Enabled, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("トレーサーの停止に失敗しました", zap.Error(err))
		}
	}()

	db, err := database.Open(ctx, cfg.Database.Path, logger)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	var statusCache cache.Cache = cache.Nop{}
	if cfg.Redis.URL != "" {
		redisCache, err := cache.NewRedis(ctx, cfg.Redis.URL, cfg.Redis.KeyPrefix)
		if err != nil {
			return err
		}
		defer func() { _ = redisCache.Close() }()
		statusCache = redisCache
	}

	reg, err := registry.FromConfig(cfg.Services)
	if err != nil {
		return err
	}

	server, err := gateway.NewServer(gateway.Deps{
		Config:   cfg,
		Registry: reg,
		DB:       db,
		Logger:   logger,
		Cache:    statusCache,
	})
	if err != nil {
		return err
	}
	return server.Run(ctx)
}
