package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"wisefido-rtls/internal/config"
	"wisefido-rtls/internal/logger"
	"wisefido-rtls/internal/service"
)

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化Logger
	zl, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "wisefido-rtls")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zl.Sync()

	zl.Info("Starting wisefido-rtls service",
		zap.String("db_host", cfg.Database.Host),
		zap.Duration("refresh_interval", cfg.Processing.RefreshInterval),
		zap.Duration("signal_window", cfg.Processing.SignalWindow),
		zap.Bool("cache_enabled", cfg.Cache.Enabled),
		zap.Bool("zones_enabled", cfg.Zone.Enabled),
		zap.Bool("metrics_enabled", cfg.Metrics.Enabled),
	)

	// 创建服务
	rtlsService, err := service.NewRTLSService(cfg, zl)
	if err != nil {
		zl.Fatal("Failed to create RTLS service", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := rtlsService.Start(ctx); err != nil {
		zl.Fatal("Failed to start RTLS service", zap.Error(err))
	}

	// 等待中断信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	zl.Info("Received signal, shutting down", zap.String("signal", sig.String()))

	// 优雅关闭
	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	if err := rtlsService.Stop(stopCtx); err != nil {
		zl.Error("Error during shutdown", zap.Error(err))
	}

	zl.Info("Service stopped")
}
