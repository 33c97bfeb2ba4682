package service

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"wisefido-rtls/internal/cache"
	"wisefido-rtls/internal/config"
	"wisefido-rtls/internal/database"
	"wisefido-rtls/internal/metrics"
	"wisefido-rtls/internal/processor"
	"wisefido-rtls/internal/publisher"
	rtlsredis "wisefido-rtls/internal/redis"
	"wisefido-rtls/internal/repository"
	"wisefido-rtls/internal/zone"
)

// RTLSService 室内定位服务
type RTLSService struct {
	config        *config.Config
	logger        *zap.Logger
	db            *sql.DB
	redisClient   *redis.Client
	collector     *metrics.Collector
	metricsServer *metrics.Server
	publisher     *publisher.Publisher
	processor     *processor.Processor

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRTLSService 创建定位服务
func NewRTLSService(cfg *config.Config, logger *zap.Logger) (*RTLSService, error) {
	ctx := context.Background()

	// 初始化数据库
	db, err := database.NewPostgresDB(ctx, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	store := repository.NewPostgresStore(db, logger)

	s := &RTLSService{
		config: cfg,
		logger: logger,
		db:     db,
	}

	// 指标
	if cfg.Metrics.Enabled {
		collector, err := metrics.NewCollector(nil)
		if err != nil {
			_ = database.Close(db)
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
		s.collector = collector
		s.metricsServer = metrics.NewServer(cfg.Metrics.Addr, collector.Gatherer(), logger)
	}

	s.publisher = publisher.New(nil, publisher.Options{
		QueueSize:      cfg.Publisher.QueueSize,
		PublishTimeout: cfg.Publisher.PublishTimeout,
		ConnectTimeout: cfg.MQTT.ConnectTimeout,
		ClientIDPrefix: cfg.MQTT.ClientIDPrefix + "-pub",
		KeepAlive:      cfg.MQTT.KeepAlive,
		QoS:            cfg.MQTT.QoS,
	}, s.collector, logger)

	opts := []processor.Option{
		processor.WithLogger(logger),
		processor.WithMQTTOptions(processor.MQTTOptions{
			ClientIDPrefix: cfg.MQTT.ClientIDPrefix,
			KeepAlive:      cfg.MQTT.KeepAlive,
			ConnectTimeout: cfg.MQTT.ConnectTimeout,
			QoS:            cfg.MQTT.QoS,
			BufferSize:     cfg.MQTT.BufferSize,
		}),
		processor.WithSettings(cfg.DefaultSettings()),
		processor.WithStopTimeout(cfg.Processing.StopTimeout),
		processor.WithPublisher(s.publisher),
		processor.WithMetrics(s.collector),
	}

	// 最新位置缓存
	if cfg.Cache.Enabled {
		s.redisClient = rtlsredis.NewRedisClient(&cfg.Redis)
		if err := rtlsredis.Ping(ctx, s.redisClient); err != nil {
			s.closeResources()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		opts = append(opts, processor.WithPositionCache(cache.NewPositionCache(s.redisClient, cache.Options{
			KeyPrefix:    cfg.Cache.KeyPrefix,
			TTL:          cfg.Cache.TTL,
			Stream:       cfg.Cache.Stream,
			StreamMaxLen: cfg.Cache.StreamMaxLen,
		}, logger)))
	}

	// 区域进出告警
	if cfg.Zone.Enabled {
		opts = append(opts, processor.WithZoneEvaluator(zone.NewDetector(store, zone.Options{
			DedupWindow: cfg.Zone.DedupWindow,
		}, logger)))
	}

	s.processor = processor.New(store, opts...)
	return s, nil
}

// Processor 信号处理器
func (s *RTLSService) Processor() *processor.Processor {
	return s.processor
}

// Start 启动服务
// MQTT 连接失败不算致命错误，由看门狗重试
func (s *RTLSService) Start(ctx context.Context) error {
	s.logger.Info("Starting RTLS service components")

	if s.metricsServer != nil {
		s.metricsServer.Start()
	}

	if err := s.processor.Start(ctx); err != nil {
		s.logger.Warn("Signal processor not started, watchdog will retry", zap.Error(err))
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		runWatchdog(loopCtx, s.processor, s.config.Service.WatchdogInterval, s.logger)
	}()
	go func() {
		defer s.wg.Done()
		runStatsReporter(loopCtx, s.processor, s.publisher, s.config.Service.StatsInterval, s.logger)
	}()

	s.logger.Info("RTLS service started successfully")
	return nil
}

// Stop 停止服务
func (s *RTLSService) Stop(ctx context.Context) error {
	s.logger.Info("Stopping RTLS service")

	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	s.processor.Stop()
	s.publisher.Close()

	if s.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := s.metricsServer.Stop(shutdownCtx); err != nil {
			s.logger.Error("Error stopping metrics server", zap.Error(err))
		}
		cancel()
	}

	s.closeResources()
	s.logger.Info("RTLS service stopped")
	return nil
}

func (s *RTLSService) closeResources() {
	// 关闭Redis
	if err := rtlsredis.Close(s.redisClient); err != nil {
		s.logger.Error("Error closing Redis client", zap.Error(err))
	}
	// 关闭数据库
	if err := database.Close(s.db); err != nil {
		s.logger.Error("Error closing database connection", zap.Error(err))
	}
}
