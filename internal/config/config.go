package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"wisefido-rtls/internal/models"
)

// ConfigFileEnv 可选的 YAML 配置文件路径，环境变量优先级高于文件
const ConfigFileEnv = "RTLS_CONFIG_FILE"

// Config 定位服务配置
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	MQTT       MQTTConfig       `mapstructure:"mqtt"`
	Processing ProcessingConfig `mapstructure:"processing"`
	Publisher  PublisherConfig  `mapstructure:"publisher"`
	Zone       ZoneConfig       `mapstructure:"zone"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Service    ServiceConfig    `mapstructure:"service"`
	Log        LogConfig        `mapstructure:"log"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int           `mapstructure:"max_conns"`
	MaxIdle         int           `mapstructure:"max_idle"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// MQTTConfig 进程侧的 MQTT 参数，broker 地址和主题来自数据库中的传输配置
type MQTTConfig struct {
	ClientIDPrefix string        `mapstructure:"client_id_prefix"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	KeepAlive      time.Duration `mapstructure:"keep_alive"`
	QoS            byte          `mapstructure:"qos"`
	BufferSize     int           `mapstructure:"buffer_size"` // 最近消息缓冲区（满了丢最旧）
}

// ProcessingConfig 计算周期的默认参数，数据库 processing_settings 表可覆盖
type ProcessingConfig struct {
	RefreshInterval    time.Duration `mapstructure:"refresh_interval"`
	SignalWindow       time.Duration `mapstructure:"signal_window"`
	RSSISmoothing      bool          `mapstructure:"rssi_smoothing"`
	PositionSmoothing  bool          `mapstructure:"position_smoothing"`
	SmoothingAlpha     float64       `mapstructure:"smoothing_alpha"`
	JumpThreshold      float64       `mapstructure:"jump_threshold"`
	StabilityThreshold float64       `mapstructure:"stability_threshold"`
	KalmanEnabled      bool          `mapstructure:"kalman_enabled"`
	StateIdleTTL       time.Duration `mapstructure:"state_idle_ttl"`
	StopTimeout        time.Duration `mapstructure:"stop_timeout"`
}

// PublisherConfig 对外发布
type PublisherConfig struct {
	QueueSize      int           `mapstructure:"queue_size"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
}

// ZoneConfig 区域进出告警
type ZoneConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	DedupWindow time.Duration `mapstructure:"dedup_window"`
}

// CacheConfig 最新位置缓存和位置流
type CacheConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
	TTL          time.Duration `mapstructure:"ttl"`
	Stream       string        `mapstructure:"stream"`
	StreamMaxLen int64         `mapstructure:"stream_max_len"`
}

// MetricsConfig Prometheus 指标端点
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// ServiceConfig 服务级参数
type ServiceConfig struct {
	WatchdogInterval time.Duration `mapstructure:"watchdog_interval"`
	StatsInterval    time.Duration `mapstructure:"stats_interval"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// 与其它 owl 服务共用的环境变量名
var envBindings = map[string]string{
	"database.host":     "DB_HOST",
	"database.port":     "DB_PORT",
	"database.user":     "DB_USER",
	"database.password": "DB_PASSWORD",
	"database.name":     "DB_NAME",
	"database.sslmode":  "DB_SSLMODE",
	"redis.addr":        "REDIS_ADDR",
	"redis.password":    "REDIS_PASSWORD",
	"redis.db":          "REDIS_DB",
	"log.level":         "LOG_LEVEL",
	"log.format":        "LOG_FORMAT",
}

// Load 加载配置
// 优先级：环境变量 > RTLS_CONFIG_FILE 指定的文件 > 默认值
// 其它参数可以用 RTLS_<SECTION>_<KEY> 覆盖，例如 RTLS_PROCESSING_REFRESH_INTERVAL=2s
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("RTLS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind env %s: %w", env, err)
		}
	}

	if path := os.Getenv(ConfigFileEnv); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.name", "owlrd")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.max_idle", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("mqtt.client_id_prefix", "wisefido-rtls")
	v.SetDefault("mqtt.connect_timeout", "10s")
	v.SetDefault("mqtt.keep_alive", "60s")
	v.SetDefault("mqtt.qos", 0)
	v.SetDefault("mqtt.buffer_size", 10000)

	def := models.DefaultProcessingSettings()
	v.SetDefault("processing.refresh_interval", def.RefreshInterval.String())
	v.SetDefault("processing.signal_window", def.SignalWindow.String())
	v.SetDefault("processing.rssi_smoothing", def.RSSISmoothing)
	v.SetDefault("processing.position_smoothing", def.PositionSmoothing)
	v.SetDefault("processing.smoothing_alpha", def.SmoothingAlpha)
	v.SetDefault("processing.jump_threshold", def.JumpThreshold)
	v.SetDefault("processing.stability_threshold", def.StabilityThreshold)
	v.SetDefault("processing.kalman_enabled", def.KalmanEnabled)
	v.SetDefault("processing.state_idle_ttl", def.StateIdleTTL.String())
	v.SetDefault("processing.stop_timeout", "5s")

	v.SetDefault("publisher.queue_size", 1000)
	v.SetDefault("publisher.publish_timeout", "5s")

	v.SetDefault("zone.enabled", true)
	v.SetDefault("zone.dedup_window", "30s")

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.key_prefix", "rtls:beacon:")
	v.SetDefault("cache.ttl", "60s")
	v.SetDefault("cache.stream", "rtls:positions:stream")
	v.SetDefault("cache.stream_max_len", 10000)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9102")

	v.SetDefault("service.watchdog_interval", "30s")
	v.SetDefault("service.stats_interval", "60s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		return fmt.Errorf("database.port must be between 1 and 65535")
	}
	if c.Redis.Addr == "" && c.Cache.Enabled {
		return fmt.Errorf("redis.addr is required when cache is enabled")
	}
	if c.MQTT.ConnectTimeout <= 0 {
		return fmt.Errorf("mqtt.connect_timeout must be positive")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}
	if c.MQTT.BufferSize < 1 {
		return fmt.Errorf("mqtt.buffer_size must be at least 1")
	}
	if c.Processing.RefreshInterval < 100*time.Millisecond {
		return fmt.Errorf("processing.refresh_interval must be at least 100ms")
	}
	if c.Processing.SignalWindow < time.Second {
		return fmt.Errorf("processing.signal_window must be at least 1s")
	}
	if c.Processing.SmoothingAlpha <= 0 || c.Processing.SmoothingAlpha > 1 {
		return fmt.Errorf("processing.smoothing_alpha must be in (0, 1]")
	}
	if c.Processing.JumpThreshold < 0 || c.Processing.StabilityThreshold < 0 {
		return fmt.Errorf("processing thresholds must not be negative")
	}
	if c.Publisher.QueueSize < 1 {
		return fmt.Errorf("publisher.queue_size must be at least 1")
	}
	if c.Cache.Enabled && c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive when cache is enabled")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: json, console")
	}
	return nil
}

// DefaultSettings 配置文件/环境变量给出的计算参数（数据库覆盖之前）
func (c *Config) DefaultSettings() models.ProcessingSettings {
	p := c.Processing
	return models.ProcessingSettings{
		RefreshInterval:    p.RefreshInterval,
		SignalWindow:       p.SignalWindow,
		RSSISmoothing:      p.RSSISmoothing,
		PositionSmoothing:  p.PositionSmoothing,
		SmoothingAlpha:     p.SmoothingAlpha,
		JumpThreshold:      p.JumpThreshold,
		StabilityThreshold: p.StabilityThreshold,
		KalmanEnabled:      p.KalmanEnabled,
		StateIdleTTL:       p.StateIdleTTL,
	}
}
