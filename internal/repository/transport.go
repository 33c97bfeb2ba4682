package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"wisefido-rtls/internal/models"
)

// 默认发布主题
const (
	DefaultPositionsTopic = "careflow/positions"
	DefaultAlertsTopic    = "careflow/alerts"
	defaultTopicPrefix    = "ble/gateway/"
)

// GetActiveTransportConfig 获取生效的 MQTT 配置，没有时返回 ErrNotFound
func (s *PostgresStore) GetActiveTransportConfig(ctx context.Context) (*models.TransportConfig, error) {
	query := `
		SELECT
			id,
			broker_host,
			broker_port,
			COALESCE(username, ''),
			COALESCE(password_env_key, ''),
			COALESCE(topic_prefix, ''),
			use_tls,
			COALESCE(ca_cert_path, ''),
			is_active,
			auto_discover_beacons,
			publish_enabled,
			COALESCE(publish_positions_topic, ''),
			COALESCE(publish_alerts_topic, '')
		FROM mqtt_config
		WHERE is_active = TRUE
		ORDER BY id DESC
		LIMIT 1
	`

	cfg := &models.TransportConfig{}
	err := s.db.QueryRowContext(ctx, query).Scan(
		&cfg.ID,
		&cfg.BrokerHost,
		&cfg.BrokerPort,
		&cfg.Username,
		&cfg.PasswordEnvKey,
		&cfg.TopicPrefix,
		&cfg.UseTLS,
		&cfg.CACertPath,
		&cfg.IsActive,
		&cfg.AutoDiscoverBeacons,
		&cfg.PublishEnabled,
		&cfg.PublishPositionsTopic,
		&cfg.PublishAlertsTopic,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query transport config: %w", err)
	}

	if cfg.BrokerPort <= 0 {
		cfg.BrokerPort = 1883
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = defaultTopicPrefix
	}
	if cfg.PublishPositionsTopic == "" {
		cfg.PublishPositionsTopic = DefaultPositionsTopic
	}
	if cfg.PublishAlertsTopic == "" {
		cfg.PublishAlertsTopic = DefaultAlertsTopic
	}
	return cfg, nil
}

// GetProcessingSettings 读取 processing_settings 键值表并覆盖 defaults
// 无法解析的值忽略并记录警告
func (s *PostgresStore) GetProcessingSettings(ctx context.Context, defaults models.ProcessingSettings) (models.ProcessingSettings, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM processing_settings`)
	if err != nil {
		return defaults, fmt.Errorf("failed to query processing settings: %w", err)
	}
	defer rows.Close()

	values := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return defaults, fmt.Errorf("failed to scan processing setting: %w", err)
		}
		values[key] = value
	}
	if err := rows.Err(); err != nil {
		return defaults, fmt.Errorf("failed to iterate processing settings: %w", err)
	}

	settings, invalid := ApplySettings(defaults, values)
	for _, key := range invalid {
		s.logger.Warn("Ignoring invalid processing setting", zap.String("key", key), zap.String("value", values[key]))
	}
	return settings, nil
}

// ApplySettings 用键值覆盖默认参数，返回无法解析的键
// 时间类参数以秒为单位
func ApplySettings(base models.ProcessingSettings, values map[string]string) (models.ProcessingSettings, []string) {
	out := base
	var invalid []string

	seconds := func(key string, dst *time.Duration) {
		raw, ok := values[key]
		if !ok {
			return
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil || f <= 0 {
			invalid = append(invalid, key)
			return
		}
		*dst = time.Duration(f * float64(time.Second))
	}
	boolean := func(key string, dst *bool) {
		raw, ok := values[key]
		if !ok {
			return
		}
		b, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			invalid = append(invalid, key)
			return
		}
		*dst = b
	}
	number := func(key string, dst *float64, valid func(float64) bool) {
		raw, ok := values[key]
		if !ok {
			return
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil || !valid(f) {
			invalid = append(invalid, key)
			return
		}
		*dst = f
	}
	nonNegative := func(f float64) bool { return f >= 0 }

	seconds("refresh_interval", &out.RefreshInterval)
	seconds("signal_window", &out.SignalWindow)
	seconds("state_idle_ttl", &out.StateIdleTTL)
	boolean("rssi_smoothing", &out.RSSISmoothing)
	boolean("position_smoothing", &out.PositionSmoothing)
	boolean("kalman_enabled", &out.KalmanEnabled)
	number("smoothing_alpha", &out.SmoothingAlpha, func(f float64) bool { return f > 0 && f <= 1 })
	number("jump_threshold", &out.JumpThreshold, nonNegative)
	number("stability_threshold", &out.StabilityThreshold, nonNegative)

	return out, invalid
}
