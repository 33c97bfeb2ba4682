package models

import "time"

// TransportConfig MQTT 接入配置（对应 mqtt_config 表，is_active 的一条生效）
// 密码不入库，只保存环境变量名
type TransportConfig struct {
	ID                    int64  `json:"id" db:"id"`
	BrokerHost            string `json:"broker_host" db:"broker_host"`
	BrokerPort            int    `json:"broker_port" db:"broker_port"`
	Username              string `json:"username" db:"username"`
	PasswordEnvKey        string `json:"password_env_key" db:"password_env_key"`
	TopicPrefix           string `json:"topic_prefix" db:"topic_prefix"`
	UseTLS                bool   `json:"use_tls" db:"use_tls"`
	CACertPath            string `json:"ca_cert_path" db:"ca_cert_path"`
	IsActive              bool   `json:"is_active" db:"is_active"`
	AutoDiscoverBeacons   bool   `json:"auto_discover_beacons" db:"auto_discover_beacons"`
	PublishEnabled        bool   `json:"publish_enabled" db:"publish_enabled"`
	PublishPositionsTopic string `json:"publish_positions_topic" db:"publish_positions_topic"`
	PublishAlertsTopic    string `json:"publish_alerts_topic" db:"publish_alerts_topic"`
}

// ProcessingSettings 定位计算可调参数
// 默认值来自服务配置，processing_settings 表中的值覆盖默认值
type ProcessingSettings struct {
	RefreshInterval    time.Duration `json:"refresh_interval"`
	SignalWindow       time.Duration `json:"signal_window"`
	RSSISmoothing      bool          `json:"rssi_smoothing"`
	PositionSmoothing  bool          `json:"position_smoothing"`
	SmoothingAlpha     float64       `json:"smoothing_alpha"`
	JumpThreshold      float64       `json:"jump_threshold"`      // 米，超过则跳过平滑
	StabilityThreshold float64       `json:"stability_threshold"` // 米，低于则视为静止
	KalmanEnabled      bool          `json:"kalman_enabled"`
	StateIdleTTL       time.Duration `json:"state_idle_ttl"` // 信标静默多久后清理内存状态
}

// DefaultProcessingSettings 默认参数
func DefaultProcessingSettings() ProcessingSettings {
	return ProcessingSettings{
		RefreshInterval:    time.Second,
		SignalWindow:       30 * time.Second,
		RSSISmoothing:      true,
		PositionSmoothing:  true,
		SmoothingAlpha:     0.3,
		JumpThreshold:      3.0,
		StabilityThreshold: 0.3,
		KalmanEnabled:      true,
		StateIdleTTL:       5 * time.Minute,
	}
}
