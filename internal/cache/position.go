package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"wisefido-rtls/internal/models"
	rtlsredis "wisefido-rtls/internal/redis"
)

// 默认参数
const (
	DefaultKeyPrefix    = "rtls:beacon:"
	DefaultTTL          = 60 * time.Second
	DefaultStream       = "rtls:positions:stream"
	DefaultStreamMaxLen = 10000
)

// KVStore 位置缓存用到的 Redis 命令
type KVStore interface {
	rtlsredis.StreamWriter
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
}

// Options 缓存参数
type Options struct {
	KeyPrefix    string
	TTL          time.Duration
	Stream       string // 为空时不写流
	StreamMaxLen int64
}

// Snapshot 信标最新位置
type Snapshot struct {
	BeaconID        int64     `json:"beacon_id"`
	MAC             string    `json:"mac"`
	Name            string    `json:"name"`
	FloorID         int64     `json:"floor_id"`
	X               float64   `json:"x"`
	Y               float64   `json:"y"`
	Accuracy        float64   `json:"accuracy"`
	Speed           float64   `json:"speed"`
	Heading         float64   `json:"heading"`
	FloorConfidence float64   `json:"floor_confidence"`
	Method          string    `json:"method"`
	Timestamp       time.Time `json:"timestamp"`
}

// NewSnapshot 由信标和定位结果构造快照
func NewSnapshot(beacon models.Beacon, pos models.PositionEstimate) Snapshot {
	return Snapshot{
		BeaconID:        pos.BeaconID,
		MAC:             beacon.MAC,
		Name:            beacon.Name,
		FloorID:         pos.FloorID,
		X:               pos.X,
		Y:               pos.Y,
		Accuracy:        pos.Accuracy,
		Speed:           pos.Speed,
		Heading:         pos.Heading,
		FloorConfidence: pos.FloorConfidence,
		Method:          pos.Method,
		Timestamp:       pos.Timestamp.UTC(),
	}
}

// PositionCache 把最新位置写入 Redis，并追加到位置流供下游消费
type PositionCache struct {
	client KVStore
	opts   Options
	logger *zap.Logger
}

// NewPositionCache 创建位置缓存
func NewPositionCache(client KVStore, opts Options, logger *zap.Logger) *PositionCache {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = DefaultKeyPrefix
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PositionCache{client: client, opts: opts, logger: logger}
}

// Key 信标位置键，如 rtls:beacon:AA:BB:CC:DD:EE:FF:position
func (c *PositionCache) Key(mac string) string {
	return c.opts.KeyPrefix + strings.ToUpper(mac) + ":position"
}

// UpdatePosition 写入最新位置；失败只记日志
func (c *PositionCache) UpdatePosition(ctx context.Context, beacon models.Beacon, pos models.PositionEstimate) {
	snap := NewSnapshot(beacon, pos)
	if err := c.Store(ctx, snap); err != nil {
		c.logger.Warn("Failed to cache position",
			zap.Int64("beacon_id", snap.BeaconID),
			zap.String("mac", snap.MAC),
			zap.Error(err),
		)
	}
}

// Store 写入快照键并追加位置流
func (c *PositionCache) Store(ctx context.Context, snap Snapshot) error {
	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := c.client.Set(ctx, c.Key(snap.MAC), body, c.opts.TTL).Err(); err != nil {
		return fmt.Errorf("set %s: %w", c.Key(snap.MAC), err)
	}
	if c.opts.Stream == "" {
		return nil
	}
	if _, err := rtlsredis.PublishJSONToStream(ctx, c.client, c.opts.Stream, c.opts.StreamMaxLen, snap); err != nil {
		return fmt.Errorf("append to stream %s: %w", c.opts.Stream, err)
	}
	return nil
}

// Latest 读取信标最新位置，不存在时返回 nil
func (c *PositionCache) Latest(ctx context.Context, mac string) (*Snapshot, error) {
	body, err := c.client.Get(ctx, c.Key(mac)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}
