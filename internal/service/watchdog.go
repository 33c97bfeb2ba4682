package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"wisefido-rtls/internal/processor"
	"wisefido-rtls/internal/publisher"
)

type restarter interface {
	CheckAndRestart(ctx context.Context) bool
}

type statsSource interface {
	State() processor.State
	Stats() processor.Stats
}

type publisherStats interface {
	Stats() publisher.Stats
	IsConnected() bool
	Pending() int
}

// runWatchdog 定期检查处理器，必要时重启
func runWatchdog(ctx context.Context, p restarter, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !p.CheckAndRestart(ctx) {
				logger.Warn("Signal processor is not running")
			}
		}
	}
}

// runStatsReporter 定期输出统计
func runStatsReporter(ctx context.Context, p statsSource, pub publisherStats, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logStats(p, pub, logger)
		}
	}
}

func logStats(p statsSource, pub publisherStats, logger *zap.Logger) {
	st := p.Stats()
	fields := []zap.Field{
		zap.String("state", p.State().String()),
		zap.Uint64("signals_received", st.SignalsReceived),
		zap.Uint64("signals_stored", st.SignalsStored),
		zap.Uint64("signals_dropped", st.SignalsDropped),
		zap.Uint64("positions_calculated", st.PositionsCalculated),
		zap.Uint64("positions_published", st.PositionsPublished),
		zap.Uint64("zone_alerts", st.ZoneAlerts),
		zap.Uint64("errors", st.Errors),
		zap.Int("tracked_beacons", st.TrackedBeacons),
		zap.Time("last_heartbeat", st.LastHeartbeat),
	}
	if st.LastError != "" {
		fields = append(fields, zap.String("last_error", st.LastError))
	}
	if pub != nil {
		ps := pub.Stats()
		fields = append(fields,
			zap.Bool("publisher_connected", pub.IsConnected()),
			zap.Uint64("publish_failed", ps.Failed),
			zap.Uint64("publish_dropped", ps.Dropped),
			zap.Int("publish_pending", pub.Pending()),
		)
	}
	logger.Info("RTLS stats", fields...)
}
