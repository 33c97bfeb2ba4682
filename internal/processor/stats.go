package processor

import (
	"time"

	"go.uber.org/zap"
)

// Stats 处理器统计快照
type Stats struct {
	SignalsReceived     uint64    `json:"signals_received"`
	SignalsStored       uint64    `json:"signals_stored"`
	SignalsDropped      uint64    `json:"signals_dropped"`
	PositionsCalculated uint64    `json:"positions_calculated"`
	PositionsPublished  uint64    `json:"positions_published"`
	ZoneAlerts          uint64    `json:"zone_alerts"`
	Errors              uint64    `json:"errors"`
	LastError           string    `json:"last_error,omitempty"`
	LastHeartbeat       time.Time `json:"last_heartbeat"`
	TrackedBeacons      int       `json:"tracked_beacons"`
}

// Stats 获取统计快照
func (p *Processor) Stats() Stats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return p.stats
}

// LastError 最近一次错误
func (p *Processor) LastError() string {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return p.stats.LastError
}

func (p *Processor) setLastError(msg string) {
	p.statsMu.Lock()
	p.stats.LastError = msg
	p.statsMu.Unlock()
}

// recordError 计数并记录错误
func (p *Processor) recordError(err error) {
	p.statsMu.Lock()
	p.stats.Errors++
	p.stats.LastError = err.Error()
	p.statsMu.Unlock()
	if p.metrics != nil {
		p.metrics.IncErrors()
	}
	p.logger.Error("Signal processor error", zap.Error(err))
}

func (p *Processor) update(fn func(s *Stats)) {
	p.statsMu.Lock()
	fn(&p.stats)
	p.statsMu.Unlock()
}
