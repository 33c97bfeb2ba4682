package processor

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"wisefido-rtls/internal/ingest"
	"wisefido-rtls/internal/models"
	"wisefido-rtls/internal/repository"
)

// autoBeaconName 自动发现信标的名称：Auto- 加 MAC 后 8 位
func autoBeaconName(mac string) string {
	if len(mac) > 8 {
		mac = mac[len(mac)-8:]
	}
	return "Auto-" + mac
}

// onReading 在 MQTT 投递协程上处理一条观测：解析网关和信标，写入原始信号
func (p *Processor) onReading(r ingest.Reading) {
	p.update(func(s *Stats) { s.SignalsReceived++ })
	if p.metrics != nil {
		p.metrics.IncSignalsReceived()
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeCallTimeout)
	defer cancel()

	stored, err := p.storeReading(ctx, r)
	if err != nil {
		p.recordError(fmt.Errorf("signal storage error: %w", err))
		return
	}
	if !stored {
		if p.metrics != nil {
			p.metrics.IncSignalsDropped()
		}
		p.update(func(s *Stats) { s.SignalsDropped++ })
		return
	}

	now := p.now()
	p.update(func(s *Stats) {
		s.SignalsStored++
		s.LastHeartbeat = now
	})
	if p.metrics != nil {
		p.metrics.IncSignalsStored()
	}
}

// storeReading 返回是否写入；未知或停用的网关、信标直接丢弃
func (p *Processor) storeReading(ctx context.Context, r ingest.Reading) (bool, error) {
	gateway, err := p.store.GetActiveGatewayByMAC(ctx, r.GatewayMAC)
	if errors.Is(err, repository.ErrNotFound) {
		p.logger.Debug("Reading from unknown gateway", zap.String("gateway_mac", r.GatewayMAC))
		return false, nil
	}
	if err != nil {
		return false, err
	}

	beacon, err := p.resolveBeacon(ctx, r.BeaconMAC)
	if err != nil {
		return false, err
	}
	if beacon == nil || !beacon.IsActive {
		return false, nil
	}

	sig := &models.RawSignal{
		GatewayID:  gateway.ID,
		BeaconID:   beacon.ID,
		RSSI:       r.RSSI,
		TxPower:    r.TxPower,
		Timestamp:  r.Timestamp,
		RawPayload: r.Raw,
	}

	p.signalMu.Lock()
	err = p.store.InsertRawSignal(ctx, sig)
	p.signalMu.Unlock()

	if errors.Is(err, repository.ErrForeignKeyViolation) {
		// 网关或信标在解析后被删除
		p.logger.Debug("Raw signal references a deleted entity",
			zap.Int64("gateway_id", gateway.ID),
			zap.Int64("beacon_id", beacon.ID),
		)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// resolveBeacon 按 MAC 查找信标，开启自动发现时创建未登记的信标
func (p *Processor) resolveBeacon(ctx context.Context, mac string) (*models.Beacon, error) {
	beacon, err := p.store.GetBeaconByMAC(ctx, mac)
	if err == nil {
		return beacon, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	if !p.autoDiscover.Load() {
		return nil, nil
	}

	created, err := p.store.CreateBeacon(ctx, models.Beacon{
		MAC:          mac,
		Name:         autoBeaconName(mac),
		ResourceType: "Device",
		IsActive:     true,
	})
	if err != nil {
		return nil, err
	}
	p.logger.Info("Auto-discovered beacon",
		zap.Int64("beacon_id", created.ID),
		zap.String("mac", created.MAC),
	)
	return created, nil
}
