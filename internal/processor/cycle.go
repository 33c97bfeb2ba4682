package processor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"wisefido-rtls/internal/models"
	"wisefido-rtls/internal/positioning"
	"wisefido-rtls/internal/repository"
)

const (
	// crossFloorPenalty 只能用其它楼层网关定位时的楼层置信度系数
	crossFloorPenalty = 0.6
	// maxVelocityGap 与上一位置间隔超过该值时不计算速度
	maxVelocityGap = 60 * time.Second
	defaultPathLoss = 2.0
)

// gatewaySamples 一个信标在某网关上的窗口内样本（最新在前）
type gatewaySamples struct {
	rssi    []float64
	txPower int
}

// cycleCache 单个计算周期内复用的查询结果
type cycleCache struct {
	gateways map[int64]models.Gateway
	floors   map[int64]models.Floor
}

// RunCycle 执行一次计算周期：读取窗口内的原始信号，逐个信标定位
// 单个信标失败只记录错误，不影响其它信标
func (p *Processor) RunCycle(ctx context.Context) {
	p.computeMu.Lock()
	defer p.computeMu.Unlock()

	started := time.Now()
	now := p.now()
	settings := p.settings

	p.signalMu.Lock()
	signals, err := p.store.ListRawSignalsSince(ctx, now.Add(-settings.SignalWindow))
	p.signalMu.Unlock()
	if err != nil {
		p.recordError(fmt.Errorf("position calculation error: %w", err))
		return
	}

	if len(signals) > 0 {
		gateways, err := p.store.ListActiveGateways(ctx)
		if err != nil {
			p.recordError(fmt.Errorf("position calculation error: %w", err))
			return
		}
		cache := &cycleCache{
			gateways: make(map[int64]models.Gateway, len(gateways)),
			floors:   make(map[int64]models.Floor),
		}
		for _, g := range gateways {
			cache.gateways[g.ID] = g
		}

		grouped := groupSignals(signals)
		beaconIDs := make([]int64, 0, len(grouped))
		for id := range grouped {
			beaconIDs = append(beaconIDs, id)
		}
		sort.Slice(beaconIDs, func(i, j int) bool { return beaconIDs[i] < beaconIDs[j] })

		for _, id := range beaconIDs {
			if ctx.Err() != nil {
				return
			}
			if err := p.processBeaconSafe(ctx, id, grouped[id], cache, settings, now); err != nil {
				p.recordError(fmt.Errorf("beacon %d: %w", id, err))
			}
		}
	}

	evicted := p.tracks.evict(now, settings.StateIdleTTL)
	evicted += p.kalman.Evict(now, settings.StateIdleTTL)
	if evicted > 0 {
		p.logger.Debug("Evicted idle beacon state", zap.Int("count", evicted))
	}

	tracked := p.tracks.len()
	p.update(func(s *Stats) { s.TrackedBeacons = tracked })
	if p.metrics != nil {
		p.metrics.SetTrackedBeacons(tracked)
		p.metrics.ObserveCycle(time.Since(started))
	}
}

// groupSignals 按信标、网关分组；输入按时间倒序，组内保持倒序
func groupSignals(signals []models.RawSignal) map[int64]map[int64]*gatewaySamples {
	grouped := make(map[int64]map[int64]*gatewaySamples)
	for _, sig := range signals {
		byGateway, ok := grouped[sig.BeaconID]
		if !ok {
			byGateway = make(map[int64]*gatewaySamples)
			grouped[sig.BeaconID] = byGateway
		}
		gs, ok := byGateway[sig.GatewayID]
		if !ok {
			gs = &gatewaySamples{txPower: sig.TxPower}
			byGateway[sig.GatewayID] = gs
		}
		gs.rssi = append(gs.rssi, float64(sig.RSSI))
	}
	return grouped
}

func (p *Processor) processBeaconSafe(ctx context.Context, beaconID int64, samples map[int64]*gatewaySamples, cache *cycleCache, settings models.ProcessingSettings, now time.Time) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p.processBeacon(ctx, beaconID, samples, cache, settings, now)
}

func (p *Processor) processBeacon(ctx context.Context, beaconID int64, samples map[int64]*gatewaySamples, cache *cycleCache, settings models.ProcessingSettings, now time.Time) error {
	beacon, err := p.store.GetBeacon(ctx, beaconID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !beacon.IsActive {
		return nil
	}

	// 楼层判定
	gatewayIDs := make([]int64, 0, len(samples))
	for id := range samples {
		if _, ok := cache.gateways[id]; ok {
			gatewayIDs = append(gatewayIDs, id)
		}
	}
	sort.Slice(gatewayIDs, func(i, j int) bool { return gatewayIDs[i] < gatewayIDs[j] })

	floorSamples := make([]positioning.FloorSample, 0, len(gatewayIDs))
	for _, id := range gatewayIDs {
		rssi, ok := positioning.RepresentativeRSSI(samples[id].rssi)
		if !ok {
			continue
		}
		floorSamples = append(floorSamples, positioning.FloorSample{
			FloorID:   cache.gateways[id].FloorID,
			GatewayID: id,
			RSSI:      rssi,
		})
	}
	decision := positioning.DetermineFloor(floorSamples)
	if !decision.Found {
		return nil
	}

	// 本楼层网关优先，没有时退回全部网关并降低楼层置信度
	var primary, secondary []positioning.GatewayReading
	for _, id := range gatewayIDs {
		g := cache.gateways[id]
		reading := buildReading(g, samples[id], settings.RSSISmoothing)
		if g.FloorID == decision.FloorID {
			primary = append(primary, reading)
		} else {
			secondary = append(secondary, reading)
		}
	}
	readings := primary
	confidence := decision.Confidence
	if len(readings) == 0 {
		readings = append(primary, secondary...)
		confidence *= crossFloorPenalty
	}
	if len(readings) == 0 {
		return nil
	}

	fix := positioning.Trilaterate(positioning.FilterOutlierReadings(readings, positioning.MaxBelievableDistance))

	t, err := p.track(ctx, beaconID, now)
	if err != nil {
		return err
	}
	prev := t.last()

	x, y, accuracy := fix.X, fix.Y, fix.Accuracy
	if settings.KalmanEnabled {
		if prev != nil && prev.FloorID != decision.FloorID {
			p.kalman.Reset(beaconID)
		}
		x, y, accuracy = p.kalman.Filter(beaconID, x, y, accuracy, now)
	}

	point := models.Point{X: x, Y: y}
	if settings.PositionSmoothing {
		point = positioning.SmoothPosition(point, t.points(decision.FloorID), settings.SmoothingAlpha, settings.JumpThreshold)
	}

	var motion positioning.Motion
	if prev != nil && prev.FloorID == decision.FloorID {
		prevPoint := models.Point{X: prev.X, Y: prev.Y}
		if positioning.Distance(point, prevPoint) <= settings.StabilityThreshold {
			// 静止：保持上次位置，速度清零，航向不变
			point = prevPoint
			motion = positioning.Motion{Heading: prev.Heading}
		} else if dt := now.Sub(prev.Timestamp); dt > 0 && dt <= maxVelocityGap {
			motion = positioning.CalculateVelocity(point, prevPoint, dt.Seconds())
		}
	}

	pos := models.PositionEstimate{
		BeaconID:        beaconID,
		FloorID:         decision.FloorID,
		X:               point.X,
		Y:               point.Y,
		Accuracy:        accuracy,
		VelocityX:       motion.VelocityX,
		VelocityY:       motion.VelocityY,
		Speed:           motion.Speed,
		Heading:         motion.Heading,
		Timestamp:       now,
		FloorConfidence: confidence,
		Method:          fix.Method,
	}
	if err := p.store.InsertPosition(ctx, &pos); err != nil {
		return fmt.Errorf("insert position: %w", err)
	}
	t.push(pos)

	p.update(func(s *Stats) { s.PositionsCalculated++ })
	if p.metrics != nil {
		p.metrics.IncPositionsCalculated()
	}

	p.afterPosition(ctx, *beacon, prev, pos, cache)
	return nil
}

// buildReading 构造网关读数；默认取去除离群值后的中位数，开启 RSSI 平滑且样本 >= 2 时改为按下标加权平均
func buildReading(g models.Gateway, s *gatewaySamples, smoothing bool) positioning.GatewayReading {
	rssi, ok := positioning.RepresentativeRSSI(s.rssi)
	if !ok {
		rssi = s.rssi[0]
	}
	if smoothing && len(s.rssi) >= 2 {
		if v, ok := positioning.SmoothedRSSI(positioning.RejectRSSIOutliers(s.rssi)); ok {
			rssi = v
		}
	}

	tx := s.txPower
	if tx == 0 {
		tx = g.TxPowerCalibration
	}
	if tx == 0 {
		tx = positioning.DefaultTxPower
	}
	n := g.PathLossExponent
	if n <= 0 {
		n = defaultPathLoss
	}
	return positioning.GatewayReading{
		GatewayID:        g.ID,
		X:                g.X,
		Y:                g.Y,
		RSSI:             rssi,
		TxPower:          float64(tx),
		PathLossExponent: n,
	}
}

// track 取信标的近期位置，首次出现时从数据库加载
func (p *Processor) track(ctx context.Context, beaconID int64, now time.Time) (*track, error) {
	if t, ok := p.tracks.get(beaconID); ok {
		return t, nil
	}
	history, err := p.store.ListRecentPositions(ctx, beaconID, positioning.MaxSmoothingHistory)
	if err != nil {
		return nil, fmt.Errorf("load recent positions: %w", err)
	}
	return p.tracks.seed(beaconID, history, now), nil
}

// afterPosition 缓存、区域检测和对外发布，失败只记日志
func (p *Processor) afterPosition(ctx context.Context, beacon models.Beacon, prev *models.PositionEstimate, pos models.PositionEstimate, cache *cycleCache) {
	if p.cache != nil {
		p.cache.UpdatePosition(ctx, beacon, pos)
	}

	publishing := p.publisher != nil && p.publisher.IsConnected()

	if p.zones != nil {
		transitions, err := p.zones.Evaluate(ctx, prev, pos)
		if err != nil {
			p.logger.Warn("Zone evaluation failed", zap.Int64("beacon_id", beacon.ID), zap.Error(err))
		}
		for _, tr := range transitions {
			p.update(func(s *Stats) { s.ZoneAlerts++ })
			if p.metrics != nil {
				p.metrics.IncZoneAlerts()
			}
			if publishing {
				p.publisher.PublishAlert(beacon, tr.Zone, p.floor(ctx, tr.Zone.FloorID, cache), tr.Alert)
			}
		}
	}

	if publishing && p.publisher.PublishPosition(beacon, p.floor(ctx, pos.FloorID, cache), pos) {
		p.update(func(s *Stats) { s.PositionsPublished++ })
	}
}

// floor 楼层信息，查询失败时只带 ID
func (p *Processor) floor(ctx context.Context, id int64, cache *cycleCache) models.Floor {
	if f, ok := cache.floors[id]; ok {
		return f
	}
	f := models.Floor{ID: id}
	if loaded, err := p.store.GetFloor(ctx, id); err == nil {
		f = *loaded
	} else {
		p.logger.Debug("Floor lookup failed", zap.Int64("floor_id", id), zap.Error(err))
	}
	cache.floors[id] = f
	return f
}
