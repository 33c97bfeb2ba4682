package zone

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"go.uber.org/zap"

	"wisefido-rtls/internal/models"
)

// 默认参数
const (
	DefaultDedupWindow = 30 * time.Second
	DefaultZoneTTL     = 10 * time.Second
)

// Store 区域检测使用的存储接口
type Store interface {
	ListActiveZones(ctx context.Context, floorID int64) ([]models.Zone, error)
	HasRecentZoneAlert(ctx context.Context, zoneID, beaconID int64, alertType string, since time.Time) (bool, error)
	InsertZoneAlert(ctx context.Context, alert *models.ZoneAlert) error
}

// Transition 一次区域进出
type Transition struct {
	Zone  models.Zone
	Alert models.ZoneAlert
}

// Options 检测参数
type Options struct {
	DedupWindow time.Duration // 同区域同信标同类型告警的去重窗口
	ZoneTTL     time.Duration // 楼层区域列表缓存时间
}

// Detector 根据信标前后两次位置判断区域进出
type Detector struct {
	store  Store
	logger *zap.Logger
	opts   Options
	now    func() time.Time

	mu    sync.Mutex
	cache map[int64]cachedZones
}

type cachedZones struct {
	zones    []models.Zone
	loadedAt time.Time
}

// NewDetector 创建区域检测器
func NewDetector(store Store, opts Options, logger *zap.Logger) *Detector {
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = DefaultDedupWindow
	}
	if opts.ZoneTTL <= 0 {
		opts.ZoneTTL = DefaultZoneTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{
		store:  store,
		logger: logger,
		opts:   opts,
		now:    time.Now,
		cache:  make(map[int64]cachedZones),
	}
}

// Evaluate 比较上一次和本次位置，写入并返回新产生的告警
// 没有上一次位置时不产生告警；跨楼层时按离开原楼层区域、进入新楼层区域处理
func (d *Detector) Evaluate(ctx context.Context, prev *models.PositionEstimate, cur models.PositionEstimate) ([]Transition, error) {
	if prev == nil {
		return nil, nil
	}

	var transitions []Transition

	zones, err := d.zones(ctx, cur.FloorID)
	if err != nil {
		return nil, err
	}
	for _, z := range zones {
		was := prev.FloorID == cur.FloorID && Contains(z, prev.X, prev.Y)
		is := Contains(z, cur.X, cur.Y)
		if t, ok, err := d.transition(ctx, z, cur, was, is); err != nil {
			return transitions, err
		} else if ok {
			transitions = append(transitions, t)
		}
	}

	if prev.FloorID != cur.FloorID {
		prevZones, err := d.zones(ctx, prev.FloorID)
		if err != nil {
			return transitions, err
		}
		for _, z := range prevZones {
			if !Contains(z, prev.X, prev.Y) {
				continue
			}
			if t, ok, err := d.transition(ctx, z, cur, true, false); err != nil {
				return transitions, err
			} else if ok {
				transitions = append(transitions, t)
			}
		}
	}

	return transitions, nil
}

func (d *Detector) transition(ctx context.Context, z models.Zone, cur models.PositionEstimate, was, is bool) (Transition, bool, error) {
	var alertType string
	switch {
	case !was && is && z.AlertOnEnter:
		alertType = models.AlertTypeEnter
	case was && !is && z.AlertOnExit:
		alertType = models.AlertTypeExit
	default:
		return Transition{}, false, nil
	}

	now := d.now().UTC()
	recent, err := d.store.HasRecentZoneAlert(ctx, z.ID, cur.BeaconID, alertType, now.Add(-d.opts.DedupWindow))
	if err != nil {
		return Transition{}, false, fmt.Errorf("check recent zone alert: %w", err)
	}
	if recent {
		return Transition{}, false, nil
	}

	alert := models.ZoneAlert{
		ZoneID:    z.ID,
		BeaconID:  cur.BeaconID,
		AlertType: alertType,
		X:         cur.X,
		Y:         cur.Y,
		Timestamp: now,
	}
	if err := d.store.InsertZoneAlert(ctx, &alert); err != nil {
		return Transition{}, false, fmt.Errorf("insert zone alert: %w", err)
	}

	d.logger.Info("Zone transition",
		zap.Int64("zone_id", z.ID),
		zap.String("zone", z.Name),
		zap.Int64("beacon_id", cur.BeaconID),
		zap.String("alert_type", alertType),
	)
	return Transition{Zone: z, Alert: alert}, true, nil
}

func (d *Detector) zones(ctx context.Context, floorID int64) ([]models.Zone, error) {
	now := d.now()

	d.mu.Lock()
	c, ok := d.cache[floorID]
	d.mu.Unlock()
	if ok && now.Sub(c.loadedAt) < d.opts.ZoneTTL {
		return c.zones, nil
	}

	zones, err := d.store.ListActiveZones(ctx, floorID)
	if err != nil {
		return nil, fmt.Errorf("list zones for floor %d: %w", floorID, err)
	}

	d.mu.Lock()
	d.cache[floorID] = cachedZones{zones: zones, loadedAt: now}
	d.mu.Unlock()
	return zones, nil
}

// Invalidate 清空区域缓存
func (d *Detector) Invalidate() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cache = make(map[int64]cachedZones)
}

// Contains 点是否在区域内（边界算在内）
// 有多边形时按多边形判断，否则按矩形
func Contains(z models.Zone, x, y float64) bool {
	p := orb.Point{x, y}
	if len(z.Polygon) >= 3 {
		ring := make(orb.Ring, 0, len(z.Polygon)+1)
		for _, pt := range z.Polygon {
			ring = append(ring, orb.Point{pt.X, pt.Y})
		}
		if !ring.Closed() {
			ring = append(ring, ring[0])
		}
		return planar.PolygonContains(orb.Polygon{ring}, p)
	}

	bound := orb.Bound{
		Min: orb.Point{z.XMin, z.YMin},
		Max: orb.Point{z.XMax, z.YMax},
	}
	return bound.Contains(p)
}
