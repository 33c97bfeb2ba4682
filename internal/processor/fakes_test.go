package processor

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"wisefido-rtls/internal/models"
	"wisefido-rtls/internal/repository"
	"wisefido-rtls/internal/zone"
)

type fakeStore struct {
	mu sync.Mutex

	cfg         *models.TransportConfig
	settings    *models.ProcessingSettings
	gateways    []models.Gateway
	beacons     []models.Beacon
	floors      map[int64]models.Floor
	signals     []models.RawSignal
	positions   []models.PositionEstimate
	beaconErr   map[int64]error
	insertSigFK bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		cfg: &models.TransportConfig{
			ID:                    1,
			BrokerHost:            "broker.local",
			BrokerPort:            1883,
			TopicPrefix:           "ble/gateway/",
			IsActive:              true,
			PublishPositionsTopic: "careflow/positions",
			PublishAlertsTopic:    "careflow/alerts",
		},
		floors:    make(map[int64]models.Floor),
		beaconErr: make(map[int64]error),
	}
}

func (f *fakeStore) addGateway(g models.Gateway) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g.IsActive = true
	f.gateways = append(f.gateways, g)
}

func (f *fakeStore) addBeacon(b models.Beacon) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beacons = append(f.beacons, b)
}

func (f *fakeStore) addSignal(s models.RawSignal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s.ID = int64(len(f.signals) + 1)
	f.signals = append(f.signals, s)
}

func (f *fakeStore) signalCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.signals)
}

func (f *fakeStore) beaconCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.beacons)
}

func (f *fakeStore) allPositions() []models.PositionEstimate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.PositionEstimate(nil), f.positions...)
}

func (f *fakeStore) GetActiveTransportConfig(context.Context) (*models.TransportConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cfg == nil {
		return nil, repository.ErrNotFound
	}
	cfg := *f.cfg
	return &cfg, nil
}

func (f *fakeStore) GetProcessingSettings(_ context.Context, defaults models.ProcessingSettings) (models.ProcessingSettings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.settings != nil {
		return *f.settings, nil
	}
	return defaults, nil
}

func (f *fakeStore) GetActiveGatewayByMAC(_ context.Context, mac string) (*models.Gateway, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, g := range f.gateways {
		if g.MAC == mac && g.IsActive {
			g := g
			return &g, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeStore) ListActiveGateways(context.Context) ([]models.Gateway, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Gateway
	for _, g := range f.gateways {
		if g.IsActive {
			out = append(out, g)
		}
	}
	return out, nil
}

func (f *fakeStore) GetBeaconByMAC(_ context.Context, mac string) (*models.Beacon, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.beacons {
		if b.MAC == mac {
			b := b
			return &b, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeStore) CreateBeacon(_ context.Context, b models.Beacon) (*models.Beacon, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b.ID = int64(1000 + len(f.beacons))
	f.beacons = append(f.beacons, b)
	return &b, nil
}

func (f *fakeStore) GetBeacon(_ context.Context, id int64) (*models.Beacon, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.beaconErr[id]; err != nil {
		return nil, err
	}
	for _, b := range f.beacons {
		if b.ID == id {
			b := b
			return &b, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeStore) GetFloor(_ context.Context, id int64) (*models.Floor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fl, ok := f.floors[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &fl, nil
}

func (f *fakeStore) InsertRawSignal(_ context.Context, s *models.RawSignal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertSigFK {
		return repository.ErrForeignKeyViolation
	}
	s.ID = int64(len(f.signals) + 1)
	f.signals = append(f.signals, *s)
	return nil
}

func (f *fakeStore) ListRawSignalsSince(_ context.Context, since time.Time) ([]models.RawSignal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.RawSignal
	for _, s := range f.signals {
		if !s.Timestamp.Before(since) {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

func (f *fakeStore) ListRecentPositions(_ context.Context, beaconID int64, limit int) ([]models.PositionEstimate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.PositionEstimate
	for _, p := range f.positions {
		if p.BeaconID == beaconID {
			out = append(out, p)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (f *fakeStore) InsertPosition(_ context.Context, p *models.PositionEstimate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p.ID = int64(len(f.positions) + 1)
	f.positions = append(f.positions, *p)
	return nil
}

type fakePublisher struct {
	mu         sync.Mutex
	configured []models.TransportConfig
	password   string
	connected  bool
	positions  []models.PositionEstimate
	floors     []models.Floor
	alerts     []models.ZoneAlert
}

func (f *fakePublisher) Configure(cfg models.TransportConfig, password string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configured = append(f.configured, cfg)
	f.password = password
	f.connected = true
	return true
}

func (f *fakePublisher) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakePublisher) PublishPosition(_ models.Beacon, floor models.Floor, pos models.PositionEstimate) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positions = append(f.positions, pos)
	f.floors = append(f.floors, floor)
	return true
}

func (f *fakePublisher) PublishAlert(_ models.Beacon, _ models.Zone, _ models.Floor, alert models.ZoneAlert) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, alert)
	return true
}

type fakeSink struct {
	updates []models.PositionEstimate
}

func (f *fakeSink) UpdatePosition(_ context.Context, _ models.Beacon, pos models.PositionEstimate) {
	f.updates = append(f.updates, pos)
}

type fakeZones struct {
	prevs []*models.PositionEstimate
	emit  []zone.Transition
	err   error
}

func (f *fakeZones) Evaluate(_ context.Context, prev *models.PositionEstimate, _ models.PositionEstimate) ([]zone.Transition, error) {
	f.prevs = append(f.prevs, prev)
	if f.err != nil {
		return nil, f.err
	}
	out := f.emit
	f.emit = nil
	return out, nil
}

var errBoom = errors.New("boom")
