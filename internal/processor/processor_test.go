package processor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"wisefido-rtls/internal/models"
	"wisefido-rtls/internal/mqtt"
	"wisefido-rtls/internal/mqtt/mqtttest"
	"wisefido-rtls/internal/publisher"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

const (
	gatewayMAC = "AA:AA:AA:AA:AA:01"
	beaconMAC  = "BB:BB:BB:BB:BB:01"
)

func startedProcessor(t *testing.T, store *fakeStore, opts ...Option) (*Processor, *mqtttest.Transport) {
	t.Helper()
	fake := mqtttest.NewTransport()
	base := []Option{
		WithTransportFactory(fake.Factory()),
		WithLogger(zap.NewNop()),
		WithSettings(func() models.ProcessingSettings {
			s := models.DefaultProcessingSettings()
			s.RefreshInterval = time.Hour
			return s
		}()),
	}
	p := New(store, append(base, opts...)...)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(p.Stop)
	return p, fake
}

func TestStart_NoTransportConfig(t *testing.T) {
	store := newFakeStore()
	store.cfg = nil
	p := New(store)

	err := p.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoTransportConfig))
	assert.Equal(t, StateStopped, p.State())
	assert.Equal(t, "no active MQTT configuration found", p.LastError())
	assert.False(t, p.IsRunning())
}

func TestStart_ConnectFailure(t *testing.T) {
	fake := mqtttest.NewTransport()
	fake.FailConnect(errors.New("dial tcp: connection refused"))
	p := New(newFakeStore(), WithTransportFactory(fake.Factory()))

	require.Error(t, p.Start(context.Background()))
	assert.Equal(t, StateStopped, p.State())
	assert.Contains(t, p.LastError(), "connection refused")
}

func TestStart_SubscribesAndConfiguresPublisher(t *testing.T) {
	store := newFakeStore()
	store.cfg.PasswordEnvKey = "RTLS_TEST_MQTT_PASSWORD"
	store.cfg.PublishEnabled = true
	pub := &fakePublisher{}

	p, fake := startedProcessor(t, store,
		WithPublisher(pub),
		WithGetenv(func(key string) string {
			if key == "RTLS_TEST_MQTT_PASSWORD" {
				return "s3cret"
			}
			return ""
		}),
	)

	assert.Equal(t, StateRunning, p.State())
	assert.True(t, p.IsRunning())
	assert.True(t, p.IsConnected())
	assert.Equal(t, []string{"ble/gateway/#"}, fake.Topics())
	assert.Equal(t, "s3cret", fake.Options().Password)
	require.Len(t, pub.configured, 1)
	assert.Equal(t, "s3cret", pub.password)
	assert.Empty(t, p.LastError())
}

func TestStart_Idempotent(t *testing.T) {
	p, fake := startedProcessor(t, newFakeStore())

	require.NoError(t, p.Start(context.Background()))
	assert.Equal(t, 1, fake.Connects())
}

func TestStop_SafeToRepeat(t *testing.T) {
	p, fake := startedProcessor(t, newFakeStore())

	p.Stop()
	p.Stop()
	assert.Equal(t, StateStopped, p.State())
	assert.False(t, p.IsRunning())
	assert.False(t, fake.IsConnected())

	// 主动停止后看门狗不再拉起
	assert.False(t, p.CheckAndRestart(context.Background()))
	assert.Equal(t, StateStopped, p.State())

	require.NoError(t, p.Start(context.Background()))
	assert.True(t, p.IsRunning())
}

func TestCheckAndRestart(t *testing.T) {
	fake := mqtttest.NewTransport()
	p := New(newFakeStore(), WithTransportFactory(fake.Factory()))
	t.Cleanup(p.Stop)

	// 从未启动：执行首次启动
	assert.True(t, p.CheckAndRestart(context.Background()))
	assert.Equal(t, StateRunning, p.State())
	assert.Equal(t, 1, fake.Connects())

	// 健康时不做任何事
	assert.True(t, p.CheckAndRestart(context.Background()))
	assert.Equal(t, 1, fake.Connects())

	// 连接断开后重启
	fake.DropConnection(errors.New("keepalive timeout"))
	assert.True(t, p.CheckAndRestart(context.Background()))
	assert.Equal(t, 2, fake.Connects())
	assert.True(t, p.IsConnected())
}

func TestStart_PublishingDisabledAfterRestart(t *testing.T) {
	store := newFakeStore()
	store.cfg.PublishEnabled = true
	pubTransport := mqtttest.NewTransport()
	pub := publisher.New(pubTransport.Factory(), publisher.Options{}, nil, zap.NewNop())
	t.Cleanup(pub.Close)

	p, _ := startedProcessor(t, store, WithPublisher(pub))
	require.True(t, pub.IsConnected())

	p.Stop()
	store.mu.Lock()
	store.cfg.PublishEnabled = false
	store.mu.Unlock()
	require.NoError(t, p.Start(context.Background()))

	assert.False(t, pub.IsConnected())
	assert.False(t, pubTransport.IsConnected())
	assert.False(t, pub.PublishPosition(models.Beacon{MAC: beaconMAC}, models.Floor{}, models.PositionEstimate{}))
}

// gatedTransport 在 release 关闭前阻塞 Connect
type gatedTransport struct {
	*mqtttest.Transport
	entered chan struct{}
	release chan struct{}
}

func (g *gatedTransport) Connect(ctx context.Context) error {
	close(g.entered)
	<-g.release
	return g.Transport.Connect(ctx)
}

func TestStatusQueriesDuringConnect(t *testing.T) {
	gated := &gatedTransport{
		Transport: mqtttest.NewTransport(),
		entered:   make(chan struct{}),
		release:   make(chan struct{}),
	}
	factory := func(mqtt.Options, *zap.Logger) (mqtt.Transport, error) { return gated, nil }
	p := New(newFakeStore(), WithTransportFactory(factory))
	t.Cleanup(p.Stop)

	started := make(chan error, 1)
	go func() { started <- p.Start(context.Background()) }()
	<-gated.entered

	status := make(chan bool, 1)
	go func() { status <- p.IsRunning() || p.IsConnected() }()
	select {
	case busy := <-status:
		assert.False(t, busy)
	case <-time.After(time.Second):
		t.Fatal("status query blocked while connecting")
	}
	assert.Equal(t, StateStarting, p.State())

	close(gated.release)
	require.NoError(t, <-started)
	assert.True(t, p.IsRunning())
	assert.True(t, p.IsConnected())
}

func TestStart_ResetsFilterStateOnRestart(t *testing.T) {
	store := newFakeStore()
	clk := newClock()
	store.addGateway(models.Gateway{ID: 1, FloorID: 1, MAC: gatewayMAC, X: 10, Y: 10})
	store.addBeacon(models.Beacon{ID: 7, MAC: beaconMAC, IsActive: true})
	store.addSignal(models.RawSignal{GatewayID: 1, BeaconID: 7, RSSI: -59, TxPower: -59, Timestamp: clk.Now()})

	p, _ := startedProcessor(t, store, WithClock(clk.Now))
	p.RunCycle(context.Background())
	require.Equal(t, 1, p.kalman.Len())
	require.Equal(t, 1, p.tracks.len())

	p.Stop()
	require.NoError(t, p.Start(context.Background()))
	assert.Zero(t, p.kalman.Len())
	assert.Zero(t, p.tracks.len())
}

func TestLoop_RunsCycles(t *testing.T) {
	store := newFakeStore()
	store.addGateway(models.Gateway{ID: 1, FloorID: 1, MAC: gatewayMAC, X: 10, Y: 10})
	store.addBeacon(models.Beacon{ID: 7, MAC: beaconMAC, IsActive: true})
	store.addSignal(models.RawSignal{GatewayID: 1, BeaconID: 7, RSSI: -59, TxPower: -59, Timestamp: time.Now()})

	settings := models.DefaultProcessingSettings()
	settings.RefreshInterval = 10 * time.Millisecond
	fake := mqtttest.NewTransport()
	p := New(store, WithTransportFactory(fake.Factory()), WithSettings(settings))
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	require.Eventually(t, func() bool { return len(store.allPositions()) > 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestIngest_StoresSignal(t *testing.T) {
	store := newFakeStore()
	store.addGateway(models.Gateway{ID: 1, FloorID: 1, MAC: gatewayMAC})
	store.addBeacon(models.Beacon{ID: 7, MAC: beaconMAC, IsActive: true})
	clk := newClock()
	p, fake := startedProcessor(t, store, WithClock(clk.Now))

	payload := []byte(`{"gatewayMac":"aa:aa:aa:aa:aa:01","mac":"bb:bb:bb:bb:bb:01","rssi":-65,"txPower":-61,"timestamp":1717232400}`)
	require.Equal(t, 1, fake.Deliver("ble/gateway/AAAAAAAAAA01", payload))

	require.Equal(t, 1, store.signalCount())
	sig := store.signals[0]
	assert.Equal(t, int64(1), sig.GatewayID)
	assert.Equal(t, int64(7), sig.BeaconID)
	assert.Equal(t, -65, sig.RSSI)
	assert.Equal(t, -61, sig.TxPower)
	assert.Equal(t, string(payload), sig.RawPayload)

	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.SignalsReceived)
	assert.Equal(t, uint64(1), stats.SignalsStored)
	assert.Equal(t, clk.Now(), stats.LastHeartbeat)
}

func TestIngest_DropsUnknownAndInactive(t *testing.T) {
	store := newFakeStore()
	store.addGateway(models.Gateway{ID: 1, FloorID: 1, MAC: gatewayMAC})
	store.addBeacon(models.Beacon{ID: 8, MAC: "BB:BB:BB:BB:BB:02", IsActive: false})
	p, fake := startedProcessor(t, store)

	fake.Deliver("ble/gateway/x", []byte(`{"gatewayMac":"CC:CC:CC:CC:CC:CC","mac":"`+beaconMAC+`","rssi":-60}`))
	fake.Deliver("ble/gateway/x", []byte(`{"gatewayMac":"`+gatewayMAC+`","mac":"BB:BB:BB:BB:BB:02","rssi":-60}`))

	assert.Equal(t, 0, store.signalCount())
	stats := p.Stats()
	assert.Equal(t, uint64(2), stats.SignalsReceived)
	assert.Equal(t, uint64(0), stats.SignalsStored)
	assert.Equal(t, uint64(2), stats.SignalsDropped)
	assert.Equal(t, uint64(0), stats.Errors)
}

func TestIngest_UnregisteredBeaconWithoutAutoDiscovery(t *testing.T) {
	store := newFakeStore()
	store.cfg.AutoDiscoverBeacons = false
	store.addGateway(models.Gateway{ID: 1, FloorID: 1, MAC: gatewayMAC})
	_, fake := startedProcessor(t, store)

	fake.Deliver("ble/gateway/x", []byte(`{"gatewayMac":"`+gatewayMAC+`","mac":"`+beaconMAC+`","rssi":-60}`))

	assert.Equal(t, 0, store.signalCount())
	assert.Equal(t, 0, store.beaconCount())
}

func TestIngest_AutoDiscovery(t *testing.T) {
	store := newFakeStore()
	store.cfg.AutoDiscoverBeacons = true
	store.addGateway(models.Gateway{ID: 1, FloorID: 1, MAC: gatewayMAC})
	_, fake := startedProcessor(t, store)

	fake.Deliver("ble/gateway/x", []byte(`{"gatewayMac":"`+gatewayMAC+`","mac":"`+beaconMAC+`","rssi":-60}`))

	require.Equal(t, 1, store.beaconCount())
	b := store.beacons[0]
	assert.Equal(t, "Auto-BB:BB:01", b.Name)
	assert.Equal(t, "Device", b.ResourceType)
	assert.True(t, b.IsActive)
	assert.Equal(t, 1, store.signalCount())
}

func TestIngest_MalformedPayload(t *testing.T) {
	store := newFakeStore()
	p, fake := startedProcessor(t, store)

	assert.NotPanics(t, func() { fake.Deliver("ble/gateway/x", []byte("\x00not json")) })
	assert.Equal(t, 0, store.signalCount())
	assert.Equal(t, Stats{}, p.Stats())
}

func TestIngest_ForeignKeyRaceSwallowed(t *testing.T) {
	store := newFakeStore()
	store.insertSigFK = true
	store.addGateway(models.Gateway{ID: 1, FloorID: 1, MAC: gatewayMAC})
	store.addBeacon(models.Beacon{ID: 7, MAC: beaconMAC, IsActive: true})
	p, fake := startedProcessor(t, store)

	fake.Deliver("ble/gateway/x", []byte(`{"gatewayMac":"`+gatewayMAC+`","mac":"`+beaconMAC+`","rssi":-60}`))

	stats := p.Stats()
	assert.Equal(t, uint64(0), stats.Errors)
	assert.Equal(t, uint64(0), stats.SignalsStored)
	assert.Empty(t, stats.LastError)
}

func TestAutoBeaconName(t *testing.T) {
	assert.Equal(t, "Auto-DD:EE:FF", autoBeaconName("AA:BB:CC:DD:EE:FF"))
	assert.Equal(t, "Auto-ABC", autoBeaconName("ABC"))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "starting", StateStarting.String())
	assert.Equal(t, "running", StateRunning.String())
}
