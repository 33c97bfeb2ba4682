package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"wisefido-rtls/internal/models"
	"wisefido-rtls/internal/mqtt"
	"wisefido-rtls/internal/mqtt/mqtttest"
)

func publishConfig() models.TransportConfig {
	return models.TransportConfig{
		BrokerHost:            "broker.local",
		BrokerPort:            8883,
		Username:              "rtls",
		UseTLS:                true,
		CACertPath:            "/etc/ssl/ca.pem",
		PublishEnabled:        true,
		PublishPositionsTopic: "site/positions",
	}
}

func testBeacon() models.Beacon {
	return models.Beacon{ID: 3, MAC: "AA:BB:CC:DD:EE:FF", Name: "Wheelchair 4"}
}

func testFloor() models.Floor {
	return models.Floor{ID: 2, FloorNumber: 1, BuildingName: "North Wing"}
}

func newTestPublisher(t *testing.T, opts Options) (*Publisher, *mqtttest.Transport) {
	fake := mqtttest.NewTransport()
	p := New(fake.Factory(), opts, nil, zap.NewNop())
	t.Cleanup(p.Close)
	return p, fake
}

func TestConfigure_Disabled(t *testing.T) {
	p, fake := newTestPublisher(t, Options{})

	assert.True(t, p.Configure(models.TransportConfig{PublishEnabled: false}, ""))
	assert.False(t, p.IsConnected())
	assert.Equal(t, 0, fake.Connects())
	assert.False(t, p.PublishPosition(testBeacon(), testFloor(), models.PositionEstimate{}))
}

func TestConfigure_ConnectsWithOwnTransport(t *testing.T) {
	p, fake := newTestPublisher(t, Options{})

	require.True(t, p.Configure(publishConfig(), "secret"))
	assert.True(t, p.IsConnected())

	opts := fake.Options()
	assert.Equal(t, "broker.local", opts.Host)
	assert.Equal(t, "secret", opts.Password)
	assert.Equal(t, "/etc/ssl/ca.pem", opts.CACertPath)
	assert.Equal(t, "wisefido-rtls-pub", opts.ClientIDPrefix)
}

func TestConfigure_ConnectFailure(t *testing.T) {
	p, fake := newTestPublisher(t, Options{})
	fake.FailConnect(errors.New("connection refused"))

	assert.False(t, p.Configure(publishConfig(), ""))
	assert.False(t, p.IsConnected())
	assert.Contains(t, p.Stats().LastError, "connection refused")
	assert.False(t, p.PublishPosition(testBeacon(), testFloor(), models.PositionEstimate{}))
}

func TestPublishPosition_Delivered(t *testing.T) {
	p, fake := newTestPublisher(t, Options{})
	require.True(t, p.Configure(publishConfig(), ""))

	pos := models.PositionEstimate{
		BeaconID:  3,
		FloorID:   2,
		X:         4.256,
		Y:         1.004,
		Accuracy:  1.239,
		Speed:     0.12345,
		Heading:   271.26,
		VelocityX: -0.1234,
		VelocityY: 0.0005,
		Timestamp: time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC),
	}
	require.True(t, p.PublishPosition(testBeacon(), testFloor(), pos))

	require.Eventually(t, func() bool { return len(fake.Published()) == 1 }, time.Second, 5*time.Millisecond)
	msg := fake.Published()[0]
	assert.Equal(t, "site/positions/AABBCCDDEEFF", msg.Topic)

	var decoded PositionMessage
	require.NoError(t, json.Unmarshal(msg.Payload, &decoded))
	assert.Equal(t, TypePosition, decoded.Type)
	assert.Equal(t, "Wheelchair 4", decoded.Beacon.Name)
	assert.Equal(t, DefaultResourceType, decoded.Beacon.ResourceType)
	assert.Equal(t, "Floor 1", decoded.Location.FloorName)
	assert.Equal(t, "North Wing", decoded.Location.BuildingName)
	assert.Equal(t, 4.26, decoded.Location.X)
	assert.Equal(t, 1.0, decoded.Location.Y)
	assert.Equal(t, 1.24, decoded.Location.Accuracy)
	assert.Equal(t, 0.123, decoded.Movement.Speed)
	assert.Equal(t, 271.3, decoded.Movement.Heading)
	assert.Equal(t, -0.123, decoded.Movement.VelocityX)
	assert.Equal(t, "2024-05-01T12:30:00.000000Z", decoded.Timestamp)

	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.Enqueued)
	assert.Equal(t, uint64(1), stats.Published)
}

func TestPublishAlert_Topic(t *testing.T) {
	p, fake := newTestPublisher(t, Options{})
	require.True(t, p.Configure(publishConfig(), ""))

	zone := models.Zone{ID: 12, Name: "Exit Door"}
	alert := models.ZoneAlert{ZoneID: 12, AlertType: models.AlertTypeExit, X: 1.234, Y: 5.678}
	require.True(t, p.PublishAlert(testBeacon(), zone, testFloor(), alert))

	require.Eventually(t, func() bool { return len(fake.Published()) == 1 }, time.Second, 5*time.Millisecond)
	msg := fake.Published()[0]
	assert.Equal(t, "careflow/alerts/exit/12", msg.Topic)

	var decoded AlertMessage
	require.NoError(t, json.Unmarshal(msg.Payload, &decoded))
	assert.Equal(t, TypeZoneAlert, decoded.Type)
	assert.Equal(t, "exit", decoded.AlertType)
	assert.Equal(t, "Exit Door", decoded.Zone.Name)
	assert.Equal(t, XY{X: 1.23, Y: 5.68}, decoded.Position)
}

func TestDeliveryFailureIsRecorded(t *testing.T) {
	p, fake := newTestPublisher(t, Options{})
	require.True(t, p.Configure(publishConfig(), ""))
	fake.FailPublish(errors.New("broker busy"))

	assert.True(t, p.PublishPosition(testBeacon(), testFloor(), models.PositionEstimate{}))
	require.Eventually(t, func() bool { return p.Stats().Failed == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "broker busy", p.Stats().LastError)
}

func TestEnqueue_DropsWhenFull(t *testing.T) {
	p, _ := newTestPublisher(t, Options{QueueSize: 1})
	require.True(t, p.Configure(publishConfig(), ""))

	// 持有配置锁让投递协程卡住，队列只能容纳一条
	p.cfgMu.Lock()
	results := []bool{
		p.enqueue("t/1", map[string]int{"n": 1}),
		p.enqueue("t/2", map[string]int{"n": 2}),
		p.enqueue("t/3", map[string]int{"n": 3}),
	}
	p.cfgMu.Unlock()

	stats := p.Stats()
	assert.GreaterOrEqual(t, stats.Dropped, uint64(1))
	assert.Equal(t, uint64(3), stats.Enqueued+stats.Dropped)
	assert.True(t, results[0])
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

func TestConfigure_ReconnectDoesNotBlockEnqueue(t *testing.T) {
	first := mqtttest.NewTransport()
	second := &gatedTransport{
		Transport: mqtttest.NewTransport(),
		entered:   make(chan struct{}),
		release:   make(chan struct{}),
	}
	transports := []mqtt.Transport{first, second}
	factory := func(mqtt.Options, *zap.Logger) (mqtt.Transport, error) {
		next := transports[0]
		transports = transports[1:]
		return next, nil
	}
	p := New(factory, Options{}, nil, zap.NewNop())
	t.Cleanup(p.Close)
	require.True(t, p.Configure(publishConfig(), ""))

	configured := make(chan bool, 1)
	go func() { configured <- p.Configure(publishConfig(), "") }()
	<-second.entered

	// 新连接建立期间旧连接仍可入队投递
	enqueued := make(chan bool, 1)
	go func() { enqueued <- p.PublishPosition(testBeacon(), testFloor(), models.PositionEstimate{X: 1, Y: 2}) }()
	select {
	case ok := <-enqueued:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("enqueue blocked while publisher was reconnecting")
	}
	require.Eventually(t, func() bool { return len(first.Published()) == 1 }, time.Second, 10*time.Millisecond)

	close(second.release)
	require.True(t, <-configured)
	assert.False(t, first.IsConnected())
	assert.True(t, p.IsConnected())
}

func TestConfigure_DisableDropsTransport(t *testing.T) {
	p, fake := newTestPublisher(t, Options{})
	require.True(t, p.Configure(publishConfig(), ""))

	cfg := publishConfig()
	cfg.PublishEnabled = false
	assert.True(t, p.Configure(cfg, ""))
	assert.False(t, fake.IsConnected())
	assert.False(t, p.IsConnected())
	assert.False(t, p.PublishPosition(testBeacon(), testFloor(), models.PositionEstimate{}))
}

func TestClose_Idempotent(t *testing.T) {
	p, fake := newTestPublisher(t, Options{})
	require.True(t, p.Configure(publishConfig(), ""))

	p.Close()
	p.Close()
	assert.False(t, fake.IsConnected())
	assert.False(t, p.PublishPosition(testBeacon(), testFloor(), models.PositionEstimate{}))
}

func TestTopics(t *testing.T) {
	assert.Equal(t, "a/b/001122334455", PositionTopic("a/b/", "00:11:22:33:44:55"))
	assert.Equal(t, "alerts/enter/7", AlertTopic("alerts", "enter", 7))
}
