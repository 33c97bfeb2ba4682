package processor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"wisefido-rtls/internal/ingest"
	"wisefido-rtls/internal/models"
	"wisefido-rtls/internal/mqtt"
	"wisefido-rtls/internal/positioning"
	"wisefido-rtls/internal/repository"
	"wisefido-rtls/internal/zone"
)

// 默认参数
const (
	DefaultStopTimeout    = 5 * time.Second
	DefaultConnectTimeout = 10 * time.Second
	panicBackoff          = time.Second
	storeCallTimeout      = 5 * time.Second
)

// ErrNoTransportConfig 没有启用的 MQTT 配置
var ErrNoTransportConfig = errors.New("no active MQTT configuration found")

// State 处理器状态
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	default:
		return "stopped"
	}
}

// Store 处理器依赖的存储
type Store interface {
	GetActiveTransportConfig(ctx context.Context) (*models.TransportConfig, error)
	GetProcessingSettings(ctx context.Context, defaults models.ProcessingSettings) (models.ProcessingSettings, error)
	GetActiveGatewayByMAC(ctx context.Context, mac string) (*models.Gateway, error)
	ListActiveGateways(ctx context.Context) ([]models.Gateway, error)
	GetBeaconByMAC(ctx context.Context, mac string) (*models.Beacon, error)
	CreateBeacon(ctx context.Context, beacon models.Beacon) (*models.Beacon, error)
	GetBeacon(ctx context.Context, id int64) (*models.Beacon, error)
	GetFloor(ctx context.Context, id int64) (*models.Floor, error)
	InsertRawSignal(ctx context.Context, sig *models.RawSignal) error
	ListRawSignalsSince(ctx context.Context, since time.Time) ([]models.RawSignal, error)
	ListRecentPositions(ctx context.Context, beaconID int64, limit int) ([]models.PositionEstimate, error)
	InsertPosition(ctx context.Context, p *models.PositionEstimate) error
}

// Publisher 对外发布
type Publisher interface {
	Configure(cfg models.TransportConfig, password string) bool
	IsConnected() bool
	PublishPosition(beacon models.Beacon, floor models.Floor, pos models.PositionEstimate) bool
	PublishAlert(beacon models.Beacon, z models.Zone, floor models.Floor, alert models.ZoneAlert) bool
}

// PositionSink 最新位置缓存
type PositionSink interface {
	UpdatePosition(ctx context.Context, beacon models.Beacon, pos models.PositionEstimate)
}

// ZoneEvaluator 区域进出判断
type ZoneEvaluator interface {
	Evaluate(ctx context.Context, prev *models.PositionEstimate, cur models.PositionEstimate) ([]zone.Transition, error)
}

// Metrics 处理器上报的指标
type Metrics interface {
	IncSignalsReceived()
	IncSignalsStored()
	IncSignalsDropped()
	IncPositionsCalculated()
	IncZoneAlerts()
	IncErrors()
	ObserveCycle(d time.Duration)
	SetTrackedBeacons(n int)
	SetConnected(connected bool)
}

// MQTTOptions 接入连接参数（地址、账号来自数据库配置）
type MQTTOptions struct {
	ClientIDPrefix string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	QoS            byte
	BufferSize     int
}

// Option 构造选项
type Option func(*Processor)

// WithLogger 设置日志
func WithLogger(logger *zap.Logger) Option {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithTransportFactory 替换 MQTT 传输实现
func WithTransportFactory(f mqtt.Factory) Option {
	return func(p *Processor) { p.factory = f }
}

// WithMQTTOptions 设置接入连接参数
func WithMQTTOptions(opts MQTTOptions) Option {
	return func(p *Processor) { p.mqttOpts = opts }
}

// WithSettings 设置默认计算参数（数据库中的值会覆盖）
func WithSettings(s models.ProcessingSettings) Option {
	return func(p *Processor) { p.defaults = s }
}

// WithStopTimeout 设置停止时等待计算协程退出的时间
func WithStopTimeout(d time.Duration) Option {
	return func(p *Processor) {
		if d > 0 {
			p.stopTimeout = d
		}
	}
}

// WithPublisher 设置对外发布器
func WithPublisher(pub Publisher) Option {
	return func(p *Processor) { p.publisher = pub }
}

// WithPositionCache 设置最新位置缓存
func WithPositionCache(sink PositionSink) Option {
	return func(p *Processor) { p.cache = sink }
}

// WithZoneEvaluator 设置区域检测
func WithZoneEvaluator(z ZoneEvaluator) Option {
	return func(p *Processor) { p.zones = z }
}

// WithMetrics 设置指标
func WithMetrics(m Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

// WithClock 替换时钟，测试用
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// WithGetenv 替换环境变量读取，测试用
func WithGetenv(getenv func(string) string) Option {
	return func(p *Processor) { p.getenv = getenv }
}

// Processor 信号处理器
// 接收网关上报写入原始信号，按固定周期为每个信标计算位置
type Processor struct {
	store       Store
	factory     mqtt.Factory
	mqttOpts    MQTTOptions
	defaults    models.ProcessingSettings
	stopTimeout time.Duration
	publisher   Publisher
	cache       PositionSink
	zones       ZoneEvaluator
	metrics     Metrics
	logger      *zap.Logger
	now         func() time.Time
	getenv      func(string) string

	lifecycleMu   sync.Mutex // 串行化 Start / Stop / CheckAndRestart
	computeMu     sync.Mutex // 同一时刻最多一个计算周期
	signalMu      sync.Mutex // 原始信号写入与周期读取互斥
	state         atomic.Int32
	cancel        context.CancelFunc
	everStarted   bool
	stopRequested bool
	autoDiscover  atomic.Bool

	// 以下字段写入时同时持有 lifecycleMu 和 statusMu
	statusMu sync.RWMutex
	client   *ingest.Client
	loopDone chan struct{}

	// 以下字段由 computeMu 保护
	settings models.ProcessingSettings
	kalman   *positioning.KalmanStore
	tracks   *trackStore

	statsMu sync.Mutex
	stats   Stats
}

// New 创建处理器
func New(store Store, opts ...Option) *Processor {
	p := &Processor{
		store:       store,
		defaults:    models.DefaultProcessingSettings(),
		stopTimeout: DefaultStopTimeout,
		logger:      zap.NewNop(),
		now:         time.Now,
		getenv:      os.Getenv,
		kalman:      positioning.NewKalmanStore(),
		tracks:      newTrackStore(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.mqttOpts.ConnectTimeout <= 0 {
		p.mqttOpts.ConnectTimeout = DefaultConnectTimeout
	}
	if p.mqttOpts.ClientIDPrefix == "" {
		p.mqttOpts.ClientIDPrefix = "wisefido-rtls"
	}
	p.settings = p.defaults
	return p
}

// State 当前状态
func (p *Processor) State() State {
	return State(p.state.Load())
}

// IsRunning 处于运行状态且计算协程存活
func (p *Processor) IsRunning() bool {
	return p.State() == StateRunning && p.loopAlive()
}

// IsConnected 接入连接是否正常
func (p *Processor) IsConnected() bool {
	p.statusMu.RLock()
	client := p.client
	p.statusMu.RUnlock()
	return client != nil && client.IsConnected()
}

// Start 加载配置、连接 MQTT 并启动计算协程，已运行时直接返回
// 失败时状态保持 Stopped，原因可通过 LastError 查询
func (p *Processor) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	p.stopRequested = false
	return p.start(ctx)
}

func (p *Processor) start(ctx context.Context) error {
	if p.State() == StateRunning && p.loopAlive() {
		return nil
	}

	p.everStarted = true
	p.state.Store(int32(StateStarting))
	p.teardown()

	cfg, err := p.store.GetActiveTransportConfig(ctx)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			err = ErrNoTransportConfig
		}
		return p.failStart(err)
	}
	p.autoDiscover.Store(cfg.AutoDiscoverBeacons)

	password := ""
	if cfg.PasswordEnvKey != "" {
		password = p.getenv(cfg.PasswordEnvKey)
	}

	transportOpts := mqtt.Options{
		Host:           cfg.BrokerHost,
		Port:           cfg.BrokerPort,
		Username:       cfg.Username,
		Password:       password,
		UseTLS:         cfg.UseTLS,
		ClientIDPrefix: p.mqttOpts.ClientIDPrefix,
		KeepAlive:      p.mqttOpts.KeepAlive,
		ConnectTimeout: p.mqttOpts.ConnectTimeout,
		QoS:            p.mqttOpts.QoS,
	}
	if cfg.UseTLS {
		transportOpts.CACertPath = cfg.CACertPath
	}

	client := ingest.NewClient(p.factory, ingest.Options{
		Transport:   transportOpts,
		TopicPrefix: cfg.TopicPrefix,
		BufferSize:  p.mqttOpts.BufferSize,
	}, p.logger)
	client.OnMessage(p.onReading)
	client.OnConnect(func() {
		p.metricsSetConnected(true)
		p.logger.Info("Ingestion transport connected", zap.String("broker", transportOpts.BrokerURL()))
	})
	client.OnDisconnect(func(err error) {
		p.metricsSetConnected(false)
		p.logger.Warn("Ingestion transport lost", zap.Error(err))
	})

	if !client.Connect(p.mqttOpts.ConnectTimeout) {
		client.Disconnect()
		msg := client.LastError()
		if msg == "" {
			msg = "failed to connect to MQTT broker"
		}
		return p.failStart(errors.New(msg))
	}
	p.setClient(client)

	if p.publisher != nil {
		if !p.publisher.Configure(*cfg, password) {
			p.logger.Warn("Outbound publisher not connected, positions will not be published")
		}
	}

	settings, err := p.store.GetProcessingSettings(ctx, p.defaults)
	if err != nil {
		p.logger.Warn("Failed to load processing settings, using defaults", zap.Error(err))
		settings = p.defaults
	}

	// 重启后重新初始化滤波状态，轨迹历史在下一周期从数据库补齐
	p.computeMu.Lock()
	p.settings = settings
	p.kalman.ResetAll()
	p.tracks = newTrackStore()
	p.computeMu.Unlock()

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	p.cancel = cancel
	p.statusMu.Lock()
	p.loopDone = done
	p.statusMu.Unlock()
	go p.loop(loopCtx, done, settings.RefreshInterval)

	p.setLastError("")
	p.state.Store(int32(StateRunning))
	p.logger.Info("Signal processor started",
		zap.String("broker", transportOpts.BrokerURL()),
		zap.String("topic_prefix", cfg.TopicPrefix),
		zap.Bool("auto_discover", cfg.AutoDiscoverBeacons),
		zap.Duration("refresh_interval", settings.RefreshInterval),
		zap.Duration("signal_window", settings.SignalWindow),
	)
	return nil
}

func (p *Processor) failStart(err error) error {
	p.teardown()
	p.state.Store(int32(StateStopped))
	p.setLastError(err.Error())
	p.logger.Error("Failed to start signal processor", zap.Error(err))
	return fmt.Errorf("start signal processor: %w", err)
}

// Stop 停止计算协程并断开 MQTT，可重复调用
func (p *Processor) Stop() {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	p.stopRequested = true
	if p.State() == StateStopped && p.currentClient() == nil && p.cancel == nil {
		return
	}
	p.teardown()
	p.state.Store(int32(StateStopped))
	p.logger.Info("Signal processor stopped")
}

// CheckAndRestart 看门狗调用：从未启动则启动；运行中但连接断开或计算协程退出则重启
// 主动 Stop 之后不会自动重启；返回检查后是否处于运行状态
func (p *Processor) CheckAndRestart(ctx context.Context) bool {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.stopRequested {
		return false
	}
	if !p.everStarted {
		return p.start(ctx) == nil
	}

	healthy := p.State() == StateRunning && p.IsConnected() && p.loopAlive()
	if healthy {
		return true
	}

	p.logger.Warn("Signal processor unhealthy, restarting",
		zap.String("state", p.State().String()),
		zap.Bool("loop_alive", p.loopAlive()),
	)
	p.state.Store(int32(StateStopped))
	return p.start(ctx) == nil
}

// teardown 取消计算协程（限时等待），再断开接入连接；调用方持有 lifecycleMu
func (p *Processor) teardown() {
	if p.cancel != nil {
		p.cancel()
		p.statusMu.RLock()
		done := p.loopDone
		p.statusMu.RUnlock()

		timer := time.NewTimer(p.stopTimeout)
		select {
		case <-done:
		case <-timer.C:
			p.logger.Warn("Computation loop did not exit in time", zap.Duration("timeout", p.stopTimeout))
		}
		timer.Stop()
		p.cancel = nil
		p.statusMu.Lock()
		p.loopDone = nil
		p.statusMu.Unlock()
	}
	if client := p.currentClient(); client != nil {
		p.setClient(nil)
		client.Disconnect()
		p.metricsSetConnected(false)
	}
}

func (p *Processor) currentClient() *ingest.Client {
	p.statusMu.RLock()
	defer p.statusMu.RUnlock()
	return p.client
}

func (p *Processor) setClient(client *ingest.Client) {
	p.statusMu.Lock()
	p.client = client
	p.statusMu.Unlock()
}

func (p *Processor) loopAlive() bool {
	p.statusMu.RLock()
	done := p.loopDone
	p.statusMu.RUnlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// loop 计算协程：按间隔执行计算周期，周期 panic 后退避 1 秒
func (p *Processor) loop(ctx context.Context, done chan struct{}, interval time.Duration) {
	defer close(done)
	if interval <= 0 {
		interval = time.Second
	}

	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		wait := interval
		if !p.safeCycle(ctx) {
			wait = panicBackoff
		}
		timer.Reset(wait)
	}
}

func (p *Processor) safeCycle(ctx context.Context) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			p.recordError(fmt.Errorf("computation cycle panic: %v", r))
			ok = false
		}
	}()
	p.RunCycle(ctx)
	return true
}

func (p *Processor) metricsSetConnected(connected bool) {
	if p.metrics != nil {
		p.metrics.SetConnected(connected)
	}
}
