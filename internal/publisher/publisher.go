package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"wisefido-rtls/internal/models"
	"wisefido-rtls/internal/mqtt"
)

// 默认参数
const (
	DefaultQueueSize      = 1000
	DefaultPublishTimeout = 5 * time.Second
	DefaultPositionsTopic = "careflow/positions"
	DefaultAlertsTopic    = "careflow/alerts"
)

// ErrNotConnected 发布时传输未连接
var ErrNotConnected = errors.New("publisher transport not connected")

// Options 发布器参数
type Options struct {
	QueueSize      int
	PublishTimeout time.Duration
	ConnectTimeout time.Duration
	ClientIDPrefix string
	KeepAlive      time.Duration
	QoS            byte
}

// Metrics 发布器上报的指标
type Metrics interface {
	IncPositionsPublished()
	IncPublishFailures()
	IncPublishQueueDropped()
}

// Stats 发布统计
type Stats struct {
	Enqueued  uint64
	Published uint64
	Failed    uint64
	Dropped   uint64
	LastError string
}

type outbound struct {
	topic   string
	payload []byte
}

// Publisher 对外发布位置和区域告警
// 持有独立的 MQTT 连接；发布调用只入队，由单个后台协程投递
type Publisher struct {
	factory mqtt.Factory
	opts    Options
	logger  *zap.Logger
	metrics Metrics

	configureMu    sync.Mutex // 串行化 Configure
	cfgMu          sync.RWMutex
	transport      mqtt.Transport
	enabled        bool
	positionsTopic string
	alertsTopic    string

	queue     chan outbound
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once

	enqueued  atomic.Uint64
	published atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64

	errMu   sync.Mutex
	lastErr string
}

// New 创建发布器并启动投递协程；factory 为 nil 时使用 paho 实现
func New(factory mqtt.Factory, opts Options, metrics Metrics, logger *zap.Logger) *Publisher {
	if factory == nil {
		factory = mqtt.NewClient
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = DefaultPublishTimeout
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.ClientIDPrefix == "" {
		opts.ClientIDPrefix = "wisefido-rtls-pub"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Publisher{
		factory:        factory,
		opts:           opts,
		logger:         logger,
		metrics:        metrics,
		positionsTopic: DefaultPositionsTopic,
		alertsTopic:    DefaultAlertsTopic,
		queue:          make(chan outbound, opts.QueueSize),
		done:           make(chan struct{}),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

// Configure 按接入配置重建发布连接
// 新连接建立期间旧连接继续投递，建立后替换；未启用发布时返回 true，启用但连接失败返回 false
func (p *Publisher) Configure(cfg models.TransportConfig, password string) bool {
	p.configureMu.Lock()
	defer p.configureMu.Unlock()

	if !cfg.PublishEnabled {
		p.swap(nil, false, p.positionsTopic, p.alertsTopic)
		p.logger.Info("Outbound publishing disabled")
		return true
	}

	positionsTopic := cfg.PublishPositionsTopic
	if positionsTopic == "" {
		positionsTopic = DefaultPositionsTopic
	}
	alertsTopic := cfg.PublishAlertsTopic
	if alertsTopic == "" {
		alertsTopic = DefaultAlertsTopic
	}

	opts := mqtt.Options{
		Host:           cfg.BrokerHost,
		Port:           cfg.BrokerPort,
		Username:       cfg.Username,
		Password:       password,
		UseTLS:         cfg.UseTLS,
		ClientIDPrefix: p.opts.ClientIDPrefix,
		KeepAlive:      p.opts.KeepAlive,
		ConnectTimeout: p.opts.ConnectTimeout,
		QoS:            p.opts.QoS,
	}
	if cfg.UseTLS {
		opts.CACertPath = cfg.CACertPath
	}

	transport, err := p.factory(opts, p.logger)
	if err != nil {
		p.swap(nil, true, positionsTopic, alertsTopic)
		p.setLastError(err)
		p.logger.Error("Failed to create publisher transport", zap.Error(err))
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.opts.ConnectTimeout)
	defer cancel()
	if err := transport.Connect(ctx); err != nil {
		transport.Disconnect()
		p.swap(nil, true, positionsTopic, alertsTopic)
		p.setLastError(errors.New(mqtt.DescribeError(err)))
		p.logger.Error("Publisher failed to connect",
			zap.String("broker", opts.BrokerURL()),
			zap.String("error", mqtt.DescribeError(err)),
		)
		return false
	}

	p.swap(transport, true, positionsTopic, alertsTopic)
	p.logger.Info("Publisher connected",
		zap.String("broker", opts.BrokerURL()),
		zap.String("positions_topic", positionsTopic),
		zap.String("alerts_topic", alertsTopic),
	)
	return true
}

// swap 替换当前连接和主题，旧连接在锁外断开
func (p *Publisher) swap(transport mqtt.Transport, enabled bool, positionsTopic, alertsTopic string) {
	p.cfgMu.Lock()
	old := p.transport
	p.transport = transport
	p.enabled = enabled
	p.positionsTopic = positionsTopic
	p.alertsTopic = alertsTopic
	p.cfgMu.Unlock()

	if old != nil && old != transport {
		old.Disconnect()
	}
}

// IsConnected 已启用且连接正常
func (p *Publisher) IsConnected() bool {
	p.cfgMu.RLock()
	defer p.cfgMu.RUnlock()
	return p.enabled && p.transport != nil && p.transport.IsConnected()
}

// PublishPosition 位置更新入队；未连接或队列满时返回 false
func (p *Publisher) PublishPosition(beacon models.Beacon, floor models.Floor, pos models.PositionEstimate) bool {
	p.cfgMu.RLock()
	ok := p.enabled && p.transport != nil
	topic := PositionTopic(p.positionsTopic, beacon.MAC)
	p.cfgMu.RUnlock()
	if !ok {
		return false
	}
	return p.enqueue(topic, NewPositionMessage(beacon, floor, pos))
}

// PublishAlert 区域告警入队
func (p *Publisher) PublishAlert(beacon models.Beacon, zone models.Zone, floor models.Floor, alert models.ZoneAlert) bool {
	p.cfgMu.RLock()
	ok := p.enabled && p.transport != nil
	topic := AlertTopic(p.alertsTopic, alert.AlertType, zone.ID)
	p.cfgMu.RUnlock()
	if !ok {
		return false
	}
	return p.enqueue(topic, NewAlertMessage(beacon, zone, floor, alert))
}

func (p *Publisher) enqueue(topic string, msg interface{}) bool {
	payload, err := json.Marshal(msg)
	if err != nil {
		p.setLastError(err)
		return false
	}

	select {
	case <-p.done:
		return false
	default:
	}

	select {
	case p.queue <- outbound{topic: topic, payload: payload}:
		p.enqueued.Add(1)
		return true
	default:
		p.dropped.Add(1)
		if p.metrics != nil {
			p.metrics.IncPublishQueueDropped()
		}
		p.logger.Warn("Publish queue full, dropping message", zap.String("topic", topic))
		return false
	}
}

func (p *Publisher) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case msg := <-p.queue:
			p.deliver(msg)
		}
	}
}

func (p *Publisher) deliver(msg outbound) {
	p.cfgMu.RLock()
	transport := p.transport
	p.cfgMu.RUnlock()

	var err error
	if transport == nil || !transport.IsConnected() {
		err = ErrNotConnected
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), p.opts.PublishTimeout)
		err = transport.Publish(ctx, msg.topic, msg.payload)
		cancel()
	}

	if err != nil {
		p.failed.Add(1)
		p.setLastError(err)
		if p.metrics != nil {
			p.metrics.IncPublishFailures()
		}
		p.logger.Debug("Publish failed", zap.String("topic", msg.topic), zap.Error(err))
		return
	}
	p.published.Add(1)
	if p.metrics != nil {
		p.metrics.IncPositionsPublished()
	}
}

// Stats 发布统计快照
func (p *Publisher) Stats() Stats {
	p.errMu.Lock()
	lastErr := p.lastErr
	p.errMu.Unlock()
	return Stats{
		Enqueued:  p.enqueued.Load(),
		Published: p.published.Load(),
		Failed:    p.failed.Load(),
		Dropped:   p.dropped.Load(),
		LastError: lastErr,
	}
}

// Pending 队列中待投递的消息数
func (p *Publisher) Pending() int {
	return len(p.queue)
}

// Close 停止投递协程并断开连接，可重复调用
func (p *Publisher) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.wg.Wait()

		p.configureMu.Lock()
		defer p.configureMu.Unlock()
		p.cfgMu.Lock()
		if p.transport != nil {
			p.transport.Disconnect()
			p.transport = nil
		}
		p.enabled = false
		p.cfgMu.Unlock()
	})
}

func (p *Publisher) setLastError(err error) {
	p.errMu.Lock()
	p.lastErr = err.Error()
	p.errMu.Unlock()
}
