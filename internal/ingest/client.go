package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"wisefido-rtls/internal/mqtt"
)

// DefaultBufferSize 最近消息缓冲区默认容量
const DefaultBufferSize = 10000

// Options 接入客户端参数
type Options struct {
	Transport   mqtt.Options
	TopicPrefix string
	BufferSize  int
}

// ClientStats 接入统计
type ClientStats struct {
	MessagesReceived uint64 // MQTT 消息数
	ReadingsParsed   uint64 // 解析出的观测数（批量消息一条可产生多条）
	Malformed        uint64 // 无法解析而丢弃的消息数
	BufferDropped    uint64 // 缓冲区满时丢弃的最旧观测数
	CallbackPanics   uint64
}

// Client 网关上报接入客户端
// 消息回调在 MQTT 投递协程上同步执行，回调本身不能阻塞
type Client struct {
	factory mqtt.Factory
	opts    Options
	logger  *zap.Logger

	mu        sync.Mutex // 串行化 Connect / Disconnect
	transport mqtt.Transport
	live      atomic.Pointer[transportBox] // 回调中可无锁读取
	connected atomic.Bool

	errMu     sync.Mutex
	lastError string

	cbMu         sync.RWMutex
	onMessage    []func(Reading)
	onConnect    []func()
	onDisconnect []func(error)

	buf *ringBuffer

	received  atomic.Uint64
	parsed    atomic.Uint64
	malformed atomic.Uint64
	panics    atomic.Uint64
}

type transportBox struct {
	t mqtt.Transport
}

// NewClient 创建接入客户端，factory 为 nil 时使用 paho 实现
func NewClient(factory mqtt.Factory, opts Options, logger *zap.Logger) *Client {
	if factory == nil {
		factory = mqtt.NewClient
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		factory: factory,
		opts:    opts,
		logger:  logger,
		buf:     newRingBuffer(opts.BufferSize),
	}
}

// Connect 连接并订阅，失败返回 false 并记录 LastError，不会返回错误或 panic
// 首次连接成功后断线由底层自动重连
func (c *Client) Connect(timeout time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.transport != nil && c.transport.IsConnected() {
		return true
	}

	if c.transport == nil {
		t, err := c.factory(c.opts.Transport, c.logger)
		if err != nil {
			msg := c.setLastError(mqtt.DescribeError(err))
			c.logger.Error("Failed to create MQTT transport",
				zap.String("broker", c.opts.Transport.BrokerURL()),
				zap.String("error", msg),
			)
			return false
		}
		t.SetConnectionHandlers(c.handleConnect, c.handleLost)
		for _, topic := range SubscriptionTopics(c.opts.TopicPrefix) {
			if err := t.Subscribe(topic, c.handleMessage); err != nil {
				c.setLastError(err.Error())
				c.logger.Warn("Invalid subscription topic", zap.String("topic", topic), zap.Error(err))
			}
		}
		c.transport = t
		c.live.Store(&transportBox{t: t})
	}

	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := c.transport.Connect(ctx); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
		}
		msg := c.setLastError(mqtt.DescribeError(err))
		c.logger.Error("Failed to connect to MQTT broker",
			zap.String("broker", c.opts.Transport.BrokerURL()),
			zap.String("error", msg),
		)
		// 首次连接失败时丢弃 transport，下次重新创建
		c.transport.Disconnect()
		c.transport = nil
		c.live.Store(nil)
		c.connected.Store(false)
		return false
	}

	c.connected.Store(true)
	c.setLastError("")
	return true
}

// Disconnect 断开连接，可重复调用
func (c *Client) Disconnect() {
	c.mu.Lock()
	t := c.transport
	c.transport = nil
	c.live.Store(nil)
	c.connected.Store(false)
	c.mu.Unlock()

	if t != nil {
		t.Disconnect()
	}
}

// IsConnected 当前是否已连接
func (c *Client) IsConnected() bool {
	box := c.live.Load()
	return box != nil && c.connected.Load() && box.t.IsConnected()
}

// LastError 最近一次连接错误
func (c *Client) LastError() string {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.lastError
}

func (c *Client) setLastError(msg string) string {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	c.lastError = msg
	return msg
}

// OnMessage 注册消息回调
func (c *Client) OnMessage(fn func(Reading)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.onMessage = append(c.onMessage, fn)
}

// OnConnect 注册连接（含重连）回调
func (c *Client) OnConnect(fn func()) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.onConnect = append(c.onConnect, fn)
}

// OnDisconnect 注册断线回调
func (c *Client) OnDisconnect(fn func(error)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.onDisconnect = append(c.onDisconnect, fn)
}

// Drain 取出最多 max 条缓冲的观测（先进先出），max <= 0 取全部
func (c *Client) Drain(max int) []Reading {
	return c.buf.drain(max)
}

// Buffered 缓冲区中尚未取出的观测数
func (c *Client) Buffered() int {
	return c.buf.len()
}

// Stats 接入统计快照
func (c *Client) Stats() ClientStats {
	return ClientStats{
		MessagesReceived: c.received.Load(),
		ReadingsParsed:   c.parsed.Load(),
		Malformed:        c.malformed.Load(),
		BufferDropped:    c.buf.droppedCount(),
		CallbackPanics:   c.panics.Load(),
	}
}

func (c *Client) handleMessage(topic string, payload []byte) {
	c.received.Add(1)

	readings, err := ParsePayload(topic, payload, time.Now())
	if err != nil {
		c.malformed.Add(1)
		c.logger.Debug("Dropping unparseable message",
			zap.String("topic", topic),
			zap.Int("size", len(payload)),
			zap.Error(err),
		)
		return
	}
	c.parsed.Add(uint64(len(readings)))

	c.cbMu.RLock()
	callbacks := c.onMessage
	c.cbMu.RUnlock()

	for _, r := range readings {
		c.buf.push(r)
		for _, cb := range callbacks {
			c.invoke("message", func() { cb(r) })
		}
	}
}

func (c *Client) handleConnect() {
	c.connected.Store(true)

	c.cbMu.RLock()
	callbacks := c.onConnect
	c.cbMu.RUnlock()
	for _, cb := range callbacks {
		c.invoke("connect", cb)
	}
}

func (c *Client) handleLost(err error) {
	c.connected.Store(false)

	c.cbMu.RLock()
	callbacks := c.onDisconnect
	c.cbMu.RUnlock()
	for _, cb := range callbacks {
		c.invoke("disconnect", func() { cb(err) })
	}
}

// invoke 回调 panic 只记录，不影响投递协程
func (c *Client) invoke(kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.panics.Add(1)
			c.logger.Error("Callback panicked", zap.String("callback", kind), zap.Any("panic", r))
		}
	}()
	fn()
}
