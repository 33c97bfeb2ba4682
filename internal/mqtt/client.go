package mqtt

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MessageHandler 消息处理函数，在 MQTT 投递协程上同步调用，不能阻塞
type MessageHandler func(topic string, payload []byte)

// Options 连接参数
type Options struct {
	Host           string
	Port           int
	Username       string
	Password       string // 不记录日志
	UseTLS         bool
	CACertPath     string
	ClientIDPrefix string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	QoS            byte
}

// BrokerURL 根据是否启用 TLS 拼出 broker 地址
func (o Options) BrokerURL() string {
	scheme := "tcp"
	if o.UseTLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(o.Host, strconv.Itoa(o.Port)))
}

// Transport MQTT 传输抽象，测试中用假实现替换
type Transport interface {
	Connect(ctx context.Context) error
	Subscribe(topic string, handler MessageHandler) error
	Publish(ctx context.Context, topic string, payload []byte) error
	IsConnected() bool
	Disconnect()
	// SetConnectionHandlers 首次连接和每次自动重连成功后调用 onConnect，连接断开时调用 onLost
	SetConnectionHandlers(onConnect func(), onLost func(error))
}

// Factory 按参数创建 Transport
type Factory func(opts Options, logger *zap.Logger) (Transport, error)

// Client paho 实现的 Transport
// 使用 clean session，断线重连后由 OnConnect 重新订阅
type Client struct {
	client paho.Client
	opts   Options
	logger *zap.Logger

	mu            sync.RWMutex
	subscriptions map[string]MessageHandler
	onConnect     func()
	onLost        func(error)
}

// NewClient 创建 MQTT 客户端（尚未连接）
func NewClient(opts Options, logger *zap.Logger) (Transport, error) {
	if opts.Host == "" {
		return nil, errors.New("mqtt broker host is required")
	}
	if opts.Port <= 0 {
		opts.Port = 1883
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		opts:          opts,
		logger:        logger,
		subscriptions: make(map[string]MessageHandler),
	}

	po := paho.NewClientOptions()
	po.AddBroker(opts.BrokerURL())
	po.SetClientID(ClientID(opts.ClientIDPrefix))
	if opts.Username != "" {
		po.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		po.SetPassword(opts.Password)
	}
	if opts.UseTLS {
		tlsCfg, err := NewTLSConfig(opts.CACertPath)
		if err != nil {
			return nil, err
		}
		po.SetTLSConfig(tlsCfg)
	}
	po.SetCleanSession(true)
	po.SetAutoReconnect(true)
	po.SetConnectRetry(false)
	po.SetMaxReconnectInterval(30 * time.Second)
	po.SetKeepAlive(opts.KeepAlive)
	po.SetConnectTimeout(opts.ConnectTimeout)
	po.SetOnConnectHandler(func(paho.Client) { c.handleConnect() })
	po.SetConnectionLostHandler(func(_ paho.Client, err error) { c.handleLost(err) })

	c.client = paho.NewClient(po)
	return c, nil
}

// ClientID 生成唯一 client id，避免多实例互相踢下线
func ClientID(prefix string) string {
	if prefix == "" {
		prefix = "wisefido-rtls"
	}
	return prefix + "-" + uuid.NewString()[:8]
}

// Connect 连接 broker，ctx 取消或超时返回错误
func (c *Client) Connect(ctx context.Context) error {
	token := c.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("failed to connect to MQTT broker: %w", ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}
	return nil
}

// Subscribe 订阅主题；已连接时立即订阅，否则等 OnConnect 时订阅
func (c *Client) Subscribe(topic string, handler MessageHandler) error {
	c.mu.Lock()
	c.subscriptions[topic] = handler
	c.mu.Unlock()

	if !c.client.IsConnectionOpen() {
		return nil
	}
	return c.subscribe(topic, handler)
}

func (c *Client) subscribe(topic string, handler MessageHandler) error {
	token := c.client.Subscribe(topic, c.opts.QoS, func(_ paho.Client, msg paho.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(c.opts.ConnectTimeout) {
		return fmt.Errorf("failed to subscribe to topic %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
	}
	return nil
}

// Publish 发布消息
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	token := c.client.Publish(topic, c.opts.QoS, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("failed to publish to topic %s: %w", topic, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, err)
	}
	return nil
}

// IsConnected 检查连接状态
func (c *Client) IsConnected() bool {
	return c.client.IsConnectionOpen()
}

// Disconnect 断开连接
func (c *Client) Disconnect() {
	c.client.Disconnect(250) // 250ms等待时间
}

// SetConnectionHandlers 注册连接状态回调
func (c *Client) SetConnectionHandlers(onConnect func(), onLost func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = onConnect
	c.onLost = onLost
}

// handleConnect paho 在独立协程中调用
func (c *Client) handleConnect() {
	c.mu.RLock()
	subs := make(map[string]MessageHandler, len(c.subscriptions))
	for topic, h := range c.subscriptions {
		subs[topic] = h
	}
	onConnect := c.onConnect
	c.mu.RUnlock()

	for topic, h := range subs {
		if err := c.subscribe(topic, h); err != nil {
			c.logger.Warn("Failed to resubscribe", zap.String("topic", topic), zap.Error(err))
		}
	}

	c.logger.Info("MQTT connected",
		zap.String("broker", c.opts.BrokerURL()),
		zap.Int("subscriptions", len(subs)),
	)
	if onConnect != nil {
		onConnect()
	}
}

func (c *Client) handleLost(err error) {
	c.mu.RLock()
	onLost := c.onLost
	c.mu.RUnlock()

	c.logger.Warn("MQTT connection lost", zap.String("broker", c.opts.BrokerURL()), zap.Error(err))
	if onLost != nil {
		onLost(err)
	}
}
