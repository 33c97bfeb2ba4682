// Package mqtttest 提供内存版 mqtt.Transport，供测试使用
package mqtttest

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"wisefido-rtls/internal/mqtt"
)

// Published 一条已发布的消息
type Published struct {
	Topic   string
	Payload []byte
}

// Transport 内存 Transport：Connect 成功后同步触发 onConnect，Deliver 模拟 broker 投递
type Transport struct {
	mu            sync.Mutex
	opts          mqtt.Options
	connected     bool
	connectErr    error
	publishErr    error
	subscriptions map[string]mqtt.MessageHandler
	published     []Published
	onConnect     func()
	onLost        func(error)
	connects      int
	disconnects   int
}

// NewTransport 创建未连接的假 Transport
func NewTransport() *Transport {
	return &Transport{subscriptions: make(map[string]mqtt.MessageHandler)}
}

// Factory 返回总是产出 t 的工厂，并记录传入的参数
func (t *Transport) Factory() mqtt.Factory {
	return func(opts mqtt.Options, _ *zap.Logger) (mqtt.Transport, error) {
		t.mu.Lock()
		t.opts = opts
		t.mu.Unlock()
		return t, nil
	}
}

// FailingFactory 创建失败的工厂
func FailingFactory(err error) mqtt.Factory {
	return func(mqtt.Options, *zap.Logger) (mqtt.Transport, error) {
		return nil, err
	}
}

// FailConnect 之后的 Connect 返回 err（nil 恢复正常）
func (t *Transport) FailConnect(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connectErr = err
}

// FailPublish 之后的 Publish 返回 err（nil 恢复正常）
func (t *Transport) FailPublish(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.publishErr = err
}

// Connect 实现 mqtt.Transport
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if err := ctx.Err(); err != nil {
		t.mu.Unlock()
		return err
	}
	if t.connectErr != nil {
		err := t.connectErr
		t.mu.Unlock()
		return err
	}
	t.connected = true
	t.connects++
	onConnect := t.onConnect
	t.mu.Unlock()

	if onConnect != nil {
		onConnect()
	}
	return nil
}

// Subscribe 实现 mqtt.Transport
func (t *Transport) Subscribe(topic string, handler mqtt.MessageHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subscriptions[topic] = handler
	return nil
}

// Publish 实现 mqtt.Transport
func (t *Transport) Publish(ctx context.Context, topic string, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return errors.New("not connected")
	}
	if t.publishErr != nil {
		return t.publishErr
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	t.published = append(t.published, Published{Topic: topic, Payload: cp})
	return nil
}

// IsConnected 实现 mqtt.Transport
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Disconnect 实现 mqtt.Transport
func (t *Transport) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connected {
		t.disconnects++
	}
	t.connected = false
}

// SetConnectionHandlers 实现 mqtt.Transport
func (t *Transport) SetConnectionHandlers(onConnect func(), onLost func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onConnect = onConnect
	t.onLost = onLost
}

// Deliver 向匹配订阅的处理函数投递一条消息，返回命中的订阅数
func (t *Transport) Deliver(topic string, payload []byte) int {
	t.mu.Lock()
	var handlers []mqtt.MessageHandler
	for filter, h := range t.subscriptions {
		if TopicMatches(filter, topic) {
			handlers = append(handlers, h)
		}
	}
	t.mu.Unlock()

	for _, h := range handlers {
		h(topic, payload)
	}
	return len(handlers)
}

// DropConnection 模拟断线
func (t *Transport) DropConnection(err error) {
	t.mu.Lock()
	t.connected = false
	onLost := t.onLost
	t.mu.Unlock()

	if onLost != nil {
		onLost(err)
	}
}

// Reconnect 模拟自动重连成功
func (t *Transport) Reconnect() {
	t.mu.Lock()
	t.connected = true
	t.connects++
	onConnect := t.onConnect
	t.mu.Unlock()

	if onConnect != nil {
		onConnect()
	}
}

// Options 最近一次 Factory 收到的参数
func (t *Transport) Options() mqtt.Options {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opts
}

// Topics 当前订阅的主题
func (t *Transport) Topics() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	topics := make([]string, 0, len(t.subscriptions))
	for topic := range t.subscriptions {
		topics = append(topics, topic)
	}
	return topics
}

// Published 已发布的消息副本
func (t *Transport) Published() []Published {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Published, len(t.published))
	copy(out, t.published)
	return out
}

// Connects Connect/Reconnect 成功次数
func (t *Transport) Connects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects
}

// TopicMatches MQTT 主题过滤匹配（支持 + 和 #）
func TopicMatches(filter, topic string) bool {
	fi, ti := 0, 0
	for {
		fEnd := indexFrom(filter, fi)
		tEnd := indexFrom(topic, ti)
		fSeg := filter[fi:fEnd]

		if fSeg == "#" {
			return true
		}
		tSeg := topic[ti:tEnd]
		if fSeg != "+" && fSeg != tSeg {
			return false
		}

		fDone := fEnd >= len(filter)
		tDone := tEnd >= len(topic)
		if fDone && tDone {
			return true
		}
		if fDone {
			return false
		}
		if tDone {
			// "a/#" 也匹配 "a"
			return filter[fEnd+1:] == "#"
		}
		fi, ti = fEnd+1, tEnd+1
	}
}

func indexFrom(s string, from int) int {
	for i := from; i < len(s); i++ {
		if s[i] == '/' {
			return i
		}
	}
	return len(s)
}
