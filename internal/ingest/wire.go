package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// 缺省值
const (
	DefaultRSSI    = -100
	DefaultTxPower = -59

	millisecondThreshold = 1e12
)

var (
	// ErrMalformedPayload 不是合法 JSON 对象
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrMissingBeacon 消息中没有信标地址
	ErrMissingBeacon = errors.New("beacon mac missing")
	// ErrMissingGateway 消息和主题中都没有网关地址
	ErrMissingGateway = errors.New("gateway mac missing")
)

// PayloadKind 上报消息格式
type PayloadKind int

const (
	// KindPrimary {gatewayMac, mac, rssi, txPower, timestamp}
	KindPrimary PayloadKind = iota
	// KindAlternate {type:"Gateway", mac(网关), bleMAC(信标), rssi, rawData}
	KindAlternate
	// KindBatch {device_info:{mac, timestamp}, beacons|data:[{mac, rssi, tx_power}]}
	KindBatch
)

func (k PayloadKind) String() string {
	switch k {
	case KindAlternate:
		return "alternate"
	case KindBatch:
		return "batch"
	default:
		return "primary"
	}
}

// Reading 解析后的一条网关-信标观测
type Reading struct {
	Topic      string
	GatewayMAC string
	BeaconMAC  string
	RSSI       int
	TxPower    int
	Timestamp  time.Time
	Raw        string
}

// flexNumber 兼容数字和数字字符串
type flexNumber struct {
	value float64
	set   bool
}

func (n *flexNumber) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err == nil {
		n.value, n.set = f, true
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("not a number: %s", b)
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return fmt.Errorf("not a number: %q", s)
	}
	n.value, n.set = f, true
	return nil
}

func (n *flexNumber) intOr(def int) int {
	if n == nil || !n.set {
		return def
	}
	return int(n.value)
}

// flexTime 数字时间戳（>1e12 视为毫秒，否则秒），其它格式一律视为缺失
type flexTime struct {
	t time.Time
}

func (ft *flexTime) UnmarshalJSON(b []byte) error {
	var f float64
	if err := json.Unmarshal(b, &f); err != nil || f <= 0 {
		return nil
	}
	ft.t = unixTime(f)
	return nil
}

func unixTime(v float64) time.Time {
	if v > millisecondThreshold {
		return time.UnixMilli(int64(v)).UTC()
	}
	sec := int64(v)
	nsec := int64((v - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

func pickTime(receivedAt time.Time, candidates ...*flexTime) time.Time {
	for _, c := range candidates {
		if c != nil && !c.t.IsZero() {
			return c.t
		}
	}
	return receivedAt.UTC()
}

type singlePayload struct {
	Type            string          `json:"type"`
	GatewayMAC      string          `json:"gatewayMac"`
	GatewayMACSnake string          `json:"gateway_mac"`
	MAC             string          `json:"mac"`
	BleMAC          string          `json:"bleMAC"`
	BeaconMAC       string          `json:"beacon_mac"`
	RSSI            *flexNumber     `json:"rssi"`
	TxPower         *flexNumber     `json:"txPower"`
	TxPowerSnake    *flexNumber     `json:"tx_power"`
	Timestamp       *flexTime       `json:"timestamp"`
	Time            *flexTime       `json:"time"`
	RawData         json.RawMessage `json:"rawData"`
}

type batchPayload struct {
	DeviceInfo struct {
		MAC       string    `json:"mac"`
		Timestamp *flexTime `json:"timestamp"`
	} `json:"device_info"`
	Beacons []json.RawMessage `json:"beacons"`
	Data    []json.RawMessage `json:"data"`
}

type batchBeacon struct {
	MAC           string      `json:"mac"`
	RSSI          *flexNumber `json:"rssi"`
	TxPower       *flexNumber `json:"tx_power"`
	TxPowerCamel  *flexNumber `json:"txPower"`
	MeasuredPower *flexNumber `json:"measured_power"`
}

// Classify 根据字段判断消息格式
func Classify(fields map[string]json.RawMessage) PayloadKind {
	if _, ok := fields["device_info"]; ok {
		if _, ok := fields["beacons"]; ok {
			return KindBatch
		}
		if _, ok := fields["data"]; ok {
			return KindBatch
		}
	}
	_, hasGateway := fields["gatewayMac"]
	_, hasGatewaySnake := fields["gateway_mac"]
	if !hasGateway && !hasGatewaySnake {
		var typ string
		if raw, ok := fields["type"]; ok && json.Unmarshal(raw, &typ) == nil && typ == "Gateway" {
			return KindAlternate
		}
	}
	return KindPrimary
}

// ParsePayload 解析一条上报消息，返回一条或多条观测
// 无法解析时返回错误，由调用方丢弃
func ParsePayload(topic string, payload []byte, receivedAt time.Time) ([]Reading, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if fields == nil {
		return nil, ErrMalformedPayload
	}

	topicGateway := GatewayMACFromTopic(topic)

	switch Classify(fields) {
	case KindBatch:
		return parseBatch(topic, topicGateway, payload, receivedAt)
	case KindAlternate:
		return parseSingle(topic, topicGateway, payload, receivedAt, true)
	default:
		return parseSingle(topic, topicGateway, payload, receivedAt, false)
	}
}

func parseSingle(topic, topicGateway string, payload []byte, receivedAt time.Time, alternate bool) ([]Reading, error) {
	var p singlePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	var gateway, beacon string
	if alternate {
		gateway, beacon = p.MAC, p.BleMAC
	} else {
		gateway = firstNonEmpty(p.GatewayMAC, p.GatewayMACSnake)
		beacon = firstNonEmpty(p.MAC, p.BleMAC, p.BeaconMAC)
	}
	if gateway == "" {
		gateway = topicGateway
	}

	r := Reading{
		Topic:      topic,
		GatewayMAC: NormalizeMAC(gateway),
		BeaconMAC:  NormalizeMAC(beacon),
		RSSI:       p.RSSI.intOr(DefaultRSSI),
		TxPower:    firstSet(p.TxPower, p.TxPowerSnake).intOr(DefaultTxPower),
		Timestamp:  pickTime(receivedAt, p.Timestamp, p.Time),
		Raw:        string(payload),
	}
	if r.BeaconMAC == "" {
		return nil, ErrMissingBeacon
	}
	if r.GatewayMAC == "" {
		return nil, ErrMissingGateway
	}
	return []Reading{r}, nil
}

func parseBatch(topic, topicGateway string, payload []byte, receivedAt time.Time) ([]Reading, error) {
	var p batchPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	gateway := NormalizeMAC(p.DeviceInfo.MAC)
	if gateway == "" {
		gateway = topicGateway
	}
	if gateway == "" {
		return nil, ErrMissingGateway
	}
	ts := pickTime(receivedAt, p.DeviceInfo.Timestamp)

	entries := p.Beacons
	if len(entries) == 0 {
		entries = p.Data
	}

	readings := make([]Reading, 0, len(entries))
	for _, raw := range entries {
		var b batchBeacon
		// 非对象或字段类型错误的条目跳过，不影响同批其它信标
		if err := json.Unmarshal(raw, &b); err != nil {
			continue
		}
		mac := NormalizeMAC(b.MAC)
		if mac == "" {
			continue
		}
		readings = append(readings, Reading{
			Topic:      topic,
			GatewayMAC: gateway,
			BeaconMAC:  mac,
			RSSI:       b.RSSI.intOr(DefaultRSSI),
			TxPower:    firstSet(b.TxPower, b.TxPowerCamel, b.MeasuredPower).intOr(DefaultTxPower),
			Timestamp:  ts,
			Raw:        string(raw),
		})
	}
	if len(readings) == 0 {
		return nil, ErrMissingBeacon
	}
	return readings, nil
}

// NormalizeMAC 统一 MAC 格式：大写，'-' 换成 ':'，12 位十六进制补冒号
func NormalizeMAC(mac string) string {
	mac = strings.ToUpper(strings.TrimSpace(mac))
	if mac == "" {
		return ""
	}
	if len(mac) == 12 && isHex(mac) {
		return colonize(mac)
	}
	return strings.ReplaceAll(mac, "-", ":")
}

// GatewayMACFromTopic 主题中第一个 12 位十六进制段视为网关 MAC
func GatewayMACFromTopic(topic string) string {
	for _, part := range strings.Split(topic, "/") {
		if len(part) == 12 && isHex(part) {
			return colonize(strings.ToUpper(part))
		}
	}
	return ""
}

// StripMAC 去掉分隔符，用于主题拼接
func StripMAC(mac string) string {
	return strings.NewReplacer(":", "", "-", "").Replace(mac)
}

func colonize(hex12 string) string {
	var b strings.Builder
	b.Grow(17)
	for i := 0; i < 12; i += 2 {
		if i > 0 {
			b.WriteByte(':')
		}
		b.WriteString(hex12[i : i+2])
	}
	return b.String()
}

func isHex(s string) bool {
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func firstSet(values ...*flexNumber) *flexNumber {
	for _, v := range values {
		if v != nil && v.set {
			return v
		}
	}
	return nil
}

// SubscriptionTopics 由配置的主题前缀生成订阅主题
//   - 逗号分隔：逐个订阅（各自按下面规则处理）
//   - 已含 + 或 #：原样使用
//   - 以 / 结尾：补 #
//   - 其它：补 /#
func SubscriptionTopics(prefix string) []string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return []string{"#"}
	}

	var topics []string
	for _, part := range strings.Split(prefix, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		switch {
		case strings.ContainsAny(part, "+#"):
			topics = append(topics, part)
		case strings.HasSuffix(part, "/"):
			topics = append(topics, part+"#")
		default:
			topics = append(topics, part+"/#")
		}
	}
	return topics
}
