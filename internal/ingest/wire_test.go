package ingest

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var receivedAt = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func TestParsePayload_Primary(t *testing.T) {
	payload := []byte(`{"gatewayMac":"aa:bb:cc:dd:ee:ff","mac":"11:22:33:44:55:66","rssi":-67,"txPower":-61,"timestamp":1700000000}`)

	readings, err := ParsePayload("ble/gateway/x", payload, receivedAt)
	require.NoError(t, err)
	require.Len(t, readings, 1)

	r := readings[0]
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", r.GatewayMAC)
	assert.Equal(t, "11:22:33:44:55:66", r.BeaconMAC)
	assert.Equal(t, -67, r.RSSI)
	assert.Equal(t, -61, r.TxPower)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), r.Timestamp)
	assert.Equal(t, string(payload), r.Raw)
	assert.Equal(t, "ble/gateway/x", r.Topic)
}

func TestParsePayload_Defaults(t *testing.T) {
	readings, err := ParsePayload("t", []byte(`{"gateway_mac":"AA-BB-CC-DD-EE-FF","mac":"112233445566"}`), receivedAt)
	require.NoError(t, err)
	require.Len(t, readings, 1)

	r := readings[0]
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", r.GatewayMAC)
	assert.Equal(t, "11:22:33:44:55:66", r.BeaconMAC)
	assert.Equal(t, DefaultRSSI, r.RSSI)
	assert.Equal(t, DefaultTxPower, r.TxPower)
	assert.Equal(t, receivedAt, r.Timestamp)
}

func TestParsePayload_MillisecondTimestamp(t *testing.T) {
	readings, err := ParsePayload("t", []byte(`{"gatewayMac":"AA:BB:CC:DD:EE:FF","mac":"11:22:33:44:55:66","timestamp":1700000000123}`), receivedAt)
	require.NoError(t, err)
	assert.Equal(t, time.UnixMilli(1700000000123).UTC(), readings[0].Timestamp)
}

func TestParsePayload_NonNumericTimestampUsesReceipt(t *testing.T) {
	readings, err := ParsePayload("t", []byte(`{"gatewayMac":"AA:BB:CC:DD:EE:FF","mac":"11:22:33:44:55:66","timestamp":"yesterday"}`), receivedAt)
	require.NoError(t, err)
	assert.Equal(t, receivedAt, readings[0].Timestamp)
}

func TestParsePayload_StringNumbers(t *testing.T) {
	readings, err := ParsePayload("t", []byte(`{"gatewayMac":"AA:BB:CC:DD:EE:FF","mac":"11:22:33:44:55:66","RSSI":"-70","tx_power":"-65"}`), receivedAt)
	require.NoError(t, err)
	assert.Equal(t, -70, readings[0].RSSI)
	assert.Equal(t, -65, readings[0].TxPower)
}

func TestParsePayload_Alternate(t *testing.T) {
	payload := []byte(`{"type":"Gateway","mac":"a1b2c3d4e5f6","bleMAC":"c0:ff:ee:00:00:01","rssi":-80,"rawData":"0201061aff"}`)

	readings, err := ParsePayload("t", payload, receivedAt)
	require.NoError(t, err)
	require.Len(t, readings, 1)
	assert.Equal(t, "A1:B2:C3:D4:E5:F6", readings[0].GatewayMAC)
	assert.Equal(t, "C0:FF:EE:00:00:01", readings[0].BeaconMAC)
	assert.Equal(t, -80, readings[0].RSSI)
	assert.Equal(t, DefaultTxPower, readings[0].TxPower)
}

func TestParsePayload_GatewayFromTopic(t *testing.T) {
	readings, err := ParsePayload("ble/gateway/a1b2c3d4e5f6/data", []byte(`{"mac":"11:22:33:44:55:66","rssi":-70}`), receivedAt)
	require.NoError(t, err)
	assert.Equal(t, "A1:B2:C3:D4:E5:F6", readings[0].GatewayMAC)
}

func TestParsePayload_Batch(t *testing.T) {
	payload := []byte(`{
		"device_info": {"mac": "a1b2c3d4e5f6", "timestamp": 1700000000000},
		"beacons": [
			{"mac": "112233445566", "rssi": -60, "tx_power": -58},
			{"mac": "aa-bb-cc-00-11-22", "rssi": -75},
			"garbage",
			{"rssi": -50}
		]
	}`)

	readings, err := ParsePayload("t", payload, receivedAt)
	require.NoError(t, err)
	require.Len(t, readings, 2)

	assert.Equal(t, "A1:B2:C3:D4:E5:F6", readings[0].GatewayMAC)
	assert.Equal(t, "11:22:33:44:55:66", readings[0].BeaconMAC)
	assert.Equal(t, -60, readings[0].RSSI)
	assert.Equal(t, -58, readings[0].TxPower)
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), readings[0].Timestamp)
	assert.JSONEq(t, `{"mac": "112233445566", "rssi": -60, "tx_power": -58}`, readings[0].Raw)

	assert.Equal(t, "AA:BB:CC:00:11:22", readings[1].BeaconMAC)
	assert.Equal(t, DefaultTxPower, readings[1].TxPower)
}

func TestParsePayload_BatchDataKeyAndTopicGateway(t *testing.T) {
	payload := []byte(`{"device_info": {}, "data": [{"mac": "112233445566", "rssi": -60}]}`)
	readings, err := ParsePayload("moko/a1b2c3d4e5f6", payload, receivedAt)
	require.NoError(t, err)
	require.Len(t, readings, 1)
	assert.Equal(t, "A1:B2:C3:D4:E5:F6", readings[0].GatewayMAC)
	assert.Equal(t, receivedAt, readings[0].Timestamp)
}

func TestParsePayload_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		topic   string
		payload string
		want    error
	}{
		{"not json", "t", "\x00\x01garbage", ErrMalformedPayload},
		{"json array", "t", `[1,2,3]`, ErrMalformedPayload},
		{"json null", "t", `null`, ErrMalformedPayload},
		{"bad rssi", "t", `{"gatewayMac":"AA:BB:CC:DD:EE:FF","mac":"11:22:33:44:55:66","rssi":true}`, ErrMalformedPayload},
		{"no beacon", "t", `{"gatewayMac":"AA:BB:CC:DD:EE:FF","rssi":-60}`, ErrMissingBeacon},
		{"no gateway", "t", `{"mac":"11:22:33:44:55:66"}`, ErrMissingGateway},
		{"empty batch", "a1b2c3d4e5f6", `{"device_info":{"mac":"a1b2c3d4e5f6"},"beacons":[]}`, ErrMissingBeacon},
		{"batch without gateway", "t", `{"device_info":{},"beacons":[{"mac":"112233445566"}]}`, ErrMissingGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			readings, err := ParsePayload(tt.topic, []byte(tt.payload), receivedAt)
			assert.Nil(t, readings)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		payload string
		want    PayloadKind
	}{
		{`{"gatewayMac":"x","mac":"y"}`, KindPrimary},
		{`{"type":"Gateway","gatewayMac":"x","mac":"y"}`, KindPrimary},
		{`{"type":"Gateway","mac":"x","bleMAC":"y"}`, KindAlternate},
		{`{"device_info":{},"beacons":[]}`, KindBatch},
		{`{"device_info":{},"data":[]}`, KindBatch},
	}
	for _, tt := range tests {
		fields := mustFields(t, tt.payload)
		assert.Equal(t, tt.want, Classify(fields), tt.payload)
	}
}

func TestNormalizeMAC(t *testing.T) {
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", NormalizeMAC(" aabbccddeeff "))
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", NormalizeMAC("aa-bb-cc-dd-ee-ff"))
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", NormalizeMAC("AA:BB:CC:DD:EE:FF"))
	assert.Equal(t, "", NormalizeMAC(""))
	// 非 12 位十六进制保持原样（只做大写）
	assert.Equal(t, "BEACON_X", NormalizeMAC("beacon_x"))
	assert.Equal(t, "ZZZZZZZZZZZZ", NormalizeMAC("zzzzzzzzzzzz"))
}

func TestGatewayMACFromTopic(t *testing.T) {
	assert.Equal(t, "A1:B2:C3:D4:E5:F6", GatewayMACFromTopic("ble/gateway/a1b2c3d4e5f6"))
	assert.Equal(t, "", GatewayMACFromTopic("ble/gateway/short"))
	assert.Equal(t, "", GatewayMACFromTopic(""))
}

func TestStripMAC(t *testing.T) {
	assert.Equal(t, "AABBCCDDEEFF", StripMAC("AA:BB:CC:DD:EE:FF"))
	assert.Equal(t, "AABBCCDDEEFF", StripMAC("AA-BB-CC-DD-EE-FF"))
}

func TestSubscriptionTopics(t *testing.T) {
	assert.Equal(t, []string{"ble/gateway/#"}, SubscriptionTopics("ble/gateway/"))
	assert.Equal(t, []string{"ble/gateway/#"}, SubscriptionTopics("ble/gateway"))
	assert.Equal(t, []string{"ble/+/data"}, SubscriptionTopics("ble/+/data"))
	assert.Equal(t, []string{"ble/#"}, SubscriptionTopics("ble/#"))
	assert.Equal(t, []string{"a/#", "b/#", "c/+"}, SubscriptionTopics("a, b/ ,c/+"))
	assert.Equal(t, []string{"#"}, SubscriptionTopics("  "))
}

func mustFields(t *testing.T, payload string) map[string]json.RawMessage {
	t.Helper()
	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(payload), &fields))
	return fields
}
