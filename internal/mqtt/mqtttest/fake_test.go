package mqtttest

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTopicMatches(t *testing.T) {
	tests := []struct {
		filter, topic string
		want          bool
	}{
		{"#", "any/thing", true},
		{"ble/gateway/#", "ble/gateway/AABBCCDDEEFF", true},
		{"ble/gateway/#", "ble/gateway", true},
		{"ble/+/status", "ble/gw1/status", true},
		{"ble/+/status", "ble/gw1/data", false},
		{"ble/+", "ble/gw1/data", false},
		{"ble/gateway", "ble/gateway", true},
		{"ble/gateway", "ble/other", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TopicMatches(tt.filter, tt.topic), "%s vs %s", tt.filter, tt.topic)
	}
}
