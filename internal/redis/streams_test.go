package redis

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wisefido-rtls/internal/config"
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(t)
	client := NewRedisClient(&config.RedisConfig{Addr: mr.Addr()})
	t.Cleanup(func() { _ = Close(client) })
	return mr, client
}

func TestPublishJSONToStream(t *testing.T) {
	_, client := setupRedis(t)
	ctx := context.Background()
	require.NoError(t, Ping(ctx, client))

	id, err := PublishJSONToStream(ctx, client, "rtls:test", 0, map[string]interface{}{"beacon_id": 7})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msgs, err := client.XRange(ctx, "rtls:test", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	var decoded map[string]int
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Values["data"].(string)), &decoded))
	assert.Equal(t, 7, decoded["beacon_id"])
	assert.NotEmpty(t, msgs[0].Values["timestamp"])
}

func TestPublishToStream_FieldEncoding(t *testing.T) {
	_, client := setupRedis(t)
	ctx := context.Background()

	_, err := PublishToStream(ctx, client, "rtls:fields", 100, map[string]interface{}{
		"s":   "x",
		"i":   42,
		"f":   1.5,
		"b":   true,
		"obj": []int{1, 2},
	})
	require.NoError(t, err)

	msgs, err := client.XRange(ctx, "rtls:fields", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	v := msgs[0].Values
	assert.Equal(t, "x", v["s"])
	assert.Equal(t, "42", v["i"])
	assert.Equal(t, "1.5", v["f"])
	assert.Equal(t, "true", v["b"])
	assert.Equal(t, "[1,2]", v["obj"])
}
