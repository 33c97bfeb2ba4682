package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// StreamWriter 写 Redis Streams 所需的最小接口，便于测试替换
type StreamWriter interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// PublishToStream 发布消息到 Redis Streams
// maxLen > 0 时按近似长度裁剪（MAXLEN ~），防止流无限增长
func PublishToStream(ctx context.Context, client StreamWriter, stream string, maxLen int64, values map[string]interface{}) (string, error) {
	fields := make(map[string]interface{}, len(values))
	for k, v := range values {
		s, err := streamValue(v)
		if err != nil {
			return "", fmt.Errorf("encode field %s: %w", k, err)
		}
		fields[k] = s
	}

	args := &redis.XAddArgs{
		Stream: stream,
		Values: fields,
	}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	return client.XAdd(ctx, args).Result()
}

// PublishJSONToStream 发布 JSON 消息到 Redis Streams（data + timestamp 两个字段）
func PublishJSONToStream(ctx context.Context, client StreamWriter, stream string, maxLen int64, data interface{}) (string, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	return PublishToStream(ctx, client, stream, maxLen, map[string]interface{}{
		"data":      body,
		"timestamp": time.Now().Unix(),
	})
}

// streamValue 流字段统一转成字符串，其它类型走 JSON
func streamValue(v interface{}) (string, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case []byte:
		return string(val), nil
	case int:
		return strconv.Itoa(val), nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(val), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}
