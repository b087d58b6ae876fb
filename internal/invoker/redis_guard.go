package invoker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	guardKeyPrefix  = "mantle:invoker:idem:"
	guardPendingVal = "__pending__"
	defaultGuardTTL = 10 * time.Minute
)

// RedisGuard 基于 Redis 的幂等保护：用 SET NX 预占幂等键，成功结果以 JSON
// 形式覆盖占位值供后续重放。键在 TTL 到期后自动释放。
type RedisGuard struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisGuard 创建 Redis 幂等保护。ttl 非正时使用默认值。
func NewRedisGuard(client *redis.Client, ttl time.Duration) (*RedisGuard, error) {
	if client == nil {
		return nil, errors.New("未提供 Redis 客户端")
	}
	if ttl <= 0 {
		ttl = defaultGuardTTL
	}
	return &RedisGuard{client: client, ttl: ttl}, nil
}

// Reserve 预占幂等键。返回值含义：replay 非空表示存在可重放的历史结果；
// reserved 为真表示本次调用取得了执行权。
func (g *RedisGuard) Reserve(ctx context.Context, key string) (*Result, bool, error) {
	redisKey := guardKeyPrefix + key

	ok, err := g.client.SetNX(ctx, redisKey, guardPendingVal, g.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("预占幂等键失败: %w", err)
	}
	if ok {
		return nil, true, nil
	}

	raw, err := g.client.Get(ctx, redisKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// 键在检查间隙过期，按未预占处理，由调用方重试。
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("读取幂等结果失败: %w", err)
	}
	if raw == guardPendingVal {
		return nil, false, nil
	}

	var result Result
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, false, fmt.Errorf("解析幂等结果失败: %w", err)
	}
	return &result, false, nil
}

// Store 记录成功结果，保留剩余 TTL 语义由新的完整 TTL 代替。
func (g *RedisGuard) Store(ctx context.Context, key string, result Result) error {
	encoded, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("序列化幂等结果失败: %w", err)
	}
	if err := g.client.Set(ctx, guardKeyPrefix+key, encoded, g.ttl).Err(); err != nil {
		return fmt.Errorf("写入幂等结果失败: %w", err)
	}
	return nil
}

var _ Guard = (*RedisGuard)(nil)
