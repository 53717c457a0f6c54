package adapter

import (
	"context"
	"fmt"
	"time"

	"turnstile/internal/pkg/redis"
)

const admitScriptName = "admit"

// admitScript 原子地完成"查售罄标记 + 记拒绝计数"两步。
// KEYS[1]: 售罄标记, 例如 turnstile:soldout:{ga}
// KEYS[2]: 被闸门拒绝的计数, 例如 turnstile:gated:{ga}
var admitScript = `
if redis.call('exists', KEYS[1]) == 1 then
    redis.call('incr', KEYS[2])
    return 0
end
return 1
`

// GateRedisAdapter 是 port.AdmissionGate 的 Redis 实现：用一个带
// TTL 的售罄标记在事务路径前挡掉明显无望的请求。标记只是削峰
// 手段，库存的最终裁决永远在账本事务内。
type GateRedisAdapter struct {
	redisClient *redis.Client
}

// NewGateRedisAdapter 创建准入闸门适配器，并在创建时加载 Lua 脚本。
func NewGateRedisAdapter(redisClient *redis.Client) (*GateRedisAdapter, error) {
	if err := redisClient.LoadScriptFromContent(admitScriptName, admitScript); err != nil {
		return nil, fmt.Errorf("failed to load admission gate script: %w", err)
	}
	return &GateRedisAdapter{redisClient: redisClient}, nil
}

func (a *GateRedisAdapter) Admit(ctx context.Context, ticketTypeID string) (bool, error) {
	keys := []string{soldOutKey(ticketTypeID), gatedKey(ticketTypeID)}
	result, err := a.redisClient.RunScript(ctx, admitScriptName, keys)
	if err != nil {
		return false, fmt.Errorf("admission gate script failed: %w", err)
	}
	code, ok := result.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected result type from admit script: %T", result)
	}
	return code == 1, nil
}

func (a *GateRedisAdapter) MarkSoldOut(ctx context.Context, ticketTypeID string, ttl time.Duration) error {
	return a.redisClient.GetClient().Set(ctx, soldOutKey(ticketTypeID), 1, ttl).Err()
}

func (a *GateRedisAdapter) Clear(ctx context.Context, ticketTypeID string) error {
	return a.redisClient.GetClient().Del(ctx, soldOutKey(ticketTypeID)).Err()
}

func soldOutKey(ticketTypeID string) string {
	return fmt.Sprintf("turnstile:soldout:{%s}", ticketTypeID)
}

func gatedKey(ticketTypeID string) string {
	return fmt.Sprintf("turnstile:gated:{%s}", ticketTypeID)
}
