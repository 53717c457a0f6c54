package port

import (
	"context"

	"turnstile/internal/service/reservation/domain"
)

// HoldEventProducer 是通知协作方的出站端口。实现应当尽快返回，
// 投递失败由调用方记日志，不会传导到预订结果。
type HoldEventProducer interface {
	PublishHoldEvent(ctx context.Context, event *domain.HoldEvent) error
}
