package port

import (
	"context"

	"turnstile/internal/service/reservation/domain"
)

// PurchasePolicy 在触碰账本之前对请求做业务规则校验，
// 例如单次请求每个票种的数量上限。被拒绝时返回包装了
// domain.ErrPolicyRejected 的错误。
type PurchasePolicy interface {
	Authorize(ctx context.Context, sessionID string, items []domain.LineItem) error
}
