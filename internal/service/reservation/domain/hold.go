package domain

import "time"

// HoldState 表示一个 Hold 的生命周期状态。
// CONSUMED / RELEASED / EXPIRED 都是终态，Hold 不会从终态转出。
type HoldState string

const (
	HoldStateActive   HoldState = "ACTIVE"
	HoldStateConsumed HoldState = "CONSUMED"
	HoldStateReleased HoldState = "RELEASED"
	HoldStateExpired  HoldState = "EXPIRED"
)

// Hold 是一次 checkout 会话对某种票的临时、带时限的占用。
// 同一 (session_id, ticket_type_id) 至多存在一条 ACTIVE 记录：
// 会话重复锁定同一票种时调整既有 Hold 的数量，而不是叠加新行。
type Hold struct {
	ID           string
	TicketTypeID string
	SessionID    string
	Quantity     int
	State        HoldState
	CreatedAt    time.Time
	ExpiresAt    time.Time
	UpdatedAt    time.Time
}

// DueAt 判断 Hold 在 now 时刻是否已到期（expires_at <= now 即到期）。
func (h Hold) DueAt(now time.Time) bool {
	return !h.ExpiresAt.After(now)
}

// HoldingAt 判断 Hold 在 now 时刻是否仍然实际占用库存。
// 已到期但尚未被清扫的 ACTIVE Hold 视同已释放，不计入占用。
func (h Hold) HoldingAt(now time.Time) bool {
	return h.State == HoldStateActive && h.ExpiresAt.After(now)
}

// Terminal 判断 Hold 是否已进入终态。
func (h Hold) Terminal() bool {
	return h.State != HoldStateActive
}
