package domain

import "time"

// HoldEventType 标识 Hold 生命周期事件的种类。
type HoldEventType string

const (
	HoldEventLocked   HoldEventType = "hold.locked"
	HoldEventReleased HoldEventType = "hold.released"
	HoldEventConsumed HoldEventType = "hold.consumed"
	HoldEventExpired  HoldEventType = "hold.expired"
)

// HoldEvent 是对外广播的 Hold 生命周期事件，供通知方和
// availability-gateway 消费。发布是 fire-and-forget 的，
// 发布失败只记日志，绝不影响预订结果本身。
type HoldEvent struct {
	EventID      string        `json:"event_id"`
	Type         HoldEventType `json:"type"`
	TicketTypeID string        `json:"ticket_type_id"`
	SessionID    string        `json:"session_id"`
	Quantity     int           `json:"quantity"`
	Available    int           `json:"available"`
	OccurredAt   time.Time     `json:"occurred_at"`
	TraceID      string        `json:"trace_id,omitempty"`
}
