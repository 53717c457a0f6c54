package domain

import (
	"context"
	"time"
)

// LedgerTx 是一次原子账本事务内可见的操作集合。
// 事务由 Ledger.WithTx 按票种 id 升序加锁后开启，fn 返回 error 则整体回滚。
// 所有读都发生在与写相同的串行化点上，不存在跨锁边界的陈旧快照。
type LedgerTx interface {
	// TicketType 读取事务中已锁定的票种行，不存在时返回 ErrTicketTypeNotFound。
	TicketType(id string) (TicketType, error)

	// ActiveHoldQuantity 统计某票种所有 ACTIVE 且未到期 Hold 的数量之和。
	// 已到期未清扫的 Hold 视同已释放，不计入。
	ActiveHoldQuantity(ticketTypeID string, now time.Time) (int, error)

	// SessionHold 返回 (ticket_type, session) 对应的 ACTIVE Hold，没有则返回 nil。
	SessionHold(ticketTypeID, sessionID string) (*Hold, error)

	// SaveHold 按 ID 插入或覆盖一条 Hold。
	SaveHold(h Hold) error

	// ActiveSessionHolds 返回会话在本事务锁定范围内的全部 ACTIVE Hold。
	ActiveSessionHolds(sessionID string) ([]Hold, error)

	// TransitionHold 在 Hold 仍处于 from 状态时将其迁移到 to，
	// 返回是否发生了迁移。终态 Hold 永远返回 false。
	TransitionHold(holdID string, from, to HoldState, now time.Time) (bool, error)

	// AddQuantitySold 给票种的已售计数追加 delta。
	AddQuantitySold(ticketTypeID string, delta int) error

	// ExpireDueHolds 将某票种所有已到期的 ACTIVE Hold 迁移为 EXPIRED，
	// 返回被迁移的 Hold。
	ExpireDueHolds(ticketTypeID string, now time.Time) ([]Hold, error)
}

// Ledger 是库存账本的出站端口。实现必须保证：WithTx 内的检查与写入
// 相对于触及相同票种的其他事务是串行化的，且多票种加锁固定按 id 升序，
// 避免交叉请求互相死锁。
type Ledger interface {
	// WithTx 对给定票种集合开启一次原子事务。ticketTypeIDs 可以包含
	// 不存在的 id（由 fn 内的读操作报告 not found），也可以为空。
	WithTx(ctx context.Context, ticketTypeIDs []string, fn func(tx LedgerTx) error) error

	// SessionTicketTypeIDs 返回会话当前持有 ACTIVE Hold 的票种 id（升序）。
	// 这是锁定前的发现步骤，结果只用于圈定 WithTx 的加锁范围。
	SessionTicketTypeIDs(ctx context.Context, sessionID string) ([]string, error)

	// TicketTypeIDs 返回账本内全部票种 id（升序），供清扫器遍历。
	TicketTypeIDs(ctx context.Context) ([]string, error)

	// CreateTicketType 创建票种，id 冲突时返回 ErrTicketTypeExists。
	CreateTicketType(ctx context.Context, tt TicketType) error

	// PurgeTerminalHolds 删除在 olderThan 之前就已进入终态的 Hold，
	// 返回删除条数。终态 Hold 不再参与任何一致性判定，删除是安全的。
	PurgeTerminalHolds(ctx context.Context, olderThan time.Time) (int, error)
}
