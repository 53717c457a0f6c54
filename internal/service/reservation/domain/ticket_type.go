package domain

import "time"

// TicketType 是库存账本的聚合根：某一种可售门票的总量与已售量。
// TotalQuantity 在创建时固定（主办方工具可以在核心之外调整），
// QuantitySold 只能由 Lock Manager 在 Consume 的事务边界内递增。
type TicketType struct {
	ID            string
	Name          string
	TotalQuantity int
	QuantitySold  int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Remaining 返回未售出的数量（不考虑活跃的 Hold）。
func (t TicketType) Remaining() int {
	return t.TotalQuantity - t.QuantitySold
}

// Availability 是派生出来的可售视图，从不落库。
// Available = Total - Sold - Locked，正常运行下永远 >= 0。
type Availability struct {
	TicketTypeID string
	Total        int
	Sold         int
	Locked       int
	Available    int
}
