package domain

// LineItem 是预订请求中的一行：票种 + 数量。
type LineItem struct {
	TicketTypeID string
	Quantity     int
}

// LockFailure 描述单个票种的库存不足：调用方必须能告诉买家
// 具体是哪一项差多少，所以这里永远不是一个笼统的错误。
type LockFailure struct {
	TicketTypeID string
	Requested    int
	Available    int
}

// LockResult 是一次 LockTickets 的结果。库存不足不是 error，
// 而是 Success=false 加上逐项的 Failures。
type LockResult struct {
	Success  bool
	Holds    []Hold
	Failures []LockFailure
}
