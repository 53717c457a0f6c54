package domain

import "errors"

var (
	// 校验类错误：在触碰账本之前就被拒绝。
	ErrEmptySessionID    = errors.New("session id is required")
	ErrEmptyItems        = errors.New("at least one line item is required")
	ErrEmptyTicketTypeID = errors.New("ticket type id is required")
	ErrInvalidQuantity   = errors.New("quantity must be positive")
	ErrPolicyRejected  = errors.New("request rejected by purchase policy")

	ErrTicketTypeNotFound = errors.New("ticket type not found")
	ErrTicketTypeExists   = errors.New("ticket type already exists")

	// ErrLockContention 表示事务与并发请求在同一票种上争用失败（死锁回滚
	// 或锁等待超时）。对调用方而言整个 LockTickets 可以安全重试。
	ErrLockContention = errors.New("lock contention, retry the request")
)
