package port

import (
	"context"
	"time"
)

// AdmissionGate 是事务路径之前的快速准入闸门。它只做粗粒度的
// 售罄判断，放行不代表一定能锁到票——最终裁决永远在账本事务内。
// 闸门不可用时调用方直接放行，闸门只是削峰，不承担一致性。
type AdmissionGate interface {
	// Admit 判断某票种是否值得进入事务路径。
	Admit(ctx context.Context, ticketTypeID string) (bool, error)

	// MarkSoldOut 在事务路径确认可用量为零后做一段时间的售罄标记。
	MarkSoldOut(ctx context.Context, ticketTypeID string, ttl time.Duration) error

	// Clear 在库存重新可用（释放/到期/扩容）时清除售罄标记。
	Clear(ctx context.Context, ticketTypeID string) error
}
