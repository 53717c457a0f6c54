package mysql

import (
	"time"

	"turnstile/internal/service/reservation/domain"
)

// TicketTypeModel 对应数据库中的 ticket_types 表。
type TicketTypeModel struct {
	ID            string `gorm:"primaryKey;size:64"`
	Name          string `gorm:"size:255"`
	TotalQuantity int    `gorm:"not null"`
	QuantitySold  int    `gorm:"not null;default:0"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TableName 指定 GORM 应该使用的表名。
func (TicketTypeModel) TableName() string {
	return "ticket_types"
}

// HoldModel 对应数据库中的 holds 表。
// (ticket_type_id, session_id) 上的 ACTIVE 唯一性由 Lock Manager
// 的 update-in-place 逻辑保证，索引只为查询服务。
type HoldModel struct {
	ID           string `gorm:"primaryKey;size:64"`
	TicketTypeID string `gorm:"size:64;index:idx_holds_type_session,priority:1;not null"`
	SessionID    string `gorm:"size:128;index:idx_holds_type_session,priority:2;index:idx_holds_session;not null"`
	Quantity     int    `gorm:"not null"`
	State        string `gorm:"size:16;index;not null"`
	CreatedAt    time.Time
	ExpiresAt    time.Time `gorm:"index"`
	UpdatedAt    time.Time
}

// TableName 指定 GORM 应该使用的表名。
func (HoldModel) TableName() string {
	return "holds"
}

func toDomainTicketType(m *TicketTypeModel) domain.TicketType {
	return domain.TicketType{
		ID:            m.ID,
		Name:          m.Name,
		TotalQuantity: m.TotalQuantity,
		QuantitySold:  m.QuantitySold,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

func toHoldModel(h domain.Hold) HoldModel {
	return HoldModel{
		ID:           h.ID,
		TicketTypeID: h.TicketTypeID,
		SessionID:    h.SessionID,
		Quantity:     h.Quantity,
		State:        string(h.State),
		CreatedAt:    h.CreatedAt,
		ExpiresAt:    h.ExpiresAt,
		UpdatedAt:    h.UpdatedAt,
	}
}

func toDomainHold(m *HoldModel) domain.Hold {
	return domain.Hold{
		ID:           m.ID,
		TicketTypeID: m.TicketTypeID,
		SessionID:    m.SessionID,
		Quantity:     m.Quantity,
		State:        domain.HoldState(m.State),
		CreatedAt:    m.CreatedAt,
		ExpiresAt:    m.ExpiresAt,
		UpdatedAt:    m.UpdatedAt,
	}
}
