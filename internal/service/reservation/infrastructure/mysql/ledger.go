// Package mysql 提供账本端口的 MySQL/GORM 实现。原子性依赖
// InnoDB 的行锁：WithTx 在事务开头对受影响的票种行按 id 升序执行
// SELECT ... FOR UPDATE，之后的检查与写入都发生在同一事务里。
package mysql

import (
	"context"
	"errors"
	"sort"
	"time"

	sqlmysql "github.com/go-sql-driver/mysql"
	pkgerrors "github.com/pkg/errors"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"turnstile/internal/service/reservation/domain"
)

const (
	mysqlErrDuplicateEntry  = 1062
	mysqlErrLockWaitTimeout = 1205
	mysqlErrLockDeadlock    = 1213
)

// Open 建立 MySQL 连接，GORM 自身的日志关掉，让 zerolog 统一出口。
func Open(dsn string) (*gorm.DB, error) {
	return gorm.Open(gormmysql.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
}

// Migrate 建表。生产环境通常由迁移脚本完成，这里保留给本地和测试。
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&TicketTypeModel{}, &HoldModel{})
}

// Ledger 是 domain.Ledger 的 GORM 实现。
type Ledger struct {
	db *gorm.DB
}

func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

func (l *Ledger) WithTx(ctx context.Context, ticketTypeIDs []string, fn func(tx domain.LedgerTx) error) error {
	ids := dedupeSorted(ticketTypeIDs)
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(ids) > 0 {
			// 升序锁定受影响的票种行。IN 按索引序取行，
			// 与其他事务的加锁顺序一致，避免交叉死锁。
			var locked []TicketTypeModel
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("id IN ?", ids).
				Order("id ASC").
				Find(&locked).Error; err != nil {
				return err
			}
		}
		return fn(&sqlTx{tx: tx})
	})
	return translate(err)
}

func (l *Ledger) SessionTicketTypeIDs(ctx context.Context, sessionID string) ([]string, error) {
	var ids []string
	err := l.db.WithContext(ctx).
		Model(&HoldModel{}).
		Distinct("ticket_type_id").
		Where("session_id = ? AND state = ?", sessionID, string(domain.HoldStateActive)).
		Order("ticket_type_id ASC").
		Pluck("ticket_type_id", &ids).Error
	if err != nil {
		return nil, translate(err)
	}
	return ids, nil
}

func (l *Ledger) TicketTypeIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := l.db.WithContext(ctx).
		Model(&TicketTypeModel{}).
		Order("id ASC").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, translate(err)
	}
	return ids, nil
}

func (l *Ledger) CreateTicketType(ctx context.Context, tt domain.TicketType) error {
	m := TicketTypeModel{
		ID:            tt.ID,
		Name:          tt.Name,
		TotalQuantity: tt.TotalQuantity,
		QuantitySold:  tt.QuantitySold,
		CreatedAt:     tt.CreatedAt,
		UpdatedAt:     tt.UpdatedAt,
	}
	err := l.db.WithContext(ctx).Create(&m).Error
	if isMySQLErr(err, mysqlErrDuplicateEntry) {
		return domain.ErrTicketTypeExists
	}
	return translate(err)
}

func (l *Ledger) PurgeTerminalHolds(ctx context.Context, olderThan time.Time) (int, error) {
	res := l.db.WithContext(ctx).
		Where("state <> ? AND updated_at < ?", string(domain.HoldStateActive), olderThan).
		Delete(&HoldModel{})
	if res.Error != nil {
		return 0, translate(res.Error)
	}
	return int(res.RowsAffected), nil
}

// sqlTx 在一个已持有行锁的 GORM 事务内实现 LedgerTx。
type sqlTx struct {
	tx *gorm.DB
}

func (t *sqlTx) TicketType(id string) (domain.TicketType, error) {
	var m TicketTypeModel
	err := t.tx.Where("id = ?", id).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.TicketType{}, domain.ErrTicketTypeNotFound
	}
	if err != nil {
		return domain.TicketType{}, translate(err)
	}
	return toDomainTicketType(&m), nil
}

func (t *sqlTx) ActiveHoldQuantity(ticketTypeID string, now time.Time) (int, error) {
	var total int
	err := t.tx.Model(&HoldModel{}).
		Select("COALESCE(SUM(quantity), 0)").
		Where("ticket_type_id = ? AND state = ? AND expires_at > ?",
			ticketTypeID, string(domain.HoldStateActive), now).
		Scan(&total).Error
	if err != nil {
		return 0, translate(err)
	}
	return total, nil
}

func (t *sqlTx) SessionHold(ticketTypeID, sessionID string) (*domain.Hold, error) {
	var m HoldModel
	err := t.tx.
		Where("ticket_type_id = ? AND session_id = ? AND state = ?",
			ticketTypeID, sessionID, string(domain.HoldStateActive)).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, translate(err)
	}
	h := toDomainHold(&m)
	return &h, nil
}

func (t *sqlTx) SaveHold(h domain.Hold) error {
	m := toHoldModel(h)
	return translate(t.tx.Save(&m).Error)
}

func (t *sqlTx) ActiveSessionHolds(sessionID string) ([]domain.Hold, error) {
	var models []HoldModel
	err := t.tx.
		Where("session_id = ? AND state = ?", sessionID, string(domain.HoldStateActive)).
		Order("ticket_type_id ASC").
		Find(&models).Error
	if err != nil {
		return nil, translate(err)
	}
	holds := make([]domain.Hold, 0, len(models))
	for i := range models {
		holds = append(holds, toDomainHold(&models[i]))
	}
	return holds, nil
}

func (t *sqlTx) TransitionHold(holdID string, from, to domain.HoldState, now time.Time) (bool, error) {
	res := t.tx.Model(&HoldModel{}).
		Where("id = ? AND state = ?", holdID, string(from)).
		Updates(map[string]interface{}{
			"state":      string(to),
			"updated_at": now,
		})
	if res.Error != nil {
		return false, translate(res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (t *sqlTx) AddQuantitySold(ticketTypeID string, delta int) error {
	res := t.tx.Model(&TicketTypeModel{}).
		Where("id = ?", ticketTypeID).
		UpdateColumn("quantity_sold", gorm.Expr("quantity_sold + ?", delta))
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrTicketTypeNotFound
	}
	return nil
}

func (t *sqlTx) ExpireDueHolds(ticketTypeID string, now time.Time) ([]domain.Hold, error) {
	var models []HoldModel
	err := t.tx.
		Where("ticket_type_id = ? AND state = ? AND expires_at <= ?",
			ticketTypeID, string(domain.HoldStateActive), now).
		Find(&models).Error
	if err != nil {
		return nil, translate(err)
	}
	if len(models) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(models))
	for i := range models {
		ids = append(ids, models[i].ID)
	}
	err = t.tx.Model(&HoldModel{}).
		Where("id IN ?", ids).
		Updates(map[string]interface{}{
			"state":      string(domain.HoldStateExpired),
			"updated_at": now,
		}).Error
	if err != nil {
		return nil, translate(err)
	}

	expired := make([]domain.Hold, 0, len(models))
	for i := range models {
		h := toDomainHold(&models[i])
		h.State = domain.HoldStateExpired
		h.UpdatedAt = now
		expired = append(expired, h)
	}
	return expired, nil
}

// translate 把 InnoDB 的死锁回滚与锁等待超时翻译成可重试的
// ErrLockContention，其余错误原样上抛。
func translate(err error) error {
	if err == nil {
		return nil
	}
	if isMySQLErr(err, mysqlErrLockDeadlock) || isMySQLErr(err, mysqlErrLockWaitTimeout) {
		return pkgerrors.Wrapf(domain.ErrLockContention, "mysql: %v", err)
	}
	return err
}

func isMySQLErr(err error, number uint16) bool {
	var myErr *sqlmysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == number
	}
	return false
}

func dedupeSorted(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
