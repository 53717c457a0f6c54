// Package memory 提供账本端口的进程内实现：每个票种一把互斥锁，
// WithTx 按 id 升序加锁，保证触及相同票种的事务彼此串行化，
// 交叉的多票种事务不会互相死锁。适合测试和单进程内嵌部署。
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"turnstile/internal/service/reservation/domain"
)

type typeState struct {
	mu    sync.Mutex
	tt    domain.TicketType
	holds map[string]*domain.Hold // hold ID -> hold
}

// Ledger 是 domain.Ledger 的内存实现。
type Ledger struct {
	mu    sync.RWMutex // 只保护 types 这张映射本身
	types map[string]*typeState
}

func NewLedger() *Ledger {
	return &Ledger{types: make(map[string]*typeState)}
}

// WithTx 对给定票种按 id 升序加锁后执行 fn。内存实现没有回滚：
// Lock Manager 的约定是先做完全部检查再写入，失败路径不产生写。
func (l *Ledger) WithTx(ctx context.Context, ticketTypeIDs []string, fn func(tx domain.LedgerTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ids := dedupeSorted(ticketTypeIDs)

	l.mu.RLock()
	states := make(map[string]*typeState, len(ids))
	for _, id := range ids {
		if st, ok := l.types[id]; ok {
			states[id] = st
		}
	}
	l.mu.RUnlock()

	// 升序加锁，逆序解锁。不存在的票种无锁可加，由 fn 内的读操作报告。
	locked := make([]*typeState, 0, len(ids))
	for _, id := range ids {
		if st, ok := states[id]; ok {
			st.mu.Lock()
			locked = append(locked, st)
		}
	}
	defer func() {
		for i := len(locked) - 1; i >= 0; i-- {
			locked[i].mu.Unlock()
		}
	}()

	return fn(&memTx{states: states})
}

func (l *Ledger) SessionTicketTypeIDs(ctx context.Context, sessionID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.RLock()
	snapshot := make([]*typeState, 0, len(l.types))
	for _, st := range l.types {
		snapshot = append(snapshot, st)
	}
	l.mu.RUnlock()

	var ids []string
	for _, st := range snapshot {
		st.mu.Lock()
		for _, h := range st.holds {
			if h.SessionID == sessionID && h.State == domain.HoldStateActive {
				ids = append(ids, st.tt.ID)
				break
			}
		}
		st.mu.Unlock()
	}
	sort.Strings(ids)
	return ids, nil
}

func (l *Ledger) TicketTypeIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]string, 0, len(l.types))
	for id := range l.types {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (l *Ledger) CreateTicketType(ctx context.Context, tt domain.TicketType) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.types[tt.ID]; ok {
		return domain.ErrTicketTypeExists
	}
	l.types[tt.ID] = &typeState{tt: tt, holds: make(map[string]*domain.Hold)}
	return nil
}

func (l *Ledger) PurgeTerminalHolds(ctx context.Context, olderThan time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	l.mu.RLock()
	snapshot := make([]*typeState, 0, len(l.types))
	for _, st := range l.types {
		snapshot = append(snapshot, st)
	}
	l.mu.RUnlock()

	purged := 0
	for _, st := range snapshot {
		st.mu.Lock()
		for id, h := range st.holds {
			if h.Terminal() && h.UpdatedAt.Before(olderThan) {
				delete(st.holds, id)
				purged++
			}
		}
		st.mu.Unlock()
	}
	return purged, nil
}

// memTx 是一次事务内的视图，只能看到 WithTx 锁定的票种。
type memTx struct {
	states map[string]*typeState
}

func (t *memTx) state(ticketTypeID string) (*typeState, error) {
	st, ok := t.states[ticketTypeID]
	if !ok {
		return nil, domain.ErrTicketTypeNotFound
	}
	return st, nil
}

func (t *memTx) TicketType(id string) (domain.TicketType, error) {
	st, err := t.state(id)
	if err != nil {
		return domain.TicketType{}, err
	}
	return st.tt, nil
}

func (t *memTx) ActiveHoldQuantity(ticketTypeID string, now time.Time) (int, error) {
	st, err := t.state(ticketTypeID)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, h := range st.holds {
		if h.HoldingAt(now) {
			total += h.Quantity
		}
	}
	return total, nil
}

func (t *memTx) SessionHold(ticketTypeID, sessionID string) (*domain.Hold, error) {
	st, err := t.state(ticketTypeID)
	if err != nil {
		return nil, err
	}
	for _, h := range st.holds {
		if h.SessionID == sessionID && h.State == domain.HoldStateActive {
			cp := *h
			return &cp, nil
		}
	}
	return nil, nil
}

func (t *memTx) SaveHold(h domain.Hold) error {
	st, err := t.state(h.TicketTypeID)
	if err != nil {
		return err
	}
	cp := h
	st.holds[h.ID] = &cp
	return nil
}

func (t *memTx) ActiveSessionHolds(sessionID string) ([]domain.Hold, error) {
	var out []domain.Hold
	for _, st := range t.states {
		for _, h := range st.holds {
			if h.SessionID == sessionID && h.State == domain.HoldStateActive {
				out = append(out, *h)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TicketTypeID < out[j].TicketTypeID })
	return out, nil
}

func (t *memTx) TransitionHold(holdID string, from, to domain.HoldState, now time.Time) (bool, error) {
	for _, st := range t.states {
		if h, ok := st.holds[holdID]; ok {
			if h.State != from {
				return false, nil
			}
			h.State = to
			h.UpdatedAt = now
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) AddQuantitySold(ticketTypeID string, delta int) error {
	st, err := t.state(ticketTypeID)
	if err != nil {
		return err
	}
	st.tt.QuantitySold += delta
	return nil
}

func (t *memTx) ExpireDueHolds(ticketTypeID string, now time.Time) ([]domain.Hold, error) {
	st, err := t.state(ticketTypeID)
	if err != nil {
		return nil, err
	}
	var expired []domain.Hold
	for _, h := range st.holds {
		if h.State == domain.HoldStateActive && h.DueAt(now) {
			h.State = domain.HoldStateExpired
			h.UpdatedAt = now
			expired = append(expired, *h)
		}
	}
	return expired, nil
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
