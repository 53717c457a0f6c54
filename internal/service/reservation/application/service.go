package application

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"turnstile/internal/pkg/clock"
	"turnstile/internal/pkg/logger"
	"turnstile/internal/service/reservation/domain"
	"turnstile/internal/service/reservation/port"
)

const (
	defaultHoldTTL    = 15 * time.Minute
	defaultSoldOutTTL = 5 * time.Second
)

// ReservationService 是预订核心的应用服务：对外暴露 LockTickets /
// ReleaseTickets / Consume / GetAvailability 四个操作，对内编排
// 校验、准入闸门、购买策略与账本事务。所有库存判定都发生在
// Ledger.WithTx 的原子边界内，本层自身不持有任何可变状态。
type ReservationService struct {
	ledger  domain.Ledger
	clock   clock.Clock
	tracer  trace.Tracer
	holdTTL time.Duration

	producer   port.HoldEventProducer
	policy     port.PurchasePolicy
	gate       port.AdmissionGate
	soldOutTTL time.Duration
}

// Option 配置 ReservationService 的可选协作方。
type Option func(*ReservationService)

// WithHoldTTL 覆盖新 Hold 的默认有效期。
func WithHoldTTL(d time.Duration) Option {
	return func(s *ReservationService) {
		if d > 0 {
			s.holdTTL = d
		}
	}
}

// WithProducer 注入 Hold 生命周期事件的生产者。
func WithProducer(p port.HoldEventProducer) Option {
	return func(s *ReservationService) { s.producer = p }
}

// WithPolicy 注入购买策略。
func WithPolicy(p port.PurchasePolicy) Option {
	return func(s *ReservationService) { s.policy = p }
}

// WithGate 注入快速准入闸门。
func WithGate(g port.AdmissionGate) Option {
	return func(s *ReservationService) { s.gate = g }
}

// WithSoldOutTTL 覆盖售罄标记在闸门中的存活时间。
func WithSoldOutTTL(d time.Duration) Option {
	return func(s *ReservationService) {
		if d > 0 {
			s.soldOutTTL = d
		}
	}
}

func NewReservationService(ledger domain.Ledger, clk clock.Clock, tracer trace.Tracer, opts ...Option) *ReservationService {
	s := &ReservationService{
		ledger:     ledger,
		clock:      clk,
		tracer:     tracer,
		holdTTL:    defaultHoldTTL,
		soldOutTTL: defaultSoldOutTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LockTickets 为一次 checkout 会话原子地锁定多行库存。
// 整个请求要么每一行都拿到 Hold，要么一行都不提交；
// 库存不足通过 LockResult.Failures 逐项返回，不作为 error。
func (s *ReservationService) LockTickets(ctx context.Context, sessionID string, items []domain.LineItem) (*domain.LockResult, error) {
	ctx, span := s.tracer.Start(ctx, "reservation.LockTickets")
	defer span.End()
	span.SetAttributes(
		attribute.String("reservation.session_id", sessionID),
		attribute.Int("reservation.item_count", len(items)),
	)

	merged, err := normalizeItems(sessionID, items)
	if err != nil {
		lockRequests.WithLabelValues(outcomeValidation).Inc()
		return nil, err
	}

	if s.policy != nil {
		if err := s.policy.Authorize(ctx, sessionID, merged); err != nil {
			lockRequests.WithLabelValues(outcomePolicy).Inc()
			span.AddEvent("rejected by purchase policy")
			return nil, err
		}
	}

	if gated := s.admit(ctx, merged); len(gated) > 0 {
		lockRequests.WithLabelValues(outcomeGate).Inc()
		span.AddEvent("fast-rejected by admission gate")
		return &domain.LockResult{Success: false, Failures: gated}, nil
	}

	ids := ticketTypeIDs(merged)
	var (
		result     *domain.LockResult
		availAfter = make(map[string]int, len(ids))
		lockedAt   time.Time
	)

	err = s.ledger.WithTx(ctx, ids, func(tx domain.LedgerTx) error {
		now := s.clock.Now()
		lockedAt = now

		type reservationPlan struct {
			item      domain.LineItem
			tt        domain.TicketType
			existing  *domain.Hold
			othersQty int // ACTIVE 占用中不属于本会话的部分
		}

		var failures []domain.LockFailure
		plans := make([]reservationPlan, 0, len(merged))

		// 第一遍：在锁内重新计算每一行的可用量。任何一行不足，整个请求失败，
		// 且此时还没有写入任何东西。
		for _, it := range merged {
			tt, err := tx.TicketType(it.TicketTypeID)
			if err != nil {
				return err
			}
			activeQty, err := tx.ActiveHoldQuantity(it.TicketTypeID, now)
			if err != nil {
				return err
			}
			existing, err := tx.SessionHold(it.TicketTypeID, sessionID)
			if err != nil {
				return err
			}

			held := 0
			if existing != nil && existing.HoldingAt(now) {
				held = existing.Quantity
			}
			// 会话重复锁定同一票种是调整而不是叠加，所以自己已持有的量加回可用量。
			available := tt.TotalQuantity - tt.QuantitySold - activeQty + held
			if it.Quantity > available {
				failures = append(failures, domain.LockFailure{
					TicketTypeID: it.TicketTypeID,
					Requested:    it.Quantity,
					Available:    available,
				})
				continue
			}
			plans = append(plans, reservationPlan{item: it, tt: tt, existing: existing, othersQty: activeQty - held})
		}

		if len(failures) > 0 {
			result = &domain.LockResult{Success: false, Failures: failures}
			return nil
		}

		// 第二遍：全部通过后才落 Hold。
		expiresAt := now.Add(s.holdTTL)
		holds := make([]domain.Hold, 0, len(plans))
		for _, p := range plans {
			h := domain.Hold{
				ID:           uuid.New().String(),
				TicketTypeID: p.item.TicketTypeID,
				SessionID:    sessionID,
				Quantity:     p.item.Quantity,
				State:        domain.HoldStateActive,
				CreatedAt:    now,
				ExpiresAt:    expiresAt,
				UpdatedAt:    now,
			}
			if p.existing != nil {
				// 复用既有行，保证 (session, ticket_type) 至多一条 ACTIVE 记录。
				h.ID = p.existing.ID
				if p.existing.HoldingAt(now) {
					h.CreatedAt = p.existing.CreatedAt
				}
			}
			if err := tx.SaveHold(h); err != nil {
				return err
			}
			holds = append(holds, h)
			availAfter[p.item.TicketTypeID] = p.tt.TotalQuantity - p.tt.QuantitySold - p.othersQty - h.Quantity
		}

		result = &domain.LockResult{Success: true, Holds: holds}
		return nil
	})
	if err != nil {
		return nil, s.classify(ctx, span, err)
	}

	if !result.Success {
		lockRequests.WithLabelValues(outcomeShortage).Inc()
		span.AddEvent("insufficient inventory")
		s.markSoldOut(ctx, result.Failures)
		return result, nil
	}

	lockRequests.WithLabelValues(outcomeGranted).Inc()
	for _, h := range result.Holds {
		ticketsLocked.Add(float64(h.Quantity))
		s.publish(ctx, domain.HoldEventLocked, h, availAfter[h.TicketTypeID], lockedAt)
		if availAfter[h.TicketTypeID] <= 0 {
			s.markTypeSoldOut(ctx, h.TicketTypeID)
		}
	}
	logger.Ctx(ctx).Info().
		Str("session_id", sessionID).
		Int("holds", len(result.Holds)).
		Msg("tickets locked")
	return result, nil
}

// ReleaseTickets 释放会话名下所有 ACTIVE Hold。幂等：会话没有任何
// ACTIVE Hold 时是 no-op，不是错误。
func (s *ReservationService) ReleaseTickets(ctx context.Context, sessionID string) error {
	ctx, span := s.tracer.Start(ctx, "reservation.ReleaseTickets")
	defer span.End()
	span.SetAttributes(attribute.String("reservation.session_id", sessionID))

	if sessionID == "" {
		return domain.ErrEmptySessionID
	}

	ids, err := s.ledger.SessionTicketTypeIDs(ctx, sessionID)
	if err != nil {
		return s.classify(ctx, span, err)
	}
	if len(ids) == 0 {
		span.AddEvent("no active holds, nothing to release")
		return nil
	}

	var (
		released   []domain.Hold
		availAfter = make(map[string]int, len(ids))
		releasedAt time.Time
	)
	err = s.ledger.WithTx(ctx, ids, func(tx domain.LedgerTx) error {
		now := s.clock.Now()
		releasedAt = now

		holds, err := tx.ActiveSessionHolds(sessionID)
		if err != nil {
			return err
		}
		released = released[:0]
		for _, h := range holds {
			// 已到期的 Hold 归清扫语义，迁到 EXPIRED 而不是 RELEASED。
			to := domain.HoldStateReleased
			if h.DueAt(now) {
				to = domain.HoldStateExpired
			}
			ok, err := tx.TransitionHold(h.ID, domain.HoldStateActive, to, now)
			if err != nil {
				return err
			}
			if ok && to == domain.HoldStateReleased {
				h.State = to
				released = append(released, h)
			}
		}
		for _, id := range ids {
			av, err := s.availabilityIn(tx, id, now)
			if err != nil {
				return err
			}
			availAfter[id] = av.Available
		}
		return nil
	})
	if err != nil {
		return s.classify(ctx, span, err)
	}

	for _, h := range released {
		holdsReleased.Inc()
		s.publish(ctx, domain.HoldEventReleased, h, availAfter[h.TicketTypeID], releasedAt)
		s.clearSoldOut(ctx, h.TicketTypeID)
	}
	logger.Ctx(ctx).Info().
		Str("session_id", sessionID).
		Int("released", len(released)).
		Msg("session holds released")
	return nil
}

// Consume 在支付确认后把会话的 ACTIVE Hold 转为 CONSUMED，并在同一
// 事务内给对应票种的已售计数加量。重复调用是 no-op，不会重复加量，
// 以容忍支付确认路径的 at-least-once 投递。
func (s *ReservationService) Consume(ctx context.Context, sessionID string) error {
	ctx, span := s.tracer.Start(ctx, "reservation.Consume")
	defer span.End()
	span.SetAttributes(attribute.String("reservation.session_id", sessionID))

	if sessionID == "" {
		return domain.ErrEmptySessionID
	}

	ids, err := s.ledger.SessionTicketTypeIDs(ctx, sessionID)
	if err != nil {
		return s.classify(ctx, span, err)
	}
	if len(ids) == 0 {
		span.AddEvent("no active holds, consume is a no-op")
		return nil
	}

	var (
		consumed   []domain.Hold
		availAfter = make(map[string]int, len(ids))
		consumedAt time.Time
	)
	err = s.ledger.WithTx(ctx, ids, func(tx domain.LedgerTx) error {
		now := s.clock.Now()
		consumedAt = now

		holds, err := tx.ActiveSessionHolds(sessionID)
		if err != nil {
			return err
		}
		consumed = consumed[:0]
		for _, h := range holds {
			if h.DueAt(now) {
				// 支付确认晚于到期：库存可能已被重新售出，不能再转成销售。
				if _, err := tx.TransitionHold(h.ID, domain.HoldStateActive, domain.HoldStateExpired, now); err != nil {
					return err
				}
				continue
			}
			ok, err := tx.TransitionHold(h.ID, domain.HoldStateActive, domain.HoldStateConsumed, now)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if err := tx.AddQuantitySold(h.TicketTypeID, h.Quantity); err != nil {
				return err
			}
			h.State = domain.HoldStateConsumed
			consumed = append(consumed, h)
		}
		for _, id := range ids {
			av, err := s.availabilityIn(tx, id, now)
			if err != nil {
				return err
			}
			availAfter[id] = av.Available
		}
		return nil
	})
	if err != nil {
		return s.classify(ctx, span, err)
	}

	for _, h := range consumed {
		holdsConsumed.Inc()
		s.publish(ctx, domain.HoldEventConsumed, h, availAfter[h.TicketTypeID], consumedAt)
	}
	logger.Ctx(ctx).Info().
		Str("session_id", sessionID).
		Int("consumed", len(consumed)).
		Msg("session holds consumed")
	return nil
}

// GetAvailability 返回票种当前的可售视图。读取发生在与写路径相同的
// 串行化点上，不会跨锁边界读到不一致的 available/locked 组合。
func (s *ReservationService) GetAvailability(ctx context.Context, ticketTypeID string) (domain.Availability, error) {
	ctx, span := s.tracer.Start(ctx, "reservation.GetAvailability")
	defer span.End()

	var av domain.Availability
	err := s.ledger.WithTx(ctx, []string{ticketTypeID}, func(tx domain.LedgerTx) error {
		var err error
		av, err = s.availabilityIn(tx, ticketTypeID, s.clock.Now())
		return err
	})
	if err != nil {
		return domain.Availability{}, s.classify(ctx, span, err)
	}
	return av, nil
}

// GetLockedQuantity 返回票种当前被 ACTIVE 未到期 Hold 占用的总量。
func (s *ReservationService) GetLockedQuantity(ctx context.Context, ticketTypeID string) (int, error) {
	av, err := s.GetAvailability(ctx, ticketTypeID)
	if err != nil {
		return 0, err
	}
	return av.Locked, nil
}

// CreateTicketType 是主办方工具的管理入口，不参与锁定语义。
func (s *ReservationService) CreateTicketType(ctx context.Context, id, name string, totalQuantity int) (domain.TicketType, error) {
	ctx, span := s.tracer.Start(ctx, "reservation.CreateTicketType")
	defer span.End()

	if totalQuantity < 0 {
		return domain.TicketType{}, domain.ErrInvalidQuantity
	}
	if id == "" {
		id = uuid.New().String()
	}
	now := s.clock.Now()
	tt := domain.TicketType{
		ID:            id,
		Name:          name,
		TotalQuantity: totalQuantity,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.ledger.CreateTicketType(ctx, tt); err != nil {
		return domain.TicketType{}, s.classify(ctx, span, err)
	}
	logger.Ctx(ctx).Info().
		Str("ticket_type_id", tt.ID).
		Int("total_quantity", totalQuantity).
		Msg("ticket type created")
	return tt, nil
}

func (s *ReservationService) availabilityIn(tx domain.LedgerTx, ticketTypeID string, now time.Time) (domain.Availability, error) {
	tt, err := tx.TicketType(ticketTypeID)
	if err != nil {
		return domain.Availability{}, err
	}
	locked, err := tx.ActiveHoldQuantity(ticketTypeID, now)
	if err != nil {
		return domain.Availability{}, err
	}
	return domain.Availability{
		TicketTypeID: ticketTypeID,
		Total:        tt.TotalQuantity,
		Sold:         tt.QuantitySold,
		Locked:       locked,
		Available:    tt.TotalQuantity - tt.QuantitySold - locked,
	}, nil
}

// admit 用闸门做售罄快筛。闸门不可用时放行，最终裁决在账本事务内。
func (s *ReservationService) admit(ctx context.Context, items []domain.LineItem) []domain.LockFailure {
	if s.gate == nil {
		return nil
	}
	var gated []domain.LockFailure
	for _, it := range items {
		ok, err := s.gate.Admit(ctx, it.TicketTypeID)
		if err != nil {
			logger.Ctx(ctx).Warn().Err(err).Msg("admission gate unavailable, falling through")
			return nil
		}
		if !ok {
			gated = append(gated, domain.LockFailure{
				TicketTypeID: it.TicketTypeID,
				Requested:    it.Quantity,
				Available:    0,
			})
		}
	}
	return gated
}

func (s *ReservationService) markSoldOut(ctx context.Context, failures []domain.LockFailure) {
	for _, f := range failures {
		if f.Available <= 0 {
			s.markTypeSoldOut(ctx, f.TicketTypeID)
		}
	}
}

func (s *ReservationService) markTypeSoldOut(ctx context.Context, ticketTypeID string) {
	if s.gate == nil {
		return
	}
	if err := s.gate.MarkSoldOut(ctx, ticketTypeID, s.soldOutTTL); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("ticket_type_id", ticketTypeID).Msg("failed to mark sold out")
	}
}

func (s *ReservationService) clearSoldOut(ctx context.Context, ticketTypeID string) {
	if s.gate == nil {
		return
	}
	if err := s.gate.Clear(ctx, ticketTypeID); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("ticket_type_id", ticketTypeID).Msg("failed to clear sold out mark")
	}
}

func (s *ReservationService) publish(ctx context.Context, typ domain.HoldEventType, h domain.Hold, available int, at time.Time) {
	if s.producer == nil {
		return
	}
	ev := &domain.HoldEvent{
		EventID:      uuid.New().String(),
		Type:         typ,
		TicketTypeID: h.TicketTypeID,
		SessionID:    h.SessionID,
		Quantity:     h.Quantity,
		Available:    available,
		OccurredAt:   at,
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		ev.TraceID = sc.TraceID().String()
	}
	if err := s.producer.PublishHoldEvent(ctx, ev); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("event_type", string(typ)).Msg("failed to publish hold event")
	}
}

// classify 把底层错误翻译成对调用方有意义的类别并记录到 Span。
func (s *ReservationService) classify(ctx context.Context, span trace.Span, err error) error {
	span.RecordError(err)
	switch {
	case errors.Is(err, domain.ErrLockContention):
		lockRequests.WithLabelValues(outcomeContention).Inc()
		span.SetStatus(codes.Error, "lock contention")
	case errors.Is(err, domain.ErrTicketTypeNotFound),
		errors.Is(err, domain.ErrTicketTypeExists):
		// 业务可判定的失败，调用方按类别处理。
	default:
		lockRequests.WithLabelValues(outcomeError).Inc()
		span.SetStatus(codes.Error, "ledger error")
		logger.Ctx(ctx).Error().Err(err).Msg("ledger operation failed")
	}
	return err
}

// normalizeItems 做入参校验并合并重复票种（保留首次出现的顺序），
// 返回的切片可直接交给事务使用。
func normalizeItems(sessionID string, items []domain.LineItem) ([]domain.LineItem, error) {
	if sessionID == "" {
		return nil, domain.ErrEmptySessionID
	}
	if len(items) == 0 {
		return nil, domain.ErrEmptyItems
	}
	merged := make([]domain.LineItem, 0, len(items))
	index := make(map[string]int, len(items))
	for _, it := range items {
		if it.TicketTypeID == "" {
			return nil, domain.ErrEmptyTicketTypeID
		}
		if it.Quantity <= 0 {
			return nil, errors.Wrapf(domain.ErrInvalidQuantity, "ticket type %s", it.TicketTypeID)
		}
		if i, ok := index[it.TicketTypeID]; ok {
			merged[i].Quantity += it.Quantity
			continue
		}
		index[it.TicketTypeID] = len(merged)
		merged = append(merged, it)
	}
	return merged, nil
}

// ticketTypeIDs 返回去重后的票种 id，升序，供 WithTx 按固定顺序加锁。
func ticketTypeIDs(items []domain.LineItem) []string {
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.TicketTypeID)
	}
	sort.Strings(ids)
	return ids
}
