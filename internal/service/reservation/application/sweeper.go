package application

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"turnstile/internal/pkg/clock"
	"turnstile/internal/pkg/logger"
	"turnstile/internal/service/reservation/domain"
	"turnstile/internal/service/reservation/port"
)

const (
	defaultSweepInterval = 30 * time.Second
	defaultRetention     = 24 * time.Hour
	sweepConcurrency     = 4
)

// LeaderLock 让多副本部署里只有一个实例执行后台清扫。
// 典型实现是 ZooKeeper 分布式锁；单实例部署传 nil 即可。
type LeaderLock interface {
	Lock() error
	Unlock() error
}

// Sweeper 周期性地把到期的 ACTIVE Hold 迁为 EXPIRED，并清理超过
// 保留窗口的终态 Hold。到期回收是例行操作，永远静默——对调用方
// 唯一可见的效果是后续可用量变多了。
//
// 注意写路径并不依赖清扫：可用量计算始终把到期未清扫的 Hold
// 视同已释放，清扫只是把这个事实落到存储并广播出去。
type Sweeper struct {
	ledger    domain.Ledger
	clock     clock.Clock
	interval  time.Duration
	retention time.Duration
	producer  port.HoldEventProducer
	gate      port.AdmissionGate
	leader    LeaderLock
}

// SweeperOption 配置 Sweeper 的可选项。
type SweeperOption func(*Sweeper)

// WithSweepInterval 覆盖清扫周期。
func WithSweepInterval(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithRetention 覆盖终态 Hold 的保留窗口。
func WithRetention(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if d > 0 {
			s.retention = d
		}
	}
}

// WithSweepProducer 注入到期事件的生产者。
func WithSweepProducer(p port.HoldEventProducer) SweeperOption {
	return func(s *Sweeper) { s.producer = p }
}

// WithSweepGate 注入准入闸门，清扫回收库存后清除售罄标记。
func WithSweepGate(g port.AdmissionGate) SweeperOption {
	return func(s *Sweeper) { s.gate = g }
}

// WithLeaderLock 注入清扫领导权锁。
func WithLeaderLock(l LeaderLock) SweeperOption {
	return func(s *Sweeper) { s.leader = l }
}

func NewSweeper(ledger domain.Ledger, clk clock.Clock, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		ledger:    ledger,
		clock:     clk,
		interval:  defaultSweepInterval,
		retention: defaultRetention,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run 阻塞运行清扫循环，直到 ctx 取消。
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	logger.L().Info().Dur("interval", s.interval).Msg("expiry sweeper started")
	for {
		select {
		case <-ctx.Done():
			logger.L().Info().Msg("expiry sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	if s.leader != nil {
		if err := s.leader.Lock(); err != nil {
			// 另一个副本在扫，或者锁服务暂时不可用，这一轮跳过即可。
			logger.Ctx(ctx).Debug().Err(err).Msg("sweep leadership not acquired, skipping tick")
			return
		}
		defer func() {
			if err := s.leader.Unlock(); err != nil {
				logger.Ctx(ctx).Warn().Err(err).Msg("failed to release sweep leadership")
			}
		}()
	}
	if _, err := s.SweepOnce(ctx); err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("sweep pass failed")
	}
}

// SweepOnce 执行一轮完整清扫，返回本轮迁为 EXPIRED 的 Hold 数。
// 每个票种在自己的账本事务里清扫，票种之间并发进行。
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	ids, err := s.ledger.TicketTypeIDs(ctx)
	if err != nil {
		return 0, err
	}

	var (
		g, gctx = errgroup.WithContext(ctx)
		results = make([][]domain.Hold, len(ids))
		avail   = make([]int, len(ids))
	)
	g.SetLimit(sweepConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			return s.ledger.WithTx(gctx, []string{id}, func(tx domain.LedgerTx) error {
				now := s.clock.Now()
				expired, err := tx.ExpireDueHolds(id, now)
				if err != nil {
					return err
				}
				results[i] = expired
				if len(expired) > 0 {
					av, err := tx.ActiveHoldQuantity(id, now)
					if err != nil {
						return err
					}
					tt, err := tx.TicketType(id)
					if err != nil {
						return err
					}
					avail[i] = tt.TotalQuantity - tt.QuantitySold - av
				}
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	total := 0
	now := s.clock.Now()
	for i, expired := range results {
		if len(expired) == 0 {
			continue
		}
		total += len(expired)
		holdsExpired.Add(float64(len(expired)))
		for _, h := range expired {
			s.publishExpired(ctx, h, avail[i], now)
		}
		if s.gate != nil {
			if err := s.gate.Clear(ctx, ids[i]); err != nil {
				logger.Ctx(ctx).Warn().Err(err).Str("ticket_type_id", ids[i]).Msg("failed to clear sold out mark")
			}
		}
	}

	purged, err := s.ledger.PurgeTerminalHolds(ctx, now.Add(-s.retention))
	if err != nil {
		return total, err
	}
	if purged > 0 {
		holdsPurged.Add(float64(purged))
	}

	if total > 0 || purged > 0 {
		logger.Ctx(ctx).Info().Int("expired", total).Int("purged", purged).Msg("sweep pass completed")
	}
	return total, nil
}

func (s *Sweeper) publishExpired(ctx context.Context, h domain.Hold, available int, at time.Time) {
	if s.producer == nil {
		return
	}
	ev := &domain.HoldEvent{
		EventID:      uuid.New().String(),
		Type:         domain.HoldEventExpired,
		TicketTypeID: h.TicketTypeID,
		SessionID:    h.SessionID,
		Quantity:     h.Quantity,
		Available:    available,
		OccurredAt:   at,
	}
	if err := s.producer.PublishHoldEvent(ctx, ev); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Msg("failed to publish expired hold event")
	}
}
