package application_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"turnstile/internal/pkg/clock"
	"turnstile/internal/service/reservation/application"
	"turnstile/internal/service/reservation/domain"
	"turnstile/internal/service/reservation/infrastructure/memory"
)

func TestSweepOnce_ExpiresDueHolds(t *testing.T) {
	ledger := memory.NewLedger()
	clk := clock.NewMock(testStart)
	producer := &capturingProducer{}
	svc := application.NewReservationService(ledger, clk, otel.Tracer("test"))
	sweeper := application.NewSweeper(ledger, clk, application.WithSweepProducer(producer))
	ctx := context.Background()

	_, err := svc.CreateTicketType(ctx, "ga", "ga", 10)
	require.NoError(t, err)
	res, err := svc.LockTickets(ctx, "A", []domain.LineItem{{TicketTypeID: "ga", Quantity: 4}})
	require.NoError(t, err)
	require.True(t, res.Success)

	// 尚未到期:不应该扫到任何东西
	n, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, producer.byType(domain.HoldEventExpired))

	clk.Advance(16 * time.Minute)

	n, err = sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	expired := producer.byType(domain.HoldEventExpired)
	require.Len(t, expired, 1)
	assert.Equal(t, "ga", expired[0].TicketTypeID)
	assert.Equal(t, "A", expired[0].SessionID)
	assert.Equal(t, 4, expired[0].Quantity)
	assert.Equal(t, 10, expired[0].Available)
	assert.NotEmpty(t, expired[0].EventID)

	av, err := svc.GetAvailability(ctx, "ga")
	require.NoError(t, err)
	assert.Equal(t, 10, av.Available)
	assert.Equal(t, 0, av.Locked)

	// 已迁为 EXPIRED 的 Hold 不会被第二轮重复扫到
	n, err = sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, producer.byType(domain.HoldEventExpired), 1)
}

func TestSweepOnce_SkipsHealthyHolds(t *testing.T) {
	ledger := memory.NewLedger()
	clk := clock.NewMock(testStart)
	svc := application.NewReservationService(ledger, clk, otel.Tracer("test"))
	sweeper := application.NewSweeper(ledger, clk)
	ctx := context.Background()

	_, err := svc.CreateTicketType(ctx, "ga", "ga", 10)
	require.NoError(t, err)
	_, err = svc.LockTickets(ctx, "early", []domain.LineItem{{TicketTypeID: "ga", Quantity: 2}})
	require.NoError(t, err)

	clk.Advance(10 * time.Minute)
	_, err = svc.LockTickets(ctx, "late", []domain.LineItem{{TicketTypeID: "ga", Quantity: 3}})
	require.NoError(t, err)

	// 再过 6 分钟:early 的 Hold 到期,late 的还在持有期内
	clk.Advance(6 * time.Minute)
	n, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	locked, err := svc.GetLockedQuantity(ctx, "ga")
	require.NoError(t, err)
	assert.Equal(t, 3, locked)
}

type fakeLeaderLock struct {
	lockErr error
	locks   atomic.Int32
	unlocks atomic.Int32
}

func (l *fakeLeaderLock) Lock() error {
	l.locks.Add(1)
	if l.lockErr != nil {
		return l.lockErr
	}
	return nil
}

func (l *fakeLeaderLock) Unlock() error {
	l.unlocks.Add(1)
	return nil
}

func TestSweeperRun_RespectsLeaderLock(t *testing.T) {
	ledger := memory.NewLedger()
	clk := clock.NewMock(testStart)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lock := &fakeLeaderLock{}
	sweeper := application.NewSweeper(ledger, clk,
		application.WithSweepInterval(5*time.Millisecond),
		application.WithLeaderLock(lock),
	)

	done := make(chan error, 1)
	go func() { done <- sweeper.Run(ctx) }()

	assert.Eventually(t, func() bool { return lock.locks.Load() > 0 }, 2*time.Second, time.Millisecond)
	cancel()

	require.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, lock.locks.Load(), lock.unlocks.Load(), "every acquired leadership must be released")
}

func TestSweeperRun_SkipsTickWhenNotLeader(t *testing.T) {
	ledger := memory.NewLedger()
	clk := clock.NewMock(testStart)
	svc := application.NewReservationService(ledger, clk, otel.Tracer("test"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := svc.CreateTicketType(ctx, "ga", "ga", 10)
	require.NoError(t, err)
	_, err = svc.LockTickets(ctx, "A", []domain.LineItem{{TicketTypeID: "ga", Quantity: 2}})
	require.NoError(t, err)
	clk.Advance(time.Hour)

	lock := &fakeLeaderLock{lockErr: errors.New("held by another replica")}
	sweeper := application.NewSweeper(ledger, clk,
		application.WithSweepInterval(5*time.Millisecond),
		application.WithLeaderLock(lock),
	)

	done := make(chan error, 1)
	go func() { done <- sweeper.Run(ctx) }()
	assert.Eventually(t, func() bool { return lock.locks.Load() > 2 }, 2*time.Second, time.Millisecond)
	cancel()
	<-done

	// 没拿到领导权就不能动账本:Hold 仍停留在 ACTIVE(虽然已过持有期)
	ids, err := ledger.SessionTicketTypeIDs(context.Background(), "A")
	require.NoError(t, err)
	assert.Equal(t, []string{"ga"}, ids)
}
