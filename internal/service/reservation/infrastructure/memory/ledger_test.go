package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"turnstile/internal/service/reservation/domain"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func seedType(t *testing.T, l *Ledger, id string, total int) {
	t.Helper()
	require.NoError(t, l.CreateTicketType(context.Background(), domain.TicketType{
		ID:            id,
		Name:          id,
		TotalQuantity: total,
	}))
}

func seedHold(t *testing.T, l *Ledger, h domain.Hold) {
	t.Helper()
	err := l.WithTx(context.Background(), []string{h.TicketTypeID}, func(tx domain.LedgerTx) error {
		return tx.SaveHold(h)
	})
	require.NoError(t, err)
}

func TestCreateTicketType_RejectsDuplicate(t *testing.T) {
	l := NewLedger()
	seedType(t, l, "ga", 10)
	err := l.CreateTicketType(context.Background(), domain.TicketType{ID: "ga", TotalQuantity: 5})
	assert.ErrorIs(t, err, domain.ErrTicketTypeExists)
}

func TestWithTx_UnknownTypeSurfacesFromReads(t *testing.T) {
	l := NewLedger()
	err := l.WithTx(context.Background(), []string{"missing"}, func(tx domain.LedgerTx) error {
		_, err := tx.TicketType("missing")
		return err
	})
	assert.ErrorIs(t, err, domain.ErrTicketTypeNotFound)
}

func TestWithTx_SerializesWritersOnSameType(t *testing.T) {
	l := NewLedger()
	seedType(t, l, "ga", 10)

	const writers = 64
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.WithTx(context.Background(), []string{"ga"}, func(tx domain.LedgerTx) error {
				return tx.AddQuantitySold("ga", 1)
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	err := l.WithTx(context.Background(), []string{"ga"}, func(tx domain.LedgerTx) error {
		tt, err := tx.TicketType("ga")
		require.NoError(t, err)
		assert.Equal(t, writers, tt.QuantitySold, "lost update under concurrent transactions")
		return nil
	})
	require.NoError(t, err)
}

func TestWithTx_CrossTypeOrderingAvoidsDeadlock(t *testing.T) {
	l := NewLedger()
	seedType(t, l, "a", 100)
	seedType(t, l, "b", 100)

	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for i := 0; i < 100; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				ids := []string{"a", "b"}
				if n%2 == 1 {
					ids = []string{"b", "a"}
				}
				_ = l.WithTx(context.Background(), ids, func(tx domain.LedgerTx) error {
					if err := tx.AddQuantitySold("a", 1); err != nil {
						return err
					}
					return tx.AddQuantitySold("b", 1)
				})
			}(i)
		}
		wg.Wait()
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("opposing lock orders deadlocked")
	}
}

func TestWithTx_CanceledContext(t *testing.T) {
	l := NewLedger()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := l.WithTx(ctx, []string{"ga"}, func(domain.LedgerTx) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestActiveHoldQuantity_ExcludesExpiredAndTerminal(t *testing.T) {
	l := NewLedger()
	seedType(t, l, "ga", 10)

	seedHold(t, l, domain.Hold{ID: "h1", TicketTypeID: "ga", SessionID: "A", Quantity: 2, State: domain.HoldStateActive, ExpiresAt: t0.Add(time.Minute)})
	seedHold(t, l, domain.Hold{ID: "h2", TicketTypeID: "ga", SessionID: "B", Quantity: 3, State: domain.HoldStateActive, ExpiresAt: t0.Add(-time.Minute)})
	seedHold(t, l, domain.Hold{ID: "h3", TicketTypeID: "ga", SessionID: "C", Quantity: 4, State: domain.HoldStateReleased, ExpiresAt: t0.Add(time.Minute)})

	err := l.WithTx(context.Background(), []string{"ga"}, func(tx domain.LedgerTx) error {
		qty, err := tx.ActiveHoldQuantity("ga", t0)
		require.NoError(t, err)
		assert.Equal(t, 2, qty, "only unexpired ACTIVE holds count")
		return nil
	})
	require.NoError(t, err)
}

func TestSessionTicketTypeIDs_SortedActiveOnly(t *testing.T) {
	l := NewLedger()
	seedType(t, l, "b", 10)
	seedType(t, l, "a", 10)
	seedType(t, l, "c", 10)

	seedHold(t, l, domain.Hold{ID: "h1", TicketTypeID: "b", SessionID: "S", Quantity: 1, State: domain.HoldStateActive, ExpiresAt: t0.Add(time.Minute)})
	seedHold(t, l, domain.Hold{ID: "h2", TicketTypeID: "a", SessionID: "S", Quantity: 1, State: domain.HoldStateActive, ExpiresAt: t0.Add(time.Minute)})
	seedHold(t, l, domain.Hold{ID: "h3", TicketTypeID: "c", SessionID: "S", Quantity: 1, State: domain.HoldStateConsumed, ExpiresAt: t0.Add(time.Minute)})
	seedHold(t, l, domain.Hold{ID: "h4", TicketTypeID: "c", SessionID: "other", Quantity: 1, State: domain.HoldStateActive, ExpiresAt: t0.Add(time.Minute)})

	ids, err := l.SessionTicketTypeIDs(context.Background(), "S")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)
}

func TestTransitionHold_CompareAndSwap(t *testing.T) {
	l := NewLedger()
	seedType(t, l, "ga", 10)
	seedHold(t, l, domain.Hold{ID: "h1", TicketTypeID: "ga", SessionID: "A", Quantity: 2, State: domain.HoldStateActive, ExpiresAt: t0.Add(time.Minute)})

	err := l.WithTx(context.Background(), []string{"ga"}, func(tx domain.LedgerTx) error {
		ok, err := tx.TransitionHold("h1", domain.HoldStateActive, domain.HoldStateConsumed, t0)
		require.NoError(t, err)
		assert.True(t, ok)

		// 状态已变,同一迁移第二次不生效
		ok, err = tx.TransitionHold("h1", domain.HoldStateActive, domain.HoldStateConsumed, t0)
		require.NoError(t, err)
		assert.False(t, ok)

		// 不存在的 Hold 也只是 no-op
		ok, err = tx.TransitionHold("ghost", domain.HoldStateActive, domain.HoldStateReleased, t0)
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	})
	require.NoError(t, err)
}

func TestExpireDueHolds(t *testing.T) {
	l := NewLedger()
	seedType(t, l, "ga", 10)
	seedHold(t, l, domain.Hold{ID: "due", TicketTypeID: "ga", SessionID: "A", Quantity: 2, State: domain.HoldStateActive, ExpiresAt: t0.Add(-time.Second)})
	seedHold(t, l, domain.Hold{ID: "fresh", TicketTypeID: "ga", SessionID: "B", Quantity: 3, State: domain.HoldStateActive, ExpiresAt: t0.Add(time.Hour)})

	err := l.WithTx(context.Background(), []string{"ga"}, func(tx domain.LedgerTx) error {
		expired, err := tx.ExpireDueHolds("ga", t0)
		require.NoError(t, err)
		require.Len(t, expired, 1)
		assert.Equal(t, "due", expired[0].ID)
		assert.Equal(t, domain.HoldStateExpired, expired[0].State)
		assert.Equal(t, t0, expired[0].UpdatedAt)
		return nil
	})
	require.NoError(t, err)
}

func TestPurgeTerminalHolds(t *testing.T) {
	l := NewLedger()
	seedType(t, l, "ga", 10)
	seedHold(t, l, domain.Hold{ID: "old-released", TicketTypeID: "ga", SessionID: "A", Quantity: 1, State: domain.HoldStateReleased, UpdatedAt: t0.Add(-48 * time.Hour)})
	seedHold(t, l, domain.Hold{ID: "recent-expired", TicketTypeID: "ga", SessionID: "B", Quantity: 1, State: domain.HoldStateExpired, UpdatedAt: t0.Add(-time.Hour)})
	seedHold(t, l, domain.Hold{ID: "active", TicketTypeID: "ga", SessionID: "C", Quantity: 1, State: domain.HoldStateActive, UpdatedAt: t0.Add(-48 * time.Hour), ExpiresAt: t0.Add(time.Hour)})

	purged, err := l.PurgeTerminalHolds(context.Background(), t0.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	// ACTIVE 的永远不清,终态但还在保留窗口内的也不清
	err = l.WithTx(context.Background(), []string{"ga"}, func(tx domain.LedgerTx) error {
		holds, err := tx.ActiveSessionHolds("C")
		require.NoError(t, err)
		assert.Len(t, holds, 1)

		ok, err := tx.TransitionHold("recent-expired", domain.HoldStateExpired, domain.HoldStateExpired, t0)
		require.NoError(t, err)
		assert.True(t, ok, "recent terminal hold must survive the purge")
		return nil
	})
	require.NoError(t, err)
}
