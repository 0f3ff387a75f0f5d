package membership

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/doerly/settlement/internal/commission"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetDefaultsToFreeTier(t *testing.T) {
	svc := NewService(NewMemoryStore())

	m, err := svc.Get(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, commission.TierFree, m.Tier)
	assert.Zero(t, m.LifetimeFreeRemaining)
}

func TestAllowancesResetAcrossMonths(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Upsert(context.Background(), &Membership{
		UserID:          "user-1",
		Tier:            commission.TierPro,
		MonthlyFreeUsed: 1,
		MonthKey:        "2026-07",
	}))

	svc := NewService(store)
	svc.now = func() time.Time { return time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC) }

	a, err := svc.Allowances(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 0, a.MonthlyUsed, "stale month counter reads as zero")
}

func TestConsumeLifetimeFree(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Upsert(ctx, &Membership{
		UserID:                "user-1",
		Tier:                  commission.TierFree,
		LifetimeFreeRemaining: 1,
	}))

	svc := NewService(store)
	q := commission.Quote{ConsumesLifetimeFree: true}

	require.NoError(t, svc.Consume(ctx, "user-1", q))
	assert.ErrorIs(t, svc.Consume(ctx, "user-1", q), ErrNoAllowance)

	// Compensation restores the slot.
	require.NoError(t, svc.Refund(ctx, "user-1", q))
	assert.NoError(t, svc.Consume(ctx, "user-1", q))
}

func TestConsumeMonthlyFreeRespectsLimit(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Upsert(ctx, &Membership{
		UserID:   "user-1",
		Tier:     commission.TierSuperPro,
		MonthKey: MonthKey(time.Now()),
	}))

	svc := NewService(store)
	q := commission.Quote{ConsumesMonthlyFree: true}

	require.NoError(t, svc.Consume(ctx, "user-1", q))
	require.NoError(t, svc.Consume(ctx, "user-1", q))
	assert.ErrorIs(t, svc.Consume(ctx, "user-1", q), ErrNoAllowance)
}

func TestConsumeMonthlyFreeResetsOnNewMonth(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Upsert(ctx, &Membership{
		UserID:          "user-1",
		Tier:            commission.TierPro,
		MonthlyFreeUsed: 1,
		MonthKey:        "2026-07",
	}))

	require.NoError(t, store.ConsumeMonthlyFree(ctx, "user-1", "2026-08", 1))

	m, err := store.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "2026-08", m.MonthKey)
	assert.Equal(t, 1, m.MonthlyFreeUsed)
}

func TestPaidQuoteConsumesNothing(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Upsert(ctx, &Membership{
		UserID:                "user-1",
		LifetimeFreeRemaining: 1,
	}))

	svc := NewService(store)
	require.NoError(t, svc.Consume(ctx, "user-1", commission.Quote{Commission: "800.00"}))

	m, err := store.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, m.LifetimeFreeRemaining)
}

func TestConcurrentLifetimeConsume(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Upsert(ctx, &Membership{
		UserID:                "user-1",
		LifetimeFreeRemaining: 5,
	}))

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- store.ConsumeLifetimeFree(ctx, "user-1")
		}()
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
		}
	}
	assert.Equal(t, 5, ok, "exactly the available slots are spent")
}
