package membership

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doerly/settlement/internal/commission"
	"github.com/doerly/settlement/internal/testutil"
)

func TestPostgresStore_GetUpsert(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	_, err := store.Get(ctx, "user-pg-1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Upsert(ctx, &Membership{
		UserID:                "user-pg-1",
		Tier:                  commission.TierPro,
		LifetimeFreeRemaining: 2,
		MonthlyFreeUsed:       1,
		MonthKey:              MonthKey(time.Now()),
	}))

	got, err := store.Get(ctx, "user-pg-1")
	require.NoError(t, err)
	assert.Equal(t, commission.TierPro, got.Tier)
	assert.Equal(t, 2, got.LifetimeFreeRemaining)
	assert.Equal(t, 1, got.MonthlyFreeUsed)

	// Upsert overwrites the existing row.
	require.NoError(t, store.Upsert(ctx, &Membership{
		UserID: "user-pg-1",
		Tier:   commission.TierSuperPro,
	}))
	got, err = store.Get(ctx, "user-pg-1")
	require.NoError(t, err)
	assert.Equal(t, commission.TierSuperPro, got.Tier)
	assert.Equal(t, 0, got.LifetimeFreeRemaining)
}

func TestPostgresStore_LifetimeFree(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, &Membership{
		UserID:                "user-pg-lf",
		Tier:                  commission.TierFree,
		LifetimeFreeRemaining: 1,
	}))

	require.NoError(t, store.ConsumeLifetimeFree(ctx, "user-pg-lf"))
	assert.ErrorIs(t, store.ConsumeLifetimeFree(ctx, "user-pg-lf"), ErrNoAllowance)

	// Compensating credit restores the counter.
	require.NoError(t, store.CreditLifetimeFree(ctx, "user-pg-lf"))
	require.NoError(t, store.ConsumeLifetimeFree(ctx, "user-pg-lf"))

	// A credit for an unknown user creates the row.
	require.NoError(t, store.CreditLifetimeFree(ctx, "user-pg-new"))
	got, err := store.Get(ctx, "user-pg-new")
	require.NoError(t, err)
	assert.Equal(t, 1, got.LifetimeFreeRemaining)

	// Consuming with no row at all is no allowance.
	assert.ErrorIs(t, store.ConsumeLifetimeFree(ctx, "user-pg-absent"), ErrNoAllowance)
}

func TestPostgresStore_MonthlyFree(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	thisMonth := MonthKey(time.Now())
	lastMonth := MonthKey(time.Now().AddDate(0, -1, 0))

	require.NoError(t, store.Upsert(ctx, &Membership{
		UserID:          "user-pg-mf",
		Tier:            commission.TierPro,
		MonthlyFreeUsed: 1,
		MonthKey:        lastMonth,
	}))

	// A consume under a new month key resets the counter to 1.
	require.NoError(t, store.ConsumeMonthlyFree(ctx, "user-pg-mf", thisMonth, 2))
	got, err := store.Get(ctx, "user-pg-mf")
	require.NoError(t, err)
	assert.Equal(t, 1, got.MonthlyFreeUsed)
	assert.Equal(t, thisMonth, got.MonthKey)

	require.NoError(t, store.ConsumeMonthlyFree(ctx, "user-pg-mf", thisMonth, 2))
	assert.ErrorIs(t, store.ConsumeMonthlyFree(ctx, "user-pg-mf", thisMonth, 2), ErrNoAllowance)

	require.NoError(t, store.CreditMonthlyFree(ctx, "user-pg-mf", thisMonth))
	require.NoError(t, store.ConsumeMonthlyFree(ctx, "user-pg-mf", thisMonth, 2))
}
