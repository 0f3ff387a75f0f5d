package payments

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doerly/settlement/internal/testutil"
)

func pgPayment(id, orderID string) *Payment {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &Payment{
		ID:             id,
		ContractID:     "ct-pg-1",
		PayerID:        "client-1",
		RecipientID:    "doer-1",
		Amount:         "39.50",
		Currency:       "USD",
		LocalAmount:    "500000.00",
		LocalCurrency:  "UZS",
		Status:         StatusPending,
		GatewayOrderID: orderID,
		FeeAmount:      "3.95",
		IsEscrow:       true,
		Description:    "escrow for job-1",
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestPostgresStore_CreateGet(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	p := pgPayment("pay-pg-1", "ord-pg-1")
	require.NoError(t, store.Create(ctx, p))

	got, err := store.Get(ctx, "pay-pg-1")
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
	assert.Equal(t, "39.50", got.Amount)
	assert.Equal(t, "500000.00", got.LocalAmount)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, "ct-pg-1", got.ContractID)
	assert.True(t, got.IsEscrow)
	assert.Nil(t, got.CapturedAt)

	byOrder, err := store.GetByOrderID(ctx, "ord-pg-1")
	require.NoError(t, err)
	assert.Equal(t, p.ID, byOrder.ID)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrPaymentNotFound)

	_, err = store.GetByOrderID(ctx, "missing")
	assert.ErrorIs(t, err, ErrPaymentNotFound)
}

func TestPostgresStore_UpdateCAS(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	p := pgPayment("pay-pg-cas", "ord-pg-cas")
	require.NoError(t, store.Create(ctx, p))

	captured := time.Now().UTC().Truncate(time.Millisecond)
	p.Status = StatusHeldEscrow
	p.GatewayCaptureID = "cap-1"
	p.CapturedAt = &captured
	p.UpdatedAt = captured
	require.NoError(t, store.Update(ctx, p))
	assert.Equal(t, int64(2), p.Version)

	got, err := store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusHeldEscrow, got.Status)
	assert.Equal(t, "cap-1", got.GatewayCaptureID)
	require.NotNil(t, got.CapturedAt)

	// A stale copy loses the race.
	stale := pgPayment("pay-pg-cas", "ord-pg-cas")
	stale.Status = StatusFailed
	assert.ErrorIs(t, store.Update(ctx, stale), ErrConflict)

	missing := pgPayment("pay-pg-gone", "ord-pg-gone")
	assert.ErrorIs(t, store.Update(ctx, missing), ErrPaymentNotFound)
}

func TestPostgresStore_Lists(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	a := pgPayment("pay-pg-a", "ord-pg-a")
	b := pgPayment("pay-pg-b", "ord-pg-b")
	b.PayerID = "other-client"
	b.RecipientID = "doer-1"
	b.ContractID = "ct-pg-2"
	require.NoError(t, store.Create(ctx, a))
	require.NoError(t, store.Create(ctx, b))

	asPayer, err := store.ListByUser(ctx, "client-1", 10)
	require.NoError(t, err)
	require.Len(t, asPayer, 1)
	assert.Equal(t, "pay-pg-a", asPayer[0].ID)

	asRecipient, err := store.ListByUser(ctx, "doer-1", 10)
	require.NoError(t, err)
	assert.Len(t, asRecipient, 2)

	byContract, err := store.ListByContract(ctx, "ct-pg-2")
	require.NoError(t, err)
	require.Len(t, byContract, 1)
	assert.Equal(t, "pay-pg-b", byContract[0].ID)
}

func TestPostgresStore_ListPendingBefore(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	old := pgPayment("pay-pg-old", "ord-pg-old")
	old.CreatedAt = time.Now().Add(-3 * time.Hour)
	require.NoError(t, store.Create(ctx, old))

	settled := pgPayment("pay-pg-done", "ord-pg-done")
	settled.CreatedAt = time.Now().Add(-3 * time.Hour)
	settled.Status = StatusCompleted
	require.NoError(t, store.Create(ctx, settled))

	fresh := pgPayment("pay-pg-fresh", "ord-pg-fresh")
	require.NoError(t, store.Create(ctx, fresh))

	stuck, err := store.ListPendingBefore(ctx, time.Now().Add(-time.Hour), 100)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, "pay-pg-old", stuck[0].ID)
}
