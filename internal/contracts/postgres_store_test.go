package contracts

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doerly/settlement/internal/testutil"
)

func pgContract(id, jobID string) *Contract {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &Contract{
		ID:         id,
		JobID:      jobID,
		ClientID:   "client-1",
		DoerID:     "doer-1",
		Price:      "500000.00",
		Commission: "25000.00",
		TotalPrice: "525000.00",
		Currency:   "UZS",
		Status:     StatusOpen,
		IsEscrow:   true,
		FreeKind:   FreeKindNone,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestPostgresStore_CreateGet(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	c := pgContract("ct-pg-1", "job-pg-1")
	require.NoError(t, store.Create(ctx, c))

	got, err := store.Get(ctx, "ct-pg-1")
	require.NoError(t, err)
	assert.Equal(t, "500000.00", got.Price)
	assert.Equal(t, "25000.00", got.Commission)
	assert.Equal(t, "525000.00", got.TotalPrice)
	assert.Equal(t, StatusOpen, got.Status)
	assert.Equal(t, FreeKindNone, got.FreeKind)
	assert.True(t, got.IsEscrow)
	assert.Nil(t, got.CompletedAt)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrContractNotFound)
}

func TestPostgresStore_GetByJob(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	older := pgContract("ct-pg-old", "job-pg-shared")
	older.CreatedAt = time.Now().Add(-time.Hour)
	require.NoError(t, store.Create(ctx, older))

	newer := pgContract("ct-pg-new", "job-pg-shared")
	require.NoError(t, store.Create(ctx, newer))

	got, err := store.GetByJob(ctx, "job-pg-shared")
	require.NoError(t, err)
	assert.Equal(t, "ct-pg-new", got.ID)

	_, err = store.GetByJob(ctx, "job-pg-none")
	assert.ErrorIs(t, err, ErrContractNotFound)
}

func TestPostgresStore_UpdateCAS(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	c := pgContract("ct-pg-cas", "job-pg-cas")
	require.NoError(t, store.Create(ctx, c))

	completed := time.Now().UTC().Truncate(time.Millisecond)
	c.Status = StatusCompleted
	c.PaymentStatus = "completed"
	c.PaymentID = "pay-1"
	c.CompletedAt = &completed
	c.UpdatedAt = completed
	require.NoError(t, store.Update(ctx, c))
	assert.Equal(t, int64(2), c.Version)

	got, err := store.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "pay-1", got.PaymentID)
	require.NotNil(t, got.CompletedAt)

	stale := pgContract("ct-pg-cas", "job-pg-cas")
	stale.Status = StatusCancelled
	assert.ErrorIs(t, store.Update(ctx, stale), ErrConflict)

	missing := pgContract("ct-pg-gone", "job-pg-gone")
	assert.ErrorIs(t, store.Update(ctx, missing), ErrContractNotFound)
}

func TestPostgresStore_ListByUser(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	open := pgContract("ct-pg-list-1", "job-pg-list-1")
	require.NoError(t, store.Create(ctx, open))

	active := pgContract("ct-pg-list-2", "job-pg-list-2")
	active.Status = StatusActive
	require.NoError(t, store.Create(ctx, active))

	other := pgContract("ct-pg-list-3", "job-pg-list-3")
	other.ClientID = "someone-else"
	other.DoerID = "someone-elses-doer"
	require.NoError(t, store.Create(ctx, other))

	all, err := store.ListByUser(ctx, "client-1", "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	activeOnly, err := store.ListByUser(ctx, "client-1", "active", 10)
	require.NoError(t, err)
	require.Len(t, activeOnly, 1)
	assert.Equal(t, "ct-pg-list-2", activeOnly[0].ID)

	asDoer, err := store.ListByUser(ctx, "doer-1", "", 10)
	require.NoError(t, err)
	assert.Len(t, asDoer, 2)
}

func TestPostgresStore_ListCompletionDue(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	due := pgContract("ct-pg-due", "job-pg-due")
	due.Status = StatusActive
	requested := time.Now().Add(-48 * time.Hour)
	due.CompletionRequestedAt = &requested
	require.NoError(t, store.Create(ctx, due))

	recent := pgContract("ct-pg-recent", "job-pg-recent")
	recent.Status = StatusActive
	justNow := time.Now()
	recent.CompletionRequestedAt = &justNow
	require.NoError(t, store.Create(ctx, recent))

	noRequest := pgContract("ct-pg-norequest", "job-pg-norequest")
	noRequest.Status = StatusActive
	require.NoError(t, store.Create(ctx, noRequest))

	dueList, err := store.ListCompletionDue(ctx, time.Now().Add(-24*time.Hour), 100)
	require.NoError(t, err)
	require.Len(t, dueList, 1)
	assert.Equal(t, "ct-pg-due", dueList[0].ID)
}
