package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doerly/settlement/internal/payments"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedPayment(t *testing.T, store *payments.MemoryStore, id string, age time.Duration) {
	t.Helper()
	p := &payments.Payment{
		ID:        id,
		Status:    payments.StatusPending,
		Amount:    "500.00",
		Currency:  "USD",
		CreatedAt: time.Now().Add(-age),
	}
	require.NoError(t, store.Create(context.Background(), p))
}

func TestRunFlagsStuckPending(t *testing.T) {
	store := payments.NewMemoryStore()
	seedPayment(t, store, "pay-old", 2*time.Hour)
	seedPayment(t, store, "pay-older", 3*time.Hour)
	seedPayment(t, store, "pay-fresh", time.Minute)

	runner := NewRunner(store, testLogger())
	result, err := runner.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, result.StuckPending)
	require.NotNil(t, result.OldestSince)
	assert.WithinDuration(t, time.Now().Add(-3*time.Hour), *result.OldestSince, time.Minute)
}

func TestRunIgnoresSettledPayments(t *testing.T) {
	store := payments.NewMemoryStore()
	p := &payments.Payment{
		ID:        "pay-done",
		Status:    payments.StatusCompleted,
		Amount:    "500.00",
		Currency:  "USD",
		CreatedAt: time.Now().Add(-48 * time.Hour),
	}
	require.NoError(t, store.Create(context.Background(), p))

	runner := NewRunner(store, testLogger())
	result, err := runner.Run(context.Background())
	require.NoError(t, err)

	assert.Zero(t, result.StuckPending)
	assert.Nil(t, result.OldestSince)
}

func TestRunCustomThreshold(t *testing.T) {
	store := payments.NewMemoryStore()
	seedPayment(t, store, "pay-1", 10*time.Minute)

	runner := NewRunner(store, testLogger()).WithPendingThreshold(5 * time.Minute)
	result, err := runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.StuckPending)

	runner = NewRunner(store, testLogger()).WithPendingThreshold(30 * time.Minute)
	result, err = runner.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.StuckPending)
}

type failingLister struct{}

func (failingLister) ListPendingBefore(context.Context, time.Time, int) ([]*payments.Payment, error) {
	return nil, errors.New("db down")
}

func TestRunStoreError(t *testing.T) {
	runner := NewRunner(failingLister{}, testLogger())
	_, err := runner.Run(context.Background())
	assert.Error(t, err)
}

func TestTimerRunsAndStops(t *testing.T) {
	store := payments.NewMemoryStore()
	runner := NewRunner(store, testLogger())

	timer := NewTimer(runner, testLogger())
	timer.interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go timer.Start(ctx)

	assert.Eventually(t, timer.Running, time.Second, 5*time.Millisecond)
	timer.Stop()
	assert.Eventually(t, func() bool { return !timer.Running() }, time.Second, 5*time.Millisecond)
}
