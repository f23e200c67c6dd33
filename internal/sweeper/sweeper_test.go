package sweeper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/peopledesk/internal/catalog"
	"github.com/mbd888/peopledesk/internal/tenant"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSweepRemovesOnlyStalePending(t *testing.T) {
	ctx := context.Background()
	store := tenant.NewMemoryStore()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.SavePendingSignup(ctx, &tenant.PendingSignup{
		CorrelationID:    "old-signup",
		Email:            "old@acme.test",
		Domain:           "old.peopledesk.test",
		PackageID:        2,
		SubscriptionType: catalog.Monthly,
		Price:            decimal.RequireFromString("49.00"),
		CreatedAt:        now.Add(-100 * time.Hour),
	}))
	require.NoError(t, store.SavePendingSignup(ctx, &tenant.PendingSignup{
		CorrelationID:    "fresh-signup",
		Email:            "fresh@acme.test",
		Domain:           "fresh.peopledesk.test",
		PackageID:        2,
		SubscriptionType: catalog.Monthly,
		Price:            decimal.RequireFromString("49.00"),
		CreatedAt:        now.Add(-time.Hour),
	}))
	require.NoError(t, store.SavePendingRenewal(ctx, &tenant.PendingRenewal{
		CorrelationID:    "old-renewal",
		TenantID:         "ten_000000000000000000000001",
		PackageID:        2,
		SubscriptionType: catalog.Yearly,
		Price:            decimal.RequireFromString("490.00"),
		CreatedAt:        now.Add(-73 * time.Hour),
	}))

	s := New(store, quietLogger()).WithClock(func() time.Time { return now })
	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = store.GetPendingSignup(ctx, "old-signup")
	assert.ErrorIs(t, err, tenant.ErrPendingNotFound)
	_, err = store.GetPendingRenewal(ctx, "old-renewal")
	assert.ErrorIs(t, err, tenant.ErrPendingNotFound)
	_, err = store.GetPendingSignup(ctx, "fresh-signup")
	assert.NoError(t, err)
}

func TestSweepWithTTL(t *testing.T) {
	ctx := context.Background()
	store := tenant.NewMemoryStore()
	now := time.Now().UTC()

	require.NoError(t, store.SavePendingRenewal(ctx, &tenant.PendingRenewal{
		CorrelationID: "r1",
		TenantID:      "ten_000000000000000000000001",
		PackageID:     2,
		CreatedAt:     now.Add(-2 * time.Hour),
	}))

	n, err := New(store, quietLogger()).Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = New(store, quietLogger()).WithTTL(time.Hour).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

type failingPurger struct{}

func (failingPurger) PurgePending(context.Context, time.Time) (int, error) {
	return 0, errors.New("connection reset")
}

func TestSweepError(t *testing.T) {
	_, err := New(failingPurger{}, quietLogger()).Sweep(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "purge pending payments")
}

type countingPurger struct {
	calls chan struct{}
}

func (c countingPurger) PurgePending(context.Context, time.Time) (int, error) {
	select {
	case c.calls <- struct{}{}:
	default:
	}
	return 0, nil
}

func TestTimerRunsAndStops(t *testing.T) {
	calls := make(chan struct{}, 1)
	timer := NewTimer(New(countingPurger{calls: calls}, quietLogger()), quietLogger()).
		WithInterval(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		timer.Start(ctx)
		close(done)
	}()

	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatal("sweep never ran")
	}
	assert.True(t, timer.Running())

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not stop")
	}
	assert.False(t, timer.Running())
}
