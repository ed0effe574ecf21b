package store

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/smallbiznis/medibill/internal/clock"
	paymentdomain "github.com/smallbiznis/medibill/internal/payment/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSession(clk clock.Clock, billID snowflake.ID) paymentdomain.Session {
	now := clk.Now()
	return paymentdomain.Session{
		ID:              uuid.NewString(),
		BillingRecordID: billID,
		ExpectedAmount:  50000,
		Currency:        "PHP",
		Phase:           paymentdomain.PhasePresenting,
		CreatedAt:       now,
		UpdatedAt:       now,
		ExpiresAt:       now.Add(5 * time.Minute),
	}
}

func TestMemoryStoreOneActiveSessionPerBill(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC))
	store := NewMemoryStore(clk)
	ctx := context.Background()
	billID := snowflake.ID(42)

	first := newSession(clk, billID)
	require.NoError(t, store.Create(ctx, first))

	second := newSession(clk, billID)
	assert.ErrorIs(t, store.Create(ctx, second), paymentdomain.ErrSessionAlreadyActive)

	active, err := store.ActiveForBill(ctx, billID)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, first.ID, active.ID)

	require.NoError(t, store.Release(ctx, billID, second.ID))
	active, err = store.ActiveForBill(ctx, billID)
	require.NoError(t, err)
	require.NotNil(t, active, "release by a non-holder is ignored")

	require.NoError(t, store.Release(ctx, billID, first.ID))
	require.NoError(t, store.Create(ctx, second))
}

func TestMemoryStoreTerminalHolderDoesNotBlock(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC))
	store := NewMemoryStore(clk)
	ctx := context.Background()
	billID := snowflake.ID(7)

	first := newSession(clk, billID)
	require.NoError(t, store.Create(ctx, first))
	_, err := store.Update(ctx, first.ID, func(s *paymentdomain.Session) error {
		s.Phase = paymentdomain.PhaseCancelled
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, store.Create(ctx, newSession(clk, billID)))
}

func TestMemoryStoreUpdateAbortsOnError(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC))
	store := NewMemoryStore(clk)
	ctx := context.Background()
	session := newSession(clk, 1)
	require.NoError(t, store.Create(ctx, session))

	_, err := store.Update(ctx, session.ID, func(s *paymentdomain.Session) error {
		s.Phase = paymentdomain.PhaseVerifying
		return paymentdomain.ErrInvalidPhase
	})
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidPhase)

	stored, err := store.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.PhasePresenting, stored.Phase)

	_, err = store.Update(ctx, "missing", func(*paymentdomain.Session) error { return nil })
	assert.ErrorIs(t, err, paymentdomain.ErrSessionNotFound)
}

func TestMemoryStoreEvictsAfterRetention(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC))
	store := NewMemoryStore(clk)
	ctx := context.Background()
	session := newSession(clk, 9)
	require.NoError(t, store.Create(ctx, session))

	clk.Advance(6 * time.Minute)
	_, err := store.Get(ctx, session.ID)
	require.NoError(t, err, "readable after the window closes")

	active, err := store.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	clk.Advance(Retention)
	_, err = store.Get(ctx, session.ID)
	assert.ErrorIs(t, err, paymentdomain.ErrSessionNotFound)

	holder, err := store.ActiveForBill(ctx, 9)
	require.NoError(t, err)
	assert.Nil(t, holder)
}
