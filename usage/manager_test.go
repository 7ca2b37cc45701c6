package usage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zllovesuki/metering/db"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	logger := zaptest.NewLogger(t)
	gdb, err := db.NewSQLite(logger, "file:"+uuid.NewString()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	m, err := NewManager(ManagerOptions{DB: gdb, Logger: logger})
	require.NoError(t, err)
	return m
}

func openTestPeriod(t *testing.T, m *Manager, included int64) *Ledger {
	t.Helper()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := &Ledger{
		OrganizationID: uuid.NewString(),
		PeriodStart:    start,
		PeriodEnd:      start.AddDate(0, 1, 0),
		IncludedCalls:  included,
		OverageRate:    decimal.RequireFromString("0.001"),
		Currency:       "usd",
	}
	created, err := m.OpenPeriod(context.Background(), l)
	require.NoError(t, err)
	require.True(t, created)
	return l
}

func TestOpenPeriodIsIdempotent(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	l := openTestPeriod(t, m, 1000)

	_, err := m.Increment(ctx, IncrementOptions{LedgerID: l.ID, OrganizationID: l.OrganizationID, Count: 10})
	require.NoError(t, err)

	again := *l
	created, err := m.OpenPeriod(ctx, &again)
	require.NoError(t, err)
	assert.False(t, created)

	stored, err := m.GetByID(ctx, l.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 10, stored.TotalCalls)
}

func TestIncrementConservesUnderConcurrency(t *testing.T) {
	m := newTestManager(t)
	l := openTestPeriod(t, m, 100)

	var g errgroup.Group
	writers, perWriter := 10, 7
	for w := 0; w < writers; w++ {
		g.Go(func() error {
			for i := 0; i < perWriter; i++ {
				if _, err := m.Increment(context.Background(), IncrementOptions{
					LedgerID:       l.ID,
					OrganizationID: l.OrganizationID,
					Count:          3,
				}); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	stored, err := m.GetByID(context.Background(), l.ID)
	require.NoError(t, err)
	total := int64(writers * perWriter * 3)
	assert.Equal(t, total, stored.TotalCalls)
	assert.Equal(t, total, stored.IncludedCallsUsed+stored.OverageCalls)
	assert.EqualValues(t, total-100, stored.OverageCalls)
	assert.EqualValues(t, writers*perWriter, stored.Version)
	assert.Equal(t, "0.11", stored.EstimatedOverageCost.StringFixed(2))
}

func TestIncrementSoftCapVersusBlock(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	soft := openTestPeriod(t, m, 100)
	res, err := m.Increment(ctx, IncrementOptions{LedgerID: soft.ID, OrganizationID: soft.OrganizationID, Count: 121})
	require.NoError(t, err)
	assert.EqualValues(t, 121, res.Ledger.TotalCalls)
	assert.EqualValues(t, 21, res.Ledger.OverageCalls)

	blocked := openTestPeriod(t, m, 100)
	_, err = m.Increment(ctx, IncrementOptions{LedgerID: blocked.ID, OrganizationID: blocked.OrganizationID, Count: 121, Block: true})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrQuotaExceeded))
	var qErr *QuotaExceededError
	require.True(t, errors.As(err, &qErr))
	assert.EqualValues(t, 120, qErr.Limit)

	stored, err := m.GetByID(ctx, blocked.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 0, stored.TotalCalls)
	assert.EqualValues(t, 0, stored.Version)

	res, err = m.Increment(ctx, IncrementOptions{LedgerID: blocked.ID, OrganizationID: blocked.OrganizationID, Count: 120, Block: true})
	require.NoError(t, err)
	assert.EqualValues(t, 120, res.Ledger.TotalCalls)
}

func TestIncrementIdempotencyKey(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	l := openTestPeriod(t, m, 100)

	opt := IncrementOptions{LedgerID: l.ID, OrganizationID: l.OrganizationID, Count: 60, IdempotencyKey: "req-1"}
	first, err := m.Increment(ctx, opt)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	_, err = m.Increment(ctx, IncrementOptions{LedgerID: l.ID, OrganizationID: l.OrganizationID, Count: 50})
	require.NoError(t, err)

	replay, err := m.Increment(ctx, opt)
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	assert.EqualValues(t, 60, replay.Ledger.TotalCalls)

	stored, err := m.GetByID(ctx, l.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 110, stored.TotalCalls)
}

func TestIncrementErrors(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.Increment(ctx, IncrementOptions{LedgerID: "org:1", OrganizationID: "org", Count: 1})
	assert.ErrorIs(t, err, ErrLedgerNotFound)

	_, err = m.Increment(ctx, IncrementOptions{LedgerID: "org:1", OrganizationID: "org", Count: 0})
	assert.ErrorIs(t, err, ErrInvalidCount)

	_, err = m.Increment(ctx, IncrementOptions{LedgerID: "org:1", OrganizationID: "org", Count: 10001})
	assert.ErrorIs(t, err, ErrInvalidCount)
}

func TestList(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	org := uuid.NewString()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		_, err := m.OpenPeriod(ctx, &Ledger{
			OrganizationID: org,
			PeriodStart:    start.AddDate(0, i, 0),
			PeriodEnd:      start.AddDate(0, i+1, 0),
			IncludedCalls:  10,
			OverageRate:    decimal.Zero,
			Currency:       "usd",
		})
		require.NoError(t, err)
	}
	ledgers, err := m.List(ctx, org, 2)
	require.NoError(t, err)
	require.Len(t, ledgers, 2)
	assert.True(t, ledgers[0].PeriodStart.After(ledgers[1].PeriodStart))
}

func TestIncrementIdempotencyKeyWithDifferentCount(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	l := openTestPeriod(t, m, 100)

	_, err := m.Increment(ctx, IncrementOptions{LedgerID: l.ID, OrganizationID: l.OrganizationID, Count: 10, IdempotencyKey: "req-1"})
	require.NoError(t, err)

	_, err = m.Increment(ctx, IncrementOptions{LedgerID: l.ID, OrganizationID: l.OrganizationID, Count: 20, IdempotencyKey: "req-1"})
	assert.ErrorIs(t, err, ErrIdempotencyConflict)

	stored, err := m.GetByID(ctx, l.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 10, stored.TotalCalls)
}

func TestUpdateTermsRebillsOpenPeriod(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	l := openTestPeriod(t, m, 1000)

	_, err := m.Increment(ctx, IncrementOptions{LedgerID: l.ID, OrganizationID: l.OrganizationID, Count: 1100})
	require.NoError(t, err)

	upgraded, err := m.UpdateTerms(ctx, l.ID, Terms{
		IncludedCalls: 500000,
		OverageRate:   decimal.RequireFromString("0.0005"),
		Currency:      "usd",
	})
	require.NoError(t, err)
	require.NotNil(t, upgraded)

	stored, err := m.GetByID(ctx, l.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 500000, stored.IncludedCalls)
	assert.EqualValues(t, 1100, stored.TotalCalls)
	assert.EqualValues(t, 1100, stored.IncludedCallsUsed)
	assert.EqualValues(t, 0, stored.OverageCalls)
	assert.True(t, stored.EstimatedOverageCost.IsZero())
	assert.EqualValues(t, 2, stored.Version)

	downgraded, err := m.UpdateTerms(ctx, l.ID, Terms{
		IncludedCalls: 500,
		OverageRate:   decimal.RequireFromString("0.002"),
		Currency:      "usd",
	})
	require.NoError(t, err)
	assert.EqualValues(t, 500, downgraded.IncludedCallsUsed)
	assert.EqualValues(t, 600, downgraded.OverageCalls)
	assert.Equal(t, "1.2", downgraded.EstimatedOverageCost.String())

	// same terms leave the row alone
	same, err := m.UpdateTerms(ctx, l.ID, downgraded.Terms())
	require.NoError(t, err)
	assert.EqualValues(t, 3, same.Version)

	// increments keep working on top of the new terms
	res, err := m.Increment(ctx, IncrementOptions{LedgerID: l.ID, OrganizationID: l.OrganizationID, Count: 100})
	require.NoError(t, err)
	assert.EqualValues(t, 700, res.Ledger.OverageCalls)
	assert.Equal(t, res.Ledger.TotalCalls, res.Ledger.IncludedCallsUsed+res.Ledger.OverageCalls)
}

func TestUpdateTermsMissingLedger(t *testing.T) {
	m := newTestManager(t)

	l, err := m.UpdateTerms(context.Background(), "org:1", Terms{IncludedCalls: 10, Currency: "usd"})
	require.NoError(t, err)
	assert.Nil(t, l)
}
