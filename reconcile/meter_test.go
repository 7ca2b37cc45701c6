package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zllovesuki/metering/quota"
	"github.com/zllovesuki/metering/spec"
	"github.com/zllovesuki/metering/usage"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestMeterUsageEndToEnd(t *testing.T) {
	h := newHarness(t)
	org, _ := h.subscribe(t)

	res := h.meter(t, org, 900)
	assert.EqualValues(t, 900, res.TotalCalls)
	assert.Equal(t, 90.0, res.PercentUsed)
	assert.EqualValues(t, 0, res.OverageCalls)
	assert.Equal(t, []spec.AlertType{spec.AlertUsage90}, h.dispatcher.Types())

	sent := h.dispatcher.Sent()
	require.NotNil(t, sent[0].Ledger)
	assert.EqualValues(t, 900, sent[0].Ledger.TotalCalls)
	assert.Equal(t, usage.LedgerID(org, periodStart), sent[0].Ledger.LedgerID)

	h.clock.Advance(2 * time.Hour)

	res = h.meter(t, org, 150)
	assert.EqualValues(t, 1050, res.TotalCalls)
	assert.Equal(t, 105.0, res.PercentUsed)
	assert.EqualValues(t, 50, res.OverageCalls)
	assert.Equal(t, "0.05", res.EstimatedOverageCost.String())
	assert.Equal(t, []spec.AlertType{spec.AlertUsage90, spec.AlertUsage100}, h.dispatcher.Types())

	l, err := h.engine.Usage.GetByID(context.Background(), usage.LedgerID(org, periodStart))
	require.NoError(t, err)
	assert.Equal(t, l.TotalCalls, l.IncludedCallsUsed+l.OverageCalls)
	assert.Equal(t, "0.05", l.EstimatedOverageCost.String())
}

func TestMeterUsageFiresHighestTierOnly(t *testing.T) {
	h := newHarness(t)
	org, _ := h.subscribe(t)

	h.meter(t, org, 1500)
	assert.Equal(t, []spec.AlertType{spec.AlertUsage100}, h.dispatcher.Types())

	h.clock.Advance(3 * time.Hour)
	h.meter(t, org, 10)
	assert.Len(t, h.dispatcher.Sent(), 1)
}

func TestMeterUsageCooldown(t *testing.T) {
	h := newHarness(t)
	org, _ := h.subscribe(t)

	h.meter(t, org, 700)
	assert.Equal(t, []spec.AlertType{spec.AlertUsage70}, h.dispatcher.Types())

	h.clock.Advance(10 * time.Minute)
	h.meter(t, org, 200)
	assert.Equal(t, []spec.AlertType{spec.AlertUsage70}, h.dispatcher.Types())

	h.clock.Advance(time.Hour)
	h.meter(t, org, 1)
	assert.Equal(t, []spec.AlertType{spec.AlertUsage70, spec.AlertUsage90}, h.dispatcher.Types())
}

func TestMeterUsageRespectsDisabledTiers(t *testing.T) {
	h := newHarness(t)
	org, _ := h.subscribe(t)

	off := false
	_, err := h.engine.ConfigurePolicy(context.Background(), org, quota.Settings{
		Alert70Enabled: &off,
		Alert90Enabled: &off,
	})
	require.NoError(t, err)

	h.meter(t, org, 950)
	assert.Empty(t, h.dispatcher.Sent())

	h.meter(t, org, 50)
	assert.Equal(t, []spec.AlertType{spec.AlertUsage100}, h.dispatcher.Types())
}

func TestMeterUsageSoftCap(t *testing.T) {
	h := newHarness(t)
	org, _ := h.subscribe(t)

	res := h.meter(t, org, 1300)
	assert.EqualValues(t, 1300, res.TotalCalls)
	assert.EqualValues(t, 300, res.OverageCalls)
	assert.Equal(t, "0.3", res.EstimatedOverageCost.String())
}

func TestMeterUsageBlockImmediately(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	org, _ := h.subscribe(t)

	block := quota.BlockImmediately
	_, err := h.engine.ConfigurePolicy(ctx, org, quota.Settings{DunningBehavior: &block})
	require.NoError(t, err)

	h.meter(t, org, 1000)
	// 1200 is exactly the soft cap and still accepted
	h.meter(t, org, 200)

	_, err = h.engine.MeterUsage(ctx, MeterRequest{OrganizationID: org, Count: 1})
	require.ErrorIs(t, err, usage.ErrQuotaExceeded)
	var quotaErr *usage.QuotaExceededError
	require.True(t, errors.As(err, &quotaErr))
	assert.EqualValues(t, 1201, quotaErr.Current)
	assert.EqualValues(t, 1200, quotaErr.Limit)

	l, err := h.engine.Usage.GetByID(ctx, usage.LedgerID(org, periodStart))
	require.NoError(t, err)
	assert.EqualValues(t, 1200, l.TotalCalls)
}

func TestMeterUsageIdempotencyKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	org, _ := h.subscribe(t)

	req := MeterRequest{OrganizationID: org, Count: 750, IdempotencyKey: "batch-1"}
	first, err := h.engine.MeterUsage(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	h.clock.Advance(2 * time.Hour)
	second, err := h.engine.MeterUsage(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.TotalCalls, second.TotalCalls)

	l, err := h.engine.Usage.GetByID(ctx, usage.LedgerID(org, periodStart))
	require.NoError(t, err)
	assert.EqualValues(t, 750, l.TotalCalls)
	assert.Len(t, h.dispatcher.Sent(), 1)
}

func TestMeterUsageRejects(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	org, _ := h.subscribe(t)

	_, err := h.engine.MeterUsage(ctx, MeterRequest{OrganizationID: uuid.NewString(), Count: 1})
	assert.ErrorIs(t, err, ErrUnknownOrganization)

	_, err = h.engine.MeterUsage(ctx, MeterRequest{OrganizationID: org, Count: 0})
	assert.ErrorIs(t, err, usage.ErrInvalidCount)

	_, err = h.engine.MeterUsage(ctx, MeterRequest{OrganizationID: org, Count: spec.MaxMeterCount + 1})
	assert.ErrorIs(t, err, usage.ErrInvalidCount)

	require.NoError(t, h.db.Where("organization_id = ?", org).Delete(&usage.Ledger{}).Error)
	_, err = h.engine.MeterUsage(ctx, MeterRequest{OrganizationID: org, Count: 1})
	assert.ErrorIs(t, err, usage.ErrLedgerNotFound)
}

func TestMeterUsageSurvivesDispatchFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	org, _ := h.subscribe(t)

	h.dispatcher.err = errors.New("broker down")
	res := h.meter(t, org, 950)
	assert.EqualValues(t, 950, res.TotalCalls)

	p, err := h.engine.Quota.Get(ctx, org)
	require.NoError(t, err)
	assert.Equal(t, quota.Tier90, p.LastAlertTier)
}

func TestConcurrentMeteringFiresOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	org, _ := h.subscribe(t)

	var g errgroup.Group
	for i := 0; i < 10; i++ {
		g.Go(func() error {
			_, err := h.engine.MeterUsage(ctx, MeterRequest{OrganizationID: org, Count: 100})
			return err
		})
	}
	require.NoError(t, g.Wait())

	l, err := h.engine.Usage.GetByID(ctx, usage.LedgerID(org, periodStart))
	require.NoError(t, err)
	assert.EqualValues(t, 1000, l.TotalCalls)
	// every crossing after the first is inside the cooldown
	assert.Len(t, h.dispatcher.Sent(), 1)
}

func TestView(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	org, _ := h.subscribe(t)

	h.meter(t, org, 250)

	view, err := h.engine.View(ctx, org)
	require.NoError(t, err)
	assert.EqualValues(t, 250, view.TotalCalls)
	assert.EqualValues(t, 1000, view.IncludedCalls)
	assert.Equal(t, 25.0, view.PercentUsed)
	assert.EqualValues(t, 0, view.OverageCalls)
	assert.Equal(t, 22, view.DaysRemaining)
	assert.Equal(t, "ok", view.DunningState)
	assert.Equal(t, string(quota.SoftCap), view.DunningBehavior)
	assert.Equal(t, "pro", view.PlanTier)

	_, err = h.engine.View(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrUnknownOrganization)
}

func TestConfigurePolicyUnknownOrganization(t *testing.T) {
	h := newHarness(t)

	on := true
	_, err := h.engine.ConfigurePolicy(context.Background(), uuid.NewString(), quota.Settings{Alert70Enabled: &on})
	assert.ErrorIs(t, err, ErrUnknownOrganization)
}
