package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/zllovesuki/metering/metrics"
	"github.com/zllovesuki/metering/notification"
	"github.com/zllovesuki/metering/quota"
	"github.com/zllovesuki/metering/spec"
	"github.com/zllovesuki/metering/subscription"
	"github.com/zllovesuki/metering/usage"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// MeterRequest records Count calls against the organization's current period
type MeterRequest struct {
	OrganizationID string `json:"organization_id" validate:"required,uuid"`
	Count          int64  `json:"count" validate:"required,min=1,max=10000"`
	IdempotencyKey string `json:"idempotency_key,omitempty" validate:"omitempty,max=255"`
}

type MeterResult struct {
	TotalCalls           int64           `json:"total_calls"`
	PercentUsed          float64         `json:"percent_used"`
	OverageCalls         int64           `json:"overage_calls"`
	EstimatedOverageCost decimal.Decimal `json:"estimated_overage_cost"`
	Replayed             bool            `json:"replayed,omitempty"`
}

// MeterUsage increments the usage ledger and evaluates the quota policy on the result.
// Alert failures are logged and never fail the call, the increment is already committed
func (e *Engine) MeterUsage(ctx context.Context, req MeterRequest) (*MeterResult, error) {
	if req.Count < 1 || req.Count > spec.MaxMeterCount {
		metrics.MeterCallsTotal.WithLabelValues("invalid").Inc()
		return nil, usage.ErrInvalidCount
	}
	logger := e.Logger.With(zap.String("OrganizationID", req.OrganizationID))

	ctx, cancel := context.WithTimeout(ctx, e.StoreTimeout)
	defer cancel()

	sub, err := e.Subscriptions.Get(ctx, req.OrganizationID)
	if err != nil {
		metrics.MeterCallsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	if sub == nil {
		metrics.MeterCallsTotal.WithLabelValues("unknown_organization").Inc()
		return nil, ErrUnknownOrganization
	}
	if !sub.Status.Meterable() {
		metrics.MeterCallsTotal.WithLabelValues("inactive").Inc()
		return nil, ErrSubscriptionInactive
	}

	policy, err := e.Quota.Get(ctx, req.OrganizationID)
	if err != nil {
		metrics.MeterCallsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	res, err := e.Usage.Increment(ctx, usage.IncrementOptions{
		LedgerID:       usage.LedgerID(req.OrganizationID, sub.PeriodStart),
		OrganizationID: req.OrganizationID,
		Count:          req.Count,
		IdempotencyKey: req.IdempotencyKey,
		Block:          policy.Blocks(),
	})
	switch {
	case errors.Is(err, usage.ErrQuotaExceeded):
		metrics.MeterCallsTotal.WithLabelValues("blocked").Inc()
		logger.Info("Usage blocked by quota policy", zap.Int64("Count", req.Count))
		return nil, err
	case errors.Is(err, usage.ErrLedgerNotFound):
		metrics.MeterCallsTotal.WithLabelValues("no_ledger").Inc()
		logger.Error("No usage ledger for the current period",
			zap.Time("PeriodStart", sub.PeriodStart),
		)
		return nil, err
	case errors.Is(err, usage.ErrIdempotencyConflict):
		metrics.MeterCallsTotal.WithLabelValues("invalid").Inc()
		logger.Warn("Idempotency key reused with a different count",
			zap.String("IdempotencyKey", req.IdempotencyKey),
			zap.Int64("Count", req.Count),
		)
		return nil, err
	case err != nil:
		metrics.MeterCallsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	if res.Replayed {
		metrics.MeterCallsTotal.WithLabelValues("replayed").Inc()
	} else {
		metrics.MeterCallsTotal.WithLabelValues("accepted").Inc()
		metrics.MeteredUnitsTotal.Add(float64(req.Count))
		e.evaluateAlerts(ctx, logger, policy, res.Ledger)
	}

	return &MeterResult{
		TotalCalls:           res.Ledger.TotalCalls,
		PercentUsed:          res.Ledger.PercentUsed(),
		OverageCalls:         res.Ledger.OverageCalls,
		EstimatedOverageCost: res.Ledger.EstimatedOverageCost,
		Replayed:             res.Replayed,
	}, nil
}

// evaluateAlerts checks the policy read before the increment first, which can only be more
// permissive than the stored one, and claims the tier against the locked row only if it may fire
func (e *Engine) evaluateAlerts(ctx context.Context, logger *zap.Logger, policy *quota.Policy, l usage.Ledger) {
	now := e.now()
	if _, fire := policy.Evaluate(l, now); !fire {
		return
	}
	tier, claimed, err := e.Quota.Claim(ctx, l, now)
	if err != nil {
		metrics.NotificationFailuresTotal.WithLabelValues("claim").Inc()
		logger.Error("Unable to claim usage alert", zap.Error(err))
		return
	}
	if claimed == nil {
		return
	}
	logger.Info("Usage alert fired",
		zap.Int64("Tier", int64(tier)),
		zap.Int64("TotalCalls", l.TotalCalls),
	)
	e.dispatch(ctx, &notification.Notification{
		ID:             uuid.NewString(),
		OrganizationID: l.OrganizationID,
		AlertType:      tier.AlertType(),
		Ledger:         notification.Snapshot(l),
		CreatedAt:      now,
	})
}

// UsageView is the read projection of the organization's current period
type UsageView struct {
	OrganizationID       string          `json:"organization_id"`
	PlanTier             string          `json:"plan_tier"`
	Status               string          `json:"status"`
	PeriodStart          time.Time       `json:"period_start"`
	PeriodEnd            time.Time       `json:"period_end"`
	TotalCalls           int64           `json:"total_calls"`
	IncludedCalls        int64           `json:"included_calls"`
	PercentUsed          float64         `json:"percent_used"`
	OverageCalls         int64           `json:"overage_calls"`
	EstimatedOverageCost decimal.Decimal `json:"estimated_overage_cost"`
	Currency             string          `json:"currency"`
	DaysRemaining        int             `json:"days_remaining"`
	DunningState         string          `json:"dunning_state"`
	DunningBehavior      string          `json:"dunning_behavior"`
}

// DunningState summarizes the payment standing of a subscription
func DunningState(status subscription.Status) string {
	switch status {
	case subscription.StatusPastDue:
		return "past_due"
	case subscription.StatusCanceled:
		return "canceled"
	}
	return "ok"
}

// View returns the usage of the organization's current period
func (e *Engine) View(ctx context.Context, organizationID string) (*UsageView, error) {
	ctx, cancel := context.WithTimeout(ctx, e.StoreTimeout)
	defer cancel()

	sub, err := e.Subscriptions.Get(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, ErrUnknownOrganization
	}
	l, err := e.Usage.GetByID(ctx, usage.LedgerID(organizationID, sub.PeriodStart))
	if err != nil {
		return nil, err
	}
	if l == nil {
		return nil, usage.ErrLedgerNotFound
	}
	policy, err := e.Quota.Get(ctx, organizationID)
	if err != nil {
		return nil, err
	}

	return &UsageView{
		OrganizationID:       organizationID,
		PlanTier:             sub.PlanTier,
		Status:               string(sub.Status),
		PeriodStart:          l.PeriodStart,
		PeriodEnd:            l.PeriodEnd,
		TotalCalls:           l.TotalCalls,
		IncludedCalls:        l.IncludedCalls,
		PercentUsed:          l.PercentUsed(),
		OverageCalls:         l.OverageCalls,
		EstimatedOverageCost: l.EstimatedOverageCost,
		Currency:             l.Currency,
		DaysRemaining:        l.DaysRemaining(e.now()),
		DunningState:         DunningState(sub.Status),
		DunningBehavior:      string(policy.DunningBehavior),
	}, nil
}

// ConfigurePolicy changes the alert and dunning settings of a known organization
func (e *Engine) ConfigurePolicy(ctx context.Context, organizationID string, s quota.Settings) (*quota.Policy, error) {
	ctx, cancel := context.WithTimeout(ctx, e.StoreTimeout)
	defer cancel()

	sub, err := e.Subscriptions.Get(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, ErrUnknownOrganization
	}
	p, err := e.Quota.Configure(ctx, organizationID, s)
	if err != nil {
		return nil, err
	}
	if p == nil {
		// lost a race with a concurrent writer
		return e.Quota.Get(ctx, organizationID)
	}
	return p, nil
}
