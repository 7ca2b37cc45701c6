package usage

import (
	"fmt"
	"strconv"
	"time"

	"github.com/zllovesuki/metering/spec"

	"github.com/shopspring/decimal"
)

// Ledger holds the usage counters of one organization for one billing period. The plan terms
// are copied in when the period is opened so a closed period never changes meaning
type Ledger struct {
	ID                   string          `json:"id" gorm:"primaryKey"`
	OrganizationID       string          `json:"organizationId" gorm:"uniqueIndex:idx_ledger_org_period;not null"`
	PeriodStart          time.Time       `json:"periodStart" gorm:"uniqueIndex:idx_ledger_org_period;not null"`
	PeriodEnd            time.Time       `json:"periodEnd" gorm:"not null"`
	IncludedCalls        int64           `json:"includedCalls" gorm:"not null"`
	OverageRate          decimal.Decimal `json:"overageRate" gorm:"type:numeric(20,8)"`
	Currency             string          `json:"currency"`
	TotalCalls           int64           `json:"totalCalls" gorm:"not null"`
	IncludedCallsUsed    int64           `json:"includedCallsUsed" gorm:"not null"`
	OverageCalls         int64           `json:"overageCalls" gorm:"not null"`
	EstimatedOverageCost decimal.Decimal `json:"estimatedOverageCost" gorm:"type:numeric(20,8)"`
	Version              int64           `json:"version" gorm:"not null"`
	CreatedAt            time.Time       `json:"createdAt"`
	UpdatedAt            time.Time       `json:"updatedAt"`
}

// LedgerID is deterministic so that opening the same period twice is a no-op
func LedgerID(organizationID string, periodStart time.Time) string {
	return organizationID + ":" + strconv.FormatInt(periodStart.Unix(), 10)
}

// Cost returns overage x rate rounded half away from zero to the currency's minor unit
func Cost(overageCalls int64, rate decimal.Decimal, currency string) decimal.Decimal {
	return decimal.NewFromInt(overageCalls).Mul(rate).Round(spec.MinorUnits(currency))
}

// Add returns the ledger after accepting count more calls
func (l Ledger) Add(count int64) Ledger {
	next := l
	next.TotalCalls = l.TotalCalls + count
	next.IncludedCallsUsed = min(next.TotalCalls, l.IncludedCalls)
	next.OverageCalls = max(0, next.TotalCalls-l.IncludedCalls)
	next.EstimatedOverageCost = Cost(next.OverageCalls, l.OverageRate, l.Currency)
	return next
}

// Terms are the plan terms a ledger is billed under
type Terms struct {
	IncludedCalls int64
	OverageRate   decimal.Decimal
	Currency      string
}

// Same reports whether both describe the same terms
func (t Terms) Same(o Terms) bool {
	return t.IncludedCalls == o.IncludedCalls && t.OverageRate.Equal(o.OverageRate) && t.Currency == o.Currency
}

// Terms returns the plan terms copied into the ledger
func (l Ledger) Terms() Terms {
	return Terms{IncludedCalls: l.IncludedCalls, OverageRate: l.OverageRate, Currency: l.Currency}
}

// WithTerms returns the ledger rebilled under t. The total is kept, the split between
// included and overage calls and the cost follow the new terms
func (l Ledger) WithTerms(t Terms) Ledger {
	next := l
	next.IncludedCalls = t.IncludedCalls
	next.OverageRate = t.OverageRate
	next.Currency = t.Currency
	return next.Add(0)
}

// ExceedsSoftCap reports whether accepting count more calls would go beyond the soft cap
func (l Ledger) ExceedsSoftCap(count int64) bool {
	projected := l.TotalCalls + count
	return projected*spec.SoftCapDenominator > l.IncludedCalls*spec.SoftCapNumerator
}

// Reached reports whether usage is at or above percent of the included calls. Exact, no rounding
func (l Ledger) Reached(percent int64) bool {
	if l.IncludedCalls <= 0 {
		return l.TotalCalls > 0
	}
	return l.TotalCalls*100 >= percent*l.IncludedCalls
}

// PercentUsed is total / included as a percentage rounded to two decimals
func (l Ledger) PercentUsed() float64 {
	if l.IncludedCalls <= 0 {
		if l.TotalCalls > 0 {
			return 100
		}
		return 0
	}
	return decimal.NewFromInt(l.TotalCalls).
		Mul(decimal.NewFromInt(100)).
		Div(decimal.NewFromInt(l.IncludedCalls)).
		Round(2).
		InexactFloat64()
}

// DaysRemaining is the number of started days left in the period
func (l Ledger) DaysRemaining(now time.Time) int {
	left := l.PeriodEnd.Sub(now)
	if left <= 0 {
		return 0
	}
	days := int(left / (24 * time.Hour))
	if left%(24*time.Hour) != 0 {
		days++
	}
	return days
}

// Contains reports whether t falls in the ledger's period
func (l Ledger) Contains(t time.Time) bool {
	return !t.Before(l.PeriodStart) && t.Before(l.PeriodEnd)
}

// Receipt remembers the result of a metering call made with an idempotency key
type Receipt struct {
	OrganizationID       string          `gorm:"primaryKey"`
	IdempotencyKey       string          `gorm:"primaryKey"`
	LedgerID             string          `gorm:"not null"`
	Count                int64           `gorm:"not null"`
	TotalCalls           int64           `gorm:"not null"`
	IncludedCalls        int64           `gorm:"not null"`
	OverageCalls         int64           `gorm:"not null"`
	EstimatedOverageCost decimal.Decimal `gorm:"type:numeric(20,8)"`
	CreatedAt            time.Time
}

// QuotaExceededError is returned when a block_immediately policy rejects an increment
type QuotaExceededError struct {
	Current  int64
	Limit    int64
	Included int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded: %d calls would exceed the limit of %d (%d included)", e.Current, e.Limit, e.Included)
}

func (e *QuotaExceededError) Is(target error) bool {
	return target == ErrQuotaExceeded
}
