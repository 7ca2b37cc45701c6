package usage

import (
	"context"
	"errors"
	"fmt"

	"github.com/zllovesuki/metering/spec"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrLedgerNotFound means no ledger was opened for the period. Ledgers are only opened by
	// lifecycle events, never on demand
	ErrLedgerNotFound = errors.New("usage ledger not found")
	// ErrQuotaExceeded matches any *QuotaExceededError
	ErrQuotaExceeded = errors.New("quota exceeded")
	// ErrInvalidCount is returned for counts outside 1..MaxMeterCount
	ErrInvalidCount = errors.New("invalid count")
	// ErrIdempotencyConflict means the idempotency key was already used with a different count
	ErrIdempotencyConflict = errors.New("idempotency key reused with a different count")
	// ErrContention means the version check kept failing, the caller may retry
	ErrContention = errors.New("ledger contention")

	errVersionConflict = errors.New("version conflict")
)

const maxIncrementAttempts = 5

type ManagerOptions struct {
	DB     *gorm.DB
	Logger *zap.Logger
}

// Manager handles the database operations relating to usage Ledgers
type Manager struct {
	ManagerOptions
}

func NewManager(option ManagerOptions) (*Manager, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if err := option.DB.AutoMigrate(&Ledger{}, &Receipt{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initilize usage.Manager")
	}
	return &Manager{
		ManagerOptions: option,
	}, nil
}

// WithTx returns a Manager bound to the given transaction
func (m *Manager) WithTx(tx *gorm.DB) *Manager {
	c := *m
	c.DB = tx
	return &c
}

// OpenPeriod creates a zeroed ledger for the period. Opening an existing period leaves it untouched
func (m *Manager) OpenPeriod(ctx context.Context, l *Ledger) (bool, error) {
	if l == nil || l.OrganizationID == "" || l.PeriodStart.IsZero() {
		return false, fmt.Errorf("ledger with organization and period is required")
	}
	l.ID = LedgerID(l.OrganizationID, l.PeriodStart)
	l.TotalCalls = 0
	l.IncludedCallsUsed = 0
	l.OverageCalls = 0
	l.EstimatedOverageCost = Cost(0, l.OverageRate, l.Currency)
	l.Version = 0

	result := m.DB.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoNothing: true,
		}).
		Create(l)
	if result.Error != nil {
		m.Logger.Error("Unable to open usage period in database",
			zap.String("LedgerID", l.ID),
			zap.Error(result.Error),
		)
		return false, extErrors.Wrap(result.Error, "Cannot open usage period")
	}
	return result.RowsAffected > 0, nil
}

// GetByID returns the ledger, or nil
func (m *Manager) GetByID(ctx context.Context, id string) (*Ledger, error) {
	var l Ledger

	result := m.DB.WithContext(ctx).First(&l, "id = ?", id)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get ledger by id")
	}

	return &l, nil
}

// List returns the ledgers of an organization, most recent period first
func (m *Manager) List(ctx context.Context, organizationID string, limit int) ([]Ledger, error) {
	baseQuery := m.DB.WithContext(ctx).
		Where("organization_id = ?", organizationID).
		Order("period_start desc")
	if limit > 0 {
		baseQuery = baseQuery.Limit(limit)
	}
	results := make([]Ledger, 0, 1)
	if err := baseQuery.Find(&results).Error; err != nil {
		m.Logger.Error("Database returned error",
			zap.Error(err),
		)
		return nil, extErrors.Wrap(err, "Cannot list ledgers")
	}
	return results, nil
}

// IncrementOptions specifies which ledger to increment and by how much
type IncrementOptions struct {
	LedgerID       string
	OrganizationID string
	Count          int64
	// IdempotencyKey is optional. A repeated key returns the first result without incrementing
	IdempotencyKey string
	// Block rejects the increment if it would go beyond the soft cap
	Block bool
}

// IncrementResult is the ledger state after an increment
type IncrementResult struct {
	Ledger   Ledger
	Previous Ledger
	Replayed bool
}

// Increment atomically adds Count to the ledger. The row is locked for the duration of the
// transaction and the write is conditional on the version read, so no two writers can apply
// on top of the same state
func (m *Manager) Increment(ctx context.Context, opt IncrementOptions) (*IncrementResult, error) {
	if opt.Count < 1 || opt.Count > spec.MaxMeterCount {
		return nil, ErrInvalidCount
	}
	if opt.LedgerID == "" || opt.OrganizationID == "" {
		return nil, fmt.Errorf("IncrementOptions.LedgerID and OrganizationID are required")
	}
	for attempt := 1; attempt <= maxIncrementAttempts; attempt++ {
		res, err := m.tryIncrement(ctx, opt)
		if errors.Is(err, errVersionConflict) {
			m.Logger.Debug("Ledger version conflict, retrying",
				zap.String("LedgerID", opt.LedgerID),
				zap.Int("Attempt", attempt),
			)
			continue
		}
		return res, err
	}
	return nil, ErrContention
}

func (m *Manager) tryIncrement(ctx context.Context, opt IncrementOptions) (*IncrementResult, error) {
	var res *IncrementResult
	err := m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current Ledger
		lookupRes := tx.
			Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&current, "id = ?", opt.LedgerID)
		if errors.Is(lookupRes.Error, gorm.ErrRecordNotFound) {
			return ErrLedgerNotFound
		}
		if lookupRes.Error != nil {
			return lookupRes.Error
		}

		if opt.IdempotencyKey != "" {
			var receipt Receipt
			receiptRes := tx.
				Where("organization_id = ? AND idempotency_key = ?", opt.OrganizationID, opt.IdempotencyKey).
				Limit(1).
				Find(&receipt)
			if receiptRes.Error != nil {
				return receiptRes.Error
			}
			if receiptRes.RowsAffected > 0 {
				if receipt.Count != opt.Count {
					return ErrIdempotencyConflict
				}
				res = &IncrementResult{
					Ledger:   receipt.toLedger(current),
					Previous: current,
					Replayed: true,
				}
				return nil
			}
		}

		if opt.Block && current.ExceedsSoftCap(opt.Count) {
			return &QuotaExceededError{
				Current:  current.TotalCalls + opt.Count,
				Limit:    current.IncludedCalls * spec.SoftCapNumerator / spec.SoftCapDenominator,
				Included: current.IncludedCalls,
			}
		}

		next := current.Add(opt.Count)
		next.Version = current.Version + 1
		updateRes := tx.Model(&Ledger{}).
			Where("id = ? AND version = ?", current.ID, current.Version).
			Updates(map[string]interface{}{
				"total_calls":            next.TotalCalls,
				"included_calls_used":    next.IncludedCallsUsed,
				"overage_calls":          next.OverageCalls,
				"estimated_overage_cost": next.EstimatedOverageCost,
				"version":                gorm.Expr("version + 1"),
			})
		if updateRes.Error != nil {
			return updateRes.Error
		}
		if updateRes.RowsAffected == 0 {
			return errVersionConflict
		}
		if updateRes.RowsAffected > 1 {
			m.Logger.Error("Ledger update affected more than 1 row",
				zap.String("LedgerID", current.ID),
			)
			// fail through
		}

		if opt.IdempotencyKey != "" {
			receipt := &Receipt{
				OrganizationID:       opt.OrganizationID,
				IdempotencyKey:       opt.IdempotencyKey,
				LedgerID:             current.ID,
				Count:                opt.Count,
				TotalCalls:           next.TotalCalls,
				IncludedCalls:        next.IncludedCalls,
				OverageCalls:         next.OverageCalls,
				EstimatedOverageCost: next.EstimatedOverageCost,
			}
			if err := tx.Create(receipt).Error; err != nil {
				return err
			}
		}

		res = &IncrementResult{
			Ledger:   next,
			Previous: current,
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrLedgerNotFound) || errors.Is(err, ErrQuotaExceeded) ||
			errors.Is(err, ErrIdempotencyConflict) || errors.Is(err, errVersionConflict) {
			return nil, err
		}
		m.Logger.Error("Unable to increment usage",
			zap.String("LedgerID", opt.LedgerID),
			zap.Error(err),
		)
		return nil, extErrors.Wrap(err, "Cannot increment usage")
	}
	return res, nil
}

// UpdateTerms rebills the ledger under new plan terms. It is meant for the open period only,
// ledgers of closed periods keep the terms they were opened with. The row is locked and the
// write is conditional on the version read, like Increment. Returns nil if there is no such ledger
func (m *Manager) UpdateTerms(ctx context.Context, id string, t Terms) (*Ledger, error) {
	if id == "" {
		return nil, fmt.Errorf("ledger id is required")
	}
	if t.IncludedCalls < 0 || t.OverageRate.IsNegative() {
		return nil, fmt.Errorf("invalid plan terms")
	}
	for attempt := 1; attempt <= maxIncrementAttempts; attempt++ {
		l, err := m.tryUpdateTerms(ctx, id, t)
		if errors.Is(err, errVersionConflict) {
			continue
		}
		return l, err
	}
	return nil, ErrContention
}

func (m *Manager) tryUpdateTerms(ctx context.Context, id string, t Terms) (*Ledger, error) {
	var updated *Ledger
	err := m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current Ledger
		lookupRes := tx.
			Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&current, "id = ?", id)
		if errors.Is(lookupRes.Error, gorm.ErrRecordNotFound) {
			return nil
		}
		if lookupRes.Error != nil {
			return lookupRes.Error
		}
		if current.Terms().Same(t) {
			updated = &current
			return nil
		}

		next := current.WithTerms(t)
		next.Version = current.Version + 1
		updateRes := tx.Model(&Ledger{}).
			Where("id = ? AND version = ?", current.ID, current.Version).
			Updates(map[string]interface{}{
				"included_calls":         next.IncludedCalls,
				"overage_rate":           next.OverageRate,
				"currency":               next.Currency,
				"included_calls_used":    next.IncludedCallsUsed,
				"overage_calls":          next.OverageCalls,
				"estimated_overage_cost": next.EstimatedOverageCost,
				"version":                gorm.Expr("version + 1"),
			})
		if updateRes.Error != nil {
			return updateRes.Error
		}
		if updateRes.RowsAffected == 0 {
			return errVersionConflict
		}
		updated = &next
		return nil
	})
	if err != nil {
		if errors.Is(err, errVersionConflict) {
			return nil, err
		}
		m.Logger.Error("Unable to update ledger terms",
			zap.String("LedgerID", id),
			zap.Error(err),
		)
		return nil, extErrors.Wrap(err, "Cannot update ledger terms")
	}
	return updated, nil
}

// toLedger rebuilds the ledger snapshot as it was when the receipt was written
func (r Receipt) toLedger(current Ledger) Ledger {
	l := current
	l.ID = r.LedgerID
	l.TotalCalls = r.TotalCalls
	l.IncludedCalls = r.IncludedCalls
	l.IncludedCallsUsed = min(r.TotalCalls, r.IncludedCalls)
	l.OverageCalls = r.OverageCalls
	l.EstimatedOverageCost = r.EstimatedOverageCost
	return l
}
