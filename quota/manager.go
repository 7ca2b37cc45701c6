package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zllovesuki/metering/usage"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ManagerOptions struct {
	DB     *gorm.DB
	Logger *zap.Logger
}

// Manager handles the database operations relating to Policies
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
	if err := option.DB.AutoMigrate(&Policy{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initilize quota.Manager")
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

// Ensure creates the default policy for the organization unless one exists
func (m *Manager) Ensure(ctx context.Context, organizationID string) error {
	p := DefaultPolicy(organizationID)
	result := m.DB.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "organization_id"}},
			DoNothing: true,
		}).
		Create(&p)
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.String("OrganizationID", organizationID),
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot ensure quota policy")
	}
	return nil
}

// Get returns the stored policy of an organization, or the default policy if none was stored
func (m *Manager) Get(ctx context.Context, organizationID string) (*Policy, error) {
	var p Policy

	result := m.DB.WithContext(ctx).First(&p, "organization_id = ?", organizationID)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		p = DefaultPolicy(organizationID)
		return &p, nil
	}

	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get quota policy")
	}

	return &p, nil
}

// LambdaUpdateFunc is used when transaction is required for update. Return value determines if Manager should commit the changes.
// current is nil if no Policy was stored yet, in which case desired starts as the DefaultPolicy
type LambdaUpdateFunc func(current *Policy, desired *Policy) (shouldSave bool)

// LambdaUpdate will perform a transactional update based on the lambda function. If the lambda signals shouldSave AND update was successful, it will return the new state.
// The selected Policy will be locked with FOR UPDATE, and the write only applies to the version that was read
func (m *Manager) LambdaUpdate(ctx context.Context, organizationID string, lambda LambdaUpdateFunc) (*Policy, error) {
	var desired Policy
	var shouldReturn bool
	err := m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current Policy
		lookupRes := tx.
			Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&current, "organization_id = ?", organizationID)
		if errors.Is(lookupRes.Error, gorm.ErrRecordNotFound) {
			desired = DefaultPolicy(organizationID)
			if !lambda(nil, &desired) {
				return nil
			}
			desired.OrganizationID = organizationID
			desired.Version = 1
			if createRes := tx.Create(&desired); createRes.Error != nil {
				return createRes.Error
			}
			shouldReturn = true
			return nil
		}
		if lookupRes.Error != nil {
			return lookupRes.Error
		}
		desired = current
		if !lambda(&current, &desired) {
			return nil
		}
		desired.OrganizationID = organizationID
		desired.Version = current.Version + 1
		saveRes := tx.Model(&Policy{}).
			Where("organization_id = ? AND version = ?", organizationID, current.Version).
			Select("*").
			Omit("created_at").
			Updates(&desired)
		if saveRes.Error != nil {
			return saveRes.Error
		}
		if saveRes.RowsAffected == 0 {
			m.Logger.Warn("Quota policy changed concurrently, discarding update",
				zap.String("OrganizationID", organizationID),
			)
			return nil
		}
		shouldReturn = true
		return nil
	})
	if err != nil {
		// transaction failed, return nil new state
		m.Logger.Error("Unable to update quota policy",
			zap.String("OrganizationID", organizationID),
			zap.Error(err),
		)
		return nil, extErrors.Wrap(err, "Cannot update quota policy")
	}
	if !shouldReturn {
		// shouldSave == false, return nil new state
		return nil, nil
	}
	// transaction succeed and shouldSave == true, return new state
	return &desired, nil
}

// Settings is a partial update of the configurable part of a Policy
type Settings struct {
	Alert70Enabled  *bool
	Alert90Enabled  *bool
	Alert100Enabled *bool
	DunningBehavior *DunningBehavior
}

// Configure applies the settings, creating the policy if needed. Alert state is left alone
func (m *Manager) Configure(ctx context.Context, organizationID string, s Settings) (*Policy, error) {
	if s.DunningBehavior != nil && !s.DunningBehavior.Valid() {
		return nil, fmt.Errorf("invalid dunning behavior %q", *s.DunningBehavior)
	}
	return m.LambdaUpdate(ctx, organizationID, func(current, desired *Policy) bool {
		if s.Alert70Enabled != nil {
			desired.Alert70Enabled = *s.Alert70Enabled
		}
		if s.Alert90Enabled != nil {
			desired.Alert90Enabled = *s.Alert90Enabled
		}
		if s.Alert100Enabled != nil {
			desired.Alert100Enabled = *s.Alert100Enabled
		}
		if s.DunningBehavior != nil {
			desired.DunningBehavior = *s.DunningBehavior
		}
		return true
	})
}

// Claim records that the tier fired for the ledger. The decision is re-evaluated against the
// locked row so concurrent callers crossing the same threshold get exactly one winner.
// A nil Policy means the claim was lost and no alert must be sent
func (m *Manager) Claim(ctx context.Context, l usage.Ledger, now time.Time) (Tier, *Policy, error) {
	var claimed Tier
	p, err := m.LambdaUpdate(ctx, l.OrganizationID, func(current, desired *Policy) bool {
		tier, fire := desired.Evaluate(l, now)
		if !fire {
			return false
		}
		sentAt := now
		desired.LastAlertTier = tier
		desired.LastAlertPeriod = l.ID
		desired.LastAlertSentAt = &sentAt
		claimed = tier
		return true
	})
	if err != nil || p == nil {
		return TierNone, nil, err
	}
	return claimed, p, nil
}
