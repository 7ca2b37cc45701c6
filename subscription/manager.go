package subscription

import (
	"context"
	"errors"
	"fmt"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ManagerOptions struct {
	DB     *gorm.DB
	Logger *zap.Logger
}

// Manager handles the database operations relating to Subscriptions, their revisions and invoices
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
	if err := option.DB.AutoMigrate(&Subscription{}, &Revision{}, &Invoice{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initilize subscription.Manager")
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

// Get returns the current subscription of an organization, or nil
func (m *Manager) Get(ctx context.Context, organizationID string) (*Subscription, error) {
	return m.first(ctx, m.DB.WithContext(ctx), "organization_id = ?", organizationID)
}

// GetForUpdate is Get with the row locked until the surrounding transaction ends
func (m *Manager) GetForUpdate(ctx context.Context, organizationID string) (*Subscription, error) {
	tx := m.DB.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"})
	return m.first(ctx, tx, "organization_id = ?", organizationID)
}

// GetByProcessorID returns the subscription with the given processor subscription id, or nil.
// The row is locked until the surrounding transaction ends
func (m *Manager) GetByProcessorID(ctx context.Context, processorSubscriptionID string) (*Subscription, error) {
	tx := m.DB.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"})
	return m.first(ctx, tx, "processor_subscription_id = ?", processorSubscriptionID)
}

func (m *Manager) first(ctx context.Context, tx *gorm.DB, query string, arg string) (*Subscription, error) {
	var sub Subscription

	result := tx.Where(query, arg).First(&sub)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get subscription")
	}

	return &sub, nil
}

// Put writes the new state of a subscription and appends a Revision. before is nil when
// the organization has no subscription yet
func (m *Manager) Put(ctx context.Context, eventID string, before, after *Subscription) error {
	if after == nil || after.OrganizationID == "" {
		return fmt.Errorf("subscription with organization id is required")
	}
	tx := m.DB.WithContext(ctx)

	var result *gorm.DB
	if before == nil {
		result = tx.Create(after)
	} else {
		result = tx.Save(after)
	}
	if result.Error != nil {
		m.Logger.Error("Unable to write subscription in database",
			zap.String("OrganizationID", after.OrganizationID),
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot write subscription")
	}

	rev := &Revision{
		OrganizationID: after.OrganizationID,
		EventID:        eventID,
		Before:         datatypes.NewJSONType(before),
		After:          datatypes.NewJSONType(after),
	}
	if err := tx.Create(rev).Error; err != nil {
		m.Logger.Error("Unable to append subscription revision",
			zap.String("OrganizationID", after.OrganizationID),
			zap.Error(err),
		)
		return extErrors.Wrap(err, "Cannot append subscription revision")
	}
	return nil
}

// ListRevisions returns the history of an organization's subscription, oldest first
func (m *Manager) ListRevisions(ctx context.Context, organizationID string) ([]Revision, error) {
	results := make([]Revision, 0, 2)
	result := m.DB.WithContext(ctx).
		Where("organization_id = ?", organizationID).
		Order("id asc").
		Find(&results)
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot list subscription revisions")
	}
	return results, nil
}

// UpsertInvoice creates or refreshes the mirror of a processor invoice
func (m *Manager) UpsertInvoice(ctx context.Context, inv *Invoice) error {
	if inv == nil || inv.ID == "" {
		return fmt.Errorf("invoice id is required")
	}
	result := m.DB.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"organization_id",
				"status",
				"amount_due_cents",
				"amount_paid_cents",
				"hosted_invoice_url",
				"invoice_pdf_url",
				"finalized_at",
				"paid_at",
				"updated_at",
			}),
		}).
		Create(inv)
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.String("InvoiceID", inv.ID),
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot upsert invoice")
	}
	return nil
}

// GetInvoice returns the mirrored invoice, or nil
func (m *Manager) GetInvoice(ctx context.Context, id string) (*Invoice, error) {
	var inv Invoice

	result := m.DB.WithContext(ctx).First(&inv, "id = ?", id)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get invoice by id")
	}

	return &inv, nil
}
