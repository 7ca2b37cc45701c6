package customer

import (
	"context"
	"errors"
	"fmt"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ManagerOptions struct {
	DB     *gorm.DB
	Logger *zap.Logger
}

// Manager handles the database operations relating to Customers
type Manager struct {
	ManagerOptions
}

// NewManager returns a new Manager for customers
func NewManager(option ManagerOptions) (*Manager, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if err := option.DB.AutoMigrate(&Customer{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initilize customer.Manager")
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

// Upsert creates the customer or updates its organization. Empty email and company name
// never overwrite what we already know
func (m *Manager) Upsert(ctx context.Context, cust *Customer) error {
	if cust == nil || cust.ID == "" {
		return fmt.Errorf("customer id is required")
	}
	if cust.OrganizationID == "" {
		return fmt.Errorf("organization id is required")
	}
	updates := []string{"organization_id", "updated_at"}
	if cust.BillingEmail != "" {
		updates = append(updates, "billing_email")
	}
	if cust.CompanyName != "" {
		updates = append(updates, "company_name")
	}
	result := m.DB.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns(updates),
		}).
		Create(cust)
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.String("CustomerID", cust.ID),
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot upsert customer")
	}
	return nil
}

// GetByID will try to return the customer in the database by id
func (m *Manager) GetByID(ctx context.Context, id string) (*Customer, error) {
	var cust Customer

	result := m.DB.WithContext(ctx).First(&cust, "id = ?", id)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get customer by id")
	}

	return &cust, nil
}

// GetByOrganization will try to return the most recently updated customer of an organization
func (m *Manager) GetByOrganization(ctx context.Context, organizationID string) (*Customer, error) {
	var cust Customer

	result := m.DB.WithContext(ctx).
		Where("organization_id = ?", organizationID).
		Order("updated_at desc").
		First(&cust)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get customer by organization")
	}

	return &cust, nil
}
