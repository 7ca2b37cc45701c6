package event

import (
	"context"
	"errors"
	"fmt"
	"time"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ManagerOptions struct {
	DB     *gorm.DB
	Logger *zap.Logger
}

// Manager handles the database operations relating to LifecycleEvents
type Manager struct {
	ManagerOptions
}

// NewManager returns a new Manager for lifecycle events
func NewManager(option ManagerOptions) (*Manager, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if err := option.DB.AutoMigrate(&LifecycleEvent{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initilize event.Manager")
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

// Record inserts the event unless its EventID was seen before. The insert is a single
// statement so concurrent deliveries of the same event cannot both observe Inserted
func (m *Manager) Record(ctx context.Context, e *LifecycleEvent) (Outcome, error) {
	if e == nil || e.EventID == "" {
		return 0, fmt.Errorf("event id is required")
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now().UTC()
	}
	result := m.DB.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "event_id"}},
			DoNothing: true,
		}).
		Create(e)
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.String("EventID", e.EventID),
			zap.Error(result.Error),
		)
		return 0, extErrors.Wrap(result.Error, "Cannot record lifecycle event")
	}
	if result.RowsAffected == 0 {
		return AlreadyProcessed, nil
	}
	return Inserted, nil
}

// GetByID will try to return the event by its processor id
func (m *Manager) GetByID(ctx context.Context, eventID string) (*LifecycleEvent, error) {
	var e LifecycleEvent

	result := m.DB.WithContext(ctx).First(&e, "event_id = ?", eventID)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get event by id")
	}

	return &e, nil
}

// Count returns the number of recorded events
func (m *Manager) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := m.DB.WithContext(ctx).Model(&LifecycleEvent{}).Count(&n).Error; err != nil {
		return 0, extErrors.Wrap(err, "Cannot count events")
	}
	return n, nil
}

// Purge deletes events received before the cutoff. The cutoff must be well past the
// processor's redelivery window, otherwise a late redelivery would be processed twice
func (m *Manager) Purge(ctx context.Context, before time.Time) (int64, error) {
	result := m.DB.WithContext(ctx).
		Where("received_at < ?", before).
		Delete(&LifecycleEvent{})
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return 0, extErrors.Wrap(result.Error, "Cannot purge events")
	}
	return result.RowsAffected, nil
}
