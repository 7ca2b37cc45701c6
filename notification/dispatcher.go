package notification

import (
	"context"
	"fmt"

	"github.com/zllovesuki/metering/spec/broker"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

// Dispatcher hands notifications over for delivery. Implementations must not block on delivery
type Dispatcher interface {
	Dispatch(ctx context.Context, n *Notification) error
}

type BrokerDispatcherOptions struct {
	Producer broker.Producer
	Logger   *zap.Logger
}

// BrokerDispatcher publishes notifications to the message broker, routed by alert type
type BrokerDispatcher struct {
	BrokerDispatcherOptions
}

func NewBrokerDispatcher(option BrokerDispatcherOptions) (*BrokerDispatcher, error) {
	if option.Producer == nil {
		return nil, fmt.Errorf("nil Producer is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &BrokerDispatcher{
		BrokerDispatcherOptions: option,
	}, nil
}

func (d *BrokerDispatcher) Dispatch(ctx context.Context, n *Notification) error {
	pb, err := n.ToProto()
	if err != nil {
		return err
	}
	if err := d.Producer.SendNotification(string(n.AlertType), pb); err != nil {
		return extErrors.Wrap(err, "Cannot publish notification")
	}
	d.Logger.Debug("Notification published",
		zap.String("OrganizationID", n.OrganizationID),
		zap.String("AlertType", string(n.AlertType)),
	)
	return nil
}

// LogDispatcher only logs notifications. Used when no broker is configured
type LogDispatcher struct {
	Logger *zap.Logger
}

func (d *LogDispatcher) Dispatch(ctx context.Context, n *Notification) error {
	d.Logger.Info("Notification",
		zap.String("OrganizationID", n.OrganizationID),
		zap.String("AlertType", string(n.AlertType)),
	)
	return nil
}
