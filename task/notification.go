package task

import (
	"context"
	"fmt"

	"github.com/zllovesuki/metering/customer"
	"github.com/zllovesuki/metering/metrics"
	"github.com/zllovesuki/metering/notification"
	"github.com/zllovesuki/metering/spec"
	"github.com/zllovesuki/metering/spec/broker"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"
)

// Sender delivers a notification to a recipient. *mailer.Mailer satisfies it
type Sender interface {
	Send(ctx context.Context, n *notification.Notification, to string) error
}

type NotificationOptions struct {
	Consumer        broker.Consumer
	CustomerManager *customer.Manager
	Sender          Sender
	Logger          *zap.Logger
}

// NotificationTask consumes notifications from the broker and mails them to the
// organization's billing contact
type NotificationTask struct {
	NotificationOptions
}

// RoutingKeys are the alert types the worker subscribes to
var RoutingKeys = []string{
	string(spec.AlertUsage70),
	string(spec.AlertUsage90),
	string(spec.AlertUsage100),
	string(spec.AlertPaymentFailed),
}

func NewNotificationTask(option NotificationOptions) (*NotificationTask, error) {
	if option.Consumer == nil {
		return nil, fmt.Errorf("nil Consumer is invalid")
	}
	if option.CustomerManager == nil {
		return nil, fmt.Errorf("nil CustomerManager is invalid")
	}
	if option.Sender == nil {
		return nil, fmt.Errorf("nil Sender is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &NotificationTask{
		NotificationOptions: option,
	}, nil
}

// Deliver looks up the billing email of the organization and sends the notification.
// An organization without a customer record is left to the sender's fallback recipient
func (t *NotificationTask) Deliver(ctx context.Context, n *notification.Notification) error {
	var to string
	cust, err := t.CustomerManager.GetByOrganization(ctx, n.OrganizationID)
	if err != nil {
		return extErrors.Wrap(err, "Cannot lookup billing contact")
	}
	if cust != nil {
		to = cust.BillingEmail
	}
	return t.Sender.Send(ctx, n, to)
}

func (t *NotificationTask) handle(ctx context.Context, pb *structpb.Struct) {
	n, err := notification.FromProto(pb)
	if err != nil {
		metrics.NotificationFailuresTotal.WithLabelValues("decode").Inc()
		t.Logger.Error("Cannot decode notification",
			zap.Error(err),
		)
		return
	}
	if err := t.Deliver(ctx, n); err != nil {
		metrics.NotificationFailuresTotal.WithLabelValues("deliver").Inc()
		t.Logger.Error("Cannot deliver notification",
			zap.String("NotificationID", n.ID),
			zap.String("OrganizationID", n.OrganizationID),
			zap.String("AlertType", string(n.AlertType)),
			zap.Error(err),
		)
	}
}

// Run consumes notifications until the context is cancelled or the broker closes the channel
func (t *NotificationTask) Run(ctx context.Context) error {
	nChan, err := t.Consumer.ReceiveNotifications(ctx, RoutingKeys...)
	if err != nil {
		return extErrors.Wrap(err, "Cannot get notification channel")
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case pb, ok := <-nChan:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return extErrors.New("Notification channel closed")
			}
			t.handle(ctx, pb)
		}
	}
}
