package reconcile

import (
	"encoding/json"

	"github.com/zllovesuki/metering/spec/protocol"

	extErrors "github.com/pkg/errors"
)

// Processor event types that drive a transition
const (
	TypeCheckoutCompleted    = "checkout.session.completed"
	TypeSubscriptionCreated  = "customer.subscription.created"
	TypeSubscriptionUpdated  = "customer.subscription.updated"
	TypeSubscriptionDeleted  = "customer.subscription.deleted"
	TypeInvoicePaid          = "invoice.paid"
	TypeInvoicePaymentFailed = "invoice.payment_failed"
)

// Event is a lifecycle event decoded into the shape its transition needs
type Event interface {
	Type() string
}

type CheckoutCompleted struct {
	Session protocol.CheckoutSession
}

func (CheckoutCompleted) Type() string { return TypeCheckoutCompleted }

// SubscriptionUpdated covers both created and updated, they carry the same object
type SubscriptionUpdated struct {
	EventType    string
	Subscription protocol.Subscription
}

func (e SubscriptionUpdated) Type() string { return e.EventType }

type SubscriptionDeleted struct {
	Subscription protocol.Subscription
}

func (SubscriptionDeleted) Type() string { return TypeSubscriptionDeleted }

type InvoicePaid struct {
	Invoice protocol.Invoice
}

func (InvoicePaid) Type() string { return TypeInvoicePaid }

type InvoicePaymentFailed struct {
	Invoice protocol.Invoice
}

func (InvoicePaymentFailed) Type() string { return TypeInvoicePaymentFailed }

// Unhandled is recorded and acknowledged without a transition
type Unhandled struct {
	EventType string
}

func (e Unhandled) Type() string { return e.EventType }

// Decode turns the data.object of a processor event into an Event
func Decode(eventType string, object []byte) (Event, error) {
	switch eventType {
	case TypeCheckoutCompleted:
		var ev CheckoutCompleted
		if err := json.Unmarshal(object, &ev.Session); err != nil {
			return nil, extErrors.Wrap(err, "Cannot decode checkout session")
		}
		return ev, nil

	case TypeSubscriptionCreated, TypeSubscriptionUpdated:
		ev := SubscriptionUpdated{EventType: eventType}
		if err := json.Unmarshal(object, &ev.Subscription); err != nil {
			return nil, extErrors.Wrap(err, "Cannot decode subscription")
		}
		return ev, nil

	case TypeSubscriptionDeleted:
		var ev SubscriptionDeleted
		if err := json.Unmarshal(object, &ev.Subscription); err != nil {
			return nil, extErrors.Wrap(err, "Cannot decode subscription")
		}
		return ev, nil

	case TypeInvoicePaid:
		var ev InvoicePaid
		if err := json.Unmarshal(object, &ev.Invoice); err != nil {
			return nil, extErrors.Wrap(err, "Cannot decode invoice")
		}
		return ev, nil

	case TypeInvoicePaymentFailed:
		var ev InvoicePaymentFailed
		if err := json.Unmarshal(object, &ev.Invoice); err != nil {
			return nil, extErrors.Wrap(err, "Cannot decode invoice")
		}
		return ev, nil
	}
	return Unhandled{EventType: eventType}, nil
}
