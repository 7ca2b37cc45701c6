package notification

import (
	"encoding/json"
	"time"

	"github.com/zllovesuki/metering/spec"
	"github.com/zllovesuki/metering/usage"

	extErrors "github.com/pkg/errors"
	"google.golang.org/protobuf/types/known/structpb"
)

// LedgerSnapshot is the ledger state an alert was decided on
type LedgerSnapshot struct {
	LedgerID             string    `json:"ledgerId"`
	PeriodStart          time.Time `json:"periodStart"`
	PeriodEnd            time.Time `json:"periodEnd"`
	TotalCalls           int64     `json:"totalCalls"`
	IncludedCalls        int64     `json:"includedCalls"`
	OverageCalls         int64     `json:"overageCalls"`
	PercentUsed          float64   `json:"percentUsed"`
	EstimatedOverageCost string    `json:"estimatedOverageCost"`
	Currency             string    `json:"currency"`
}

// Snapshot copies the fields of a ledger that go into a notification
func Snapshot(l usage.Ledger) *LedgerSnapshot {
	return &LedgerSnapshot{
		LedgerID:             l.ID,
		PeriodStart:          l.PeriodStart,
		PeriodEnd:            l.PeriodEnd,
		TotalCalls:           l.TotalCalls,
		IncludedCalls:        l.IncludedCalls,
		OverageCalls:         l.OverageCalls,
		PercentUsed:          l.PercentUsed(),
		EstimatedOverageCost: l.EstimatedOverageCost.StringFixed(spec.MinorUnits(l.Currency)),
		Currency:             l.Currency,
	}
}

// InvoiceSnapshot describes the invoice a payment failed on
type InvoiceSnapshot struct {
	InvoiceID        string `json:"invoiceId"`
	AmountDueCents   int64  `json:"amountDueCents"`
	Currency         string `json:"currency"`
	HostedInvoiceURL string `json:"hostedInvoiceUrl"`
}

// Notification is what the core decides to tell an organization. Delivery is someone else's job
type Notification struct {
	ID             string           `json:"id"`
	OrganizationID string           `json:"organizationId"`
	AlertType      spec.AlertType   `json:"alertType"`
	Ledger         *LedgerSnapshot  `json:"ledger,omitempty"`
	Invoice        *InvoiceSnapshot `json:"invoice,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`
}

// ToProto encodes the notification for the message broker
func (n *Notification) ToProto() (*structpb.Struct, error) {
	b, err := json.Marshal(n)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot encode notification")
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, extErrors.Wrap(err, "Cannot encode notification")
	}
	return structpb.NewStruct(m)
}

// FromProto decodes a notification received from the message broker
func FromProto(pb *structpb.Struct) (*Notification, error) {
	if pb == nil {
		return nil, extErrors.New("nil notification")
	}
	b, err := json.Marshal(pb.AsMap())
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot decode notification")
	}
	var n Notification
	if err := json.Unmarshal(b, &n); err != nil {
		return nil, extErrors.Wrap(err, "Cannot decode notification")
	}
	if n.OrganizationID == "" || n.AlertType == "" {
		return nil, extErrors.New("notification is missing organization or alert type")
	}
	return &n, nil
}
