package subscription

import (
	"time"

	"github.com/zllovesuki/metering/spec"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Subscription is the current commercial state of an organization. There is one row per
// organization, updated in place; every change is also appended to Revision
type Subscription struct {
	OrganizationID          string          `json:"organizationId" gorm:"primaryKey"`
	ProcessorSubscriptionID string          `json:"processorSubscriptionId" gorm:"uniqueIndex;not null"` // Corresponds to Stripe's subscription ID
	ProcessorCustomerID     string          `json:"processorCustomerId" gorm:"index"`                    // Corresponds to Stripe's customer ID and Customer.ID
	PlanTier                string          `json:"planTier" gorm:"not null"`
	Status                  Status          `json:"status" gorm:"not null"`
	PeriodStart             time.Time       `json:"periodStart"`
	PeriodEnd               time.Time       `json:"periodEnd"`
	IncludedCalls           int64           `json:"includedCalls"`
	OverageRate             decimal.Decimal `json:"overageRate" gorm:"type:numeric(20,8)"`
	Currency                string          `json:"currency"`
	Metadata                spec.Metadata   `json:"metadata"`
	CreatedAt               time.Time       `json:"createdAt"`
	UpdatedAt               time.Time       `json:"updatedAt"`
}

// Revision is an append only record of a subscription change
type Revision struct {
	ID             uint64                            `json:"id" gorm:"primaryKey;autoIncrement"`
	OrganizationID string                            `json:"organizationId" gorm:"index;not null"`
	EventID        string                            `json:"eventId" gorm:"index"` // Lifecycle event that caused the change
	Before         datatypes.JSONType[*Subscription] `json:"before"`
	After          datatypes.JSONType[*Subscription] `json:"after"`
	CreatedAt      time.Time                         `json:"createdAt"`
}

// Invoice is a read only mirror of a processor invoice
type Invoice struct {
	ID                      string     `json:"id" gorm:"primaryKey"` // Corresponds to Stripe's invoice ID
	OrganizationID          string     `json:"organizationId" gorm:"index;not null"`
	ProcessorCustomerID     string     `json:"processorCustomerId"`
	ProcessorSubscriptionID string     `json:"processorSubscriptionId" gorm:"index"`
	Status                  string     `json:"status"`
	Currency                string     `json:"currency"`
	AmountDueCents          int64      `json:"amountDueCents"`
	AmountPaidCents         int64      `json:"amountPaidCents"`
	HostedInvoiceURL        string     `json:"hostedInvoiceUrl"`
	InvoicePDFURL           string     `json:"invoicePdfUrl"`
	FinalizedAt             *time.Time `json:"finalizedAt"`
	PaidAt                  *time.Time `json:"paidAt"`
	PeriodStart             *time.Time `json:"periodStart"`
	PeriodEnd               *time.Time `json:"periodEnd"`
	CreatedAt               time.Time  `json:"createdAt"`
	UpdatedAt               time.Time  `json:"updatedAt"`
}
