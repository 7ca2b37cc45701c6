package customer

import "time"

// Customer maps a payment processor customer to the organization that owns it
type Customer struct {
	ID             string    `json:"id" gorm:"primaryKey"`                 // Corresponds to Stripe's customer ID
	OrganizationID string    `json:"organizationId" gorm:"index;not null"` // Organization that completed the checkout
	BillingEmail   string    `json:"billingEmail"`                         // Recipient of billing notifications
	CompanyName    string    `json:"companyName"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}
