package protocol

import (
	"encoding/json"
	"strings"
	"time"
)

// Ref is an expandable reference. The processor sends either the bare id or the expanded object
type Ref string

func (r *Ref) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var id string
		if err := json.Unmarshal(b, &id); err != nil {
			return err
		}
		*r = Ref(id)
		return nil
	}
	if string(b) == "null" {
		*r = ""
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*r = Ref(obj.ID)
	return nil
}

func (r Ref) String() string {
	return strings.TrimSpace(string(r))
}

// CheckoutSession is a minimal representation of a completed checkout session
type CheckoutSession struct {
	ID              string `json:"id"`
	Mode            string `json:"mode"`
	Customer        Ref    `json:"customer"`
	Subscription    Ref    `json:"subscription"`
	CustomerEmail   string `json:"customer_email"`
	CustomerDetails struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	} `json:"customer_details"`
	Metadata map[string]string `json:"metadata"`
}

// Email returns the best known billing email of the checkout
func (c *CheckoutSession) Email() string {
	if email := strings.TrimSpace(c.CustomerDetails.Email); email != "" {
		return email
	}
	return strings.TrimSpace(c.CustomerEmail)
}

// Product is the product attached to a price. Unexpanded products carry only the id
type Product struct {
	ID       string            `json:"id"`
	Metadata map[string]string `json:"metadata"`
}

func (p *Product) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		return json.Unmarshal(b, &p.ID)
	}
	if string(b) == "null" {
		return nil
	}
	type plain Product
	var v plain
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*p = Product(v)
	return nil
}

type Price struct {
	ID       string            `json:"id"`
	Currency string            `json:"currency"`
	Metadata map[string]string `json:"metadata"`
	Product  Product           `json:"product"`
}

type SubscriptionItem struct {
	ID                 string `json:"id"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
	Price              Price  `json:"price"`
}

// Subscription is a minimal representation of a processor subscription
type Subscription struct {
	ID                 string `json:"id"`
	Customer           Ref    `json:"customer"`
	Status             string `json:"status"`
	Currency           string `json:"currency"`
	CancelAtPeriodEnd  bool   `json:"cancel_at_period_end"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
	Items              struct {
		Data []SubscriptionItem `json:"data"`
	} `json:"items"`
	Metadata map[string]string `json:"metadata"`
}

// FirstPriceID returns the price ID from the first subscription item.
func (s *Subscription) FirstPriceID() string {
	for _, item := range s.Items.Data {
		if priceID := strings.TrimSpace(item.Price.ID); priceID != "" {
			return priceID
		}
	}
	return ""
}

// FirstProduct returns the product of the first subscription item
func (s *Subscription) FirstProduct() Product {
	for _, item := range s.Items.Data {
		if item.Price.ID != "" {
			return item.Price.Product
		}
	}
	return Product{}
}

// Period returns the current billing period. Newer API versions only report it on the items
func (s *Subscription) Period() (start time.Time, end time.Time) {
	startUnix, endUnix := s.CurrentPeriodStart, s.CurrentPeriodEnd
	if startUnix == 0 || endUnix == 0 {
		for _, item := range s.Items.Data {
			if item.CurrentPeriodStart != 0 && item.CurrentPeriodEnd != 0 {
				startUnix, endUnix = item.CurrentPeriodStart, item.CurrentPeriodEnd
				break
			}
		}
	}
	if startUnix == 0 || endUnix == 0 {
		return time.Time{}, time.Time{}
	}
	return time.Unix(startUnix, 0).UTC(), time.Unix(endUnix, 0).UTC()
}

// PriceCurrency returns the currency of the subscription, falling back to the first price
func (s *Subscription) PriceCurrency() string {
	if s.Currency != "" {
		return strings.ToLower(s.Currency)
	}
	for _, item := range s.Items.Data {
		if item.Price.Currency != "" {
			return strings.ToLower(item.Price.Currency)
		}
	}
	return ""
}

// Invoice is a minimal representation of a processor invoice
type Invoice struct {
	ID                string `json:"id"`
	Customer          Ref    `json:"customer"`
	Subscription      Ref    `json:"subscription"`
	Status            string `json:"status"`
	Currency          string `json:"currency"`
	AmountDue         int64  `json:"amount_due"`
	AmountPaid        int64  `json:"amount_paid"`
	HostedInvoiceURL  string `json:"hosted_invoice_url"`
	InvoicePDF        string `json:"invoice_pdf"`
	PeriodStart       int64  `json:"period_start"`
	PeriodEnd         int64  `json:"period_end"`
	StatusTransitions struct {
		FinalizedAt int64 `json:"finalized_at"`
		PaidAt      int64 `json:"paid_at"`
	} `json:"status_transitions"`
	// Newer API versions moved the subscription reference under parent
	Parent struct {
		SubscriptionDetails struct {
			Subscription Ref `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

// SubscriptionID returns the subscription this invoice belongs to, if any
func (i *Invoice) SubscriptionID() string {
	if id := i.Subscription.String(); id != "" {
		return id
	}
	return i.Parent.SubscriptionDetails.Subscription.String()
}

// UnixTime converts an optional unix timestamp
func UnixTime(v int64) *time.Time {
	if v == 0 {
		return nil
	}
	t := time.Unix(v, 0).UTC()
	return &t
}
