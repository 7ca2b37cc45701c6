package plan

import (
	"github.com/shopspring/decimal"
)

// Tier identifies a commercial plan
type Tier string

const (
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// Plan describes the terms a subscription is billed under
type Plan struct {
	Tier          Tier            `json:"tier"`
	IncludedCalls int64           `json:"includedCalls"`
	OverageRate   decimal.Decimal `json:"overageRate"` // per call, in the currency's major unit
	Currency      string          `json:"currency"`
}

// Price ids of the live catalog
const (
	ProPriceID        = "price_1SMhsZL4rhSbUSqA51lWvPlQ"
	EnterprisePriceID = "price_1SMhshL4rhSbUSqAyHfhWUSQ"
)

func defaultPlans() map[Tier]Plan {
	return map[Tier]Plan{
		TierPro: {
			Tier:          TierPro,
			IncludedCalls: 50000,
			OverageRate:   decimal.RequireFromString("0.001"),
			Currency:      "usd",
		},
		TierEnterprise: {
			Tier:          TierEnterprise,
			IncludedCalls: 500000,
			OverageRate:   decimal.RequireFromString("0.0005"),
			Currency:      "usd",
		},
	}
}

func defaultPrices() map[string]Tier {
	return map[string]Tier{
		ProPriceID:        TierPro,
		EnterprisePriceID: TierEnterprise,
	}
}
