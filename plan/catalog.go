package plan

import (
	"fmt"
	"os"
	"strings"

	"github.com/zllovesuki/metering/spec/protocol"

	extErrors "github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// tierMetadataKey is the product metadata key that overrides the price table
const tierMetadataKey = "tier"

// Catalog maps processor prices and product metadata to plans
type Catalog struct {
	plans    map[Tier]Plan
	prices   map[string]Tier
	fallback Tier
}

// DefaultCatalog returns the built in catalog. Unknown prices resolve to pro
func DefaultCatalog() *Catalog {
	return &Catalog{
		plans:    defaultPlans(),
		prices:   defaultPrices(),
		fallback: TierPro,
	}
}

type catalogFile struct {
	Default string              `yaml:"default"`
	Tiers   map[string]tierFile `yaml:"tiers"`
	Prices  map[string]string   `yaml:"prices"`
}

type tierFile struct {
	IncludedCalls int64  `yaml:"included_calls"`
	OverageRate   string `yaml:"overage_rate"`
	Currency      string `yaml:"currency"`
}

// LoadCatalog reads a YAML (or JSON) catalog from disk
func LoadCatalog(filename string) (*Catalog, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot open plan catalog file")
	}
	return ParseCatalog(b)
}

// ParseCatalog parses a YAML (or JSON) catalog definition. The default tier must be defined
func ParseCatalog(b []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, extErrors.Wrap(err, "Invalid plan catalog file")
	}
	if len(f.Tiers) == 0 {
		return nil, fmt.Errorf("plan catalog defines no tiers")
	}
	c := &Catalog{
		plans:  make(map[Tier]Plan, len(f.Tiers)),
		prices: make(map[string]Tier, len(f.Prices)),
	}
	for name, t := range f.Tiers {
		tier := normalizeTier(name)
		rate, err := decimal.NewFromString(t.OverageRate)
		if err != nil {
			return nil, extErrors.Wrapf(err, "Invalid overage_rate for tier %s", name)
		}
		if t.IncludedCalls < 0 || rate.IsNegative() {
			return nil, fmt.Errorf("tier %s has negative terms", name)
		}
		currency := strings.ToLower(t.Currency)
		if currency == "" {
			currency = "usd"
		}
		c.plans[tier] = Plan{
			Tier:          tier,
			IncludedCalls: t.IncludedCalls,
			OverageRate:   rate,
			Currency:      currency,
		}
	}
	for priceID, name := range f.Prices {
		tier := normalizeTier(name)
		if _, ok := c.plans[tier]; !ok {
			return nil, fmt.Errorf("price %s references undefined tier %s", priceID, name)
		}
		c.prices[priceID] = tier
	}
	c.fallback = normalizeTier(f.Default)
	if c.fallback == "" {
		c.fallback = TierPro
	}
	if _, ok := c.plans[c.fallback]; !ok {
		return nil, fmt.Errorf("default tier %s is not defined", c.fallback)
	}
	return c, nil
}

func normalizeTier(s string) Tier {
	return Tier(strings.ToLower(strings.TrimSpace(s)))
}

// Lookup returns the plan for a tier
func (c *Catalog) Lookup(tier Tier) (Plan, bool) {
	p, ok := c.plans[normalizeTier(string(tier))]
	return p, ok
}

// Default returns the plan used when nothing else matches
func (c *Catalog) Default() Plan {
	return c.plans[c.fallback]
}

// FromSubscription resolves the plan of a processor subscription. Product metadata wins over
// the price table, and anything unrecognized falls back to the default tier. It never fails.
func (c *Catalog) FromSubscription(sub *protocol.Subscription) Plan {
	if sub == nil {
		return c.Default()
	}
	if tier := sub.FirstProduct().Metadata[tierMetadataKey]; tier != "" {
		if p, ok := c.Lookup(Tier(tier)); ok {
			return p
		}
	}
	if tier, ok := c.prices[sub.FirstPriceID()]; ok {
		return c.plans[tier]
	}
	return c.Default()
}
