package quota

import (
	"time"

	"github.com/zllovesuki/metering/spec"
	"github.com/zllovesuki/metering/usage"
)

// DunningBehavior decides what happens once usage goes beyond the soft cap
type DunningBehavior string

const (
	// SoftCap keeps accepting usage and bills it as overage
	SoftCap DunningBehavior = "soft_cap"
	// BlockImmediately rejects usage beyond the soft cap
	BlockImmediately DunningBehavior = "block_immediately"
)

func (d DunningBehavior) Valid() bool {
	return d == SoftCap || d == BlockImmediately
}

// Tier is a usage alert threshold in percent of the included calls
type Tier int64

const (
	TierNone Tier = 0
	Tier70   Tier = 70
	Tier90   Tier = 90
	Tier100  Tier = 100
)

// AlertType returns the notification sent when the tier fires
func (t Tier) AlertType() spec.AlertType {
	switch t {
	case Tier70:
		return spec.AlertUsage70
	case Tier90:
		return spec.AlertUsage90
	case Tier100:
		return spec.AlertUsage100
	}
	return ""
}

// Policy holds the alert configuration of an organization and the state of its alerts.
// LastAlertTier only applies to the ledger named by LastAlertPeriod; a new period starts over
// from TierNone while the cooldown keeps counting from LastAlertSentAt
type Policy struct {
	OrganizationID  string          `json:"organizationId" gorm:"primaryKey"`
	Alert70Enabled  bool            `json:"alert70Enabled" gorm:"not null"`
	Alert90Enabled  bool            `json:"alert90Enabled" gorm:"not null"`
	Alert100Enabled bool            `json:"alert100Enabled" gorm:"not null"`
	DunningBehavior DunningBehavior `json:"dunningBehavior" gorm:"not null"`
	LastAlertTier   Tier            `json:"lastAlertTier" gorm:"not null"`
	LastAlertPeriod string          `json:"lastAlertPeriod"`
	LastAlertSentAt *time.Time      `json:"lastAlertSentAt"`
	Version         int64           `json:"version" gorm:"not null"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// DefaultPolicy has every alert enabled and never blocks
func DefaultPolicy(organizationID string) Policy {
	return Policy{
		OrganizationID:  organizationID,
		Alert70Enabled:  true,
		Alert90Enabled:  true,
		Alert100Enabled: true,
		DunningBehavior: SoftCap,
		LastAlertTier:   TierNone,
	}
}

func (p *Policy) enabled(t Tier) bool {
	switch t {
	case Tier70:
		return p.Alert70Enabled
	case Tier90:
		return p.Alert90Enabled
	case Tier100:
		return p.Alert100Enabled
	}
	return false
}

// Blocks reports whether usage beyond the soft cap must be rejected
func (p *Policy) Blocks() bool {
	return p.DunningBehavior == BlockImmediately
}

// TierFor returns the last tier fired within the given ledger period
func (p *Policy) TierFor(ledgerID string) Tier {
	if p.LastAlertPeriod != ledgerID {
		return TierNone
	}
	return p.LastAlertTier
}

// Evaluate decides which tier, if any, should fire for the ledger. Only the highest enabled
// tier reached is considered, so a jump from 0% to 150% fires tier 100 alone
func (p *Policy) Evaluate(l usage.Ledger, now time.Time) (Tier, bool) {
	candidate := TierNone
	for _, t := range []Tier{Tier100, Tier90, Tier70} {
		if p.enabled(t) && l.Reached(int64(t)) {
			candidate = t
			break
		}
	}
	if candidate == TierNone {
		return TierNone, false
	}
	if candidate <= p.TierFor(l.ID) {
		return TierNone, false
	}
	if p.LastAlertSentAt != nil && now.Sub(*p.LastAlertSentAt) < spec.AlertCooldown {
		return TierNone, false
	}
	return candidate, true
}
