package spec

import "time"

// Define constants shared by the API and the worker
const (
	// AlertCooldown is the minimum time between two usage alerts for the same organization
	AlertCooldown time.Duration = time.Hour

	// MaxMeterCount bounds a single metering call
	MaxMeterCount int64 = 10000

	// SoftCapNumerator / SoftCapDenominator is the ratio of included calls allowed
	// before a block_immediately policy starts rejecting. Kept as integers so the
	// comparison is exact.
	SoftCapNumerator   int64 = 6
	SoftCapDenominator int64 = 5

	// StoreTimeout bounds every request against the datastore
	StoreTimeout time.Duration = time.Second * 5

	// EventRetention is how long processed lifecycle events are kept for deduplication
	EventRetention time.Duration = time.Hour * 24 * 30

	// WebhookBodyLimit caps the payload accepted from the payment processor
	WebhookBodyLimit int64 = 1024 * 1024

	// DefaultCurrency is used when the processor does not tell us otherwise
	DefaultCurrency string = "usd"
)

type AlertType string

const (
	AlertUsage70       AlertType = "usage_70"
	AlertUsage90       AlertType = "usage_90"
	AlertUsage100      AlertType = "usage_100"
	AlertPaymentFailed AlertType = "payment_failed"
)

// MinorUnits returns the number of decimal places of a currency's minor unit
func MinorUnits(currency string) int32 {
	switch currency {
	case "jpy", "krw", "vnd", "clp", "isk", "ugx":
		return 0
	case "bhd", "jod", "kwd", "omr", "tnd":
		return 3
	}
	return 2
}
