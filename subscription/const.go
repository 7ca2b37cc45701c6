package subscription

import "strings"

// Status is the lifecycle state of a subscription
type Status string

// Defining the different Statuses of a Subscription
const (
	StatusTrialing Status = "trialing"
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
)

// Meterable reports whether usage may be recorded against the subscription
func (s Status) Meterable() bool {
	return s == StatusTrialing || s == StatusActive
}

// Terminal reports whether the status can only be left by a new checkout
func (s Status) Terminal() bool {
	return s == StatusCanceled
}

// StatusFromProcessor maps the processor's subscription status onto ours
func StatusFromProcessor(status string) Status {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "trialing":
		return StatusTrialing
	case "active":
		return StatusActive
	case "canceled", "incomplete_expired":
		return StatusCanceled
	case "past_due", "unpaid", "incomplete", "paused":
		return StatusPastDue
	}
	return StatusActive
}
