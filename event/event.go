package event

import (
	"time"

	"gorm.io/datatypes"
)

// LifecycleEvent is a payment processor event we have accepted. The processor assigned
// EventID is the deduplication key
type LifecycleEvent struct {
	EventID    string         `json:"eventId" gorm:"primaryKey"`
	EventType  string         `json:"eventType" gorm:"index;not null"`
	Payload    datatypes.JSON `json:"payload"`
	ReceivedAt time.Time      `json:"receivedAt" gorm:"index;not null"`
}

// Outcome is the result of recording a LifecycleEvent
type Outcome int

const (
	// Inserted means this is the first delivery and the event should be processed
	Inserted Outcome = iota + 1
	// AlreadyProcessed means a previous delivery was recorded, side effects must be skipped
	AlreadyProcessed
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case AlreadyProcessed:
		return "already_processed"
	}
	return "unknown"
}
