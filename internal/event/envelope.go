package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeListingCreated
	EventTypeListingFulfilled
	EventTypeListingCancelled
	EventTypeLedgerBatch
	EventTypeApprovalChanged
)

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by the exchange
	Sequence int64

	// Request id of the command that produced the event (empty for calls
	// made without one)
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Listing fingerprint or ledger event ref the event belongs to
	AggregateID string

	Timestamp time.Time

	// JSON-encoded event-specific data
	Payload []byte

	// SHA-256 chain: hash after this event, and the previous one
	StateHash [32]byte
	PrevHash  [32]byte
}

// Event is the interface all event payloads implement
type Event interface {
	EventType() EventType

	// AggregateID returns the listing fingerprint or ledger ref
	AggregateID() string
}

func (et EventType) String() string {
	switch et {
	case EventTypeListingCreated:
		return "ListingCreated"
	case EventTypeListingFulfilled:
		return "ListingFulfilled"
	case EventTypeListingCancelled:
		return "ListingCancelled"
	case EventTypeLedgerBatch:
		return "LedgerBatch"
	case EventTypeApprovalChanged:
		return "ApprovalChanged"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of String
func ParseEventType(s string) (EventType, bool) {
	for et := EventTypeListingCreated; et <= EventTypeApprovalChanged; et++ {
		if et.String() == s {
			return et, true
		}
	}
	return EventTypeUnknown, false
}

// Subject returns the NATS subject suffix for the type ("listing.created").
func (et EventType) Subject() string {
	switch et {
	case EventTypeListingCreated:
		return "listing.created"
	case EventTypeListingFulfilled:
		return "listing.fulfilled"
	case EventTypeListingCancelled:
		return "listing.cancelled"
	case EventTypeLedgerBatch:
		return "ledger.batch"
	case EventTypeApprovalChanged:
		return "ledger.approval"
	default:
		return "unknown"
	}
}

// Encode serialises the payload of evt.
func Encode(evt Event) ([]byte, error) {
	b, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", evt.EventType(), err)
	}
	return b, nil
}

// Decode parses a payload of the given type.
func Decode(et EventType, payload []byte) (Event, error) {
	var evt Event
	switch et {
	case EventTypeListingCreated:
		evt = &ListingCreated{}
	case EventTypeListingFulfilled:
		evt = &ListingFulfilled{}
	case EventTypeListingCancelled:
		evt = &ListingCancelled{}
	case EventTypeLedgerBatch:
		evt = &LedgerBatch{}
	case EventTypeApprovalChanged:
		evt = &ApprovalChanged{}
	default:
		return nil, fmt.Errorf("unknown event type %d", et)
	}
	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("decode %s: %w", et, err)
	}
	return evt, nil
}
