package event

import (
	"SwapLedger/internal/order"
)

// ListingCreated is emitted when a listing enters the book as Open.
type ListingCreated struct {
	Listing order.ListingView `json:"listing"`
}

func (e *ListingCreated) EventType() EventType { return EventTypeListingCreated }
func (e *ListingCreated) AggregateID() string  { return e.Listing.Fingerprint }

// ListingFulfilled carries the settled listing and its receipt.
type ListingFulfilled struct {
	Listing order.ListingView `json:"listing"`
	Receipt order.ReceiptView `json:"receipt"`
	BatchID string            `json:"batch_id"`
}

func (e *ListingFulfilled) EventType() EventType { return EventTypeListingFulfilled }
func (e *ListingFulfilled) AggregateID() string  { return e.Listing.Fingerprint }

// ListingCancelled is emitted on seller cancellation.
type ListingCancelled struct {
	Listing order.ListingView `json:"listing"`
}

func (e *ListingCancelled) EventType() EventType { return EventTypeListingCancelled }
func (e *ListingCancelled) AggregateID() string  { return e.Listing.Fingerprint }

// StoredListing returns the listing state an event leaves behind, if any.
func StoredListing(evt Event) (order.ListingView, bool) {
	switch e := evt.(type) {
	case *ListingCreated:
		return e.Listing, true
	case *ListingFulfilled:
		return e.Listing, true
	case *ListingCancelled:
		return e.Listing, true
	default:
		return order.ListingView{}, false
	}
}
