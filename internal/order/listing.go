package order

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Kind distinguishes unique-token listings from fungible (OTC) listings
type Kind uint8

const (
	KindNonFungible Kind = iota + 1
	KindFungible
)

func (k Kind) String() string {
	switch k {
	case KindNonFungible:
		return "non_fungible"
	case KindFungible:
		return "fungible"
	default:
		return "unknown"
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, bool) {
	switch s {
	case "non_fungible":
		return KindNonFungible, true
	case "fungible":
		return KindFungible, true
	default:
		return 0, false
	}
}

// Status is the lifecycle state of a listing
type Status uint8

const (
	StatusOpen Status = iota + 1
	StatusFulfilled
	StatusCancelled
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusFulfilled:
		return "fulfilled"
	case StatusCancelled:
		return "cancelled"
	case StatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(s string) (Status, bool) {
	switch s {
	case "open":
		return StatusOpen, true
	case "fulfilled":
		return StatusFulfilled, true
	case "cancelled":
		return StatusCancelled, true
	case "expired":
		return StatusExpired, true
	default:
		return 0, false
	}
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusFulfilled || s == StatusCancelled || s == StatusExpired
}

// Listing is a seller's standing offer. Records are treated as immutable
// values: state transitions publish a new copy rather than mutating in place.
type Listing struct {
	Fingerprint   Fingerprint
	Kind          Kind
	Seller        common.Address
	AssetContract common.Address
	TokenID       uint256.Int // KindNonFungible only
	Amount        uint256.Int // KindFungible only
	Sequence      uint64      // KindFungible only: per-seller listing counter
	Price         uint256.Int // wei
	Expiry        time.Time
	Status        Status
	Buyer         *common.Address // set iff Status == StatusFulfilled
	CreatedAt     time.Time
	SettledAt     time.Time // fulfilment or cancellation time
}

// EffectiveStatus derives Expired for an Open listing whose expiry has passed.
func (l *Listing) EffectiveStatus(now time.Time) Status {
	if l.Status == StatusOpen && !now.Before(l.Expiry) {
		return StatusExpired
	}
	return l.Status
}

// IsExpired reports now >= expiry.
func (l *Listing) IsExpired(now time.Time) bool {
	return !now.Before(l.Expiry)
}

// AssetQuantity returns the token id for NFT listings and the amount for OTC listings.
func (l *Listing) AssetQuantity() uint256.Int {
	if l.Kind == KindFungible {
		return l.Amount
	}
	return l.TokenID
}

// Clone returns a deep copy safe to hand to callers.
func (l *Listing) Clone() *Listing {
	c := *l
	if l.Buyer != nil {
		b := *l.Buyer
		c.Buyer = &b
	}
	return &c
}

// Receipt is returned for every successful settlement
type Receipt struct {
	ID             uuid.UUID
	Fingerprint    Fingerprint
	Buyer          common.Address
	Seller         common.Address
	Price          uint256.Int
	Fee            uint256.Int
	SellerProceeds uint256.Int
	Tendered       uint256.Int
	Surplus        uint256.Int // tendered - price
	Refunded       bool        // surplus returned to the buyer instead of retained
	SettledAt      time.Time
}
