package order

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ListingView is the JSON form of a Listing shared by the API, the event
// log and the embedded store. Addresses are lower-case hex, quantities are
// base-10 strings.
type ListingView struct {
	Fingerprint   string     `json:"fingerprint"`
	Kind          string     `json:"kind"`
	Seller        string     `json:"seller"`
	AssetContract string     `json:"asset_contract"`
	TokenID       string     `json:"token_id,omitempty"`
	Amount        string     `json:"amount,omitempty"`
	Sequence      uint64     `json:"sequence"`
	Price         string     `json:"price"`
	Expiry        time.Time  `json:"expiry"`
	Status        string     `json:"status"`
	Buyer         string     `json:"buyer,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	SettledAt     *time.Time `json:"settled_at,omitempty"`
}

func hexAddr(a common.Address) string {
	return strings.ToLower(a.Hex())
}

// NewListingView renders l. Status is taken as-is; callers apply
// EffectiveStatus first when they want derived expiry.
func NewListingView(l *Listing) ListingView {
	v := ListingView{
		Fingerprint:   l.Fingerprint.Hex(),
		Kind:          l.Kind.String(),
		Seller:        hexAddr(l.Seller),
		AssetContract: hexAddr(l.AssetContract),
		Sequence:      l.Sequence,
		Price:         l.Price.Dec(),
		Expiry:        l.Expiry.UTC(),
		Status:        l.Status.String(),
		CreatedAt:     l.CreatedAt.UTC(),
	}
	if l.Kind == KindFungible {
		v.Amount = l.Amount.Dec()
	} else {
		v.TokenID = l.TokenID.Dec()
	}
	if l.Buyer != nil {
		v.Buyer = hexAddr(*l.Buyer)
	}
	if !l.SettledAt.IsZero() {
		t := l.SettledAt.UTC()
		v.SettledAt = &t
	}
	return v
}

// Listing parses the view back, rejecting anything NewListingView would
// not have produced.
func (v ListingView) Listing() (*Listing, error) {
	fp, err := ParseFingerprint(v.Fingerprint)
	if err != nil {
		return nil, err
	}
	kind, ok := ParseKind(v.Kind)
	if !ok {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidParameters, v.Kind)
	}
	status, ok := ParseStatus(v.Status)
	if !ok {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidParameters, v.Status)
	}
	seller, err := ParseAddress(v.Seller)
	if err != nil {
		return nil, err
	}
	contract, err := ParseAddress(v.AssetContract)
	if err != nil {
		return nil, err
	}
	price, err := ParseQuantity(v.Price)
	if err != nil {
		return nil, err
	}

	l := &Listing{
		Fingerprint:   fp,
		Kind:          kind,
		Seller:        seller,
		AssetContract: contract,
		Sequence:      v.Sequence,
		Price:         *price,
		Expiry:        v.Expiry,
		Status:        status,
		CreatedAt:     v.CreatedAt,
	}

	if kind == KindFungible {
		amt, err := ParseQuantity(v.Amount)
		if err != nil {
			return nil, err
		}
		l.Amount = *amt
	} else {
		id, err := ParseQuantity(v.TokenID)
		if err != nil {
			return nil, err
		}
		l.TokenID = *id
	}

	if v.Buyer != "" {
		b, err := ParseAddress(v.Buyer)
		if err != nil {
			return nil, err
		}
		l.Buyer = &b
	}
	if v.SettledAt != nil {
		l.SettledAt = *v.SettledAt
	}

	if (l.Status == StatusFulfilled) != (l.Buyer != nil) {
		return nil, fmt.Errorf("%w: buyer must be set iff fulfilled", ErrInvalidParameters)
	}
	return l, nil
}

// ReceiptView is the JSON form of a Receipt
type ReceiptView struct {
	ID             string    `json:"id"`
	Fingerprint    string    `json:"fingerprint"`
	Buyer          string    `json:"buyer"`
	Seller         string    `json:"seller"`
	Price          string    `json:"price"`
	Fee            string    `json:"fee"`
	SellerProceeds string    `json:"seller_proceeds"`
	Tendered       string    `json:"tendered"`
	Surplus        string    `json:"surplus"`
	Refunded       bool      `json:"refunded"`
	SettledAt      time.Time `json:"settled_at"`
}

func NewReceiptView(r *Receipt) ReceiptView {
	return ReceiptView{
		ID:             r.ID.String(),
		Fingerprint:    r.Fingerprint.Hex(),
		Buyer:          hexAddr(r.Buyer),
		Seller:         hexAddr(r.Seller),
		Price:          r.Price.Dec(),
		Fee:            r.Fee.Dec(),
		SellerProceeds: r.SellerProceeds.Dec(),
		Tendered:       r.Tendered.Dec(),
		Surplus:        r.Surplus.Dec(),
		Refunded:       r.Refunded,
		SettledAt:      r.SettledAt.UTC(),
	}
}
