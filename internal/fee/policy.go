package fee

import (
	"fmt"

	"github.com/holiman/uint256"
)

const (
	// BpsDenominator is 100% expressed in basis points
	BpsDenominator = 10_000

	// DefaultRateBps is the platform cut: buyer pays price, seller nets 95%
	DefaultRateBps = 500
)

var bpsDenominator = uint256.NewInt(BpsDenominator)

// Policy is a fixed-percentage fee model
type Policy struct {
	rateBps uint64
	rate    *uint256.Int
}

// NewPolicy rejects rates above 100%.
func NewPolicy(rateBps uint64) (*Policy, error) {
	if rateBps > BpsDenominator {
		return nil, fmt.Errorf("fee rate %d bps exceeds %d", rateBps, BpsDenominator)
	}
	return &Policy{
		rateBps: rateBps,
		rate:    uint256.NewInt(rateBps),
	}, nil
}

// DefaultPolicy returns the 5% policy.
func DefaultPolicy() *Policy {
	p, _ := NewPolicy(DefaultRateBps)
	return p
}

// RateBps returns the configured rate.
func (p *Policy) RateBps() uint64 {
	return p.rateBps
}

// Compute returns floor(price * rateBps / 10000).
// The product is taken at 512-bit width so large prices cannot overflow.
func (p *Policy) Compute(price *uint256.Int) *uint256.Int {
	fee, overflow := new(uint256.Int).MulDivOverflow(price, p.rate, bpsDenominator)
	if overflow {
		// rate <= denominator, so the quotient is bounded by price
		panic(fmt.Sprintf("FATAL: fee computation overflow for price %s", price.Dec()))
	}
	return fee
}

// Split returns (fee, sellerProceeds) with fee + proceeds == price.
// A fee above the price is an invariant violation, not a recoverable error.
func (p *Policy) Split(price *uint256.Int) (*uint256.Int, *uint256.Int) {
	fee := p.Compute(price)
	if fee.Gt(price) {
		panic(fmt.Sprintf("FATAL: fee %s exceeds price %s", fee.Dec(), price.Dec()))
	}
	proceeds := new(uint256.Int).Sub(price, fee)
	return fee, proceeds
}
