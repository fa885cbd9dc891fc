package ledger

import (
	"fmt"

	"github.com/holiman/uint256"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateEscrowNeutral verifies a batch releases exactly what it escrows.
// Settlement batches must leave escrow where they found it.
func (v *InvariantValidator) ValidateEscrowNeutral(batch *Batch) error {
	in := map[AccountKey]*uint256.Int{}
	out := map[AccountKey]*uint256.Int{}

	add := func(m map[AccountKey]*uint256.Int, k AccountKey, amt uint256.Int) {
		t, ok := m[k]
		if !ok {
			t = new(uint256.Int)
			m[k] = t
		}
		t.Add(t, &amt)
	}

	for _, j := range batch.Journals {
		if j.IsNonFungible() {
			continue
		}
		if j.DebitAccount.SubType == SubTypeSystemEscrow {
			add(in, j.DebitAccount, j.Amount)
		}
		if j.CreditAccount.SubType == SubTypeSystemEscrow {
			add(out, j.CreditAccount, j.Amount)
		}
	}

	for k, total := range in {
		released := out[k]
		if released == nil || !released.Eq(total) {
			return fmt.Errorf("batch %s leaves %s unbalanced: escrowed %s, released %v",
				batch.BatchID, k.AccountPath(), total.Dec(), released)
		}
	}
	for k := range out {
		if _, ok := in[k]; !ok {
			return fmt.Errorf("batch %s releases from %s without escrowing", batch.BatchID, k.AccountPath())
		}
	}

	return nil
}

// ValidateEscrowZero verifies no payment is stranded in escrow between batches
func (v *InvariantValidator) ValidateEscrowZero() error {
	key := NewEscrowKey(NativeCurrency)
	if balance := v.tracker.GetBalance(key); !balance.IsZero() {
		return fmt.Errorf("%s has non-zero balance: %s", key.AccountPath(), balance.Dec())
	}
	return nil
}

// ValidateSupply verifies that for every asset the held balances equal the
// amount issued from the external supply account (nothing created or lost).
func (v *InvariantValidator) ValidateSupply() error {
	held := v.tracker.ComputeHeldTotals()

	for asset, issued := range v.tracker.issued {
		total := held[asset]
		if total == nil {
			total = new(uint256.Int)
		}
		if !total.Eq(&issued) {
			return fmt.Errorf("supply mismatch for %s: issued %s, held %s",
				assetName(asset), issued.Dec(), total.Dec())
		}
	}
	for asset, total := range held {
		if _, ok := v.tracker.issued[asset]; !ok && !total.IsZero() {
			return fmt.Errorf("supply mismatch for %s: nothing issued, held %s", assetName(asset), total.Dec())
		}
	}

	return nil
}
