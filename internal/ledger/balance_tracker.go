package ledger

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNotTokenOwner       = errors.New("not token owner")
	ErrNotApproved         = errors.New("exchange not approved by owner")
	ErrTokenExists         = errors.New("token already minted")
)

// BalanceTracker maintains in-memory account balances and token ownership.
// Not thread-safe. MemoryLedger serialises access.
type BalanceTracker struct {
	balances  map[AccountKey]uint256.Int
	owners    map[TokenKey]common.Address
	approvals map[approvalKey]bool
	issued    map[common.Address]uint256.Int // asset -> total minted minus burned
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances:  make(map[AccountKey]uint256.Int),
		owners:    make(map[TokenKey]common.Address),
		approvals: make(map[approvalKey]bool),
		issued:    make(map[common.Address]uint256.Int),
	}
}

// ApplyBatch applies every journal of the batch or none of them. Legs are
// evaluated in order against a staged view so a later leg may spend funds
// an earlier leg moved (escrow in, proceeds out).
func (bt *BalanceTracker) ApplyBatch(batch *Batch, fault FaultFunc) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	staged := newStagedState(bt)
	for i := range batch.Journals {
		j := &batch.Journals[i]
		if fault != nil {
			if err := fault(j); err != nil {
				return fmt.Errorf("journal %d (%s): %w", i, j.JournalType, err)
			}
		}
		if err := staged.apply(j); err != nil {
			return fmt.Errorf("journal %d (%s): %w", i, j.JournalType, err)
		}
	}

	staged.commit()
	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) uint256.Int {
	return bt.balances[key]
}

// BalanceOf returns a user's wallet balance of one asset
func (bt *BalanceTracker) BalanceOf(owner, asset common.Address) uint256.Int {
	return bt.balances[NewWalletKey(owner, asset)]
}

// OwnerOf returns the current owner of a token
func (bt *BalanceTracker) OwnerOf(key TokenKey) (common.Address, bool) {
	owner, ok := bt.owners[key]
	return owner, ok
}

// IsApprovedForAll reports whether owner approved the exchange for contract
func (bt *BalanceTracker) IsApprovedForAll(owner, contract common.Address) bool {
	return bt.approvals[approvalKey{Owner: owner, Contract: contract}]
}

// SetApprovalForAll grants or revokes the exchange's operator rights
func (bt *BalanceTracker) SetApprovalForAll(owner, contract common.Address, approved bool) {
	key := approvalKey{Owner: owner, Contract: contract}
	if approved {
		bt.approvals[key] = true
		return
	}
	delete(bt.approvals, key)
}

// Issued returns total supply of an asset (minted minus burned)
func (bt *BalanceTracker) Issued(asset common.Address) uint256.Int {
	return bt.issued[asset]
}

// CountTokens returns the number of tokens of contract held by owner
func (bt *BalanceTracker) CountTokens(owner, contract common.Address) int {
	n := 0
	for key, holder := range bt.owners {
		if key.Contract == contract && holder == owner {
			n++
		}
	}
	return n
}

// ComputeHeldTotals sums all non-external balances per asset
func (bt *BalanceTracker) ComputeHeldTotals() map[common.Address]*uint256.Int {
	totals := make(map[common.Address]*uint256.Int)

	for key, balance := range bt.balances {
		if key.Scope == AccountScopeExternal {
			continue
		}
		t, ok := totals[key.Asset]
		if !ok {
			t = new(uint256.Int)
			totals[key.Asset] = t
		}
		b := balance
		t.Add(t, &b)
	}

	return totals
}

// Snapshot returns copies of all state (for persistence and state hashing)
func (bt *BalanceTracker) Snapshot() *TrackerState {
	s := &TrackerState{
		Balances:  make(map[AccountKey]uint256.Int, len(bt.balances)),
		Owners:    make(map[TokenKey]common.Address, len(bt.owners)),
		Approvals: make([]Approval, 0, len(bt.approvals)),
		Issued:    make(map[common.Address]uint256.Int, len(bt.issued)),
	}
	for k, v := range bt.balances {
		s.Balances[k] = v
	}
	for k, v := range bt.owners {
		s.Owners[k] = v
	}
	for k := range bt.approvals {
		s.Approvals = append(s.Approvals, Approval{Owner: k.Owner, Contract: k.Contract})
	}
	for k, v := range bt.issued {
		s.Issued[k] = v
	}
	return s
}

// Restore replaces all state with s.
func (bt *BalanceTracker) Restore(s *TrackerState) {
	bt.balances = make(map[AccountKey]uint256.Int, len(s.Balances))
	bt.owners = make(map[TokenKey]common.Address, len(s.Owners))
	bt.approvals = make(map[approvalKey]bool, len(s.Approvals))
	bt.issued = make(map[common.Address]uint256.Int, len(s.Issued))

	for k, v := range s.Balances {
		bt.balances[k] = v
	}
	for k, v := range s.Owners {
		bt.owners[k] = v
	}
	for _, a := range s.Approvals {
		bt.approvals[approvalKey{Owner: a.Owner, Contract: a.Contract}] = true
	}
	for k, v := range s.Issued {
		bt.issued[k] = v
	}
}

// TrackerState is a detached copy of the tracker's maps
type TrackerState struct {
	Balances  map[AccountKey]uint256.Int
	Owners    map[TokenKey]common.Address
	Approvals []Approval
	Issued    map[common.Address]uint256.Int
}

// Approval is one operator grant
type Approval struct {
	Owner    common.Address
	Contract common.Address
}

// === Staging ===

type stagedState struct {
	base     *BalanceTracker
	balances map[AccountKey]uint256.Int
	owners   map[TokenKey]common.Address
	issued   map[common.Address]uint256.Int
}

func newStagedState(base *BalanceTracker) *stagedState {
	return &stagedState{
		base:     base,
		balances: make(map[AccountKey]uint256.Int),
		owners:   make(map[TokenKey]common.Address),
		issued:   make(map[common.Address]uint256.Int),
	}
}

func (s *stagedState) balance(key AccountKey) uint256.Int {
	if v, ok := s.balances[key]; ok {
		return v
	}
	return s.base.balances[key]
}

func (s *stagedState) owner(key TokenKey) (common.Address, bool) {
	if v, ok := s.owners[key]; ok {
		return v, v != common.Address{}
	}
	v, ok := s.base.owners[key]
	return v, ok
}

func (s *stagedState) supply(asset common.Address) uint256.Int {
	if v, ok := s.issued[asset]; ok {
		return v
	}
	return s.base.issued[asset]
}

func (s *stagedState) apply(j *Journal) error {
	if j.IsNonFungible() {
		return s.applyToken(j)
	}

	amount := j.Amount

	// Credit side: balance decreases (external supply mints)
	if j.CreditAccount.Scope == AccountScopeExternal {
		issued := s.supply(j.CreditAccount.Asset)
		issued.Add(&issued, &amount)
		s.issued[j.CreditAccount.Asset] = issued
	} else {
		bal := s.balance(j.CreditAccount)
		if bal.Lt(&amount) {
			return fmt.Errorf("%w: %s has %s, needs %s",
				ErrInsufficientBalance, j.CreditAccount.AccountPath(), bal.Dec(), amount.Dec())
		}
		if j.ViaOperator && !s.base.IsApprovedForAll(j.CreditAccount.Owner, j.CreditAccount.Asset) {
			return fmt.Errorf("%w: %s", ErrNotApproved, j.CreditAccount.AccountPath())
		}
		bal.Sub(&bal, &amount)
		s.balances[j.CreditAccount] = bal
	}

	// Debit side: balance increases (external supply burns)
	if j.DebitAccount.Scope == AccountScopeExternal {
		issued := s.supply(j.DebitAccount.Asset)
		issued.Sub(&issued, &amount)
		s.issued[j.DebitAccount.Asset] = issued
	} else {
		bal := s.balance(j.DebitAccount)
		bal.Add(&bal, &amount)
		s.balances[j.DebitAccount] = bal
	}

	return nil
}

func (s *stagedState) applyToken(j *Journal) error {
	key := *j.Token
	current, exists := s.owner(key)

	if j.JournalType == JournalTypeMintNFT {
		if exists {
			return fmt.Errorf("%w: %s", ErrTokenExists, key.TokenPath())
		}
		s.owners[key] = j.To
		return nil
	}

	if !exists || current != j.From {
		return fmt.Errorf("%w: %s is not held by %s", ErrNotTokenOwner, key.TokenPath(), j.From.Hex())
	}
	if j.ViaOperator && !s.base.IsApprovedForAll(j.From, key.Contract) {
		return fmt.Errorf("%w: %s for %s", ErrNotApproved, j.From.Hex(), key.TokenPath())
	}

	// Transfer to the zero address burns the token
	s.owners[key] = j.To
	return nil
}

func (s *stagedState) commit() {
	for k, v := range s.balances {
		if v.IsZero() {
			delete(s.base.balances, k)
			continue
		}
		s.base.balances[k] = v
	}
	for k, v := range s.owners {
		if v == (common.Address{}) {
			delete(s.base.owners, k)
			continue
		}
		s.base.owners[k] = v
	}
	for k, v := range s.issued {
		s.base.issued[k] = v
	}
}
