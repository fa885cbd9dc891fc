package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrTxClosed = errors.New("ledger transaction already closed")
	ErrEmptyTx  = errors.New("ledger transaction has no legs")
)

// FaultFunc is consulted before each journal is applied. A non-nil error
// aborts the whole batch.
type FaultFunc func(j *Journal) error

// MemoryLedger is the in-process ledger. One mutex serialises every batch so
// each commit observes and produces a consistent state.
type MemoryLedger struct {
	mu        sync.Mutex
	tracker   *BalanceTracker
	validator *InvariantValidator
	sequence  int64
	faults    map[JournalType]error
	now       func() time.Time
	onCommit  func(*Batch)
}

func NewMemoryLedger() *MemoryLedger {
	tracker := NewBalanceTracker()
	return &MemoryLedger{
		tracker:   tracker,
		validator: NewInvariantValidator(tracker),
		faults:    make(map[JournalType]error),
		now:       time.Now,
	}
}

// SetClock overrides the batch timestamp source (tests)
func (l *MemoryLedger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// OnCommit registers a hook invoked (under the ledger lock) for every applied
// batch, including compensations and admin mints.
func (l *MemoryLedger) OnCommit(fn func(*Batch)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onCommit = fn
}

// InjectFault makes every journal of type jt fail with err until cleared.
func (l *MemoryLedger) InjectFault(jt JournalType, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.faults[jt] = err
}

func (l *MemoryLedger) ClearFaults() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.faults = make(map[JournalType]error)
}

func (l *MemoryLedger) faultFunc() FaultFunc {
	if len(l.faults) == 0 {
		return nil
	}
	return func(j *Journal) error {
		if err, ok := l.faults[j.JournalType]; ok {
			return err
		}
		return nil
	}
}

// apply must be called with l.mu held
func (l *MemoryLedger) apply(batch *Batch) error {
	if err := l.validator.ValidateEscrowNeutral(batch); err != nil {
		return err
	}

	batch.Sequence = l.sequence + 1
	if err := l.tracker.ApplyBatch(batch, l.faultFunc()); err != nil {
		batch.Sequence = 0
		return err
	}
	l.sequence = batch.Sequence

	if err := l.validator.ValidateEscrowZero(); err != nil {
		panic(fmt.Sprintf("FATAL: escrow invariant violated after batch %s: %v", batch.BatchID, err))
	}

	if l.onCommit != nil {
		l.onCommit(batch)
	}
	return nil
}

func (l *MemoryLedger) applyGenerated(build func(jg *JournalGenerator), eventRef string) (*Batch, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	jg := NewJournalGenerator(eventRef, l.now().UnixMicro())
	build(jg)
	batch := jg.Batch()
	if err := l.apply(batch); err != nil {
		return nil, err
	}
	return batch, nil
}

// === Admin operations ===

// Deposit credits native currency to owner from the external supply.
func (l *MemoryLedger) Deposit(ctx context.Context, owner common.Address, amount *uint256.Int) (*Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if amount.IsZero() {
		return nil, fmt.Errorf("deposit amount must be positive")
	}
	return l.applyGenerated(func(jg *JournalGenerator) {
		jg.GenerateDeposit(owner, amount)
	}, "deposit:"+owner.Hex())
}

// MintFungible issues amount tokens of contract to owner.
func (l *MemoryLedger) MintFungible(ctx context.Context, contract, owner common.Address, amount *uint256.Int) (*Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if contract == NativeCurrency {
		return nil, fmt.Errorf("token contract must not be the zero address")
	}
	if amount.IsZero() {
		return nil, fmt.Errorf("mint amount must be positive")
	}
	return l.applyGenerated(func(jg *JournalGenerator) {
		jg.GenerateMintToken(contract, owner, amount)
	}, "mint:"+contract.Hex())
}

// MintNFT creates tokenID under contract owned by owner.
func (l *MemoryLedger) MintNFT(ctx context.Context, contract common.Address, tokenID *uint256.Int, owner common.Address) (*Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if owner == (common.Address{}) {
		return nil, fmt.Errorf("cannot mint to the zero address")
	}
	return l.applyGenerated(func(jg *JournalGenerator) {
		jg.GenerateMintNFT(contract, tokenID, owner)
	}, "mint:"+NewTokenKey(contract, tokenID).TokenPath())
}

// SetApprovalForAll grants or revokes the exchange's right to move owner's
// holdings of contract.
func (l *MemoryLedger) SetApprovalForAll(ctx context.Context, owner, contract common.Address, approved bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tracker.SetApprovalForAll(owner, contract, approved)
	return nil
}

// === AssetVerifier ===

func (l *MemoryLedger) OwnerOf(ctx context.Context, contract common.Address, tokenID *uint256.Int) (common.Address, error) {
	if err := ctx.Err(); err != nil {
		return common.Address{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	key := NewTokenKey(contract, tokenID)
	owner, ok := l.tracker.OwnerOf(key)
	if !ok {
		return common.Address{}, fmt.Errorf("%w: %s does not exist", ErrNotTokenOwner, key.TokenPath())
	}
	return owner, nil
}

func (l *MemoryLedger) IsApprovedForAll(ctx context.Context, owner, contract common.Address) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tracker.IsApprovedForAll(owner, contract), nil
}

func (l *MemoryLedger) BalanceOf(ctx context.Context, owner, asset common.Address) (*uint256.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	bal := l.tracker.BalanceOf(owner, asset)
	return &bal, nil
}

// === Ledger ===

func (l *MemoryLedger) Begin(eventRef string) Tx {
	return &memoryTx{
		ledger:   l,
		eventRef: eventRef,
		legs:     make([]func(*JournalGenerator), 0, 5),
	}
}

// Compensate applies the reverse of batch. It fails if the reversed legs are
// no longer covered (for example the buyer already moved the token on).
func (l *MemoryLedger) Compensate(ctx context.Context, batch *Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	rev := batch.Reverse(l.now().UnixMicro())
	if err := l.apply(rev); err != nil {
		return fmt.Errorf("compensate batch %s: %w", batch.BatchID, err)
	}
	return nil
}

// === Snapshots and invariants ===

// LastSequence returns the sequence of the last applied batch
func (l *MemoryLedger) LastSequence() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sequence
}

// Snapshot returns a detached copy of ledger state and its sequence.
func (l *MemoryLedger) Snapshot() (*TrackerState, int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tracker.Snapshot(), l.sequence
}

// Restore replaces ledger state, used on startup from a persisted snapshot.
func (l *MemoryLedger) Restore(s *TrackerState, sequence int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.tracker.Restore(s)
	l.sequence = sequence
	if err := l.validator.ValidateSupply(); err != nil {
		return fmt.Errorf("restored snapshot is inconsistent: %w", err)
	}
	return l.validator.ValidateEscrowZero()
}

// CheckInvariants verifies supply conservation and empty escrow.
func (l *MemoryLedger) CheckInvariants() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.validator.ValidateEscrowZero(); err != nil {
		return err
	}
	return l.validator.ValidateSupply()
}

// CountTokens returns how many tokens of contract owner holds.
func (l *MemoryLedger) CountTokens(owner, contract common.Address) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tracker.CountTokens(owner, contract)
}

// === Tx ===

type memoryTx struct {
	ledger   *MemoryLedger
	eventRef string
	legs     []func(*JournalGenerator)
	closed   bool
}

func (tx *memoryTx) EscrowPayment(from common.Address, amount *uint256.Int) {
	if amount.IsZero() {
		return
	}
	amt := new(uint256.Int).Set(amount)
	tx.legs = append(tx.legs, func(jg *JournalGenerator) {
		jg.GenerateEscrowDebit(from, amt)
	})
}

func (tx *memoryTx) TransferNFT(contract common.Address, tokenID *uint256.Int, from, to common.Address) {
	id := new(uint256.Int).Set(tokenID)
	tx.legs = append(tx.legs, func(jg *JournalGenerator) {
		jg.GenerateNFTTransfer(contract, id, from, to)
	})
}

func (tx *memoryTx) TransferToken(contract common.Address, amount *uint256.Int, from, to common.Address) {
	if amount.IsZero() {
		return
	}
	amt := new(uint256.Int).Set(amount)
	tx.legs = append(tx.legs, func(jg *JournalGenerator) {
		jg.GenerateTokenTransfer(contract, amt, from, to)
	})
}

func (tx *memoryTx) Release(jt JournalType, to common.Address, amount *uint256.Int) {
	if amount.IsZero() {
		return
	}
	amt := new(uint256.Int).Set(amount)
	tx.legs = append(tx.legs, func(jg *JournalGenerator) {
		jg.GenerateEscrowRelease(jt, to, amt)
	})
}

func (tx *memoryTx) Commit(ctx context.Context) (*Batch, error) {
	if tx.closed {
		return nil, ErrTxClosed
	}
	tx.closed = true

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(tx.legs) == 0 {
		return nil, ErrEmptyTx
	}

	l := tx.ledger
	l.mu.Lock()
	defer l.mu.Unlock()

	jg := NewJournalGenerator(tx.eventRef, l.now().UnixMicro())
	for _, leg := range tx.legs {
		leg(jg)
	}
	batch := jg.Batch()
	if err := l.apply(batch); err != nil {
		return nil, err
	}
	return batch, nil
}

func (tx *memoryTx) Rollback() {
	tx.closed = true
	tx.legs = nil
}

// Replay applies a batch read back from the event log during recovery.
// Sequences must be contiguous; approvals are not re-checked.
func (l *MemoryLedger) Replay(batch *Batch) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if batch.Sequence != l.sequence+1 {
		return fmt.Errorf("replay gap: ledger at %d, batch %s has sequence %d",
			l.sequence, batch.BatchID, batch.Sequence)
	}

	replayed := *batch
	replayed.Journals = make([]Journal, len(batch.Journals))
	for i, j := range batch.Journals {
		j.ViaOperator = false
		replayed.Journals[i] = j
	}

	if err := l.tracker.ApplyBatch(&replayed, nil); err != nil {
		return fmt.Errorf("replay batch %d: %w", batch.Sequence, err)
	}
	l.sequence = batch.Sequence
	return nil
}
