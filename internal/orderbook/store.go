package orderbook

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"SwapLedger/internal/ledger"
	"SwapLedger/internal/order"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// entry holds the current record for one fingerprint. rec is swapped
// atomically so readers never take mu.
type entry struct {
	mu      sync.Mutex
	rec     atomic.Pointer[order.Listing]
	history []*order.Listing // superseded terminal records, oldest first; guarded by mu
}

// sellerBook is the per-seller index and OTC sequence counter
type sellerBook struct {
	mu           sync.Mutex
	nextSequence uint64
	fingerprints []order.Fingerprint
}

// Store is the in-memory order book. It owns listing lifecycle state;
// settlement of funds happens in the exchange.
type Store struct {
	verifier ledger.AssetVerifier
	clock    order.Clock

	mu      sync.RWMutex
	entries map[order.Fingerprint]*entry
	sellers map[common.Address]*sellerBook
}

func NewStore(verifier ledger.AssetVerifier, clock order.Clock) *Store {
	if clock == nil {
		clock = order.RealClock{}
	}
	return &Store{
		verifier: verifier,
		clock:    clock,
		entries:  make(map[order.Fingerprint]*entry),
		sellers:  make(map[common.Address]*sellerBook),
	}
}

func (s *Store) lookup(fp order.Fingerprint) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[fp]
}

func (s *Store) entryFor(fp order.Fingerprint) (*entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[fp]; ok {
		return e, false
	}
	e := &entry{}
	s.entries[fp] = e
	return e, true
}

func (s *Store) book(seller common.Address) *sellerBook {
	s.mu.Lock()
	defer s.mu.Unlock()
	sb, ok := s.sellers[seller]
	if !ok {
		sb = &sellerBook{}
		s.sellers[seller] = sb
	}
	return sb
}

func (s *Store) validateCommon(seller, contract common.Address, price *uint256.Int, expiry, now time.Time) error {
	if seller == (common.Address{}) {
		return fmt.Errorf("%w: seller must not be the zero address", order.ErrInvalidParameters)
	}
	if contract == (common.Address{}) {
		return fmt.Errorf("%w: asset contract must not be the zero address", order.ErrInvalidParameters)
	}
	if price == nil || price.IsZero() {
		return fmt.Errorf("%w: price must be positive", order.ErrInvalidParameters)
	}
	if !expiry.After(now) {
		return fmt.Errorf("%w: expiry %s is not after %s", order.ErrInvalidParameters,
			expiry.UTC().Format(time.RFC3339), now.UTC().Format(time.RFC3339))
	}
	return nil
}

func (s *Store) checkApproval(ctx context.Context, seller, contract common.Address) error {
	approved, err := s.verifier.IsApprovedForAll(ctx, seller, contract)
	if err != nil {
		return fmt.Errorf("%w: approval lookup: %w", order.ErrLedgerFailure, err)
	}
	if !approved {
		return fmt.Errorf("%w: %s has not approved the exchange for %s",
			order.ErrUnauthorized, seller.Hex(), contract.Hex())
	}
	return nil
}

// CreateNonFungible lists one token. The seller must own it and have
// approved the exchange as operator for the contract.
func (s *Store) CreateNonFungible(ctx context.Context, seller, contract common.Address, tokenID, price *uint256.Int, expiry time.Time) (*order.Listing, error) {
	now := s.clock.Now()
	if err := s.validateCommon(seller, contract, price, expiry, now); err != nil {
		return nil, err
	}
	if tokenID == nil {
		return nil, fmt.Errorf("%w: token id is required", order.ErrInvalidParameters)
	}

	owner, err := s.verifier.OwnerOf(ctx, contract, tokenID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotTokenOwner) {
			return nil, fmt.Errorf("%w: %w", order.ErrUnauthorized, err)
		}
		return nil, fmt.Errorf("%w: owner lookup: %w", order.ErrLedgerFailure, err)
	}
	if owner != seller {
		return nil, fmt.Errorf("%w: token %s is owned by %s, not %s",
			order.ErrUnauthorized, tokenID.Dec(), owner.Hex(), seller.Hex())
	}
	if err := s.checkApproval(ctx, seller, contract); err != nil {
		return nil, err
	}

	fp := order.ComputeFingerprint(order.KindNonFungible, seller, contract, tokenID)
	rec := &order.Listing{
		Fingerprint:   fp,
		Kind:          order.KindNonFungible,
		Seller:        seller,
		AssetContract: contract,
		TokenID:       *tokenID,
		Price:         *price,
		Expiry:        expiry,
		Status:        order.StatusOpen,
		CreatedAt:     now,
	}

	e, fresh := s.entryFor(fp)
	e.mu.Lock()
	defer e.mu.Unlock()

	if cur := e.rec.Load(); cur != nil {
		if cur.EffectiveStatus(now) == order.StatusOpen {
			return nil, fmt.Errorf("%w: %s", order.ErrDuplicateListing, fp.Hex())
		}
		archived := cur.Clone()
		archived.Status = cur.EffectiveStatus(now)
		e.history = append(e.history, archived)
	}
	e.rec.Store(rec)

	if fresh {
		sb := s.book(seller)
		sb.mu.Lock()
		sb.fingerprints = append(sb.fingerprints, fp)
		sb.mu.Unlock()
	}

	return rec.Clone(), nil
}

// CreateFungible lists amount of a fungible token. Each call draws the next
// per-seller sequence number, so repeated listings never collide. The
// seller's balance is not reserved; it is checked again at settlement.
func (s *Store) CreateFungible(ctx context.Context, seller, contract common.Address, amount, price *uint256.Int, expiry time.Time) (*order.Listing, error) {
	now := s.clock.Now()
	if err := s.validateCommon(seller, contract, price, expiry, now); err != nil {
		return nil, err
	}
	if amount == nil || amount.IsZero() {
		return nil, fmt.Errorf("%w: amount must be positive", order.ErrInvalidParameters)
	}
	if err := s.checkApproval(ctx, seller, contract); err != nil {
		return nil, err
	}

	sb := s.book(seller)
	sb.mu.Lock()
	defer sb.mu.Unlock()

	seq := sb.nextSequence
	fp := order.ComputeFingerprint(order.KindFungible, seller, contract, uint256.NewInt(seq))

	e, fresh := s.entryFor(fp)
	if !fresh {
		// Only reachable after a Restore that did not rebuild counters
		return nil, fmt.Errorf("%w: sequence %d already used (%s)", order.ErrDuplicateListing, seq, fp.Hex())
	}

	rec := &order.Listing{
		Fingerprint:   fp,
		Kind:          order.KindFungible,
		Seller:        seller,
		AssetContract: contract,
		Amount:        *amount,
		Sequence:      seq,
		Price:         *price,
		Expiry:        expiry,
		Status:        order.StatusOpen,
		CreatedAt:     now,
	}
	e.rec.Store(rec)

	sb.nextSequence++
	sb.fingerprints = append(sb.fingerprints, fp)

	return rec.Clone(), nil
}

// Get returns a copy of the listing with expiry applied to its status.
func (s *Store) Get(fp order.Fingerprint) (*order.Listing, error) {
	e := s.lookup(fp)
	if e == nil {
		return nil, fmt.Errorf("%w: %s", order.ErrNotFound, fp.Hex())
	}
	cur := e.rec.Load()
	if cur == nil {
		return nil, fmt.Errorf("%w: %s", order.ErrNotFound, fp.Hex())
	}
	c := cur.Clone()
	c.Status = cur.EffectiveStatus(s.clock.Now())
	return c, nil
}

// ListBySeller returns every fingerprint the seller ever listed, in
// insertion order, regardless of status.
func (s *Store) ListBySeller(seller common.Address) []order.Fingerprint {
	s.mu.RLock()
	sb, ok := s.sellers[seller]
	s.mu.RUnlock()
	if !ok {
		return []order.Fingerprint{}
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()
	out := make([]order.Fingerprint, len(sb.fingerprints))
	copy(out, sb.fingerprints)
	return out
}

// NextSequence returns the sequence the seller's next OTC listing will use,
// letting clients derive its fingerprint in advance.
func (s *Store) NextSequence(seller common.Address) uint64 {
	s.mu.RLock()
	sb, ok := s.sellers[seller]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.nextSequence
}

// Lock enters the exclusive section for fp. Fulfilment and cancellation run
// inside it so at most one of them can act on an Open listing.
func (s *Store) Lock(fp order.Fingerprint) (unlock func(), err error) {
	e := s.lookup(fp)
	if e == nil {
		return nil, fmt.Errorf("%w: %s", order.ErrNotFound, fp.Hex())
	}
	e.mu.Lock()
	return e.mu.Unlock, nil
}

func (s *Store) transition(fp order.Fingerprint, mutate func(cur *order.Listing) (*order.Listing, error)) (*order.Listing, error) {
	e := s.lookup(fp)
	if e == nil {
		return nil, fmt.Errorf("%w: %s", order.ErrNotFound, fp.Hex())
	}
	cur := e.rec.Load()
	if cur == nil {
		return nil, fmt.Errorf("%w: %s", order.ErrNotFound, fp.Hex())
	}

	next, err := mutate(cur)
	if err != nil {
		return nil, err
	}
	if !e.rec.CompareAndSwap(cur, next) {
		return nil, fmt.Errorf("%w: %s changed concurrently", order.ErrNotOpen, fp.Hex())
	}
	return next.Clone(), nil
}

// MarkFulfilled flips Open → Fulfilled and records the buyer. Expiry is the
// caller's concern; it has already been checked against the same clock.
func (s *Store) MarkFulfilled(fp order.Fingerprint, buyer common.Address, at time.Time) (*order.Listing, error) {
	return s.transition(fp, func(cur *order.Listing) (*order.Listing, error) {
		if cur.Status != order.StatusOpen {
			return nil, fmt.Errorf("%w: %s is %s", order.ErrNotOpen, fp.Hex(), cur.Status)
		}
		next := cur.Clone()
		b := buyer
		next.Status = order.StatusFulfilled
		next.Buyer = &b
		next.SettledAt = at
		return next, nil
	})
}

// Cancel flips Open → Cancelled. Only the seller may cancel, and only while
// the listing is Open and unexpired.
func (s *Store) Cancel(fp order.Fingerprint, caller common.Address, at time.Time) (*order.Listing, error) {
	return s.transition(fp, func(cur *order.Listing) (*order.Listing, error) {
		if caller != cur.Seller {
			return nil, fmt.Errorf("%w: %s is not the seller of %s", order.ErrUnauthorized, caller.Hex(), fp.Hex())
		}
		if st := cur.EffectiveStatus(at); st != order.StatusOpen {
			return nil, fmt.Errorf("%w: %s is %s", order.ErrNotOpen, fp.Hex(), st)
		}
		next := cur.Clone()
		next.Status = order.StatusCancelled
		next.SettledAt = at
		return next, nil
	})
}

// History returns superseded records for fp, oldest first.
func (s *Store) History(fp order.Fingerprint) []*order.Listing {
	e := s.lookup(fp)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*order.Listing, len(e.history))
	for i, l := range e.history {
		out[i] = l.Clone()
	}
	return out
}

// OpenByContract returns unexpired Open listings of one asset contract,
// oldest first.
func (s *Store) OpenByContract(contract common.Address) []*order.Listing {
	now := s.clock.Now()

	s.mu.RLock()
	out := make([]*order.Listing, 0)
	for _, e := range s.entries {
		cur := e.rec.Load()
		if cur == nil || cur.AssetContract != contract {
			continue
		}
		if cur.EffectiveStatus(now) == order.StatusOpen {
			out = append(out, cur.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Fingerprint.Hex() < out[j].Fingerprint.Hex()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Stats counts listings by effective status
func (s *Store) Stats() map[order.Status]int {
	now := s.clock.Now()
	counts := make(map[order.Status]int)

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		if cur := e.rec.Load(); cur != nil {
			counts[cur.EffectiveStatus(now)]++
		}
	}
	return counts
}

// Restore loads persisted listings on startup. Listings sharing a
// fingerprint are ordered by CreatedAt; all but the newest become history.
// Per-seller indexes and OTC sequence counters are rebuilt.
func (s *Store) Restore(listings []*order.Listing) {
	sorted := make([]*order.Listing, len(listings))
	copy(sorted, listings)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[order.Fingerprint]*entry, len(sorted))
	s.sellers = make(map[common.Address]*sellerBook)

	for _, l := range sorted {
		rec := l.Clone()

		sb, ok := s.sellers[rec.Seller]
		if !ok {
			sb = &sellerBook{}
			s.sellers[rec.Seller] = sb
		}

		e, ok := s.entries[rec.Fingerprint]
		if !ok {
			e = &entry{}
			s.entries[rec.Fingerprint] = e
			sb.fingerprints = append(sb.fingerprints, rec.Fingerprint)
		} else if prev := e.rec.Load(); prev != nil {
			e.history = append(e.history, prev)
		}
		e.rec.Store(rec)

		if rec.Kind == order.KindFungible && rec.Sequence >= sb.nextSequence {
			sb.nextSequence = rec.Sequence + 1
		}
	}
}

// Apply installs one persisted record during log replay. A record with a
// later CreatedAt is a relisting and archives the current one; an older one
// is stale and ignored.
func (s *Store) Apply(l *order.Listing) {
	rec := l.Clone()
	e, fresh := s.entryFor(rec.Fingerprint)

	e.mu.Lock()
	if cur := e.rec.Load(); cur != nil {
		if rec.CreatedAt.Before(cur.CreatedAt) {
			e.mu.Unlock()
			return
		}
		if rec.CreatedAt.After(cur.CreatedAt) {
			e.history = append(e.history, cur)
		}
	}
	e.rec.Store(rec)
	e.mu.Unlock()

	sb := s.book(rec.Seller)
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if fresh {
		sb.fingerprints = append(sb.fingerprints, rec.Fingerprint)
	}
	if rec.Kind == order.KindFungible && rec.Sequence >= sb.nextSequence {
		sb.nextSequence = rec.Sequence + 1
	}
}

// All returns every record, current and archived, oldest first. The result
// feeds Restore when taking a snapshot.
func (s *Store) All() []*order.Listing {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]*order.Listing, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		for _, h := range e.history {
			out = append(out, h.Clone())
		}
		if cur := e.rec.Load(); cur != nil {
			out = append(out, cur.Clone())
		}
		e.mu.Unlock()
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
