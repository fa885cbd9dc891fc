package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"SwapLedger/internal/event"
	"SwapLedger/internal/fee"
	"SwapLedger/internal/ledger"
	"SwapLedger/internal/observability"
	"SwapLedger/internal/order"
	"SwapLedger/internal/orderbook"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Ledger is what the exchange needs from the asset ledger: settlement
// transactions plus the admin and recovery surface of MemoryLedger.
type Ledger interface {
	ledger.Ledger

	Deposit(ctx context.Context, owner common.Address, amount *uint256.Int) (*ledger.Batch, error)
	MintFungible(ctx context.Context, contract, owner common.Address, amount *uint256.Int) (*ledger.Batch, error)
	MintNFT(ctx context.Context, contract common.Address, tokenID *uint256.Int, owner common.Address) (*ledger.Batch, error)
	SetApprovalForAll(ctx context.Context, owner, contract common.Address, approved bool) error

	OnCommit(fn func(*ledger.Batch))
	Snapshot() (*ledger.TrackerState, int64)
	Restore(s *ledger.TrackerState, sequence int64) error
	Replay(batch *ledger.Batch) error
}

// Config holds exchange settings
type Config struct {
	// Wallet credited with platform fees and retained surplus
	FeeSink common.Address

	// Return tendered - price to the buyer instead of retaining it
	RefundOverpayment bool

	IdempotencyCapacity int

	// Output channel capacities. Zero disables the channel (tests and
	// embedded use without persistence).
	PersistBuffer int
	PublishBuffer int
}

// Output is one item handed to the persistence worker and publisher.
// Events carry an envelope; command records carry only Command.
type Output struct {
	Envelope  *event.EventEnvelope
	Event     event.Event
	Batch     *ledger.Batch  // set for LedgerBatch events
	Listing   *order.Listing // set for listing events
	Command   *CommandRecord
	EmittedAt time.Time
}

// CommandRecord is the durable idempotency row for a processed command
type CommandRecord struct {
	RequestID   string
	Type        CommandType
	Result      []byte
	ProcessedAt time.Time
}

// Exchange is the settlement engine. It owns the order book, drives the
// ledger and emits a hash-chained event log of every state change.
type Exchange struct {
	store  *orderbook.Store
	ledger Ledger
	policy *fee.Policy
	clock  order.Clock
	cfg    Config

	idempotency *IdempotencyChecker
	inflight    singleflight.Group

	// emitMu orders sequence assignment, hashing and channel sends
	emitMu   sync.Mutex
	sequence int64
	hasher   *StateHasher

	// snapMu is held shared by every state-changing operation and
	// exclusively by Snapshot, so a snapshot never splits an operation.
	snapMu sync.RWMutex

	persistChan chan Output
	publishChan chan Output

	metrics *observability.Metrics
	logger  zerolog.Logger
}

// NewExchange wires an exchange to l. It registers itself as l's commit hook.
// dedup may be nil; metrics may be nil (a private registry is used).
func NewExchange(l Ledger, policy *fee.Policy, clock order.Clock, cfg Config,
	dedup DBIdempotencyChecker, metrics *observability.Metrics, logger zerolog.Logger) *Exchange {

	if clock == nil {
		clock = order.RealClock{}
	}
	if policy == nil {
		policy = fee.DefaultPolicy()
	}
	if metrics == nil {
		metrics = observability.NewMetrics(prometheus.NewRegistry())
	}
	if cfg.IdempotencyCapacity <= 0 {
		cfg.IdempotencyCapacity = 100_000
	}

	x := &Exchange{
		store:       orderbook.NewStore(l, clock),
		ledger:      l,
		policy:      policy,
		clock:       clock,
		cfg:         cfg,
		idempotency: NewIdempotencyChecker(cfg.IdempotencyCapacity, dedup, metrics, logger),
		hasher:      NewStateHasher(),
		metrics:     metrics,
		logger:      logger,
	}
	if cfg.PersistBuffer > 0 {
		x.persistChan = make(chan Output, cfg.PersistBuffer)
	}
	if cfg.PublishBuffer > 0 {
		x.publishChan = make(chan Output, cfg.PublishBuffer)
	}

	l.OnCommit(x.onLedgerCommit)
	return x
}

// PersistOutputs is drained by the persistence worker. Nil when disabled.
func (x *Exchange) PersistOutputs() <-chan Output { return x.persistChan }

// PublishOutputs is drained by the event publisher. Nil when disabled.
func (x *Exchange) PublishOutputs() <-chan Output { return x.publishChan }

// Store exposes the order book for read-only queries.
func (x *Exchange) Store() *orderbook.Store { return x.store }

// Close closes the output channels. No operation may run afterwards.
func (x *Exchange) Close() {
	x.snapMu.Lock()
	defer x.snapMu.Unlock()
	x.emitMu.Lock()
	defer x.emitMu.Unlock()
	if x.persistChan != nil {
		close(x.persistChan)
		x.persistChan = nil
	}
	if x.publishChan != nil {
		close(x.publishChan)
		x.publishChan = nil
	}
}

// Sequence returns the sequence of the last emitted event
func (x *Exchange) Sequence() int64 {
	x.emitMu.Lock()
	defer x.emitMu.Unlock()
	return x.sequence
}

// StateHash returns the current chain tip
func (x *Exchange) StateHash() [32]byte {
	x.emitMu.Lock()
	defer x.emitMu.Unlock()
	return x.hasher.GetPrevHash()
}

// === Listings ===

// CreateNonFungibleListing lists one token for sale.
func (x *Exchange) CreateNonFungibleListing(ctx context.Context, seller, contract common.Address, tokenID, price *uint256.Int, expiry time.Time) (fp order.Fingerprint, err error) {
	defer x.observe("create_nft_listing", time.Now(), &err)

	x.snapMu.RLock()
	defer x.snapMu.RUnlock()

	l, err := x.store.CreateNonFungible(ctx, seller, contract, tokenID, price, expiry)
	if err != nil {
		return order.Fingerprint{}, err
	}
	x.emit(requestIDFrom(ctx), &event.ListingCreated{Listing: order.NewListingView(l)}, nil, l)

	x.logger.Debug().
		Str("fingerprint", l.Fingerprint.Hex()).
		Str("seller", seller.Hex()).
		Str("token_id", tokenID.Dec()).
		Str("price", price.Dec()).
		Msg("nft listing created")
	return l.Fingerprint, nil
}

// CreateFungibleListing lists amount of a fungible token under the seller's
// next sequence number.
func (x *Exchange) CreateFungibleListing(ctx context.Context, seller, contract common.Address, amount, price *uint256.Int, expiry time.Time) (fp order.Fingerprint, err error) {
	defer x.observe("create_otc_listing", time.Now(), &err)

	x.snapMu.RLock()
	defer x.snapMu.RUnlock()

	l, err := x.store.CreateFungible(ctx, seller, contract, amount, price, expiry)
	if err != nil {
		return order.Fingerprint{}, err
	}
	x.emit(requestIDFrom(ctx), &event.ListingCreated{Listing: order.NewListingView(l)}, nil, l)

	x.logger.Debug().
		Str("fingerprint", l.Fingerprint.Hex()).
		Str("seller", seller.Hex()).
		Uint64("sequence", l.Sequence).
		Str("amount", amount.Dec()).
		Msg("otc listing created")
	return l.Fingerprint, nil
}

// ComputeFingerprint derives a listing id without touching state.
func (x *Exchange) ComputeFingerprint(kind order.Kind, seller, contract common.Address, idOrSeq *uint256.Int) order.Fingerprint {
	return order.ComputeFingerprint(kind, seller, contract, idOrSeq)
}

// GetOrder returns the listing with derived expiry applied.
func (x *Exchange) GetOrder(fp order.Fingerprint) (*order.Listing, error) {
	return x.store.Get(fp)
}

// ListSellerListings returns every fingerprint seller has listed, oldest first.
func (x *Exchange) ListSellerListings(seller common.Address) []order.Fingerprint {
	return x.store.ListBySeller(seller)
}

// ListingHistory returns the records fp held before it was relisted.
func (x *Exchange) ListingHistory(fp order.Fingerprint) []*order.Listing {
	return x.store.History(fp)
}

// NextSequence returns the sequence the seller's next OTC listing will use.
func (x *Exchange) NextSequence(seller common.Address) uint64 {
	return x.store.NextSequence(seller)
}

// OpenByContract returns open listings of one asset contract.
func (x *Exchange) OpenByContract(contract common.Address) []*order.Listing {
	return x.store.OpenByContract(contract)
}

// Cancel withdraws an open listing. Only the seller may cancel.
func (x *Exchange) Cancel(ctx context.Context, fp order.Fingerprint, caller common.Address) (err error) {
	defer x.observe("cancel", time.Now(), &err)

	if err := ctx.Err(); err != nil {
		return err
	}

	x.snapMu.RLock()
	defer x.snapMu.RUnlock()

	unlock, err := x.store.Lock(fp)
	if err != nil {
		return err
	}
	defer unlock()

	l, err := x.store.Cancel(fp, caller, x.clock.Now())
	if err != nil {
		return err
	}
	x.emit(requestIDFrom(ctx), &event.ListingCancelled{Listing: order.NewListingView(l)}, nil, l)

	x.logger.Debug().Str("fingerprint", fp.Hex()).Msg("listing cancelled")
	return nil
}

// === Settlement ===

// Fulfill buys listing fp for buyer, who tenders payment wei. On success
// the asset moves to the buyer, the seller receives price minus fee, the
// fee sink receives the fee, and any surplus is retained or refunded. On
// any failure no balance or ownership changes.
func (x *Exchange) Fulfill(ctx context.Context, fp order.Fingerprint, buyer common.Address, payment *uint256.Int) (rcpt *order.Receipt, err error) {
	defer x.observe("fulfill", time.Now(), &err)

	if payment == nil {
		return nil, fmt.Errorf("%w: payment is required", order.ErrInvalidParameters)
	}
	if buyer == (common.Address{}) {
		return nil, fmt.Errorf("%w: buyer must not be the zero address", order.ErrInvalidParameters)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	x.snapMu.RLock()
	defer x.snapMu.RUnlock()

	// One settlement per fingerprint at a time; the loser of a race sees
	// the winner's terminal status below.
	unlock, err := x.store.Lock(fp)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := x.clock.Now()
	l, err := x.store.Get(fp)
	if err != nil {
		return nil, err
	}
	switch l.Status {
	case order.StatusOpen:
	case order.StatusExpired:
		return nil, fmt.Errorf("%w: %s expired at %s", order.ErrExpired, fp.Hex(), l.Expiry.UTC().Format(time.RFC3339))
	default:
		return nil, fmt.Errorf("%w: %s is %s", order.ErrNotOpen, fp.Hex(), l.Status)
	}
	if payment.Lt(&l.Price) {
		return nil, fmt.Errorf("%w: tendered %s, price %s", order.ErrInsufficientPayment, payment.Dec(), l.Price.Dec())
	}
	if buyer == l.Seller {
		return nil, fmt.Errorf("%w: seller cannot buy their own listing", order.ErrInvalidParameters)
	}

	price := l.Price
	feeAmt, proceeds := x.policy.Split(&price)
	surplus := new(uint256.Int).Sub(payment, &price)

	tx := x.ledger.Begin(fp.Hex())
	tx.EscrowPayment(buyer, payment)
	if l.Kind == order.KindFungible {
		tx.TransferToken(l.AssetContract, &l.Amount, l.Seller, buyer)
	} else {
		tx.TransferNFT(l.AssetContract, &l.TokenID, l.Seller, buyer)
	}
	tx.Release(ledger.JournalTypeSellerProceeds, l.Seller, proceeds)
	tx.Release(ledger.JournalTypePlatformFee, x.cfg.FeeSink, feeAmt)
	if x.cfg.RefundOverpayment {
		tx.Release(ledger.JournalTypeSurplusRefund, buyer, surplus)
	} else {
		tx.Release(ledger.JournalTypeSurplusRetained, x.cfg.FeeSink, surplus)
	}

	batch, err := tx.Commit(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return nil, err
		}
		x.metrics.LedgerBatches.WithLabelValues("rejected").Inc()
		x.logger.Warn().Err(err).
			Str("fingerprint", fp.Hex()).
			Str("buyer", buyer.Hex()).
			Msg("settlement rejected by ledger")
		return nil, fmt.Errorf("%w: %w", order.ErrLedgerFailure, err)
	}

	updated, err := x.store.MarkFulfilled(fp, buyer, now)
	if err != nil {
		// Ledger moved but the listing did not; undo the ledger side.
		x.compensate(batch, err)
		return nil, err
	}

	rcpt = &order.Receipt{
		ID:             uuid.New(),
		Fingerprint:    fp,
		Buyer:          buyer,
		Seller:         l.Seller,
		Price:          price,
		Fee:            *feeAmt,
		SellerProceeds: *proceeds,
		Tendered:       *payment,
		Surplus:        *surplus,
		Refunded:       x.cfg.RefundOverpayment && !surplus.IsZero(),
		SettledAt:      now,
	}

	x.emit(requestIDFrom(ctx), &event.ListingFulfilled{
		Listing: order.NewListingView(updated),
		Receipt: order.NewReceiptView(rcpt),
		BatchID: batch.BatchID.String(),
	}, nil, updated)

	x.recordSettlement(l, rcpt)

	x.logger.Info().
		Str("fingerprint", fp.Hex()).
		Str("kind", l.Kind.String()).
		Str("seller", l.Seller.Hex()).
		Str("buyer", buyer.Hex()).
		Str("price", price.Dec()).
		Str("fee", feeAmt.Dec()).
		Str("surplus", surplus.Dec()).
		Int64("ledger_seq", batch.Sequence).
		Msg("listing fulfilled")
	return rcpt, nil
}

// compensate reverses a committed batch. A failed reversal leaves the
// ledger and the book disagreeing, which cannot be repaired online.
func (x *Exchange) compensate(batch *ledger.Batch, cause error) {
	x.logger.Error().Err(cause).
		Str("batch_id", batch.BatchID.String()).
		Str("event_ref", batch.EventRef).
		Msg("listing transition failed after ledger commit, compensating")

	if err := x.ledger.Compensate(context.Background(), batch); err != nil {
		x.metrics.LedgerCompensations.WithLabelValues("failed").Inc()
		panic(fmt.Sprintf("FATAL: compensation of batch %s failed: %v (cause: %v)", batch.BatchID, err, cause))
	}
	x.metrics.LedgerCompensations.WithLabelValues("applied").Inc()
}

func (x *Exchange) recordSettlement(l *order.Listing, r *order.Receipt) {
	x.metrics.SettledValueWei.WithLabelValues(l.Kind.String()).Add(r.Price.Float64())
	x.metrics.FeesCollectedWei.Add(r.Fee.Float64())
	if !r.Surplus.IsZero() {
		disposition := "retained"
		if r.Refunded {
			disposition = "refunded"
		}
		x.metrics.SurplusWei.WithLabelValues(disposition).Add(r.Surplus.Float64())
	}
}

// === Ledger administration ===

func (x *Exchange) ledgerError(err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, ledger.ErrTokenExists):
		return fmt.Errorf("%w: %w", order.ErrInvalidParameters, err)
	default:
		return fmt.Errorf("%w: %w", order.ErrLedgerFailure, err)
	}
}

// Deposit credits native currency to owner.
func (x *Exchange) Deposit(ctx context.Context, owner common.Address, amount *uint256.Int) (err error) {
	defer x.observe("deposit", time.Now(), &err)

	if owner == (common.Address{}) {
		return fmt.Errorf("%w: owner must not be the zero address", order.ErrInvalidParameters)
	}
	if amount == nil || amount.IsZero() {
		return fmt.Errorf("%w: deposit amount must be positive", order.ErrInvalidParameters)
	}

	x.snapMu.RLock()
	defer x.snapMu.RUnlock()
	if _, err := x.ledger.Deposit(ctx, owner, amount); err != nil {
		return x.ledgerError(err)
	}
	return nil
}

// MintNFT creates a token owned by owner.
func (x *Exchange) MintNFT(ctx context.Context, contract common.Address, tokenID *uint256.Int, owner common.Address) (err error) {
	defer x.observe("mint_nft", time.Now(), &err)

	if owner == (common.Address{}) || contract == (common.Address{}) {
		return fmt.Errorf("%w: owner and contract must not be the zero address", order.ErrInvalidParameters)
	}
	if tokenID == nil {
		return fmt.Errorf("%w: token id is required", order.ErrInvalidParameters)
	}

	x.snapMu.RLock()
	defer x.snapMu.RUnlock()
	if _, err := x.ledger.MintNFT(ctx, contract, tokenID, owner); err != nil {
		return x.ledgerError(err)
	}
	return nil
}

// MintToken issues fungible tokens to owner.
func (x *Exchange) MintToken(ctx context.Context, contract, owner common.Address, amount *uint256.Int) (err error) {
	defer x.observe("mint_token", time.Now(), &err)

	if owner == (common.Address{}) || contract == (common.Address{}) {
		return fmt.Errorf("%w: owner and contract must not be the zero address", order.ErrInvalidParameters)
	}
	if amount == nil || amount.IsZero() {
		return fmt.Errorf("%w: mint amount must be positive", order.ErrInvalidParameters)
	}

	x.snapMu.RLock()
	defer x.snapMu.RUnlock()
	if _, err := x.ledger.MintFungible(ctx, contract, owner, amount); err != nil {
		return x.ledgerError(err)
	}
	return nil
}

// SetApprovalForAll grants or revokes the exchange's operator right over
// owner's holdings of contract.
func (x *Exchange) SetApprovalForAll(ctx context.Context, owner, contract common.Address, approved bool) (err error) {
	defer x.observe("set_approval", time.Now(), &err)

	if owner == (common.Address{}) || contract == (common.Address{}) {
		return fmt.Errorf("%w: owner and contract must not be the zero address", order.ErrInvalidParameters)
	}

	x.snapMu.RLock()
	defer x.snapMu.RUnlock()
	if err := x.ledger.SetApprovalForAll(ctx, owner, contract, approved); err != nil {
		return x.ledgerError(err)
	}
	x.emit(requestIDFrom(ctx), &event.ApprovalChanged{
		Owner:    owner.Hex(),
		Contract: contract.Hex(),
		Approved: approved,
	}, nil, nil)
	return nil
}

// BalanceOf returns owner's balance of asset (ledger.NativeCurrency for wei).
func (x *Exchange) BalanceOf(ctx context.Context, owner, asset common.Address) (*uint256.Int, error) {
	return x.ledger.BalanceOf(ctx, owner, asset)
}

// OwnerOf returns the current owner of a token.
func (x *Exchange) OwnerOf(ctx context.Context, contract common.Address, tokenID *uint256.Int) (common.Address, error) {
	return x.ledger.OwnerOf(ctx, contract, tokenID)
}

// === Event emission ===

// onLedgerCommit runs under the ledger lock for every applied batch. It
// must not call back into the ledger.
func (x *Exchange) onLedgerCommit(b *ledger.Batch) {
	x.metrics.LedgerBatches.WithLabelValues("committed").Inc()
	for i := range b.Journals {
		x.metrics.LedgerJournals.WithLabelValues(b.Journals[i].JournalType.String()).Inc()
	}
	x.emit("", event.NewLedgerBatch(b), b, nil)
}

// emit assigns the next sequence, extends the hash chain and hands the
// event to the output channels. Persistence blocks (backpressure);
// publishing drops when the publisher falls behind.
func (x *Exchange) emit(requestID string, evt event.Event, batch *ledger.Batch, listing *order.Listing) {
	payload, err := event.Encode(evt)
	if err != nil {
		panic(fmt.Sprintf("FATAL: %v", err))
	}

	x.emitMu.Lock()
	defer x.emitMu.Unlock()

	x.sequence++
	prev := x.hasher.GetPrevHash()
	hash := x.hasher.ComputeHash(x.sequence, int32(evt.EventType()), payload)

	out := Output{
		Envelope: &event.EventEnvelope{
			Sequence:       x.sequence,
			IdempotencyKey: requestID,
			EventType:      evt.EventType(),
			AggregateID:    evt.AggregateID(),
			Timestamp:      x.clock.Now().UTC(),
			Payload:        payload,
			StateHash:      hash,
			PrevHash:       prev,
		},
		Event:     evt,
		Batch:     batch,
		Listing:   listing,
		EmittedAt: time.Now(),
	}
	x.metrics.EventSequence.Set(float64(x.sequence))

	x.sendPersist(out)
	x.sendPublish(out)
}

// emitCommand records a processed command for the durable idempotency tier.
func (x *Exchange) emitCommand(cmd *Command, result []byte) {
	x.emitMu.Lock()
	defer x.emitMu.Unlock()
	x.sendPersist(Output{
		Command: &CommandRecord{
			RequestID:   cmd.RequestID,
			Type:        cmd.Type,
			Result:      result,
			ProcessedAt: x.clock.Now().UTC(),
		},
		EmittedAt: time.Now(),
	})
}

// must be called with emitMu held
func (x *Exchange) sendPersist(out Output) {
	if x.persistChan == nil {
		return
	}
	select {
	case x.persistChan <- out:
	default:
		x.metrics.PersistBackpressure.Inc()
		x.persistChan <- out
	}
	x.metrics.SetChannelMetrics("persist", len(x.persistChan), cap(x.persistChan))
}

// must be called with emitMu held
func (x *Exchange) sendPublish(out Output) {
	if x.publishChan == nil {
		return
	}
	select {
	case x.publishChan <- out:
	default:
		x.metrics.PublishDrops.Inc()
	}
	x.metrics.SetChannelMetrics("publish", len(x.publishChan), cap(x.publishChan))
}

func (x *Exchange) observe(op string, start time.Time, errp *error) {
	x.metrics.ExchangeOps.WithLabelValues(op, order.KindOf(*errp)).Inc()
	x.metrics.ExchangeOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// RefreshGauges recomputes listing counts by status.
func (x *Exchange) RefreshGauges() {
	stats := x.store.Stats()
	for _, st := range []order.Status{order.StatusOpen, order.StatusFulfilled, order.StatusCancelled, order.StatusExpired} {
		x.metrics.ListingsByStatus.WithLabelValues(st.String()).Set(float64(stats[st]))
	}
}
