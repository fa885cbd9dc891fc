package core_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"SwapLedger/internal/core"
	"SwapLedger/internal/event"
	"SwapLedger/internal/fee"
	"SwapLedger/internal/ledger"
	"SwapLedger/internal/order"
	"SwapLedger/internal/testutil"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"
)

var (
	seller   = common.HexToAddress("0x00000000000000000000000000000000000005e1")
	buyer    = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	buyer2   = common.HexToAddress("0x0000000000000000000000000000000000000ca7")
	feeSink  = common.HexToAddress("0x0000000000000000000000000000000000000fee")
	nftAddr  = common.HexToAddress("0x1000000000000000000000000000000000000721")
	tokenErc = common.HexToAddress("0x2000000000000000000000000000000000000020")
)

type fixture struct {
	ctx    context.Context
	clock  *testutil.ManualClock
	ledger *ledger.MemoryLedger
	x      *core.Exchange
}

func newFixture(t *testing.T, cfg core.Config) *fixture {
	t.Helper()
	clock := testutil.NewManualClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	l := ledger.NewMemoryLedger()
	l.SetClock(clock.Now)

	cfg.FeeSink = feeSink
	x := core.NewExchange(l, fee.DefaultPolicy(), clock, cfg, nil, nil, zerolog.Nop())
	return &fixture{ctx: context.Background(), clock: clock, ledger: l, x: x}
}

// seed mints NFTs 1..n and 1000 fungible tokens to the seller, approves
// the exchange for both, and funds each buyer with 100 ETH.
func (f *fixture) seed(t *testing.T, n uint64) {
	t.Helper()
	for id := uint64(1); id <= n; id++ {
		if err := f.x.MintNFT(f.ctx, nftAddr, uint256.NewInt(id), seller); err != nil {
			t.Fatalf("mint nft %d: %v", id, err)
		}
	}
	if err := f.x.MintToken(f.ctx, tokenErc, seller, uint256.NewInt(1_000)); err != nil {
		t.Fatalf("mint token: %v", err)
	}
	for _, c := range []common.Address{nftAddr, tokenErc} {
		if err := f.x.SetApprovalForAll(f.ctx, seller, c, true); err != nil {
			t.Fatalf("approve %s: %v", c.Hex(), err)
		}
	}
	for _, b := range []common.Address{buyer, buyer2} {
		if err := f.x.Deposit(f.ctx, b, testutil.Ether(100)); err != nil {
			t.Fatalf("deposit: %v", err)
		}
	}
}

func (f *fixture) expiry() time.Time { return f.clock.Now().Add(time.Hour) }

func (f *fixture) listNFT(t *testing.T, id uint64, price *uint256.Int) order.Fingerprint {
	t.Helper()
	fp, err := f.x.CreateNonFungibleListing(f.ctx, seller, nftAddr, uint256.NewInt(id), price, f.expiry())
	if err != nil {
		t.Fatalf("list nft %d: %v", id, err)
	}
	return fp
}

func (f *fixture) balance(t *testing.T, owner, asset common.Address) *uint256.Int {
	t.Helper()
	bal, err := f.x.BalanceOf(f.ctx, owner, asset)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return bal
}

func (f *fixture) eth(t *testing.T, owner common.Address) *uint256.Int {
	t.Helper()
	return f.balance(t, owner, ledger.NativeCurrency)
}

func drain(ch <-chan core.Output) []core.Output {
	var outs []core.Output
	for {
		select {
		case o := <-ch:
			outs = append(outs, o)
		default:
			return outs
		}
	}
}

func envelopes(outs []core.Output) []*event.EventEnvelope {
	var envs []*event.EventEnvelope
	for _, o := range outs {
		if o.Envelope != nil {
			envs = append(envs, o.Envelope)
		}
	}
	return envs
}

// ============================================================================
// Test: NFT settlement
// ============================================================================

func TestFulfill_FiveListingsTwoSales(t *testing.T) {
	f := newFixture(t, core.Config{})
	f.seed(t, 5)

	fps := make([]order.Fingerprint, 0, 5)
	for id := uint64(1); id <= 5; id++ {
		fps = append(fps, f.listNFT(t, id, testutil.Ether(10)))
	}

	perSale := testutil.Wei(t, "9500000000000000000")

	for i := 0; i < 2; i++ {
		before := f.eth(t, seller)
		rcpt, err := f.x.Fulfill(f.ctx, fps[i], buyer, testutil.Ether(10))
		if err != nil {
			t.Fatalf("fulfill %d: %v", i, err)
		}
		gained := new(uint256.Int).Sub(f.eth(t, seller), before)
		if !gained.Eq(perSale) {
			t.Errorf("sale %d: seller gained %s, want %s", i, gained.Dec(), perSale.Dec())
		}
		if !rcpt.SellerProceeds.Eq(perSale) {
			t.Errorf("receipt proceeds: got %s, want %s", rcpt.SellerProceeds.Dec(), perSale.Dec())
		}
		if want := testutil.Wei(t, "500000000000000000"); !rcpt.Fee.Eq(want) {
			t.Errorf("receipt fee: got %s, want %s", rcpt.Fee.Dec(), want.Dec())
		}
	}

	if got := f.eth(t, seller); !got.Eq(testutil.Ether(19)) {
		t.Errorf("seller: got %s, want 19 ETH", got.Dec())
	}
	if got := f.eth(t, feeSink); !got.Eq(testutil.Ether(1)) {
		t.Errorf("fee sink: got %s, want 1 ETH", got.Dec())
	}
	if got := f.eth(t, buyer); !got.Eq(testutil.Ether(80)) {
		t.Errorf("buyer: got %s, want 80 ETH", got.Dec())
	}

	for i, fp := range fps {
		l, err := f.x.GetOrder(fp)
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
		owner, _ := f.x.OwnerOf(f.ctx, nftAddr, uint256.NewInt(uint64(i+1)))
		if i < 2 {
			if l.Status != order.StatusFulfilled || l.Buyer == nil || *l.Buyer != buyer {
				t.Errorf("listing %d: got %s, want fulfilled by buyer", i, l.Status)
			}
			if owner != buyer {
				t.Errorf("token %d: owner %s, want buyer", i+1, owner.Hex())
			}
		} else {
			if l.Status != order.StatusOpen {
				t.Errorf("listing %d: got %s, want open", i, l.Status)
			}
			if owner != seller {
				t.Errorf("token %d: owner %s, want seller", i+1, owner.Hex())
			}
		}
	}

	if err := f.ledger.CheckInvariants(); err != nil {
		t.Errorf("invariants: %v", err)
	}
}

func TestFulfill_OverpaymentRetained(t *testing.T) {
	f := newFixture(t, core.Config{})
	f.seed(t, 1)
	fp := f.listNFT(t, 1, uint256.NewInt(10))

	buyerBefore := f.eth(t, buyer)
	rcpt, err := f.x.Fulfill(f.ctx, fp, buyer, uint256.NewInt(100))
	if err != nil {
		t.Fatalf("fulfill: %v", err)
	}

	// floor(10 * 5%) = 0, so the seller nets the full price
	if !rcpt.Fee.IsZero() {
		t.Errorf("fee: got %s, want 0", rcpt.Fee.Dec())
	}
	if got := f.eth(t, seller); !got.Eq(uint256.NewInt(10)) {
		t.Errorf("seller: got %s, want 10", got.Dec())
	}
	if got := f.eth(t, feeSink); !got.Eq(uint256.NewInt(90)) {
		t.Errorf("fee sink: got %s, want 90 (retained surplus)", got.Dec())
	}
	spent := new(uint256.Int).Sub(buyerBefore, f.eth(t, buyer))
	if !spent.Eq(uint256.NewInt(100)) {
		t.Errorf("buyer spent %s, want 100", spent.Dec())
	}
	if rcpt.Refunded || !rcpt.Surplus.Eq(uint256.NewInt(90)) {
		t.Errorf("receipt surplus: got %s refunded=%v, want 90 retained", rcpt.Surplus.Dec(), rcpt.Refunded)
	}
}

func TestFulfill_OverpaymentRefunded(t *testing.T) {
	f := newFixture(t, core.Config{RefundOverpayment: true})
	f.seed(t, 1)
	fp := f.listNFT(t, 1, uint256.NewInt(10))

	buyerBefore := f.eth(t, buyer)
	rcpt, err := f.x.Fulfill(f.ctx, fp, buyer, uint256.NewInt(100))
	if err != nil {
		t.Fatalf("fulfill: %v", err)
	}

	spent := new(uint256.Int).Sub(buyerBefore, f.eth(t, buyer))
	if !spent.Eq(uint256.NewInt(10)) {
		t.Errorf("buyer spent %s, want 10", spent.Dec())
	}
	if !f.eth(t, feeSink).IsZero() {
		t.Errorf("fee sink: got %s, want 0", f.eth(t, feeSink).Dec())
	}
	if !rcpt.Refunded {
		t.Error("receipt should report the refund")
	}
}

func TestFulfill_ConcurrentBuyers(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, core.Config{})
	f.seed(t, 1)
	fp := f.listNFT(t, 1, testutil.Ether(10))

	var (
		mu   sync.Mutex
		errs []error
	)
	var g errgroup.Group
	for _, b := range []common.Address{buyer, buyer2} {
		b := b
		g.Go(func() error {
			_, err := f.x.Fulfill(f.ctx, fp, b, testutil.Ether(10))
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	var ok, notOpen int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, order.ErrNotOpen):
			notOpen++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || notOpen != 1 {
		t.Errorf("got %d successes and %d NotOpen, want 1 and 1", ok, notOpen)
	}

	total := new(uint256.Int).Add(f.eth(t, buyer), f.eth(t, buyer2))
	if !total.Eq(testutil.Ether(190)) {
		t.Errorf("buyers hold %s, want 190 ETH (exactly one payment)", total.Dec())
	}
}

// ============================================================================
// Test: Fungible (OTC) settlement
// ============================================================================

func TestFulfill_TwoHalfBalanceOTCListings(t *testing.T) {
	f := newFixture(t, core.Config{})
	f.seed(t, 0)

	half := uint256.NewInt(500)
	fp1, err := f.x.CreateFungibleListing(f.ctx, seller, tokenErc, half, testutil.Ether(1), f.expiry())
	if err != nil {
		t.Fatalf("list 1: %v", err)
	}
	fp2, err := f.x.CreateFungibleListing(f.ctx, seller, tokenErc, half, testutil.Ether(1), f.expiry())
	if err != nil {
		t.Fatalf("list 2: %v", err)
	}
	if fp1 == fp2 {
		t.Fatal("identical OTC listings must get distinct fingerprints")
	}
	if want := f.x.ComputeFingerprint(order.KindFungible, seller, tokenErc, uint256.NewInt(1)); fp2 != want {
		t.Errorf("second fingerprint: got %s, want sequence-1 fingerprint %s", fp2.Hex(), want.Hex())
	}

	for _, fp := range []order.Fingerprint{fp1, fp2} {
		if _, err := f.x.Fulfill(f.ctx, fp, buyer, testutil.Ether(1)); err != nil {
			t.Fatalf("fulfill %s: %v", fp.Hex(), err)
		}
	}

	if got := f.balance(t, buyer, tokenErc); !got.Eq(uint256.NewInt(1_000)) {
		t.Errorf("buyer tokens: got %s, want 1000", got.Dec())
	}
	if got := f.balance(t, seller, tokenErc); !got.IsZero() {
		t.Errorf("seller tokens: got %s, want 0", got.Dec())
	}
}

func TestFulfill_OTCShortfallIsLedgerFailure(t *testing.T) {
	f := newFixture(t, core.Config{})
	f.seed(t, 0)

	amt := uint256.NewInt(800)
	fp1, _ := f.x.CreateFungibleListing(f.ctx, seller, tokenErc, amt, testutil.Ether(1), f.expiry())
	fp2, _ := f.x.CreateFungibleListing(f.ctx, seller, tokenErc, amt, testutil.Ether(1), f.expiry())

	if _, err := f.x.Fulfill(f.ctx, fp1, buyer, testutil.Ether(1)); err != nil {
		t.Fatalf("first fulfill: %v", err)
	}
	_, err := f.x.Fulfill(f.ctx, fp2, buyer2, testutil.Ether(1))
	if !errors.Is(err, order.ErrLedgerFailure) {
		t.Fatalf("got %v, want LedgerFailure", err)
	}

	l, _ := f.x.GetOrder(fp2)
	if l.Status != order.StatusOpen {
		t.Errorf("status: got %s, want open", l.Status)
	}
	if got := f.eth(t, buyer2); !got.Eq(testutil.Ether(100)) {
		t.Errorf("buyer2: got %s, want untouched 100 ETH", got.Dec())
	}
}

// ============================================================================
// Test: Atomicity
// ============================================================================

func TestFulfill_FaultLeavesStateUnchanged(t *testing.T) {
	faults := []ledger.JournalType{
		ledger.JournalTypeEscrowDebit,
		ledger.JournalTypeNFTTransfer,
		ledger.JournalTypeSellerProceeds,
		ledger.JournalTypePlatformFee,
	}

	for _, jt := range faults {
		t.Run(jt.String(), func(t *testing.T) {
			f := newFixture(t, core.Config{})
			f.seed(t, 1)
			fp := f.listNFT(t, 1, testutil.Ether(10))

			sellerBefore := f.eth(t, seller)
			buyerBefore := f.eth(t, buyer)

			f.ledger.InjectFault(jt, errors.New("injected"))
			_, err := f.x.Fulfill(f.ctx, fp, buyer, testutil.Ether(10))
			if !errors.Is(err, order.ErrLedgerFailure) {
				t.Fatalf("got %v, want LedgerFailure", err)
			}

			if got := f.eth(t, seller); !got.Eq(sellerBefore) {
				t.Errorf("seller: got %s, want %s", got.Dec(), sellerBefore.Dec())
			}
			if got := f.eth(t, buyer); !got.Eq(buyerBefore) {
				t.Errorf("buyer: got %s, want %s", got.Dec(), buyerBefore.Dec())
			}
			if owner, _ := f.x.OwnerOf(f.ctx, nftAddr, uint256.NewInt(1)); owner != seller {
				t.Errorf("owner: got %s, want seller", owner.Hex())
			}
			if l, _ := f.x.GetOrder(fp); l.Status != order.StatusOpen {
				t.Errorf("status: got %s, want open", l.Status)
			}
			if err := f.ledger.CheckInvariants(); err != nil {
				t.Errorf("invariants: %v", err)
			}

			f.ledger.ClearFaults()
			if _, err := f.x.Fulfill(f.ctx, fp, buyer, testutil.Ether(10)); err != nil {
				t.Errorf("retry after clearing fault: %v", err)
			}
		})
	}
}

func TestFulfill_BuyerWithoutFunds(t *testing.T) {
	f := newFixture(t, core.Config{})
	f.seed(t, 1)
	fp := f.listNFT(t, 1, testutil.Ether(500))

	_, err := f.x.Fulfill(f.ctx, fp, buyer, testutil.Ether(500))
	if !errors.Is(err, order.ErrLedgerFailure) {
		t.Fatalf("got %v, want LedgerFailure", err)
	}
	if l, _ := f.x.GetOrder(fp); l.Status != order.StatusOpen {
		t.Errorf("status: got %s, want open", l.Status)
	}
}

func TestFulfill_ApprovalRevokedAfterListing(t *testing.T) {
	f := newFixture(t, core.Config{})
	f.seed(t, 1)
	fp := f.listNFT(t, 1, testutil.Ether(10))

	if err := f.x.SetApprovalForAll(f.ctx, seller, nftAddr, false); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	_, err := f.x.Fulfill(f.ctx, fp, buyer, testutil.Ether(10))
	if !errors.Is(err, order.ErrLedgerFailure) {
		t.Errorf("got %v, want LedgerFailure", err)
	}
}

// ============================================================================
// Test: Rejections
// ============================================================================

func TestFulfill_Rejections(t *testing.T) {
	f := newFixture(t, core.Config{})
	f.seed(t, 2)
	fp := f.listNFT(t, 1, testutil.Ether(10))

	tests := []struct {
		name    string
		fp      order.Fingerprint
		buyer   common.Address
		payment *uint256.Int
		want    error
	}{
		{"unknown fingerprint", order.Fingerprint{0x01}, buyer, testutil.Ether(10), order.ErrNotFound},
		{"underpaid", fp, buyer, testutil.Ether(9), order.ErrInsufficientPayment},
		{"self purchase", fp, seller, testutil.Ether(10), order.ErrInvalidParameters},
		{"zero buyer", fp, common.Address{}, testutil.Ether(10), order.ErrInvalidParameters},
		{"missing payment", fp, buyer, nil, order.ErrInvalidParameters},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.x.Fulfill(f.ctx, tt.fp, tt.buyer, tt.payment)
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}

	if got := f.eth(t, buyer); !got.Eq(testutil.Ether(100)) {
		t.Errorf("buyer: got %s, want 100 ETH after rejections", got.Dec())
	}
}

func TestFulfill_ExpiredBeforePayment(t *testing.T) {
	f := newFixture(t, core.Config{})
	f.seed(t, 1)
	fp := f.listNFT(t, 1, testutil.Ether(10))

	f.clock.Advance(time.Hour)

	_, err := f.x.Fulfill(f.ctx, fp, buyer, testutil.Ether(1))
	if !errors.Is(err, order.ErrExpired) {
		t.Errorf("got %v, want Expired", err)
	}
	l, _ := f.x.GetOrder(fp)
	if l.Status != order.StatusExpired {
		t.Errorf("status: got %s, want expired", l.Status)
	}
}

func TestCancel(t *testing.T) {
	f := newFixture(t, core.Config{})
	f.seed(t, 1)
	fp := f.listNFT(t, 1, testutil.Ether(10))

	if err := f.x.Cancel(f.ctx, fp, buyer); !errors.Is(err, order.ErrUnauthorized) {
		t.Errorf("non-seller cancel: got %v, want Unauthorized", err)
	}
	if err := f.x.Cancel(f.ctx, fp, seller); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := f.x.Cancel(f.ctx, fp, seller); !errors.Is(err, order.ErrNotOpen) {
		t.Errorf("second cancel: got %v, want NotOpen", err)
	}
	if _, err := f.x.Fulfill(f.ctx, fp, buyer, testutil.Ether(10)); !errors.Is(err, order.ErrNotOpen) {
		t.Errorf("fulfill cancelled: got %v, want NotOpen", err)
	}
	if err := f.x.Cancel(f.ctx, order.Fingerprint{0x02}, seller); !errors.Is(err, order.ErrNotFound) {
		t.Errorf("cancel unknown: got %v, want NotFound", err)
	}
}

func TestListSellerListings(t *testing.T) {
	f := newFixture(t, core.Config{})
	f.seed(t, 2)

	fp1 := f.listNFT(t, 1, testutil.Ether(1))
	fp2, _ := f.x.CreateFungibleListing(f.ctx, seller, tokenErc, uint256.NewInt(10), testutil.Ether(1), f.expiry())
	fp3 := f.listNFT(t, 2, testutil.Ether(1))
	_ = f.x.Cancel(f.ctx, fp3, seller)

	got := f.x.ListSellerListings(seller)
	want := []order.Fingerprint{fp1, fp2, fp3}
	if len(got) != len(want) {
		t.Fatalf("got %d listings, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("listing %d: got %s, want %s", i, got[i].Hex(), want[i].Hex())
		}
	}
	if n := len(f.x.ListSellerListings(buyer)); n != 0 {
		t.Errorf("buyer listings: got %d, want 0", n)
	}
}

// ============================================================================
// Test: Commands and idempotency
// ============================================================================

func TestProcessCommand_Idempotent(t *testing.T) {
	f := newFixture(t, core.Config{})
	f.seed(t, 1)
	fp := f.listNFT(t, 1, testutil.Ether(10))

	cmd := &core.Command{
		RequestID:   "req-fulfill-1",
		Type:        core.CommandFulfill,
		Actor:       buyer,
		Fingerprint: fp,
		Tendered:    testutil.Ether(10),
	}

	first, err := f.x.ProcessCommand(f.ctx, cmd)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if first.Err() != nil || first.Receipt == nil {
		t.Fatalf("first result: %+v", first)
	}

	second, err := f.x.ProcessCommand(f.ctx, cmd)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if second.Receipt == nil || second.Receipt.ID != first.Receipt.ID {
		t.Errorf("replayed receipt differs: got %+v, want %+v", second.Receipt, first.Receipt)
	}
	if got := f.eth(t, buyer); !got.Eq(testutil.Ether(90)) {
		t.Errorf("buyer: got %s, want 90 ETH (charged once)", got.Dec())
	}

	// A fresh request id is a new attempt and sees the terminal listing.
	cmd2 := *cmd
	cmd2.RequestID = "req-fulfill-2"
	third, _ := f.x.ProcessCommand(f.ctx, &cmd2)
	if !errors.Is(third.Err(), order.ErrNotOpen) {
		t.Errorf("new request: got %v, want NotOpen", third.Err())
	}
}

func TestProcessCommand_RejectionIsCached(t *testing.T) {
	f := newFixture(t, core.Config{})
	f.seed(t, 1)
	fp := f.listNFT(t, 1, testutil.Ether(10))

	cmd := &core.Command{
		RequestID:   "req-low",
		Type:        core.CommandFulfill,
		Actor:       buyer,
		Fingerprint: fp,
		Tendered:    testutil.Ether(1),
	}
	res, _ := f.x.ProcessCommand(f.ctx, cmd)
	if res.ErrorKind != "insufficient_payment" {
		t.Fatalf("kind: got %q, want insufficient_payment", res.ErrorKind)
	}

	// Same request id with a larger tender still gets the stored answer.
	cmd.Tendered = testutil.Ether(10)
	res, _ = f.x.ProcessCommand(f.ctx, cmd)
	if !errors.Is(res.Err(), order.ErrInsufficientPayment) {
		t.Errorf("got %v, want cached InsufficientPayment", res.Err())
	}
}

func TestProcessCommand_LedgerFailureNotCached(t *testing.T) {
	f := newFixture(t, core.Config{})
	f.seed(t, 1)
	fp := f.listNFT(t, 1, testutil.Ether(10))

	cmd := &core.Command{
		RequestID:   "req-retry",
		Type:        core.CommandFulfill,
		Actor:       buyer,
		Fingerprint: fp,
		Tendered:    testutil.Ether(10),
	}

	f.ledger.InjectFault(ledger.JournalTypeNFTTransfer, errors.New("injected"))
	res, _ := f.x.ProcessCommand(f.ctx, cmd)
	if !errors.Is(res.Err(), order.ErrLedgerFailure) {
		t.Fatalf("got %v, want LedgerFailure", res.Err())
	}

	f.ledger.ClearFaults()
	res, _ = f.x.ProcessCommand(f.ctx, cmd)
	if res.Err() != nil {
		t.Errorf("retry: got %v, want success", res.Err())
	}
}

func TestProcessCommand_UnknownType(t *testing.T) {
	f := newFixture(t, core.Config{})
	res, err := f.x.ProcessCommand(f.ctx, &core.Command{Type: "teleport"})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !errors.Is(res.Err(), order.ErrInvalidParameters) {
		t.Errorf("got %v, want InvalidParameters", res.Err())
	}
}

// ============================================================================
// Test: Event log and recovery
// ============================================================================

func TestEvents_HashChain(t *testing.T) {
	f := newFixture(t, core.Config{PersistBuffer: 1024})
	f.seed(t, 2)
	fp := f.listNFT(t, 1, testutil.Ether(10))
	if _, err := f.x.Fulfill(f.ctx, fp, buyer, testutil.Ether(10)); err != nil {
		t.Fatalf("fulfill: %v", err)
	}

	envs := envelopes(drain(f.x.PersistOutputs()))
	if int64(len(envs)) != f.x.Sequence() {
		t.Fatalf("got %d envelopes, want %d", len(envs), f.x.Sequence())
	}

	prev := core.GenesisHash()
	for i, env := range envs {
		if env.Sequence != int64(i+1) {
			t.Errorf("envelope %d: sequence %d", i, env.Sequence)
		}
		if env.PrevHash != prev {
			t.Errorf("envelope %d: prev hash does not link", i)
		}
		if want := core.ChainHash(prev, env.Sequence, int32(env.EventType), env.Payload); env.StateHash != want {
			t.Errorf("envelope %d: state hash mismatch", i)
		}
		prev = env.StateHash
	}
	if prev != f.x.StateHash() {
		t.Error("chain tip differs from exchange state hash")
	}

	// Settlement emits the ledger batch before the listing transition.
	last, beforeLast := envs[len(envs)-1], envs[len(envs)-2]
	if beforeLast.EventType != event.EventTypeLedgerBatch || last.EventType != event.EventTypeListingFulfilled {
		t.Errorf("tail: got %s, %s; want LedgerBatch, ListingFulfilled", beforeLast.EventType, last.EventType)
	}
}

func TestRestore_ReplayFullLog(t *testing.T) {
	src := newFixture(t, core.Config{PersistBuffer: 1024})
	src.seed(t, 3)
	fp1 := src.listNFT(t, 1, testutil.Ether(10))
	fp2 := src.listNFT(t, 2, testutil.Ether(10))
	otc, _ := src.x.CreateFungibleListing(src.ctx, seller, tokenErc, uint256.NewInt(400), testutil.Ether(2), src.expiry())
	if _, err := src.x.Fulfill(src.ctx, fp1, buyer, testutil.Ether(12)); err != nil {
		t.Fatalf("fulfill nft: %v", err)
	}
	if _, err := src.x.Fulfill(src.ctx, otc, buyer2, testutil.Ether(2)); err != nil {
		t.Fatalf("fulfill otc: %v", err)
	}
	_ = src.x.Cancel(src.ctx, fp2, seller)

	envs := envelopes(drain(src.x.PersistOutputs()))

	dst := newFixture(t, core.Config{})
	if err := dst.x.Restore(nil, envs); err != nil {
		t.Fatalf("restore: %v", err)
	}
	assertSameState(t, src, dst, fp1, fp2, otc)
}

func TestRestore_SnapshotPlusTail(t *testing.T) {
	src := newFixture(t, core.Config{PersistBuffer: 1024})
	src.seed(t, 3)
	fp1 := src.listNFT(t, 1, testutil.Ether(10))

	snap := src.x.Snapshot()
	raw, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("encode snapshot: %v", err)
	}

	fp2 := src.listNFT(t, 2, testutil.Ether(10))
	otc, _ := src.x.CreateFungibleListing(src.ctx, seller, tokenErc, uint256.NewInt(400), testutil.Ether(2), src.expiry())
	if _, err := src.x.Fulfill(src.ctx, fp1, buyer, testutil.Ether(10)); err != nil {
		t.Fatalf("fulfill: %v", err)
	}

	var tail []*event.EventEnvelope
	for _, env := range envelopes(drain(src.x.PersistOutputs())) {
		if env.Sequence > snap.Sequence {
			tail = append(tail, env)
		}
	}

	var decoded core.SnapshotState
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}

	dst := newFixture(t, core.Config{})
	if err := dst.x.Restore(&decoded, tail); err != nil {
		t.Fatalf("restore: %v", err)
	}
	assertSameState(t, src, dst, fp1, fp2, otc)

	if got, want := dst.x.NextSequence(seller), src.x.NextSequence(seller); got != want {
		t.Errorf("next sequence: got %d, want %d", got, want)
	}
}

func TestRestore_RejectsTamperedLog(t *testing.T) {
	src := newFixture(t, core.Config{PersistBuffer: 1024})
	src.seed(t, 1)
	src.listNFT(t, 1, testutil.Ether(10))

	envs := envelopes(drain(src.x.PersistOutputs()))
	tampered := *envs[len(envs)-1]
	tampered.Payload = append([]byte(nil), tampered.Payload...)
	tampered.Payload[len(tampered.Payload)-2] ^= 0x01
	envs[len(envs)-1] = &tampered

	dst := newFixture(t, core.Config{})
	if err := dst.x.Restore(nil, envs); err == nil {
		t.Error("restore accepted a tampered event")
	}
}

func TestRestore_RejectsGap(t *testing.T) {
	src := newFixture(t, core.Config{PersistBuffer: 1024})
	src.seed(t, 1)

	envs := envelopes(drain(src.x.PersistOutputs()))
	envs = append(envs[:1], envs[2:]...)

	dst := newFixture(t, core.Config{})
	if err := dst.x.Restore(nil, envs); err == nil {
		t.Error("restore accepted a log with a gap")
	}
}

func assertSameState(t *testing.T, src, dst *fixture, fps ...order.Fingerprint) {
	t.Helper()

	if src.x.Sequence() != dst.x.Sequence() {
		t.Errorf("sequence: got %d, want %d", dst.x.Sequence(), src.x.Sequence())
	}
	if src.x.StateHash() != dst.x.StateHash() {
		t.Error("state hash differs")
	}

	for _, who := range []common.Address{seller, buyer, buyer2, feeSink} {
		for _, asset := range []common.Address{ledger.NativeCurrency, tokenErc} {
			want := src.balance(t, who, asset)
			if got := dst.balance(t, who, asset); !got.Eq(want) {
				t.Errorf("balance %s/%s: got %s, want %s", who.Hex(), asset.Hex(), got.Dec(), want.Dec())
			}
		}
	}

	for _, fp := range fps {
		want, err := src.x.GetOrder(fp)
		if err != nil {
			t.Fatalf("source get %s: %v", fp.Hex(), err)
		}
		got, err := dst.x.GetOrder(fp)
		if err != nil {
			t.Errorf("restored get %s: %v", fp.Hex(), err)
			continue
		}
		if got.Status != want.Status {
			t.Errorf("%s status: got %s, want %s", fp.Hex(), got.Status, want.Status)
		}
		if (got.Buyer == nil) != (want.Buyer == nil) || (got.Buyer != nil && *got.Buyer != *want.Buyer) {
			t.Errorf("%s buyer differs", fp.Hex())
		}
	}

	if err := dst.ledger.CheckInvariants(); err != nil {
		t.Errorf("restored invariants: %v", err)
	}

	// The restored exchange keeps enforcing approvals carried over from the log.
	approved, _ := dst.ledger.IsApprovedForAll(context.Background(), seller, nftAddr)
	if !approved {
		t.Error("seller approval lost in restore")
	}
}
