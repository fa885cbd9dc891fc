package ledger_test

import (
	"context"
	"errors"
	"testing"

	"SwapLedger/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var (
	alice    = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob      = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	feeSink  = common.HexToAddress("0x000000000000000000000000000000000000fee5")
	nftAddr  = common.HexToAddress("0x1000000000000000000000000000000000000721")
	tokenErc = common.HexToAddress("0x2000000000000000000000000000000000000020")
)

func wei(n uint64) *uint256.Int { return uint256.NewInt(n) }

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_WalletPath(t *testing.T) {
	key := ledger.NewWalletKey(alice, ledger.NativeCurrency)

	path := key.AccountPath()
	expected := "user:0x00000000000000000000000000000000000a11ce:wallet:ETH"
	if path != expected {
		t.Errorf("got %q, want %q", path, expected)
	}
}

func TestAccountKey_SystemAndExternalPaths(t *testing.T) {
	if got := ledger.NewEscrowKey(ledger.NativeCurrency).AccountPath(); got != "system:escrow:ETH" {
		t.Errorf("got %q, want %q", got, "system:escrow:ETH")
	}
	want := "external:supply:0x2000000000000000000000000000000000000020"
	if got := ledger.NewSupplyKey(tokenErc).AccountPath(); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestParseAccountPath_RoundTrip(t *testing.T) {
	keys := []ledger.AccountKey{
		ledger.NewWalletKey(alice, ledger.NativeCurrency),
		ledger.NewWalletKey(bob, tokenErc),
		ledger.NewEscrowKey(ledger.NativeCurrency),
		ledger.NewSupplyKey(tokenErc),
	}
	for _, k := range keys {
		got, err := ledger.ParseAccountPath(k.AccountPath())
		if err != nil {
			t.Fatalf("parse %q: %v", k.AccountPath(), err)
		}
		if got != k {
			t.Errorf("round trip of %q: got %+v, want %+v", k.AccountPath(), got, k)
		}
	}

	if _, err := ledger.ParseAccountPath("user:nothex:wallet:ETH"); err == nil {
		t.Error("expected error for malformed owner")
	}
}

func TestParseTokenPath_RoundTrip(t *testing.T) {
	k := ledger.NewTokenKey(nftAddr, wei(42))
	got, err := ledger.ParseTokenPath(k.TokenPath())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got != k {
		t.Errorf("got %+v, want %+v", got, k)
	}
}

// ============================================================================
// Test: BalanceTracker
// ============================================================================

func TestBalanceTracker_InitialBalanceZero(t *testing.T) {
	bt := ledger.NewBalanceTracker()

	balance := bt.BalanceOf(alice, ledger.NativeCurrency)
	if !balance.IsZero() {
		t.Errorf("initial balance should be 0, got %s", balance.Dec())
	}
}

func TestBalanceTracker_ApplyBatch(t *testing.T) {
	bt := ledger.NewBalanceTracker()

	jg := ledger.NewJournalGenerator("deposit", 1)
	jg.GenerateDeposit(alice, wei(500_000))

	if err := bt.ApplyBatch(jg.Batch(), nil); err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}

	bal := bt.BalanceOf(alice, ledger.NativeCurrency)
	if bal.Uint64() != 500_000 {
		t.Errorf("got %d, want 500_000", bal.Uint64())
	}
	issued := bt.Issued(ledger.NativeCurrency)
	if issued.Uint64() != 500_000 {
		t.Errorf("issued: got %d, want 500_000", issued.Uint64())
	}
}

func TestBalanceTracker_ApplyBatch_AllOrNothing(t *testing.T) {
	bt := ledger.NewBalanceTracker()

	seed := ledger.NewJournalGenerator("seed", 1)
	seed.GenerateDeposit(alice, wei(100))
	if err := bt.ApplyBatch(seed.Batch(), nil); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// First leg is covered, second is not
	jg := ledger.NewJournalGenerator("settle", 2)
	jg.GenerateEscrowDebit(alice, wei(60))
	jg.GenerateEscrowDebit(alice, wei(60))

	err := bt.ApplyBatch(jg.Batch(), nil)
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("got %v, want ErrInsufficientBalance", err)
	}

	bal := bt.BalanceOf(alice, ledger.NativeCurrency)
	if bal.Uint64() != 100 {
		t.Errorf("balance changed by rejected batch: got %d, want 100", bal.Uint64())
	}
	escrow := bt.GetBalance(ledger.NewEscrowKey(ledger.NativeCurrency))
	if !escrow.IsZero() {
		t.Errorf("escrow changed by rejected batch: %s", escrow.Dec())
	}
}

func TestBalanceTracker_LaterLegSpendsEarlierLeg(t *testing.T) {
	bt := ledger.NewBalanceTracker()

	seed := ledger.NewJournalGenerator("seed", 1)
	seed.GenerateDeposit(alice, wei(100))
	_ = bt.ApplyBatch(seed.Batch(), nil)

	jg := ledger.NewJournalGenerator("settle", 2)
	jg.GenerateEscrowDebit(alice, wei(100))
	jg.GenerateEscrowRelease(ledger.JournalTypeSellerProceeds, bob, wei(95))
	jg.GenerateEscrowRelease(ledger.JournalTypePlatformFee, feeSink, wei(5))

	if err := bt.ApplyBatch(jg.Batch(), nil); err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}

	b := bt.BalanceOf(bob, ledger.NativeCurrency)
	f := bt.BalanceOf(feeSink, ledger.NativeCurrency)
	if b.Uint64() != 95 || f.Uint64() != 5 {
		t.Errorf("got bob=%d fee=%d, want 95/5", b.Uint64(), f.Uint64())
	}
}

func TestBalanceTracker_NFTTransferRequiresApproval(t *testing.T) {
	bt := ledger.NewBalanceTracker()

	mint := ledger.NewJournalGenerator("mint", 1)
	mint.GenerateMintNFT(nftAddr, wei(1), alice)
	if err := bt.ApplyBatch(mint.Batch(), nil); err != nil {
		t.Fatalf("mint: %v", err)
	}

	jg := ledger.NewJournalGenerator("xfer", 2)
	jg.GenerateNFTTransfer(nftAddr, wei(1), alice, bob)
	if err := bt.ApplyBatch(jg.Batch(), nil); !errors.Is(err, ledger.ErrNotApproved) {
		t.Fatalf("got %v, want ErrNotApproved", err)
	}

	bt.SetApprovalForAll(alice, nftAddr, true)
	jg = ledger.NewJournalGenerator("xfer", 3)
	jg.GenerateNFTTransfer(nftAddr, wei(1), alice, bob)
	if err := bt.ApplyBatch(jg.Batch(), nil); err != nil {
		t.Fatalf("approved transfer: %v", err)
	}

	owner, ok := bt.OwnerOf(ledger.NewTokenKey(nftAddr, wei(1)))
	if !ok || owner != bob {
		t.Errorf("owner: got %s, want %s", owner.Hex(), bob.Hex())
	}
}

func TestBalanceTracker_NFTTransferFromNonOwner(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	bt.SetApprovalForAll(bob, nftAddr, true)

	mint := ledger.NewJournalGenerator("mint", 1)
	mint.GenerateMintNFT(nftAddr, wei(7), alice)
	_ = bt.ApplyBatch(mint.Batch(), nil)

	jg := ledger.NewJournalGenerator("xfer", 2)
	jg.GenerateNFTTransfer(nftAddr, wei(7), bob, alice)
	if err := bt.ApplyBatch(jg.Batch(), nil); !errors.Is(err, ledger.ErrNotTokenOwner) {
		t.Fatalf("got %v, want ErrNotTokenOwner", err)
	}
}

func TestBalanceTracker_DoubleMintRejected(t *testing.T) {
	bt := ledger.NewBalanceTracker()

	jg := ledger.NewJournalGenerator("mint", 1)
	jg.GenerateMintNFT(nftAddr, wei(1), alice)
	_ = bt.ApplyBatch(jg.Batch(), nil)

	again := ledger.NewJournalGenerator("mint", 2)
	again.GenerateMintNFT(nftAddr, wei(1), bob)
	if err := bt.ApplyBatch(again.Batch(), nil); !errors.Is(err, ledger.ErrTokenExists) {
		t.Fatalf("got %v, want ErrTokenExists", err)
	}
}

func TestBalanceTracker_FaultAbortsBatch(t *testing.T) {
	bt := ledger.NewBalanceTracker()

	seed := ledger.NewJournalGenerator("seed", 1)
	seed.GenerateDeposit(alice, wei(10))
	_ = bt.ApplyBatch(seed.Batch(), nil)

	boom := errors.New("boom")
	jg := ledger.NewJournalGenerator("settle", 2)
	jg.GenerateEscrowDebit(alice, wei(10))
	jg.GenerateEscrowRelease(ledger.JournalTypeSellerProceeds, bob, wei(10))

	err := bt.ApplyBatch(jg.Batch(), func(j *ledger.Journal) error {
		if j.JournalType == ledger.JournalTypeSellerProceeds {
			return boom
		}
		return nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want boom", err)
	}
	a := bt.BalanceOf(alice, ledger.NativeCurrency)
	if a.Uint64() != 10 {
		t.Errorf("alice: got %d, want 10", a.Uint64())
	}
}

func TestBalanceTracker_SnapshotRestore(t *testing.T) {
	bt := ledger.NewBalanceTracker()

	jg := ledger.NewJournalGenerator("seed", 1)
	jg.GenerateDeposit(alice, wei(1_000))
	jg.GenerateMintNFT(nftAddr, wei(3), bob)
	_ = bt.ApplyBatch(jg.Batch(), nil)
	bt.SetApprovalForAll(bob, nftAddr, true)

	snap := bt.Snapshot()

	restored := ledger.NewBalanceTracker()
	restored.Restore(snap)

	a := restored.BalanceOf(alice, ledger.NativeCurrency)
	if a.Uint64() != 1_000 {
		t.Errorf("balance: got %d, want 1000", a.Uint64())
	}
	if owner, _ := restored.OwnerOf(ledger.NewTokenKey(nftAddr, wei(3))); owner != bob {
		t.Errorf("owner: got %s, want %s", owner.Hex(), bob.Hex())
	}
	if !restored.IsApprovedForAll(bob, nftAddr) {
		t.Error("approval lost on restore")
	}

	// Mutating the original must not leak into the snapshot
	more := ledger.NewJournalGenerator("more", 2)
	more.GenerateDeposit(alice, wei(1))
	_ = bt.ApplyBatch(more.Batch(), nil)
	if v := snap.Balances[ledger.NewWalletKey(alice, ledger.NativeCurrency)]; v.Uint64() != 1_000 {
		t.Errorf("snapshot aliased live state: %d", v.Uint64())
	}
}

// ============================================================================
// Test: Batch
// ============================================================================

func TestBatch_ValidateRejectsEmptyAndZero(t *testing.T) {
	empty := &ledger.Batch{BatchID: uuid.New()}
	if err := empty.Validate(); err == nil {
		t.Error("expected error for empty batch")
	}

	jg := ledger.NewJournalGenerator("zero", 1)
	jg.GenerateDeposit(alice, wei(0))
	if err := jg.Batch().Validate(); err == nil {
		t.Error("expected error for zero amount")
	}
}

func TestBatch_ReverseUndoesSettlement(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	bt.SetApprovalForAll(alice, nftAddr, true)

	seed := ledger.NewJournalGenerator("seed", 1)
	seed.GenerateDeposit(bob, wei(100))
	seed.GenerateMintNFT(nftAddr, wei(9), alice)
	_ = bt.ApplyBatch(seed.Batch(), nil)

	jg := ledger.NewJournalGenerator("settle", 2)
	jg.GenerateEscrowDebit(bob, wei(100))
	jg.GenerateNFTTransfer(nftAddr, wei(9), alice, bob)
	jg.GenerateEscrowRelease(ledger.JournalTypeSellerProceeds, alice, wei(95))
	jg.GenerateEscrowRelease(ledger.JournalTypePlatformFee, feeSink, wei(5))
	if err := bt.ApplyBatch(jg.Batch(), nil); err != nil {
		t.Fatalf("settle: %v", err)
	}

	if err := bt.ApplyBatch(jg.Batch().Reverse(3), nil); err != nil {
		t.Fatalf("reverse: %v", err)
	}

	b := bt.BalanceOf(bob, ledger.NativeCurrency)
	if b.Uint64() != 100 {
		t.Errorf("bob: got %d, want 100", b.Uint64())
	}
	if owner, _ := bt.OwnerOf(ledger.NewTokenKey(nftAddr, wei(9))); owner != alice {
		t.Errorf("token owner: got %s, want alice", owner.Hex())
	}
	f := bt.BalanceOf(feeSink, ledger.NativeCurrency)
	if !f.IsZero() {
		t.Errorf("fee sink: got %d, want 0", f.Uint64())
	}
}

// ============================================================================
// Test: MemoryLedger
// ============================================================================

func TestMemoryLedger_TxCommit(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemoryLedger()

	if _, err := l.Deposit(ctx, bob, wei(1_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := l.MintFungible(ctx, tokenErc, alice, wei(50)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := l.SetApprovalForAll(ctx, alice, tokenErc, true); err != nil {
		t.Fatalf("approve: %v", err)
	}

	tx := l.Begin("otc")
	tx.EscrowPayment(bob, wei(1_000))
	tx.TransferToken(tokenErc, wei(25), alice, bob)
	tx.Release(ledger.JournalTypeSellerProceeds, alice, wei(950))
	tx.Release(ledger.JournalTypePlatformFee, feeSink, wei(50))
	tx.Release(ledger.JournalTypeSurplusRetained, feeSink, wei(0)) // dropped

	batch, err := tx.Commit(ctx)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if len(batch.Journals) != 4 {
		t.Errorf("legs: got %d, want 4", len(batch.Journals))
	}
	if batch.Sequence != 3 {
		t.Errorf("sequence: got %d, want 3", batch.Sequence)
	}

	got, _ := l.BalanceOf(ctx, bob, tokenErc)
	if got.Uint64() != 25 {
		t.Errorf("bob tokens: got %d, want 25", got.Uint64())
	}
	if err := l.CheckInvariants(); err != nil {
		t.Errorf("invariants: %v", err)
	}
}

func TestMemoryLedger_TxCommitTwice(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemoryLedger()
	_, _ = l.Deposit(ctx, bob, wei(10))

	tx := l.Begin("x")
	tx.EscrowPayment(bob, wei(10))
	tx.Release(ledger.JournalTypeSellerProceeds, alice, wei(10))
	if _, err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := tx.Commit(ctx); !errors.Is(err, ledger.ErrTxClosed) {
		t.Errorf("got %v, want ErrTxClosed", err)
	}
}

func TestMemoryLedger_RejectsUnbalancedEscrow(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemoryLedger()
	_, _ = l.Deposit(ctx, bob, wei(10))

	tx := l.Begin("x")
	tx.EscrowPayment(bob, wei(10))
	tx.Release(ledger.JournalTypeSellerProceeds, alice, wei(9))
	if _, err := tx.Commit(ctx); err == nil {
		t.Fatal("expected error for escrow left non-zero")
	}

	b, _ := l.BalanceOf(ctx, bob, ledger.NativeCurrency)
	if b.Uint64() != 10 {
		t.Errorf("bob: got %d, want 10", b.Uint64())
	}
}

func TestMemoryLedger_InjectFault(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemoryLedger()
	_, _ = l.Deposit(ctx, bob, wei(10))

	boom := errors.New("ledger down")
	l.InjectFault(ledger.JournalTypePlatformFee, boom)

	tx := l.Begin("x")
	tx.EscrowPayment(bob, wei(10))
	tx.Release(ledger.JournalTypeSellerProceeds, alice, wei(9))
	tx.Release(ledger.JournalTypePlatformFee, feeSink, wei(1))
	if _, err := tx.Commit(ctx); !errors.Is(err, boom) {
		t.Fatalf("got %v, want injected fault", err)
	}

	a, _ := l.BalanceOf(ctx, alice, ledger.NativeCurrency)
	if !a.IsZero() {
		t.Errorf("alice credited despite fault: %d", a.Uint64())
	}

	l.ClearFaults()
	tx = l.Begin("x")
	tx.EscrowPayment(bob, wei(10))
	tx.Release(ledger.JournalTypeSellerProceeds, alice, wei(9))
	tx.Release(ledger.JournalTypePlatformFee, feeSink, wei(1))
	if _, err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit after clearing faults: %v", err)
	}
}

func TestMemoryLedger_Compensate(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemoryLedger()
	_, _ = l.Deposit(ctx, bob, wei(10))
	_, _ = l.MintNFT(ctx, nftAddr, wei(1), alice)
	_ = l.SetApprovalForAll(ctx, alice, nftAddr, true)

	tx := l.Begin("x")
	tx.EscrowPayment(bob, wei(10))
	tx.TransferNFT(nftAddr, wei(1), alice, bob)
	tx.Release(ledger.JournalTypeSellerProceeds, alice, wei(10))
	batch, err := tx.Commit(ctx)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	if err := l.Compensate(ctx, batch); err != nil {
		t.Fatalf("compensate: %v", err)
	}

	owner, err := l.OwnerOf(ctx, nftAddr, wei(1))
	if err != nil || owner != alice {
		t.Errorf("owner after compensation: got %s (%v), want alice", owner.Hex(), err)
	}
	b, _ := l.BalanceOf(ctx, bob, ledger.NativeCurrency)
	if b.Uint64() != 10 {
		t.Errorf("bob: got %d, want 10", b.Uint64())
	}
	if err := l.CheckInvariants(); err != nil {
		t.Errorf("invariants: %v", err)
	}
}

func TestMemoryLedger_OnCommitHook(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemoryLedger()

	var seen []int64
	l.OnCommit(func(b *ledger.Batch) { seen = append(seen, b.Sequence) })

	_, _ = l.Deposit(ctx, alice, wei(1))
	_, _ = l.Deposit(ctx, bob, wei(1))

	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Errorf("got %v, want [1 2]", seen)
	}
}

func TestMemoryLedger_SnapshotRestore(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemoryLedger()
	_, _ = l.Deposit(ctx, alice, wei(77))
	_, _ = l.MintNFT(ctx, nftAddr, wei(5), bob)

	state, seq := l.Snapshot()

	fresh := ledger.NewMemoryLedger()
	if err := fresh.Restore(state, seq); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if fresh.LastSequence() != 2 {
		t.Errorf("sequence: got %d, want 2", fresh.LastSequence())
	}
	if n := fresh.CountTokens(bob, nftAddr); n != 1 {
		t.Errorf("bob tokens: got %d, want 1", n)
	}
}

func TestMemoryLedger_OwnerOfUnknownToken(t *testing.T) {
	l := ledger.NewMemoryLedger()
	if _, err := l.OwnerOf(context.Background(), nftAddr, wei(404)); !errors.Is(err, ledger.ErrNotTokenOwner) {
		t.Errorf("got %v, want ErrNotTokenOwner", err)
	}
}
