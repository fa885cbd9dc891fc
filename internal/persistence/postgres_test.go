package persistence_test

import (
	"context"
	"testing"
	"time"

	"SwapLedger/internal/core"
	"SwapLedger/internal/persistence"
	"SwapLedger/internal/testutil"

	"github.com/rs/zerolog"
)

// ============================================================================
// Integration: Postgres round trip (requires migrated test database)
// ============================================================================

func TestPostgres_PersistAndRecover(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	store := persistence.NewPostgresStore(db)

	src := newExchange(t, store, 16)
	fp := trade(t, src)
	w := persistence.NewPersistenceWorker(store, src.PersistOutputs(), 4, 10*time.Millisecond, nil, zerolog.Nop())
	src.Close()
	if err := w.Run(ctx); err != nil {
		t.Fatalf("worker: %v", err)
	}

	latest, err := store.GetLatestSequence(ctx)
	if err != nil {
		t.Fatalf("latest sequence: %v", err)
	}
	if latest != src.Sequence() {
		t.Errorf("latest sequence: got %d, want %d", latest, src.Sequence())
	}

	var status string
	if err := db.QueryRowContext(ctx,
		`SELECT status FROM listings.listings WHERE fingerprint = $1`, fp.Hex()).Scan(&status); err != nil {
		t.Fatalf("query listing: %v", err)
	}
	if status != "fulfilled" {
		t.Errorf("projected status: got %s, want fulfilled", status)
	}

	if _, ok, err := store.LookupResult(ctx, "buy-1"); err != nil || !ok {
		t.Errorf("lookup buy-1: %v %v", ok, err)
	}

	dst := newExchange(t, store, 0)
	if err := persistence.Recover(ctx, store, dst, 10); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if dst.Sequence() != src.Sequence() || dst.StateHash() != src.StateHash() {
		t.Errorf("recovered at %d, want %d", dst.Sequence(), src.Sequence())
	}

	res, err := dst.ProcessCommand(ctx, &core.Command{RequestID: "list-1", Type: core.CommandCancel, Actor: seller, Fingerprint: fp})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if res.Type != core.CommandCreateNonFungible {
		t.Errorf("retried request id: got %s result, want the original create", res.Type)
	}
}
