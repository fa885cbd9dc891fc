package core

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"SwapLedger/internal/event"
	"SwapLedger/internal/ledger"
	"SwapLedger/internal/order"

	"github.com/ethereum/go-ethereum/common"
)

// SnapshotState is a consistent cut of the exchange: ledger state, every
// listing record and the event chain position it corresponds to.
type SnapshotState struct {
	Sequence       int64                `json:"sequence"`
	StateHash      string               `json:"state_hash"`
	LedgerSequence int64                `json:"ledger_sequence"`
	Ledger         *ledger.TrackerState `json:"ledger"`
	Listings       []order.ListingView  `json:"listings"`
	TakenAt        time.Time            `json:"taken_at"`
}

// Snapshot captures current state. Operations are paused for the duration.
func (x *Exchange) Snapshot() *SnapshotState {
	x.snapMu.Lock()
	defer x.snapMu.Unlock()

	state, ledgerSeq := x.ledger.Snapshot()
	records := x.store.All()

	x.emitMu.Lock()
	seq := x.sequence
	tip := x.hasher.GetPrevHash()
	x.emitMu.Unlock()

	views := make([]order.ListingView, len(records))
	for i, l := range records {
		views[i] = order.NewListingView(l)
	}

	return &SnapshotState{
		Sequence:       seq,
		StateHash:      hex.EncodeToString(tip[:]),
		LedgerSequence: ledgerSeq,
		Ledger:         state,
		Listings:       views,
		TakenAt:        x.clock.Now().UTC(),
	}
}

// Restore rebuilds state from an optional snapshot followed by the events
// recorded after it, in sequence order. Each event's chain hash is verified
// before it is applied. Must run before the exchange serves requests.
func (x *Exchange) Restore(snap *SnapshotState, tail []*event.EventEnvelope) error {
	x.snapMu.Lock()
	defer x.snapMu.Unlock()
	x.emitMu.Lock()
	defer x.emitMu.Unlock()

	if snap != nil {
		if err := x.restoreSnapshot(snap); err != nil {
			return err
		}
	}

	replayed := 0
	for _, env := range tail {
		if env.Sequence <= x.sequence {
			continue
		}
		if env.Sequence != x.sequence+1 {
			return fmt.Errorf("event log gap: at %d, next stored event is %d", x.sequence, env.Sequence)
		}

		prev := x.hasher.GetPrevHash()
		if env.PrevHash != prev {
			return fmt.Errorf("event %d: prev hash mismatch", env.Sequence)
		}
		if want := ChainHash(prev, env.Sequence, int32(env.EventType), env.Payload); env.StateHash != want {
			return fmt.Errorf("event %d: state hash mismatch", env.Sequence)
		}

		if err := x.replayEvent(env); err != nil {
			return fmt.Errorf("replay event %d (%s): %w", env.Sequence, env.EventType, err)
		}

		x.sequence = env.Sequence
		x.hasher.SetPrevHash(env.StateHash)
		replayed++
	}

	x.metrics.EventSequence.Set(float64(x.sequence))
	x.logger.Info().
		Int64("sequence", x.sequence).
		Int("replayed", replayed).
		Bool("from_snapshot", snap != nil).
		Msg("exchange state restored")
	return nil
}

func (x *Exchange) restoreSnapshot(snap *SnapshotState) error {
	raw, err := hex.DecodeString(snap.StateHash)
	if err != nil || len(raw) != 32 {
		return fmt.Errorf("snapshot %d: bad state hash %q", snap.Sequence, snap.StateHash)
	}
	var tip [32]byte
	copy(tip[:], raw)

	if snap.Ledger != nil {
		if err := x.ledger.Restore(snap.Ledger, snap.LedgerSequence); err != nil {
			return fmt.Errorf("snapshot %d: %w", snap.Sequence, err)
		}
	}

	listings := make([]*order.Listing, 0, len(snap.Listings))
	for _, v := range snap.Listings {
		l, err := v.Listing()
		if err != nil {
			return fmt.Errorf("snapshot %d: listing %s: %w", snap.Sequence, v.Fingerprint, err)
		}
		listings = append(listings, l)
	}
	x.store.Restore(listings)

	x.sequence = snap.Sequence
	x.hasher.SetPrevHash(tip)
	return nil
}

func (x *Exchange) replayEvent(env *event.EventEnvelope) error {
	evt, err := event.Decode(env.EventType, env.Payload)
	if err != nil {
		return err
	}

	switch e := evt.(type) {
	case *event.LedgerBatch:
		b, err := e.Batch()
		if err != nil {
			return err
		}
		return x.ledger.Replay(b)

	case *event.ApprovalChanged:
		if !common.IsHexAddress(e.Owner) || !common.IsHexAddress(e.Contract) {
			return fmt.Errorf("bad approval addresses %s/%s", e.Owner, e.Contract)
		}
		return x.ledger.SetApprovalForAll(context.Background(),
			common.HexToAddress(e.Owner), common.HexToAddress(e.Contract), e.Approved)
	}

	view, ok := event.StoredListing(evt)
	if !ok {
		return fmt.Errorf("unhandled event type %s", env.EventType)
	}
	l, err := view.Listing()
	if err != nil {
		return err
	}
	x.store.Apply(l)
	return nil
}

// WarmIdempotency preloads recent command results.
func (x *Exchange) WarmIdempotency(entries []IdempotencyEntry) {
	x.idempotency.Warm(entries)
}
