package persistence

import (
	"fmt"
	"time"

	"SwapLedger/internal/core"
	"SwapLedger/internal/event"
	"SwapLedger/internal/ledger"
	"SwapLedger/internal/order"
)

// EventRow represents a row in swap_log.events
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	AggregateID    string
	Payload        []byte // JSON-encoded event payload
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
}

// JournalRow represents a row in swap_log.journal
type JournalRow struct {
	JournalID      string
	BatchID        string
	EventRef       string
	LedgerSequence int64
	EventSequence  int64
	JournalType    string
	DebitAccount   string
	CreditAccount  string
	Amount         string // base-10, "0" for token legs
	Token          string
	From           string
	To             string
	Timestamp      time.Time
}

// ListingRow is the projection of one listing record
type ListingRow struct {
	View         order.ListingView
	LastEventSeq int64
}

// CommandRow represents a row in swap_log.idempotency_keys
type CommandRow struct {
	RequestID   string
	CommandType string
	Result      []byte
	ProcessedAt time.Time
}

// Batch groups rows written in one transaction
type Batch struct {
	Events   []EventRow
	Journals []JournalRow
	Listings []ListingRow
	Commands []CommandRow
}

func (b *Batch) Len() int {
	return len(b.Events) + len(b.Commands)
}

func (b *Batch) Reset() {
	b.Events = b.Events[:0]
	b.Journals = b.Journals[:0]
	b.Listings = b.Listings[:0]
	b.Commands = b.Commands[:0]
}

// LastSequence returns the highest event sequence in the batch, or 0.
func (b *Batch) LastSequence() int64 {
	if len(b.Events) == 0 {
		return 0
	}
	return b.Events[len(b.Events)-1].Sequence
}

// Add converts one exchange output into rows.
func (b *Batch) Add(out core.Output) {
	if out.Command != nil {
		b.Commands = append(b.Commands, CommandRow{
			RequestID:   out.Command.RequestID,
			CommandType: string(out.Command.Type),
			Result:      out.Command.Result,
			ProcessedAt: out.Command.ProcessedAt,
		})
	}

	env := out.Envelope
	if env == nil {
		return
	}
	b.Events = append(b.Events, NewEventRow(env))

	if out.Batch != nil {
		b.Journals = append(b.Journals, NewJournalRows(out.Batch, env.Sequence)...)
	}
	if out.Listing != nil {
		b.Listings = append(b.Listings, ListingRow{
			View:         order.NewListingView(out.Listing),
			LastEventSeq: env.Sequence,
		})
	}
}

func NewEventRow(env *event.EventEnvelope) EventRow {
	return EventRow{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		AggregateID:    env.AggregateID,
		Payload:        env.Payload,
		StateHash:      env.StateHash[:],
		PrevHash:       env.PrevHash[:],
		Timestamp:      env.Timestamp,
	}
}

// Envelope is the inverse of NewEventRow.
func (r EventRow) Envelope() (*event.EventEnvelope, error) {
	et, ok := event.ParseEventType(r.EventType)
	if !ok {
		return nil, fmt.Errorf("event %d: unknown type %q", r.Sequence, r.EventType)
	}
	if len(r.StateHash) != 32 || len(r.PrevHash) != 32 {
		return nil, fmt.Errorf("event %d: bad hash length", r.Sequence)
	}
	env := &event.EventEnvelope{
		Sequence:       r.Sequence,
		IdempotencyKey: r.IdempotencyKey,
		EventType:      et,
		AggregateID:    r.AggregateID,
		Timestamp:      r.Timestamp,
		Payload:        r.Payload,
	}
	copy(env.StateHash[:], r.StateHash)
	copy(env.PrevHash[:], r.PrevHash)
	return env, nil
}

func NewJournalRows(b *ledger.Batch, eventSeq int64) []JournalRow {
	rows := make([]JournalRow, 0, len(b.Journals))
	for _, j := range b.Journals {
		row := JournalRow{
			JournalID:      j.JournalID.String(),
			BatchID:        b.BatchID.String(),
			EventRef:       b.EventRef,
			LedgerSequence: b.Sequence,
			EventSequence:  eventSeq,
			JournalType:    j.JournalType.String(),
			Amount:         "0",
			From:           j.From.Hex(),
			To:             j.To.Hex(),
			Timestamp:      time.UnixMicro(j.Timestamp).UTC(),
		}
		if j.IsNonFungible() {
			row.Token = j.Token.TokenPath()
		} else {
			row.DebitAccount = j.DebitAccount.AccountPath()
			row.CreditAccount = j.CreditAccount.AccountPath()
			row.Amount = j.Amount.Dec()
		}
		rows = append(rows, row)
	}
	return rows
}
