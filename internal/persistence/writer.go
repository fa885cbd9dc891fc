package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// EventLogWriter writes events, journals, listing projections and command
// results to Postgres using multi-row INSERTs inside one transaction.
type EventLogWriter struct {
	db *sql.DB
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// WriteBatch persists b atomically. Writes are idempotent so a retried
// batch after an ambiguous commit failure is harmless. JSON columns are
// bound as strings: lib/pq would send []byte as bytea.
func (w *EventLogWriter) WriteBatch(ctx context.Context, b *Batch) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := w.writeEvents(ctx, tx, b.Events); err != nil {
		return fmt.Errorf("write events: %w", err)
	}
	if err := w.writeJournals(ctx, tx, b.Journals); err != nil {
		return fmt.Errorf("write journals: %w", err)
	}
	for _, l := range b.Listings {
		if err := w.upsertListing(ctx, tx, l); err != nil {
			return fmt.Errorf("upsert listing %s: %w", l.View.Fingerprint, err)
		}
	}
	if err := w.writeCommands(ctx, tx, b.Commands); err != nil {
		return fmt.Errorf("write commands: %w", err)
	}

	return tx.Commit()
}

func placeholders(row, width int) string {
	ph := make([]string, width)
	for i := range ph {
		ph[i] = fmt.Sprintf("$%d", row*width+i+1)
	}
	return "(" + strings.Join(ph, ", ") + ")"
}

func (w *EventLogWriter) writeEvents(ctx context.Context, tx *sql.Tx, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	const width = 8
	query := `INSERT INTO swap_log.events
		(sequence, event_type, idempotency_key, aggregate_id, payload, state_hash, prev_hash, timestamp)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*width)
	for i, e := range events {
		values = append(values, placeholders(i, width))
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, e.AggregateID,
			string(e.Payload), e.StateHash, e.PrevHash, e.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

func (w *EventLogWriter) writeJournals(ctx context.Context, tx *sql.Tx, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	const width = 13
	query := `INSERT INTO swap_log.journal
		(journal_id, batch_id, event_ref, ledger_sequence, event_sequence, journal_type,
		 debit_account, credit_account, amount, token, from_address, to_address, timestamp)
		VALUES `

	values := make([]string, 0, len(journals))
	args := make([]interface{}, 0, len(journals)*width)
	for i, j := range journals {
		values = append(values, placeholders(i, width))
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.LedgerSequence, j.EventSequence, j.JournalType,
			j.DebitAccount, j.CreditAccount, j.Amount, j.Token, j.From, j.To, j.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (journal_id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// upsertListing replaces the projected record. A relisting (newer
// created_at) first archives the superseded record; stale rows from a
// replayed batch never overwrite newer state.
func (w *EventLogWriter) upsertListing(ctx context.Context, tx *sql.Tx, l ListingRow) error {
	v := l.View

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO listings.listing_history (fingerprint, created_at, status, record)
		SELECT fingerprint, created_at,
		       CASE WHEN status = 'open' THEN 'expired' ELSE status END,
		       jsonb_build_object(
		           'fingerprint', fingerprint, 'kind', kind, 'seller', seller,
		           'asset_contract', asset_contract, 'price', price::text,
		           'status', status, 'buyer', buyer, 'created_at', created_at)
		FROM listings.listings
		WHERE fingerprint = $1 AND created_at < $2
		ON CONFLICT (fingerprint, created_at) DO NOTHING
	`, v.Fingerprint, v.CreatedAt); err != nil {
		return err
	}

	var settledAt interface{}
	if v.SettledAt != nil {
		settledAt = *v.SettledAt
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO listings.listings
			(fingerprint, kind, seller, asset_contract, token_id, amount, sequence,
			 price, expiry, status, buyer, created_at, settled_at, last_event_seq)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (fingerprint) DO UPDATE SET
			kind = EXCLUDED.kind,
			seller = EXCLUDED.seller,
			asset_contract = EXCLUDED.asset_contract,
			token_id = EXCLUDED.token_id,
			amount = EXCLUDED.amount,
			sequence = EXCLUDED.sequence,
			price = EXCLUDED.price,
			expiry = EXCLUDED.expiry,
			status = EXCLUDED.status,
			buyer = EXCLUDED.buyer,
			created_at = EXCLUDED.created_at,
			settled_at = EXCLUDED.settled_at,
			last_event_seq = EXCLUDED.last_event_seq
		WHERE listings.listings.last_event_seq < EXCLUDED.last_event_seq
	`,
		v.Fingerprint, v.Kind, v.Seller, v.AssetContract,
		nullIfEmpty(v.TokenID), nullIfEmpty(v.Amount), int64(v.Sequence),
		v.Price, v.Expiry, v.Status, nullIfEmpty(v.Buyer),
		v.CreatedAt, settledAt, l.LastEventSeq,
	)
	return err
}

func (w *EventLogWriter) writeCommands(ctx context.Context, tx *sql.Tx, cmds []CommandRow) error {
	if len(cmds) == 0 {
		return nil
	}

	const width = 4
	query := `INSERT INTO swap_log.idempotency_keys (request_id, command_type, result, processed_at) VALUES `

	values := make([]string, 0, len(cmds))
	args := make([]interface{}, 0, len(cmds)*width)
	for i, c := range cmds {
		values = append(values, placeholders(i, width))
		args = append(args, c.RequestID, c.CommandType, string(c.Result), c.ProcessedAt)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (request_id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}
