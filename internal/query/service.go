package query

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"SwapLedger/internal/core"
	"SwapLedger/internal/event"
	"SwapLedger/internal/order"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ErrUnavailable is returned by queries that need the Postgres event log
// when the service runs on another backend.
var ErrUnavailable = errors.New("query needs the postgres event log")

// Exchange is the read side of core.Exchange
type Exchange interface {
	GetOrder(fp order.Fingerprint) (*order.Listing, error)
	ListingHistory(fp order.Fingerprint) []*order.Listing
	ListSellerListings(seller common.Address) []order.Fingerprint
	NextSequence(seller common.Address) uint64
	OpenByContract(contract common.Address) []*order.Listing
	ComputeFingerprint(kind order.Kind, seller, contract common.Address, idOrSeq *uint256.Int) order.Fingerprint
	BalanceOf(ctx context.Context, owner, asset common.Address) (*uint256.Int, error)
	OwnerOf(ctx context.Context, contract common.Address, tokenID *uint256.Int) (common.Address, error)
	Sequence() int64
	StateHash() [32]byte
}

// QueryService answers reads. Listing and balance queries are served from
// the live exchange; journal history and integrity checks read the
// Postgres event log. All responses carry as_of_sequence for freshness.
type QueryService struct {
	x  Exchange
	db *sql.DB
}

// NewQueryService wires the read side. db may be nil.
func NewQueryService(x Exchange, db *sql.DB) *QueryService {
	return &QueryService{x: x, db: db}
}

// GetListing returns a listing, plus the records it superseded when
// withHistory is set.
func (qs *QueryService) GetListing(fingerprint string, withHistory bool) (*ListingResponse, error) {
	fp, err := order.ParseFingerprint(fingerprint)
	if err != nil {
		return nil, err
	}
	asOf := qs.x.Sequence()
	l, err := qs.x.GetOrder(fp)
	if err != nil {
		return nil, err
	}

	resp := &ListingResponse{Listing: order.NewListingView(l), AsOfSequence: asOf}
	if withHistory {
		for _, h := range qs.x.ListingHistory(fp) {
			resp.History = append(resp.History, order.NewListingView(h))
		}
	}
	return resp, nil
}

// ListSellerListings returns every fingerprint the seller has listed.
func (qs *QueryService) ListSellerListings(seller string) (*SellerListingsResponse, error) {
	s, err := order.ParseAddress(seller)
	if err != nil {
		return nil, err
	}
	asOf := qs.x.Sequence()
	fps := qs.x.ListSellerListings(s)

	out := make([]string, len(fps))
	for i, fp := range fps {
		out[i] = fp.Hex()
	}
	return &SellerListingsResponse{
		Seller:       strings.ToLower(s.Hex()),
		Fingerprints: out,
		NextSequence: qs.x.NextSequence(s),
		AsOfSequence: asOf,
	}, nil
}

// ListOpenListings returns open listings of one asset contract.
func (qs *QueryService) ListOpenListings(contract string) (*ListingsResponse, error) {
	c, err := order.ParseAddress(contract)
	if err != nil {
		return nil, err
	}
	asOf := qs.x.Sequence()
	listings := qs.x.OpenByContract(c)

	resp := &ListingsResponse{Listings: make([]order.ListingView, len(listings)), AsOfSequence: asOf}
	for i, l := range listings {
		resp.Listings[i] = order.NewListingView(l)
	}
	return resp, nil
}

// ComputeFingerprint derives a listing id from its textual inputs.
func (qs *QueryService) ComputeFingerprint(kind, seller, contract, idOrSeq string) (*FingerprintResponse, error) {
	k, ok := order.ParseKind(kind)
	if !ok {
		return nil, fmt.Errorf("%w: unknown listing kind %q", order.ErrInvalidParameters, kind)
	}
	fp, err := order.ParseFingerprintRequest(k, seller, contract, idOrSeq)
	if err != nil {
		return nil, err
	}
	return &FingerprintResponse{Fingerprint: fp.Hex()}, nil
}

// GetJournalHistory returns ledger legs touching account, newest first.
// account is an address (matched against from/to) or a ledger account
// path (matched against debit/credit).
func (qs *QueryService) GetJournalHistory(ctx context.Context, account string, limit int, beforeSeq int64) ([]JournalHistoryEntry, error) {
	if qs.db == nil {
		return nil, ErrUnavailable
	}
	if account == "" {
		return nil, fmt.Errorf("%w: account is required", order.ErrInvalidParameters)
	}

	query := `
		SELECT journal_id, batch_id, event_ref, event_sequence, journal_type,
		       debit_account, credit_account, amount::text,
		       token, from_address, to_address, timestamp
		FROM swap_log.journal
		WHERE (lower(from_address) = lower($1) OR lower(to_address) = lower($1)
		       OR debit_account = $1 OR credit_account = $1)
	`
	args := []interface{}{account}
	argIdx := 2

	if beforeSeq > 0 {
		query += fmt.Sprintf(" AND event_sequence < $%d", argIdx)
		args = append(args, beforeSeq)
		argIdx++
	}

	query += " ORDER BY event_sequence DESC, journal_id"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		var ts time.Time
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.EventSequence, &e.JournalType,
			&e.DebitAccount, &e.CreditAccount, &e.Amount,
			&e.Token, &e.From, &e.To, &ts,
		); err != nil {
			return nil, err
		}
		e.TimestampMicro = ts.UnixMicro()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity recomputes the hash chain over the whole durable log and
// compares its tip with the live exchange.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	if qs.db == nil {
		return nil, ErrUnavailable
	}
	liveSeq, liveHash := qs.x.Sequence(), qs.x.StateHash()

	rows, err := qs.db.QueryContext(ctx, `
		SELECT sequence, event_type, payload, state_hash, prev_hash
		FROM swap_log.events
		ORDER BY sequence ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	report := &IntegrityReport{}
	prev := core.GenesisHash()
	var expectSeq int64 = 1
	for rows.Next() {
		var (
			seq                 int64
			typeName            string
			payload             []byte
			stateHash, prevHash []byte
		)
		if err := rows.Scan(&seq, &typeName, &payload, &stateHash, &prevHash); err != nil {
			return nil, err
		}
		report.EventsChecked++

		if seq != expectSeq {
			report.SequenceGaps = append(report.SequenceGaps, expectSeq)
		}
		expectSeq = seq + 1

		et, err := eventTypeOf(typeName)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", seq, err)
		}
		want := core.ChainHash(prev, seq, et, payload)
		if string(prevHash) != string(prev[:]) || string(stateHash) != string(want[:]) {
			report.HashChainBreaks = append(report.HashChainBreaks, seq)
		}
		copy(prev[:], stateHash)

		if seq == liveSeq {
			report.TipMatchesLive = string(stateHash) == string(liveHash[:])
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if report.EventsChecked == 0 && liveSeq == 0 {
		report.TipMatchesLive = true
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.SequenceGaps) == 0
	return report, nil
}

// GetEventLogInfo compares the durable log with the live sequence.
func (qs *QueryService) GetEventLogInfo(ctx context.Context) (*EventLogInfo, error) {
	hash := qs.x.StateHash()
	info := &EventLogInfo{
		LiveSequence: qs.x.Sequence(),
		StateHash:    hex.EncodeToString(hash[:]),
	}
	if qs.db == nil {
		return info, nil
	}

	var seq sql.NullInt64
	if err := qs.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM swap_log.events`).Scan(&seq); err != nil {
		return nil, err
	}
	info.LastPersisted = seq.Int64
	return info, nil
}

func eventTypeOf(name string) (int32, error) {
	et, ok := event.ParseEventType(name)
	if !ok {
		return 0, fmt.Errorf("unknown event type %q", name)
	}
	return int32(et), nil
}
