package query

import "SwapLedger/internal/order"

// ListingResponse is one listing with the sequence it was read at.
type ListingResponse struct {
	Listing      order.ListingView   `json:"listing"`
	History      []order.ListingView `json:"history,omitempty"`
	AsOfSequence int64               `json:"as_of_sequence"`
}

// ListingsResponse is a list of listings of one asset contract.
type ListingsResponse struct {
	Listings     []order.ListingView `json:"listings"`
	AsOfSequence int64               `json:"as_of_sequence"`
}

// SellerListingsResponse lists every fingerprint a seller has used.
type SellerListingsResponse struct {
	Seller       string   `json:"seller"`
	Fingerprints []string `json:"fingerprints"`
	NextSequence uint64   `json:"next_sequence"`
	AsOfSequence int64    `json:"as_of_sequence"`
}

// FingerprintResponse is a derived listing identifier.
type FingerprintResponse struct {
	Fingerprint string `json:"fingerprint"`
}

// JournalHistoryEntry is one persisted ledger leg.
type JournalHistoryEntry struct {
	JournalID      string `json:"journal_id"`
	BatchID        string `json:"batch_id"`
	EventRef       string `json:"event_ref"`
	EventSequence  int64  `json:"event_sequence"`
	JournalType    string `json:"journal_type"`
	DebitAccount   string `json:"debit_account,omitempty"`
	CreditAccount  string `json:"credit_account,omitempty"`
	Amount         string `json:"amount"`
	Token          string `json:"token,omitempty"`
	From           string `json:"from"`
	To             string `json:"to"`
	TimestampMicro int64  `json:"timestamp_us"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	EventsChecked   int64   `json:"events_checked"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
	SequenceGaps    []int64 `json:"sequence_gaps,omitempty"`
	TipMatchesLive  bool    `json:"tip_matches_live"`
}

// EventLogInfo describes the durable log against the live exchange.
type EventLogInfo struct {
	LastPersisted int64  `json:"last_persisted"`
	LiveSequence  int64  `json:"live_sequence"`
	StateHash     string `json:"state_hash"`
}
