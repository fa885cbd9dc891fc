package event

import (
	"fmt"
	"time"

	"SwapLedger/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// JournalView is the persisted form of one journal leg
type JournalView struct {
	JournalID     string `json:"journal_id"`
	JournalType   string `json:"journal_type"`
	DebitAccount  string `json:"debit_account,omitempty"`
	CreditAccount string `json:"credit_account,omitempty"`
	Amount        string `json:"amount,omitempty"`
	Token         string `json:"token,omitempty"`
	From          string `json:"from,omitempty"`
	To            string `json:"to,omitempty"`
	ViaOperator   bool   `json:"via_operator,omitempty"`
}

// LedgerBatch records one applied ledger batch (settlement, compensation,
// deposit or mint).
type LedgerBatch struct {
	BatchID   string        `json:"batch_id"`
	EventRef  string        `json:"event_ref"`
	Sequence  int64         `json:"sequence"`
	Timestamp time.Time     `json:"timestamp"`
	Journals  []JournalView `json:"journals"`
}

func (e *LedgerBatch) EventType() EventType { return EventTypeLedgerBatch }
func (e *LedgerBatch) AggregateID() string  { return e.EventRef }

// NewLedgerBatch renders an applied batch.
func NewLedgerBatch(b *ledger.Batch) *LedgerBatch {
	out := &LedgerBatch{
		BatchID:   b.BatchID.String(),
		EventRef:  b.EventRef,
		Sequence:  b.Sequence,
		Timestamp: time.UnixMicro(b.Timestamp).UTC(),
		Journals:  make([]JournalView, 0, len(b.Journals)),
	}
	for _, j := range b.Journals {
		jv := JournalView{
			JournalID:   j.JournalID.String(),
			JournalType: j.JournalType.String(),
			ViaOperator: j.ViaOperator,
		}
		if j.IsNonFungible() {
			jv.Token = j.Token.TokenPath()
			jv.From = j.From.Hex()
			jv.To = j.To.Hex()
		} else {
			jv.DebitAccount = j.DebitAccount.AccountPath()
			jv.CreditAccount = j.CreditAccount.AccountPath()
			jv.Amount = j.Amount.Dec()
		}
		out.Journals = append(out.Journals, jv)
	}
	return out
}

// Batch rebuilds the ledger batch for replay.
func (e *LedgerBatch) Batch() (*ledger.Batch, error) {
	batchID, err := uuid.Parse(e.BatchID)
	if err != nil {
		return nil, fmt.Errorf("batch id %q: %w", e.BatchID, err)
	}

	b := &ledger.Batch{
		BatchID:   batchID,
		EventRef:  e.EventRef,
		Sequence:  e.Sequence,
		Timestamp: e.Timestamp.UnixMicro(),
		Journals:  make([]ledger.Journal, 0, len(e.Journals)),
	}

	for i, jv := range e.Journals {
		jid, err := uuid.Parse(jv.JournalID)
		if err != nil {
			return nil, fmt.Errorf("journal %d id: %w", i, err)
		}
		jt, ok := ledger.ParseJournalType(jv.JournalType)
		if !ok {
			return nil, fmt.Errorf("journal %d: unknown type %q", i, jv.JournalType)
		}

		j := ledger.Journal{
			JournalID:   jid,
			BatchID:     batchID,
			EventRef:    e.EventRef,
			JournalType: jt,
			ViaOperator: jv.ViaOperator,
			Timestamp:   b.Timestamp,
		}

		if jv.Token != "" {
			tok, err := ledger.ParseTokenPath(jv.Token)
			if err != nil {
				return nil, fmt.Errorf("journal %d: %w", i, err)
			}
			j.Token = &tok
			j.From = common.HexToAddress(jv.From)
			j.To = common.HexToAddress(jv.To)
		} else {
			if j.DebitAccount, err = ledger.ParseAccountPath(jv.DebitAccount); err != nil {
				return nil, fmt.Errorf("journal %d: %w", i, err)
			}
			if j.CreditAccount, err = ledger.ParseAccountPath(jv.CreditAccount); err != nil {
				return nil, fmt.Errorf("journal %d: %w", i, err)
			}
			amt, err := uint256.FromDecimal(jv.Amount)
			if err != nil {
				return nil, fmt.Errorf("journal %d amount: %w", i, err)
			}
			j.Amount = *amt
			j.From = j.CreditAccount.Owner
			j.To = j.DebitAccount.Owner
		}

		b.Journals = append(b.Journals, j)
	}

	return b, nil
}

// ApprovalChanged records an operator approval grant or revocation.
type ApprovalChanged struct {
	Owner    string `json:"owner"`
	Contract string `json:"contract"`
	Approved bool   `json:"approved"`
}

func (e *ApprovalChanged) EventType() EventType { return EventTypeApprovalChanged }
func (e *ApprovalChanged) AggregateID() string  { return e.Owner }
