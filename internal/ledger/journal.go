package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeMintToken
	JournalTypeMintNFT
	JournalTypeEscrowDebit
	JournalTypeNFTTransfer
	JournalTypeTokenTransfer
	JournalTypeSellerProceeds
	JournalTypePlatformFee
	JournalTypeSurplusRetained
	JournalTypeSurplusRefund
	JournalTypeCompensation
)

func (jt JournalType) String() string {
	switch jt {
	case JournalTypeDeposit:
		return "deposit"
	case JournalTypeMintToken:
		return "mint_token"
	case JournalTypeMintNFT:
		return "mint_nft"
	case JournalTypeEscrowDebit:
		return "escrow_debit"
	case JournalTypeNFTTransfer:
		return "nft_transfer"
	case JournalTypeTokenTransfer:
		return "token_transfer"
	case JournalTypeSellerProceeds:
		return "seller_proceeds"
	case JournalTypePlatformFee:
		return "platform_fee"
	case JournalTypeSurplusRetained:
		return "surplus_retained"
	case JournalTypeSurplusRefund:
		return "surplus_refund"
	case JournalTypeCompensation:
		return "compensation"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry.
//
// Fungible legs move Amount from CreditAccount to DebitAccount. Non-fungible
// legs (Token != nil) move ownership of Token from From to To.
type Journal struct {
	JournalID     uuid.UUID
	BatchID       uuid.UUID
	EventRef      string // fingerprint or request id of the source operation
	JournalType   JournalType
	DebitAccount  AccountKey  // balance increases
	CreditAccount AccountKey  // balance decreases
	Amount        uint256.Int // ALWAYS positive for fungible legs
	Token         *TokenKey
	From          common.Address
	To            common.Address
	ViaOperator   bool  // moved by the exchange under the owner's approval
	Timestamp     int64 // epoch microseconds
}

// IsNonFungible reports whether the leg moves a unique token.
func (j *Journal) IsNonFungible() bool {
	return j.Token != nil
}

// Batch represents a balanced set of journal entries applied as one unit
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64 // assigned on commit
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed. Each fungible entry is a
// balanced transfer by construction; settlement batches group several
// entries (escrow, asset, proceeds, fee) under one batch_id.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.IsNonFungible() {
			if j.From == j.To && j.JournalType != JournalTypeMintNFT {
				return fmt.Errorf("journal %s transfers token to its current owner", j.JournalID)
			}
			continue
		}

		if j.Amount.IsZero() {
			return fmt.Errorf("journal %s has zero amount", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.DebitAccount.Asset != j.CreditAccount.Asset {
			return fmt.Errorf("journal %s moves between different assets", j.JournalID)
		}
	}

	return nil
}

// Reverse builds the compensating batch that undoes b, legs in reverse order.
func (b *Batch) Reverse(timestamp int64) *Batch {
	rev := &Batch{
		BatchID:   uuid.New(),
		EventRef:  b.EventRef,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, len(b.Journals)),
	}

	for i := len(b.Journals) - 1; i >= 0; i-- {
		j := b.Journals[i]
		r := Journal{
			JournalID:     uuid.New(),
			BatchID:       rev.BatchID,
			EventRef:      b.EventRef,
			JournalType:   JournalTypeCompensation,
			DebitAccount:  j.CreditAccount,
			CreditAccount: j.DebitAccount,
			Amount:        j.Amount,
			From:          j.To,
			To:            j.From,
			Timestamp:     timestamp,
		}
		if j.Token != nil {
			tok := *j.Token
			r.Token = &tok
		}
		rev.Journals = append(rev.Journals, r)
	}

	return rev
}

// ParseJournalType is the inverse of JournalType.String
func ParseJournalType(s string) (JournalType, bool) {
	for jt := JournalTypeDeposit; jt <= JournalTypeCompensation; jt++ {
		if jt.String() == s {
			return jt, true
		}
	}
	return 0, false
}
