package ledger

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// JournalGenerator builds journal batches for ledger operations. Batches are
// not applied here; callers hand them to BalanceTracker.ApplyBatch.
type JournalGenerator struct {
	batch *Batch
}

func NewJournalGenerator(eventRef string, timestamp int64) *JournalGenerator {
	return &JournalGenerator{
		batch: &Batch{
			BatchID:   uuid.New(),
			EventRef:  eventRef,
			Timestamp: timestamp,
			Journals:  make([]Journal, 0, 4),
		},
	}
}

// Batch returns the batch built so far
func (jg *JournalGenerator) Batch() *Batch {
	return jg.batch
}

// Len returns the number of staged legs
func (jg *JournalGenerator) Len() int {
	return len(jg.batch.Journals)
}

func (jg *JournalGenerator) fungible(jt JournalType, debit, credit AccountKey, amount *uint256.Int, viaOperator bool) {
	jg.batch.Journals = append(jg.batch.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       jg.batch.BatchID,
		EventRef:      jg.batch.EventRef,
		JournalType:   jt,
		DebitAccount:  debit,
		CreditAccount: credit,
		Amount:        *amount,
		From:          credit.Owner,
		To:            debit.Owner,
		ViaOperator:   viaOperator,
		Timestamp:     jg.batch.Timestamp,
	})
}

// GenerateDeposit credits native currency to a wallet.
// Moves funds: external:supply:ETH → user:wallet:ETH
func (jg *JournalGenerator) GenerateDeposit(owner common.Address, amount *uint256.Int) {
	jg.fungible(JournalTypeDeposit,
		NewWalletKey(owner, NativeCurrency),
		NewSupplyKey(NativeCurrency),
		amount, false)
}

// GenerateMintToken issues fungible tokens of contract to owner.
func (jg *JournalGenerator) GenerateMintToken(contract, owner common.Address, amount *uint256.Int) {
	jg.fungible(JournalTypeMintToken,
		NewWalletKey(owner, contract),
		NewSupplyKey(contract),
		amount, false)
}

// GenerateMintNFT assigns a fresh token to owner.
func (jg *JournalGenerator) GenerateMintNFT(contract common.Address, tokenID *uint256.Int, owner common.Address) {
	tok := NewTokenKey(contract, tokenID)
	jg.batch.Journals = append(jg.batch.Journals, Journal{
		JournalID:   uuid.New(),
		BatchID:     jg.batch.BatchID,
		EventRef:    jg.batch.EventRef,
		JournalType: JournalTypeMintNFT,
		Token:       &tok,
		To:          owner,
		Timestamp:   jg.batch.Timestamp,
	})
}

// GenerateEscrowDebit pulls a buyer's tendered payment into escrow.
// Moves funds: user:wallet:ETH → system:escrow:ETH
func (jg *JournalGenerator) GenerateEscrowDebit(buyer common.Address, amount *uint256.Int) {
	jg.fungible(JournalTypeEscrowDebit,
		NewEscrowKey(NativeCurrency),
		NewWalletKey(buyer, NativeCurrency),
		amount, false)
}

// GenerateNFTTransfer moves a token from seller to buyer under the
// exchange's operator approval.
func (jg *JournalGenerator) GenerateNFTTransfer(contract common.Address, tokenID *uint256.Int, from, to common.Address) {
	tok := NewTokenKey(contract, tokenID)
	jg.batch.Journals = append(jg.batch.Journals, Journal{
		JournalID:   uuid.New(),
		BatchID:     jg.batch.BatchID,
		EventRef:    jg.batch.EventRef,
		JournalType: JournalTypeNFTTransfer,
		Token:       &tok,
		From:        from,
		To:          to,
		ViaOperator: true,
		Timestamp:   jg.batch.Timestamp,
	})
}

// GenerateTokenTransfer moves fungible tokens between wallets under the
// exchange's operator approval.
func (jg *JournalGenerator) GenerateTokenTransfer(contract common.Address, amount *uint256.Int, from, to common.Address) {
	jg.fungible(JournalTypeTokenTransfer,
		NewWalletKey(to, contract),
		NewWalletKey(from, contract),
		amount, true)
}

// GenerateEscrowRelease pays out of escrow. jt names the purpose
// (seller proceeds, platform fee, surplus).
// Moves funds: system:escrow:ETH → user:wallet:ETH
func (jg *JournalGenerator) GenerateEscrowRelease(jt JournalType, to common.Address, amount *uint256.Int) {
	jg.fungible(jt,
		NewWalletKey(to, NativeCurrency),
		NewEscrowKey(NativeCurrency),
		amount, false)
}
