package ledger

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// AssetVerifier answers read-only ownership questions. Listing creation
// uses it to check a seller actually holds what they offer.
type AssetVerifier interface {
	OwnerOf(ctx context.Context, contract common.Address, tokenID *uint256.Int) (common.Address, error)
	IsApprovedForAll(ctx context.Context, owner, contract common.Address) (bool, error)
	BalanceOf(ctx context.Context, owner, asset common.Address) (*uint256.Int, error)
}

// Ledger moves assets and currency. All legs staged on one Tx land together
// or not at all.
type Ledger interface {
	AssetVerifier

	// Begin opens a settlement transaction tagged with eventRef
	Begin(eventRef string) Tx

	// Compensate applies the reverse of a committed batch
	Compensate(ctx context.Context, batch *Batch) error
}

// Tx stages settlement legs. Zero-amount fungible legs are dropped.
type Tx interface {
	EscrowPayment(from common.Address, amount *uint256.Int)
	TransferNFT(contract common.Address, tokenID *uint256.Int, from, to common.Address)
	TransferToken(contract common.Address, amount *uint256.Int, from, to common.Address)
	Release(jt JournalType, to common.Address, amount *uint256.Int)

	// Commit applies every staged leg atomically and returns the applied batch
	Commit(ctx context.Context) (*Batch, error)
	Rollback()
}
