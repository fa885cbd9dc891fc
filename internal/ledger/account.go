package ledger

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeWallet AccountSubType = iota

	// System sub-types
	SubTypeSystemEscrow

	// External sub-types
	SubTypeExternalSupply
)

// NativeCurrency is the asset key of the settlement currency (wei)
var NativeCurrency = common.Address{}

// AccountKey is the in-memory key for balance tracking
type AccountKey struct {
	Scope   AccountScope
	Owner   common.Address // zero for system and external accounts
	SubType AccountSubType
	Asset   common.Address // NativeCurrency or a fungible token contract
}

// NewWalletKey creates a key for a user's balance of one asset
func NewWalletKey(owner, asset common.Address) AccountKey {
	return AccountKey{
		Scope:   AccountScopeUser,
		Owner:   owner,
		SubType: SubTypeWallet,
		Asset:   asset,
	}
}

// NewEscrowKey creates the system escrow key holding tendered payments mid-settlement
func NewEscrowKey(asset common.Address) AccountKey {
	return AccountKey{
		Scope:   AccountScopeSystem,
		SubType: SubTypeSystemEscrow,
		Asset:   asset,
	}
}

// NewSupplyKey creates the external boundary account assets are minted from
func NewSupplyKey(asset common.Address) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: SubTypeExternalSupply,
		Asset:   asset,
	}
}

func assetName(asset common.Address) string {
	if asset == NativeCurrency {
		return "ETH"
	}
	return strings.ToLower(asset.Hex())
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeUser:
		return fmt.Sprintf("user:%s:%s:%s", strings.ToLower(k.Owner.Hex()), k.subTypeName(), assetName(k.Asset))
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s", k.subTypeName(), assetName(k.Asset))
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), assetName(k.Asset))
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeWallet:
		return "wallet"
	case SubTypeSystemEscrow:
		return "escrow"
	case SubTypeExternalSupply:
		return "supply"
	default:
		return "unknown"
	}
}

// ParseAccountPath is the inverse of AccountPath, used when restoring snapshots.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")

	parseAsset := func(s string) (common.Address, error) {
		if s == "ETH" {
			return NativeCurrency, nil
		}
		if !common.IsHexAddress(s) {
			return common.Address{}, fmt.Errorf("bad asset %q in account path %q", s, path)
		}
		return common.HexToAddress(s), nil
	}

	switch {
	case len(parts) == 4 && parts[0] == "user" && parts[2] == "wallet":
		if !common.IsHexAddress(parts[1]) {
			return AccountKey{}, fmt.Errorf("bad owner in account path %q", path)
		}
		asset, err := parseAsset(parts[3])
		if err != nil {
			return AccountKey{}, err
		}
		return NewWalletKey(common.HexToAddress(parts[1]), asset), nil

	case len(parts) == 3 && parts[0] == "system" && parts[1] == "escrow":
		asset, err := parseAsset(parts[2])
		if err != nil {
			return AccountKey{}, err
		}
		return NewEscrowKey(asset), nil

	case len(parts) == 3 && parts[0] == "external" && parts[1] == "supply":
		asset, err := parseAsset(parts[2])
		if err != nil {
			return AccountKey{}, err
		}
		return NewSupplyKey(asset), nil
	}

	return AccountKey{}, fmt.Errorf("unrecognised account path %q", path)
}

// TokenKey identifies one non-fungible token
type TokenKey struct {
	Contract common.Address
	TokenID  uint256.Int
}

// NewTokenKey copies the id so the key stays comparable and immutable.
func NewTokenKey(contract common.Address, tokenID *uint256.Int) TokenKey {
	return TokenKey{Contract: contract, TokenID: *tokenID}
}

// TokenPath returns "nft:<contract>:<id>"
func (k TokenKey) TokenPath() string {
	return fmt.Sprintf("nft:%s:%s", strings.ToLower(k.Contract.Hex()), k.TokenID.Dec())
}

// ParseTokenPath is the inverse of TokenPath.
func ParseTokenPath(path string) (TokenKey, error) {
	parts := strings.Split(path, ":")
	if len(parts) != 3 || parts[0] != "nft" || !common.IsHexAddress(parts[1]) {
		return TokenKey{}, fmt.Errorf("unrecognised token path %q", path)
	}
	id, err := uint256.FromDecimal(parts[2])
	if err != nil {
		return TokenKey{}, fmt.Errorf("bad token id in %q: %w", path, err)
	}
	return NewTokenKey(common.HexToAddress(parts[1]), id), nil
}

// approvalKey records an operator approval of the exchange over one owner's
// holdings of one contract (ERC-721/ERC-20 style setApprovalForAll)
type approvalKey struct {
	Owner    common.Address
	Contract common.Address
}
