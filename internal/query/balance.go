package query

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"SwapLedger/internal/ledger"
	"SwapLedger/internal/order"
)

// BalanceResponse is one owner's holding of one asset. Asset is the
// fungible contract, or "ETH" for the native currency.
type BalanceResponse struct {
	Owner        string `json:"owner"`
	Asset        string `json:"asset"`
	Balance      string `json:"balance"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// OwnerResponse names the holder of one unique token.
type OwnerResponse struct {
	Contract     string `json:"contract"`
	TokenID      string `json:"token_id"`
	Owner        string `json:"owner"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// GetBalance reads a balance from the live ledger.
func (qs *QueryService) GetBalance(ctx context.Context, owner, asset string) (*BalanceResponse, error) {
	o, err := order.ParseAddress(owner)
	if err != nil {
		return nil, err
	}
	a := ledger.NativeCurrency
	label := "ETH"
	if asset != "" && !strings.EqualFold(asset, "ETH") {
		if a, err = order.ParseAddress(asset); err != nil {
			return nil, err
		}
		label = strings.ToLower(a.Hex())
	}

	asOf := qs.x.Sequence()
	bal, err := qs.x.BalanceOf(ctx, o, a)
	if err != nil {
		return nil, err
	}
	return &BalanceResponse{
		Owner:        strings.ToLower(o.Hex()),
		Asset:        label,
		Balance:      bal.Dec(),
		AsOfSequence: asOf,
	}, nil
}

// GetOwner reads the owner of a unique token from the live ledger.
func (qs *QueryService) GetOwner(ctx context.Context, contract, tokenID string) (*OwnerResponse, error) {
	c, err := order.ParseAddress(contract)
	if err != nil {
		return nil, err
	}
	id, err := order.ParseQuantity(tokenID)
	if err != nil {
		return nil, err
	}

	asOf := qs.x.Sequence()
	owner, err := qs.x.OwnerOf(ctx, c, id)
	if errors.Is(err, ledger.ErrNotTokenOwner) {
		return nil, fmt.Errorf("%w: %v", order.ErrNotFound, err)
	}
	if err != nil {
		return nil, err
	}
	return &OwnerResponse{
		Contract:     strings.ToLower(c.Hex()),
		TokenID:      id.Dec(),
		Owner:        strings.ToLower(owner.Hex()),
		AsOfSequence: asOf,
	}, nil
}
