package ledger

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// trackerStateJSON is the persisted snapshot layout. Map keys are structs,
// so every map is flattened to rows sorted by path for stable output.
type trackerStateJSON struct {
	Balances  []balanceRow  `json:"balances"`
	Owners    []ownerRow    `json:"owners"`
	Approvals []approvalRow `json:"approvals"`
	Issued    []balanceRow  `json:"issued"`
}

type balanceRow struct {
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

type ownerRow struct {
	Token string `json:"token"`
	Owner string `json:"owner"`
}

type approvalRow struct {
	Owner    string `json:"owner"`
	Contract string `json:"contract"`
}

func (s *TrackerState) MarshalJSON() ([]byte, error) {
	out := trackerStateJSON{
		Balances:  make([]balanceRow, 0, len(s.Balances)),
		Owners:    make([]ownerRow, 0, len(s.Owners)),
		Approvals: make([]approvalRow, 0, len(s.Approvals)),
		Issued:    make([]balanceRow, 0, len(s.Issued)),
	}
	for k, v := range s.Balances {
		out.Balances = append(out.Balances, balanceRow{Account: k.AccountPath(), Amount: v.Dec()})
	}
	for k, v := range s.Owners {
		out.Owners = append(out.Owners, ownerRow{Token: k.TokenPath(), Owner: strings.ToLower(v.Hex())})
	}
	for _, a := range s.Approvals {
		out.Approvals = append(out.Approvals, approvalRow{
			Owner:    strings.ToLower(a.Owner.Hex()),
			Contract: strings.ToLower(a.Contract.Hex()),
		})
	}
	for k, v := range s.Issued {
		out.Issued = append(out.Issued, balanceRow{Account: assetName(k), Amount: v.Dec()})
	}

	sort.Slice(out.Balances, func(i, j int) bool { return out.Balances[i].Account < out.Balances[j].Account })
	sort.Slice(out.Owners, func(i, j int) bool { return out.Owners[i].Token < out.Owners[j].Token })
	sort.Slice(out.Approvals, func(i, j int) bool {
		if out.Approvals[i].Owner == out.Approvals[j].Owner {
			return out.Approvals[i].Contract < out.Approvals[j].Contract
		}
		return out.Approvals[i].Owner < out.Approvals[j].Owner
	})
	sort.Slice(out.Issued, func(i, j int) bool { return out.Issued[i].Account < out.Issued[j].Account })

	return json.Marshal(out)
}

func (s *TrackerState) UnmarshalJSON(data []byte) error {
	var in trackerStateJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}

	s.Balances = make(map[AccountKey]uint256.Int, len(in.Balances))
	s.Owners = make(map[TokenKey]common.Address, len(in.Owners))
	s.Approvals = make([]Approval, 0, len(in.Approvals))
	s.Issued = make(map[common.Address]uint256.Int, len(in.Issued))

	for _, r := range in.Balances {
		key, err := ParseAccountPath(r.Account)
		if err != nil {
			return err
		}
		amt, err := uint256.FromDecimal(r.Amount)
		if err != nil {
			return fmt.Errorf("balance of %s: %w", r.Account, err)
		}
		s.Balances[key] = *amt
	}
	for _, r := range in.Owners {
		key, err := ParseTokenPath(r.Token)
		if err != nil {
			return err
		}
		if !common.IsHexAddress(r.Owner) {
			return fmt.Errorf("bad owner %q for %s", r.Owner, r.Token)
		}
		s.Owners[key] = common.HexToAddress(r.Owner)
	}
	for _, r := range in.Approvals {
		if !common.IsHexAddress(r.Owner) || !common.IsHexAddress(r.Contract) {
			return fmt.Errorf("bad approval %s/%s", r.Owner, r.Contract)
		}
		s.Approvals = append(s.Approvals, Approval{
			Owner:    common.HexToAddress(r.Owner),
			Contract: common.HexToAddress(r.Contract),
		})
	}
	for _, r := range in.Issued {
		asset := NativeCurrency
		if r.Account != "ETH" {
			if !common.IsHexAddress(r.Account) {
				return fmt.Errorf("bad issued asset %q", r.Account)
			}
			asset = common.HexToAddress(r.Account)
		}
		amt, err := uint256.FromDecimal(r.Amount)
		if err != nil {
			return fmt.Errorf("issued %s: %w", r.Account, err)
		}
		s.Issued[asset] = *amt
	}
	return nil
}
