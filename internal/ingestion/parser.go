package ingestion

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"SwapLedger/internal/core"
	"SwapLedger/internal/order"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// CommandRequest is the JSON wire format of an inbound command. Addresses
// are 0x-prefixed hex; quantities are base-10 strings so 256-bit values
// survive JSON.
type CommandRequest struct {
	RequestID   string     `json:"request_id"`
	Type        string     `json:"type,omitempty"`
	Actor       string     `json:"actor"`
	Contract    string     `json:"contract,omitempty"`
	TokenID     string     `json:"token_id,omitempty"`
	Amount      string     `json:"amount,omitempty"`
	Price       string     `json:"price,omitempty"`
	Tendered    string     `json:"tendered,omitempty"`
	Expiry      *time.Time `json:"expiry,omitempty"`
	Fingerprint string     `json:"fingerprint,omitempty"`
	Approved    bool       `json:"approved,omitempty"`
}

// CommandSubjectPrefix is the JetStream subject space for commands. The
// last token names the command type: swap.commands.fulfill.
const CommandSubjectPrefix = "swap.commands."

// RPCSubjectPrefix is the request/reply subject space: swap.rpc.fulfill.
const RPCSubjectPrefix = "swap.rpc."

// ParseCommand decodes data received on subject. The command type comes
// from the subject; a type field in the body must agree with it.
func ParseCommand(subject string, data []byte) (*core.Command, error) {
	var req CommandRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("%w: decode command: %v", order.ErrInvalidParameters, err)
	}

	if i := strings.LastIndexByte(subject, '.'); i >= 0 {
		fromSubject := subject[i+1:]
		if req.Type != "" && req.Type != fromSubject {
			return nil, fmt.Errorf("%w: body type %q does not match subject %s",
				order.ErrInvalidParameters, req.Type, subject)
		}
		req.Type = fromSubject
	}
	return req.Command()
}

// Command validates r and converts it. Every field required by the
// command type must be present; fields it does not read are ignored.
func (r *CommandRequest) Command() (*core.Command, error) {
	cmd := &core.Command{
		RequestID: r.RequestID,
		Type:      core.CommandType(r.Type),
		Approved:  r.Approved,
	}
	if !cmd.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown command type %q", order.ErrInvalidParameters, r.Type)
	}

	var err error
	if cmd.Actor, err = order.ParseAddress(r.Actor); err != nil {
		return nil, fmt.Errorf("actor: %w", err)
	}

	p := fieldParser{}
	switch cmd.Type {
	case core.CommandCreateNonFungible:
		cmd.Contract = p.address("contract", r.Contract)
		cmd.TokenID = p.quantity("token_id", r.TokenID)
		cmd.Price = p.quantity("price", r.Price)
		cmd.Expiry = p.expiry(r.Expiry)
	case core.CommandCreateFungible:
		cmd.Contract = p.address("contract", r.Contract)
		cmd.Amount = p.quantity("amount", r.Amount)
		cmd.Price = p.quantity("price", r.Price)
		cmd.Expiry = p.expiry(r.Expiry)
	case core.CommandFulfill:
		cmd.Fingerprint = p.fingerprint(r.Fingerprint)
		cmd.Tendered = p.quantity("tendered", r.Tendered)
	case core.CommandCancel:
		cmd.Fingerprint = p.fingerprint(r.Fingerprint)
	case core.CommandDeposit:
		cmd.Amount = p.quantity("amount", r.Amount)
	case core.CommandMintNFT:
		cmd.Contract = p.address("contract", r.Contract)
		cmd.TokenID = p.quantity("token_id", r.TokenID)
	case core.CommandMintToken:
		cmd.Contract = p.address("contract", r.Contract)
		cmd.Amount = p.quantity("amount", r.Amount)
	case core.CommandSetApproval:
		cmd.Contract = p.address("contract", r.Contract)
	}
	if p.err != nil {
		return nil, p.err
	}
	return cmd, nil
}

// fieldParser keeps the first error so the switch above stays flat.
type fieldParser struct {
	err error
}

func (p *fieldParser) address(name, s string) common.Address {
	if p.err != nil {
		return common.Address{}
	}
	a, err := order.ParseAddress(s)
	if err != nil {
		p.err = fmt.Errorf("%s: %w", name, err)
	}
	return a
}

func (p *fieldParser) quantity(name, s string) *uint256.Int {
	if p.err != nil {
		return nil
	}
	v, err := order.ParseQuantity(s)
	if err != nil {
		p.err = fmt.Errorf("%s: %w", name, err)
	}
	return v
}

func (p *fieldParser) fingerprint(s string) order.Fingerprint {
	if p.err != nil {
		return order.Fingerprint{}
	}
	fp, err := order.ParseFingerprint(s)
	if err != nil {
		p.err = fmt.Errorf("fingerprint: %w", err)
	}
	return fp
}

func (p *fieldParser) expiry(t *time.Time) time.Time {
	if p.err != nil {
		return time.Time{}
	}
	if t == nil || t.IsZero() {
		p.err = fmt.Errorf("%w: expiry is required", order.ErrInvalidParameters)
		return time.Time{}
	}
	return *t
}

// NewCommandRequest is the inverse of CommandRequest.Command, used by
// clients building requests.
func NewCommandRequest(cmd *core.Command) CommandRequest {
	r := CommandRequest{
		RequestID: cmd.RequestID,
		Type:      string(cmd.Type),
		Actor:     strings.ToLower(cmd.Actor.Hex()),
		Approved:  cmd.Approved,
	}
	if cmd.Contract != (common.Address{}) {
		r.Contract = strings.ToLower(cmd.Contract.Hex())
	}
	dec := func(v *uint256.Int) string {
		if v == nil {
			return ""
		}
		return v.Dec()
	}
	r.TokenID = dec(cmd.TokenID)
	r.Amount = dec(cmd.Amount)
	r.Price = dec(cmd.Price)
	r.Tendered = dec(cmd.Tendered)
	if !cmd.Expiry.IsZero() {
		e := cmd.Expiry.UTC()
		r.Expiry = &e
	}
	if !cmd.Fingerprint.IsZero() {
		r.Fingerprint = cmd.Fingerprint.Hex()
	}
	return r
}
