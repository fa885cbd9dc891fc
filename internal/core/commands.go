package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"SwapLedger/internal/order"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// CommandType names an inbound state-changing request
type CommandType string

const (
	CommandCreateNonFungible CommandType = "create_nft_listing"
	CommandCreateFungible    CommandType = "create_otc_listing"
	CommandFulfill           CommandType = "fulfill"
	CommandCancel            CommandType = "cancel"
	CommandDeposit           CommandType = "deposit"
	CommandMintNFT           CommandType = "mint_nft"
	CommandMintToken         CommandType = "mint_token"
	CommandSetApproval       CommandType = "set_approval"
)

// Valid reports whether t is a known command type
func (t CommandType) Valid() bool {
	switch t {
	case CommandCreateNonFungible, CommandCreateFungible, CommandFulfill, CommandCancel,
		CommandDeposit, CommandMintNFT, CommandMintToken, CommandSetApproval:
		return true
	}
	return false
}

// Command is a parsed request. Which fields are read depends on Type.
type Command struct {
	RequestID string
	Type      CommandType

	// Acting party: seller (create), buyer (fulfill), caller (cancel),
	// owner (deposit, mint, approval)
	Actor common.Address

	Contract    common.Address
	TokenID     *uint256.Int
	Amount      *uint256.Int // OTC amount, deposit or mint quantity
	Price       *uint256.Int
	Tendered    *uint256.Int
	Expiry      time.Time
	Fingerprint order.Fingerprint
	Approved    bool
}

// Result is the outcome of a command, stored for idempotent replies.
// Domain rejections are results too; ErrorKind carries order.KindOf.
type Result struct {
	RequestID   string             `json:"request_id"`
	Type        CommandType        `json:"type"`
	Fingerprint string             `json:"fingerprint,omitempty"`
	Receipt     *order.ReceiptView `json:"receipt,omitempty"`
	ErrorKind   string             `json:"error_kind,omitempty"`
	Error       string             `json:"error,omitempty"`
}

// Err reconstructs the domain error of a failed result.
func (r *Result) Err() error {
	if r.ErrorKind == "" {
		return nil
	}
	return order.FromKind(r.ErrorKind, r.Error)
}

// retryable reports failures that must not be cached: the same request may
// succeed once the ledger or the caller's context recovers.
func retryable(err error) bool {
	return errors.Is(err, order.ErrLedgerFailure) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// ProcessCommand executes cmd once per RequestID. A repeated RequestID
// returns the stored result without touching state; concurrent duplicates
// wait for the first to finish. Commands without a RequestID always run.
func (x *Exchange) ProcessCommand(ctx context.Context, cmd *Command) (*Result, error) {
	if cmd.RequestID == "" {
		res, _ := x.execute(ctx, cmd)
		return res, nil
	}

	v, err, _ := x.inflight.Do(cmd.RequestID, func() (interface{}, error) {
		if cached, ok := x.idempotency.Lookup(ctx, cmd.RequestID); ok {
			var res Result
			if err := json.Unmarshal(cached, &res); err != nil {
				return nil, fmt.Errorf("decode cached result for %s: %w", cmd.RequestID, err)
			}
			return &res, nil
		}

		res, execErr := x.execute(ctx, cmd)
		if execErr != nil && retryable(execErr) {
			return res, nil
		}

		encoded, err := json.Marshal(res)
		if err != nil {
			return nil, fmt.Errorf("encode result for %s: %w", cmd.RequestID, err)
		}
		x.idempotency.MarkProcessed(cmd.RequestID, encoded)
		x.emitCommand(cmd, encoded)
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

func (x *Exchange) execute(ctx context.Context, cmd *Command) (*Result, error) {
	res := &Result{RequestID: cmd.RequestID, Type: cmd.Type}
	ctx = withRequestID(ctx, cmd.RequestID)

	var err error
	switch cmd.Type {
	case CommandCreateNonFungible:
		var fp order.Fingerprint
		fp, err = x.CreateNonFungibleListing(ctx, cmd.Actor, cmd.Contract, cmd.TokenID, cmd.Price, cmd.Expiry)
		if err == nil {
			res.Fingerprint = fp.Hex()
		}

	case CommandCreateFungible:
		var fp order.Fingerprint
		fp, err = x.CreateFungibleListing(ctx, cmd.Actor, cmd.Contract, cmd.Amount, cmd.Price, cmd.Expiry)
		if err == nil {
			res.Fingerprint = fp.Hex()
		}

	case CommandFulfill:
		var rcpt *order.Receipt
		rcpt, err = x.Fulfill(ctx, cmd.Fingerprint, cmd.Actor, cmd.Tendered)
		res.Fingerprint = cmd.Fingerprint.Hex()
		if err == nil {
			v := order.NewReceiptView(rcpt)
			res.Receipt = &v
		}

	case CommandCancel:
		err = x.Cancel(ctx, cmd.Fingerprint, cmd.Actor)
		res.Fingerprint = cmd.Fingerprint.Hex()

	case CommandDeposit:
		err = x.Deposit(ctx, cmd.Actor, cmd.Amount)

	case CommandMintNFT:
		err = x.MintNFT(ctx, cmd.Contract, cmd.TokenID, cmd.Actor)

	case CommandMintToken:
		err = x.MintToken(ctx, cmd.Contract, cmd.Actor, cmd.Amount)

	case CommandSetApproval:
		err = x.SetApprovalForAll(ctx, cmd.Actor, cmd.Contract, cmd.Approved)

	default:
		err = fmt.Errorf("%w: unknown command type %q", order.ErrInvalidParameters, cmd.Type)
	}

	if err != nil {
		res.ErrorKind = order.KindOf(err)
		res.Error = err.Error()
	}
	return res, err
}

type requestIDKey struct{}

func withRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, id)
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
