package server

import (
	"context"
	"fmt"
	"time"

	"SwapLedger/internal/core"
	"SwapLedger/internal/ingestion"
	"SwapLedger/internal/observability"
	"SwapLedger/internal/order"
	"SwapLedger/internal/query"

	"google.golang.org/grpc"
)

const (
	ExchangeServiceName = "swapledger.v1.Exchange"
	AdminServiceName    = "swapledger.v1.Admin"
)

// Snapshotter forces a snapshot; *persistence.SnapshotWorker implements it.
type Snapshotter interface {
	TakeSnapshot(ctx context.Context, lastSeq int64) (int64, error)
}

// --- Request messages ---

type GetListingRequest struct {
	Fingerprint string `json:"fingerprint"`
	WithHistory bool   `json:"with_history,omitempty"`
}

type SellerRequest struct {
	Seller string `json:"seller"`
}

type ContractRequest struct {
	Contract string `json:"contract"`
}

type FingerprintRequest struct {
	Kind     string `json:"kind"`
	Seller   string `json:"seller"`
	Contract string `json:"contract"`
	// token id for non_fungible, seller sequence for fungible
	IDOrSequence string `json:"id_or_sequence"`
}

type BalanceRequest struct {
	Owner string `json:"owner"`
	Asset string `json:"asset,omitempty"`
}

type OwnerRequest struct {
	Contract string `json:"contract"`
	TokenID  string `json:"token_id"`
}

type JournalsRequest struct {
	Account        string `json:"account"`
	Limit          int    `json:"limit,omitempty"`
	BeforeSequence int64  `json:"before_sequence,omitempty"`
}

type JournalsResponse struct {
	Entries []query.JournalHistoryEntry `json:"entries"`
}

type Empty struct{}

type SnapshotResponse struct {
	Sequence int64 `json:"sequence"`
}

// Handlers implements both services. The same methods back the gRPC
// descriptors and the HTTP gateway routes.
type Handlers struct {
	proc      ingestion.Processor
	qs        *query.QueryService
	snapshots Snapshotter
	metrics   *observability.Metrics
}

// NewHandlers wires the services. snapshots may be nil when the process
// runs without a durable store.
func NewHandlers(proc ingestion.Processor, qs *query.QueryService, snapshots Snapshotter, metrics *observability.Metrics) *Handlers {
	return &Handlers{proc: proc, qs: qs, snapshots: snapshots, metrics: metrics}
}

// execute runs a mutating request as command type t. A domain rejection
// carried in the Result becomes the call's error.
func (h *Handlers) execute(ctx context.Context, t core.CommandType, req *ingestion.CommandRequest) (*core.Result, error) {
	if req.Type != "" && req.Type != string(t) {
		return nil, fmt.Errorf("%w: request type %q sent to %s", order.ErrInvalidParameters, req.Type, t)
	}
	req.Type = string(t)

	cmd, err := req.Command()
	if err != nil {
		return nil, err
	}
	res, err := h.proc.ProcessCommand(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if err := res.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

func (h *Handlers) CreateNonFungibleListing(ctx context.Context, req *ingestion.CommandRequest) (*core.Result, error) {
	return h.execute(ctx, core.CommandCreateNonFungible, req)
}

func (h *Handlers) CreateFungibleListing(ctx context.Context, req *ingestion.CommandRequest) (*core.Result, error) {
	return h.execute(ctx, core.CommandCreateFungible, req)
}

func (h *Handlers) Fulfill(ctx context.Context, req *ingestion.CommandRequest) (*core.Result, error) {
	return h.execute(ctx, core.CommandFulfill, req)
}

func (h *Handlers) Cancel(ctx context.Context, req *ingestion.CommandRequest) (*core.Result, error) {
	return h.execute(ctx, core.CommandCancel, req)
}

func (h *Handlers) Deposit(ctx context.Context, req *ingestion.CommandRequest) (*core.Result, error) {
	return h.execute(ctx, core.CommandDeposit, req)
}

func (h *Handlers) MintNFT(ctx context.Context, req *ingestion.CommandRequest) (*core.Result, error) {
	return h.execute(ctx, core.CommandMintNFT, req)
}

func (h *Handlers) MintToken(ctx context.Context, req *ingestion.CommandRequest) (*core.Result, error) {
	return h.execute(ctx, core.CommandMintToken, req)
}

func (h *Handlers) SetApproval(ctx context.Context, req *ingestion.CommandRequest) (*core.Result, error) {
	return h.execute(ctx, core.CommandSetApproval, req)
}

func (h *Handlers) GetListing(_ context.Context, req *GetListingRequest) (*query.ListingResponse, error) {
	return h.qs.GetListing(req.Fingerprint, req.WithHistory)
}

func (h *Handlers) ListSellerListings(_ context.Context, req *SellerRequest) (*query.SellerListingsResponse, error) {
	return h.qs.ListSellerListings(req.Seller)
}

func (h *Handlers) ListOpenListings(_ context.Context, req *ContractRequest) (*query.ListingsResponse, error) {
	return h.qs.ListOpenListings(req.Contract)
}

func (h *Handlers) ComputeFingerprint(_ context.Context, req *FingerprintRequest) (*query.FingerprintResponse, error) {
	return h.qs.ComputeFingerprint(req.Kind, req.Seller, req.Contract, req.IDOrSequence)
}

func (h *Handlers) GetBalance(ctx context.Context, req *BalanceRequest) (*query.BalanceResponse, error) {
	return h.qs.GetBalance(ctx, req.Owner, req.Asset)
}

func (h *Handlers) GetOwner(ctx context.Context, req *OwnerRequest) (*query.OwnerResponse, error) {
	return h.qs.GetOwner(ctx, req.Contract, req.TokenID)
}

// --- Admin ---

func (h *Handlers) TakeSnapshot(ctx context.Context, _ *Empty) (*SnapshotResponse, error) {
	if h.snapshots == nil {
		return nil, query.ErrUnavailable
	}
	seq, err := h.snapshots.TakeSnapshot(ctx, 0)
	if err != nil {
		return nil, err
	}
	return &SnapshotResponse{Sequence: seq}, nil
}

func (h *Handlers) GetEventLogInfo(ctx context.Context, _ *Empty) (*query.EventLogInfo, error) {
	return h.qs.GetEventLogInfo(ctx)
}

func (h *Handlers) VerifyIntegrity(ctx context.Context, _ *Empty) (*query.IntegrityReport, error) {
	return h.qs.VerifyIntegrity(ctx)
}

func (h *Handlers) ListJournals(ctx context.Context, req *JournalsRequest) (*JournalsResponse, error) {
	limit := req.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	entries, err := h.qs.GetJournalHistory(ctx, req.Account, limit, req.BeforeSequence)
	if err != nil {
		return nil, err
	}
	return &JournalsResponse{Entries: entries}, nil
}

// observe records one API call.
func (h *Handlers) observe(method string, start time.Time, err error) {
	if h.metrics == nil {
		return
	}
	h.metrics.QueryDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if err != nil {
		h.metrics.QueryRequests.WithLabelValues(method, "error").Inc()
		h.metrics.QueryErrors.WithLabelValues(method, codeOf(err).String()).Inc()
		return
	}
	h.metrics.QueryRequests.WithLabelValues(method, "ok").Inc()
}

// --- Service descriptors ---

// unary adapts a typed handler method to a grpc.MethodDesc.
func unary[Req, Resp any](service, name string, fn func(*Handlers, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + service + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			h := srv.(*Handlers)
			call := func(ctx context.Context, req interface{}) (interface{}, error) {
				start := time.Now()
				resp, err := fn(h, ctx, req.(*Req))
				h.observe(name, start, err)
				if err != nil {
					return nil, toStatus(ctx, err)
				}
				return resp, nil
			}
			if interceptor == nil {
				return call(ctx, in)
			}
			return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}, call)
		},
	}
}

var exchangeServiceDesc = grpc.ServiceDesc{
	ServiceName: ExchangeServiceName,
	HandlerType: (*interface{})(nil),
	Methods: []grpc.MethodDesc{
		unary(ExchangeServiceName, "CreateNonFungibleListing", (*Handlers).CreateNonFungibleListing),
		unary(ExchangeServiceName, "CreateFungibleListing", (*Handlers).CreateFungibleListing),
		unary(ExchangeServiceName, "Fulfill", (*Handlers).Fulfill),
		unary(ExchangeServiceName, "Cancel", (*Handlers).Cancel),
		unary(ExchangeServiceName, "Deposit", (*Handlers).Deposit),
		unary(ExchangeServiceName, "MintNFT", (*Handlers).MintNFT),
		unary(ExchangeServiceName, "MintToken", (*Handlers).MintToken),
		unary(ExchangeServiceName, "SetApproval", (*Handlers).SetApproval),
		unary(ExchangeServiceName, "GetListing", (*Handlers).GetListing),
		unary(ExchangeServiceName, "ListSellerListings", (*Handlers).ListSellerListings),
		unary(ExchangeServiceName, "ListOpenListings", (*Handlers).ListOpenListings),
		unary(ExchangeServiceName, "ComputeFingerprint", (*Handlers).ComputeFingerprint),
		unary(ExchangeServiceName, "GetBalance", (*Handlers).GetBalance),
		unary(ExchangeServiceName, "GetOwner", (*Handlers).GetOwner),
	},
	Metadata: "swapledger/v1/exchange",
}

var adminServiceDesc = grpc.ServiceDesc{
	ServiceName: AdminServiceName,
	HandlerType: (*interface{})(nil),
	Methods: []grpc.MethodDesc{
		unary(AdminServiceName, "TakeSnapshot", (*Handlers).TakeSnapshot),
		unary(AdminServiceName, "GetEventLogInfo", (*Handlers).GetEventLogInfo),
		unary(AdminServiceName, "VerifyIntegrity", (*Handlers).VerifyIntegrity),
		unary(AdminServiceName, "ListJournals", (*Handlers).ListJournals),
	},
	Metadata: "swapledger/v1/admin",
}

// Register attaches both services to s.
func (h *Handlers) Register(s grpc.ServiceRegistrar) {
	s.RegisterService(&exchangeServiceDesc, h)
	s.RegisterService(&adminServiceDesc, h)
}
