package server

import (
	"context"

	"SwapLedger/internal/core"
	"SwapLedger/internal/ingestion"
	"SwapLedger/internal/query"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

// Dial opens a plaintext connection that speaks the JSON codec.
func Dial(addr string) (*grpc.ClientConn, error) {
	return grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
}

// Client calls both services. Failed calls return errors matching the
// order.Err* kinds.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func call[Resp any](ctx context.Context, c *Client, service, method string, req interface{}) (*Resp, error) {
	var trailer metadata.MD
	resp := new(Resp)
	err := c.cc.Invoke(ctx, "/"+service+"/"+method, req, resp,
		grpc.CallContentSubtype(CodecName), grpc.Trailer(&trailer))
	if err != nil {
		return nil, FromStatus(err, trailer)
	}
	return resp, nil
}

func (c *Client) command(ctx context.Context, method string, req *ingestion.CommandRequest) (*core.Result, error) {
	return call[core.Result](ctx, c, ExchangeServiceName, method, req)
}

func (c *Client) CreateNonFungibleListing(ctx context.Context, req *ingestion.CommandRequest) (*core.Result, error) {
	return c.command(ctx, "CreateNonFungibleListing", req)
}

func (c *Client) CreateFungibleListing(ctx context.Context, req *ingestion.CommandRequest) (*core.Result, error) {
	return c.command(ctx, "CreateFungibleListing", req)
}

func (c *Client) Fulfill(ctx context.Context, req *ingestion.CommandRequest) (*core.Result, error) {
	return c.command(ctx, "Fulfill", req)
}

func (c *Client) Cancel(ctx context.Context, req *ingestion.CommandRequest) (*core.Result, error) {
	return c.command(ctx, "Cancel", req)
}

func (c *Client) Deposit(ctx context.Context, req *ingestion.CommandRequest) (*core.Result, error) {
	return c.command(ctx, "Deposit", req)
}

func (c *Client) MintNFT(ctx context.Context, req *ingestion.CommandRequest) (*core.Result, error) {
	return c.command(ctx, "MintNFT", req)
}

func (c *Client) MintToken(ctx context.Context, req *ingestion.CommandRequest) (*core.Result, error) {
	return c.command(ctx, "MintToken", req)
}

func (c *Client) SetApproval(ctx context.Context, req *ingestion.CommandRequest) (*core.Result, error) {
	return c.command(ctx, "SetApproval", req)
}

func (c *Client) GetListing(ctx context.Context, req *GetListingRequest) (*query.ListingResponse, error) {
	return call[query.ListingResponse](ctx, c, ExchangeServiceName, "GetListing", req)
}

func (c *Client) ListSellerListings(ctx context.Context, req *SellerRequest) (*query.SellerListingsResponse, error) {
	return call[query.SellerListingsResponse](ctx, c, ExchangeServiceName, "ListSellerListings", req)
}

func (c *Client) ListOpenListings(ctx context.Context, req *ContractRequest) (*query.ListingsResponse, error) {
	return call[query.ListingsResponse](ctx, c, ExchangeServiceName, "ListOpenListings", req)
}

func (c *Client) ComputeFingerprint(ctx context.Context, req *FingerprintRequest) (*query.FingerprintResponse, error) {
	return call[query.FingerprintResponse](ctx, c, ExchangeServiceName, "ComputeFingerprint", req)
}

func (c *Client) GetBalance(ctx context.Context, req *BalanceRequest) (*query.BalanceResponse, error) {
	return call[query.BalanceResponse](ctx, c, ExchangeServiceName, "GetBalance", req)
}

func (c *Client) GetOwner(ctx context.Context, req *OwnerRequest) (*query.OwnerResponse, error) {
	return call[query.OwnerResponse](ctx, c, ExchangeServiceName, "GetOwner", req)
}

func (c *Client) TakeSnapshot(ctx context.Context) (*SnapshotResponse, error) {
	return call[SnapshotResponse](ctx, c, AdminServiceName, "TakeSnapshot", &Empty{})
}

func (c *Client) GetEventLogInfo(ctx context.Context) (*query.EventLogInfo, error) {
	return call[query.EventLogInfo](ctx, c, AdminServiceName, "GetEventLogInfo", &Empty{})
}

func (c *Client) VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error) {
	return call[query.IntegrityReport](ctx, c, AdminServiceName, "VerifyIntegrity", &Empty{})
}

func (c *Client) ListJournals(ctx context.Context, req *JournalsRequest) (*JournalsResponse, error) {
	return call[JournalsResponse](ctx, c, AdminServiceName, "ListJournals", req)
}
