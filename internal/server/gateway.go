package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"SwapLedger/internal/core"
	"SwapLedger/internal/ingestion"
	"SwapLedger/internal/order"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
)

// IdempotencyHeader supplies the request id of a mutating HTTP call when
// the body leaves request_id empty.
const IdempotencyHeader = "Idempotency-Key"

// ErrorBody is the JSON error of the HTTP gateway.
type ErrorBody struct {
	Code    string `json:"code"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

// route serves one handler method over HTTP. bind fills the request from
// the path, the query string or the body.
func route[Req, Resp any](h *Handlers, name string,
	fn func(*Handlers, context.Context, *Req) (*Resp, error),
	bind func(*Req, *http.Request, map[string]string) error) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		req := new(Req)
		err := bind(req, r, params)
		var resp *Resp
		if err == nil {
			resp, err = fn(h, r.Context(), req)
		}
		h.observe(name, start, err)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := codeOf(err)
	body := ErrorBody{Code: code.String(), Message: err.Error()}
	if kind := order.KindOf(err); kind != "internal" {
		body.Kind = kind
	}
	if code == codes.Internal {
		body.Message = "internal error"
	}
	writeJSON(w, runtime.HTTPStatusFromCode(code), body)
}

// decodeBody reads a JSON body; an empty body leaves req untouched.
func decodeBody(req interface{}, r *http.Request) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(req); err != nil && !errors.Is(err, io.EOF) {
		return badRequest("decode body: " + err.Error())
	}
	return nil
}

func badRequest(msg string) error {
	return fmt.Errorf("%w: %s", order.ErrInvalidParameters, msg)
}

// bindCommand reads a command body. A fingerprint in the path wins over
// the body.
func bindCommand(req *ingestion.CommandRequest, r *http.Request, params map[string]string) error {
	if err := decodeBody(req, r); err != nil {
		return err
	}
	if fp, ok := params["fingerprint"]; ok {
		req.Fingerprint = fp
	}
	if req.RequestID == "" {
		req.RequestID = r.Header.Get(IdempotencyHeader)
	}
	return nil
}

func bindEmpty(_ *Empty, _ *http.Request, _ map[string]string) error { return nil }

func bindListing(req *GetListingRequest, r *http.Request, params map[string]string) error {
	req.Fingerprint = params["fingerprint"]
	req.WithHistory = r.URL.Query().Get("history") == "true"
	return nil
}

func bindSeller(req *SellerRequest, _ *http.Request, params map[string]string) error {
	req.Seller = params["seller"]
	return nil
}

func bindContract(req *ContractRequest, _ *http.Request, params map[string]string) error {
	req.Contract = params["contract"]
	return nil
}

func bindFingerprint(req *FingerprintRequest, r *http.Request, _ map[string]string) error {
	q := r.URL.Query()
	req.Kind = q.Get("kind")
	req.Seller = q.Get("seller")
	req.Contract = q.Get("contract")
	req.IDOrSequence = q.Get("id_or_sequence")
	return nil
}

func bindBalance(req *BalanceRequest, r *http.Request, params map[string]string) error {
	req.Owner = params["owner"]
	req.Asset = r.URL.Query().Get("asset")
	return nil
}

func bindOwner(req *OwnerRequest, _ *http.Request, params map[string]string) error {
	req.Contract = params["contract"]
	req.TokenID = params["token_id"]
	return nil
}

func bindJournals(req *JournalsRequest, r *http.Request, params map[string]string) error {
	req.Account = params["account"]
	q := r.URL.Query()
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return badRequest("limit: " + err.Error())
		}
		req.Limit = n
	}
	if s := q.Get("before_sequence"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return badRequest("before_sequence: " + err.Error())
		}
		req.BeforeSequence = n
	}
	return nil
}

// NewGatewayMux maps the REST surface onto the handlers in process.
func NewGatewayMux(h *Handlers) (*runtime.ServeMux, error) {
	mux := runtime.NewServeMux()

	commands := []struct {
		pattern string
		name    string
		fn      func(*Handlers, context.Context, *ingestion.CommandRequest) (*core.Result, error)
	}{
		{"/v1/listings/nft", "CreateNonFungibleListing", (*Handlers).CreateNonFungibleListing},
		{"/v1/listings/otc", "CreateFungibleListing", (*Handlers).CreateFungibleListing},
		{"/v1/listings/{fingerprint}/fulfill", "Fulfill", (*Handlers).Fulfill},
		{"/v1/listings/{fingerprint}/cancel", "Cancel", (*Handlers).Cancel},
		{"/v1/deposits", "Deposit", (*Handlers).Deposit},
		{"/v1/assets/nft", "MintNFT", (*Handlers).MintNFT},
		{"/v1/assets/token", "MintToken", (*Handlers).MintToken},
		{"/v1/approvals", "SetApproval", (*Handlers).SetApproval},
	}
	for _, c := range commands {
		if err := mux.HandlePath(http.MethodPost, c.pattern, route[ingestion.CommandRequest, core.Result](h, c.name, c.fn, bindCommand)); err != nil {
			return nil, err
		}
	}

	reads := []struct {
		method  string
		pattern string
		handler runtime.HandlerFunc
	}{
		{http.MethodGet, "/v1/listings/{fingerprint}", route(h, "GetListing", (*Handlers).GetListing, bindListing)},
		{http.MethodGet, "/v1/sellers/{seller}/listings", route(h, "ListSellerListings", (*Handlers).ListSellerListings, bindSeller)},
		{http.MethodGet, "/v1/contracts/{contract}/listings", route(h, "ListOpenListings", (*Handlers).ListOpenListings, bindContract)},
		{http.MethodGet, "/v1/fingerprint", route(h, "ComputeFingerprint", (*Handlers).ComputeFingerprint, bindFingerprint)},
		{http.MethodGet, "/v1/balances/{owner}", route(h, "GetBalance", (*Handlers).GetBalance, bindBalance)},
		{http.MethodGet, "/v1/owners/{contract}/{token_id}", route(h, "GetOwner", (*Handlers).GetOwner, bindOwner)},
		{http.MethodGet, "/v1/journals/{account}", route(h, "ListJournals", (*Handlers).ListJournals, bindJournals)},
		{http.MethodPost, "/v1/admin/snapshot", route(h, "TakeSnapshot", (*Handlers).TakeSnapshot, bindEmpty)},
		{http.MethodGet, "/v1/admin/eventlog", route(h, "GetEventLogInfo", (*Handlers).GetEventLogInfo, bindEmpty)},
		{http.MethodGet, "/v1/admin/integrity", route(h, "VerifyIntegrity", (*Handlers).VerifyIntegrity, bindEmpty)},
	}
	for _, rd := range reads {
		if err := mux.HandlePath(rd.method, rd.pattern, rd.handler); err != nil {
			return nil, err
		}
	}
	return mux, nil
}
