package server_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"SwapLedger/internal/core"
	"SwapLedger/internal/observability"
	"SwapLedger/internal/query"
	"SwapLedger/internal/server"
	"SwapLedger/internal/testutil"
)

func newGateway(t *testing.T, f *fixture) *httptest.Server {
	t.Helper()
	checker := observability.NewHealthChecker()
	checker.SetReady(true)
	h, err := server.NewHTTPHandler(f.h, checker, []string{"https://app.example"})
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	return ts
}

func post(t *testing.T, ts *httptest.Server, path, key string, body interface{}, out interface{}) int {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, ts.URL+path, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set(server.IdempotencyHeader, key)
	}
	return do(t, req, out)
}

func get(t *testing.T, ts *httptest.Server, path string, out interface{}) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, ts.URL+path, nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	return do(t, req, out)
}

func do(t *testing.T, req *http.Request, out interface{}) int {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", req.URL.Path, err)
		}
	}
	return resp.StatusCode
}

// ============================================================================
// Test: REST surface
// ============================================================================

func TestGateway_ListFulfillCancel(t *testing.T) {
	f := newFixture(t)
	ts := newGateway(t, f)
	expiry := f.clock.Now().Add(time.Hour)

	steps := []struct {
		path string
		key  string
		body map[string]interface{}
	}{
		{"/v1/assets/nft", "mint-1", map[string]interface{}{"actor": hexOf(seller), "contract": hexOf(nftAddr), "token_id": "1"}},
		{"/v1/assets/nft", "mint-2", map[string]interface{}{"actor": hexOf(seller), "contract": hexOf(nftAddr), "token_id": "2"}},
		{"/v1/approvals", "approve", map[string]interface{}{"actor": hexOf(seller), "contract": hexOf(nftAddr), "approved": true}},
		{"/v1/deposits", "fund", map[string]interface{}{"actor": hexOf(buyer), "amount": testutil.Ether(3).Dec()}},
	}
	for _, s := range steps {
		if code := post(t, ts, s.path, s.key, s.body, nil); code != http.StatusOK {
			t.Fatalf("POST %s: got %d, want 200", s.path, code)
		}
	}

	var listed [2]core.Result
	for i, id := range []string{"1", "2"} {
		code := post(t, ts, "/v1/listings/nft", "", map[string]interface{}{
			"request_id": "list-" + id, "actor": hexOf(seller), "contract": hexOf(nftAddr),
			"token_id": id, "price": testutil.Ether(1).Dec(), "expiry": expiry,
		}, &listed[i])
		if code != http.StatusOK {
			t.Fatalf("list %s: got %d, want 200", id, code)
		}
	}

	var res core.Result
	code := post(t, ts, "/v1/listings/"+listed[0].Fingerprint+"/fulfill", "buy-1", map[string]interface{}{
		"actor": hexOf(buyer), "tendered": testutil.Ether(1).Dec(),
	}, &res)
	if code != http.StatusOK || res.Receipt == nil {
		t.Fatalf("fulfill: got %d %+v", code, res)
	}
	if res.Receipt.SellerProceeds != "950000000000000000" {
		t.Errorf("seller proceeds: got %s, want 0.95 ETH", res.Receipt.SellerProceeds)
	}

	if code := post(t, ts, "/v1/listings/"+listed[1].Fingerprint+"/cancel", "cancel-2", map[string]interface{}{
		"actor": hexOf(seller),
	}, nil); code != http.StatusOK {
		t.Fatalf("cancel: got %d, want 200", code)
	}

	var lr query.ListingResponse
	if code := get(t, ts, "/v1/listings/"+listed[1].Fingerprint, &lr); code != http.StatusOK {
		t.Fatalf("get listing: got %d", code)
	}
	if lr.Listing.Status != "cancelled" {
		t.Errorf("status: got %s, want cancelled", lr.Listing.Status)
	}

	var open query.ListingsResponse
	if code := get(t, ts, "/v1/contracts/"+hexOf(nftAddr)+"/listings", &open); code != http.StatusOK {
		t.Fatalf("open listings: got %d", code)
	}
	if len(open.Listings) != 0 {
		t.Errorf("open listings: got %d, want 0", len(open.Listings))
	}

	var fp query.FingerprintResponse
	path := "/v1/fingerprint?kind=non_fungible&seller=" + hexOf(seller) + "&contract=" + hexOf(nftAddr) + "&id_or_sequence=1"
	if code := get(t, ts, path, &fp); code != http.StatusOK {
		t.Fatalf("fingerprint: got %d", code)
	}
	if fp.Fingerprint != listed[0].Fingerprint {
		t.Errorf("fingerprint: got %s, want %s", fp.Fingerprint, listed[0].Fingerprint)
	}
}

func TestGateway_Errors(t *testing.T) {
	f := newFixture(t)
	ts := newGateway(t, f)

	tests := []struct {
		name     string
		method   string
		path     string
		body     map[string]interface{}
		wantCode int
		wantKind string
	}{
		{"unknown listing", http.MethodGet, "/v1/listings/0x" + string(bytes.Repeat([]byte("ab"), 32)), nil, http.StatusNotFound, "not_found"},
		{"short fingerprint", http.MethodGet, "/v1/listings/0x12", nil, http.StatusBadRequest, "invalid_parameters"},
		{"bad body", http.MethodPost, "/v1/deposits", map[string]interface{}{"actor": hexOf(buyer), "bogus": 1}, http.StatusBadRequest, "invalid_parameters"},
		{"no store", http.MethodPost, "/v1/admin/snapshot", map[string]interface{}{}, http.StatusServiceUnavailable, ""},
		{"no event log", http.MethodGet, "/v1/admin/integrity", nil, http.StatusServiceUnavailable, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body server.ErrorBody
			var code int
			if tt.method == http.MethodPost {
				code = post(t, ts, tt.path, "", tt.body, &body)
			} else {
				code = get(t, ts, tt.path, &body)
			}
			if code != tt.wantCode {
				t.Errorf("status: got %d, want %d", code, tt.wantCode)
			}
			if body.Kind != tt.wantKind {
				t.Errorf("kind: got %q, want %q", body.Kind, tt.wantKind)
			}
		})
	}
}

func TestGateway_HealthAndCORS(t *testing.T) {
	f := newFixture(t)
	ts := newGateway(t, f)

	if code := get(t, ts, "/readyz", nil); code != http.StatusOK {
		t.Errorf("readyz: got %d, want 200", code)
	}

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/v1/deposits", nil)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example" {
		t.Errorf("allow origin: got %q, want https://app.example", got)
	}
}
