package issuer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"ledger/cmd/internal/creds"
	"ledger/cmd/security/blind"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL, WithPaymentID("wallet-1"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestStatusError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status int
		want   creds.Result
	}{
		{200, creds.ResultOK},
		{204, creds.ResultOK},
		{400, creds.ResultLedgerError},
		{403, creds.ResultLedgerError},
		{404, creds.ResultNotFound},
		{410, creds.ResultNotFound},
		{429, creds.ResultRetry},
		{500, creds.ResultRetry},
		{503, creds.ResultRetry},
	}
	for _, tc := range cases {
		if got := creds.ResultOf(StatusError("op", tc.status)); got != tc.want {
			t.Fatalf("status %d: result=%v want=%v", tc.status, got, tc.want)
		}
	}
	if err := StatusError("op", 409); !creds.IsConflict(err) {
		t.Fatalf("409: err=%v want conflict", err)
	}
}

func TestClaimAndFetchPromotion(t *testing.T) {
	t.Parallel()

	signed := []string{blind.Encode([]byte{1, 2}), blind.Encode([]byte{3, 4})}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/promotions/{id}", func(w http.ResponseWriter, r *http.Request) {
		var in claimPromotionRequest
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			http.Error(w, "bad", http.StatusBadRequest)
			return
		}
		if r.PathValue("id") != "promo-1" || in.PaymentID != "wallet-1" || len(in.BlindedCreds) != 2 {
			http.Error(w, "bad", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(claimPromotionResponse{ClaimID: "abc"})
	})
	mux.HandleFunc("GET /v1/promotions/{id}/claims/{claim}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("claim") != "abc" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(signedCredsResponse{SignedCreds: signed, PublicKey: "PK1", BatchProof: "P"})
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	claimID, err := c.ClaimPromotion(ctx, "promo-1", []blind.BlindedToken{{9}, {8}})
	if err != nil {
		t.Fatalf("ClaimPromotion: %v", err)
	}
	if claimID != "abc" {
		t.Fatalf("claimID=%q want=abc", claimID)
	}

	got, err := c.FetchPromotionSigned(ctx, "promo-1", "abc")
	if err != nil {
		t.Fatalf("FetchPromotionSigned: %v", err)
	}
	if len(got.SignedCreds) != 2 || got.PublicKey != "PK1" || got.BatchProof != "P" {
		t.Fatalf("got=%+v", got)
	}
	if string(got.SignedCreds[1]) != string([]byte{3, 4}) {
		t.Fatalf("signed[1]=%v want=[3 4]", got.SignedCreds[1])
	}

	if _, err := c.FetchPromotionSigned(ctx, "promo-1", "zzz"); !creds.IsNotFound(err) {
		t.Fatalf("FetchPromotionSigned(unknown)=%v want not_found", err)
	}
}

func TestFetch_AcceptedIsRetryShort(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	_, err := c.FetchSKUSigned(context.Background(), "order-1", "item-1")
	if r := creds.ResultOf(err); r != creds.ResultRetryShort {
		t.Fatalf("result=%v want=%v (err=%v)", r, creds.ResultRetryShort, err)
	}
}

func TestFetch_MalformedIsLedgerError(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"signedCreds":["!!!"],"publicKey":"PK"}`))
	}))
	_, err := c.FetchSKUSigned(context.Background(), "order-1", "item-1")
	if r := creds.ResultOf(err); r != creds.ResultLedgerError {
		t.Fatalf("result=%v want=%v", r, creds.ResultLedgerError)
	}

	c = newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	_, err = c.FetchPromotionSigned(context.Background(), "p", "c")
	if r := creds.ResultOf(err); r != creds.ResultLedgerError {
		t.Fatalf("result=%v want=%v", r, creds.ResultLedgerError)
	}
}

func TestTransportErrorIsRetry(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := New(url)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = c.ClaimSKU(context.Background(), "o", "i", "single-use", nil)
	if r := creds.ResultOf(err); r != creds.ResultRetry {
		t.Fatalf("result=%v want=%v (err=%v)", r, creds.ResultRetry, err)
	}
}

func TestClaimConflict(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	_, err := c.ClaimPromotion(context.Background(), "p", []blind.BlindedToken{{1}})
	if !creds.IsConflict(err) {
		t.Fatalf("err=%v want conflict", err)
	}
}

func TestRedeem(t *testing.T) {
	t.Parallel()

	var got RedeemRequest
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/redemptions" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	req := RedeemRequest{
		RedeemID:    "r1",
		Type:        "vote",
		Payload:     "example.com",
		Credentials: []Credential{{T: "t", PublicKey: "PK1", Signature: "sig"}},
	}
	if err := c.Redeem(context.Background(), req); err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if got.RedeemID != "r1" || len(got.Credentials) != 1 || got.Credentials[0].PublicKey != "PK1" {
		t.Fatalf("server got=%+v", got)
	}
}

func TestNew_RejectsBadURL(t *testing.T) {
	t.Parallel()

	for _, u := range []string{"", "example.com", "://x"} {
		if _, err := New(u); err == nil {
			t.Fatalf("New(%q)=nil error", u)
		}
	}
}

type fakeLister struct {
	calls atomic.Int32
	keys  []Key
	err   error
}

func (f *fakeLister) Issuers(context.Context) ([]Key, error) {
	f.calls.Add(1)
	return f.keys, f.err
}

func TestKeySet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	lister := &fakeLister{keys: []Key{
		{PublicKey: "REMOTE", Type: "promotion"},
		{PublicKey: "SKU", Type: "sku_order"},
		{PublicKey: "X", Type: "unknown"},
	}}
	ks := NewKeySet(map[creds.TriggerType][]string{creds.TriggerPromotion: {"PK1"}}, lister, 0, nil)

	cases := []struct {
		tt   creds.TriggerType
		key  string
		want bool
	}{
		{creds.TriggerPromotion, "PK1", true},
		{creds.TriggerPromotion, "REMOTE", true},
		{creds.TriggerSKUOrder, "SKU", true},
		{creds.TriggerSKUOrder, "PK1", false},
		{creds.TriggerPromotion, "EVIL", false},
		{creds.TriggerPromotion, "", false},
	}
	for _, tc := range cases {
		got, err := ks.Allowed(ctx, tc.tt, tc.key)
		if err != nil {
			t.Fatalf("Allowed(%s,%s): %v", tc.tt, tc.key, err)
		}
		if got != tc.want {
			t.Fatalf("Allowed(%s,%s)=%v want=%v", tc.tt, tc.key, got, tc.want)
		}
	}
	if n := lister.calls.Load(); n != 1 {
		t.Fatalf("lister calls=%d want=1 (cached)", n)
	}

	ks.Refresh()
	_, _ = ks.Allowed(ctx, creds.TriggerPromotion, "REMOTE")
	if n := lister.calls.Load(); n != 2 {
		t.Fatalf("lister calls after Refresh=%d want=2", n)
	}
}

func TestKeySet_RemoteFailureIsRetry(t *testing.T) {
	t.Parallel()

	ks := NewKeySet(map[creds.TriggerType][]string{creds.TriggerPromotion: {"PK1"}},
		&fakeLister{err: errors.New("down")}, 0, nil)

	ok, err := ks.Allowed(context.Background(), creds.TriggerPromotion, "PK1")
	if err != nil || !ok {
		t.Fatalf("static key: ok=%v err=%v want=true,nil", ok, err)
	}
	_, err = ks.Allowed(context.Background(), creds.TriggerPromotion, "OTHER")
	if creds.ResultOf(err) != creds.ResultRetry {
		t.Fatalf("err=%v want retry", err)
	}

	static := NewKeySet(map[creds.TriggerType][]string{creds.TriggerPromotion: {"PK1"}}, nil, 0, nil)
	if ok, err := static.Allowed(context.Background(), creds.TriggerPromotion, "OTHER"); ok || err != nil {
		t.Fatalf("static-only: ok=%v err=%v want=false,nil", ok, err)
	}
}

func TestKeySet_CanceledContextIsRetry(t *testing.T) {
	t.Parallel()

	lister := &fakeLister{keys: []Key{{PublicKey: "REMOTE", Type: "promotion"}}}
	ks := NewKeySet(map[creds.TriggerType][]string{creds.TriggerPromotion: {"PK1"}}, lister, 0, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ok, err := ks.Allowed(ctx, creds.TriggerPromotion, "REMOTE")
	if ok || creds.ResultOf(err) != creds.ResultRetry {
		t.Fatalf("Allowed(canceled)=%v,%v want false,retry", ok, err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v want context.Canceled in chain", err)
	}
	if n := lister.calls.Load(); n != 0 {
		t.Fatalf("lister calls=%d want=0", n)
	}
}
