package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"ledger/cmd/identity/ids"
	"ledger/cmd/internal/creds"
	"ledger/cmd/security/blind"
)

// fakeIssuer signs promotion claims with a real blind.Issuer and accepts every redemption.
type fakeIssuer struct {
	iss *blind.Issuer

	mu          sync.Mutex
	claims      map[string][]string
	redemptions int
}

func newFakeIssuer(t *testing.T) (*fakeIssuer, *httptest.Server) {
	t.Helper()
	iss, err := blind.GenerateIssuer()
	if err != nil {
		t.Fatalf("GenerateIssuer: %v", err)
	}
	f := &fakeIssuer{iss: iss, claims: make(map[string][]string)}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/promotions/{id}", f.claim)
	mux.HandleFunc("GET /v1/promotions/{id}/claims/{claim}", f.fetch)
	mux.HandleFunc("POST /v1/redemptions", func(w http.ResponseWriter, _ *http.Request) {
		f.mu.Lock()
		f.redemptions++
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeIssuer) claim(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BlindedCreds []string `json:"blindedCreds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}
	id := ids.NewUUID()
	f.mu.Lock()
	f.claims[id] = req.BlindedCreds
	f.mu.Unlock()
	_ = json.NewEncoder(w).Encode(map[string]string{"claimId": id})
}

func (f *fakeIssuer) fetch(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	encoded, ok := f.claims[r.PathValue("claim")]
	f.mu.Unlock()
	if !ok {
		http.Error(w, "gone", http.StatusGone)
		return
	}
	blinded := make([]blind.BlindedToken, len(encoded))
	for i, s := range encoded {
		b, err := blind.Decode(s)
		if err != nil {
			http.Error(w, "bad cred", http.StatusBadRequest)
			return
		}
		blinded[i] = b
	}
	signed, proof, err := f.iss.Sign(blinded)
	if err != nil {
		http.Error(w, "sign", http.StatusInternalServerError)
		return
	}
	out := make([]string, len(signed))
	for i, s := range signed {
		out[i] = blind.Encode(s)
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"signedCreds": out,
		"publicKey":   f.iss.PublicKey(),
		"batchProof":  proof,
	})
}

func testConfig(issuerURL string, keys ...string) Config {
	return Config{
		HTTPAddr:          "127.0.0.1:0",
		LogFormat:         "json",
		StoreDriver:       StoreMemory,
		MaxBodyBytes:      1 << 20,
		IssuerURL:         issuerURL,
		IssuerTimeout:     5 * time.Second,
		PromotionKeys:     keys,
		KeysTTL:           time.Minute,
		BackoffInitial:    10 * time.Millisecond,
		BackoffMultiplier: 2,
		BackoffMax:        100 * time.Millisecond,
		RetryShort:        10 * time.Millisecond,
		RedeemMaxRetries:  2,
		RefillInterval:    time.Hour,
		WSAllowedOrigins:  []string{"http://127.0.0.1"},
		WSOriginRequired:  true,
		WSSendQueueSize:   16,
	}
}

func discardLogger() Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestApp(t *testing.T, cfg Config) (*App, *httptest.Server) {
	t.Helper()
	a, err := New(context.Background(), cfg, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(a.Close)
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)
	return a, srv
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	res, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer res.Body.Close()
	if out != nil {
		_ = json.NewDecoder(res.Body).Decode(out)
	}
	return res.StatusCode
}

func postJSON(t *testing.T, url string, in, out any) int {
	t.Helper()
	raw, _ := json.Marshal(in)
	res, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer res.Body.Close()
	if out != nil {
		_ = json.NewDecoder(res.Body).Decode(out)
	}
	return res.StatusCode
}

func TestApp_PromotionToRedemption(t *testing.T) {
	t.Parallel()

	fake, issuerSrv := newFakeIssuer(t)
	_, srv := newTestApp(t, testConfig(issuerSrv.URL, fake.iss.PublicKey()))

	if code := postJSON(t, srv.URL+"/v1/credentials", map[string]any{
		"id": "promo-e2e", "type": "promotion", "size": 3, "value": 3,
	}, nil); code != http.StatusAccepted {
		t.Fatalf("start status=%d want=202", code)
	}

	var batch struct {
		Status string `json:"status"`
		Tokens int    `json:"tokens"`
	}
	deadline := time.Now().Add(10 * time.Second)
	for {
		getJSON(t, srv.URL+"/v1/credentials/promotion/promo-e2e", &batch)
		if batch.Status == "finished" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("batch did not finish, last status=%q", batch.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if batch.Tokens != 3 {
		t.Fatalf("tokens=%d want=3", batch.Tokens)
	}

	var bal struct {
		Count int     `json:"count"`
		Value float64 `json:"value"`
	}
	getJSON(t, srv.URL+"/v1/tokens/balance?trigger_type=promotion", &bal)
	if bal.Count != 3 || bal.Value != 3 {
		t.Fatalf("balance=%+v want 3/3", bal)
	}

	var receipt struct {
		RedeemID string   `json:"redeem_id"`
		TokenIDs []string `json:"token_ids"`
	}
	if code := postJSON(t, srv.URL+"/v1/redemptions", map[string]any{
		"count": 2, "type": "one_time_tip", "payload": "publisher.example",
	}, &receipt); code != http.StatusOK {
		t.Fatalf("redeem status=%d want=200", code)
	}
	if receipt.RedeemID == "" || len(receipt.TokenIDs) != 2 {
		t.Fatalf("receipt=%+v", receipt)
	}

	getJSON(t, srv.URL+"/v1/tokens/balance", &bal)
	if bal.Count != 1 {
		t.Fatalf("balance after redeem=%+v want count 1", bal)
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.redemptions != 1 {
		t.Fatalf("issuer redemptions=%d want=1", fake.redemptions)
	}
}

func TestApp_OperationalRoutes(t *testing.T) {
	t.Parallel()

	_, srv := newTestApp(t, testConfig("http://127.0.0.1:1"))

	cases := []struct {
		path   string
		status int
		body   string
	}{
		{"/healthz", http.StatusOK, "ok"},
		{"/readyz", http.StatusOK, "ready"},
		{"/metrics", http.StatusOK, "go_goroutines"},
		{"/ws/events", http.StatusForbidden, "forbidden"},
		{"/v1/tokens/balance", http.StatusOK, `"count":0`},
	}
	for _, tc := range cases {
		res, err := http.Get(srv.URL + tc.path)
		if err != nil {
			t.Fatalf("GET %s: %v", tc.path, err)
		}
		body, _ := io.ReadAll(res.Body)
		res.Body.Close()
		if res.StatusCode != tc.status {
			t.Fatalf("%s status=%d want=%d", tc.path, res.StatusCode, tc.status)
		}
		if !strings.Contains(string(body), tc.body) {
			t.Fatalf("%s body=%q missing %q", tc.path, body, tc.body)
		}
		if res.Header.Get("X-Content-Type-Options") != "nosniff" {
			t.Fatalf("%s missing security headers", tc.path)
		}
	}
}

func TestApp_ReadinessRequiresDB(t *testing.T) {
	t.Parallel()

	cfg := testConfig("http://127.0.0.1:1")
	cfg.ReadinessRequireDB = true
	_, srv := newTestApp(t, cfg)

	if code := getJSON(t, srv.URL+"/readyz", nil); code != http.StatusServiceUnavailable {
		t.Fatalf("readyz status=%d want=503", code)
	}
}

func TestApp_SQLiteStore(t *testing.T) {
	t.Parallel()

	cfg := testConfig("http://127.0.0.1:1")
	cfg.StoreDriver = StoreSQLite
	cfg.SQLitePath = filepath.Join(t.TempDir(), "ledger.db")
	cfg.ReadinessRequireDB = true
	a, srv := newTestApp(t, cfg)

	if a.stores.Pinger == nil {
		t.Fatalf("sqlite store must be pingable")
	}
	if code := getJSON(t, srv.URL+"/readyz", nil); code != http.StatusOK {
		t.Fatalf("readyz status=%d want=200", code)
	}
}

func TestApp_RefillerWiredWhenEnabled(t *testing.T) {
	t.Parallel()

	cfg := testConfig("http://127.0.0.1:1")
	a, _ := newTestApp(t, cfg)
	if a.refiller != nil {
		t.Fatalf("refiller must be nil when LEDGER_REFILL_MIN is 0")
	}

	cfg.RefillMin, cfg.RefillTarget = 2, 5
	b, _ := newTestApp(t, cfg)
	if b.refiller == nil {
		t.Fatalf("refiller must be wired when LEDGER_REFILL_MIN > 0")
	}
}

func TestApp_ServeStopsOnCancel(t *testing.T) {
	t.Parallel()

	a, err := New(context.Background(), testConfig("http://127.0.0.1:1"), discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, ln) }()

	if code := getJSON(t, "http://"+ln.Addr().String()+"/healthz", nil); code != http.StatusOK {
		t.Fatalf("healthz status=%d want=200", code)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatalf("Serve did not return after cancel")
	}
	if _, err := a.scheduler.Start(creds.Trigger{ID: "late", Type: creds.TriggerPromotion, Size: 1}); err == nil {
		t.Fatalf("scheduler must be closed after Serve returns")
	}
}
