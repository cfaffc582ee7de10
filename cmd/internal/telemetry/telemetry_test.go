package telemetry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"ledger/cmd/internal/creds"
	"ledger/cmd/internal/redeem"
	"ledger/cmd/internal/retry"
)

func TestMetrics_Observers(t *testing.T) {
	t.Parallel()

	m := NewMetrics()
	trig := creds.Trigger{ID: "p-1", Type: creds.TriggerPromotion, Size: 4}

	m.StageDone(trig, creds.StatusNone, creds.StatusBlinded)
	m.StageDone(trig, creds.StatusBlinded, creds.StatusClaimed)
	m.StageFailed(trig, creds.StatusClaimed, creds.StatusClaimed, creds.OpError{Op: "x", Kind: creds.ErrRetryShort})
	m.TokensAdded(trig, "c-1", 4, 0.25)
	m.Redeemed(redeem.Receipt{Type: creds.RedeemVote, TokenIDs: []string{"a", "b"}})
	m.RedeemFailed(creds.RedeemVote, creds.OpError{Op: "x", Kind: creds.ErrLedger})
	m.ObserveRetry(retry.ClassClaim, 2*time.Second)

	cases := []struct {
		name string
		got  float64
		want float64
	}{
		{"blinded", testutil.ToFloat64(m.stages.WithLabelValues("promotion", "blinded")), 1},
		{"claimed", testutil.ToFloat64(m.stages.WithLabelValues("promotion", "claimed")), 1},
		{"fail", testutil.ToFloat64(m.stageFails.WithLabelValues("promotion", "claimed", "retry_short")), 1},
		{"added", testutil.ToFloat64(m.tokensAdded.WithLabelValues("promotion")), 4},
		{"redeem ok", testutil.ToFloat64(m.redemptions.WithLabelValues("vote", "ok")), 1},
		{"redeem fail", testutil.ToFloat64(m.redemptions.WithLabelValues("vote", "ledger_error")), 1},
		{"spent", testutil.ToFloat64(m.tokensSpent.WithLabelValues("vote")), 2},
	}
	for _, tc := range cases {
		if tc.got != tc.want {
			t.Fatalf("%s=%v want=%v", tc.name, tc.got, tc.want)
		}
	}
	if n := testutil.CollectAndCount(m.retryDelay); n != 1 {
		t.Fatalf("retry histograms=%d want=1", n)
	}
}

func TestMetrics_Handler(t *testing.T) {
	t.Parallel()

	m := NewMetrics()
	m.ObserveHTTP(http.MethodGet, "/healthz", 200, 3*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d want=200", rec.Code)
	}
	if !strings.Contains(string(body), `ledger_http_requests_total{code="200",method="GET",route="/healthz"} 1`) {
		t.Fatalf("metrics output missing request counter:\n%s", body)
	}
}

func TestSetupTracing_NoopWhenEndpointEmpty(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), "ledgerd-test", "  ")
	if err != nil {
		t.Fatalf("SetupTracing: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestSetupTracing_WithEndpoint(t *testing.T) {
	// Non-routable address: nothing is exported before shutdown.
	shutdown, err := SetupTracing(context.Background(), "ledgerd-test", "http://192.0.2.1:4318")
	if err != nil {
		t.Fatalf("SetupTracing: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
