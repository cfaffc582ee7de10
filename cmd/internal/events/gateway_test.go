package events

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"ledger/cmd/internal/creds"
	v1 "ledger/shared/contracts/events/v1"
)

func startGateway(t *testing.T, cfg GatewayConfig) (*Gateway, string) {
	t.Helper()
	gw := NewGateway(nil, nil, cfg)
	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)
	return gw, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func openCfg() GatewayConfig {
	cfg := DefaultGatewayConfig()
	cfg.OriginRequired = false
	return cfg
}

func dial(t *testing.T, ctx context.Context, url string, opts *websocket.DialOptions) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.Dial(ctx, url, opts)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func send(t *testing.T, ctx context.Context, conn *websocket.Conn, typ string, payload any) {
	t.Helper()
	raw, _ := json.Marshal(payload)
	b, _ := json.Marshal(v1.Envelope{V: v1.Version, Type: typ, ID: "c-1", TS: time.Now().UTC(), Payload: raw})
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("Write: %v", err)
	}
}

func recv(t *testing.T, ctx context.Context, conn *websocket.Conn) v1.Envelope {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	return env
}

func waitSubscribers(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for h.Len() != n {
		if time.Now().After(deadline) {
			t.Fatalf("subscribers=%d want=%d", h.Len(), n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestGateway_HelloThenEvents(t *testing.T) {
	t.Parallel()

	gw, url := startGateway(t, openCfg())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dial(t, ctx, url, &websocket.DialOptions{Subprotocols: []string{v1.Subprotocol}})
	send(t, ctx, conn, v1.TypeHello, v1.HelloPayload{TriggerTypes: []string{string(creds.TriggerPromotion)}})

	ack := recv(t, ctx, conn)
	if ack.Type != v1.TypeHelloAck {
		t.Fatalf("type=%s want=%s", ack.Type, v1.TypeHelloAck)
	}
	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil || p.SessionID == "" {
		t.Fatalf("ack payload=%s err=%v", ack.Payload, err)
	}
	waitSubscribers(t, gw.Hub(), 1)

	pub := NewPublisher(gw.Hub())
	pub.StageDone(creds.Trigger{ID: "g-1", Type: creds.TriggerAdGrant, Size: 1}, creds.StatusNone, creds.StatusBlinded)
	pub.StageDone(creds.Trigger{ID: "p-1", Type: creds.TriggerPromotion, Size: 1}, creds.StatusNone, creds.StatusBlinded)

	env := recv(t, ctx, conn)
	var bs v1.BatchStatusPayload
	if err := json.Unmarshal(env.Payload, &bs); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if env.Type != v1.TypeBatchStatus || bs.TriggerID != "p-1" || bs.Status != "blinded" {
		t.Fatalf("env=%s payload=%+v want promotion p-1 blinded", env.Type, bs)
	}
}

func TestGateway_RejectsClientEvents(t *testing.T) {
	t.Parallel()

	_, url := startGateway(t, openCfg())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dial(t, ctx, url, &websocket.DialOptions{Subprotocols: []string{v1.Subprotocol}})

	send(t, ctx, conn, v1.TypeBatchStatus, v1.BatchStatusPayload{})
	env := recv(t, ctx, conn)
	var ep v1.ErrorPayload
	_ = json.Unmarshal(env.Payload, &ep)
	if env.Type != v1.TypeError || ep.Code != "unsupported" {
		t.Fatalf("env=%s code=%q want error/unsupported", env.Type, ep.Code)
	}

	if err := conn.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	env = recv(t, ctx, conn)
	_ = json.Unmarshal(env.Payload, &ep)
	if env.Type != v1.TypeError || ep.Code != "bad_json" {
		t.Fatalf("env=%s code=%q want error/bad_json", env.Type, ep.Code)
	}
}

func TestGateway_RateLimitSpansConnections(t *testing.T) {
	t.Parallel()

	cfg := openCfg()
	cfg.RateEvents, cfg.RateWindow = 3, time.Hour
	_, url := startGateway(t, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	opts := &websocket.DialOptions{Subprotocols: []string{v1.Subprotocol}}
	first := dial(t, ctx, url, opts)
	_ = first.Close(websocket.StatusNormalClosure, "")
	conn := dial(t, ctx, url, opts)

	// Two handshakes and one frame spend the budget of three.
	send(t, ctx, conn, v1.TypeBatchStatus, v1.BatchStatusPayload{})
	env := recv(t, ctx, conn)
	var ep v1.ErrorPayload
	_ = json.Unmarshal(env.Payload, &ep)
	if env.Type != v1.TypeError || ep.Code != "unsupported" {
		t.Fatalf("env=%s code=%q want error/unsupported", env.Type, ep.Code)
	}
	send(t, ctx, conn, v1.TypeBatchStatus, v1.BatchStatusPayload{})
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if st := websocket.CloseStatus(err); st != -1 && st != websocket.StatusPolicyViolation {
				t.Fatalf("close status=%v want policy violation", st)
			}
			break
		}
		var env v1.Envelope
		_ = json.Unmarshal(data, &env)
		_ = json.Unmarshal(env.Payload, &ep)
		if env.Type == v1.TypeError && ep.Code == "rate_limited" {
			break
		}
	}

	_, resp, err := websocket.Dial(ctx, url, opts)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err == nil || resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial over budget: status=%d err=%v want=429", status, err)
	}
}

func TestGateway_OriginPolicy(t *testing.T) {
	t.Parallel()

	cfg := DefaultGatewayConfig()
	_, url := startGateway(t, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cases := []struct {
		name   string
		origin string
	}{
		{"missing", ""},
		{"foreign", "http://evil.example"},
	}
	for _, tc := range cases {
		opts := &websocket.DialOptions{Subprotocols: []string{v1.Subprotocol}, HTTPHeader: http.Header{}}
		if tc.origin != "" {
			opts.HTTPHeader.Set("Origin", tc.origin)
		}
		_, resp, err := websocket.Dial(ctx, url, opts)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err == nil || resp == nil || resp.StatusCode != http.StatusForbidden {
			status := 0
			if resp != nil {
				status = resp.StatusCode
			}
			t.Fatalf("%s origin: status=%d err=%v want=403", tc.name, status, err)
		}
	}
}

func TestOriginHelpers(t *testing.T) {
	t.Parallel()

	cases := []struct{ in, want string }{
		{"http://LocalHost:8080", "localhost"},
		{"https://app.example.com", "app.example.com"},
		{"127.0.0.1:3000", "127.0.0.1"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := originHostOnly(tc.in); got != tc.want {
			t.Fatalf("originHostOnly(%q)=%q want=%q", tc.in, got, tc.want)
		}
	}

	got := originPatterns([]string{"http://localhost", "http://localhost:3000", "*", "https://b.example"})
	if strings.Join(got, ",") != "b.example,localhost" {
		t.Fatalf("patterns=%v", got)
	}
}
