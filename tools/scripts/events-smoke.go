// Package main is a CI-friendly smoke test for the ledger event stream.
//
// It validates:
//   - handshake + subprotocol selection
//   - hello/ack with a trigger type filter
//   - a trigger started through the admin API reaches "finished"
//   - tokens_added arrives for the trigger
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"

	"ledger/cmd/identity/ids"
	v1 "ledger/shared/contracts/events/v1"
)

const maxReadBytes = 1 << 20

type smokeClient struct {
	conn      *websocket.Conn
	sessionID string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		apiURL  = flag.String("api", "http://127.0.0.1:8080", "Admin API base URL")
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws/events", "Event stream URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send")
		trigger = flag.String("type", "promotion", "Trigger type to start")
		size    = flag.Int("size", 5, "Batch size")
		value   = flag.Float64("value", 1.25, "Batch value")
		timeout = flag.Duration("timeout", 30*time.Second, "Time to wait for the batch to finish")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateURL(*wsURL, "ws", "wss"); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateURL(*apiURL, "http", "https"); err != nil {
		fatalf("invalid -api: %v", err)
	}

	root := context.Background()
	c := mustConnect(root, *wsURL, *origin, *trigger, 7*time.Second)
	defer closeWS(c.conn)
	if *verbose {
		fmt.Printf("connected: session=%s origin=%q\n", c.sessionID, *origin)
	}

	id := "smoke-" + ids.NewUUID()
	mustStart(root, *apiURL, id, *trigger, *size, *value)
	if *verbose {
		fmt.Printf("started: %s/%s size=%d\n", *trigger, id, *size)
	}

	added := c.mustAwaitFinished(root, id, *timeout, *verbose)
	if added.Count != *size {
		fatalf("tokens_added count=%d want=%d", added.Count, *size)
	}
	fmt.Printf("OK: session=%s trigger=%s/%s tokens=%d value=%v\n", c.sessionID, *trigger, id, added.Count, added.Value)
}

func validateURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	ok := false
	for _, s := range schemes {
		ok = ok || u.Scheme == s
	}
	if !ok {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func mustConnect(parent context.Context, wsURL, origin, triggerType string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect: %v", err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fatalf("subprotocol mismatch: got=%q want=%q", got, v1.Subprotocol)
	}
	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	mustWrite(parent, conn, v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeHello,
		ID:      "smoke-hello",
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.HelloPayload{TriggerTypes: []string{triggerType}}),
	}, stepTimeout)

	ack := c.mustRead(parent, stepTimeout)
	if ack.Type != v1.TypeHelloAck {
		fatalf("expected %q, got %q", v1.TypeHelloAck, ack.Type)
	}
	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello_ack payload: %v", err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello_ack missing session_id")
	}
	c.sessionID = p.SessionID
	return c
}

func mustStart(parent context.Context, apiURL, id, triggerType string, size int, value float64) {
	ctx, cancel := context.WithTimeout(parent, 10*time.Second)
	defer cancel()

	body := mustJSON(map[string]any{"id": id, "type": triggerType, "size": size, "value": value})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(apiURL, "/")+"/v1/credentials", bytes.NewReader(body))
	if err != nil {
		fatalf("build start request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("start trigger: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusAccepted {
		raw, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		fatalf("start trigger: status=%d body=%s", res.StatusCode, raw)
	}
}

// mustAwaitFinished reads events until the trigger's batch is finished and its
// tokens_added event has arrived. A permanent failure result aborts.
func (c *smokeClient) mustAwaitFinished(parent context.Context, triggerID string, wait time.Duration, verbose bool) v1.TokensAddedPayload {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	var (
		added    *v1.TokensAddedPayload
		finished bool
	)
	for !finished || added == nil {
		env := c.mustRead(ctx, wait)
		switch env.Type {
		case v1.TypeBatchStatus:
			var p v1.BatchStatusPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				fatalf("unmarshal batch_status: %v", err)
			}
			if p.TriggerID != triggerID {
				continue
			}
			if verbose {
				fmt.Printf("batch_status: %s -> %s result=%q\n", p.From, p.Status, p.Result)
			}
			switch p.Result {
			case "", "retry", "retry_short":
			default:
				fatalf("batch failed at %s: result=%s", p.Status, p.Result)
			}
			finished = finished || p.Status == "finished"
		case v1.TypeTokensAdded:
			var p v1.TokensAddedPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				fatalf("unmarshal tokens_added: %v", err)
			}
			if p.TriggerID == triggerID {
				added = &p
			}
		case v1.TypeError:
			var ep v1.ErrorPayload
			_ = json.Unmarshal(env.Payload, &ep)
			fatalf("server error: code=%q msg=%q", ep.Code, ep.Message)
		}
	}
	return *added
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)
		for {
			_, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}
			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.errCh <- fmt.Errorf("bad json: %w", err)
				return
			}
			if err := env.Validate(); err != nil {
				c.errCh <- fmt.Errorf("bad envelope: %w", err)
				return
			}
			select {
			case c.inbox <- env:
			default:
				c.errCh <- errors.New("inbox overflow: consumer too slow")
				return
			}
		}
	}()
}

func (c *smokeClient) mustRead(parent context.Context, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	select {
	case <-ctx.Done():
		fatalf("timeout waiting for event: %v", ctx.Err())
	case err := <-c.errCh:
		fatalf("connection error: %v", err)
	case env, ok := <-c.inbox:
		if !ok {
			fatalf("connection closed")
		}
		return env
	}
	return v1.Envelope{}
}

func mustWrite(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
