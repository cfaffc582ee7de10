package issuer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"ledger/cmd/internal/creds"
)

const maxResponseBytes = 4 << 20

// Doer is the subset of *http.Client the client uses.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// Client talks to the issuer API rooted at a base URL.
type Client struct {
	base      *url.URL
	http      Doer
	log       *slog.Logger
	tracer    trace.Tracer
	paymentID string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default *http.Client.
func WithHTTPClient(d Doer) Option {
	return func(c *Client) {
		if d != nil {
			c.http = d
		}
	}
}

// WithLogger sets the logger. Default discards.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithPaymentID sets the wallet payment id sent with claims.
func WithPaymentID(id string) Option {
	return func(c *Client) { c.paymentID = strings.TrimSpace(id) }
}

// New returns a client for baseURL (scheme and host required).
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("issuer: parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("issuer: base url %q needs scheme and host", baseURL)
	}
	c := &Client{
		base:   u,
		http:   &http.Client{Timeout: 30 * time.Second},
		log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		tracer: otel.Tracer("ledger/issuer"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

func (c *Client) endpoint(parts ...string) string {
	u := *c.base
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.Join(escaped, "/")
	return u.String()
}

// do sends a JSON request and decodes a JSON response into out (if non-nil).
// It returns the HTTP status for callers that branch on 2xx variants.
func (c *Client) do(ctx context.Context, op, method, endpoint string, in, out any) (int, error) {
	ctx, span := c.tracer.Start(ctx, op, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("http.method", method))

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return 0, creds.OpError{Op: op, Kind: creds.ErrInvalidInput, Err: err}
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return 0, creds.OpError{Op: op, Kind: creds.ErrInvalidInput, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport")
		c.log.Warn("issuer.request.fail", "op", op, "method", method, "err", err)
		return 0, creds.OpError{Op: op, Kind: creds.ErrRetry, Msg: "transport", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		span.RecordError(err)
		return resp.StatusCode, creds.OpError{Op: op, Kind: creds.ErrRetry, Msg: "read body", Err: err}
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	c.log.Debug("issuer.request",
		"op", op,
		"method", method,
		"status", resp.StatusCode,
		"dur_ms", time.Since(start).Milliseconds(),
	)

	if err := StatusError(op, resp.StatusCode); err != nil {
		span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
		return resp.StatusCode, err
	}
	if out != nil && resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusNoContent {
		if err := json.Unmarshal(raw, out); err != nil {
			span.SetStatus(codes.Error, "decode")
			return resp.StatusCode, creds.OpError{Op: op, Kind: creds.ErrLedger, Msg: "malformed response", Err: err}
		}
	}
	return resp.StatusCode, nil
}

// StatusError maps an HTTP status onto a creds error kind. 2xx yields nil.
func StatusError(op string, status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound || status == http.StatusGone:
		return creds.OpError{Op: op, Kind: creds.ErrNotFound, Msg: http.StatusText(status)}
	case status == http.StatusConflict:
		return creds.OpError{Op: op, Kind: creds.ErrConflict, Msg: http.StatusText(status)}
	case status == http.StatusTooManyRequests || status >= 500:
		return creds.OpError{Op: op, Kind: creds.ErrRetry, Msg: fmt.Sprintf("status %d", status)}
	case status >= 400:
		return creds.OpError{Op: op, Kind: creds.ErrLedger, Msg: fmt.Sprintf("status %d", status)}
	default:
		return creds.OpError{Op: op, Kind: creds.ErrLedger, Msg: fmt.Sprintf("unexpected status %d", status)}
	}
}
