package redeem

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"ledger/cmd/identity/ids"
	"ledger/cmd/internal/creds"
	"ledger/cmd/internal/issuer"
	"ledger/cmd/internal/retry"
	"ledger/cmd/security/blind"
	"ledger/cmd/security/token"
)

// Submitter is the verifier. *issuer.Client implements it.
type Submitter interface {
	Redeem(ctx context.Context, req issuer.RedeemRequest) error
}

var _ Submitter = (*issuer.Client)(nil)

// Observer is told about finished redemptions.
type Observer interface {
	Redeemed(r Receipt)
	RedeemFailed(typ creds.RedeemType, err error)
}

// Request describes one redemption.
type Request struct {
	// Count is how many tokens to spend.
	Count int
	Type  creds.RedeemType
	// Payload is what every credential signs, typically the destination.
	Payload []byte
	// Selection narrows eligible tokens. Now is filled in by Redeem.
	Selection creds.Selection
}

// Receipt is a completed redemption.
type Receipt struct {
	RedeemID string
	Type     creds.RedeemType
	TokenIDs []string
	Value    float64
	Attempts int
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.log = l
		}
	}
}

// WithObserver adds an observer.
func WithObserver(o Observer) Option {
	return func(c *Coordinator) {
		if o != nil {
			c.obs = append(c.obs, o)
		}
	}
}

// WithMaxRetries bounds resubmissions after the first attempt. Zero retries
// until the policy or ctx gives up.
func WithMaxRetries(n uint64) Option {
	return func(c *Coordinator) { c.maxRetries = n }
}

// WithTimer sets how each redemption builds its backoff timer.
func WithTimer(fn func() backoff.Timer) Option {
	return func(c *Coordinator) { c.timer = fn }
}

// Coordinator runs redemptions against a TokenStore and a verifier.
type Coordinator struct {
	tokens     creds.TokenStore
	sub        Submitter
	policy     retry.Policy
	maxRetries uint64
	timer      func() backoff.Timer

	log *slog.Logger
	obs []Observer
	now func() time.Time
}

// New returns a Coordinator. Callers validate policy first.
func New(tokens creds.TokenStore, sub Submitter, policy retry.Policy, opts ...Option) *Coordinator {
	c := &Coordinator{
		tokens:     tokens,
		sub:        sub,
		policy:     policy,
		maxRetries: 5,
		log:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Redeem spends req.Count tokens.
//
// Tokens are reserved under a fresh redeem id before anything is sent, so
// concurrent redemptions never submit the same token. They are marked spent only
// after the verifier accepted them. A permanent refusal rejects the reserved
// tokens for good; any other failure releases them. A crash mid-flight leaves the
// reservation to lapse after creds.ReservationTTL.
func (c *Coordinator) Redeem(ctx context.Context, req Request) (Receipt, error) {
	r, err := c.redeem(ctx, req)
	if err != nil {
		c.log.Warn("redeem.fail", "type", string(req.Type), "count", req.Count, "result", creds.ResultOf(err).String(), "err", err)
		for _, o := range c.obs {
			o.RedeemFailed(req.Type, err)
		}
		return Receipt{}, err
	}
	c.log.Info("redeem.done", "redeem_id", r.RedeemID, "type", string(r.Type), "count", len(r.TokenIDs), "attempts", r.Attempts)
	for _, o := range c.obs {
		o.Redeemed(r)
	}
	return r, nil
}

func (c *Coordinator) redeem(ctx context.Context, req Request) (Receipt, error) {
	const op = "redeem.Redeem"

	if req.Count <= 0 || req.Count > creds.MaxBatchSize {
		return Receipt{}, creds.OpError{Op: op, Kind: creds.ErrInvalidInput, Msg: "count out of range"}
	}
	typ, err := creds.ParseRedeemType(string(req.Type))
	if err != nil {
		return Receipt{}, err
	}
	req.Type = typ
	if len(req.Payload) > token.MaxPayloadBytes {
		return Receipt{}, creds.Wrap(op, creds.ErrInvalidInput, token.ErrPayloadTooLarge)
	}

	now := c.now()
	redeemID, err := ids.NewULID(now)
	if err != nil {
		return Receipt{}, creds.Wrap(op, creds.ErrRetry, err)
	}
	sel := req.Selection
	sel.Now = now
	toks, err := c.tokens.ReserveUnspent(ctx, req.Count, sel, redeemID, now)
	switch {
	case errors.Is(err, creds.ErrNotEnoughTokens):
		return Receipt{}, err
	case err != nil:
		return Receipt{}, creds.Wrap(op, creds.ErrRetry, err)
	}

	credentials, err := buildCredentials(toks, req.Payload)
	if err != nil {
		c.settle(ctx, redeemID, err)
		return Receipt{}, err
	}

	r := Receipt{RedeemID: redeemID, Type: req.Type, TokenIDs: make([]string, len(toks))}
	for i, t := range toks {
		r.TokenIDs[i] = t.TokenID
		r.Value += t.Value
	}

	if r.Attempts, err = c.submit(ctx, issuer.RedeemRequest{
		RedeemID:    redeemID,
		Type:        string(req.Type),
		Payload:     string(req.Payload),
		Credentials: credentials,
	}); err != nil {
		c.settle(ctx, redeemID, err)
		return Receipt{}, err
	}

	// Accepted by the verifier: record it even if the caller gave up meanwhile.
	if err := c.tokens.MarkSpent(context.WithoutCancel(ctx), r.TokenIDs, redeemID, req.Type, c.now()); err != nil {
		if creds.IsAlreadySpent(err) {
			return Receipt{}, err
		}
		return Receipt{}, creds.Wrap(op, creds.ErrRetry, err)
	}
	return r, nil
}

// settle ends a failed reservation. Tokens the verifier refused, or that cannot be
// decoded, are rejected; the rest go back to the pool.
func (c *Coordinator) settle(ctx context.Context, redeemID string, cause error) {
	ctx = context.WithoutCancel(ctx)
	if rejected(cause) {
		if err := c.tokens.RejectReserved(ctx, redeemID, c.now()); err != nil {
			c.log.Error("redeem.reject.fail", "redeem_id", redeemID, "err", err)
			return
		}
		c.log.Warn("redeem.tokens.rejected", "redeem_id", redeemID, "result", creds.ResultOf(cause).String())
		return
	}
	if err := c.tokens.ReleaseReserved(ctx, redeemID); err != nil {
		c.log.Error("redeem.release.fail", "redeem_id", redeemID, "err", err)
	}
}

func rejected(err error) bool {
	switch {
	case creds.IsTransient(err), creds.IsInvalid(err):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

// submit retries transient verifier failures on the redeem-class backoff.
func (c *Coordinator) submit(ctx context.Context, req issuer.RedeemRequest) (int, error) {
	attempts := 0
	operation := func() error {
		attempts++
		err := c.sub.Redeem(ctx, req)
		if err != nil && !creds.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, d time.Duration) {
		c.log.Warn("redeem.submit.retry", "redeem_id", req.RedeemID, "attempt", attempts, "delay", d, "err", err)
	}

	var b backoff.BackOff = retry.NewMonotonic(c.policy)
	if c.maxRetries > 0 {
		b = backoff.WithMaxRetries(b, c.maxRetries)
	}
	b = backoff.WithContext(b, ctx)

	var err error
	if c.timer != nil {
		err = backoff.RetryNotifyWithTimer(operation, b, notify, c.timer())
	} else {
		err = backoff.RetryNotify(operation, b, notify)
	}
	return attempts, err
}

func buildCredentials(toks []creds.UnblindedToken, payload []byte) ([]issuer.Credential, error) {
	const op = "redeem.buildCredentials"

	out := make([]issuer.Credential, len(toks))
	for i, t := range toks {
		raw, err := blind.Decode(t.TokenValue)
		if err != nil {
			return nil, creds.OpError{Op: op, Kind: creds.ErrCorrupted, Msg: "token " + t.TokenID, Err: err}
		}
		preimage := blind.UnblindedToken(raw).Preimage()
		if preimage == nil {
			return nil, creds.OpError{Op: op, Kind: creds.ErrCorrupted, Msg: "token " + t.TokenID + " has wrong length"}
		}
		sig, err := token.SignPayloadBase64(raw, payload)
		if err != nil {
			return nil, creds.Wrap(op, creds.ErrInvalidInput, err)
		}
		out[i] = issuer.Credential{
			T:         base64.StdEncoding.EncodeToString(preimage),
			PublicKey: t.PublicKey,
			Signature: sig,
		}
	}
	return out, nil
}
