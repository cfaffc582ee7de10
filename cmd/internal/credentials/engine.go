package credentials

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"runtime"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"ledger/cmd/internal/creds"
	"ledger/cmd/security/blind"
	"ledger/cmd/security/token"
)

// KeyChecker is the issuer key allowlist. *issuer.KeySet implements it.
type KeyChecker interface {
	Allowed(ctx context.Context, tt creds.TriggerType, publicKey string) (bool, error)
}

// Deps are the collaborators an Engine needs. All but Logger are required.
type Deps struct {
	Batches    creds.BatchStore
	Tokens     creds.TokenStore
	Capability blind.Capability
	Issuer     Issuer
	Keys       KeyChecker
	Logger     *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithObserver adds an observer of stage progress.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.obs = append(e.obs, o)
		}
	}
}

// WithUnblindWorkers bounds how many creds are unblinded in parallel.
func WithUnblindWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithVariant overrides the hooks used for one trigger type.
func WithVariant(tt creds.TriggerType, v Variant) Option {
	return func(e *Engine) {
		if v != nil {
			e.variants[tt] = v
		}
	}
}

// Engine drives CredsBatches through the stage table. It is re-entrant: every
// call resumes from the persisted status. Engine does not schedule retries;
// see Scheduler.
type Engine struct {
	common   *Common
	batches  creds.BatchStore
	cap      blind.Capability
	keys     KeyChecker
	variants map[creds.TriggerType]Variant

	log     *slog.Logger
	tracer  trace.Tracer
	obs     observers
	workers int

	flight singleflight.Group
}

// NewEngine validates deps and builds an Engine.
func NewEngine(d Deps, opts ...Option) (*Engine, error) {
	switch {
	case d.Batches == nil:
		return nil, errors.New("credentials: batch store required")
	case d.Tokens == nil:
		return nil, errors.New("credentials: token store required")
	case d.Capability == nil:
		return nil, errors.New("credentials: blind capability required")
	case d.Issuer == nil:
		return nil, errors.New("credentials: issuer required")
	case d.Keys == nil:
		return nil, errors.New("credentials: key allowlist required")
	}
	log := d.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	promo := PromotionVariant(d.Issuer)
	e := &Engine{
		common:  NewCommon(d.Capability, d.Batches, d.Tokens, log),
		batches: d.Batches,
		cap:     d.Capability,
		keys:    d.Keys,
		variants: map[creds.TriggerType]Variant{
			creds.TriggerAdGrant:   promo,
			creds.TriggerPromotion: promo,
			creds.TriggerSKUOrder:  SKUVariant(d.Issuer),
		},
		log:     log,
		tracer:  otel.Tracer("ledger/credentials"),
		workers: runtime.GOMAXPROCS(0),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Process drives t's batch as far as it can go and returns the persisted status.
//
// Concurrent calls for the same trigger share one run. A nil error means the
// batch is Finished; otherwise the error's kind says what the caller should do
// (creds.ResultOf).
func (e *Engine) Process(ctx context.Context, t creds.Trigger) (creds.BatchStatus, error) {
	if err := t.Validate(); err != nil {
		return creds.StatusNone, err
	}
	key := t.Key().String()
	v, err, shared := e.flight.Do(key, func() (any, error) {
		return e.run(ctx, t)
	})
	if shared {
		e.log.Debug("credentials.process.shared", "trigger", key)
	}
	status, _ := v.(creds.BatchStatus)
	return status, err
}

func (e *Engine) run(ctx context.Context, t creds.Trigger) (creds.BatchStatus, error) {
	const op = "credentials.Process"

	variant, ok := e.variants[t.Type]
	if !ok {
		return creds.StatusNone, creds.OpError{Op: op, Kind: creds.ErrInvalidInput, Msg: "no variant for " + string(t.Type)}
	}

	ctx, span := e.tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("trigger.type", string(t.Type)),
		attribute.Int("trigger.size", t.Size),
		attribute.String("variant", variant.Name()),
	))
	defer span.End()

	b, found, err := e.batches.GetByTrigger(ctx, t.Key())
	if err != nil {
		if creds.IsCorrupted(err) {
			e.markCorrupted(ctx, t, creds.CredsBatch{TriggerID: t.ID, TriggerType: t.Type}, err)
			return creds.StatusCorrupted, err
		}
		return creds.StatusNone, storeErr(op, err)
	}
	if !found {
		b = creds.CredsBatch{TriggerID: t.ID, TriggerType: t.Type, Status: creds.StatusNone}
	}

	for {
		switch b.Status {
		case creds.StatusFinished:
			span.SetStatus(codes.Ok, "")
			return b.Status, nil
		case creds.StatusCorrupted:
			err := creds.OpError{Op: op, Kind: creds.ErrCorrupted, Msg: "batch is corrupted"}
			span.SetStatus(codes.Error, err.Error())
			return b.Status, err
		}

		from := b.Status
		next, err := e.step(ctx, variant, t, b)
		if err != nil {
			if creds.IsCorrupted(err) {
				e.markCorrupted(ctx, t, b, err)
				next.Status = creds.StatusCorrupted
			}
			e.log.Warn("credentials.stage.fail",
				"trigger", t.Key().String(),
				"stage", from.String(),
				"status", next.Status.String(),
				"result", creds.ResultOf(err).String(),
				"err", err,
			)
			e.obs.stageFailed(t, from, next.Status, err)
			span.RecordError(err)
			span.SetStatus(codes.Error, creds.ResultOf(err).String())
			return next.Status, err
		}

		e.log.Info("credentials.stage.done",
			"trigger", t.Key().String(),
			"from", from.String(),
			"to", next.Status.String(),
		)
		e.obs.stageDone(t, from, next.Status)
		b = next
	}
}

// step runs the action for b.Status. On error the returned batch carries the
// status that is persisted now.
func (e *Engine) step(ctx context.Context, v Variant, t creds.Trigger, b creds.CredsBatch) (creds.CredsBatch, error) {
	ctx, span := e.tracer.Start(ctx, "credentials.stage."+b.Status.String())
	defer span.End()

	switch b.Status {
	case creds.StatusNone:
		nb, err := e.common.GetBlindedCreds(ctx, t)
		if err != nil {
			return b, err
		}
		return nb, nil
	case creds.StatusBlinded:
		return e.claim(ctx, v, t, b)
	case creds.StatusClaimed:
		return e.fetchSigned(ctx, v, t, b)
	case creds.StatusSigned:
		return e.unblind(ctx, v, t, b)
	}
	return b, creds.OpError{Op: "credentials.step", Kind: creds.ErrCorrupted, Msg: "unknown status " + b.Status.String()}
}

func (e *Engine) claim(ctx context.Context, v Variant, t creds.Trigger, b creds.CredsBatch) (creds.CredsBatch, error) {
	const op = "credentials.Claim"

	if len(b.Creds) == 0 || len(b.BlindedCreds) == 0 {
		return e.reset(ctx, b, creds.StatusNone, creds.OpError{Op: op, Kind: creds.ErrRetry, Msg: "blinded creds empty"})
	}
	if err := b.Validate(); err != nil {
		return b, err
	}

	claimID, err := v.Claim(ctx, t, b)
	if err != nil {
		if creds.IsConflict(err) {
			return e.reset(ctx, b, creds.StatusNone, creds.Wrap(op, creds.ErrRetry, err))
		}
		return b, err
	}

	if err := e.batches.SaveClaimed(ctx, b.Key(), claimID); err != nil {
		return b, storeErr(op, err)
	}
	b.ClaimID = claimID
	b.Status = creds.StatusClaimed
	return b, nil
}

func (e *Engine) fetchSigned(ctx context.Context, v Variant, t creds.Trigger, b creds.CredsBatch) (creds.CredsBatch, error) {
	const op = "credentials.FetchSigned"

	if b.ClaimID == "" {
		return e.reset(ctx, b, creds.StatusBlinded, creds.OpError{Op: op, Kind: creds.ErrRetry, Msg: "claim id missing"})
	}
	if err := b.Validate(); err != nil {
		return b, err
	}

	sb, err := v.FetchSigned(ctx, t, b)
	if err != nil {
		return b, err
	}
	if len(sb.SignedCreds) != b.Size {
		return b, creds.OpError{Op: op, Kind: creds.ErrLedger, Msg: "issuer returned wrong number of signed creds"}
	}
	if sb.PublicKey == "" {
		return b, creds.OpError{Op: op, Kind: creds.ErrLedger, Msg: "issuer returned no public key"}
	}

	if err := e.batches.SaveSigned(ctx, b.Key(), sb.SignedCreds, sb.PublicKey, sb.BatchProof); err != nil {
		return b, storeErr(op, err)
	}
	b.SignedCreds = sb.SignedCreds
	b.PublicKey = sb.PublicKey
	b.BatchProof = sb.BatchProof
	b.Status = creds.StatusSigned
	return b, nil
}

func (e *Engine) unblind(ctx context.Context, v Variant, t creds.Trigger, b creds.CredsBatch) (creds.CredsBatch, error) {
	const op = "credentials.Unblind"

	if err := b.Validate(); err != nil {
		return b, err
	}

	allowed, err := e.keys.Allowed(ctx, b.TriggerType, b.PublicKey)
	if err != nil {
		return b, err
	}
	if !allowed {
		e.log.Warn("credentials.key.rejected", "trigger", b.Key().String(), "key_fp", token.Fingerprint(b.PublicKey))
		return b, creds.OpError{Op: op, Kind: creds.ErrLedger, Msg: "issuer public key not allowed"}
	}
	if b.BatchProof == "" {
		return b, creds.OpError{Op: op, Kind: creds.ErrLedger, Msg: "batch proof missing"}
	}
	if !e.cap.Verify(b.PublicKey, b.BlindedCreds, b.SignedCreds, b.BatchProof) {
		return b, creds.OpError{Op: op, Kind: creds.ErrLedger, Msg: "batch proof does not verify"}
	}

	unblinded := make([]blind.UnblindedToken, b.Size)
	var g errgroup.Group
	g.SetLimit(e.workers)
	for i := range b.Creds {
		g.Go(func() error {
			u, err := e.cap.Unblind(b.Creds[i], b.SignedCreds[i])
			if err != nil {
				return creds.OpError{Op: op, Kind: creds.ErrCorrupted, Msg: "unblind failed", Err: err}
			}
			unblinded[i] = u
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return b, err
	}

	value := v.TokenValue(t)
	added, err := e.common.SaveUnblindedCreds(ctx, v.ExpiresAt(t), value, b, unblinded, t)
	if err != nil {
		return b, err
	}
	e.obs.tokensAdded(t, b.CredsID, added, value)
	b.Status = creds.StatusFinished
	return b, nil
}

// reset moves b back to status and returns cause. A failed reset is a store
// error and takes cause's place.
func (e *Engine) reset(ctx context.Context, b creds.CredsBatch, status creds.BatchStatus, cause error) (creds.CredsBatch, error) {
	if err := e.batches.UpdateStatus(ctx, b.Key(), status); err != nil {
		return b, storeErr("credentials.reset", err)
	}
	e.log.Info("credentials.stage.reset", "trigger", b.Key().String(), "from", b.Status.String(), "to", status.String())
	b.Status = status
	if status == creds.StatusNone {
		b.ClaimID = ""
	}
	return b, cause
}

func (e *Engine) markCorrupted(ctx context.Context, t creds.Trigger, b creds.CredsBatch, cause error) {
	if err := e.batches.UpdateStatus(ctx, t.Key(), creds.StatusCorrupted); err != nil {
		e.log.Error("credentials.corrupt.persist_fail", "trigger", t.Key().String(), "err", err)
		return
	}
	e.log.Error("credentials.corrupted", "trigger", t.Key().String(), "creds_id", b.CredsID, "err", cause)
}
