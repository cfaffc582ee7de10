package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"ledger/cmd/identity/ids"
	"ledger/cmd/internal/credentials"
	"ledger/cmd/internal/creds"
	"ledger/cmd/internal/redeem"
)

// DefaultMaxBodyBytes caps request bodies when Config leaves it unset.
const DefaultMaxBodyBytes = 1 << 20

// Redeemer spends tokens. *redeem.Coordinator implements it.
type Redeemer interface {
	Redeem(ctx context.Context, req redeem.Request) (redeem.Receipt, error)
}

// Deps are the services behind the admin API.
type Deps struct {
	Starter  credentials.Starter
	Batches  creds.BatchStore
	Tokens   creds.TokenStore
	Redeemer Redeemer
}

// Config controls request limits.
type Config struct {
	MaxBodyBytes int64
}

// Handler serves the JSON admin API.
type Handler struct {
	log  *slog.Logger
	cfg  Config
	deps Deps
	now  func() time.Time
}

// NewHandler returns a Handler. Every dependency is required.
func NewHandler(log *slog.Logger, deps Deps, cfg Config) (*Handler, error) {
	if deps.Starter == nil || deps.Batches == nil || deps.Tokens == nil || deps.Redeemer == nil {
		return nil, errors.New("api: missing dependency")
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return &Handler{
		log:  log,
		cfg:  cfg,
		deps: deps,
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

// Register wires the API routes onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("POST /v1/credentials", h.handleStart)
	mux.HandleFunc("GET /v1/credentials/{type}/{id}", h.handleBatch)
	mux.HandleFunc("GET /v1/tokens/balance", h.handleBalance)
	mux.HandleFunc("POST /v1/redemptions", h.handleRedeem)
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	t := creds.Trigger{
		ID:    strings.TrimSpace(req.ID),
		Type:  creds.TriggerType(strings.ToLower(strings.TrimSpace(req.Type))),
		Size:  req.Size,
		Data:  req.Data,
		Value: req.Value,
	}
	if t.ID == "" {
		t.ID = ids.NewUUID()
	}
	if req.ExpiresAt != nil {
		t.ExpiresAt = req.ExpiresAt.UTC()
	}

	job, err := h.deps.Starter.Start(t)
	if err != nil {
		h.fail(w, "api.credentials.start.fail", err)
		return
	}
	h.log.Info("api.credentials.start", "trigger", t.Key().String(), "size", t.Size)
	writeJSON(w, http.StatusAccepted, jobResponse{
		TriggerID:   t.ID,
		TriggerType: string(t.Type),
		Status:      job.Status().String(),
		Attempts:    job.Attempts(),
	})
}

func (h *Handler) handleBatch(w http.ResponseWriter, r *http.Request) {
	typ, err := creds.ParseTriggerType(r.PathValue("type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unknown trigger type")
		return
	}
	key := creds.Key{ID: r.PathValue("id"), Type: typ}

	b, ok, err := h.deps.Batches.GetByTrigger(r.Context(), key)
	if err != nil {
		h.fail(w, "api.credentials.get.fail", err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "no batch for trigger")
		return
	}

	n, err := h.deps.Tokens.CountByCreds(r.Context(), b.CredsID)
	if err != nil {
		h.fail(w, "api.credentials.count.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, batchResponse{
		CredsID:     b.CredsID,
		TriggerID:   b.TriggerID,
		TriggerType: string(b.TriggerType),
		Size:        b.Size,
		Status:      b.Status.String(),
		ClaimID:     b.ClaimID,
		PublicKey:   b.PublicKey,
		Tokens:      n,
		CreatedAt:   b.CreatedAt,
		UpdatedAt:   b.UpdatedAt,
	})
}

func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sel := creds.Selection{Now: h.now(), PublicKeys: q["public_key"]}
	for _, s := range q["trigger_type"] {
		tt, err := creds.ParseTriggerType(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "unknown trigger type")
			return
		}
		sel.TriggerTypes = append(sel.TriggerTypes, tt)
	}

	n, value, err := h.deps.Tokens.CountUnspent(r.Context(), sel)
	if err != nil {
		h.fail(w, "api.tokens.balance.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{Count: n, Value: value})
}

func (h *Handler) handleRedeem(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	rr := redeem.Request{
		Count:   req.Count,
		Type:    creds.RedeemType(req.Type),
		Payload: []byte(req.Payload),
		Selection: creds.Selection{
			PublicKeys: req.PublicKeys,
		},
	}
	for _, s := range req.TriggerTypes {
		tt, err := creds.ParseTriggerType(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "unknown trigger type")
			return
		}
		rr.Selection.TriggerTypes = append(rr.Selection.TriggerTypes, tt)
	}

	receipt, err := h.deps.Redeemer.Redeem(r.Context(), rr)
	if err != nil {
		h.fail(w, "api.redeem.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, redeemResponse{
		RedeemID: receipt.RedeemID,
		Type:     string(receipt.Type),
		TokenIDs: receipt.TokenIDs,
		Value:    receipt.Value,
		Attempts: receipt.Attempts,
	})
}

func (h *Handler) fail(w http.ResponseWriter, event string, err error) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error(event, "err", err)
	} else {
		h.log.Info(event, "code", code, "err", err)
	}
	writeError(w, status, code, errorMessage(code))
}

// errorStatus maps error kinds onto HTTP status and API error code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, credentials.ErrSchedulerClosed):
		return http.StatusServiceUnavailable, "shutting_down"
	case creds.IsInvalid(err):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, creds.ErrNotEnoughTokens):
		return http.StatusConflict, "not_enough_tokens"
	case creds.IsAlreadySpent(err):
		return http.StatusConflict, "already_spent"
	case creds.IsConflict(err):
		return http.StatusConflict, "conflict"
	case creds.IsTransient(err):
		return http.StatusServiceUnavailable, "retry_later"
	case creds.IsCorrupted(err):
		return http.StatusInternalServerError, "corrupted"
	case errors.Is(err, creds.ErrLedger), errors.Is(err, creds.ErrNotFound), errors.Is(err, creds.ErrFailed):
		return http.StatusBadGateway, "issuer_rejected"
	}
	return http.StatusInternalServerError, "internal"
}

func errorMessage(code string) string {
	switch code {
	case "shutting_down":
		return "server is shutting down"
	case "invalid_request":
		return "invalid request"
	case "not_enough_tokens":
		return "not enough unspent tokens"
	case "already_spent":
		return "tokens already spent"
	case "conflict":
		return "conflicting state"
	case "retry_later":
		return "please retry later"
	case "issuer_rejected":
		return "issuer rejected the request"
	}
	return "internal error"
}
