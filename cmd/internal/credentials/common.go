package credentials

import (
	"context"
	"log/slog"
	"time"

	"ledger/cmd/identity/ids"
	"ledger/cmd/internal/creds"
	"ledger/cmd/security/blind"
)

// Common is the blind/save logic shared by every variant.
type Common struct {
	cap     blind.Capability
	batches creds.BatchStore
	tokens  creds.TokenStore
	log     *slog.Logger
	now     func() time.Time
}

// NewCommon wires Common to its stores and capability.
func NewCommon(cap blind.Capability, batches creds.BatchStore, tokens creds.TokenStore, log *slog.Logger) *Common {
	if log == nil {
		log = slog.Default()
	}
	return &Common{
		cap:     cap,
		batches: batches,
		tokens:  tokens,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// GetBlindedCreds generates trigger.Size tokens, blinds them and persists a new
// Blinded batch. Empty generation or blinding output is ErrFailed.
func (c *Common) GetBlindedCreds(ctx context.Context, t creds.Trigger) (creds.CredsBatch, error) {
	const op = "credentials.GetBlindedCreds"

	toks, err := c.cap.GenerateTokens(t.Size)
	if err != nil || len(toks) == 0 {
		return creds.CredsBatch{}, creds.OpError{Op: op, Kind: creds.ErrFailed, Msg: "token generation", Err: err}
	}
	blinded, err := c.cap.Blind(toks)
	if err != nil || len(blinded) == 0 {
		return creds.CredsBatch{}, creds.OpError{Op: op, Kind: creds.ErrFailed, Msg: "blinding", Err: err}
	}
	if len(toks) != t.Size || len(blinded) != t.Size {
		return creds.CredsBatch{}, creds.OpError{Op: op, Kind: creds.ErrFailed, Msg: "capability returned wrong count"}
	}

	b := creds.CredsBatch{
		CredsID:      ids.NewUUID(),
		TriggerID:    t.ID,
		TriggerType:  t.Type,
		Size:         t.Size,
		Creds:        toks,
		BlindedCreds: blinded,
		Status:       creds.StatusBlinded,
		CreatedAt:    c.now(),
	}
	if err := c.batches.Save(ctx, b); err != nil {
		return creds.CredsBatch{}, storeErr(op, err)
	}
	c.log.Debug("credentials.blinded", "trigger", t.Key().String(), "creds_id", b.CredsID, "size", b.Size)
	return b, nil
}

// SaveUnblindedCreds turns unblinded creds into tokens, stores them all at once and
// moves the batch to Finished. It is the only way tokens enter the TokenStore.
//
// If the tokens are already stored (a previous run stopped before Finished was
// persisted) it only completes the status change.
func (c *Common) SaveUnblindedCreds(
	ctx context.Context,
	expiresAt time.Time,
	tokenValue float64,
	b creds.CredsBatch,
	unblinded []blind.UnblindedToken,
	t creds.Trigger,
) (int, error) {
	const op = "credentials.SaveUnblindedCreds"

	if len(unblinded) != b.Size {
		return 0, creds.OpError{Op: op, Kind: creds.ErrCorrupted, Msg: "unblinded count does not match batch size"}
	}
	now := c.now()
	idList, err := ids.NewULIDs(now, len(unblinded))
	if err != nil {
		return 0, creds.Wrap(op, creds.ErrRetry, err)
	}

	tokens := make([]creds.UnblindedToken, len(unblinded))
	for i, u := range unblinded {
		tokens[i] = creds.UnblindedToken{
			TokenID:     idList[i],
			TokenValue:  blind.Encode(u),
			PublicKey:   b.PublicKey,
			Value:       tokenValue,
			CredsID:     b.CredsID,
			TriggerType: t.Type,
			ExpiresAt:   expiresAt,
			CreatedAt:   now,
		}
	}

	added := len(tokens)
	if err := c.tokens.AddTokens(ctx, tokens); err != nil {
		if !creds.IsConflict(err) {
			return 0, storeErr(op, err)
		}
		n, cerr := c.tokens.CountByCreds(ctx, b.CredsID)
		if cerr != nil {
			return 0, storeErr(op, cerr)
		}
		if n != b.Size {
			return 0, creds.OpError{Op: op, Kind: creds.ErrCorrupted, Msg: "token values collide with another batch", Err: err}
		}
		c.log.Info("credentials.tokens.already_saved", "creds_id", b.CredsID, "count", n)
		added = 0
	}

	if err := c.batches.UpdateStatus(ctx, b.Key(), creds.StatusFinished); err != nil {
		return added, storeErr(op, err)
	}
	return added, nil
}

// storeErr keeps classified store errors and marks everything else transient:
// a failed local write means no remote side effect happened yet.
func storeErr(op string, err error) error {
	switch creds.ResultOf(err) {
	case creds.ResultRetry, creds.ResultRetryShort, creds.ResultCorrupted:
		return err
	}
	return creds.OpError{Op: op, Kind: creds.ErrRetry, Err: err}
}
