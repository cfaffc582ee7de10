package creds

import (
	"context"
	"fmt"
	"time"

	"ledger/cmd/security/blind"
)

// BatchStore persists CredsBatches keyed by trigger.
//
// Contract:
//   - Save is durable before it returns; callers issue no network call for a batch
//     until the preceding Save/Update has returned nil.
//   - Operations on different keys never wait on each other.
//   - Status changes go through CanTransition; violations return ErrInvalidInput.
type BatchStore interface {
	// Save upserts by (TriggerID, TriggerType).
	Save(ctx context.Context, batch CredsBatch) error

	// GetByTrigger returns ok=false when no batch exists.
	GetByTrigger(ctx context.Context, key Key) (batch CredsBatch, ok bool, err error)

	// UpdateStatus returns ErrNotFound if the batch is missing.
	UpdateStatus(ctx context.Context, key Key, status BatchStatus) error

	// SaveClaimed stores the claim id and moves the batch to Claimed in one write.
	SaveClaimed(ctx context.Context, key Key, claimID string) error

	// SaveSigned stores the issuer response and moves the batch to Signed in one write.
	SaveSigned(ctx context.Context, key Key, signed []blind.SignedToken, publicKey, batchProof string) error

	// ListByStatus returns batches at status, oldest first.
	ListByStatus(ctx context.Context, status BatchStatus) ([]CredsBatch, error)
}

// TokenStore persists UnblindedTokens.
//
// Contract:
//   - AddTokens, ReserveUnspent and MarkSpent are all-or-nothing.
//   - SelectUnspent and ReserveUnspent take tokens in ascending TokenID order and
//     skip spent, rejected and reserved tokens (Selection.Matches).
//   - A token with RedeemedAt or RejectedAt set is never changed again.
type TokenStore interface {
	AddTokens(ctx context.Context, tokens []UnblindedToken) error

	SelectUnspent(ctx context.Context, count int, sel Selection) ([]UnblindedToken, error)

	// CountUnspent returns the number and total value of matching tokens.
	CountUnspent(ctx context.Context, sel Selection) (n int, value float64, err error)

	// ReserveUnspent atomically takes count matching tokens for redeemID, setting
	// ReservedAt to at. Fewer than count available: ErrNotEnoughTokens, nothing
	// reserved. A zero sel.Now is replaced by at.
	ReserveUnspent(ctx context.Context, count int, sel Selection, redeemID string, at time.Time) ([]UnblindedToken, error)

	// ReleaseReserved frees the unspent tokens reserved under redeemID.
	ReleaseReserved(ctx context.Context, redeemID string) error

	// RejectReserved marks the unspent tokens reserved under redeemID as refused
	// by the verifier.
	RejectReserved(ctx context.Context, redeemID string, at time.Time) error

	// MarkSpent marks every id as redeemed under redeemID.
	// - Missing id: ErrNotFound.
	// - Id spent under another redeem id, rejected, reserved under another redeem
	//   id, or a mix of spent and unspent: ErrAlreadySpent.
	// - Every id already spent under redeemID: nil (idempotent replay).
	MarkSpent(ctx context.Context, tokenIDs []string, redeemID string, redeemType RedeemType, at time.Time) error

	// CountByCreds counts tokens from one batch, spent or not.
	CountByCreds(ctx context.Context, credsID string) (int, error)

	// GetTokens returns tokens by id in the order given. Missing ids are skipped.
	GetTokens(ctx context.Context, tokenIDs []string) ([]UnblindedToken, error)

	RemoveAll(ctx context.Context) error

	// Restore inserts a backup, keeping redeemed fields as given.
	Restore(ctx context.Context, tokens []UnblindedToken) error
}

// Pinger is implemented by stores with a reachable backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CheckMarkSpentInput validates MarkSpent arguments. Shared by store backends.
func CheckMarkSpentInput(op string, tokenIDs []string, redeemID string, redeemType RedeemType) error {
	if len(tokenIDs) == 0 {
		return OpError{Op: op, Kind: ErrInvalidInput, Msg: "no token ids"}
	}
	if redeemID == "" {
		return OpError{Op: op, Kind: ErrInvalidInput, Msg: "redeem id is required"}
	}
	if _, err := ParseRedeemType(string(redeemType)); err != nil {
		return OpError{Op: op, Kind: ErrInvalidInput, Msg: err.Error()}
	}
	seen := make(map[string]struct{}, len(tokenIDs))
	for _, id := range tokenIDs {
		if _, dup := seen[id]; dup {
			return OpError{Op: op, Kind: ErrInvalidInput, Msg: "duplicate token id"}
		}
		seen[id] = struct{}{}
	}
	return nil
}

// CheckReserveInput validates ReserveUnspent arguments. Shared by store backends.
func CheckReserveInput(op string, count int, redeemID string) error {
	if count <= 0 || count > MaxBatchSize {
		return OpError{Op: op, Kind: ErrInvalidInput, Msg: fmt.Sprintf("count %d out of range", count)}
	}
	if redeemID == "" {
		return OpError{Op: op, Kind: ErrInvalidInput, Msg: "redeem id is required"}
	}
	return nil
}

// CheckNewTokens validates AddTokens input. Shared by store backends.
func CheckNewTokens(op string, tokens []UnblindedToken) error {
	seen := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		if t.TokenID == "" || t.TokenValue == "" || t.PublicKey == "" {
			return OpError{Op: op, Kind: ErrInvalidInput, Msg: "token id, value and public key are required"}
		}
		k := t.TokenValue + "\x00" + t.PublicKey
		if _, dup := seen[k]; dup {
			return OpError{Op: op, Kind: ErrConflict, Msg: "duplicate token value"}
		}
		seen[k] = struct{}{}
	}
	return nil
}

// SpentState classifies the current redeem state of a MarkSpent id set.
// Store backends call it under their lock with the rows they read.
func SpentState(op string, rows map[string]UnblindedToken, tokenIDs []string, redeemID string) (replay bool, err error) {
	spent, same := 0, 0
	for _, id := range tokenIDs {
		r, ok := rows[id]
		if !ok {
			return false, OpError{Op: op, Kind: ErrNotFound, Msg: "token " + id}
		}
		switch {
		case r.Spent():
			spent++
			if r.RedeemID == redeemID {
				same++
			}
		case r.Rejected():
			return false, OpError{Op: op, Kind: ErrAlreadySpent, Msg: "token " + id + " was rejected"}
		case r.RedeemID != "" && r.RedeemID != redeemID:
			return false, OpError{Op: op, Kind: ErrAlreadySpent, Msg: "token " + id + " is reserved by another redemption"}
		}
	}
	switch {
	case spent == 0:
		return false, nil
	case same == len(tokenIDs):
		return true, nil
	default:
		return false, OpError{Op: op, Kind: ErrAlreadySpent}
	}
}

// CheckOverwrite guards Save against replacing a batch whose blinded creds may
// already be known to the issuer. A different CredsID may only replace a batch that
// was reset to None; the same CredsID must follow CanTransition.
func CheckOverwrite(op string, existing, next CredsBatch) error {
	if existing.CredsID == next.CredsID {
		if !CanTransition(existing.Status, next.Status) {
			return OpError{Op: op, Kind: ErrInvalidInput, Msg: existing.Status.String() + " -> " + next.Status.String()}
		}
		return nil
	}
	if existing.Status != StatusNone {
		return OpError{Op: op, Kind: ErrConflict, Msg: "batch exists at " + existing.Status.String()}
	}
	return nil
}
