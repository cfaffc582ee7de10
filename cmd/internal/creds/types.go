package creds

import (
	"fmt"
	"strings"
	"time"

	"ledger/cmd/security/blind"
)

// MaxBatchSize bounds Trigger.Size.
const MaxBatchSize = 10_000

// TriggerType says what kind of purpose requested a batch.
type TriggerType string

const (
	TriggerAdGrant   TriggerType = "ad_grant"
	TriggerPromotion TriggerType = "promotion"
	TriggerSKUOrder  TriggerType = "sku_order"
)

// ParseTriggerType accepts the canonical lowercase form.
func ParseTriggerType(s string) (TriggerType, error) {
	switch t := TriggerType(strings.ToLower(strings.TrimSpace(s))); t {
	case TriggerAdGrant, TriggerPromotion, TriggerSKUOrder:
		return t, nil
	}
	return "", OpError{Op: "creds.ParseTriggerType", Kind: ErrInvalidInput, Msg: fmt.Sprintf("unknown trigger type %q", s)}
}

// Trigger identifies why a batch of credentials is requested. Immutable.
type Trigger struct {
	ID   string
	Type TriggerType
	Size int

	// Data is variant specific. SKU orders: [item id, credential type].
	Data []string

	// Value is the total value the batch represents. Variants split it per token.
	Value float64

	// ExpiresAt is zero for non-expiring credentials.
	ExpiresAt time.Time
}

// Key returns the trigger's natural key.
func (t Trigger) Key() Key { return Key{ID: t.ID, Type: t.Type} }

// Validate checks structural requirements on a trigger.
func (t Trigger) Validate() error {
	const op = "creds.Trigger.Validate"
	if strings.TrimSpace(t.ID) == "" {
		return OpError{Op: op, Kind: ErrInvalidInput, Msg: "id is required"}
	}
	if _, err := ParseTriggerType(string(t.Type)); err != nil {
		return OpError{Op: op, Kind: ErrInvalidInput, Msg: fmt.Sprintf("unknown type %q", t.Type)}
	}
	if t.Size <= 0 || t.Size > MaxBatchSize {
		return OpError{Op: op, Kind: ErrInvalidInput, Msg: fmt.Sprintf("size %d out of range", t.Size)}
	}
	if t.Type == TriggerSKUOrder && len(t.Data) < 2 {
		return OpError{Op: op, Kind: ErrInvalidInput, Msg: "sku trigger needs item id and type"}
	}
	if t.Value < 0 {
		return OpError{Op: op, Kind: ErrInvalidInput, Msg: "value must not be negative"}
	}
	return nil
}

// Key is the (trigger id, trigger type) pair batches are stored under.
type Key struct {
	ID   string
	Type TriggerType
}

func (k Key) String() string { return string(k.Type) + "/" + k.ID }

// BatchStatus is the stage a CredsBatch has reached.
type BatchStatus int

const (
	StatusNone BatchStatus = iota
	StatusBlinded
	StatusClaimed
	StatusSigned
	StatusFinished
	StatusCorrupted
)

var statusNames = [...]string{"none", "blinded", "claimed", "signed", "finished", "corrupted"}

func (s BatchStatus) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}

// ParseBatchStatus parses the String form.
func ParseBatchStatus(s string) (BatchStatus, error) {
	for i, n := range statusNames {
		if n == s {
			return BatchStatus(i), nil
		}
	}
	return 0, OpError{Op: "creds.ParseBatchStatus", Kind: ErrInvalidInput, Msg: fmt.Sprintf("unknown status %q", s)}
}

// CanTransition reports whether a batch may move from -> to.
//
// Forward moves are allowed, as is staying put. The only backward moves are the two
// resets (Blinded -> None, Claimed -> Blinded). Corrupted is reachable from every
// non-final stage. Finished and Corrupted are final.
func CanTransition(from, to BatchStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusFinished, StatusCorrupted:
		return false
	}
	switch {
	case to == StatusCorrupted:
		return true
	case from == StatusBlinded && to == StatusNone:
		return true
	case from == StatusClaimed && to == StatusBlinded:
		return true
	case to > from && to <= StatusFinished:
		return true
	}
	return false
}

// CredsBatch is one blind/sign/unblind cycle for a Trigger.
type CredsBatch struct {
	CredsID      string
	TriggerID    string
	TriggerType  TriggerType
	Size         int
	Creds        []blind.Token
	BlindedCreds []blind.BlindedToken
	SignedCreds  []blind.SignedToken
	PublicKey    string
	BatchProof   string
	ClaimID      string
	Status       BatchStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Key returns the owning trigger's key.
func (b CredsBatch) Key() Key { return Key{ID: b.TriggerID, Type: b.TriggerType} }

// Validate checks the size invariants for the batch's status.
func (b CredsBatch) Validate() error {
	const op = "creds.CredsBatch.Validate"
	if b.Status == StatusNone || b.Status == StatusCorrupted {
		return nil
	}
	if b.Size <= 0 || len(b.Creds) != b.Size || len(b.BlindedCreds) != b.Size {
		return OpError{Op: op, Kind: ErrCorrupted, Msg: fmt.Sprintf(
			"size=%d creds=%d blinded=%d", b.Size, len(b.Creds), len(b.BlindedCreds))}
	}
	if b.Status >= StatusSigned {
		if len(b.SignedCreds) != b.Size {
			return OpError{Op: op, Kind: ErrCorrupted, Msg: fmt.Sprintf(
				"size=%d signed=%d", b.Size, len(b.SignedCreds))}
		}
		if b.PublicKey == "" {
			return OpError{Op: op, Kind: ErrCorrupted, Msg: "public key missing"}
		}
	}
	return nil
}

// RedeemType says what a redemption pays for.
type RedeemType string

const (
	RedeemAutoContribute RedeemType = "auto_contribute"
	RedeemOneTimeTip     RedeemType = "one_time_tip"
	RedeemRecurringTip   RedeemType = "recurring_tip"
	RedeemPayment        RedeemType = "payment"
	RedeemVote           RedeemType = "vote"
)

// ParseRedeemType accepts the canonical lowercase form.
func ParseRedeemType(s string) (RedeemType, error) {
	switch r := RedeemType(strings.ToLower(strings.TrimSpace(s))); r {
	case RedeemAutoContribute, RedeemOneTimeTip, RedeemRecurringTip, RedeemPayment, RedeemVote:
		return r, nil
	}
	return "", OpError{Op: "creds.ParseRedeemType", Kind: ErrInvalidInput, Msg: fmt.Sprintf("unknown redeem type %q", s)}
}

// UnblindedToken is a spendable credential.
type UnblindedToken struct {
	// TokenID is a ULID; ascending order is the stable selection order.
	TokenID string

	// TokenValue is the base64 unblinded token (preimage || signature point).
	TokenValue string
	PublicKey  string
	Value      float64
	CredsID    string

	// TriggerType is the origin of the batch, used to scope selections.
	TriggerType TriggerType

	ExpiresAt time.Time
	CreatedAt time.Time

	RedeemedAt time.Time
	RedeemID   string
	RedeemType RedeemType

	// ReservedAt is set while a redemption holds the token. RedeemID names it.
	ReservedAt time.Time

	// RejectedAt is set once the verifier refused the token. It is never
	// selected again.
	RejectedAt time.Time
}

// ReservationTTL is how long a reservation hides a token from other redemptions.
// A redemption that dies mid-flight frees its tokens after this.
const ReservationTTL = time.Hour

// Spent reports whether the token has been redeemed.
func (u UnblindedToken) Spent() bool { return !u.RedeemedAt.IsZero() }

// Rejected reports whether the verifier refused the token.
func (u UnblindedToken) Rejected() bool { return !u.RejectedAt.IsZero() }

// Reserved reports whether a live reservation holds the token at now.
// A zero now treats every reservation as live.
func (u UnblindedToken) Reserved(now time.Time) bool {
	if u.ReservedAt.IsZero() {
		return false
	}
	return now.IsZero() || now.Before(u.ReservedAt.Add(ReservationTTL))
}

// Expired reports whether the token is past its expiry at now.
func (u UnblindedToken) Expired(now time.Time) bool {
	return !u.ExpiresAt.IsZero() && !now.Before(u.ExpiresAt)
}

// Selection constrains which unspent tokens are eligible.
type Selection struct {
	// Now excludes tokens expired at that instant and decides which reservations
	// have lapsed. Zero disables the expiry filter and keeps every reservation.
	Now time.Time

	// TriggerTypes limits selection to tokens from these origins. Empty means any.
	TriggerTypes []TriggerType

	// PublicKeys limits selection to tokens under these issuer keys. Empty means any.
	PublicKeys []string
}

// Matches reports whether a token is free to spend and satisfies the selection.
func (s Selection) Matches(u UnblindedToken) bool {
	if u.Spent() || u.Rejected() || u.Reserved(s.Now) {
		return false
	}
	if !s.Now.IsZero() && u.Expired(s.Now) {
		return false
	}
	if len(s.TriggerTypes) > 0 && !contains(s.TriggerTypes, u.TriggerType) {
		return false
	}
	if len(s.PublicKeys) > 0 && !contains(s.PublicKeys, u.PublicKey) {
		return false
	}
	return true
}

// ReservationCutoff is the instant before which reservations have lapsed.
// Zero when Now is zero.
func (s Selection) ReservationCutoff() time.Time {
	if s.Now.IsZero() {
		return time.Time{}
	}
	return s.Now.Add(-ReservationTTL)
}

func contains[T comparable](xs []T, v T) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}
