package credentials

import (
	"context"
	"time"

	"ledger/cmd/internal/creds"
	"ledger/cmd/internal/issuer"
	"ledger/cmd/security/blind"
)

// Issuer is the remote side of the pipeline. *issuer.Client implements it.
type Issuer interface {
	ClaimPromotion(ctx context.Context, promotionID string, blinded []blind.BlindedToken) (string, error)
	FetchPromotionSigned(ctx context.Context, promotionID, claimID string) (issuer.SignedBatch, error)
	ClaimSKU(ctx context.Context, orderID, itemID, credType string, blinded []blind.BlindedToken) error
	FetchSKUSigned(ctx context.Context, orderID, itemID string) (issuer.SignedBatch, error)
}

var _ Issuer = (*issuer.Client)(nil)

// Variant holds the per-trigger-type hooks around the shared stage skeleton.
type Variant interface {
	Name() string

	// Claim submits the batch's blinded creds and returns the id used to fetch them.
	Claim(ctx context.Context, t creds.Trigger, b creds.CredsBatch) (claimID string, err error)

	// FetchSigned fetches the issuer response for a claimed batch.
	FetchSigned(ctx context.Context, t creds.Trigger, b creds.CredsBatch) (issuer.SignedBatch, error)

	// TokenValue is the value each token of the batch carries.
	TokenValue(t creds.Trigger) float64

	// ExpiresAt is the token expiry, zero for none.
	ExpiresAt(t creds.Trigger) time.Time
}

// ---- promotion (also ad grants) ----

type promotionVariant struct {
	issuer Issuer
}

// PromotionVariant serves Promotion and AdGrant triggers.
func PromotionVariant(iss Issuer) Variant { return promotionVariant{issuer: iss} }

func (promotionVariant) Name() string { return "promotion" }

func (v promotionVariant) Claim(ctx context.Context, t creds.Trigger, b creds.CredsBatch) (string, error) {
	claimID, err := v.issuer.ClaimPromotion(ctx, t.ID, b.BlindedCreds)
	if err != nil {
		return "", err
	}
	if claimID == "" {
		return "", creds.OpError{Op: "credentials.promotion.Claim", Kind: creds.ErrRetry, Msg: "empty claim id"}
	}
	return claimID, nil
}

func (v promotionVariant) FetchSigned(ctx context.Context, t creds.Trigger, b creds.CredsBatch) (issuer.SignedBatch, error) {
	return v.issuer.FetchPromotionSigned(ctx, t.ID, b.ClaimID)
}

func (promotionVariant) TokenValue(t creds.Trigger) float64 {
	if t.Size <= 0 {
		return 0
	}
	return t.Value / float64(t.Size)
}

func (promotionVariant) ExpiresAt(t creds.Trigger) time.Time {
	if t.Type == creds.TriggerAdGrant {
		return time.Time{}
	}
	return t.ExpiresAt
}

// ---- sku ----

// VoteValue is the value of one SKU token when the order does not say otherwise.
const VoteValue = 0.25

type skuVariant struct {
	issuer Issuer
}

// SKUVariant serves SKUOrder triggers. Data[0] is the item id, Data[1] the
// credential type.
func SKUVariant(iss Issuer) Variant { return skuVariant{issuer: iss} }

func (skuVariant) Name() string { return "sku" }

func (v skuVariant) Claim(ctx context.Context, t creds.Trigger, b creds.CredsBatch) (string, error) {
	itemID, credType := t.Data[0], t.Data[1]
	if err := v.issuer.ClaimSKU(ctx, t.ID, itemID, credType, b.BlindedCreds); err != nil {
		return "", err
	}
	return itemID, nil
}

func (v skuVariant) FetchSigned(ctx context.Context, t creds.Trigger, b creds.CredsBatch) (issuer.SignedBatch, error) {
	return v.issuer.FetchSKUSigned(ctx, t.ID, b.ClaimID)
}

func (skuVariant) TokenValue(t creds.Trigger) float64 {
	if t.Value > 0 && t.Size > 0 {
		return t.Value / float64(t.Size)
	}
	return VoteValue
}

func (skuVariant) ExpiresAt(creds.Trigger) time.Time { return time.Time{} }
