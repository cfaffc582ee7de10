package issuer

import (
	"context"
	"net/http"
	"strings"

	"ledger/cmd/internal/creds"
	"ledger/cmd/security/blind"
)

// SignedBatch is the issuer's answer to a claim.
type SignedBatch struct {
	SignedCreds []blind.SignedToken
	PublicKey   string
	BatchProof  string
}

type claimPromotionRequest struct {
	PaymentID    string   `json:"paymentId,omitempty"`
	BlindedCreds []string `json:"blindedCreds"`
}

type claimPromotionResponse struct {
	ClaimID string `json:"claimId"`
}

type signedCredsResponse struct {
	SignedCreds []string `json:"signedCreds"`
	PublicKey   string   `json:"publicKey"`
	BatchProof  string   `json:"batchProof"`
}

type claimSKURequest struct {
	ItemID       string   `json:"itemId"`
	Type         string   `json:"type"`
	BlindedCreds []string `json:"blindedCreds"`
}

func encodeAll[T ~[]byte](list []T) []string {
	out := make([]string, len(list))
	for i, b := range list {
		out[i] = blind.Encode(b)
	}
	return out
}

// ClaimPromotion submits blinded creds for a promotion and returns the claim id.
// An empty claim id is returned as-is; the caller decides how to recover.
func (c *Client) ClaimPromotion(ctx context.Context, promotionID string, blinded []blind.BlindedToken) (string, error) {
	const op = "issuer.ClaimPromotion"
	var out claimPromotionResponse
	_, err := c.do(ctx, op, http.MethodPost, c.endpoint("v1", "promotions", promotionID),
		claimPromotionRequest{PaymentID: c.paymentID, BlindedCreds: encodeAll(blinded)}, &out)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out.ClaimID), nil
}

// FetchPromotionSigned fetches signed creds for a claim. 202 yields ErrRetryShort.
func (c *Client) FetchPromotionSigned(ctx context.Context, promotionID, claimID string) (SignedBatch, error) {
	return c.fetchSigned(ctx, "issuer.FetchPromotionSigned",
		c.endpoint("v1", "promotions", promotionID, "claims", claimID))
}

// ClaimSKU submits blinded creds for one order item.
func (c *Client) ClaimSKU(ctx context.Context, orderID, itemID, credType string, blinded []blind.BlindedToken) error {
	const op = "issuer.ClaimSKU"
	_, err := c.do(ctx, op, http.MethodPost, c.endpoint("v1", "orders", orderID, "credentials"),
		claimSKURequest{ItemID: itemID, Type: credType, BlindedCreds: encodeAll(blinded)}, nil)
	return err
}

// FetchSKUSigned fetches signed creds for an order item. 202 yields ErrRetryShort.
func (c *Client) FetchSKUSigned(ctx context.Context, orderID, itemID string) (SignedBatch, error) {
	return c.fetchSigned(ctx, "issuer.FetchSKUSigned",
		c.endpoint("v1", "orders", orderID, "credentials", itemID))
}

func (c *Client) fetchSigned(ctx context.Context, op, endpoint string) (SignedBatch, error) {
	var out signedCredsResponse
	status, err := c.do(ctx, op, http.MethodGet, endpoint, nil, &out)
	if err != nil {
		return SignedBatch{}, err
	}
	if status == http.StatusAccepted {
		return SignedBatch{}, creds.OpError{Op: op, Kind: creds.ErrRetryShort, Msg: "not signed yet"}
	}

	signed := make([]blind.SignedToken, 0, len(out.SignedCreds))
	for _, s := range out.SignedCreds {
		b, err := blind.Decode(s)
		if err != nil {
			return SignedBatch{}, creds.OpError{Op: op, Kind: creds.ErrLedger, Msg: "malformed signed cred", Err: err}
		}
		signed = append(signed, b)
	}
	return SignedBatch{
		SignedCreds: signed,
		PublicKey:   strings.TrimSpace(out.PublicKey),
		BatchProof:  strings.TrimSpace(out.BatchProof),
	}, nil
}

// Credential is one spent token as the verifier sees it.
type Credential struct {
	T         string `json:"t"`
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
}

// RedeemRequest is the verifier payload.
type RedeemRequest struct {
	RedeemID    string       `json:"redeemId"`
	Type        string       `json:"type"`
	Payload     string       `json:"payload"`
	Credentials []Credential `json:"credentials"`
}

// Redeem submits spent credentials to the verifier.
func (c *Client) Redeem(ctx context.Context, req RedeemRequest) error {
	_, err := c.do(ctx, "issuer.Redeem", http.MethodPost, c.endpoint("v1", "redemptions"), req, nil)
	return err
}

// Key is an issuer public key and the trigger type it signs for.
type Key struct {
	PublicKey string `json:"publicKey"`
	Type      string `json:"type"`
}

type issuersResponse struct {
	Issuers []Key `json:"issuers"`
}

// Issuers lists the issuer's current public keys.
func (c *Client) Issuers(ctx context.Context) ([]Key, error) {
	var out issuersResponse
	if _, err := c.do(ctx, "issuer.Issuers", http.MethodGet, c.endpoint("v1", "issuers"), nil, &out); err != nil {
		return nil, err
	}
	return out.Issuers, nil
}
