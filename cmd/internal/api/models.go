package api

import "time"

type startRequest struct {
	ID        string     `json:"id"`
	Type      string     `json:"type"`
	Size      int        `json:"size"`
	Data      []string   `json:"data,omitempty"`
	Value     float64    `json:"value"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type jobResponse struct {
	TriggerID   string `json:"trigger_id"`
	TriggerType string `json:"trigger_type"`
	Status      string `json:"status"`
	Attempts    int    `json:"attempts"`
}

type batchResponse struct {
	CredsID     string    `json:"creds_id"`
	TriggerID   string    `json:"trigger_id"`
	TriggerType string    `json:"trigger_type"`
	Size        int       `json:"size"`
	Status      string    `json:"status"`
	ClaimID     string    `json:"claim_id,omitempty"`
	PublicKey   string    `json:"public_key,omitempty"`
	Tokens      int       `json:"tokens"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type balanceResponse struct {
	Count int     `json:"count"`
	Value float64 `json:"value"`
}

type redeemRequest struct {
	Count        int      `json:"count"`
	Type         string   `json:"type"`
	Payload      string   `json:"payload"`
	TriggerTypes []string `json:"trigger_types,omitempty"`
	PublicKeys   []string `json:"public_keys,omitempty"`
}

type redeemResponse struct {
	RedeemID string   `json:"redeem_id"`
	Type     string   `json:"type"`
	TokenIDs []string `json:"token_ids"`
	Value    float64  `json:"value"`
	Attempts int      `json:"attempts"`
}
