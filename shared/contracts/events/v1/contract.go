// Package v1 defines the ledger event stream protocol v1.
//
// The server pushes batch and token changes to subscribed websocket clients.
// Clients only send hello.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is embedded into every envelope.
const Version = "v1"

// Subprotocol is the websocket subprotocol clients must request.
const Subprotocol = "ledger.events.v1"

// Type constants (wire-stable).
const (
	// TypeHello subscribes the connection (client -> server).
	TypeHello = "hello"
	// TypeHelloAck confirms the subscription (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeBatchStatus reports a credential batch stage change or failure.
	TypeBatchStatus = "batch_status"
	// TypeTokensAdded reports tokens entering the token store.
	TypeTokensAdded = "tokens_added"
	// TypeTokensSpent reports a completed redemption.
	TypeTokensSpent = "tokens_spent"

	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	switch e.Type {
	case TypeHello, TypeHelloAck, TypeBatchStatus, TypeTokensAdded, TypeTokensSpent, TypeError:
		return nil
	case "":
		return errors.New("missing field: type")
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloPayload optionally narrows the subscription to some trigger types.
type HelloPayload struct {
	TriggerTypes []string `json:"trigger_types,omitempty"`
}

type HelloAckPayload struct {
	SessionID string `json:"session_id"`
}

// BatchStatusPayload carries the status a batch is persisted at. Result is set
// when a stage failed ("retry", "ledger_error", ...).
type BatchStatusPayload struct {
	TriggerID   string `json:"trigger_id"`
	TriggerType string `json:"trigger_type"`
	From        string `json:"from"`
	Status      string `json:"status"`
	Result      string `json:"result,omitempty"`
}

type TokensAddedPayload struct {
	TriggerID   string  `json:"trigger_id"`
	TriggerType string  `json:"trigger_type"`
	CredsID     string  `json:"creds_id"`
	Count       int     `json:"count"`
	Value       float64 `json:"value"`
}

type TokensSpentPayload struct {
	RedeemID   string  `json:"redeem_id"`
	RedeemType string  `json:"redeem_type"`
	Count      int     `json:"count"`
	Value      float64 `json:"value"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
