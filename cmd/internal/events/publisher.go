package events

import (
	"encoding/json"
	"time"

	"ledger/cmd/identity/ids"
	"ledger/cmd/internal/credentials"
	"ledger/cmd/internal/creds"
	"ledger/cmd/internal/redeem"
	v1 "ledger/shared/contracts/events/v1"
)

// Publisher turns pipeline and redemption callbacks into hub broadcasts.
type Publisher struct {
	hub *Hub
	now func() time.Time
}

var (
	_ credentials.Observer = (*Publisher)(nil)
	_ redeem.Observer      = (*Publisher)(nil)
)

// NewPublisher returns a Publisher broadcasting on hub.
func NewPublisher(hub *Hub) *Publisher {
	return &Publisher{hub: hub, now: func() time.Time { return time.Now().UTC() }}
}

func (p *Publisher) StageDone(t creds.Trigger, from, to creds.BatchStatus) {
	p.publish(v1.TypeBatchStatus, string(t.Type), v1.BatchStatusPayload{
		TriggerID:   t.ID,
		TriggerType: string(t.Type),
		From:        from.String(),
		Status:      to.String(),
	})
}

func (p *Publisher) StageFailed(t creds.Trigger, at, status creds.BatchStatus, err error) {
	p.publish(v1.TypeBatchStatus, string(t.Type), v1.BatchStatusPayload{
		TriggerID:   t.ID,
		TriggerType: string(t.Type),
		From:        at.String(),
		Status:      status.String(),
		Result:      creds.ResultOf(err).String(),
	})
}

func (p *Publisher) TokensAdded(t creds.Trigger, credsID string, n int, value float64) {
	if n == 0 {
		return
	}
	p.publish(v1.TypeTokensAdded, string(t.Type), v1.TokensAddedPayload{
		TriggerID:   t.ID,
		TriggerType: string(t.Type),
		CredsID:     credsID,
		Count:       n,
		Value:       float64(n) * value,
	})
}

func (p *Publisher) Redeemed(r redeem.Receipt) {
	p.publish(v1.TypeTokensSpent, "", v1.TokensSpentPayload{
		RedeemID:   r.RedeemID,
		RedeemType: string(r.Type),
		Count:      len(r.TokenIDs),
		Value:      r.Value,
	})
}

// RedeemFailed is not published; callers get the error directly.
func (p *Publisher) RedeemFailed(creds.RedeemType, error) {}

func (p *Publisher) publish(typ, triggerType string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		p.hub.log.Error("events.publish.marshal_fail", "type", typ, "err", err)
		return
	}
	p.hub.Broadcast(newEnvelope(typ, raw, p.now()), triggerType)
}

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	id, _ := ids.NewULID(ts)
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      ts,
		Payload: payload,
	}
}
