package credentials

import "ledger/cmd/internal/creds"

// Observer is told about pipeline progress. Calls happen on the pipeline
// goroutine and must not block.
//
// StageFailed gets the stage that failed and the status persisted afterwards,
// which differs after a reset.
type Observer interface {
	StageDone(t creds.Trigger, from, to creds.BatchStatus)
	StageFailed(t creds.Trigger, at, status creds.BatchStatus, err error)
	TokensAdded(t creds.Trigger, credsID string, n int, value float64)
}

type observers []Observer

func (os observers) stageDone(t creds.Trigger, from, to creds.BatchStatus) {
	for _, o := range os {
		o.StageDone(t, from, to)
	}
}

func (os observers) stageFailed(t creds.Trigger, at, status creds.BatchStatus, err error) {
	for _, o := range os {
		o.StageFailed(t, at, status, err)
	}
}

func (os observers) tokensAdded(t creds.Trigger, credsID string, n int, value float64) {
	for _, o := range os {
		o.TokensAdded(t, credsID, n, value)
	}
}
