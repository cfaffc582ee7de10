package credentials

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"ledger/cmd/identity/ids"
	"ledger/cmd/internal/creds"
)

// Starter starts background jobs. *Scheduler implements it.
type Starter interface {
	Start(t creds.Trigger) (*Job, error)
}

// RefillConfig sets the ad grant token pool bounds.
type RefillConfig struct {
	// Min is the unspent count below which a refill starts.
	Min int
	// Target is the unspent count a refill aims for.
	Target int
	// TokenValue is the value of one refilled token.
	TokenValue float64
}

// Validate checks 0 <= Min <= Target and Target <= creds.MaxBatchSize.
func (c RefillConfig) Validate() error {
	switch {
	case c.Min < 0 || c.Target < c.Min:
		return errors.New("credentials: refill needs 0 <= min <= target")
	case c.Target > creds.MaxBatchSize:
		return errors.New("credentials: refill target above max batch size")
	case c.TokenValue < 0:
		return errors.New("credentials: refill token value must not be negative")
	}
	return nil
}

// unfinished lists the batch stages a refill can be resumed from, in the order
// they are checked.
var unfinished = []creds.BatchStatus{
	creds.StatusSigned,
	creds.StatusClaimed,
	creds.StatusBlinded,
	creds.StatusNone,
}

// Refiller keeps the unspent AdGrant pool between Min and Target.
type Refiller struct {
	batches creds.BatchStore
	tokens  creds.TokenStore
	starter Starter
	cfg     RefillConfig
	log     *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	pending *Job
	// abandoned holds trigger ids whose resumed run ended in a permanent error.
	abandoned map[string]struct{}
}

// NewRefiller returns a Refiller. Callers validate cfg first.
func NewRefiller(batches creds.BatchStore, tokens creds.TokenStore, starter Starter, cfg RefillConfig, log *slog.Logger) *Refiller {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Refiller{
		batches:   batches,
		tokens:    tokens,
		starter:   starter,
		cfg:       cfg,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
		abandoned: make(map[string]struct{}),
	}
}

// Check resumes an unfinished AdGrant batch left by an earlier process, or else
// starts a refill when the pool is below Min. It returns the refill job, or nil
// when none is needed. A refill still in flight is returned as is.
func (r *Refiller) Check(ctx context.Context) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pending != nil {
		select {
		case <-r.pending.Done():
			if err := r.pending.Err(); err != nil && !creds.IsTransient(err) {
				r.abandoned[r.pending.Trigger().ID] = struct{}{}
			}
			r.pending = nil
		default:
			return r.pending, nil
		}
	}

	if b, ok, err := r.resumable(ctx); err != nil {
		return nil, err
	} else if ok {
		t := creds.Trigger{
			ID:    b.TriggerID,
			Type:  creds.TriggerAdGrant,
			Size:  b.Size,
			Value: float64(b.Size) * r.cfg.TokenValue,
		}
		job, err := r.starter.Start(t)
		if err != nil {
			return nil, err
		}
		r.pending = job
		r.log.Info("credentials.refill.resume", "trigger", t.Key().String(), "status", b.Status.String(), "size", b.Size)
		return job, nil
	}

	n, _, err := r.tokens.CountUnspent(ctx, creds.Selection{
		Now:          r.now(),
		TriggerTypes: []creds.TriggerType{creds.TriggerAdGrant},
	})
	if err != nil {
		return nil, err
	}
	if n >= r.cfg.Min {
		return nil, nil
	}

	size := r.cfg.Target - n
	t := creds.Trigger{
		ID:    ids.NewUUID(),
		Type:  creds.TriggerAdGrant,
		Size:  size,
		Value: float64(size) * r.cfg.TokenValue,
	}
	job, err := r.starter.Start(t)
	if err != nil {
		return nil, err
	}
	r.pending = job
	r.log.Info("credentials.refill.start", "trigger", t.Key().String(), "unspent", n, "size", size)
	return job, nil
}

// resumable returns the oldest unfinished AdGrant batch, most advanced stage
// first.
func (r *Refiller) resumable(ctx context.Context) (creds.CredsBatch, bool, error) {
	for _, status := range unfinished {
		bs, err := r.batches.ListByStatus(ctx, status)
		if err != nil {
			return creds.CredsBatch{}, false, err
		}
		for _, b := range bs {
			if b.TriggerType != creds.TriggerAdGrant || b.Size <= 0 {
				continue
			}
			if _, gone := r.abandoned[b.TriggerID]; gone {
				continue
			}
			return b, true, nil
		}
	}
	return creds.CredsBatch{}, false, nil
}

// Run calls Check every interval until ctx is done.
func (r *Refiller) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		if _, err := r.Check(ctx); err != nil {
			r.log.Warn("credentials.refill.fail", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
	}
}
