package credentials

import (
	"context"
	"sync"
	"testing"

	"ledger/cmd/internal/creds"
	"ledger/cmd/internal/store/memstore"
	"ledger/cmd/internal/store/storetest"
)

type fakeStarter struct {
	mu       sync.Mutex
	triggers []creds.Trigger
	jobs     []*Job
}

func (f *fakeStarter) Start(t creds.Trigger) (*Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := &Job{trigger: t, done: make(chan struct{})}
	f.triggers = append(f.triggers, t)
	f.jobs = append(f.jobs, j)
	return j, nil
}

func TestRefiller_Check(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := memstore.New()
	if err := st.AddTokens(ctx, storetest.NewTokens(t, 3, creds.TriggerAdGrant, 0.1)); err != nil {
		t.Fatalf("AddTokens: %v", err)
	}
	// Other trigger types do not count toward the pool.
	if err := st.AddTokens(ctx, storetest.NewTokens(t, 20, creds.TriggerPromotion, 1)); err != nil {
		t.Fatalf("AddTokens: %v", err)
	}

	starter := &fakeStarter{}
	r := NewRefiller(st, st, starter, RefillConfig{Min: 5, Target: 10, TokenValue: 0.1}, nil)

	job, err := r.Check(ctx)
	if err != nil || job == nil {
		t.Fatalf("Check: job=%v err=%v", job, err)
	}
	got := job.Trigger()
	if got.Type != creds.TriggerAdGrant || got.Size != 7 || got.ID == "" {
		t.Fatalf("trigger=%+v want ad grant of 7", got)
	}
	if diff := got.Value - 0.7; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("value=%v want=0.7", got.Value)
	}

	// In flight: no second refill.
	again, err := r.Check(ctx)
	if err != nil || again != job || len(starter.triggers) != 1 {
		t.Fatalf("Check in flight: same=%v err=%v starts=%d", again == job, err, len(starter.triggers))
	}

	close(job.done)
	next, err := r.Check(ctx)
	if err != nil || next == nil || next == job || len(starter.triggers) != 2 {
		t.Fatalf("Check after done: job=%v err=%v starts=%d", next, err, len(starter.triggers))
	}
	if starter.triggers[1].ID == starter.triggers[0].ID {
		t.Fatalf("refill reused trigger id %s", starter.triggers[0].ID)
	}
}

func TestRefiller_PoolFull(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := memstore.New()
	if err := st.AddTokens(ctx, storetest.NewTokens(t, 5, creds.TriggerAdGrant, 0.1)); err != nil {
		t.Fatalf("AddTokens: %v", err)
	}
	starter := &fakeStarter{}
	r := NewRefiller(st, st, starter, RefillConfig{Min: 5, Target: 10}, nil)

	job, err := r.Check(ctx)
	if err != nil || job != nil || len(starter.triggers) != 0 {
		t.Fatalf("Check: job=%v err=%v starts=%d want none", job, err, len(starter.triggers))
	}
}

func TestRefiller_ResumesUnfinishedBatch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := memstore.New()
	grant := creds.Key{ID: "refill-1", Type: creds.TriggerAdGrant}
	if err := st.Save(ctx, storetest.NewBatch(t, grant, 4)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := st.SaveClaimed(ctx, grant, "claim-1"); err != nil {
		t.Fatalf("SaveClaimed: %v", err)
	}
	// Only AdGrant batches belong to the refiller.
	if err := st.Save(ctx, storetest.NewBatch(t, creds.Key{ID: "promo-1", Type: creds.TriggerPromotion}, 2)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	starter := &fakeStarter{}
	r := NewRefiller(st, st, starter, RefillConfig{Min: 5, Target: 10, TokenValue: 0.1}, nil)

	job, err := r.Check(ctx)
	if err != nil || job == nil {
		t.Fatalf("Check: job=%v err=%v", job, err)
	}
	got := job.Trigger()
	if got.ID != "refill-1" || got.Type != creds.TriggerAdGrant || got.Size != 4 {
		t.Fatalf("trigger=%+v want refill-1 of 4", got)
	}
	if diff := got.Value - 0.4; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("value=%v want=0.4", got.Value)
	}

	// A transient failure leaves the batch to be resumed again.
	job.err = creds.OpError{Op: "test", Kind: creds.ErrRetry}
	close(job.done)
	again, err := r.Check(ctx)
	if err != nil || again == nil || again.Trigger().ID != "refill-1" {
		t.Fatalf("Check after transient failure: job=%v err=%v want refill-1", again, err)
	}

	// A permanent failure gives the batch up and the pool check takes over.
	again.err = creds.OpError{Op: "test", Kind: creds.ErrFailed}
	close(again.done)
	next, err := r.Check(ctx)
	if err != nil || next == nil {
		t.Fatalf("Check after permanent failure: job=%v err=%v", next, err)
	}
	if got := next.Trigger(); got.ID == "refill-1" || got.Size != 10 {
		t.Fatalf("trigger=%+v want a fresh refill of 10", got)
	}
	if len(starter.triggers) != 3 {
		t.Fatalf("starts=%d want=3", len(starter.triggers))
	}
}

func TestRefillConfig_Validate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		cfg RefillConfig
		ok  bool
	}{
		{RefillConfig{Min: 0, Target: 0}, true},
		{RefillConfig{Min: 10, Target: 50, TokenValue: 0.05}, true},
		{RefillConfig{Min: -1, Target: 5}, false},
		{RefillConfig{Min: 10, Target: 5}, false},
		{RefillConfig{Min: 1, Target: creds.MaxBatchSize + 1}, false},
		{RefillConfig{Min: 1, Target: 2, TokenValue: -1}, false},
	}
	for _, tc := range cases {
		if err := tc.cfg.Validate(); (err == nil) != tc.ok {
			t.Fatalf("Validate(%+v) err=%v want ok=%v", tc.cfg, err, tc.ok)
		}
	}
}
