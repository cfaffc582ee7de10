package credentials

import (
	"context"
	"sync"
	"testing"
	"time"

	"ledger/cmd/internal/creds"
	"ledger/cmd/internal/retry"
)

type step struct {
	status creds.BatchStatus
	err    error
}

// scripted returns steps in order, repeating the last one.
type scripted struct {
	mu    sync.Mutex
	steps []step
	calls int
	gate  chan struct{}
}

func (s *scripted) Process(ctx context.Context, _ creds.Trigger) (creds.BatchStatus, error) {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return creds.StatusNone, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	i := min(s.calls, len(s.steps)-1)
	s.calls++
	return s.steps[i].status, s.steps[i].err
}

type sleepLog struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (l *sleepLog) sleep(ctx context.Context, d time.Duration) error {
	l.mu.Lock()
	l.delays = append(l.delays, d)
	l.mu.Unlock()
	return ctx.Err()
}

func testPolicy() retry.Policy {
	return retry.Policy{Initial: 10 * time.Millisecond, Multiplier: 2, Max: time.Second, Short: 3 * time.Millisecond}
}

func waitJob(t *testing.T, j *Job) {
	t.Helper()
	select {
	case <-j.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("job did not finish")
	}
}

func retryErr() error {
	return creds.OpError{Op: "test", Kind: creds.ErrRetry}
}

func TestScheduler_RetriesUntilFinished(t *testing.T) {
	t.Parallel()

	proc := &scripted{steps: []step{
		{creds.StatusBlinded, retryErr()},
		{creds.StatusClaimed, creds.OpError{Op: "test", Kind: creds.ErrRetryShort}},
		{creds.StatusBlinded, retryErr()},
		{creds.StatusFinished, nil},
	}}
	sl := &sleepLog{}
	s := NewScheduler(proc, testPolicy(), WithSleep(sl.sleep))
	t.Cleanup(s.Close)

	j, err := s.Start(promo("promo-1", 2))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitJob(t, j)

	if j.Err() != nil || j.Status() != creds.StatusFinished || j.Attempts() != 4 {
		t.Fatalf("job err=%v status=%v attempts=%d", j.Err(), j.Status(), j.Attempts())
	}
	if len(sl.delays) != 3 {
		t.Fatalf("delays=%v want 3", sl.delays)
	}
	if sl.delays[1] != testPolicy().Short {
		t.Fatalf("short delay=%v want=%v", sl.delays[1], testPolicy().Short)
	}
	// Both Retry outcomes were claim-class: the second waits at least as long.
	if sl.delays[2] < sl.delays[0] || sl.delays[0] <= 0 || sl.delays[2] > time.Second {
		t.Fatalf("claim delays not monotonic: %v", sl.delays)
	}
	if s.Active() != 0 {
		t.Fatalf("active=%d want=0", s.Active())
	}
}

func TestScheduler_StopsOnPermanentError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want creds.Result
	}{
		{"ledger", creds.OpError{Op: "test", Kind: creds.ErrLedger}, creds.ResultLedgerError},
		{"not found", creds.OpError{Op: "test", Kind: creds.ErrNotFound}, creds.ResultNotFound},
		{"corrupted", creds.OpError{Op: "test", Kind: creds.ErrCorrupted}, creds.ResultCorrupted},
		{"failed", creds.OpError{Op: "test", Kind: creds.ErrFailed}, creds.ResultFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			proc := &scripted{steps: []step{{creds.StatusSigned, tc.err}}}
			sl := &sleepLog{}
			s := NewScheduler(proc, testPolicy(), WithSleep(sl.sleep))
			t.Cleanup(s.Close)

			j, err := s.Start(promo("promo-1", 2))
			if err != nil {
				t.Fatalf("Start: %v", err)
			}
			waitJob(t, j)
			if got := creds.ResultOf(j.Err()); got != tc.want || j.Attempts() != 1 || len(sl.delays) != 0 {
				t.Fatalf("result=%v attempts=%d delays=%v want=%v,1,none", got, j.Attempts(), sl.delays, tc.want)
			}
		})
	}
}

func TestScheduler_DuplicateStartReturnsSameJob(t *testing.T) {
	t.Parallel()

	proc := &scripted{steps: []step{{creds.StatusFinished, nil}}, gate: make(chan struct{})}
	s := NewScheduler(proc, testPolicy())
	t.Cleanup(s.Close)

	trig := promo("promo-1", 2)
	j1, err := s.Start(trig)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	j2, err := s.Start(trig)
	if err != nil {
		t.Fatalf("Start again: %v", err)
	}
	if j1 != j2 {
		t.Fatalf("duplicate Start returned a new job")
	}
	other, err := s.Start(promo("promo-2", 2))
	if err != nil {
		t.Fatalf("Start other: %v", err)
	}
	if other == j1 {
		t.Fatalf("different trigger shared a job")
	}

	close(proc.gate)
	waitJob(t, j1)
	waitJob(t, other)
	if j1.Err() != nil {
		t.Fatalf("job err=%v", j1.Err())
	}
}

func TestScheduler_CloseStopsJobs(t *testing.T) {
	t.Parallel()

	proc := &scripted{steps: []step{{creds.StatusBlinded, retryErr()}}}
	p := testPolicy()
	p.Initial, p.Max = time.Hour, time.Hour
	s := NewScheduler(proc, p)

	j, err := s.Start(promo("promo-1", 2))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Close()
	waitJob(t, j)
	if !creds.IsTransient(j.Err()) || j.Status() != creds.StatusBlinded {
		t.Fatalf("job err=%v status=%v", j.Err(), j.Status())
	}
	if _, err := s.Start(promo("promo-2", 2)); err != ErrSchedulerClosed {
		t.Fatalf("Start after Close: err=%v want=%v", err, ErrSchedulerClosed)
	}
}

func TestScheduler_RejectsInvalidTrigger(t *testing.T) {
	t.Parallel()

	s := NewScheduler(&scripted{steps: []step{{}}}, testPolicy())
	t.Cleanup(s.Close)
	if _, err := s.Start(creds.Trigger{Type: creds.TriggerPromotion, Size: 1}); !creds.IsInvalid(err) {
		t.Fatalf("err=%v want invalid input", err)
	}
}

func TestClassFor(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status creds.BatchStatus
		want   retry.Class
	}{
		{creds.StatusNone, retry.ClassClaim},
		{creds.StatusBlinded, retry.ClassClaim},
		{creds.StatusClaimed, retry.ClassFetch},
		{creds.StatusSigned, retry.ClassFetch},
	}
	for _, tc := range cases {
		if got := classFor(tc.status); got != tc.want {
			t.Fatalf("classFor(%v)=%v want=%v", tc.status, got, tc.want)
		}
	}
}

func TestScheduler_RetryHook(t *testing.T) {
	t.Parallel()

	proc := &scripted{steps: []step{
		{creds.StatusBlinded, retryErr()},
		{creds.StatusSigned, retryErr()},
		{creds.StatusFinished, nil},
	}}
	var (
		mu      sync.Mutex
		classes []retry.Class
	)
	hook := func(c retry.Class, d time.Duration) {
		mu.Lock()
		classes = append(classes, c)
		mu.Unlock()
	}
	sl := &sleepLog{}
	s := NewScheduler(proc, testPolicy(), WithSleep(sl.sleep), WithRetryHook(hook))
	t.Cleanup(s.Close)

	j, err := s.Start(promo("promo-hook", 2))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitJob(t, j)

	mu.Lock()
	defer mu.Unlock()
	if len(classes) != 2 || classes[0] != retry.ClassClaim || classes[1] != retry.ClassFetch {
		t.Fatalf("classes=%v want=[claim fetch]", classes)
	}
}
