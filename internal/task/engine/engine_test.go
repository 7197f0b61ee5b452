package engine

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"promobot/internal/eventbus"
	logx "promobot/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) *Service {
	t.Helper()
	s := New(cfg, logx.Nop(), eventbus.New())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitResult(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for task result")
		return Result{}
	}
}

func fastRetry() TaskOptions {
	return TaskOptions{RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond}
}

func TestRetriesUntilSuccess(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, RetryMax: 2})
	var calls atomic.Int32
	done := make(chan Result, 1)
	err := s.Enqueue(Task{
		Name: "flaky",
		Opt:  fastRetry(),
		Run: func(ctx context.Context) error {
			if calls.Add(1) < 3 {
				return errors.New("not yet")
			}
			return nil
		},
		OnFinish: func(r Result) { done <- r },
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	r := waitResult(t, done)
	if r.Err != nil || r.Attempts != 3 {
		t.Fatalf("result = %+v", r)
	}
}

func TestNoRetryStopsImmediately(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, RetryMax: 5})
	perm := errors.New("permanent")
	done := make(chan Result, 1)
	_ = s.Enqueue(Task{
		Name:     "perm",
		Opt:      fastRetry(),
		Run:      func(ctx context.Context) error { return NoRetry(perm) },
		OnFinish: func(r Result) { done <- r },
	})
	r := waitResult(t, done)
	if !errors.Is(r.Err, perm) || r.Attempts != 1 {
		t.Fatalf("result = %+v", r)
	}
}

func TestDistinctErrorsTrip(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1})
	var calls atomic.Int32
	done := make(chan Result, 1)
	opt := fastRetry()
	opt.RetryMax = 4
	opt.MaxDistinctErrors = 2
	_ = s.Enqueue(Task{
		Name: "mixed",
		Opt:  opt,
		Run: func(ctx context.Context) error {
			if calls.Add(1) == 1 {
				return errors.New("db down")
			}
			return errors.New("gateway down")
		},
		OnFinish: func(r Result) { done <- r },
	})
	r := waitResult(t, done)
	if !errors.Is(r.Err, ErrDistinctErrors) || r.Attempts != 2 {
		t.Fatalf("result = %+v", r)
	}
}

func TestSameErrorDoesNotTripDistinct(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1})
	done := make(chan Result, 1)
	opt := fastRetry()
	opt.RetryMax = 2
	opt.MaxDistinctErrors = 2
	_ = s.Enqueue(Task{
		Name:     "same",
		Opt:      opt,
		Run:      func(ctx context.Context) error { return errors.New("timeout") },
		OnFinish: func(r Result) { done <- r },
	})
	r := waitResult(t, done)
	if errors.Is(r.Err, ErrDistinctErrors) || r.Attempts != 3 {
		t.Fatalf("result = %+v", r)
	}
}

func TestAttemptTimeout(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1})
	done := make(chan Result, 1)
	opt := fastRetry()
	opt.RetryMax = -1
	_ = s.Enqueue(Task{
		Name:    "slow",
		Timeout: 20 * time.Millisecond,
		Opt:     opt,
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		OnFinish: func(r Result) { done <- r },
	})
	r := waitResult(t, done)
	if !errors.Is(r.Err, context.DeadlineExceeded) || r.Attempts != 1 {
		t.Fatalf("result = %+v", r)
	}
}

func TestPanicBecomesError(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1})
	done := make(chan Result, 1)
	opt := fastRetry()
	opt.RetryMax = -1
	_ = s.Enqueue(Task{
		Name:     "panics",
		Opt:      opt,
		Run:      func(ctx context.Context) error { panic("kaboom") },
		OnFinish: func(r Result) { done <- r },
	})
	if r := waitResult(t, done); r.Err == nil {
		t.Fatalf("expected panic error")
	}
}

func TestOverlapSkip(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1})
	release := make(chan struct{})
	done := make(chan Result, 1)
	first := Task{
		Name:     "deliver:c1",
		Opt:      TaskOptions{Overlap: OverlapSkipIfRunning},
		Run:      func(ctx context.Context) error { <-release; return nil },
		OnFinish: func(r Result) { done <- r },
	}
	if err := s.Enqueue(first); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if !s.Busy("deliver:c1") {
		t.Fatalf("expected key to be busy")
	}
	second := first
	second.OnFinish = nil
	if err := s.Enqueue(second); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("second enqueue err = %v", err)
	}
	close(release)
	waitResult(t, done)
	deadline := time.Now().Add(time.Second)
	for s.Busy("deliver:c1") && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if s.Busy("deliver:c1") {
		t.Fatalf("overlap gate not released")
	}
}

func TestRestartFinishesBufferedTasks(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, QueueSize: 4})
	started := make(chan struct{})
	first := make(chan Result, 1)
	second := make(chan Result, 1)
	err := s.Enqueue(Task{
		Name: "deliver:c1",
		Opt:  TaskOptions{Overlap: OverlapSkipIfRunning},
		Run: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		},
		OnFinish: func(r Result) { first <- r },
	})
	if err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	<-started
	err = s.Enqueue(Task{
		Name:     "deliver:c2",
		Opt:      TaskOptions{Overlap: OverlapSkipIfRunning},
		Run:      func(ctx context.Context) error { return nil },
		OnFinish: func(r Result) { second <- r },
	})
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Apply(ctx, Config{Workers: 2, QueueSize: 4})

	waitResult(t, first)
	if r := waitResult(t, second); !errors.Is(r.Err, ErrStopping) {
		t.Fatalf("buffered task result = %+v, want ErrStopping", r)
	}
	if s.Busy("deliver:c2") {
		t.Fatalf("overlap gate of drained task not released")
	}
	if got := s.Snapshot().Workers; got != 2 {
		t.Fatalf("workers after restart = %d", got)
	}
}

func TestEnqueueWhenStopped(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop(), nil)
	err := s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }})
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v", err)
	}
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()
	opt := TaskOptions{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second, RetryJitter: 0.2}
	rng := rand.New(rand.NewSource(1))
	for retry := 1; retry <= 6; retry++ {
		d := backoffDelay(opt, retry, rng)
		base := 100 * time.Millisecond << (retry - 1)
		if base > time.Second {
			base = time.Second
		}
		lo := time.Duration(float64(base) * 0.8)
		if d < lo || d > time.Second {
			t.Fatalf("retry %d: delay %v outside [%v, 1s]", retry, d, lo)
		}
	}
	hinted := backoffDelayWithHint(opt, 1, RetryAfter(errors.New("429"), 5*time.Second), rng)
	if hinted > time.Second {
		t.Fatalf("hint should be capped, got %v", hinted)
	}
}
