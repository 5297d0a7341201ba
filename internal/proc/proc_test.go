package proc

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logx "taskd/pkg/logx"
)

// stepper counts Serve calls and records lifecycle callbacks.
type stepper struct {
	name       string
	serves     atomic.Int64
	reloads    atomic.Int64
	reaps      atomic.Int64
	terminated atomic.Bool
	aborted    atomic.Bool
	stopAfter  int64 // Serve returns ErrStop at this call once terminated
	fail       error
}

func (s *stepper) Name() string { return s.name }

func (s *stepper) Serve(ctx context.Context) error {
	n := s.serves.Add(1)
	if s.fail != nil {
		return s.fail
	}
	if s.terminated.Load() && n >= s.stopAfter {
		return ErrStop
	}
	time.Sleep(time.Millisecond)
	return nil
}

func (s *stepper) Reload(ctx context.Context) error { s.reloads.Add(1); return nil }
func (s *stepper) Reap(ctx context.Context)         { s.reaps.Add(1) }
func (s *stepper) Terminate(ctx context.Context)    { s.terminated.Store(true) }
func (s *stepper) Abort(ctx context.Context)        { s.aborted.Store(true) }

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestRunnerHandlesSignals(t *testing.T) {
	t.Parallel()
	c := &stepper{name: "s"}
	r := NewRunner(c)
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(context.Background()) }()

	waitFor(t, "first serve", func() bool { return c.serves.Load() > 0 })
	r.Hangup()
	waitFor(t, "reload", func() bool { return c.reloads.Load() == 1 })
	r.ChildExited()
	waitFor(t, "reap", func() bool { return c.reaps.Load() == 1 })

	r.Terminate()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop after terminate")
	}
	if !c.terminated.Load() || !r.Stopping() {
		t.Fatal("terminate was not delivered")
	}
}

func TestRunnerOrphanSuicide(t *testing.T) {
	t.Parallel()
	var alive atomic.Bool
	alive.Store(true)
	c := &stepper{name: "child"}
	r := NewRunner(c, WithParentCheck(alive.Load))
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(context.Background()) }()

	waitFor(t, "serve", func() bool { return c.serves.Load() > 0 })
	alive.Store(false)
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrOrphaned) {
			t.Fatalf("expected ErrOrphaned, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("orphaned runner kept running")
	}
}

func TestRunnerAbort(t *testing.T) {
	t.Parallel()
	c := &stepper{name: "a"}
	r := NewRunner(c)
	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()
	waitFor(t, "serve", func() bool { return c.serves.Load() > 0 })
	r.Abort()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !c.aborted.Load() {
		t.Fatal("Abort not called")
	}
}

func TestSetDetectsUnexpectedDeath(t *testing.T) {
	t.Parallel()
	s := NewSet(context.Background(), logx.Nop())
	boom := errors.New("boom")
	s.Add(NewRunner(&stepper{name: "ok"}))
	s.Add(NewRunner(&stepper{name: "bad", fail: boom}))
	s.Start()

	err := s.Watch(context.Background(), 10*time.Millisecond)
	var ue *UnexpectedExitError
	if !errors.As(err, &ue) || ue.Name != "bad" || !errors.Is(err, boom) {
		t.Fatalf("expected unexpected exit of bad, got %v", err)
	}
	if err := s.Shutdown(context.Background(), time.Second); !errors.Is(err, boom) {
		t.Fatalf("Shutdown should report the first failure, got %v", err)
	}
}

type stubborn struct{ stepper }

// Terminate is ignored so only an abort stops it.
func (s *stubborn) Terminate(ctx context.Context) {}

func TestSetShutdownForcesStragglers(t *testing.T) {
	t.Parallel()
	s := NewSet(context.Background(), logx.Nop())
	polite := &stepper{name: "polite", stopAfter: 0}
	rude := &stubborn{stepper: stepper{name: "rude"}}
	s.Add(NewRunner(polite))
	s.Add(NewRunner(rude))
	s.Start()
	waitFor(t, "serve", func() bool { return rude.serves.Load() > 0 && polite.serves.Load() > 0 })

	if err := s.Shutdown(context.Background(), 50*time.Millisecond); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !polite.terminated.Load() || polite.aborted.Load() {
		t.Fatal("polite component should stop on terminate alone")
	}
	if !rude.aborted.Load() {
		t.Fatal("straggler should be aborted after the grace period")
	}
	if err := s.Check(); err != nil {
		t.Fatalf("Check after shutdown: %v", err)
	}
}

func TestSupervisorRecoversPanics(t *testing.T) {
	t.Parallel()
	sup := NewSupervisor(context.Background())
	sup.Go("panicky", func(ctx context.Context) error { panic("nope") })
	if err := sup.Wait(context.Background()); err == nil {
		t.Fatal("panic should surface as an error")
	}

	var runs atomic.Int64
	sup2 := NewSupervisor(context.Background())
	sup2.GoRestart("flaky", time.Millisecond, time.Millisecond, func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("again")
		}
		return nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sup2.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if runs.Load() != 3 {
		t.Fatalf("runs = %d, want 3", runs.Load())
	}
	var flaky LoopStats
	for _, st := range sup2.Snapshot() {
		if st.Name == "flaky" {
			flaky = st
		}
	}
	if flaky.Restarts != 2 {
		t.Fatalf("restarts = %d, want 2", flaky.Restarts)
	}
}

func TestTerminateBeforeRunIsKept(t *testing.T) {
	t.Parallel()
	c := &stepper{name: "early"}
	r := NewRunner(c)
	r.Terminate()

	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(context.Background()) }()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("terminate recorded before Run was lost")
	}
	if !c.terminated.Load() {
		t.Fatal("component never saw terminate")
	}
}

func TestSetTerminateRightAfterStart(t *testing.T) {
	t.Parallel()
	set := NewSet(context.Background(), logx.Nop())
	a, b := &stepper{name: "a"}, &stepper{name: "b"}
	set.Add(NewRunner(a))
	set.Add(NewRunner(b))
	set.Start()
	set.Terminate()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := set.Watch(ctx, 5*time.Millisecond); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	for _, r := range set.Runners() {
		select {
		case <-r.Done():
		default:
			t.Fatalf("runner %s still running after terminate", r.Name())
		}
	}
	if !a.terminated.Load() || !b.terminated.Load() {
		t.Fatal("terminate did not reach every runner")
	}
}
