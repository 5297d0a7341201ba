package proc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	logx "taskd/pkg/logx"
)

// UnexpectedExitError reports a component that stopped while the set was
// not shutting down.
type UnexpectedExitError struct {
	Name string
	Err  error
}

func (e *UnexpectedExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("component %s died: %v", e.Name, e.Err)
	}
	return fmt.Sprintf("component %s exited unexpectedly", e.Name)
}

func (e *UnexpectedExitError) Unwrap() error { return e.Err }

// Set supervises a group of runners.
type Set struct {
	log logx.Logger
	sup *Supervisor

	mu      sync.Mutex
	runners []*Runner

	started  atomic.Bool
	stopping atomic.Bool
	exited   chan string
}

func NewSet(ctx context.Context, log logx.Logger) *Set {
	return &Set{
		log:    log.With(logx.String("comp", "proc.set")),
		sup:    NewSupervisor(ctx, WithLogger(log)),
		exited: make(chan string, 16),
	}
}

// Add registers a runner. Runners added after Start are started at once.
func (s *Set) Add(r *Runner) {
	s.mu.Lock()
	s.runners = append(s.runners, r)
	s.mu.Unlock()
	if s.started.Load() {
		s.start(r)
	}
}

func (s *Set) Runners() []*Runner {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Runner(nil), s.runners...)
}

// Start launches every registered runner.
func (s *Set) Start() {
	if s.started.Swap(true) {
		return
	}
	for _, r := range s.Runners() {
		s.start(r)
	}
}

func (s *Set) start(r *Runner) {
	s.sup.Go(r.Name(), func(ctx context.Context) error {
		defer func() {
			select {
			case s.exited <- r.Name():
			default:
			}
		}()
		return r.Run(ctx)
	})
}

// Hangup broadcasts a hang-up to every runner.
func (s *Set) Hangup() {
	for _, r := range s.Runners() {
		r.Hangup()
	}
}

// ChildExited broadcasts a child-exit signal to every runner.
func (s *Set) ChildExited() {
	for _, r := range s.Runners() {
		r.ChildExited()
	}
}

// Terminate asks every runner to stop gracefully.
func (s *Set) Terminate() {
	s.stopping.Store(true)
	for _, r := range s.Runners() {
		r.Terminate()
	}
}

// Abort asks every runner to abort.
func (s *Set) Abort() {
	s.stopping.Store(true)
	for _, r := range s.Runners() {
		r.Abort()
	}
}

// Check returns an error if a runner exited while the set was running.
func (s *Set) Check() error {
	if s.stopping.Load() {
		return nil
	}
	for _, r := range s.Runners() {
		select {
		case <-r.Done():
		default:
			continue
		}
		if r.Stopping() && r.Err() == nil {
			continue
		}
		return &UnexpectedExitError{Name: r.Name(), Err: r.Err()}
	}
	return nil
}

// Watch checks liveness every interval and as soon as a runner exits. It
// returns nil once every runner is done, or the first unexpected death.
func (s *Set) Watch(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if err := s.Check(); err != nil {
			return err
		}
		if s.allDone() {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		case <-s.exited:
		}
	}
}

func (s *Set) allDone() bool {
	rs := s.Runners()
	if len(rs) == 0 {
		return false
	}
	for _, r := range rs {
		select {
		case <-r.Done():
		default:
			return false
		}
	}
	return true
}

// Shutdown terminates every runner, waits up to grace, then aborts and
// cancels whatever is left. It returns the first runner error, if any.
func (s *Set) Shutdown(ctx context.Context, grace time.Duration) error {
	s.Terminate()

	wctx, cancel := context.WithTimeout(ctx, grace)
	err := s.sup.Wait(wctx)
	cancel()
	if err == nil || !isTimeout(err) {
		return err
	}

	for _, r := range s.Runners() {
		select {
		case <-r.Done():
		default:
			s.log.Warn("force stopping component", logx.String("name", r.Name()))
			r.Abort()
		}
	}
	fctx, fcancel := context.WithTimeout(ctx, 2*time.Second)
	defer fcancel()
	if err := s.sup.Wait(fctx); err == nil || !isTimeout(err) {
		return err
	}
	s.sup.Cancel()
	return s.sup.Wait(ctx)
}

// Snapshot returns supervisor stats of the hosted runners.
func (s *Set) Snapshot() []LoopStats { return s.sup.Snapshot() }

func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
