package proc

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	logx "taskd/pkg/logx"
)

// Supervisor runs named goroutines on a shared context with panic recovery.
// The first failure is recorded and, with WithCancelOnError, cancels the rest.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	active   atomic.Int64
	errOnce  sync.Once
	firstErr atomic.Value // error
	wg       sync.WaitGroup
	doneOnce sync.Once
	doneCh   chan struct{}

	mu    sync.Mutex
	loops map[string]*loopStats
}

type SupervisorOption func(*Supervisor)

// LoopStats is a best-effort view of goroutines started under one name.
type LoopStats struct {
	Name      string        `json:"name"`
	Active    int64         `json:"active"`
	Starts    uint64        `json:"starts"`
	Restarts  uint64        `json:"restarts"`
	Panics    uint64        `json:"panics"`
	LastErr   string        `json:"last_err,omitempty"`
	LastStart time.Time     `json:"last_start"`
	Runtime   time.Duration `json:"runtime"`
}

type loopStats struct {
	LoopStats
}

func WithLogger(log logx.Logger) SupervisorOption {
	return func(s *Supervisor) { s.log = log }
}

func WithCancelOnError(enabled bool) SupervisorOption {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func NewSupervisor(parent context.Context, opts ...SupervisorOption) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		doneCh: make(chan struct{}),
		loops:  map[string]*loopStats{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the shared context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

func (s *Supervisor) Active() int64 { return s.active.Load() }

func (s *Supervisor) Err() error {
	if err, ok := s.firstErr.Load().(error); ok {
		return err
	}
	return nil
}

// Snapshot returns per-name stats, active loops first.
func (s *Supervisor) Snapshot() []LoopStats {
	s.mu.Lock()
	out := make([]LoopStats, 0, len(s.loops))
	for _, st := range s.loops {
		out = append(out, st.LoopStats)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Active != out[j].Active {
			return out[i].Active > out[j].Active
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (s *Supervisor) stat(name string) *loopStats {
	st := s.loops[name]
	if st == nil {
		st = &loopStats{LoopStats: LoopStats{Name: name}}
		s.loops[name] = st
	}
	return st
}

func (s *Supervisor) noteStart(name string, restart bool) time.Time {
	now := time.Now()
	s.mu.Lock()
	st := s.stat(name)
	st.Starts++
	if restart {
		st.Restarts++
	}
	st.Active++
	st.LastStart = now
	s.mu.Unlock()
	return now
}

func (s *Supervisor) noteStop(name string, started time.Time, err error, panicked bool) {
	s.mu.Lock()
	st := s.stat(name)
	if st.Active > 0 {
		st.Active--
	}
	st.Runtime += time.Since(started)
	if panicked {
		st.Panics++
	}
	if err != nil {
		st.LastErr = err.Error()
	}
	s.mu.Unlock()
}

// run calls fn, converting a panic into an error.
func (s *Supervisor) run(name string, fn func(ctx context.Context) error) (err error, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic in %s: %v", name, r)
			panicked = true
		}
	}()
	return fn(s.ctx), false
}

// Go runs fn once. A non-nil error other than context.Canceled is recorded.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.active.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)

		started := s.noteStart(name, false)
		err, panicked := s.run(name, fn)
		if err != nil && !errors.Is(err, context.Canceled) {
			err = fmt.Errorf("%s: %w", name, err)
			s.fail(err)
		} else {
			err = nil
		}
		s.noteStop(name, started, err, panicked)
	}()
}

// GoRestart runs fn and restarts it with exponential backoff after an error
// or panic, until the context is canceled. A clean return stops it.
func (s *Supervisor) GoRestart(name string, minBackoff, maxBackoff time.Duration, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	if minBackoff <= 0 {
		minBackoff = 250 * time.Millisecond
	}
	if maxBackoff < minBackoff {
		maxBackoff = minBackoff
	}
	s.Go(name+".restart", func(ctx context.Context) error {
		backoff := minBackoff
		for restarts := 0; ; restarts++ {
			started := s.noteStart(name, restarts > 0)
			err, panicked := s.run(name, fn)
			if ctx.Err() != nil || err == nil || errors.Is(err, context.Canceled) {
				s.noteStop(name, started, nil, panicked)
				return nil
			}
			s.noteStop(name, started, err, panicked)

			if time.Since(started) >= 30*time.Second {
				backoff = minBackoff
			}
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", backoff), logx.Err(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	})
}

func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine returned or ctx is done.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.doneCh)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.doneCh:
		return s.Err()
	}
}

func (s *Supervisor) fail(err error) {
	s.errOnce.Do(func() { s.firstErr.Store(err) })
	if s.cancelOnErr {
		s.cancel()
	}
}
