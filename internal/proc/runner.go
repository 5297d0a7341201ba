package proc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	logx "taskd/pkg/logx"
)

type Runner struct {
	comp        Component
	log         logx.Logger
	parentAlive func() bool
	checker     Checker

	chld  atomic.Bool
	hup   atomic.Bool
	term  atomic.Bool
	abort atomic.Bool

	terminated atomic.Bool
	aborted    atomic.Bool

	done     chan struct{}
	doneOnce sync.Once
	mu       sync.Mutex
	err      error
}

type RunnerOption func(*Runner)

func WithRunnerLogger(log logx.Logger) RunnerOption {
	return func(r *Runner) { r.log = log }
}

// WithParentCheck makes the runner exit with ErrOrphaned once alive
// reports false.
func WithParentCheck(alive func() bool) RunnerOption {
	return func(r *Runner) { r.parentAlive = alive }
}

// WithChecker consults c after every recorded child exit.
func WithChecker(c Checker) RunnerOption {
	return func(r *Runner) { r.checker = c }
}

func NewRunner(c Component, opts ...RunnerOption) *Runner {
	r := &Runner{comp: c, done: make(chan struct{})}
	for _, o := range opts {
		o(r)
	}
	r.log = r.log.With(logx.String("comp", c.Name()))
	return r
}

func (r *Runner) Name() string { return r.comp.Name() }

// ChildExited records a child-exit signal.
func (r *Runner) ChildExited() { r.chld.Store(true) }

// Hangup records a hang-up signal.
func (r *Runner) Hangup() { r.hup.Store(true) }

// Terminate records a terminate signal.
func (r *Runner) Terminate() { r.term.Store(true) }

// Abort records an abort signal.
func (r *Runner) Abort() { r.abort.Store(true) }

// Done is closed when Run returns.
func (r *Runner) Done() <-chan struct{} { return r.done }

// Err is the error Run returned, valid after Done is closed.
func (r *Runner) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Stopping reports whether the runner was asked to terminate or abort.
func (r *Runner) Stopping() bool { return r.terminated.Load() || r.aborted.Load() }

// Run drives the component until it stops, ctx is done or a fatal error
// occurs. Signals recorded between NewRunner and Run are acted on by the
// first iteration.
func (r *Runner) Run(ctx context.Context) (err error) {
	defer func() {
		r.mu.Lock()
		r.err = err
		r.mu.Unlock()
		r.doneOnce.Do(func() { close(r.done) })
	}()

	r.log.Debug("runner started")
	for {
		if ctx.Err() != nil {
			return nil
		}
		if r.parentAlive != nil && !r.parentAlive() {
			r.log.Error("parent process died, exiting")
			return ErrOrphaned
		}
		if r.chld.Swap(false) {
			if rp, ok := r.comp.(Reaper); ok {
				rp.Reap(ctx)
			}
			if r.checker != nil {
				if err := r.checker.Check(); err != nil {
					return err
				}
			}
		}
		if r.hup.Swap(false) {
			if rl, ok := r.comp.(Reloader); ok {
				if err := rl.Reload(ctx); err != nil {
					r.log.Warn("reload failed", logx.Err(err))
				} else {
					r.log.Info("reloaded")
				}
			}
		}
		if r.abort.Swap(false) {
			r.aborted.Store(true)
			if a, ok := r.comp.(Aborter); ok {
				a.Abort(ctx)
			}
			r.log.Warn("aborted")
			return nil
		}
		if r.term.Swap(false) && !r.terminated.Swap(true) {
			t, ok := r.comp.(Terminator)
			if !ok {
				return nil
			}
			r.log.Info("terminating")
			t.Terminate(ctx)
		}

		if err := r.comp.Serve(ctx); err != nil {
			if errors.Is(err, ErrStop) {
				r.log.Debug("runner stopped")
				return nil
			}
			if ctx.Err() != nil && errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("%s: %w", r.comp.Name(), err)
		}
	}
}
