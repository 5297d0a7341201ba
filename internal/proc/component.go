package proc

import (
	"context"
	"errors"
)

// ErrStop is returned by Serve to end the runner loop cleanly.
var ErrStop = errors.New("proc: stop")

// ErrOrphaned is returned when the parent process went away.
var ErrOrphaned = errors.New("proc: parent process died")

// Component is one single-step service. Serve must return within a bounded
// time so the runner can react to signals.
type Component interface {
	Name() string
	Serve(ctx context.Context) error
}

// Reloader is called on hang-up.
type Reloader interface {
	Reload(ctx context.Context) error
}

// Terminator is called once on the first terminate signal. The component
// keeps being served until Serve returns ErrStop. Components without it stop
// immediately.
type Terminator interface {
	Terminate(ctx context.Context)
}

// Aborter is called on abort; the runner exits right after.
type Aborter interface {
	Abort(ctx context.Context)
}

// Reaper is called when a child-exit signal was recorded.
type Reaper interface {
	Reap(ctx context.Context)
}

// Checker reports an unexpected death among supervised components.
type Checker interface {
	Check() error
}
