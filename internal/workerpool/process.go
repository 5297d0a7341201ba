package workerpool

import (
	"context"
	"time"

	"taskd/internal/task"
)

// Spawner starts one task execution.
type Spawner interface {
	Spawn(ctx context.Context, t task.Task) (Process, error)
}

// Process is a running task execution.
type Process interface {
	Pid() int
	// Done is closed once the process was reaped.
	Done() <-chan struct{}
	// Outcome is valid after Done is closed.
	Outcome() Outcome
	// Kill terminates the execution. The outcome still comes from the reap.
	Kill() error
}

// Outcome is the final status of one execution.
type Outcome struct {
	Status task.Status
	Output string
	StopAt time.Time
}

// Result is what the child writes on its result pipe.
type Result struct {
	Output string `cbor:"output"`
	Error  string `cbor:"error,omitempty"`
}
