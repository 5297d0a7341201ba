package workerpool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"strconv"
	"syscall"
	"time"

	"taskd/internal/ipc"
	"taskd/internal/proc"
	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

// Exit codes of the worker child.
const (
	ExitOK       = 0
	ExitFailed   = 1
	ExitBadInput = 2
	ExitOrphaned = 3
)

// ResultFile opens the result pipe inherited on fd 3 and keeps it out of
// any process the worker starts.
func ResultFile() (*os.File, error) {
	syscall.CloseOnExec(resultFD)
	f := os.NewFile(resultFD, "result")
	if f == nil {
		return nil, errors.New("result pipe missing")
	}
	return f, nil
}

// RunChild executes one task read from in and writes its Result to out.
// It returns the process exit code. The task runs under a proc.Runner that
// exits as soon as the parent process is gone.
func RunChild(ctx context.Context, reg *task.Registry, in io.Reader, out io.Writer, log logx.Logger) int {
	raw, err := io.ReadAll(in)
	if err != nil {
		log.Error("read task", logx.Err(err))
		return ExitBadInput
	}
	var t task.Task
	if err := ipc.Unmarshal(raw, &t); err != nil {
		log.Error("decode task", logx.Err(err))
		return ExitBadInput
	}
	w, ok := reg.Worker(t.WorkerName)
	if !ok {
		writeResult(out, Result{Error: fmt.Sprintf("%v: %s", task.ErrUnknownWorker, t.WorkerName)}, log)
		return ExitFailed
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c := &execution{done: make(chan struct{})}
	go c.run(ctx, w.Run, t)

	r := proc.NewRunner(c, proc.WithParentCheck(proc.ParentAlive()), proc.WithRunnerLogger(log.With(logx.String("task", t.ID))))
	if err := r.Run(ctx); err != nil {
		if errors.Is(err, proc.ErrOrphaned) {
			return ExitOrphaned
		}
		log.Error("worker runner failed", logx.Err(err))
		return ExitFailed
	}

	select {
	case <-c.done:
	default:
		// Runner stopped on ctx; no outcome to report.
		return ExitFailed
	}
	res := Result{Output: clip(c.output, outputLimit())}
	if c.err != nil {
		res.Error = clip(c.err.Error(), outputLimit())
	}
	if !writeResult(out, res, log) || c.err != nil {
		return ExitFailed
	}
	return ExitOK
}

// outputLimit is the limit the spawner passed down, or the default when
// the child was started by hand.
func outputLimit() int {
	if n, err := strconv.Atoi(os.Getenv(OutputLimitEnv)); err == nil && n > 0 {
		return n
	}
	return DefaultOutputLimit
}

func writeResult(out io.Writer, res Result, log logx.Logger) bool {
	b, err := ipc.Marshal(res)
	if err == nil {
		_, err = out.Write(b)
	}
	if err != nil {
		log.Error("write result", logx.Err(err))
		return false
	}
	return true
}

// execution is the proc.Component wrapping the worker function.
type execution struct {
	done   chan struct{}
	output string
	err    error
}

func (e *execution) Name() string { return "exec-worker" }

func (e *execution) run(ctx context.Context, fn task.WorkerFunc, t task.Task) {
	defer close(e.done)
	defer func() {
		if r := recover(); r != nil {
			e.err = fmt.Errorf("worker panicked: %v\n%s", r, debug.Stack())
		}
	}()
	e.output, e.err = fn(ctx, t)
}

func (e *execution) Serve(ctx context.Context) error {
	select {
	case <-e.done:
		return proc.ErrStop
	case <-ctx.Done():
		return nil
	case <-time.After(500 * time.Millisecond):
		return nil
	}
}
