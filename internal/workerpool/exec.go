package workerpool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"taskd/internal/ipc"
	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

const (
	DefaultOutputLimit = 64 << 10
	// resultFD is where the child finds its result pipe (first ExtraFiles entry).
	resultFD = 3
	// OutputLimitEnv tells the child how much output it may report.
	OutputLimitEnv = "TASKD_OUTPUT_LIMIT"
)

// ExecSpawner runs each task in a fresh process of Path with Args. The task
// is written to the child's stdin; the child writes a Result on fd 3.
type ExecSpawner struct {
	Path        string
	Args        []string
	Env         []string
	OutputLimit int
	Log         logx.Logger
}

// NewExecSpawner re-executes the current binary as "exec-worker" by default.
func NewExecSpawner(path string, args []string, outputLimit int, log logx.Logger) (*ExecSpawner, error) {
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		path = exe
	}
	if args == nil {
		args = []string{"exec-worker"}
	}
	if outputLimit <= 0 {
		outputLimit = DefaultOutputLimit
	}
	return &ExecSpawner{Path: path, Args: args, OutputLimit: outputLimit, Log: log}, nil
}

func (e *ExecSpawner) Spawn(ctx context.Context, t task.Task) (Process, error) {
	payload, err := ipc.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode task: %w", err)
	}
	limit := e.OutputLimit
	if limit <= 0 {
		limit = DefaultOutputLimit
	}

	rr, rw, err := os.Pipe()
	if err != nil {
		return nil, err
	}

	// Not CommandContext: the pool owns the lifetime and kills the group.
	cmd := exec.Command(e.Path, e.Args...)
	env := e.Env
	if env == nil {
		env = os.Environ()
	}
	cmd.Env = append(env[:len(env):len(env)], OutputLimitEnv+"="+strconv.Itoa(limit))
	cmd.Stdin = bytes.NewReader(payload)
	tail := newTail(limit)
	cmd.Stdout = tail
	cmd.Stderr = tail
	cmd.ExtraFiles = []*os.File{rw}
	cmd.SysProcAttr = sysProcAttr()

	if err := cmd.Start(); err != nil {
		_ = rr.Close()
		_ = rw.Close()
		return nil, err
	}
	_ = rw.Close()

	p := &execProcess{cmd: cmd, done: make(chan struct{}), limit: limit, tail: tail}
	go p.wait(rr)
	return p, nil
}

type execProcess struct {
	cmd   *exec.Cmd
	done  chan struct{}
	limit int
	tail  *tail

	mu      sync.Mutex
	outcome Outcome
}

func (p *execProcess) Pid() int              { return p.cmd.Process.Pid }
func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) Outcome() Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outcome
}

func (p *execProcess) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	err := killGroup(p.cmd.Process.Pid)
	if err != nil && !errors.Is(err, syscall.ESRCH) {
		return p.cmd.Process.Kill()
	}
	return nil
}

func (p *execProcess) wait(result io.ReadCloser) {
	defer close(p.done)

	// The child clips its output, so a valid result fits in one frame.
	// Anything past that is drained so the child never blocks on the pipe.
	raw, rerr := io.ReadAll(io.LimitReader(result, ipc.MaxFrameSize))
	if rerr == nil {
		if n, _ := io.Copy(io.Discard, result); n > 0 {
			rerr = fmt.Errorf("result larger than %d bytes", ipc.MaxFrameSize)
		}
	}
	_ = result.Close()
	werr := p.cmd.Wait()

	out := classify(p.cmd.ProcessState, werr, raw, rerr, p.tail.String(), p.limit)
	out.StopAt = time.Now()

	p.mu.Lock()
	p.outcome = out
	p.mu.Unlock()
}

// classify maps an exit to a status: signaled is ABORTED, a clean exit with
// a valid result and no error is DONE, anything else is FAILED.
func classify(ps *os.ProcessState, werr error, raw []byte, rerr error, tail string, limit int) Outcome {
	if ps == nil {
		return Outcome{Status: task.StatusFailed, Output: clip(fmt.Sprintf("wait: %v", werr), limit)}
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		oe := &task.WorkerOutcomeError{ExitCode: -1, Signal: ws.Signal().String()}
		return Outcome{Status: task.StatusAborted, Output: clip(oe.Error(), limit)}
	}

	var res Result
	valid := rerr == nil && len(raw) > 0 && ipc.Unmarshal(raw, &res) == nil
	code := ps.ExitCode()
	if code == 0 && valid && res.Error == "" {
		return Outcome{Status: task.StatusDone, Output: clip(res.Output, limit)}
	}

	msg := res.Error
	if !valid {
		oe := &task.WorkerOutcomeError{ExitCode: code}
		if code == 0 {
			msg = "worker exited without a result"
		} else {
			msg = oe.Error()
		}
	}
	if tail != "" {
		msg += "\n" + tail
	}
	return Outcome{Status: task.StatusFailed, Output: clip(msg, limit)}
}

func clip(s string, limit int) string {
	if limit > 0 && len(s) > limit {
		return s[:limit]
	}
	return s
}

// tail keeps the last max bytes written to it.
type tail struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTail(max int) *tail { return &tail{max: max} }

func (t *tail) Write(b []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, b...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(b), nil
}

func (t *tail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(bytes.TrimSpace(t.buf))
}
