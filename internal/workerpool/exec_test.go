package workerpool

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

const helperEnv = "TASKD_WORKERPOOL_HELPER"

// TestMain turns the test binary into a worker child when re-executed by
// the exec spawner tests.
func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		os.Exit(runHelper())
	}
	os.Exit(m.Run())
}

func helperRegistry() *task.Registry {
	reg := task.NewRegistry()
	reg.MustRegisterWorker(task.Worker{Name: "echo", Run: func(ctx context.Context, t task.Task) (string, error) {
		return t.Options.String("msg"), nil
	}})
	reg.MustRegisterWorker(task.Worker{Name: "fail", Run: func(ctx context.Context, t task.Task) (string, error) {
		os.Stderr.WriteString("about to fail\n")
		return "", errors.New("bad input")
	}})
	reg.MustRegisterWorker(task.Worker{Name: "sleep", Run: func(ctx context.Context, t task.Task) (string, error) {
		time.Sleep(time.Minute)
		return "woke", nil
	}})
	reg.MustRegisterWorker(task.Worker{Name: "panic", Run: func(ctx context.Context, t task.Task) (string, error) {
		panic("boom")
	}})
	reg.MustRegisterWorker(task.Worker{Name: "exit", Run: func(ctx context.Context, t task.Task) (string, error) {
		os.Exit(4)
		return "", nil
	}})
	return reg
}

func runHelper() int {
	out, err := ResultFile()
	if err != nil {
		return ExitBadInput
	}
	defer out.Close()
	return RunChild(context.Background(), helperRegistry(), os.Stdin, out, logx.NewWriter(os.Stderr, "error"))
}

func spawnHelper(t *testing.T, tk task.Task) Process {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Fatal(err)
	}
	sp, err := NewExecSpawner(exe, []string{"-test.run=^$"}, 1024, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	sp.Env = append(os.Environ(), helperEnv+"=1")
	p, err := sp.Spawn(context.Background(), tk)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	return p
}

func waitOutcome(t *testing.T, p Process) Outcome {
	t.Helper()
	select {
	case <-p.Done():
		return p.Outcome()
	case <-time.After(20 * time.Second):
		_ = p.Kill()
		t.Fatal("process did not finish")
		return Outcome{}
	}
}

func TestExecOutcomes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		worker string
		msg    string
		status task.Status
		output string
	}{
		{name: "clean result", worker: "echo", status: task.StatusDone, output: "hi"},
		{name: "worker error", worker: "fail", status: task.StatusFailed, output: "bad input"},
		{name: "stderr tail on failure", worker: "fail", status: task.StatusFailed, output: "about to fail"},
		{name: "panic is contained", worker: "panic", status: task.StatusFailed, output: "worker panicked: boom"},
		{name: "exit without result", worker: "exit", status: task.StatusFailed, output: "exited with code 4"},
		{name: "unknown worker", worker: "missing", status: task.StatusFailed, output: "unknown worker"},
		{name: "large output is clipped", worker: "echo", msg: strings.Repeat("x", 8000), status: task.StatusDone, output: strings.Repeat("x", 1024)},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			msg := tt.msg
			if msg == "" {
				msg = "hi"
			}
			p := spawnHelper(t, task.Task{ID: tt.name, WorkerName: tt.worker, Options: task.Options{"msg": msg}})
			out := waitOutcome(t, p)
			if out.Status != tt.status {
				t.Fatalf("status = %v, want %v (output %q)", out.Status, tt.status, out.Output)
			}
			if !strings.Contains(out.Output, tt.output) {
				t.Fatalf("output %q does not contain %q", out.Output, tt.output)
			}
			if out.StopAt.IsZero() {
				t.Fatal("stop time not stamped")
			}
			if len(out.Output) > 1024 {
				t.Fatalf("output not clipped: %d bytes", len(out.Output))
			}
		})
	}
}

func TestExecKillAborts(t *testing.T) {
	t.Parallel()
	p := spawnHelper(t, task.Task{ID: "slow", WorkerName: "sleep"})
	time.Sleep(100 * time.Millisecond)
	if err := p.Kill(); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	out := waitOutcome(t, p)
	if out.Status != task.StatusAborted {
		t.Fatalf("status = %v, want aborted (output %q)", out.Status, out.Output)
	}
	if err := p.Kill(); err != nil {
		t.Fatalf("second Kill: %v", err)
	}
}

func TestTailKeepsLastBytes(t *testing.T) {
	t.Parallel()
	tl := newTail(4)
	tl.Write([]byte("abc"))
	tl.Write([]byte("defg"))
	if got := tl.String(); got != "defg" {
		t.Fatalf("tail = %q", got)
	}
}

func TestChildOutputLimit(t *testing.T) {
	t.Setenv(OutputLimitEnv, "16")
	if got := outputLimit(); got != 16 {
		t.Fatalf("outputLimit = %d, want 16", got)
	}
	t.Setenv(OutputLimitEnv, "nope")
	if got := outputLimit(); got != DefaultOutputLimit {
		t.Fatalf("outputLimit = %d, want default", got)
	}
}
