package workerpool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"taskd/internal/ipc"
	"taskd/internal/proc"
	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

type fakeProcess struct {
	pid  int
	done chan struct{}
	once sync.Once
	mu   sync.Mutex
	out  Outcome
}

func (p *fakeProcess) Pid() int              { return p.pid }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }
func (p *fakeProcess) Outcome() Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.out
}

func (p *fakeProcess) finish(o Outcome) {
	p.once.Do(func() {
		p.mu.Lock()
		p.out = o
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *fakeProcess) Kill() error {
	p.finish(Outcome{Status: task.StatusAborted, Output: "killed"})
	return nil
}

type fakeSpawner struct {
	mu    sync.Mutex
	procs map[string]*fakeProcess
	fail  error
}

func (s *fakeSpawner) Spawn(ctx context.Context, t task.Task) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	p := &fakeProcess{pid: 1000 + len(s.procs), done: make(chan struct{})}
	s.procs[t.ID] = p
	return p, nil
}

func (s *fakeSpawner) get(id string) *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[id]
}

type poolHarness struct {
	pool     *Pool
	spawner  *fakeSpawner
	dispatch chan ipc.Message
	events   chan ipc.Message
}

func newPool(t *testing.T, poolSize int) *poolHarness {
	t.Helper()
	reg := task.NewRegistry()
	run := func(ctx context.Context, tk task.Task) (string, error) { return "", nil }
	reg.MustRegisterWorker(task.Worker{Name: "echo", PoolSize: poolSize, Run: run})
	h := &poolHarness{
		spawner:  &fakeSpawner{procs: map[string]*fakeProcess{}},
		dispatch: make(chan ipc.Message, 16),
		events:   make(chan ipc.Message, 64),
	}
	var err error
	h.pool, err = New(Config{PollInterval: time.Millisecond}, Deps{
		Registry: reg,
		Spawner:  h.spawner,
		Dispatch: h.dispatch,
		Events:   h.events,
		Log:      logx.Nop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h
}

// step serves until the dispatch channel is consumed.
func (h *poolHarness) step(t *testing.T) {
	t.Helper()
	for i := 0; i < 3; i++ {
		if err := h.pool.Serve(context.Background()); err != nil {
			t.Fatalf("Serve: %v", err)
		}
	}
}

// statuses collects reported statuses per task id, in order.
func (h *poolHarness) statuses() map[string][]task.Status {
	out := map[string][]task.Status{}
	for {
		select {
		case m := <-h.events:
			out[m.Status.ID] = append(out[m.Status.ID], m.Status.Status)
		default:
			return out
		}
	}
}

func dispatchNew(h *poolHarness, id string) {
	h.dispatch <- ipc.NewTask(task.Task{ID: id, WorkerName: "echo"})
}

func equalStatuses(a, b []task.Status) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestPoolSizeBoundsConcurrency(t *testing.T) {
	t.Parallel()
	h := newPool(t, 1)
	dispatchNew(h, "first")
	dispatchNew(h, "second")
	h.step(t)

	got := h.statuses()
	if !equalStatuses(got["first"], []task.Status{task.StatusQueued, task.StatusDoing}) {
		t.Fatalf("first: %v", got["first"])
	}
	if !equalStatuses(got["second"], []task.Status{task.StatusQueued}) {
		t.Fatalf("second must wait in queue: %v", got["second"])
	}

	h.spawner.get("first").finish(Outcome{Status: task.StatusDone, Output: "hi"})
	h.step(t)
	got = h.statuses()
	if !equalStatuses(got["first"], []task.Status{task.StatusDone}) {
		t.Fatalf("first completion: %v", got["first"])
	}
	if !equalStatuses(got["second"], []task.Status{task.StatusDoing}) {
		t.Fatalf("second should start after first finished: %v", got["second"])
	}
}

func TestCancelQueuedNeverStarts(t *testing.T) {
	t.Parallel()
	h := newPool(t, 1)
	dispatchNew(h, "a")
	dispatchNew(h, "b")
	h.step(t)
	h.statuses()

	h.dispatch <- ipc.Cancel("b")
	h.step(t)
	h.spawner.get("a").finish(Outcome{Status: task.StatusDone})
	h.step(t)

	if h.spawner.get("b") != nil {
		t.Fatal("canceled queued task was spawned")
	}
	got := h.statuses()
	if len(got["b"]) != 0 {
		t.Fatalf("no report expected for b, got %v", got["b"])
	}
}

func TestCancelRunningKillsProcess(t *testing.T) {
	t.Parallel()
	h := newPool(t, 2)
	dispatchNew(h, "a")
	h.step(t)
	h.statuses()

	h.dispatch <- ipc.Cancel("a")
	h.step(t)
	got := h.statuses()
	if !equalStatuses(got["a"], []task.Status{task.StatusAborted}) {
		t.Fatalf("killed job should be reaped as aborted: %v", got["a"])
	}
}

func TestUnknownWorkerAndSpawnFailure(t *testing.T) {
	t.Parallel()
	h := newPool(t, 1)
	h.dispatch <- ipc.NewTask(task.Task{ID: "x", WorkerName: "nope"})
	h.step(t)
	if got := h.statuses()["x"]; !equalStatuses(got, []task.Status{task.StatusFailed}) {
		t.Fatalf("unknown worker: %v", got)
	}

	h.spawner.fail = errors.New("fork bomb")
	dispatchNew(h, "y")
	h.step(t)
	if got := h.statuses()["y"]; !equalStatuses(got, []task.Status{task.StatusQueued, task.StatusFailed}) {
		t.Fatalf("spawn failure: %v", got)
	}
}

func TestDrainStopsWhenIdle(t *testing.T) {
	t.Parallel()
	h := newPool(t, 1)
	dispatchNew(h, "a")
	h.step(t)
	h.pool.Terminate(context.Background())

	if err := h.pool.Serve(context.Background()); err != nil {
		t.Fatalf("pool with a running job must keep serving: %v", err)
	}
	h.spawner.get("a").finish(Outcome{Status: task.StatusDone})
	var err error
	for i := 0; i < 3 && err == nil; i++ {
		err = h.pool.Serve(context.Background())
	}
	if !errors.Is(err, proc.ErrStop) {
		t.Fatalf("expected ErrStop, got %v", err)
	}
	got := h.statuses()["a"]
	if got[len(got)-1] != task.StatusDone {
		t.Fatalf("final report lost: %v", got)
	}
}

func TestAbortKillsEverything(t *testing.T) {
	t.Parallel()
	h := newPool(t, 1)
	dispatchNew(h, "a")
	dispatchNew(h, "b")
	h.step(t)
	h.pool.Abort(context.Background())
	select {
	case <-h.spawner.get("a").Done():
	default:
		t.Fatal("running job not killed")
	}
	if h.pool.workers["echo"].pending != nil {
		t.Fatal("pending jobs kept after abort")
	}
}
