package task

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestStatusBits(t *testing.T) {
	t.Parallel()
	all := []Status{StatusDefault, StatusScheduled, StatusQueued, StatusDoing, StatusDone, StatusFailed, StatusCanceled, StatusAborted}
	seen := Status(0)
	for _, s := range all {
		if !s.Valid() {
			t.Fatalf("%v should be valid", s)
		}
		if seen&s != 0 {
			t.Fatalf("%v overlaps another status", s)
		}
		seen |= s
	}
	if StatusAbort.Valid() {
		t.Fatal("abort marker must not be persistable")
	}
	if (StatusDone | StatusFailed).Valid() {
		t.Fatal("a mask is not a single status")
	}
	if !StatusQueued.In(InFlight) || StatusScheduled.In(InFlight) {
		t.Fatal("InFlight mask is wrong")
	}
}

func TestParseStatus(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want Status
	}{
		{raw: "done", want: StatusDone},
		{raw: "Done|failed", want: StatusDone | StatusFailed},
		{raw: " queued | doing ", want: InFlight},
	}
	for _, tt := range tests {
		got, err := ParseStatus(tt.raw)
		if err != nil {
			t.Fatalf("ParseStatus(%q): %v", tt.raw, err)
		}
		if got != tt.want {
			t.Fatalf("ParseStatus(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
	if _, err := ParseStatus("later"); err == nil {
		t.Fatal("expected error for unknown status")
	}
	if got := (StatusDone | StatusFailed).String(); got != "done|failed" {
		t.Fatalf("String() = %q", got)
	}
}

func TestSetStatusKeepsStopTimeConsistent(t *testing.T) {
	t.Parallel()
	now := time.Now()
	var tk Task
	tk.Normalize(now)
	if tk.Status != StatusDefault || tk.Expire != DefaultExpire {
		t.Fatalf("unexpected defaults: %+v", tk)
	}
	tk.SetStatus(StatusDoing, now)
	if !tk.StopAt.IsZero() {
		t.Fatal("non-terminal status must not carry a stop time")
	}
	tk.SetStatus(StatusDone, now)
	if !tk.StopAt.Equal(now) {
		t.Fatal("terminal status must stamp the stop time")
	}
	tk.Output = "x"
	tk.Rearm(now.Add(time.Minute))
	if tk.Status != StatusScheduled || !tk.StopAt.IsZero() || tk.Output != "" || !tk.StartAt.Equal(now.Add(time.Minute)) {
		t.Fatalf("rearm left stale fields: %+v", tk)
	}
}

func TestDuePredicates(t *testing.T) {
	t.Parallel()
	now := time.Now()
	tk := Task{Status: StatusDone, StartAt: now.Add(-30 * time.Second), StopAt: now.Add(-20 * time.Second), RedoInterval: time.Minute, Expire: time.Second}
	if tk.RedoDue(Redoable, now) {
		t.Fatal("redo not due before start+interval")
	}
	if !tk.RedoDue(Redoable, now.Add(30*time.Second)) {
		t.Fatal("redo due at start+interval")
	}
	if tk.Expired(Terminal, now) {
		t.Fatal("redo tasks never expire")
	}
	tk.RedoInterval = 0
	if !tk.Expired(Terminal, now) {
		t.Fatal("one-shot task past expire should be purgeable")
	}
}

func TestErrorTaxonomy(t *testing.T) {
	t.Parallel()
	err := Storage("insert", &DuplicateTaskError{ID: "a"})
	if !errors.Is(err, ErrDuplicate) || errors.Is(err, ErrStorage) {
		t.Fatalf("duplicate error must not be re-wrapped: %v", err)
	}
	err = Storage("get", fmt.Errorf("disk on fire"))
	if !errors.Is(err, ErrStorage) {
		t.Fatalf("driver errors must become StorageError: %v", err)
	}
	if !errors.Is(&NotFoundError{ID: "x"}, ErrNotFound) {
		t.Fatal("NotFoundError must match ErrNotFound")
	}
	if !errors.Is(&WorkerOutcomeError{ExitCode: 2}, ErrWorkerOutcome) {
		t.Fatal("WorkerOutcomeError must match ErrWorkerOutcome")
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	run := func(ctx context.Context, tk Task) (string, error) { return "", nil }
	if err := r.RegisterWorker(Worker{Name: "echo", Run: run}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.RegisterWorker(Worker{Name: "echo", Run: run}); err == nil {
		t.Fatal("duplicate worker must fail at registration")
	}
	if err := r.RegisterWorker(Worker{Name: "nil"}); err == nil {
		t.Fatal("nil Run must fail at registration")
	}
	w, ok := r.Worker("echo")
	if !ok || w.PoolSize != 1 {
		t.Fatalf("unexpected worker: %+v ok=%v", w, ok)
	}
	if err := r.SetPoolSize("echo", 4); err != nil {
		t.Fatalf("SetPoolSize: %v", err)
	}
	if w, _ := r.Worker("echo"); w.PoolSize != 4 {
		t.Fatalf("pool size = %d", w.PoolSize)
	}
	if err := r.SetPoolSize("missing", 2); !errors.Is(err, ErrUnknownWorker) {
		t.Fatalf("expected ErrUnknownWorker, got %v", err)
	}
	hook := func(ctx context.Context, sc map[string]any) ([]Task, error) { return nil, nil }
	if err := r.RegisterBootstrap("a", hook); err != nil {
		t.Fatal(err)
	}
	if err := r.RegisterBootstrap("a", hook); err == nil {
		t.Fatal("duplicate hook must fail")
	}
	if len(r.Hooks()) != 1 {
		t.Fatal("expected one hook")
	}
}
