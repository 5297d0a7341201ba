package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"taskd/internal/eventbus"
	"taskd/internal/task"
)

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()
	var m *Metrics
	m.Transition(task.StatusDone)
	m.Dispatched("echo")
	m.SetPool("echo", 1, 2)
	m.SetTaskCounts(nil)
	m.SpawnError("echo")
	m.Request("NEW", nil)
}

func TestCollectors(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	bus := eventbus.New()
	m := MustNew(reg, bus)

	m.Dispatched("echo")
	m.Dispatched("echo")
	if got := testutil.ToFloat64(m.dispatched.WithLabelValues("echo")); got != 2 {
		t.Fatalf("dispatched = %v", got)
	}
	m.SetPool("echo", 1, 3)
	if got := testutil.ToFloat64(m.pending.WithLabelValues("echo")); got != 3 {
		t.Fatalf("pending = %v", got)
	}
	m.SetTaskCounts(map[task.Status]int{task.StatusDone: 4})
	if got := testutil.ToFloat64(m.tasks.WithLabelValues("done")); got != 4 {
		t.Fatalf("done gauge = %v", got)
	}
	if got := testutil.ToFloat64(m.tasks.WithLabelValues("doing")); got != 0 {
		t.Fatalf("doing gauge = %v", got)
	}
}

func TestConsumeBusCountsTransitions(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	bus := eventbus.New()
	m := MustNew(reg, bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.ConsumeBus(ctx, bus) }()

	deadline := time.Now().Add(2 * time.Second)
	for testutil.ToFloat64(m.transitions.WithLabelValues("done")) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("transition was not counted")
		}
		bus.Publish(eventbus.Event{Type: eventbus.TypeTaskStatus, Data: eventbus.TaskStatus{ID: "a", To: task.StatusDone}})
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHandler(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m := MustNew(reg, nil)
	m.Dispatched("echo")

	tests := []struct {
		path  string
		pprof bool
		code  int
	}{
		{path: "/metrics", code: http.StatusOK},
		{path: "/debug/pprof/", code: http.StatusNotFound},
		{path: "/debug/pprof/", pprof: true, code: http.StatusOK},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		Handler(reg, tt.pprof).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
		if rec.Code != tt.code {
			t.Fatalf("GET %s (pprof=%v) = %d, want %d", tt.path, tt.pprof, rec.Code, tt.code)
		}
		if tt.path == "/metrics" && !strings.Contains(rec.Body.String(), "taskd_") {
			t.Fatalf("metrics body has no taskd series")
		}
	}
}
