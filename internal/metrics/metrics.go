// Package metrics exposes Prometheus collectors for the scheduler and the
// worker pool. A nil *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"errors"
	"net/http"
	hpprof "net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"taskd/internal/eventbus"
	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

const namespace = "taskd"

var trackedStatuses = []task.Status{
	task.StatusDefault, task.StatusScheduled, task.StatusQueued, task.StatusDoing,
	task.StatusDone, task.StatusFailed, task.StatusCanceled, task.StatusAborted,
}

type Metrics struct {
	transitions *prometheus.CounterVec
	dispatched  *prometheus.CounterVec
	tasks       *prometheus.GaugeVec
	running     *prometheus.GaugeVec
	pending     *prometheus.GaugeVec
	spawnErrors *prometheus.CounterVec
	ipcRequests *prometheus.CounterVec
	busDropped  prometheus.GaugeFunc
}

// MustNew registers every collector on reg and panics on conflicts.
func MustNew(reg prometheus.Registerer, bus eventbus.Bus) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "status_transitions_total",
			Help:      "Persisted task status transitions by target status.",
		}, []string{"status"}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "dispatched_total",
			Help:      "Tasks handed to the worker pool.",
		}, []string{"worker"}),
		tasks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tasks",
			Help:      "Stored tasks by status, refreshed every tick.",
		}, []string{"status"}),
		running: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "running_jobs",
			Help:      "Running task processes per worker.",
		}, []string{"worker"}),
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "pending_jobs",
			Help:      "Queued tasks waiting for a pool slot per worker.",
		}, []string{"worker"}),
		spawnErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "spawn_errors_total",
			Help:      "Task processes that could not be started.",
		}, []string{"worker"}),
		ipcRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ipc",
			Name:      "requests_total",
			Help:      "IPC requests handled by type and outcome.",
		}, []string{"type", "outcome"}),
	}
	collectors := []prometheus.Collector{m.transitions, m.dispatched, m.tasks, m.running, m.pending, m.spawnErrors, m.ipcRequests}
	if bus != nil {
		m.busDropped = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "eventbus",
			Name:      "dropped_events",
			Help:      "Events dropped because a subscriber was slow.",
		}, func() float64 { return float64(bus.Dropped()) })
		collectors = append(collectors, m.busDropped)
	}
	reg.MustRegister(collectors...)
	return m
}

func (m *Metrics) Transition(to task.Status) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(to.String()).Inc()
}

func (m *Metrics) Dispatched(worker string) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(worker).Inc()
}

// SetTaskCounts replaces the per-status gauge values.
func (m *Metrics) SetTaskCounts(counts map[task.Status]int) {
	if m == nil {
		return
	}
	for _, s := range trackedStatuses {
		m.tasks.WithLabelValues(s.String()).Set(float64(counts[s]))
	}
}

func (m *Metrics) SetPool(worker string, running, pending int) {
	if m == nil {
		return
	}
	m.running.WithLabelValues(worker).Set(float64(running))
	m.pending.WithLabelValues(worker).Set(float64(pending))
}

func (m *Metrics) SpawnError(worker string) {
	if m == nil {
		return
	}
	m.spawnErrors.WithLabelValues(worker).Inc()
}

func (m *Metrics) Request(typ string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.ipcRequests.WithLabelValues(typ, outcome).Inc()
}

// TrackedStatuses lists the statuses reported by SetTaskCounts.
func TrackedStatuses() []task.Status { return append([]task.Status(nil), trackedStatuses...) }

// ConsumeBus counts transitions from task.status events until ctx is done.
func (m *Metrics) ConsumeBus(ctx context.Context, bus eventbus.Bus) error {
	return eventbus.Consume(ctx, bus, eventbus.TypeTaskStatus, 256, func(e eventbus.Event) {
		if st, ok := e.Data.(eventbus.TaskStatus); ok {
			m.Transition(st.To)
		}
	})
}

// Handler serves gatherer at /metrics and, when pprof is set, the runtime
// profiles under /debug/pprof/.
func Handler(gatherer prometheus.Gatherer, pprof bool) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	if pprof {
		mux.HandleFunc("/debug/pprof/", hpprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", hpprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", hpprof.Trace)
	}
	return mux
}

// Serve runs Handler on addr until ctx is done.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer, pprof bool, log logx.Logger) error {
	srv := &http.Server{Addr: addr, Handler: Handler(gatherer, pprof), ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Info("metrics listening", logx.String("addr", addr), logx.Bool("pprof", pprof))

	select {
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
