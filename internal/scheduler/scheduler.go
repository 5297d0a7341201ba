// Package scheduler owns the task list. It answers IPC requests, applies
// status reports from the worker pool and dispatches due tasks to it from a
// single loop driven by proc.Runner.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"taskd/internal/eventbus"
	"taskd/internal/ipc"
	"taskd/internal/metrics"
	"taskd/internal/proc"
	"taskd/internal/task"
	"taskd/internal/tasklist"
	logx "taskd/pkg/logx"
)

const (
	defaultTick           = time.Second
	defaultVacuumSchedule = "@hourly"
	maxWait               = time.Second
)

type Config struct {
	Tick           time.Duration
	VacuumSchedule string
}

// Deps are the collaborators handed in by the app. Requests may be nil when
// no IPC server runs. Bus and Metrics are optional.
type Deps struct {
	List     *tasklist.TaskList
	Registry *task.Registry
	Requests <-chan ipc.Request
	Dispatch chan<- ipc.Message
	Events   <-chan ipc.Message
	Bus      eventbus.Bus
	Metrics  *metrics.Metrics
	Log      logx.Logger
	Now      func() time.Time
}

type Scheduler struct {
	cfg  Config
	deps Deps
	log  logx.Logger
	now  func() time.Time
	warn *logx.Throttle

	vacuum     cron.Schedule
	nextVacuum time.Time
	lastTick   time.Time

	// sc is the context handed to bootstrap hooks.
	sc map[string]any
	// outbox holds CANCEL/ABORT forwards the dispatch channel had no room for.
	outbox   []ipc.Message
	draining bool
}

func New(cfg Config, deps Deps) (*Scheduler, error) {
	if deps.List == nil || deps.Registry == nil {
		return nil, errors.New("scheduler: task list and registry are required")
	}
	if deps.Dispatch == nil || deps.Events == nil {
		return nil, errors.New("scheduler: dispatch and event channels are required")
	}
	if cfg.Tick <= 0 {
		cfg.Tick = defaultTick
	}
	if cfg.VacuumSchedule == "" {
		cfg.VacuumSchedule = defaultVacuumSchedule
	}
	vac, err := ParseTiming(cfg.VacuumSchedule)
	if err != nil {
		return nil, fmt.Errorf("scheduler: vacuum_schedule: %w", err)
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		cfg:    cfg,
		deps:   deps,
		log:    deps.Log.With(logx.String("comp", "scheduler")),
		now:    now,
		warn:   logx.NewThrottle(30 * time.Second),
		vacuum: vac,
		sc:     map[string]any{},
	}, nil
}

func (s *Scheduler) Name() string { return "scheduler" }

// Start recovers tasks left in flight by a previous run and seeds the
// bootstrap hooks. Errors are fatal to the daemon.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.deps.List.Recover(ctx); err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	now := s.now()
	s.nextVacuum = s.vacuum.Next(now)
	s.Bootstrap(ctx)
	s.log.Info("scheduler started", logx.Time("next_vacuum", s.nextVacuum))
	return nil
}

// Serve waits up to a second for one request or event, then runs the
// periodic passes that are due.
func (s *Scheduler) Serve(ctx context.Context) error {
	s.flushOutbox()

	timer := time.NewTimer(s.wait())
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil
	case req := <-s.deps.Requests:
		s.handleRequest(ctx, req)
	case m := <-s.deps.Events:
		if m.Type == ipc.TypeStatus && m.Status != nil {
			if err := s.applyStatus(ctx, *m.Status); err != nil && s.warn.Allow("event") {
				s.log.Warn("status report not applied", logx.String("id", m.Status.ID), logx.Err(err))
			}
		}
	case <-timer.C:
	}

	now := s.now()
	if now.Sub(s.lastTick) >= s.cfg.Tick {
		s.lastTick = now
		s.schedule(ctx, now)
	}
	if !s.nextVacuum.IsZero() && !now.Before(s.nextVacuum) {
		s.nextVacuum = s.vacuum.Next(now)
		start := time.Now()
		if err := s.deps.List.Vacuum(ctx); err != nil {
			s.log.Warn("vacuum failed", logx.Err(err))
		} else {
			s.log.Info("store vacuumed", logx.Duration("took", time.Since(start)), logx.Time("next", s.nextVacuum))
		}
	}
	if s.draining && s.drained(ctx) {
		s.log.Info("drained, stopping")
		return proc.ErrStop
	}
	return nil
}

func (s *Scheduler) wait() time.Duration {
	d := s.cfg.Tick - s.now().Sub(s.lastTick)
	if d > maxWait {
		d = maxWait
	}
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}

// Reload re-runs the bootstrap hooks.
func (s *Scheduler) Reload(ctx context.Context) error {
	s.Bootstrap(ctx)
	return nil
}

// Terminate stops new dispatch. Requests and status reports are still
// served until no task is scheduled, queued or running.
func (s *Scheduler) Terminate(ctx context.Context) {
	s.draining = true
	s.log.Info("draining")
}

// Abort asks the worker pool to kill every in-flight task. Their rows stay
// in flight and are marked aborted by Recover on the next start.
func (s *Scheduler) Abort(ctx context.Context) {
	tasks, err := s.deps.List.List(ctx)
	if err != nil {
		s.log.Error("abort: list tasks", logx.Err(err))
		return
	}
	for _, t := range tasks {
		if t.Status.In(task.StatusScheduled | task.InFlight) {
			s.forward(ipc.Abort(t.ID))
		}
	}
	s.flushOutbox()
	if n := len(s.outbox); n > 0 {
		s.log.Warn("abort: some kill requests were not delivered", logx.Int("pending", n))
	}
}

// Draining reports whether Terminate was called.
func (s *Scheduler) Draining() bool { return s.draining }

func (s *Scheduler) drained(ctx context.Context) bool {
	if len(s.outbox) > 0 || len(s.deps.Dispatch) > 0 || len(s.deps.Events) > 0 {
		return false
	}
	todo, err := s.deps.List.NTodo(ctx)
	if err != nil {
		return false
	}
	// A dispatched task is SCHEDULED until the pool reports it queued.
	sched, err := s.deps.List.CountByStatus(ctx, task.StatusScheduled)
	if err != nil {
		return false
	}
	return todo+sched == 0
}

// schedule runs one tick: purge, then the one-shot pass, then the redo pass.
func (s *Scheduler) schedule(ctx context.Context, now time.Time) {
	if n, err := s.deps.List.Purge(ctx, task.Terminal, now); err != nil {
		if s.warn.Allow("purge") {
			s.log.Warn("purge failed", logx.Err(err))
		}
	} else if n > 0 {
		s.log.Debug("purged expired tasks", logx.Int("count", n))
	}
	s.refreshCounts(ctx)

	if s.draining {
		return
	}

	todo, err := s.deps.List.ListToDo(ctx, task.StatusDefault, now, false)
	if err != nil {
		if s.warn.Allow("todo") {
			s.log.Warn("list due tasks failed", logx.Err(err))
		}
		return
	}
	for _, t := range todo {
		if !s.room() {
			return
		}
		from := t.Status
		t.SetStatus(task.StatusScheduled, now)
		if !s.dispatch(ctx, t, from) {
			return
		}
	}

	redo, err := s.deps.List.ListToDo(ctx, task.Redoable, now, true)
	if err != nil {
		if s.warn.Allow("redo") {
			s.log.Warn("list redo tasks failed", logx.Err(err))
		}
		return
	}
	for _, t := range redo {
		if !s.room() {
			return
		}
		from := t.Status
		t.Rearm(now)
		if !s.dispatch(ctx, t, from) {
			return
		}
	}
}

// room reports whether the dispatch channel can take one more message.
// The scheduler is its only producer so the answer cannot go stale.
func (s *Scheduler) room() bool {
	return len(s.deps.Dispatch) < cap(s.deps.Dispatch)
}

func (s *Scheduler) dispatch(ctx context.Context, t task.Task, from task.Status) bool {
	if err := s.deps.List.Update(ctx, t); err != nil {
		if s.warn.Allow("dispatch") {
			s.log.Warn("persist scheduled task failed", logx.String("id", t.ID), logx.Err(err))
		}
		return false
	}
	// Never blocks: callers checked room() first.
	s.deps.Dispatch <- ipc.NewTask(t)
	s.deps.Metrics.Dispatched(t.WorkerName)
	s.publish(t, from)
	s.log.Debug("dispatched", logx.String("id", t.ID), logx.String("worker", t.WorkerName))
	return true
}

func (s *Scheduler) forward(m ipc.Message) {
	s.outbox = append(s.outbox, m)
	s.flushOutbox()
}

func (s *Scheduler) flushOutbox() {
	for len(s.outbox) > 0 {
		select {
		case s.deps.Dispatch <- s.outbox[0]:
			s.outbox = s.outbox[1:]
		default:
			return
		}
	}
}

func (s *Scheduler) refreshCounts(ctx context.Context) {
	if s.deps.Metrics == nil {
		return
	}
	counts := map[task.Status]int{}
	for _, st := range metrics.TrackedStatuses() {
		n, err := s.deps.List.CountByStatus(ctx, st)
		if err != nil {
			return
		}
		counts[st] = n
	}
	s.deps.Metrics.SetTaskCounts(counts)
}

func (s *Scheduler) publish(t task.Task, from task.Status) {
	if s.deps.Bus == nil {
		return
	}
	s.deps.Bus.Publish(eventbus.Event{
		Type: eventbus.TypeTaskStatus,
		Data: eventbus.TaskStatus{ID: t.ID, Worker: t.WorkerName, From: from, To: t.Status},
	})
}
