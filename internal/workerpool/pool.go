// Package workerpool turns scheduled tasks into bounded sets of running
// OS processes, one FIFO queue and one pool per worker name.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/time/rate"

	"taskd/internal/ipc"
	"taskd/internal/metrics"
	"taskd/internal/proc"
	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

const (
	defaultPollInterval = 200 * time.Millisecond
	maxBatch            = 64
)

type Config struct {
	// PollInterval bounds the blocking read on the dispatch channel.
	PollInterval time.Duration
	// SpawnRate caps process starts per second; 0 means unlimited.
	SpawnRate float64
}

type Deps struct {
	Registry *task.Registry
	Spawner  Spawner
	Dispatch <-chan ipc.Message
	Events   chan<- ipc.Message
	Metrics  *metrics.Metrics
	Log      logx.Logger
	Now      func() time.Time
}

type job struct {
	task task.Task
	proc Process
}

type workerState struct {
	name    string
	pending []task.Task
	running []*job
}

// Pool is driven by a proc.Runner; only its loop touches its state.
type Pool struct {
	cfg     Config
	deps    Deps
	log     logx.Logger
	now     func() time.Time
	limiter *rate.Limiter
	warn    *logx.Throttle

	workers  map[string]*workerState
	outbox   []ipc.Message
	draining bool
}

func New(cfg Config, deps Deps) (*Pool, error) {
	if deps.Registry == nil || deps.Spawner == nil {
		return nil, errors.New("workerpool: registry and spawner are required")
	}
	if deps.Dispatch == nil || deps.Events == nil {
		return nil, errors.New("workerpool: dispatch and event channels are required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	p := &Pool{
		cfg:     cfg,
		deps:    deps,
		log:     deps.Log.With(logx.String("comp", "workerpool")),
		now:     now,
		warn:    logx.NewThrottle(30 * time.Second),
		workers: map[string]*workerState{},
	}
	if cfg.SpawnRate > 0 {
		burst := int(cfg.SpawnRate)
		if burst < 1 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(cfg.SpawnRate), burst)
	}
	return p, nil
}

func (p *Pool) Name() string { return "workerpool" }

// Serve reads dispatched messages for up to PollInterval, then reaps
// finished jobs and starts pending ones.
func (p *Pool) Serve(ctx context.Context) error {
	p.flush()

	timer := time.NewTimer(p.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil
	case m := <-p.deps.Dispatch:
		p.handle(ctx, m)
		p.drainDispatch(ctx)
	case <-timer.C:
	}

	p.reap()
	p.spawn(ctx)
	p.flush()
	p.report()

	if p.draining && p.idle() {
		p.log.Info("drained, stopping")
		return proc.ErrStop
	}
	return nil
}

// Reap collects finished jobs right away on a child-exit signal.
func (p *Pool) Reap(ctx context.Context) {
	p.reap()
	p.flush()
}

// Terminate stops the loop once every queued and running job is done.
func (p *Pool) Terminate(ctx context.Context) {
	p.draining = true
	p.log.Info("draining")
}

// Abort kills every running job and forgets the pending ones.
func (p *Pool) Abort(ctx context.Context) {
	for _, w := range p.workers {
		for _, j := range w.running {
			if err := j.proc.Kill(); err != nil {
				p.log.Warn("kill failed", logx.String("id", j.task.ID), logx.Err(err))
			}
		}
		w.pending = nil
	}
	p.log.Warn("aborted all jobs")
}

func (p *Pool) idle() bool {
	if len(p.outbox) > 0 || len(p.deps.Dispatch) > 0 {
		return false
	}
	for _, w := range p.workers {
		if len(w.pending) > 0 || len(w.running) > 0 {
			return false
		}
	}
	return true
}

func (p *Pool) drainDispatch(ctx context.Context) {
	for i := 0; i < maxBatch; i++ {
		select {
		case m := <-p.deps.Dispatch:
			p.handle(ctx, m)
		default:
			return
		}
	}
}

func (p *Pool) handle(ctx context.Context, m ipc.Message) {
	switch m.Type {
	case ipc.TypeNew:
		if m.Task == nil {
			return
		}
		p.enqueue(*m.Task)
	case ipc.TypeAbort:
		if !p.kill(m.ID) {
			p.log.Debug("abort: no running job", logx.String("id", m.ID))
		}
	case ipc.TypeCancel:
		if p.kill(m.ID) {
			return
		}
		if p.dequeue(m.ID) {
			p.log.Info("canceled before start", logx.String("id", m.ID))
		}
	default:
		p.log.Warn("unexpected dispatch message", logx.String("type", m.Type.String()))
	}
}

func (p *Pool) enqueue(t task.Task) {
	if _, ok := p.deps.Registry.Worker(t.WorkerName); !ok {
		p.emit(t.ID, task.StatusFailed, fmt.Sprintf("%v: %s", task.ErrUnknownWorker, t.WorkerName))
		return
	}
	w := p.worker(t.WorkerName)
	w.pending = append(w.pending, t)
	p.emit(t.ID, task.StatusQueued, "")
}

func (p *Pool) worker(name string) *workerState {
	w := p.workers[name]
	if w == nil {
		w = &workerState{name: name}
		p.workers[name] = w
	}
	return w
}

// kill terminates a running job. The reap decides its final status.
func (p *Pool) kill(id string) bool {
	for _, w := range p.workers {
		for _, j := range w.running {
			if j.task.ID != id {
				continue
			}
			if err := j.proc.Kill(); err != nil {
				p.log.Warn("kill failed", logx.String("id", id), logx.Int("pid", j.proc.Pid()), logx.Err(err))
			} else {
				p.log.Info("killed job", logx.String("id", id), logx.Int("pid", j.proc.Pid()))
			}
			return true
		}
	}
	return false
}

func (p *Pool) dequeue(id string) bool {
	for _, w := range p.workers {
		for i, t := range w.pending {
			if t.ID == id {
				w.pending = append(w.pending[:i], w.pending[i+1:]...)
				return true
			}
		}
	}
	return false
}

func (p *Pool) reap() {
	for _, w := range p.workers {
		kept := w.running[:0]
		for _, j := range w.running {
			select {
			case <-j.proc.Done():
				out := j.proc.Outcome()
				if out.StopAt.IsZero() {
					out.StopAt = p.now()
				}
				p.queue(ipc.Status(ipc.StatusUpdate{ID: j.task.ID, Status: out.Status, Output: out.Output, StopAt: out.StopAt}))
				p.log.Debug("job reaped", logx.String("id", j.task.ID), logx.String("status", out.Status.String()))
			default:
				kept = append(kept, j)
			}
		}
		for i := len(kept); i < len(w.running); i++ {
			w.running[i] = nil
		}
		w.running = kept
	}
}

func (p *Pool) spawn(ctx context.Context) {
	names := make([]string, 0, len(p.workers))
	for name := range p.workers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		w := p.workers[name]
		size := 1
		if reg, ok := p.deps.Registry.Worker(name); ok {
			size = reg.PoolSize
		}
		for len(w.running) < size && len(w.pending) > 0 {
			if p.limiter != nil && !p.limiter.Allow() {
				return
			}
			t := w.pending[0]
			w.pending = w.pending[1:]

			pr, err := p.deps.Spawner.Spawn(ctx, t)
			if err != nil {
				p.deps.Metrics.SpawnError(name)
				if p.warn.Allow("spawn:" + name) {
					p.log.Warn("spawn failed", logx.String("id", t.ID), logx.String("worker", name), logx.Err(err))
				}
				p.emit(t.ID, task.StatusFailed, "spawn failed: "+err.Error())
				continue
			}
			w.running = append(w.running, &job{task: t, proc: pr})
			p.emit(t.ID, task.StatusDoing, "")
			p.log.Debug("job started", logx.String("id", t.ID), logx.String("worker", name), logx.Int("pid", pr.Pid()))
		}
	}
}

func (p *Pool) emit(id string, s task.Status, output string) {
	u := ipc.StatusUpdate{ID: id, Status: s, Output: output}
	if s.IsTerminal() {
		u.StopAt = p.now()
	}
	p.queue(ipc.Status(u))
}

// queue holds m for the scheduler; flush delivers without blocking.
func (p *Pool) queue(m ipc.Message) {
	p.outbox = append(p.outbox, m)
}

func (p *Pool) flush() {
	for len(p.outbox) > 0 {
		select {
		case p.deps.Events <- p.outbox[0]:
			p.outbox[0] = ipc.Message{}
			p.outbox = p.outbox[1:]
		default:
			if p.warn.Allow("outbox") {
				p.log.Debug("event channel full", logx.Int("backlog", len(p.outbox)))
			}
			return
		}
	}
}

func (p *Pool) report() {
	if p.deps.Metrics == nil {
		return
	}
	for name, w := range p.workers {
		p.deps.Metrics.SetPool(name, len(w.running), len(w.pending))
	}
}
