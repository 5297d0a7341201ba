// Package app wires the scheduler, the worker pool and their ambient
// services into one daemon.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"taskd/internal/config"
	"taskd/internal/eventbus"
	"taskd/internal/ipc"
	"taskd/internal/metrics"
	"taskd/internal/proc"
	"taskd/internal/scheduler"
	"taskd/internal/storage"
	"taskd/internal/task"
	"taskd/internal/tasklist"
	"taskd/internal/workerpool"
	"taskd/internal/workers"
	"taskd/pkg/logx"
)

const watchInterval = time.Second

type App struct {
	cfgm *config.Manager
	cfg  *config.Config
	reg  *task.Registry

	log  logx.Logger
	logs *logx.Service

	store   storage.Store
	list    *tasklist.TaskList
	bus     eventbus.Bus
	prom    *prometheus.Registry
	metrics *metrics.Metrics
	server  *ipc.Server

	dispatch chan ipc.Message
	events   chan ipc.Message

	spawner workerpool.Spawner
	sched   *scheduler.Scheduler
	pool    *workerpool.Pool
}

// Option customizes New. Tests use it to swap the task process spawner.
type Option func(*App)

// WithSpawner replaces the exec spawner used by the worker pool.
func WithSpawner(sp workerpool.Spawner) Option {
	return func(a *App) { a.spawner = sp }
}

// New loads the config at cfgPath (empty means defaults) and builds every
// component. reg must already hold the workers; the config-jobs hook is
// added here. Nothing runs until Run.
func New(ctx context.Context, cfgPath string, reg *task.Registry, opts ...Option) (_ *App, err error) {
	cfgm := config.NewManager(cfgPath, logx.NewConsole("info").With(logx.String("comp", "config")))
	cfgm.SetValidator(func(ctx context.Context, cfg *config.Config) error {
		return workers.Check(reg, cfg, time.Now())
	})
	cfg, err := cfgm.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log, lerr := logx.New(cfg.LogConfig())
	a := &App{cfgm: cfgm, cfg: cfg, reg: reg, logs: logSvc, log: log.With(logx.String("comp", "app"))}
	if lerr != nil {
		a.log.Warn("log file sink disabled", logx.Err(lerr))
	}
	for _, o := range opts {
		o(a)
	}
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if err := os.MkdirAll(cfg.BaseDir, 0o750); err != nil {
		return nil, fmt.Errorf("base_dir: %w", err)
	}
	if err := workers.ApplyPoolSizes(reg, cfg.Workers); err != nil {
		return nil, err
	}
	if err := reg.RegisterBootstrap(workers.JobsHookName, workers.JobsHook(a.jobs, nil)); err != nil {
		return nil, err
	}

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}
	a.bus = eventbus.New()
	a.prom = prometheus.NewRegistry()
	a.prom.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.MustNew(a.prom, a.bus)

	if err := a.listen(); err != nil {
		return nil, err
	}
	if err := a.build(); err != nil {
		return nil, err
	}
	a.log.Info("app ready",
		logx.String("base_dir", cfg.BaseDir),
		logx.String("socket", a.server.Addr()),
		logx.String("storage", cfg.Storage.Driver),
		logx.Int("workers", len(reg.Workers())),
	)
	return a, nil
}

func (a *App) jobs() []config.JobConfig {
	if cfg := a.cfgm.Get(); cfg != nil {
		return cfg.Jobs
	}
	return nil
}

func (a *App) openStore(ctx context.Context) error {
	sc, err := storageConfig(a.cfg)
	if err != nil {
		return err
	}
	st, err := storage.Open(sc, a.log.With(logx.String("comp", "storage")))
	if err != nil {
		return err
	}
	a.store = st
	if err := st.Bootstrap(ctx); err != nil {
		return err
	}
	a.list = tasklist.New(st)
	return nil
}

func (a *App) listen() error {
	sc, err := serverConfig(a.cfg)
	if err != nil {
		return err
	}
	srv, err := ipc.Listen(sc, a.log.With(logx.String("comp", "ipc")))
	if err != nil {
		return err
	}
	a.server = srv
	return nil
}

func (a *App) build() error {
	a.dispatch = make(chan ipc.Message, a.cfg.Scheduler.DispatchBuffer)
	a.events = make(chan ipc.Message, a.cfg.Scheduler.EventBuffer)

	sched, err := scheduler.New(schedulerConfig(a.cfg), scheduler.Deps{
		List:     a.list,
		Registry: a.reg,
		Requests: a.server.Requests(),
		Dispatch: a.dispatch,
		Events:   a.events,
		Bus:      a.bus,
		Metrics:  a.metrics,
		Log:      a.logs.Logger(),
	})
	if err != nil {
		return err
	}
	a.sched = sched

	if a.spawner == nil {
		sp, err := spawner(a.cfg, a.logs.Logger().With(logx.String("comp", "spawner")))
		if err != nil {
			return err
		}
		a.spawner = sp
	}
	pool, err := workerpool.New(poolConfig(a.cfg), workerpool.Deps{
		Registry: a.reg,
		Spawner:  a.spawner,
		Dispatch: a.dispatch,
		Events:   a.events,
		Metrics:  a.metrics,
		Log:      a.logs.Logger(),
	})
	if err != nil {
		return err
	}
	a.pool = pool
	return nil
}

// Run starts the daemon and blocks until it has drained after a terminate
// signal, ctx is canceled, or a component dies. Cancelling ctx drains like
// SIGTERM.
func (a *App) Run(ctx context.Context) error {
	// Runners outlive ctx so they can drain; Shutdown bounds them.
	runCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	defer stop()

	if err := a.sched.Start(runCtx); err != nil {
		return err
	}

	set := proc.NewSet(runCtx, a.log)
	set.Add(proc.NewRunner(a.sched, proc.WithRunnerLogger(a.log.With(logx.String("runner", a.sched.Name()))), proc.WithChecker(set)))
	set.Add(proc.NewRunner(a.pool, proc.WithRunnerLogger(a.log.With(logx.String("runner", a.pool.Name())))))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.server.Serve(runCtx) })
	g.Go(func() error { return a.cfgm.Watch(gctx) })
	g.Go(func() error { return a.reloadLoop(gctx, set) })
	g.Go(func() error { return a.metrics.ConsumeBus(gctx, a.bus) })
	if a.cfg.Metrics.Enabled {
		// a metrics listener that cannot bind is retried, never fatal
		mlog := a.log.With(logx.String("comp", "metrics"))
		side := proc.NewSupervisor(gctx, proc.WithLogger(mlog))
		side.GoRestart("metrics.http", time.Second, 30*time.Second, func(ctx context.Context) error {
			return metrics.Serve(ctx, a.cfg.Metrics.Addr, a.prom, a.cfg.Metrics.Pprof, mlog)
		})
		g.Go(func() error { return side.Wait(context.Background()) })
	}

	set.Start()
	proc.Notify(runCtx, a.log, proc.SignalHandlers{
		ChildExited: set.ChildExited,
		Hangup:      func() { go a.hangup(runCtx, set) },
		Terminate: func() {
			a.notify(sdStopping)
			set.Terminate()
		},
		Abort: set.Abort,
	})
	a.notify(sdReady)
	a.log.Info("taskd started", logx.Int("pid", os.Getpid()))

	werr := set.Watch(gctx, watchInterval)
	if werr != nil {
		a.log.Error("component died, shutting down", logx.Err(werr))
	}
	a.notify(sdStopping)
	serr := set.Shutdown(context.Background(), a.drainTimeout())
	if serr != nil {
		a.log.Warn("shutdown incomplete", logx.Err(serr))
	}
	for _, st := range set.Snapshot() {
		a.log.Debug("runner stats",
			logx.String("name", st.Name),
			logx.Int("starts", int(st.Starts)),
			logx.Int("panics", int(st.Panics)),
			logx.Duration("runtime", st.Runtime),
			logx.String("last_err", st.LastErr),
		)
	}

	stop()
	gerr := g.Wait()
	if errors.Is(gerr, context.Canceled) {
		gerr = nil
	}
	a.log.Info("taskd stopped")
	return errors.Join(werr, serr, gerr)
}

// hangup re-reads the config file; an unchanged file still re-runs the
// bootstrap hooks.
func (a *App) hangup(ctx context.Context, set *proc.Set) {
	changed, err := a.cfgm.Reload(ctx)
	if err != nil {
		a.log.Warn("config reload rejected, keeping previous", logx.Err(err))
	}
	if !changed {
		a.notify(sdReloading)
		set.Hangup()
		a.notify(sdReady)
	}
}

func (a *App) drainTimeout() time.Duration {
	return config.MustDuration(a.cfg.Scheduler.DrainTimeout, 30*time.Second)
}

// Config returns the committed config.
func (a *App) Config() *config.Config { return a.cfgm.Get() }

// Close releases the listener, the store and the log sinks. Run does not
// call it.
func (a *App) Close() error {
	var errs []error
	if a.server != nil {
		_ = a.step("ipc", time.Second, func(context.Context) error { return a.server.Close() })
	}
	if a.store != nil {
		errs = append(errs, a.step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() }))
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}
