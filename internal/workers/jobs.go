package workers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"taskd/internal/config"
	"taskd/internal/scheduler"
	"taskd/internal/task"
)

// JobsHookName is the bootstrap hook that seeds configured jobs.
const JobsHookName = "config-jobs"

// JobsHook turns the current config jobs into task definitions. jobs is
// called on every run so a reload picks up edits.
//
// Values from the scheduler context fill options the job leaves unset.
func JobsHook(jobs func() []config.JobConfig, now func() time.Time) task.BootstrapFunc {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context, sc map[string]any) ([]task.Task, error) {
		list := jobs()
		out := make([]task.Task, 0, len(list))
		at := now()
		for _, j := range list {
			t, err := JobTask(j, sc, at)
			if err != nil {
				return nil, err
			}
			out = append(out, t)
		}
		return out, nil
	}
}

// JobTask converts one job. first_run is a cron spec or an interval from now;
// empty means due now.
func JobTask(j config.JobConfig, sc map[string]any, now time.Time) (task.Task, error) {
	id := strings.TrimSpace(j.ID)
	redo, err := config.ParseRedoField("jobs."+id+".redo_interval", j.RedoInterval)
	if err != nil {
		return task.Task{}, err
	}
	expire, err := config.ParseSecondsField("jobs."+id+".expire", j.Expire)
	if err != nil {
		return task.Task{}, err
	}
	start := now
	if raw := strings.TrimSpace(j.FirstRun); raw != "" {
		sched, err := scheduler.ParseTiming(raw)
		if err != nil {
			return task.Task{}, fmt.Errorf("jobs.%s.first_run: %w", id, err)
		}
		start = sched.Next(now)
	}
	opts := task.Options{}
	for k, v := range sc {
		opts[k] = v
	}
	for k, v := range j.Options {
		opts[k] = v
	}
	return task.Task{
		ID:           id,
		WorkerName:   strings.TrimSpace(j.Worker),
		Options:      opts,
		StartAt:      start,
		RedoInterval: redo,
		Expire:       expire,
	}, nil
}

// ApplyPoolSizes copies configured pool sizes into reg.
func ApplyPoolSizes(reg *task.Registry, workers map[string]config.WorkerConfig) error {
	for name, w := range workers {
		if err := reg.SetPoolSize(name, w.PoolSize); err != nil {
			return fmt.Errorf("workers.%s: %w", name, err)
		}
	}
	return nil
}

// Check validates the parts of cfg that need the registry.
func Check(reg *task.Registry, cfg *config.Config, now time.Time) error {
	for name := range cfg.Workers {
		if _, ok := reg.Worker(name); !ok {
			return fmt.Errorf("workers.%s: %w", name, task.ErrUnknownWorker)
		}
	}
	for _, j := range cfg.Jobs {
		if _, ok := reg.Worker(strings.TrimSpace(j.Worker)); !ok {
			return fmt.Errorf("jobs.%s.worker: %w: %s", j.ID, task.ErrUnknownWorker, j.Worker)
		}
		if _, err := JobTask(j, nil, now); err != nil {
			return err
		}
	}
	return nil
}
