package config

import (
	"reflect"
	"sort"

	"taskd/pkg/logx"
)

// Change summarizes a reload for logging and for deciding what can be
// applied live.
type Change struct {
	// Sections lists changed top-level keys in file order.
	Sections []string
	// Restart lists changed sections that only take effect after a restart.
	Restart []string
	// Jobs lists ids of jobs that were added, removed or edited.
	Jobs []string
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// Fields renders the change as log fields.
func (c Change) Fields() []logx.Field {
	return []logx.Field{
		logx.Any("changed", c.Sections),
		logx.Any("restart_required", c.Restart),
		logx.Int("jobs_changed", len(c.Jobs)),
	}
}

// Diff compares two configs section by section. Logging, workers and jobs
// are applied live; everything else needs a restart.
func Diff(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	section := func(name string, a, b any, live bool) {
		if reflect.DeepEqual(a, b) {
			return
		}
		ch.Sections = append(ch.Sections, name)
		if !live {
			ch.Restart = append(ch.Restart, name)
		}
	}
	section("base_dir", oldCfg.BaseDir, newCfg.BaseDir, false)
	section("ipc", oldCfg.IPC, newCfg.IPC, false)
	section("logging", oldCfg.Logging, newCfg.Logging, true)
	section("storage", oldCfg.Storage, newCfg.Storage, false)
	section("scheduler", oldCfg.Scheduler, newCfg.Scheduler, false)
	section("worker_pool", oldCfg.WorkerPool, newCfg.WorkerPool, false)
	section("workers", oldCfg.Workers, newCfg.Workers, true)
	section("jobs", oldCfg.Jobs, newCfg.Jobs, true)
	section("metrics", oldCfg.Metrics, newCfg.Metrics, false)

	ch.Jobs = diffJobs(oldCfg.Jobs, newCfg.Jobs)
	return ch
}

func diffJobs(a, b []JobConfig) []string {
	old := make(map[string]JobConfig, len(a))
	for _, j := range a {
		old[j.ID] = j
	}
	var out []string
	for _, j := range b {
		prev, ok := old[j.ID]
		if !ok || !reflect.DeepEqual(prev, j) {
			out = append(out, j.ID)
		}
		delete(old, j.ID)
	}
	for id := range old {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
