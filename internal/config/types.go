package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"taskd/pkg/logx"
)

// Config is the daemon configuration file.
//
// Relative paths are resolved against base_dir. All durations are Go duration
// strings ("500ms", "10s"); job redo_interval and expire also accept whole
// seconds.
type Config struct {
	BaseDir    string                  `json:"base_dir,omitempty"`
	IPC        IPCConfig               `json:"ipc"`
	Logging    LoggingConfig           `json:"logging"`
	Storage    StorageConfig           `json:"storage"`
	Scheduler  SchedulerConfig         `json:"scheduler"`
	WorkerPool WorkerPoolConfig        `json:"worker_pool"`
	Workers    map[string]WorkerConfig `json:"workers,omitempty"`
	Jobs       []JobConfig             `json:"jobs,omitempty"`
	Metrics    MetricsConfig           `json:"metrics"`
}

type IPCConfig struct {
	Socket         string `json:"socket,omitempty"`
	KeyFile        string `json:"key_file,omitempty"`
	RequestTimeout string `json:"request_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string            `json:"level,omitempty"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file"`
}

// LoggingFileConfig controls the rotating JSON log file.
// Zero values fall back to lumberjack defaults.
type LoggingFileConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path,omitempty"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
	Compress   bool   `json:"compress,omitempty"`
}

// StorageConfig selects the task store backend.
//
// Driver values:
//   - "sqlite" (default)
//   - "file": snapshot + journal
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type SchedulerConfig struct {
	Tick string `json:"tick,omitempty"`
	// VacuumSchedule is a cron spec, "@every 1h" or a plain duration.
	VacuumSchedule string `json:"vacuum_schedule,omitempty"`
	DispatchBuffer int    `json:"dispatch_buffer,omitempty"`
	EventBuffer    int    `json:"event_buffer,omitempty"`
	// DrainTimeout bounds a graceful stop before running executions are killed.
	DrainTimeout string `json:"drain_timeout,omitempty"`
}

type WorkerPoolConfig struct {
	PollInterval    string  `json:"poll_interval,omitempty"`
	SpawnRatePerSec float64 `json:"spawn_rate_per_sec,omitempty"`
	OutputLimit     int     `json:"output_limit,omitempty"`
	// Command overrides the executable used for task processes. Empty means
	// re-exec the daemon binary with "exec-worker".
	Command []string `json:"command,omitempty"`
}

type WorkerConfig struct {
	PoolSize int `json:"pool_size"`
}

// JobConfig declares a task that is (re)created on every start and reload.
type JobConfig struct {
	ID           string         `json:"id"`
	Worker       string         `json:"worker"`
	Options      map[string]any `json:"options,omitempty"`
	FirstRun     string         `json:"first_run,omitempty"`
	RedoInterval string         `json:"redo_interval,omitempty"`
	Expire       string         `json:"expire,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	// Pprof mounts net/http/pprof on the metrics listener.
	Pprof bool `json:"pprof,omitempty"`
}

const (
	DefaultBaseDir        = "/var/lib/taskd"
	DefaultSocket         = "taskd.sock"
	DefaultKeyFile        = "taskd.key"
	DefaultStoragePath    = "tasks.db"
	DefaultLogFile        = "taskd.log"
	DefaultRequestTimeout = "5s"
	DefaultTick           = "1s"
	DefaultVacuum         = "@hourly"
	DefaultDispatchBuffer = 256
	DefaultEventBuffer    = 256
	DefaultDrainTimeout   = "30s"
	DefaultPollInterval   = "200ms"
	DefaultMetricsAddr    = "127.0.0.1:9464"
)

// Default returns a config usable without a file.
func Default() *Config {
	cfg := &Config{Logging: LoggingConfig{Level: "info", Console: true}}
	cfg.Normalize()
	return cfg
}

// Normalize fills defaults in place. It never touches values that are set.
func (c *Config) Normalize() {
	c.BaseDir = strings.TrimSpace(c.BaseDir)
	if c.BaseDir == "" {
		c.BaseDir = DefaultBaseDir
	}
	if c.IPC.Socket == "" {
		c.IPC.Socket = DefaultSocket
	}
	if c.IPC.KeyFile == "" {
		c.IPC.KeyFile = DefaultKeyFile
	}
	if c.IPC.RequestTimeout == "" {
		c.IPC.RequestTimeout = DefaultRequestTimeout
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		c.Logging.File.Path = DefaultLogFile
	}
	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = DefaultStoragePath
	}
	if c.Scheduler.Tick == "" {
		c.Scheduler.Tick = DefaultTick
	}
	if c.Scheduler.VacuumSchedule == "" {
		c.Scheduler.VacuumSchedule = DefaultVacuum
	}
	if c.Scheduler.DispatchBuffer <= 0 {
		c.Scheduler.DispatchBuffer = DefaultDispatchBuffer
	}
	if c.Scheduler.EventBuffer <= 0 {
		c.Scheduler.EventBuffer = DefaultEventBuffer
	}
	if c.Scheduler.DrainTimeout == "" {
		c.Scheduler.DrainTimeout = DefaultDrainTimeout
	}
	if c.WorkerPool.PollInterval == "" {
		c.WorkerPool.PollInterval = DefaultPollInterval
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		c.Metrics.Addr = DefaultMetricsAddr
	}
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	if !filepath.IsAbs(c.BaseDir) {
		errs = append(errs, fmt.Errorf("base_dir: must be absolute, got %q", c.BaseDir))
	}
	_, err := ParseDurationField("ipc.request_timeout", c.IPC.RequestTimeout)
	check(err)
	_, err = ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout)
	check(err)
	_, err = ParseDurationField("scheduler.tick", c.Scheduler.Tick)
	check(err)
	_, err = ParseDurationField("scheduler.drain_timeout", c.Scheduler.DrainTimeout)
	check(err)
	_, err = ParseDurationField("worker_pool.poll_interval", c.WorkerPool.PollInterval)
	check(err)

	switch c.Storage.Driver {
	case "sqlite", "file":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	if c.WorkerPool.SpawnRatePerSec < 0 {
		errs = append(errs, errors.New("worker_pool.spawn_rate_per_sec: must be >= 0"))
	}
	if c.WorkerPool.OutputLimit < 0 {
		errs = append(errs, errors.New("worker_pool.output_limit: must be >= 0"))
	}
	for name, w := range c.Workers {
		if w.PoolSize <= 0 {
			errs = append(errs, fmt.Errorf("workers.%s.pool_size: must be > 0", name))
		}
	}

	seen := make(map[string]struct{}, len(c.Jobs))
	for i, j := range c.Jobs {
		at := fmt.Sprintf("jobs[%d]", i)
		id := strings.TrimSpace(j.ID)
		if id == "" {
			errs = append(errs, fmt.Errorf("%s.id: required", at))
		} else if _, dup := seen[id]; dup {
			errs = append(errs, fmt.Errorf("%s.id: duplicate %q", at, id))
		}
		seen[id] = struct{}{}
		if strings.TrimSpace(j.Worker) == "" {
			errs = append(errs, fmt.Errorf("%s.worker: required", at))
		}
		_, err := ParseRedoField(at+".redo_interval", j.RedoInterval)
		check(err)
		_, err = ParseSecondsField(at+".expire", j.Expire)
		check(err)
	}
	return errors.Join(errs...)
}

// Path resolves p against base_dir.
func (c *Config) Path(p string) string {
	p = strings.TrimSpace(p)
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.BaseDir, p)
}

// LogConfig maps the logging section onto logx, resolving the file path.
func (c *Config) LogConfig() logx.Config {
	f := c.Logging.File
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File: logx.FileConfig{
			Enabled:    f.Enabled,
			Path:       c.Path(f.Path),
			MaxSizeMB:  f.MaxSizeMB,
			MaxBackups: f.MaxBackups,
			MaxAgeDays: f.MaxAgeDays,
			Compress:   f.Compress,
		},
	}
}
