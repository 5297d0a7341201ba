package app

import (
	"time"

	"taskd/internal/config"
	"taskd/internal/ipc"
	"taskd/internal/scheduler"
	"taskd/internal/storage"
	"taskd/internal/workerpool"
	"taskd/pkg/logx"
)

// The config already passed Validate, so parse errors below only guard
// against callers that skipped it.

func storageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Path(cfg.Storage.Path),
		BusyTimeout: busy,
	}, nil
}

func serverConfig(cfg *config.Config) (ipc.ServerConfig, error) {
	timeout, err := config.ParseDurationOrDefault("ipc.request_timeout", cfg.IPC.RequestTimeout, 5*time.Second)
	if err != nil {
		return ipc.ServerConfig{}, err
	}
	key, err := ipc.LoadOrCreateKey(cfg.Path(cfg.IPC.KeyFile))
	if err != nil {
		return ipc.ServerConfig{}, err
	}
	return ipc.ServerConfig{Socket: cfg.Path(cfg.IPC.Socket), Key: key, Timeout: timeout}, nil
}

func schedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Tick:           config.MustDuration(cfg.Scheduler.Tick, time.Second),
		VacuumSchedule: cfg.Scheduler.VacuumSchedule,
	}
}

func poolConfig(cfg *config.Config) workerpool.Config {
	return workerpool.Config{
		PollInterval: config.MustDuration(cfg.WorkerPool.PollInterval, 200*time.Millisecond),
		SpawnRate:    cfg.WorkerPool.SpawnRatePerSec,
	}
}

// spawner re-executes this binary unless worker_pool.command overrides it.
func spawner(cfg *config.Config, log logx.Logger) (*workerpool.ExecSpawner, error) {
	var (
		path string
		args []string
	)
	if cmd := cfg.WorkerPool.Command; len(cmd) > 0 {
		path, args = cmd[0], append([]string{}, cmd[1:]...)
	}
	return workerpool.NewExecSpawner(path, args, cfg.WorkerPool.OutputLimit, log)
}
