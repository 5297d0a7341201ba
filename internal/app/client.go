package app

import (
	"time"

	"taskd/internal/config"
	"taskd/internal/ipc"
	"taskd/pkg/logx"
)

// Client builds an IPC client for the daemon described by cfg. The key
// file must already exist; only the daemon creates it.
func Client(cfg *config.Config) (*ipc.Client, error) {
	key, err := ipc.LoadKey(cfg.Path(cfg.IPC.KeyFile))
	if err != nil {
		return nil, err
	}
	timeout := config.MustDuration(cfg.IPC.RequestTimeout, 5*time.Second)
	return ipc.NewClient(cfg.Path(cfg.IPC.Socket), key, timeout), nil
}

// LoadConfig reads cfgPath the same way the daemon does, without the
// registry-dependent checks.
func LoadConfig(path string) (*config.Config, error) {
	cfg, err := config.NewManager(path, logx.Nop()).Parse()
	if err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}
