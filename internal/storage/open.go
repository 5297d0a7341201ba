package storage

import (
	"errors"
	"strings"

	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

// Open initializes the configured store. Callers run Bootstrap before use.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	var (
		st  Store
		err error
	)
	switch driver {
	case "file":
		st, err = openFile(cfg, log)
	case "sqlite", "sqlite3":
		st, err = openSQLite(cfg, log)
	default:
		return nil, task.Storage("open", errors.New("unknown storage driver: "+driver))
	}
	if err != nil {
		return nil, task.Storage("open", err)
	}
	return st, nil
}
