package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const taskColumns = `id, worker_name, options, status, start_datetime, stop_datetime, output, redo_interval, expire`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Single writer: the scheduler loop.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Bootstrap(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return task.Storage("bootstrap", err)
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return task.Storage("bootstrap", err)
	}
	return nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return task.Storage("close", s.db.Close())
}

func (s *sqliteStore) Insert(ctx context.Context, t task.Task) error {
	r, err := toRecord(t)
	if err != nil {
		return task.Storage("insert", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks(`+taskColumns+`) VALUES(?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO NOTHING`,
		r.ID, r.WorkerName, string(r.Options), r.Status, r.Start, nullInt(r.Stop), r.Output, r.RedoInterval, r.Expire,
	)
	if err != nil {
		return task.Storage("insert", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return task.Storage("insert", err)
	}
	if n == 0 {
		return &task.DuplicateTaskError{ID: t.ID}
	}
	return nil
}

func (s *sqliteStore) Update(ctx context.Context, t task.Task) error {
	r, err := toRecord(t)
	if err != nil {
		return task.Storage("update", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET worker_name=?, options=?, status=?, start_datetime=?, stop_datetime=?, output=?, redo_interval=?, expire=?
		 WHERE id=?`,
		r.WorkerName, string(r.Options), r.Status, r.Start, nullInt(r.Stop), r.Output, r.RedoInterval, r.Expire, r.ID,
	)
	if err != nil {
		return task.Storage("update", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return task.Storage("update", err)
	}
	if n == 0 {
		return &task.NotFoundError{ID: t.ID}
	}
	return nil
}

func (s *sqliteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return task.Storage("delete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return task.Storage("delete", err)
	}
	if n == 0 {
		return &task.NotFoundError{ID: id}
	}
	return nil
}

func (s *sqliteStore) Get(ctx context.Context, id string) (task.Task, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return task.Task{}, false, nil
	}
	if err != nil {
		return task.Task{}, false, task.Storage("get", err)
	}
	return t, true, nil
}

func (s *sqliteStore) Exists(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks WHERE id=?`, id).Scan(&n)
	if err != nil {
		return false, task.Storage("exists", err)
	}
	return n > 0, nil
}

func (s *sqliteStore) List(ctx context.Context) ([]task.Task, error) {
	return s.query(ctx, "list", `SELECT `+taskColumns+` FROM tasks ORDER BY start_datetime, id`)
}

func (s *sqliteStore) ListToDo(ctx context.Context, mask task.Status, now time.Time, redo bool) ([]task.Task, error) {
	if redo {
		return s.query(ctx, "list_to_do",
			`SELECT `+taskColumns+` FROM tasks
			 WHERE (status & ?) != 0 AND redo_interval > 0 AND start_datetime + redo_interval <= ?
			 ORDER BY start_datetime, id`,
			uint16(mask), now.Unix())
	}
	return s.query(ctx, "list_to_do",
		`SELECT `+taskColumns+` FROM tasks
		 WHERE (status & ?) != 0 AND start_datetime <= ?
		 ORDER BY start_datetime, id`,
		uint16(mask), now.Unix())
}

func (s *sqliteStore) Recover(ctx context.Context, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return task.Storage("recover", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status=?, stop_datetime=? WHERE (status & ?) != 0`,
		uint16(task.StatusAborted), now.Unix(), uint16(task.InFlight)); err != nil {
		return task.Storage("recover", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status=? WHERE (status & ?) != 0`,
		uint16(task.StatusDefault), uint16(task.StatusScheduled)); err != nil {
		return task.Storage("recover", err)
	}
	return task.Storage("recover", tx.Commit())
}

func (s *sqliteStore) Purge(ctx context.Context, mask task.Status, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tasks
		 WHERE redo_interval = 0 AND (status & ?) != 0
		   AND stop_datetime IS NOT NULL AND stop_datetime + expire < ?`,
		uint16(mask), now.Unix())
	if err != nil {
		return 0, task.Storage("purge", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, task.Storage("purge", err)
	}
	return int(n), nil
}

func (s *sqliteStore) CountByStatus(ctx context.Context, mask task.Status) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks WHERE (status & ?) != 0`, uint16(mask)).Scan(&n)
	if err != nil {
		return 0, task.Storage("count", err)
	}
	return n, nil
}

func (s *sqliteStore) Vacuum(ctx context.Context) error {
	start := time.Now()
	if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
		return task.Storage("vacuum", err)
	}
	s.log.Debug("store vacuumed", logx.Duration("took", time.Since(start)))
	return nil
}

func (s *sqliteStore) query(ctx context.Context, op, q string, args ...any) ([]task.Task, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, task.Storage(op, err)
	}
	defer rows.Close()

	var out []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, task.Storage(op, err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, task.Storage(op, err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(sc scanner) (task.Task, error) {
	var (
		r    record
		opts string
		stop sql.NullInt64
	)
	if err := sc.Scan(&r.ID, &r.WorkerName, &opts, &r.Status, &r.Start, &stop, &r.Output, &r.RedoInterval, &r.Expire); err != nil {
		return task.Task{}, err
	}
	r.Options = []byte(opts)
	if stop.Valid {
		r.Stop = stop.Int64
	}
	return r.task()
}

func nullInt(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
