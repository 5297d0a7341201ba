package storage

import (
	"context"
	"encoding/json"
	"time"

	"taskd/internal/task"
)

// Store is durable CRUD over task records. It is opened by exactly one
// process and all calls are serialized by the scheduler loop.
type Store interface {
	// Bootstrap prepares the backing medium. It is idempotent.
	Bootstrap(ctx context.Context) error
	Insert(ctx context.Context, t task.Task) error
	Update(ctx context.Context, t task.Task) error
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (t task.Task, ok bool, err error)
	Exists(ctx context.Context, id string) (bool, error)
	// List returns every task ordered by start time.
	List(ctx context.Context) ([]task.Task, error)
	// ListToDo returns due tasks whose status intersects mask. With redo set,
	// it returns redo tasks whose start time + redo interval has passed.
	ListToDo(ctx context.Context, mask task.Status, now time.Time, redo bool) ([]task.Task, error)
	// Recover flips in-flight tasks to aborted and scheduled ones back to default.
	Recover(ctx context.Context, now time.Time) error
	// Purge deletes expired one-shot tasks whose status intersects mask.
	Purge(ctx context.Context, mask task.Status, now time.Time) (int, error)
	CountByStatus(ctx context.Context, mask task.Status) (int, error)
	Vacuum(ctx context.Context) error
	Close() error
}

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "file":   snapshot + journal files sharing Path as prefix
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// record is the persisted shape of a task. Times are unix seconds and
// durations are whole seconds, so both drivers agree on resolution.
type record struct {
	ID           string          `json:"id"`
	WorkerName   string          `json:"worker_name"`
	Options      json.RawMessage `json:"options"`
	Status       uint16          `json:"status"`
	Start        int64           `json:"start_datetime"`
	Stop         int64           `json:"stop_datetime,omitempty"` // 0 = unset
	Output       string          `json:"output,omitempty"`
	RedoInterval int64           `json:"redo_interval"`
	Expire       int64           `json:"expire"`
}

func toRecord(t task.Task) (record, error) {
	opts := t.Options
	if opts == nil {
		opts = task.Options{}
	}
	b, err := json.Marshal(opts)
	if err != nil {
		return record{}, err
	}
	r := record{
		ID:           t.ID,
		WorkerName:   t.WorkerName,
		Options:      b,
		Status:       uint16(t.Status),
		Start:        t.StartAt.Unix(),
		Output:       t.Output,
		RedoInterval: seconds(t.RedoInterval),
		Expire:       seconds(t.Expire),
	}
	if !t.StopAt.IsZero() {
		r.Stop = t.StopAt.Unix()
	}
	return r, nil
}

// seconds rounds up so a positive sub-second interval never becomes 0,
// which would turn a redo task into a one-shot.
func seconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64((d + time.Second - 1) / time.Second)
}

func (r record) task() (task.Task, error) {
	t := task.Task{
		ID:           r.ID,
		WorkerName:   r.WorkerName,
		Status:       task.Status(r.Status),
		StartAt:      time.Unix(r.Start, 0),
		Output:       r.Output,
		RedoInterval: time.Duration(r.RedoInterval) * time.Second,
		Expire:       time.Duration(r.Expire) * time.Second,
	}
	if r.Stop != 0 {
		t.StopAt = time.Unix(r.Stop, 0)
	}
	t.Options = task.Options{}
	if len(r.Options) > 0 {
		if err := json.Unmarshal(r.Options, &t.Options); err != nil {
			return task.Task{}, err
		}
	}
	return t, nil
}
