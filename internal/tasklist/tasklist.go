// Package tasklist is the domain view over a storage.Store: id assignment
// and typed errors on top of plain CRUD.
package tasklist

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/xid"

	"taskd/internal/storage"
	"taskd/internal/task"
)

const maxIDAttempts = 8

// TaskList is not safe for concurrent use; the scheduler loop owns it.
type TaskList struct {
	store storage.Store
	newID func() string
	now   func() time.Time
}

type Option func(*TaskList)

// WithIDFunc overrides id generation. Tests use it to force collisions.
func WithIDFunc(fn func() string) Option {
	return func(l *TaskList) {
		if fn != nil {
			l.newID = fn
		}
	}
}

func WithClock(fn func() time.Time) Option {
	return func(l *TaskList) {
		if fn != nil {
			l.now = fn
		}
	}
}

func New(store storage.Store, opts ...Option) *TaskList {
	l := &TaskList{
		store: store,
		newID: func() string { return xid.New().String() },
		now:   time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *TaskList) Store() storage.Store { return l.store }

// Push normalizes t, assigns an id when none is given and inserts it.
// A caller-supplied id that already exists fails with DuplicateTaskError.
func (l *TaskList) Push(ctx context.Context, t task.Task) (task.Task, error) {
	t.Normalize(l.now())
	if t.WorkerName == "" {
		return task.Task{}, fmt.Errorf("worker_name is required")
	}
	if !t.Status.Valid() {
		return task.Task{}, fmt.Errorf("invalid status %v", t.Status)
	}
	if t.ID != "" {
		if err := l.store.Insert(ctx, t); err != nil {
			return task.Task{}, err
		}
		return t, nil
	}

	for i := 0; i < maxIDAttempts; i++ {
		t.ID = l.newID()
		ok, err := l.store.Exists(ctx, t.ID)
		if err != nil {
			return task.Task{}, err
		}
		if ok {
			continue
		}
		err = l.store.Insert(ctx, t)
		if err == nil {
			return t, nil
		}
		if !task.IsDuplicate(err) {
			return task.Task{}, err
		}
	}
	return task.Task{}, fmt.Errorf("no unique id after %d attempts: %w", maxIDAttempts, task.ErrDuplicate)
}

func (l *TaskList) Get(ctx context.Context, id string) (task.Task, error) {
	t, ok, err := l.store.Get(ctx, id)
	if err != nil {
		return task.Task{}, err
	}
	if !ok {
		return task.Task{}, &task.NotFoundError{ID: id}
	}
	return t, nil
}

// Lookup is Get without the NotFoundError.
func (l *TaskList) Lookup(ctx context.Context, id string) (task.Task, bool, error) {
	return l.store.Get(ctx, id)
}

func (l *TaskList) Update(ctx context.Context, t task.Task) error {
	return l.store.Update(ctx, t)
}

func (l *TaskList) Rm(ctx context.Context, id string) error {
	return l.store.Delete(ctx, id)
}

func (l *TaskList) List(ctx context.Context) ([]task.Task, error) {
	return l.store.List(ctx)
}

func (l *TaskList) ListToDo(ctx context.Context, mask task.Status, now time.Time, redo bool) ([]task.Task, error) {
	return l.store.ListToDo(ctx, mask, now, redo)
}

func (l *TaskList) Purge(ctx context.Context, mask task.Status, now time.Time) (int, error) {
	return l.store.Purge(ctx, mask, now)
}

func (l *TaskList) Recover(ctx context.Context) error {
	return l.store.Recover(ctx, l.now())
}

func (l *TaskList) CountByStatus(ctx context.Context, mask task.Status) (int, error) {
	return l.store.CountByStatus(ctx, mask)
}

// NTodo counts queued and running tasks; draining completes at zero.
func (l *TaskList) NTodo(ctx context.Context) (int, error) {
	return l.store.CountByStatus(ctx, task.InFlight)
}

func (l *TaskList) Vacuum(ctx context.Context) error {
	return l.store.Vacuum(ctx)
}
