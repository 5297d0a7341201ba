package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

var drivers = []struct {
	name   string
	driver string
	file   string
}{
	{name: "sqlite", driver: "sqlite", file: "tasks.db"},
	{name: "file", driver: "file", file: "tasks.json"},
}

func openTestStore(t *testing.T, driver, path string) Store {
	t.Helper()
	st, err := Open(Config{Driver: driver, Path: path}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.Bootstrap(context.Background()))
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newTask(id string, start time.Time) task.Task {
	tk := task.Task{ID: id, WorkerName: "echo", Options: task.Options{"msg": id}, StartAt: start}
	tk.Normalize(start)
	return tk
}

func forEachDriver(t *testing.T, fn func(t *testing.T, st Store)) {
	for _, d := range drivers {
		d := d
		t.Run(d.name, func(t *testing.T) {
			t.Parallel()
			fn(t, openTestStore(t, d.driver, filepath.Join(t.TempDir(), d.file)))
		})
	}
}

func TestInsertGetUpdateDelete(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		now := time.Unix(1_700_000_000, 0)
		tk := newTask("a", now)

		require.NoError(t, st.Insert(ctx, tk))
		err := st.Insert(ctx, tk)
		assert.ErrorIs(t, err, task.ErrDuplicate)

		got, ok, err := st.Get(ctx, "a")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "echo", got.WorkerName)
		assert.Equal(t, "a", got.Options.String("msg"))
		assert.Equal(t, task.StatusDefault, got.Status)
		assert.True(t, got.StopAt.IsZero())
		assert.Equal(t, task.DefaultExpire, got.Expire)

		got.SetStatus(task.StatusDone, now.Add(time.Second))
		got.Output = "ok"
		require.NoError(t, st.Update(ctx, got))
		again, _, err := st.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, task.StatusDone, again.Status)
		assert.Equal(t, now.Add(time.Second).Unix(), again.StopAt.Unix())
		assert.Equal(t, "ok", again.Output)

		assert.ErrorIs(t, st.Update(ctx, newTask("missing", now)), task.ErrNotFound)

		ok, err = st.Exists(ctx, "a")
		require.NoError(t, err)
		assert.True(t, ok)

		require.NoError(t, st.Delete(ctx, "a"))
		assert.ErrorIs(t, st.Delete(ctx, "a"), task.ErrNotFound)
		_, ok, err = st.Get(ctx, "a")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestListToDo(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		now := time.Unix(1_700_000_000, 0)

		require.NoError(t, st.Insert(ctx, newTask("past", now.Add(-time.Minute))))
		require.NoError(t, st.Insert(ctx, newTask("now", now)))
		require.NoError(t, st.Insert(ctx, newTask("future", now.Add(time.Minute))))

		due, err := st.ListToDo(ctx, task.StatusDefault, now, false)
		require.NoError(t, err)
		require.Len(t, due, 2)
		assert.Equal(t, "past", due[0].ID)
		assert.Equal(t, "now", due[1].ID)

		none, err := st.ListToDo(ctx, task.StatusScheduled, now, false)
		require.NoError(t, err)
		assert.Empty(t, none)

		redo := newTask("redo", now.Add(-30*time.Second))
		redo.RedoInterval = time.Minute
		redo.SetStatus(task.StatusDone, now)
		require.NoError(t, st.Insert(ctx, redo))

		got, err := st.ListToDo(ctx, task.Redoable, now, true)
		require.NoError(t, err)
		assert.Empty(t, got)

		got, err = st.ListToDo(ctx, task.Redoable, now.Add(30*time.Second), true)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "redo", got[0].ID)
	})
}

func TestRecover(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		now := time.Unix(1_700_000_000, 0)
		statuses := map[string]task.Status{
			"sched":  task.StatusScheduled,
			"queued": task.StatusQueued,
			"doing":  task.StatusDoing,
			"done":   task.StatusDone,
		}
		for id, s := range statuses {
			tk := newTask(id, now)
			tk.SetStatus(s, now)
			require.NoError(t, st.Insert(ctx, tk))
		}

		later := now.Add(time.Hour)
		require.NoError(t, st.Recover(ctx, later))
		// Idempotent.
		require.NoError(t, st.Recover(ctx, later))

		want := map[string]task.Status{
			"sched":  task.StatusDefault,
			"queued": task.StatusAborted,
			"doing":  task.StatusAborted,
			"done":   task.StatusDone,
		}
		for id, s := range want {
			got, ok, err := st.Get(ctx, id)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, s, got.Status, id)
		}
		got, _, _ := st.Get(ctx, "doing")
		assert.Equal(t, later.Unix(), got.StopAt.Unix())

		n, err := st.CountByStatus(ctx, task.InFlight)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestPurgeKeepsRedoAndFreshTasks(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		now := time.Unix(1_700_000_000, 0)

		old := newTask("old", now)
		old.Expire = 10 * time.Second
		old.SetStatus(task.StatusDone, now)
		require.NoError(t, st.Insert(ctx, old))

		fresh := newTask("fresh", now)
		fresh.SetStatus(task.StatusFailed, now.Add(55*time.Second))
		require.NoError(t, st.Insert(ctx, fresh))

		redo := newTask("redo", now)
		redo.Expire = time.Second
		redo.RedoInterval = time.Hour
		redo.SetStatus(task.StatusDone, now)
		require.NoError(t, st.Insert(ctx, redo))

		pending := newTask("pending", now)
		require.NoError(t, st.Insert(ctx, pending))

		n, err := st.Purge(ctx, task.Terminal, now.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		all, err := st.List(ctx)
		require.NoError(t, err)
		ids := make([]string, 0, len(all))
		for _, tk := range all {
			ids = append(ids, tk.ID)
		}
		assert.ElementsMatch(t, []string{"fresh", "redo", "pending"}, ids)
		require.NoError(t, st.Vacuum(ctx))
	})
}

func TestFileStoreReplaysJournal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tasks.json")
	now := time.Unix(1_700_000_000, 0)

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.Bootstrap(ctx))
	require.NoError(t, st.Insert(ctx, newTask("a", now)))
	require.NoError(t, st.Insert(ctx, newTask("b", now)))
	require.NoError(t, st.Delete(ctx, "a"))
	require.NoError(t, st.Close())

	st2 := openTestStore(t, "file", path)
	all, err := st2.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "b", all[0].ID)
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	_, err := Open(Config{Driver: "redis", Path: "x"}, logx.Nop())
	assert.ErrorIs(t, err, task.ErrStorage)
}

func TestSubSecondRedoStaysRedo(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		now := time.Unix(1_700_000_000, 0)
		tk := newTask("fast", now)
		tk.RedoInterval = 500 * time.Millisecond
		tk.Expire = 1500 * time.Millisecond
		require.NoError(t, st.Insert(ctx, tk))

		got, ok, err := st.Get(ctx, "fast")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, time.Second, got.RedoInterval)
		assert.Equal(t, 2*time.Second, got.Expire)
	})
}
