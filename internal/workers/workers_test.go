package workers

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskd/internal/config"
	"taskd/internal/task"
)

func TestBuiltins(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tests := []struct {
		name    string
		run     task.WorkerFunc
		opts    task.Options
		want    string
		wantErr string
	}{
		{name: "echo", run: Echo, opts: task.Options{"msg": "hello"}, want: "hello"},
		{name: "sleep", run: Sleep, opts: task.Options{"seconds": uint64(0)}, want: "slept 0s"},
		{name: "sleep fraction", run: Sleep, opts: task.Options{"seconds": 0.01}, want: "slept 10ms"},
		{name: "sleep missing", run: Sleep, opts: task.Options{}, wantErr: "options.seconds"},
		{name: "fail default", run: Fail, wantErr: "failed on purpose"},
		{name: "fail msg", run: Fail, opts: task.Options{"msg": "nope"}, wantErr: "nope"},
		{name: "command argv", run: Command, opts: task.Options{"argv": []any{"echo", "a b"}}, want: "a b\n"},
		{name: "command cmd", run: Command, opts: task.Options{"cmd": "echo hi"}, want: "hi\n"},
		{name: "command missing", run: Command, opts: task.Options{}, wantErr: "required"},
		{name: "command bad argv", run: Command, opts: task.Options{"argv": []any{"echo", 1}}, wantErr: "not a string"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			out, err := tt.run(ctx, task.Task{ID: "t", Options: tt.opts})
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestSleepHonorsContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := Sleep(ctx, task.Task{Options: task.Options{"seconds": 60}})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRegister(t *testing.T) {
	t.Parallel()
	reg := task.NewRegistry()
	require.NoError(t, Register(reg))
	require.Error(t, Register(reg), "second registration must collide")
	require.NoError(t, ApplyPoolSizes(reg, map[string]config.WorkerConfig{"sleep": {PoolSize: 3}}))
	w, ok := reg.Worker("sleep")
	require.True(t, ok)
	assert.Equal(t, 3, w.PoolSize)
	err := ApplyPoolSizes(reg, map[string]config.WorkerConfig{"nope": {PoolSize: 1}})
	require.ErrorIs(t, err, task.ErrUnknownWorker)
}

func TestJobsHook(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 5, 1, 10, 30, 0, 0, time.Local)
	jobs := []config.JobConfig{
		{ID: "now", Worker: "echo", Options: map[string]any{"msg": "x"}},
		{ID: "later", Worker: "echo", FirstRun: "0 11 * * *", RedoInterval: "3600", Expire: "10m"},
	}
	hook := JobsHook(func() []config.JobConfig { return jobs }, func() time.Time { return now })
	got, err := hook(context.Background(), map[string]any{"env": "prod", "msg": "from context"})
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "now", got[0].ID)
	assert.True(t, got[0].StartAt.Equal(now))
	assert.Equal(t, "x", got[0].Options.String("msg"), "job options win over context")
	assert.Equal(t, "prod", got[0].Options.String("env"))

	assert.True(t, got[1].StartAt.Equal(time.Date(2024, 5, 1, 11, 0, 0, 0, time.Local)), "got %v", got[1].StartAt)
	assert.Equal(t, time.Hour, got[1].RedoInterval)
	assert.Equal(t, 10*time.Minute, got[1].Expire)

	jobs = []config.JobConfig{{ID: "bad", Worker: "echo", FirstRun: "whenever"}}
	_, err = hook(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "first_run"))
}

func TestCheck(t *testing.T) {
	t.Parallel()
	reg := task.NewRegistry()
	require.NoError(t, Register(reg))
	now := time.Now()

	cfg := config.Default()
	cfg.Jobs = []config.JobConfig{{ID: "a", Worker: "echo"}}
	require.NoError(t, Check(reg, cfg, now))

	cfg.Jobs = []config.JobConfig{{ID: "a", Worker: "missing"}}
	require.True(t, errors.Is(Check(reg, cfg, now), task.ErrUnknownWorker))

	cfg.Jobs = nil
	cfg.Workers = map[string]config.WorkerConfig{"missing": {PoolSize: 1}}
	require.ErrorIs(t, Check(reg, cfg, now), task.ErrUnknownWorker)
}

func TestParseUnitRequest(t *testing.T) {
	t.Parallel()
	tests := []struct {
		opts    task.Options
		want    unitRequest
		wantErr bool
	}{
		{opts: task.Options{"unit": "nginx"}, want: unitRequest{Unit: "nginx.service", Action: UnitStatus}},
		{opts: task.Options{"unit": "backup.timer", "action": "Restart"}, want: unitRequest{Unit: "backup.timer", Action: UnitRestart}},
		{opts: task.Options{"unit": "nginx", "action": "reload-or-explode"}, wantErr: true},
		{opts: task.Options{}, wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseUnitRequest(tt.opts)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("parseUnitRequest(%v): expected error", tt.opts)
			}
			continue
		}
		if err != nil {
			t.Fatalf("parseUnitRequest(%v): %v", tt.opts, err)
		}
		if got != tt.want {
			t.Fatalf("parseUnitRequest(%v) = %+v, want %+v", tt.opts, got, tt.want)
		}
	}
}

func TestParseSpeedRequest(t *testing.T) {
	t.Parallel()
	got := parseSpeedRequest(nil)
	assert.Equal(t, speedRequest{servers: defaultSpeedServers, conns: defaultSpeedConns}, got)

	got = parseSpeedRequest(task.Options{"servers": uint64(2), "connections": 8.0, "saving_mode": true})
	assert.Equal(t, speedRequest{servers: 2, conns: 8, saving: true}, got)

	got = parseSpeedRequest(task.Options{"servers": 0, "connections": "many"})
	assert.Equal(t, defaultSpeedServers, got.servers)
	assert.Equal(t, defaultSpeedConns, got.conns)
}
