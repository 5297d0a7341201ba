// Package workers holds the worker functions shipped with taskd and the
// bootstrap hook that turns configured jobs into tasks.
package workers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"taskd/internal/task"
)

const maxSleep = 24 * time.Hour

// Builtins returns the stock workers. Pool sizes come from config.
func Builtins() []task.Worker {
	return []task.Worker{
		{Name: "echo", Run: Echo},
		{Name: "sleep", Run: Sleep},
		{Name: "fail", Run: Fail},
		{Name: "command", Run: Command},
		{Name: "unit", Run: Unit},
		{Name: "speedtest", Run: Speedtest},
	}
}

// Register adds every builtin to reg.
func Register(reg *task.Registry) error {
	for _, w := range Builtins() {
		if err := reg.RegisterWorker(w); err != nil {
			return err
		}
	}
	return nil
}

// Echo returns options.msg.
func Echo(ctx context.Context, t task.Task) (string, error) {
	return t.Options.String("msg"), nil
}

// Sleep waits options.seconds and reports how long it slept.
func Sleep(ctx context.Context, t task.Task) (string, error) {
	secs, ok := t.Options.Float("seconds")
	if !ok || secs < 0 {
		return "", errors.New("options.seconds must be a non-negative number")
	}
	d := time.Duration(secs * float64(time.Second))
	if d > maxSleep {
		return "", fmt.Errorf("options.seconds exceeds %s", maxSleep)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timer.C:
		return fmt.Sprintf("slept %s", d), nil
	}
}

// Fail always fails with options.msg (or a fixed message).
func Fail(ctx context.Context, t task.Task) (string, error) {
	msg := t.Options.String("msg")
	if msg == "" {
		msg = "failed on purpose"
	}
	return "", errors.New(msg)
}

// Command runs options.argv (a list) or options.cmd (split on spaces)
// and returns its combined output.
func Command(ctx context.Context, t task.Task) (string, error) {
	argv, err := argvOf(t.Options)
	if err != nil {
		return "", err
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if dir := t.Options.String("dir"); dir != "" {
		cmd.Dir = dir
	}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return out.String(), fmt.Errorf("%s: %w", argv[0], err)
	}
	return out.String(), nil
}

func argvOf(o task.Options) ([]string, error) {
	if raw, ok := o["argv"].([]any); ok {
		argv := make([]string, 0, len(raw))
		for _, a := range raw {
			s, ok := a.(string)
			if !ok {
				return nil, fmt.Errorf("options.argv: %v is not a string", a)
			}
			argv = append(argv, s)
		}
		if len(argv) > 0 {
			return argv, nil
		}
	}
	if argv := strings.Fields(o.String("cmd")); len(argv) > 0 {
		return argv, nil
	}
	return nil, errors.New("options.argv or options.cmd is required")
}
