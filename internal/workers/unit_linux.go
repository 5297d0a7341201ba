//go:build linux

package workers

import (
	"context"
	"fmt"
	"strings"

	"github.com/coreos/go-systemd/v22/dbus"
)

func runUnit(ctx context.Context, req unitRequest) (string, error) {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return "", fmt.Errorf("connect to systemd: %w", err)
	}
	defer conn.Close()

	if req.Action == UnitStatus {
		return unitState(ctx, conn, req.Unit)
	}

	var op func(context.Context, string, string, chan<- string) (int, error)
	switch req.Action {
	case UnitStart:
		op = conn.StartUnitContext
	case UnitStop:
		op = conn.StopUnitContext
	default:
		op = conn.RestartUnitContext
	}
	done := make(chan string, 1)
	if _, err := op(ctx, req.Unit, "replace", done); err != nil {
		return "", fmt.Errorf("%s %s: %w", req.Action, req.Unit, err)
	}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case result := <-done:
		if result != "done" {
			return "", fmt.Errorf("%s %s: job %s", req.Action, req.Unit, result)
		}
	}
	return unitState(ctx, conn, req.Unit)
}

func unitState(ctx context.Context, conn *dbus.Conn, unit string) (string, error) {
	units, err := conn.ListUnitsByNamesContext(ctx, []string{unit})
	if err != nil {
		return "", fmt.Errorf("status %s: %w", unit, err)
	}
	if len(units) == 0 || units[0].LoadState == "not-found" {
		return "", fmt.Errorf("unit %s not found", unit)
	}
	u := units[0]
	return strings.Join([]string{u.Name, u.LoadState, u.ActiveState, u.SubState}, " "), nil
}
