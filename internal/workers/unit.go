package workers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"taskd/internal/task"
)

// Unit actions accepted by the "unit" worker.
const (
	UnitStatus  = "status"
	UnitStart   = "start"
	UnitStop    = "stop"
	UnitRestart = "restart"
)

// unitRequest is options.unit plus options.action (default status).
type unitRequest struct {
	Unit   string
	Action string
}

func parseUnitRequest(o task.Options) (unitRequest, error) {
	unit := strings.TrimSpace(o.String("unit"))
	if unit == "" {
		return unitRequest{}, errors.New("options.unit is required")
	}
	if !strings.Contains(unit, ".") {
		unit += ".service"
	}
	action := strings.ToLower(strings.TrimSpace(o.String("action")))
	switch action {
	case "":
		action = UnitStatus
	case UnitStatus, UnitStart, UnitStop, UnitRestart:
	default:
		return unitRequest{}, fmt.Errorf("options.action: unknown action %q", action)
	}
	return unitRequest{Unit: unit, Action: action}, nil
}

// Unit manages a systemd unit over D-Bus. Actions other than status wait
// for the systemd job and fail unless it finished as "done".
func Unit(ctx context.Context, t task.Task) (string, error) {
	req, err := parseUnitRequest(t.Options)
	if err != nil {
		return "", err
	}
	return runUnit(ctx, req)
}
