package task

import (
	"fmt"
	"strings"
)

// Status is a single bit so composite membership is one AND.
type Status uint16

const (
	StatusDefault Status = 1 << iota
	StatusScheduled
	StatusQueued
	StatusDoing
	StatusDone
	StatusFailed
	StatusCanceled
	StatusAborted

	// StatusAbort is a request marker carried in status updates. It is never persisted.
	StatusAbort
)

const (
	// Terminal statuses carry a stop time.
	Terminal = StatusDone | StatusFailed | StatusCanceled | StatusAborted
	// InFlight statuses cannot survive a scheduler restart.
	InFlight = StatusQueued | StatusDoing
	// Redoable statuses are re-armed by the redo pass when RedoInterval > 0.
	Redoable = StatusDone | StatusFailed | StatusAborted

	persisted = StatusDefault | StatusScheduled | StatusQueued | StatusDoing | Terminal
)

var statusNames = []struct {
	s    Status
	name string
}{
	{StatusDefault, "default"},
	{StatusScheduled, "scheduled"},
	{StatusQueued, "queued"},
	{StatusDoing, "doing"},
	{StatusDone, "done"},
	{StatusFailed, "failed"},
	{StatusCanceled, "canceled"},
	{StatusAborted, "aborted"},
	{StatusAbort, "abort"},
}

// In reports whether s intersects mask.
func (s Status) In(mask Status) bool { return s&mask != 0 }

func (s Status) IsTerminal() bool { return s.In(Terminal) }

// Valid reports whether s is exactly one persistable status.
func (s Status) Valid() bool {
	return s != 0 && s&(s-1) == 0 && s.In(persisted)
}

func (s Status) String() string {
	if s == 0 {
		return "none"
	}
	parts := make([]string, 0, 2)
	for _, n := range statusNames {
		if s&n.s != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return fmt.Sprintf("status(%d)", uint16(s))
	}
	return strings.Join(parts, "|")
}

// ParseStatus accepts one name or a "|"-separated mask ("done|failed").
func ParseStatus(raw string) (Status, error) {
	var out Status
	for _, p := range strings.Split(raw, "|") {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		found := false
		for _, n := range statusNames {
			if n.name == p {
				out |= n.s
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown status %q", p)
		}
	}
	if out == 0 {
		return 0, fmt.Errorf("empty status")
	}
	return out, nil
}
