package task

import (
	"encoding/json"
	"strings"
	"time"
)

// DefaultExpire is how long a finished one-shot task is kept before purge.
const DefaultExpire = 3600 * time.Second

// Options is the opaque payload handed to a worker.
type Options map[string]any

// String returns a string option or "".
func (o Options) String(key string) string {
	v, ok := o[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// Float returns a numeric option, accepting the integer and float types
// produced by the JSON and CBOR decoders.
func (o Options) Float(key string) (float64, bool) {
	switch v := o[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// Clone returns a shallow copy.
func (o Options) Clone() Options {
	if o == nil {
		return nil
	}
	out := make(Options, len(o))
	for k, v := range o {
		out[k] = v
	}
	return out
}

// Task is one unit of work tracked by the store.
//
// StopAt is the zero time unless Status is terminal. RedoInterval == 0 means one-shot.
type Task struct {
	ID           string        `json:"id" cbor:"id"`
	WorkerName   string        `json:"worker_name" cbor:"worker_name"`
	Options      Options       `json:"options,omitempty" cbor:"options,omitempty"`
	Status       Status        `json:"status" cbor:"status"`
	StartAt      time.Time     `json:"start_datetime" cbor:"start_datetime"`
	StopAt       time.Time     `json:"stop_datetime,omitempty" cbor:"stop_datetime,omitempty"`
	Output       string        `json:"output,omitempty" cbor:"output,omitempty"`
	RedoInterval time.Duration `json:"redo_interval" cbor:"redo_interval"`
	Expire       time.Duration `json:"expire" cbor:"expire"`
}

// Normalize fills defaults for a freshly submitted task.
func (t *Task) Normalize(now time.Time) {
	t.ID = strings.TrimSpace(t.ID)
	t.WorkerName = strings.TrimSpace(t.WorkerName)
	if t.Status == 0 {
		t.Status = StatusDefault
	}
	if t.StartAt.IsZero() {
		t.StartAt = now
	}
	if t.Expire <= 0 {
		t.Expire = DefaultExpire
	}
	if t.RedoInterval < 0 {
		t.RedoInterval = 0
	}
	if t.Options == nil {
		t.Options = Options{}
	}
}

// Due reports whether a one-shot pass would pick t up at now.
func (t Task) Due(mask Status, now time.Time) bool {
	return t.Status.In(mask) && !t.StartAt.After(now)
}

// RedoDue reports whether the redo pass would re-arm t at now.
func (t Task) RedoDue(mask Status, now time.Time) bool {
	return t.RedoInterval > 0 && t.Status.In(mask) && !t.StartAt.Add(t.RedoInterval).After(now)
}

// Expired reports whether a terminal one-shot task can be purged at now.
func (t Task) Expired(mask Status, now time.Time) bool {
	return t.RedoInterval == 0 && t.Status.In(mask) && !t.StopAt.IsZero() && t.StopAt.Add(t.Expire).Before(now)
}

// SetStatus moves t to s and keeps StopAt consistent with it.
func (t *Task) SetStatus(s Status, now time.Time) {
	t.Status = s
	if s.IsTerminal() {
		if t.StopAt.IsZero() {
			t.StopAt = now
		}
		return
	}
	t.StopAt = time.Time{}
}

// Rearm resets a finished redo task for its next run.
func (t *Task) Rearm(now time.Time) {
	t.Status = StatusScheduled
	t.StartAt = now
	t.StopAt = time.Time{}
	t.Output = ""
}
