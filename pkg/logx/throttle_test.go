package logx

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestThrottlePerKey(t *testing.T) {
	t.Parallel()
	th := NewThrottle(time.Hour)
	if !th.Allow("a") {
		t.Fatal("first line for key a should pass")
	}
	if th.Allow("a") {
		t.Fatal("second line for key a should be throttled")
	}
	if !th.Allow("b") {
		t.Fatal("key b must not share the budget of key a")
	}
}

func TestNilThrottleAllows(t *testing.T) {
	t.Parallel()
	var th *Throttle
	if !th.Allow("x") {
		t.Fatal("nil throttle should allow everything")
	}
}

func TestWriterLoggerFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "test"))
	log.Info("hello", Int("n", 3))
	out := buf.String()
	for _, want := range []string{`"comp":"test"`, `"n":3`, `"message":"hello"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("output %q missing %s", out, want)
		}
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	t.Parallel()
	var log Logger
	if !log.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	log.Info("dropped")
}
