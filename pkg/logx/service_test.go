package logx

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestServiceApplySwapsSinks(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "logs", "taskd.log")
	svc, log, err := New(Config{Level: "warning", File: FileConfig{Enabled: true, Path: path}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer svc.Close()

	log = log.With(String("comp", "test"))
	log.Info("below level")
	log.Warn("kept")

	if err := svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	log.Debug("after apply")
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(b)
	if strings.Contains(out, "below level") {
		t.Fatalf("info line written at warn level: %s", out)
	}
	for _, want := range []string{`"message":"kept"`, `"message":"after apply"`, `"comp":"test"`, `"pid":`} {
		if !strings.Contains(out, want) {
			t.Fatalf("log file missing %s: %s", want, out)
		}
	}
}

func TestServiceFileSinkError(t *testing.T) {
	t.Parallel()
	svc, log, err := New(Config{File: FileConfig{Enabled: true}})
	if err == nil {
		t.Fatal("expected an error for a file sink without a path")
	}
	defer svc.Close()
	log.Info("still usable")
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"":        "info",
		"DEBUG":   "debug",
		"warning": "warn",
		"bogus":   "info",
		" error ": "error",
	}
	for in, want := range tests {
		if got := parseLevel(in).String(); got != want {
			t.Fatalf("parseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}
