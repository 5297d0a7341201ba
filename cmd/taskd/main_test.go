package main

import (
	"bytes"
	"testing"
	"time"
)

func TestParseAt(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	tests := []struct {
		raw     string
		want    time.Time
		wantErr bool
	}{
		{raw: "", want: time.Time{}},
		{raw: "10m", want: now.Add(10 * time.Minute)},
		{raw: "30", want: now.Add(30 * time.Second)},
		{raw: "2024-02-01T00:00:00Z", want: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)},
		{raw: "tomorrow", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseAt(tt.raw, now)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("parseAt(%q): expected error", tt.raw)
			}
			continue
		}
		if err != nil {
			t.Fatalf("parseAt(%q): %v", tt.raw, err)
		}
		if !got.Equal(tt.want) {
			t.Fatalf("parseAt(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestParseValue(t *testing.T) {
	t.Parallel()
	if v, ok := parseValue("3").(float64); !ok || v != 3 {
		t.Fatalf("number not decoded: %#v", parseValue("3"))
	}
	if v, ok := parseValue("true").(bool); !ok || !v {
		t.Fatal("bool not decoded")
	}
	if v := parseValue("hello world"); v != "hello world" {
		t.Fatalf("plain text must stay a string, got %#v", v)
	}
}

func TestFirstLine(t *testing.T) {
	t.Parallel()
	if got := firstLine("a\nb", 10); got != "a" {
		t.Fatalf("got %q", got)
	}
	if got := firstLine("abcdefghij", 8); got != "abcde..." {
		t.Fatalf("got %q", got)
	}
}

func TestCommandArgs(t *testing.T) {
	t.Parallel()
	tests := [][]string{
		{"submit"},
		{"cancel"},
		{"context", "only-key"},
		{"submit", "echo", "--opt", "novalue"},
	}
	for _, args := range tests {
		root := newRootCmd()
		root.SetArgs(append(args, "--config", "/nonexistent/taskd.json"))
		var out bytes.Buffer
		root.SetOut(&out)
		root.SetErr(&out)
		if err := root.Execute(); err == nil {
			t.Fatalf("%v: expected an error", args)
		}
	}
}
