package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"
)

func TestLoggerWritesFieldsAndCaller(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "session"))
	log.Info("login ok", Int64("account", 7), Err(errors.New("boom")))

	var m map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &m); err != nil {
		t.Fatalf("decode: %v (%q)", err, buf.String())
	}
	if m["comp"] != "session" {
		t.Fatalf("expected comp=session, got %v", m["comp"])
	}
	if m["account"] != float64(7) {
		t.Fatalf("expected account=7, got %v", m["account"])
	}
	if m["err"] != "boom" {
		t.Fatalf("expected err=boom, got %v", m["err"])
	}
	if c, _ := m["caller"].(string); !strings.HasPrefix(c, "logging_test.go:") {
		t.Fatalf("expected short caller, got %q", c)
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected no output below level, got %q", buf.String())
	}
	if log.Enabled(LevelInfo) {
		t.Fatalf("expected info disabled at warn level")
	}
	log.Warn("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("expected warn output, got %q", buf.String())
	}
}

func TestZeroLoggerIsNop(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatalf("expected zero logger")
	}
	l.Error("nothing happens")
}

func TestMasked(t *testing.T) {
	cases := map[string]string{
		"":         "",
		"abc":      "***",
		"password": "p******d",
	}
	for in, want := range cases {
		if got := mask(in); got != want {
			t.Fatalf("mask(%q): expected %q, got %q", in, want, got)
		}
	}
}

func TestServiceApplyFileSink(t *testing.T) {
	path := t.TempDir() + "/out.log"
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	defer svc.Close()

	log.Info("to file", String("k", "v"))
	svc.Apply(Config{Level: "error", File: FileConfig{Enabled: true, Path: path}})
	log.Info("filtered")
	_ = svc.Close()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	b := string(raw)
	if !strings.Contains(b, "to file") {
		t.Fatalf("expected first line in file, got %q", b)
	}
	if strings.Contains(b, "filtered") {
		t.Fatalf("expected info to be filtered after Apply, got %q", b)
	}
}
