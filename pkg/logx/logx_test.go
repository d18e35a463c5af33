package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

func TestLoggerWritesStructuredFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := New(&buf, "debug").With(String("comp", "jobs"))

	log.Warn("deployment skipped", String("deployment", "service1"), Err(errors.New("no image")))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if m["comp"] != "jobs" || m["deployment"] != "service1" {
		t.Fatalf("unexpected fields: %v", m)
	}
	if m["level"] != "warn" {
		t.Fatalf("level = %v, want warn", m["level"])
	}
	if _, ok := m["caller"]; !ok {
		t.Fatalf("caller field missing: %v", m)
	}
}

func TestLoggerRespectsLevel(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := New(&buf, "warn")
	log.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info written at warn level: %q", buf.String())
	}
	if log.Enabled(LevelDebug) {
		t.Fatal("debug reported enabled at warn level")
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	t.Parallel()
	var log Logger
	if !log.IsZero() {
		t.Fatal("zero logger not reported as zero")
	}
	log.Error("nothing happens")
}
