package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestLevelFromString(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := levelFromString(in).Level(); got != want {
			t.Fatalf("%q: got %v want %v", in, got, want)
		}
	}
}

func TestLoggerEmitsServiceAttr(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(&buf, "dispatch-api", "info")
	l.Debug("hidden")
	l.Info("request matched", "trip_id", "t1")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("expected one JSON record, got %q: %v", buf.String(), err)
	}
	if rec["service"] != "dispatch-api" || rec["trip_id"] != "t1" || rec["msg"] != "request matched" {
		t.Fatalf("unexpected record %v", rec)
	}
	if _, ok := rec["source"]; !ok {
		t.Fatalf("expected source location")
	}
}
