package app

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want slog.Level
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "INFO", want: slog.LevelInfo},
		{in: "warn", want: slog.LevelWarn},
		{in: "warning", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "unknown", want: slog.LevelInfo},
		{in: "", want: slog.LevelInfo},
	}

	for _, tc := range cases {
		got := parseLogLevel(tc.in)
		if got != tc.want {
			t.Fatalf("parseLogLevel(%q)=%v want=%v", tc.in, got, tc.want)
		}
	}
}

func TestNewLogHandler_Formats(t *testing.T) {
	t.Parallel()

	var jsonOut bytes.Buffer
	slog.New(newLogHandler(&jsonOut, "info", "json", false)).Info("ws.connected", "user_id", int64(7))
	if !strings.HasPrefix(jsonOut.String(), "{") || !strings.Contains(jsonOut.String(), `"user_id":7`) {
		t.Fatalf("unexpected json output: %q", jsonOut.String())
	}

	var prettyOut bytes.Buffer
	log := slog.New(newLogHandler(&prettyOut, "debug", "pretty", false))
	log.With("component", "router").Debug("message.persisted", "status", 200, "path", "/ws")
	got := prettyOut.String()
	for _, want := range []string{"[DEBUG]", "message.persisted", "component=router", "status=200", "path=/ws"} {
		if !strings.Contains(got, want) {
			t.Fatalf("pretty output %q missing %q", got, want)
		}
	}
	if strings.Contains(got, "\x1b[") {
		t.Fatalf("expected no color codes, got %q", got)
	}

	var filtered bytes.Buffer
	slog.New(newLogHandler(&filtered, "warn", "pretty", false)).Info("dropped")
	if filtered.Len() != 0 {
		t.Fatalf("info record should be filtered at warn level, got %q", filtered.String())
	}
}
