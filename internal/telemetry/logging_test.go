package telemetry

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

// --- Logging Tests ---

func TestLogLevel(t *testing.T) {
	cases := []struct {
		env  string
		want slog.Level
	}{
		{"DEBUG", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"ERROR", slog.LevelError},
		{"INFO", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}

	for _, tc := range cases {
		t.Setenv("LOG_LEVEL", tc.env)
		if got := LogLevel(); got != tc.want {
			t.Errorf("LOG_LEVEL=%q: expected %v, got %v", tc.env, tc.want, got)
		}
	}
}

func TestContextLoggers(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	WithAccountID(WithBatchID(WithTaskID(logger, "task-9"), "batch-3"), "acc-1").
		Info("submitting")

	line := buf.String()
	for _, want := range []string{
		`"task_id":"task-9"`,
		`"batch_id":"batch-3"`,
		`"account_id":"acc-1"`,
	} {
		if !strings.Contains(line, want) {
			t.Errorf("expected %s in log line, got %s", want, line)
		}
	}
}
