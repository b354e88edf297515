package logger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"INFO", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{" error ", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"bogus", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestWithTaskID(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter("dea-test", "info", &buf)
	defer func() { Logger = zerolog.Nop() }()

	WithTaskID("task-123").Info().Msg("hello")

	out := buf.String()
	if !strings.Contains(out, `"task_id":"task-123"`) {
		t.Errorf("expected task_id field, got: %s", out)
	}
	if !strings.Contains(out, `"service":"dea-test"`) {
		t.Errorf("expected service field, got: %s", out)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter("dea-test", "warn", &buf)
	defer func() {
		Logger = zerolog.Nop()
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}()

	Logger.Info().Msg("filtered")
	if buf.Len() > 0 {
		t.Errorf("info message should be filtered at warn level, got: %s", buf.String())
	}

	Logger.Warn().Msg("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Error("warn message should be logged")
	}
}
