package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestSetup(t *testing.T) {
	tests := []struct {
		name   string
		level  string
		format string
	}{
		{"debug level", "debug", "console"},
		{"info level", "info", "console"},
		{"warn level", "warn", "console"},
		{"error level", "error", "console"},
		{"json format", "info", "json"},
		{"uppercase level", "DEBUG", "console"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Setup(tt.level, tt.format)
			if Log == nil {
				t.Error("expected Log to be initialized")
			}
		})
	}
	Setup("info", "console")
}

func TestLoggerLevelConstants(t *testing.T) {
	tests := []struct {
		level  string
		expect zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"unknown", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			Setup(tt.level, "console")
			got := zerolog.GlobalLevel()
			if got != tt.expect {
				t.Errorf("level %s: expected %v, got %v", tt.level, tt.expect, got)
			}
		})
	}
	Setup("info", "console")
}

func TestJSONFields(t *testing.T) {
	Setup("debug", "json")
	defer Setup("info", "console")

	var buf bytes.Buffer
	SetOutput(&buf, "json")

	Log.Info("step", "epoch", 1, "lr", 0.5, "orphan")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON line, got %q: %v", buf.String(), err)
	}
	if entry["message"] != "step" {
		t.Errorf("expected message 'step', got %v", entry["message"])
	}
	if entry["epoch"] != float64(1) {
		t.Errorf("expected epoch 1, got %v", entry["epoch"])
	}
	if _, ok := entry["orphan"]; ok {
		t.Error("orphan key without value should be dropped")
	}
}

func TestWithAddsContext(t *testing.T) {
	Setup("info", "json")
	defer Setup("info", "console")

	var buf bytes.Buffer
	SetOutput(&buf, "json")

	child := Log.With("run_id", "abc", 7, "seven")
	child.Warn("checkpoint saved", "epoch", 3)

	out := buf.String()
	for _, want := range []string{`"run_id":"abc"`, `"7":"seven"`, `"epoch":3`, `"level":"warn"`} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %s in %s", want, out)
		}
	}
}

func TestErrorValuesAreStrings(t *testing.T) {
	Setup("info", "json")
	defer Setup("info", "console")

	var buf bytes.Buffer
	SetOutput(&buf, "json")

	Log.Error("load failed", "error", errors.New("boom"))
	if !strings.Contains(buf.String(), `"error":"boom"`) {
		t.Errorf("expected error string in output, got %s", buf.String())
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	Setup("error", "json")
	defer Setup("info", "console")

	var buf bytes.Buffer
	SetOutput(&buf, "json")

	Log.Debug("filtered")
	Log.Info("filtered")
	Log.Warn("filtered")
	if buf.Len() != 0 {
		t.Errorf("expected no output below error level, got %s", buf.String())
	}

	Log.Error("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Error("expected error entry to be written")
	}
}
