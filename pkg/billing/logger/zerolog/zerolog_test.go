package zerolog

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/kitchen-alchemy/functions/pkg/billing"
)

func TestZerologLogger_NewLogger(t *testing.T) {
	output := bytes.Buffer{}
	zlog := zerolog.New(&output)
	logger := NewLogger(&zlog)

	if logger == nil {
		t.Fatal("NewLogger returned nil")
	}
}

func TestZerologLogger_NilLoggerDiscards(t *testing.T) {
	logger := NewLogger(nil)
	logger.Error("dropped", billing.F("key", "value"))
}

func TestZerologLogger_Levels(t *testing.T) {
	tests := []struct {
		name  string
		log   func(l *Logger)
		level string
	}{
		{"debug", func(l *Logger) { l.Debug("msg", billing.F("key", "value")) }, "debug"},
		{"info", func(l *Logger) { l.Info("msg", billing.F("key", "value")) }, "info"},
		{"warn", func(l *Logger) { l.Warn("msg", billing.F("key", "value")) }, "warn"},
		{"error", func(l *Logger) { l.Error("msg", billing.F("key", "value")) }, "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			output := bytes.Buffer{}
			zlog := zerolog.New(&output)
			tt.log(NewLogger(&zlog))

			var entry map[string]interface{}
			if err := json.Unmarshal(output.Bytes(), &entry); err != nil {
				t.Fatalf("Failed to decode log line %q: %v", output.String(), err)
			}
			if entry["level"] != tt.level {
				t.Errorf("Expected level %s, got %v", tt.level, entry["level"])
			}
			if entry["key"] != "value" {
				t.Errorf("Expected field key=value, got %v", entry["key"])
			}
		})
	}
}

func TestZerologLogger_LogLevelFiltering(t *testing.T) {
	output := bytes.Buffer{}
	zlog := zerolog.New(&output).Level(zerolog.WarnLevel)
	logger := NewLogger(&zlog)

	// Debug and Info should be filtered out
	logger.Debug("debug message")
	logger.Info("info message")

	if output.Len() != 0 {
		t.Error("Expected debug and info to be filtered out")
	}

	// Warn and Error should be logged
	logger.Warn("warn message")
	logger.Error("error message")

	if output.Len() == 0 {
		t.Error("Expected warn and error to be logged")
	}
}

func TestZerologLogger_ErrorField(t *testing.T) {
	output := bytes.Buffer{}
	zlog := zerolog.New(&output)
	logger := NewLogger(&zlog)

	logger.Error("store failed", billing.F("error", errors.New("boom")), billing.F("attempt", 3))

	var entry map[string]interface{}
	if err := json.Unmarshal(output.Bytes(), &entry); err != nil {
		t.Fatalf("Failed to decode log line: %v", err)
	}
	if entry["error"] != "boom" {
		t.Errorf("Expected error field to be the message, got %v", entry["error"])
	}
	if entry["attempt"] != float64(3) {
		t.Errorf("Expected attempt=3, got %v", entry["attempt"])
	}
}
