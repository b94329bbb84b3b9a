package logging

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config *Config
	}{
		{name: "default config", config: nil},
		{
			name: "json format",
			config: &Config{
				Level:  LevelInfo,
				Format: "json",
				Output: &bytes.Buffer{},
			},
		},
		{
			name: "text format",
			config: &Config{
				Level:  LevelDebug,
				Format: "text",
				Output: &bytes.Buffer{},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewLogger(tt.config)
			if logger == nil {
				t.Error("NewLogger() returned nil")
			}
		})
	}
}

func TestLoggerWithCardAndLog(t *testing.T) {
	var buf bytes.Buffer
	config := &Config{Level: LevelDebug, Format: "text", Output: &buf, Sync: true, NoColor: true}

	logger := NewLogger(config)

	cardLogger := logger.WithCard(0)
	cardLogger.Info("card ready")

	output := buf.String()
	if !strings.Contains(output, "device_id=0") {
		t.Errorf("expected device_id=0 in output, got: %s", output)
	}

	buf.Reset()
	logLogger := cardLogger.WithLog(2)
	logLogger.Info("log opened")

	output = buf.String()
	if !strings.Contains(output, "device_id=0") {
		t.Errorf("expected device_id=0 in derived logger output, got: %s", output)
	}
	if !strings.Contains(output, "queue_id=2") {
		t.Errorf("expected queue_id=2 in output, got: %s", output)
	}
}

func TestLoggerWithRequest(t *testing.T) {
	var buf bytes.Buffer
	config := &Config{Level: LevelDebug, Format: "text", Output: &buf, Sync: true, NoColor: true}

	logger := NewLogger(config)
	frameLogger := logger.WithRequest(5, "SIGN_ON")
	frameLogger.Debug("dispatching frame")

	output := buf.String()
	if !strings.Contains(output, "tag=5") {
		t.Errorf("expected tag=5 in output, got: %s", output)
	}
	if !strings.Contains(output, "op=SIGN_ON") {
		t.Errorf("expected op=SIGN_ON in output, got: %s", output)
	}
}

func TestLoggerWithError(t *testing.T) {
	var buf bytes.Buffer
	config := &Config{Level: LevelDebug, Format: "text", Output: &buf, Sync: true, NoColor: true}

	logger := NewLogger(config)
	testErr := errors.New("card did not return to ready")
	errorLogger := logger.WithError(testErr)
	errorLogger.Error("stream_close failed")

	output := buf.String()
	if !strings.Contains(output, "card did not return to ready") {
		t.Errorf("expected wrapped error text in output, got: %s", output)
	}
}

func TestGlobalLoggerFunctions(t *testing.T) {
	var buf bytes.Buffer
	config := &Config{Level: LevelDebug, Format: "text", Output: &buf, Sync: true, NoColor: true}

	SetDefault(NewLogger(config))

	Debug("debug message", "key", "value")
	output := buf.String()
	if !strings.Contains(output, "debug message") {
		t.Errorf("expected debug message, got: %s", output)
	}
	if !strings.Contains(output, "key=value") {
		t.Errorf("expected key=value, got: %s", output)
	}

	buf.Reset()
	Info("info message")
	if !strings.Contains(buf.String(), "info message") {
		t.Errorf("expected info message, got: %s", buf.String())
	}

	buf.Reset()
	Warn("warning message")
	if !strings.Contains(buf.String(), "warning message") {
		t.Errorf("expected warning message, got: %s", buf.String())
	}

	buf.Reset()
	Error("error message")
	if !strings.Contains(buf.String(), "error message") {
		t.Errorf("expected error message, got: %s", buf.String())
	}
}
