package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestSlogHandlerWritesThroughZerolog(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	slogger := NewSlogLogger(logger)
	slogger.Info("stream started", slog.String("stream", "front-door"))

	out := buf.String()
	if !strings.Contains(out, "stream started") {
		t.Errorf("expected message in output, got %s", out)
	}
	if !strings.Contains(out, "front-door") {
		t.Errorf("expected attribute in output, got %s", out)
	}
}

func TestSlogHandlerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.WarnLevel)

	slogger := NewSlogLogger(logger)
	slogger.Debug("should be dropped")
	slogger.Warn("should appear")

	out := buf.String()
	if strings.Contains(out, "should be dropped") {
		t.Error("expected debug message to be filtered out below the logger's level")
	}
	if !strings.Contains(out, "should appear") {
		t.Errorf("expected warn message in output, got %s", out)
	}
}

func TestSlogHandlerWithAttrsAndGroup(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	slogger := NewSlogLogger(logger).With("component", "manager").WithGroup("worker")
	slogger.Info("heartbeat", slog.Int64("bytes", 42))

	out := buf.String()
	if !strings.Contains(out, "\"component\":\"manager\"") {
		t.Errorf("expected pre-bound attribute in output, got %s", out)
	}
	if !strings.Contains(out, "worker.bytes") {
		t.Errorf("expected grouped attribute key in output, got %s", out)
	}
}
