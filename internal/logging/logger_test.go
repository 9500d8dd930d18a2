package logging_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"lode/internal/logging"
	"lode/internal/services"
)

func TestNewConsoleWritesComponentPrefix(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "console.log")

	logger, err := logging.New(logging.Options{
		Format:           "console",
		Level:            "info",
		OutputPaths:      []string{logPath},
		ErrorOutputPaths: []string{logPath},
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	logging.NewComponentLogger(logger, "extract").Info(
		"page decided",
		logging.String("part", "P06"),
		logging.Int("page", 12),
	)

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	line := strings.TrimSpace(string(content))
	if !strings.Contains(line, " INFO extract: page decided") {
		t.Fatalf("expected component prefix in %q", line)
	}
	if !strings.Contains(line, "part=P06") || !strings.Contains(line, "page=12") {
		t.Fatalf("expected flattened attrs in %q", line)
	}
}

func TestNewConsoleOmitsCallerAtInfo(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "console-info.log")

	logger, err := logging.New(logging.Options{
		Format:      "console",
		Level:       "info",
		OutputPaths: []string{logPath},
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	logger.Info("message without caller")

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if strings.Contains(string(content), ".go:") {
		t.Fatalf("expected no caller information in info logs, got %q", content)
	}
}

func TestNewJSONNormalizesCoreKeys(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "log.json")

	logger, err := logging.New(logging.Options{
		Format:      "json",
		Level:       "info",
		OutputPaths: []string{logPath},
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	logger.Warn("band downgraded", logging.String("band", "needs_review"))

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(content, &payload); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if payload["msg"] != "band downgraded" {
		t.Fatalf("expected msg key, got %v", payload)
	}
	if payload["level"] != "warn" {
		t.Fatalf("expected lowercase level, got %v", payload["level"])
	}
	ts, ok := payload["ts"].(string)
	if !ok || !strings.HasSuffix(ts, "Z") {
		t.Fatalf("expected UTC ts, got %v", payload["ts"])
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := logging.New(logging.Options{Format: "yaml"}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestWithContextAddsRunFields(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "ctx.log")

	logger, err := logging.New(logging.Options{
		Format:      "console",
		Level:       "info",
		OutputPaths: []string{logPath},
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	ctx := services.WithRunID(context.Background(), "mine-20240101")
	ctx = services.WithPhase(ctx, "anchor")
	logging.WithContext(ctx, logger).Info("phase started")

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	line := string(content)
	if !strings.Contains(line, "run_id=mine-20240101") || !strings.Contains(line, "phase=anchor") {
		t.Fatalf("expected context fields in %q", line)
	}
}
