package logging

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"driftdb/internal/config"
)

func readLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var lines []map[string]any
	for _, raw := range bytes.Split(bytes.TrimSpace(data), []byte("\n")) {
		if len(raw) == 0 {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal(raw, &entry); err != nil {
			t.Fatalf("unmarshal log line %q: %v", raw, err)
		}
		lines = append(lines, entry)
	}
	return lines
}

func TestNewWritesStructuredJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "driftdb.log")
	logger, err := New(config.LoggingConfig{
		Level:      "info",
		Path:       path,
		MaxSizeMB:  10,
		MaxBackups: 2,
		MaxAgeDays: 1,
		Compress:   true,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	logger.Info("room opened", String("room_id", "abc123"), Int("subscribers", 2))

	lines := readLines(t, path)
	if len(lines) != 1 {
		t.Fatalf("expected 1 log line, got %d", len(lines))
	}
	entry := lines[0]
	if entry["message"] != "room opened" {
		t.Fatalf("message = %v", entry["message"])
	}
	if entry["level"] != "info" {
		t.Fatalf("level = %v", entry["level"])
	}
	if entry["service"] != "driftdb" {
		t.Fatalf("service = %v", entry["service"])
	}
	if entry["room_id"] != "abc123" {
		t.Fatalf("room_id = %v", entry["room_id"])
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Fatal("expected timestamp field")
	}
}

func TestLevelFiltering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "driftdb.log")
	logger, err := New(config.LoggingConfig{Level: "warn", Path: path, MaxSizeMB: 10})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	logger.Debug("should be dropped")
	logger.Info("should also be dropped")
	logger.Warn("kept")

	lines := readLines(t, path)
	if len(lines) != 1 {
		t.Fatalf("expected 1 surviving line, got %d", len(lines))
	}
	if lines[0]["message"] != "kept" {
		t.Fatalf("message = %v", lines[0]["message"])
	}
}

func TestWithAddsFieldsWithoutMutatingParent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "driftdb.log")
	logger, err := New(config.LoggingConfig{Level: "debug", Path: path, MaxSizeMB: 10})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	child := logger.With(String("room_id", "room-1"))
	child.Info("child message")
	logger.Info("parent message")

	lines := readLines(t, path)
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if lines[0]["room_id"] != "room-1" {
		t.Fatalf("expected child log to carry room_id, got %#v", lines[0])
	}
	if _, ok := lines[1]["room_id"]; ok {
		t.Fatalf("parent logger should not inherit child fields, got %#v", lines[1])
	}
}

func TestNewRejectsEmptyPath(t *testing.T) {
	if _, err := New(config.LoggingConfig{Level: "info", Path: ""}); err == nil {
		t.Fatal("expected error for empty log path")
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "driftdb.log")
	if _, err := New(config.LoggingConfig{Level: "verbose", Path: path, MaxSizeMB: 10}); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestRotationCompressesAndTrimsBackups(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "driftdb.log")
	logger, err := New(config.LoggingConfig{
		Level:      "info",
		Path:       path,
		MaxSizeMB:  1,
		MaxBackups: 1,
		Compress:   true,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rw, ok := logger.writer.(*multiWriter).writers[0].(*rotatingWriter)
	if !ok {
		t.Fatal("expected the first writer to be a rotatingWriter")
	}
	rw.maxSize = 128

	padding := strings.Repeat("x", 64)
	for i := 0; i < 20; i++ {
		logger.Info("padding", String("data", padding))
		time.Sleep(time.Millisecond)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var gzipCount int
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".gz") {
			gzipCount++
		}
	}
	if gzipCount == 0 {
		t.Fatal("expected at least one compressed rotated log file")
	}
	if gzipCount > rw.maxBackups {
		t.Fatalf("expected at most %d rotated backups, found %d", rw.maxBackups, gzipCount)
	}

	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".gz") {
			continue
		}
		f, err := os.Open(filepath.Join(dir, entry.Name()))
		if err != nil {
			t.Fatalf("Open rotated file: %v", err)
		}
		gr, err := gzip.NewReader(f)
		if err != nil {
			t.Fatalf("gzip.NewReader: %v", err)
		}
		if _, err := io.ReadAll(gr); err != nil {
			t.Fatalf("read compressed rotated log: %v", err)
		}
		gr.Close()
		f.Close()
	}
}

func TestTraceContextRoundTrip(t *testing.T) {
	ctx := ContextWithTraceID(context.Background(), "trace-xyz")
	if got := TraceIDFromContext(ctx); got != "trace-xyz" {
		t.Fatalf("TraceIDFromContext = %q", got)
	}
}

func TestGenerateTraceIDIsNonEmptyAndVaries(t *testing.T) {
	a := GenerateTraceID()
	b := GenerateTraceID()
	if a == "" || b == "" {
		t.Fatal("expected non-empty trace IDs")
	}
	if a == b {
		t.Fatal("expected distinct trace IDs across calls")
	}
}

func TestHTTPTraceMiddlewarePropagatesHeaderAndContext(t *testing.T) {
	base := NewTestLogger()
	var sawTraceID string
	handler := HTTPTraceMiddleware(base)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawTraceID = TraceIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/livez", nil)
	req.Header.Set(TraceIDHeader, "incoming-trace")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if sawTraceID != "incoming-trace" {
		t.Fatalf("handler observed trace ID %q, want %q", sawTraceID, "incoming-trace")
	}
	if got := rec.Header().Get(TraceIDHeader); got != "incoming-trace" {
		t.Fatalf("response header trace ID = %q, want %q", got, "incoming-trace")
	}
}

func TestHTTPTraceMiddlewareGeneratesTraceIDWhenMissing(t *testing.T) {
	base := NewTestLogger()
	handler := HTTPTraceMiddleware(base)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/livez", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get(TraceIDHeader); got == "" {
		t.Fatal("expected middleware to mint a trace ID when none was supplied")
	}
}
