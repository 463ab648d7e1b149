package logger_test

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mind-engage/mindengage-testengine/internal/logger"
)

func TestNewWritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.log")
	l, err := logger.New(logger.Options{Env: "production", Level: "debug", File: path})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	l.Debug("hello file")
	_ = l.Sync()

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(b), `"msg":"hello file"`) {
		t.Fatalf("log file = %s", b)
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := logger.New(logger.Options{Level: "loud"}); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestOrNop(t *testing.T) {
	if logger.OrNop(nil) == nil {
		t.Fatalf("OrNop(nil) returned nil")
	}
}

func TestMiddlewareLogsRequests(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	h := logger.Middleware(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("entries = %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["status"] != int64(http.StatusTeapot) || fields["path"] != "/healthz" {
		t.Fatalf("fields = %v", fields)
	}
}
