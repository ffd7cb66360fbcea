package obs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestJSONLoggerOutsideDev(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "prod", "debug")
	logger.Debug("hello", "chat_id", "c-1")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected json output, got %q", buf.String())
	}
	if entry["chat_id"] != "c-1" {
		t.Fatalf("unexpected entry %v", entry)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for raw, want := range tests {
		if got := ParseLevel(raw); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", raw, got, want)
		}
	}
}

func TestRequestIDPropagates(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	mw := Middleware{}
	router.Use(mw.RequestID(), mw.LoggerMiddleware())
	var seen string
	router.GET("/x", func(c *gin.Context) {
		seen = RequestIDFromContext(c.Request.Context())
		c.Status(http.StatusNoContent)
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Request-ID", "rid-1")
	router.ServeHTTP(rec, req)

	if seen != "rid-1" || rec.Header().Get("X-Request-ID") != "rid-1" {
		t.Fatalf("request id not propagated: ctx=%q header=%q", seen, rec.Header().Get("X-Request-ID"))
	}
}

func TestReadyzReportsFailingComponent(t *testing.T) {
	gin.SetMode(gin.TestMode)
	health := HealthHandlers{Checks: map[string]Check{
		"mongo": func(context.Context) error { return errors.New("down") },
	}}
	router := gin.New()
	router.GET("/readyz", health.Readyz)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var body map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body["component"] != "mongo" {
		t.Fatalf("unexpected body %v", body)
	}
}
