package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestWrapRequestID(t *testing.T) {
	var seen string
	h := Wrap(testLogger(), "times-square", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = RequestIDFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.test/", nil))
	if got := rec.Header().Get("X-Request-Id"); got == "" || got != seen {
		t.Fatalf("X-Request-Id=%q, context=%q", got, seen)
	}

	req := httptest.NewRequest(http.MethodGet, "http://example.test/", nil)
	req.Header.Set("X-Request-Id", "rid-123")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-Id"); got != "rid-123" {
		t.Fatalf("X-Request-Id=%q, want rid-123", got)
	}
}

func TestWrapReplacesUnsafeRequestID(t *testing.T) {
	h := Wrap(testLogger(), "times-square", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	for _, id := range []string{"has space", "bad\u00e9", strings.Repeat("a", maxRequestIDLen+1)} {
		req := httptest.NewRequest(http.MethodGet, "http://example.test/", nil)
		req.Header.Set(RequestIDHeader, id)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if got := rec.Header().Get(RequestIDHeader); got == "" || got == id {
			t.Fatalf("request id %q echoed as %q", id, got)
		}
	}
}

func TestWrapRecoversPanic(t *testing.T) {
	h := Wrap(testLogger(), "times-square", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { panic("boom") }))
	req := httptest.NewRequest(http.MethodGet, "http://example.test/", nil)
	req.Header.Set(RequestIDHeader, "rid-panic")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d, want 500", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type=%q", ct)
	}
	var body panicBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	if body.Error != "internal_error" || body.RequestID != "rid-panic" {
		t.Fatalf("body=%+v", body)
	}
}

func TestAccessLogLine(t *testing.T) {
	tests := []struct {
		name         string
		handler      http.HandlerFunc
		wantLevel    string
		wantStatus   float64
		wantStreamed bool
	}{
		{
			name:       "ok",
			handler:    func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("hello")) },
			wantLevel:  "INFO",
			wantStatus: http.StatusOK,
		},
		{
			name:       "not found",
			handler:    func(w http.ResponseWriter, r *http.Request) { http.NotFound(w, r) },
			wantLevel:  "WARN",
			wantStatus: http.StatusNotFound,
		},
		{
			name: "event stream",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte("data: {}\n\n"))
				w.(http.Flusher).Flush()
			},
			wantLevel:    "INFO",
			wantStatus:   http.StatusOK,
			wantStreamed: true,
		},
		{
			name:       "panic",
			handler:    func(w http.ResponseWriter, r *http.Request) { panic("boom") },
			wantLevel:  "ERROR",
			wantStatus: http.StatusInternalServerError,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			h := Wrap(slog.New(slog.NewJSONHandler(&buf, nil)), "times-square", tc.handler)
			h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "http://example.test/v1/pages/demo/html?count=2", nil))

			var line map[string]any
			for _, raw := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
				var entry map[string]any
				if err := json.Unmarshal(raw, &entry); err != nil {
					t.Fatalf("decode %q: %v", raw, err)
				}
				if entry["msg"] == "http request" {
					line = entry
				}
			}
			if line == nil {
				t.Fatalf("no access log line in %s", buf.String())
			}
			if line["level"] != tc.wantLevel || line["status"] != tc.wantStatus {
				t.Fatalf("line=%v", line)
			}
			if line["streamed"] != tc.wantStreamed || line["query"] != "count=2" {
				t.Fatalf("line=%v", line)
			}
		})
	}
}

func TestWrapKeepsFlusher(t *testing.T) {
	h := Wrap(testLogger(), "times-square", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := w.(http.Flusher); !ok {
			t.Errorf("wrapped writer lost http.Flusher")
		}
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "http://example.test/", nil))
}

func TestReadyzWithChecks(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantBody   string
	}{
		{name: "ok", wantStatus: http.StatusOK, wantBody: `"status":"ready"`},
		{name: "fail", err: errors.New("db down"), wantStatus: http.StatusServiceUnavailable, wantBody: `"status":"not_ready"`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			handler := ReadyzWithChecks("times-square", ReadinessCheck{
				Name:  "postgres",
				Check: func(context.Context) error { return tc.err },
			})
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.test/readyz", nil))
			if rec.Code != tc.wantStatus {
				t.Fatalf("status=%d, want %d", rec.Code, tc.wantStatus)
			}
			if !strings.Contains(rec.Body.String(), tc.wantBody) {
				t.Fatalf("body=%s", rec.Body.String())
			}
		})
	}
}

func TestConfigValidate(t *testing.T) {
	if err := (Config{Service: "ts", Addr: ":8080"}).Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}
	if err := (Config{Addr: ":8080"}).Validate(); err == nil {
		t.Fatalf("Validate() expected error for missing service")
	}
	t.Setenv("TS_HTTP_ADDR", "127.0.0.1:9999")
	cfg, err := ConfigFromEnv("ts")
	if err != nil || cfg.Addr != "127.0.0.1:9999" {
		t.Fatalf("ConfigFromEnv()=%+v err=%v", cfg, err)
	}
}
