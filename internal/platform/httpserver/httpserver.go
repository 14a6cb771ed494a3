package httpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/lsst-sqre/times-square-go/internal/platform/env"
	"github.com/lsst-sqre/times-square-go/internal/platform/requestid"
)

// RequestIDHeader carries the request ID in both directions.
const RequestIDHeader = "X-Request-Id"

const (
	maxRequestIDLen = 128
	checkTimeout    = 2 * time.Second
)

type Config struct {
	Service         string
	Addr            string
	ShutdownTimeout time.Duration
}

func ConfigFromEnv(service string) (Config, error) {
	shutdown, err := env.Duration("TS_HTTP_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Service:         service,
		Addr:            env.String("TS_HTTP_ADDR", ":8080"),
		ShutdownTimeout: shutdown,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Service) == "" {
		return errors.New("service is required")
	}
	if strings.TrimSpace(c.Addr) == "" {
		return errors.New("TS_HTTP_ADDR is required")
	}
	if c.ShutdownTimeout < 0 {
		return errors.New("TS_HTTP_SHUTDOWN_TIMEOUT must be >= 0")
	}
	return nil
}

// Wrap tags every request with an ID and writes one access log line per
// request. Handler panics become 500 responses in the API error shape.
func Wrap(logger *slog.Logger, service string, next http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return withRequestID(service, accessLog(logger, recoverPanics(logger, next)))
}

// Run serves HTTP/1.1 and cleartext HTTP/2 until ctx is done, then shuts
// down gracefully. Status streams hold connections open, so there is no
// write timeout.
func Run(ctx context.Context, logger *slog.Logger, cfg Config, handler http.Handler) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           h2c.NewHandler(handler, &http2.Server{}),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       2 * time.Minute,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "service", cfg.Service, "addr", cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type checkResult struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

type healthResponse struct {
	Service string        `json:"service"`
	Status  string        `json:"status"`
	Checks  []checkResult `json:"checks,omitempty"`
}

// Healthz answers liveness checks. It touches no dependency.
func Healthz(service string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, healthResponse{Service: service, Status: "ok"})
	}
}

type ReadinessCheck struct {
	Name  string
	Check func(context.Context) error
}

// ReadyzWithChecks runs every check, each bounded by its own timeout, and
// answers 503 when any of them fails.
func ReadyzWithChecks(service string, checks ...ReadinessCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Service: service, Status: "ready", Checks: make([]checkResult, 0, len(checks))}
		status := http.StatusOK
		for _, check := range checks {
			resp.Checks = append(resp.Checks, runCheck(r.Context(), check))
			if resp.Checks[len(resp.Checks)-1].Status != "ok" {
				status, resp.Status = http.StatusServiceUnavailable, "not_ready"
			}
		}
		writeJSON(w, status, resp)
	}
}

func runCheck(ctx context.Context, check ReadinessCheck) checkResult {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	start := time.Now()
	result := checkResult{Name: check.Name, Status: "ok"}
	if err := check.Check(ctx); err != nil {
		result.Status = "fail"
		result.Error = err.Error()
	}
	result.DurationMs = time.Since(start).Milliseconds()
	return result
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

type ctxKeyRequestID struct{}

func RequestIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ctxKeyRequestID{}).(string)
	return v, ok
}

// validRequestID accepts caller-supplied IDs that are safe to echo into
// headers and log lines.
func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '_', c == '.', c == ':':
		default:
			return false
		}
	}
	return true
}

func withRequestID(service string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(RequestIDHeader))
		if !validRequestID(id) {
			generated, err := requestid.New()
			if err != nil {
				generated = fmt.Sprintf("%s-%d", service, time.Now().UnixNano())
			}
			id = generated
		}
		r.Header.Set(RequestIDHeader, id)
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyRequestID{}, id)))
	})
}

// accessRecorder captures what the access log reports about a response.
// Status streams flush and websocket upgrades hijack; both mark the
// response as streamed.
type accessRecorder struct {
	http.ResponseWriter
	status   int
	bytes    int64
	started  bool
	streamed bool
}

func (w *accessRecorder) WriteHeader(statusCode int) {
	if !w.started {
		w.status = statusCode
		w.started = true
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *accessRecorder) Write(b []byte) (int, error) {
	w.started = true
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

func (w *accessRecorder) Flush() {
	w.streamed = true
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (w *accessRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacker not supported")
	}
	w.status = http.StatusSwitchingProtocols
	w.started = true
	w.streamed = true
	return hijacker.Hijack()
}

func (w *accessRecorder) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func accessLog(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &accessRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		level := slog.LevelInfo
		switch {
		case rec.status >= 500:
			level = slog.LevelError
		case rec.status >= 400:
			level = slog.LevelWarn
		}
		requestID, _ := RequestIDFromContext(r.Context())
		logger.LogAttrs(r.Context(), level, "http request",
			slog.String("request_id", requestID),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("query", r.URL.RawQuery),
			slog.Int("status", rec.status),
			slog.Int64("bytes", rec.bytes),
			slog.Bool("streamed", rec.streamed),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

type panicBody struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id"`
}

// recoverPanics answers a panicking handler with a 500 unless the
// response has already started.
func recoverPanics(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			v := recover()
			if v == nil {
				return
			}
			if v == http.ErrAbortHandler {
				panic(v)
			}
			requestID, _ := RequestIDFromContext(r.Context())
			logger.ErrorContext(r.Context(), "handler panic", "request_id", requestID, "path", r.URL.Path, "panic", v)
			if rec, ok := w.(*accessRecorder); ok && rec.started {
				return
			}
			writeJSON(w, http.StatusInternalServerError, panicBody{Error: "internal_error", RequestID: requestID})
		}()
		next.ServeHTTP(w, r)
	})
}
