package obs

import (
	"bufio"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/kuitang/catatan/internal/logutil"
)

// ResponseRecorder tracks the status and size of a response. It forwards
// Flush and Hijack to the wrapped writer so SSE streams and WebSocket
// upgrades work behind the access log.
type ResponseRecorder struct {
	http.ResponseWriter
	status   int
	written  int64
	started  bool
	upgraded bool
}

// NewResponseRecorder wraps w.
func NewResponseRecorder(w http.ResponseWriter) *ResponseRecorder {
	return &ResponseRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (r *ResponseRecorder) WriteHeader(code int) {
	if r.started {
		return
	}
	r.status, r.started = code, true
	r.ResponseWriter.WriteHeader(code)
}

func (r *ResponseRecorder) Write(p []byte) (int, error) {
	r.started = true
	n, err := r.ResponseWriter.Write(p)
	r.written += int64(n)
	return n, err
}

// Flush is a no-op when the wrapped writer cannot flush.
func (r *ResponseRecorder) Flush() {
	_ = http.NewResponseController(r.ResponseWriter).Flush()
}

func (r *ResponseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	conn, rw, err := http.NewResponseController(r.ResponseWriter).Hijack()
	if err == nil {
		r.status, r.started, r.upgraded = http.StatusSwitchingProtocols, true, true
	}
	return conn, rw, err
}

func (r *ResponseRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (r *ResponseRecorder) StatusCode() int { return r.status }

func (r *ResponseRecorder) RespBytes() int64 { return r.written }

// RequestContextMiddleware injects correlation fields into the request context
// and echoes the request id back in X-Request-Id.
func RequestContextMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceparent := strings.TrimSpace(r.Header.Get("traceparent"))
		traceID := extractTraceID(traceparent)

		requestID := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if requestID == "" {
			requestID = traceID
		}
		if requestID == "" {
			requestID = newRequestID()
		}
		w.Header().Set("X-Request-Id", requestID)

		ctx := WithCorrelation(r.Context(), Correlation{
			RequestID:   requestID,
			TraceID:     traceID,
			Traceparent: traceparent,
			Tracestate:  strings.TrimSpace(r.Header.Get("tracestate")),
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AccessLogMiddleware emits one http_access event per request. Server errors
// are logged at warn with redacted request headers.
func AccessLogMiddleware(pkg string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := NewResponseRecorder(w)
		next.ServeHTTP(recorder, r)

		reqBytes := int64(0)
		if r.ContentLength > 0 {
			reqBytes = r.ContentLength
		}
		l := From(r.Context()).With("pkg", pkg)
		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", recorder.StatusCode(),
			"dur_ms", float64(time.Since(start).Microseconds()) / 1000.0,
			"req_bytes", reqBytes,
			"resp_bytes", recorder.RespBytes(),
		}
		if recorder.upgraded {
			attrs = append(attrs, "upgraded", true)
		}
		if recorder.StatusCode() >= http.StatusInternalServerError {
			l.Warn("http_access", append(attrs, "headers", logutil.FormatHeadersForLog(r.Header))...)
			return
		}
		l.Debug("http_access", attrs...)
	})
}

// extractTraceID returns the lowercase trace id of a W3C traceparent, or ""
// when the header is malformed or carries the all-zero id.
func extractTraceID(traceparent string) string {
	parts := strings.Split(strings.TrimSpace(traceparent), "-")
	if len(parts) != 4 {
		return ""
	}
	id := strings.ToLower(strings.TrimSpace(parts[1]))
	raw, err := hex.DecodeString(id)
	if err != nil || len(raw) != 16 || [16]byte(raw) == [16]byte{} {
		return ""
	}
	return id
}
