// Package obs owns the process-wide structured logger and the correlation
// fields attached to every log line written on behalf of a request.
package obs

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

type correlationContextKey struct{}

// Correlation carries per-request identifiers.
type Correlation struct {
	RequestID   string
	ConnID      string
	TraceID     string
	Traceparent string
	Tracestate  string
	UserID      string
}

var (
	loggerMu sync.RWMutex
	logger   *slog.Logger
	level    = new(slog.LevelVar)
)

func init() {
	level.Set(slog.LevelDebug)
}

// Init configures the global JSON logger on stderr. Calling it again is a no-op.
func Init() {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	if logger != nil {
		return
	}
	logger = newLogger(os.Stderr)
	slog.SetDefault(logger)
}

// SetLevel changes the minimum level of the global logger.
func SetLevel(l slog.Level) {
	level.Set(l)
}

// ParseLevel maps "debug", "info", "warn" and "error" to slog levels.
func ParseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, true
	case "info", "":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	}
	return slog.LevelInfo, false
}

// SetOutputForTests points the global logger at w until the returned func runs.
func SetOutputForTests(w io.Writer) func() {
	loggerMu.Lock()
	prev := logger
	logger = newLogger(w)
	slog.SetDefault(logger)
	loggerMu.Unlock()

	return func() {
		loggerMu.Lock()
		defer loggerMu.Unlock()
		if prev == nil {
			prev = newLogger(os.Stderr)
		}
		logger = prev
		slog.SetDefault(logger)
	}
}

func newLogger(w io.Writer) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(_ []string, attr slog.Attr) slog.Attr {
			if attr.Key == slog.TimeKey {
				if t, ok := attr.Value.Any().(time.Time); ok {
					return slog.String(slog.TimeKey, t.UTC().Format(time.RFC3339Nano))
				}
			}
			return attr
		},
	})
	return slog.New(handler)
}

func globalLogger() *slog.Logger {
	loggerMu.RLock()
	l := logger
	loggerMu.RUnlock()
	if l != nil {
		return l
	}
	Init()
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger
}

// Pkg returns a logger tagged with a package name.
func Pkg(pkg string) *slog.Logger {
	return globalLogger().With("pkg", pkg)
}

// From returns a logger carrying the correlation fields stored in ctx.
func From(ctx context.Context) *slog.Logger {
	l := globalLogger()
	attrs := correlationAttrs(CorrelationFromContext(ctx))
	if len(attrs) == 0 {
		return l
	}
	return l.With(attrs...)
}

// WithConnID tags ctx with a long-lived connection id (stream or editor session).
func WithConnID(ctx context.Context, connID string) context.Context {
	corr := CorrelationFromContext(ctx)
	corr.ConnID = strings.TrimSpace(connID)
	return context.WithValue(ctx, correlationContextKey{}, corr)
}

// WithUserID tags ctx with the authenticated user.
func WithUserID(ctx context.Context, userID string) context.Context {
	corr := CorrelationFromContext(ctx)
	corr.UserID = strings.TrimSpace(userID)
	return context.WithValue(ctx, correlationContextKey{}, corr)
}

// NewConnID returns a fresh connection id.
func NewConnID() string {
	return "conn-" + randomHex(8)
}

// WithCorrelation merges the non-empty fields of corr into ctx.
func WithCorrelation(ctx context.Context, corr Correlation) context.Context {
	existing := CorrelationFromContext(ctx)
	merge := func(dst *string, src string) {
		if src != "" {
			*dst = src
		}
	}
	merge(&existing.RequestID, corr.RequestID)
	merge(&existing.ConnID, corr.ConnID)
	merge(&existing.TraceID, corr.TraceID)
	merge(&existing.Traceparent, corr.Traceparent)
	merge(&existing.Tracestate, corr.Tracestate)
	merge(&existing.UserID, corr.UserID)
	return context.WithValue(ctx, correlationContextKey{}, existing)
}

// CorrelationFromContext returns the correlation fields stored in ctx.
func CorrelationFromContext(ctx context.Context) Correlation {
	if ctx == nil {
		return Correlation{}
	}
	corr, _ := ctx.Value(correlationContextKey{}).(Correlation)
	return corr
}

func correlationAttrs(corr Correlation) []any {
	attrs := make([]any, 0, 12)
	add := func(key, value string) {
		if value != "" {
			attrs = append(attrs, key, value)
		}
	}
	add("request_id", corr.RequestID)
	add("conn_id", corr.ConnID)
	add("trace_id", corr.TraceID)
	add("traceparent", corr.Traceparent)
	add("tracestate", corr.Tracestate)
	add("user_id", corr.UserID)
	return attrs
}

func newRequestID() string {
	return "req-" + randomHex(16)
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "fallback"
	}
	return hex.EncodeToString(buf)
}
