package util

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
)

type traceIDContextKey struct{}

const traceIDHeader = "X-Trace-Id"

// WithTraceID propagates an incoming trace id or generates one when absent.
// The id is set on both the response header and the request context, and a
// child slog.Logger carrying "trace_id" is stored alongside it so downstream
// code can call util.LoggerFromContext(ctx). Audit records pick the same id up
// via TraceIDFromContext.
func WithTraceID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := strings.TrimSpace(r.Header.Get(traceIDHeader))
		if traceID == "" {
			traceID = NewID()
		}
		w.Header().Set(traceIDHeader, traceID)

		ctx := context.WithValue(r.Context(), traceIDContextKey{}, traceID)
		ctx = ContextWithLogger(ctx, slog.Default().With("trace_id", traceID))

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// TraceIDFromContext returns the trace id from context, or "".
func TraceIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(traceIDContextKey{}).(string)
	return id
}
