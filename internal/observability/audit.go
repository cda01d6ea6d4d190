package observability

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
)

// SecretPathPrefixes lists route prefixes whose trailing segment is a
// credential and is replaced with "redacted" in audit and request logs.
var SecretPathPrefixes = []string{"/public/agent-access/"}

type requestIDKey struct{}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// Audit logs a security relevant event for r. Secrets must never be passed in attrs.
func Audit(r *http.Request, event string, attrs ...any) {
	requestID := RequestID(r.Context())
	if requestID == "" {
		requestID = r.Header.Get("X-Request-Id")
	}
	base := []any{
		"event", event,
		"method", r.Method,
		"path", RedactPath(r.URL.Path),
		"request_id", requestID,
	}
	base = append(base, attrs...)
	slog.InfoContext(r.Context(), "audit", base...)
}

func RedactPath(path string) string {
	for _, prefix := range SecretPathPrefixes {
		if strings.HasPrefix(path, prefix) && len(path) > len(prefix) {
			return prefix + "redacted"
		}
	}
	return path
}
