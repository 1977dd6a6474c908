package api

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// Authentication happens upstream; the gateway forwards the verified
// user as X-User-ID. This middleware only lifts it into the context and
// stamps a request id.

type Middleware func(next http.Handler) http.Handler

type contextKey string

const (
	userIDKey    contextKey = "user_id"
	requestIDKey contextKey = "request_id"
)

func IdentityMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			requestID := uuid.New().String()
			ctx = context.WithValue(ctx, requestIDKey, requestID)
			w.Header().Set("X-Request-ID", requestID)

			userID := r.Header.Get("X-User-ID")
			if userID == "" {
				http.Error(w, "Unauthorized: missing X-User-ID header", http.StatusUnauthorized)
				return
			}
			ctx = context.WithValue(ctx, userIDKey, userID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Helpers to extract from context
func GetUserID(ctx context.Context) string {
	if id, ok := ctx.Value(userIDKey).(string); ok {
		return id
	}
	return ""
}

func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// Helpers for testing
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}
