package middleware

import (
	"context"
	"net/http"
	"strings"
)

// Identity headers are set by the upstream authentication gateway. The
// service never issues or stores sessions itself.
const (
	HeaderUserID  = "X-User-ID"
	HeaderAdminID = "X-Admin-ID"
)

type contextKey string

const (
	userIDKey  contextKey = "user_id"
	adminIDKey contextKey = "admin_id"
)

// Credentials copies the gateway identity headers into the request context.
func Credentials(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if user := strings.TrimSpace(r.Header.Get(HeaderUserID)); user != "" {
			ctx = context.WithValue(ctx, userIDKey, user)
		}
		if admin := strings.TrimSpace(r.Header.Get(HeaderAdminID)); admin != "" {
			ctx = context.WithValue(ctx, adminIDKey, admin)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// UserIDFromContext returns the wallet user on whose behalf the request runs.
func UserIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userIDKey).(string)
	return id, ok && id != ""
}

// AdminIDFromContext returns the administrator identity of the request.
func AdminIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(adminIDKey).(string)
	return id, ok && id != ""
}

// WithUserID returns a context carrying a wallet user identity.
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

// WithAdminID returns a context carrying an administrator identity.
func WithAdminID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, adminIDKey, id)
}

// RequireUser rejects requests without a wallet user identity.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := UserIDFromContext(r.Context()); !ok {
			unauthorized(w, "missing user credentials")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAdmin rejects requests without an administrator identity.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := AdminIDFromContext(r.Context()); !ok {
			unauthorized(w, "missing admin credentials")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"` + message + `","code":"UNAUTHORIZED"}`))
}
