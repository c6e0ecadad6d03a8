package httpapi

import (
	"context"
	"fmt"
	"net/http"

	"github.com/appforge-dev/appforge/internal/app/guard"
)

type ctxKey int

const ctxPrincipalKey ctxKey = iota

// RoleService marks trusted collaborator callbacks (generator, build
// workers) authenticated by the shared service token.
const RoleService = "service"

// withPrincipal stores the authenticated principal in the request context.
func withPrincipal(ctx context.Context, p guard.Principal) context.Context {
	return context.WithValue(ctx, ctxPrincipalKey, p)
}

// principalFrom extracts the principal placed by the identity middleware.
func principalFrom(ctx context.Context) (guard.Principal, bool) {
	p, ok := ctx.Value(ctxPrincipalKey).(guard.Principal)
	return p, ok
}

// wrapWithIdentity trusts the identity headers set by the upstream identity
// service. Requests carrying the configured service token act as the
// collaborator principal instead; /health stays open.
func wrapWithIdentity(next http.Handler, serviceToken string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		if serviceToken != "" && r.Header.Get("X-Service-Token") == serviceToken {
			p := guard.Principal{ID: "service", Role: RoleService}
			next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
			return
		}

		userID := r.Header.Get("X-User-Id")
		if userID == "" {
			writeError(w, http.StatusUnauthorized, fmt.Errorf("authentication required"))
			return
		}
		role := r.Header.Get("X-User-Role")
		if role == "" {
			role = "user"
		}
		p := guard.Principal{ID: userID, Role: role}
		next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
	})
}

// statusRecorder captures the response code for the audit trail.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// wrapWithAudit records every authenticated request in the audit log.
func wrapWithAudit(next http.Handler, audit *auditLog) http.Handler {
	if audit == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		p, _ := principalFrom(r.Context())
		audit.add(auditEntry{
			Time:       nowUTC(),
			User:       p.ID,
			Role:       p.Role,
			Path:       r.URL.Path,
			Method:     r.Method,
			Status:     rec.status,
			RemoteAddr: r.RemoteAddr,
			UserAgent:  r.UserAgent(),
		})
	})
}
