package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/grafixsolutions/portal/internal/auth"
	"github.com/grafixsolutions/portal/internal/telemetry/tracing"
	"github.com/grafixsolutions/portal/pkg"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/codes"
)

type sessionResolver interface {
	Resolve(ctx context.Context, sessionID string) (*auth.SessionUser, error)
}

type AuthMiddlewareHandler struct {
	sessionSecret string
	sessions      sessionResolver
	allowedPaths  map[string]bool
}

func NewAuthMiddlewareHandler(
	sessionSecret string,
	sessions sessionResolver,
) *AuthMiddlewareHandler {
	return &AuthMiddlewareHandler{
		sessionSecret: sessionSecret,
		sessions:      sessions,
		allowedPaths: map[string]bool{
			"/": true,

			// register-login-logout, no session needed
			"/api/register": true,
			"/api/login":    true,
			"/api/logout":   true,
		},
	}
}

// AuthCheck gates everything outside the allow-list behind a valid,
// unexpired session cookie.
func (h *AuthMiddlewareHandler) AuthCheck() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := tracing.GlobalTracer.Start(r.Context(), "middleware.auth")
			defer span.End()

			if r.Method == http.MethodOptions {
				w.Header().Add("Allow", "GET, POST, OPTIONS")
				w.WriteHeader(http.StatusOK)
				span.SetStatus(codes.Ok, "options-ok")
				return
			}

			if h.allowedPaths[r.URL.Path] {
				span.SetStatus(codes.Ok, "ok")
				next.ServeHTTP(w, r)
				return
			}

			sessionID, ok := auth.ReadSessionID(r, h.sessionSecret)
			if !ok {
				log.Tracef("[missing session] [auth middleware] unauthorized => %s", r.URL.Path)
				writeUnauthorized(w)
				span.SetStatus(codes.Error, "missing-session-cookie")
				return
			}

			if _, err := h.sessions.Resolve(ctx, sessionID); err != nil {
				if !errors.Is(err, auth.ErrSessionNotFound) {
					log.Errorf("[failed session check] => %s: %s", r.URL.Path, err)
					span.RecordError(err)
				} else {
					log.Tracef("[invalid session] [auth middleware] unauthorized => %s", r.URL.Path)
				}
				writeUnauthorized(w)
				span.SetStatus(codes.Error, "not-logged")
				return
			}

			span.SetStatus(codes.Ok, "ok")
			next.ServeHTTP(w, r)
		})
	}
}

func writeUnauthorized(w http.ResponseWriter) {
	pkg.WriteJSONResponse(
		w,
		http.StatusUnauthorized,
		[]byte(`{"success":false,"message":"unauthorized, please log in"}`),
	)
}
