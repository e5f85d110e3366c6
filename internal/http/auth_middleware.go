package httpx

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/fleetforge/fleetforge/internal/domain"
)

type authContextKey string

const contextKeyAuth authContextKey = "fleetforge-auth-user"

type contextSetter interface {
	SetContext(context.Context)
}

// requireAuth ensures the request has a valid bearer token before invoking the handler.
func (r *Router) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ctx, _, ok := r.ensureAuth(w, req)
		if !ok {
			return
		}
		if setter, ok := w.(contextSetter); ok {
			setter.SetContext(ctx)
		}
		next(w, req.WithContext(ctx))
	}
}

// ensureAuth validates the Authorization header and enriches the context.
func (r *Router) ensureAuth(w http.ResponseWriter, req *http.Request) (context.Context, domain.User, bool) {
	token, err := bearerToken(req.Header.Get("Authorization"))
	if err != nil {
		r.logger.Warn("authorization header invalid", "error", err, "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "authentication required")
		return req.Context(), domain.User{}, false
	}
	user, err := r.verifier.UserFromToken(token)
	if err != nil {
		r.logger.Warn("token validation failed", "error", err, "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "authentication failed")
		return req.Context(), domain.User{}, false
	}
	ctx := context.WithValue(req.Context(), contextKeyAuth, user)
	return ctx, user, true
}

// userFromContext extracts the authenticated identity from context.
func userFromContext(ctx context.Context) (domain.User, bool) {
	value := ctx.Value(contextKeyAuth)
	if value == nil {
		return domain.User{}, false
	}
	user, ok := value.(domain.User)
	return user, ok
}

// requireMutator rejects viewer tokens on state-changing routes.
func (r *Router) requireMutator(w http.ResponseWriter, req *http.Request) (domain.User, bool) {
	user, ok := userFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return domain.User{}, false
	}
	if !user.CanMutate() {
		writeError(w, http.StatusForbidden, "insufficient role")
		return domain.User{}, false
	}
	return user, true
}

func bearerToken(header string) (string, error) {
	if strings.TrimSpace(header) == "" {
		return "", errors.New("missing authorization header")
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header format")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("empty bearer token")
	}
	return token, nil
}
