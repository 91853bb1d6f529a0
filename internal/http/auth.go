package httpx

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/splax/canary/pkg/jwt"
)

type authContextKey string

const contextKeyOperator authContextKey = "canary-operator"

// requireAuth ensures the request carries a valid bearer token when a secret is configured.
func (r *Router) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.opts.JWTSecret == "" {
			next(w, req)
			return
		}
		token, err := bearerToken(req.Header.Get("Authorization"))
		if err != nil {
			token = req.URL.Query().Get("access_token")
		}
		if token == "" {
			r.logger.Warn("authorization header invalid", "error", err, "path", req.URL.Path)
			r.writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		claims, err := jwt.Parse(token, r.opts.JWTSecret)
		if err != nil {
			r.logger.Warn("token validation failed", "error", err, "path", req.URL.Path)
			r.writeError(w, http.StatusUnauthorized, "authentication failed")
			return
		}
		ctx := context.WithValue(req.Context(), contextKeyOperator, claims.Operator)
		next(w, req.WithContext(ctx))
	}
}

// operatorFromContext returns the authenticated operator name, if any.
func operatorFromContext(ctx context.Context) string {
	op, _ := ctx.Value(contextKeyOperator).(string)
	return op
}

func bearerToken(header string) (string, error) {
	if strings.TrimSpace(header) == "" {
		return "", errors.New("missing authorization header")
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header format")
	}
	return parts[1], nil
}
