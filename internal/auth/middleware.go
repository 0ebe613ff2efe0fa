package auth

import (
	"log/slog"
	"net/http"
	"strings"
)

// Middleware enforces bearer-token auth when the service is enabled. The
// token comes from the Authorization header, or from the access_token query
// parameter for WebSocket upgrades that cannot set headers.
func Middleware(service *Service, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !service.Enabled() {
				next.ServeHTTP(w, r)
				return
			}
			token := ExtractBearer(r)
			if token == "" {
				unauthorized(w, ErrMissingToken)
				return
			}
			id, err := service.Validate(token)
			if err != nil {
				logger.WarnContext(r.Context(), "jwt validation failed", "error", err)
				unauthorized(w, ErrInvalidToken)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// ExtractBearer returns the request's bearer token, if any.
func ExtractBearer(r *http.Request) string {
	value := r.Header.Get("Authorization")
	if len(value) > len("bearer ") && strings.EqualFold(value[:len("bearer ")], "bearer ") {
		return strings.TrimSpace(value[len("bearer "):])
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}

func unauthorized(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="conductor"`)
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":{"kind":"UNAUTHORIZED","message":"` + err.Error() + `"}}`)) //nolint:errcheck
}
