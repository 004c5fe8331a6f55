package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

type principalKey struct{}

// FromContext returns the principal attached by Require.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Require rejects requests without a bearer token granting need. A nil
// service disables the check.
func Require(svc *Service, need Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if svc == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || strings.TrimSpace(token) == "" {
				deny(w, http.StatusUnauthorized, ErrInvalidToken)
				return
			}
			p, err := svc.VerifyToken(strings.TrimSpace(token))
			if err != nil {
				deny(w, http.StatusUnauthorized, ErrInvalidToken)
				return
			}
			if !p.Role.Allows(need) {
				deny(w, http.StatusForbidden, ErrForbidden)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
		})
	}
}

func deny(w http.ResponseWriter, status int, err error) {
	if errors.Is(err, ErrInvalidToken) {
		w.Header().Set("WWW-Authenticate", `Bearer realm="escrow"`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
