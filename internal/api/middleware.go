package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/fluxbase/fluxbase/internal/fault"
)

// TokenVerifier checks a bearer token and returns the principal it
// identifies. Implementations must be safe for concurrent use.
type TokenVerifier interface {
	Verify(token string) (principal string, err error)
}

// StaticKeyVerifier accepts exactly one key (the admin key) and maps it to
// the "admin" principal.
type StaticKeyVerifier struct {
	Key string
}

func (v StaticKeyVerifier) Verify(token string) (string, error) {
	if subtle.ConstantTimeCompare([]byte(token), []byte(v.Key)) != 1 {
		return "", fault.New(fault.Unauthenticated, "invalid token")
	}
	return "admin", nil
}

type principalKey struct{}

// PrincipalFrom returns the authenticated principal, if any.
func PrincipalFrom(ctx context.Context) string {
	p, _ := ctx.Value(principalKey{}).(string)
	return p
}

// AllowAllVerifier accepts any token, including none. For deployments
// that run with auth disabled.
type AllowAllVerifier struct{}

func (AllowAllVerifier) Verify(string) (string, error) { return "anonymous", nil }

// AuthMiddleware validates the Authorization bearer token through the
// verifier and stores the resulting principal on the request context. A
// missing header verifies the empty token, so permissive verifiers can
// let it through.
func AuthMiddleware(verifier TokenVerifier, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := ""
		if auth := r.Header.Get("Authorization"); auth != "" {
			const prefix = "Bearer "
			if !strings.HasPrefix(auth, prefix) {
				WriteError(w, http.StatusUnauthorized, string(fault.Unauthenticated), "invalid Authorization header format")
				return
			}
			token = auth[len(prefix):]
		}
		principal, err := verifier.Verify(token)
		if err != nil {
			WriteError(w, http.StatusUnauthorized, string(fault.Unauthenticated), "missing or invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, principal)))
	})
}

// RequestBodyLimitMiddleware enforces a max request body size for
// downstream handlers.
func RequestBodyLimitMiddleware(maxBytes int64, next http.Handler) http.Handler {
	if maxBytes <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}
