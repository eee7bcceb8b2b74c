package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"auth-service/internal/token"
)

type contextKey struct{}

var (
	errMissingHeader   = errors.New("missing authorization header")
	errMalformedHeader = errors.New("malformed authorization header")
)

// AccessVerifier is satisfied by *token.Codec.
type AccessVerifier interface {
	VerifyAccessToken(raw string) (token.Payload, error)
}

func WithPayload(ctx context.Context, payload token.Payload) context.Context {
	return context.WithValue(ctx, contextKey{}, payload)
}

func PayloadFromContext(ctx context.Context) (token.Payload, bool) {
	payload, ok := ctx.Value(contextKey{}).(token.Payload)
	return payload, ok
}

// RequireAuth rejects requests without a valid access token: 401 when the
// header is absent, 403 when it is malformed or the token does not verify.
func RequireAuth(verifier AccessVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, err := bearerToken(r.Header.Get("Authorization"))
			if err != nil {
				if errors.Is(err, errMissingHeader) {
					writeError(w, http.StatusUnauthorized, "Access token required", "")
					return
				}
				writeError(w, http.StatusForbidden, "Invalid token format", "")
				return
			}

			payload, err := verifier.VerifyAccessToken(raw)
			if err != nil {
				writeError(w, http.StatusForbidden, "Invalid or expired token", "")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithPayload(r.Context(), payload)))
		})
	}
}

// OptionalAuth attaches the token payload when a valid access token is
// present and otherwise passes the request through untouched.
func OptionalAuth(verifier AccessVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, err := bearerToken(r.Header.Get("Authorization"))
			if err == nil {
				if payload, err := verifier.VerifyAccessToken(raw); err == nil {
					r = r.WithContext(WithPayload(r.Context(), payload))
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// bearerToken expects exactly "Bearer <token>" after trimming. Internal
// whitespace is not collapsed, so "Bearer  abc" is malformed.
func bearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errMissingHeader
	}

	parts := strings.Split(header, " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", errMalformedHeader
	}
	return parts[1], nil
}
