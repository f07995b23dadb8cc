// ABOUTME: HTTP middleware for bearer token authentication on API endpoints
// ABOUTME: Extracts the session token from the Authorization header and adds claims to context

package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	scheme, token, ok := strings.Cut(authHeader, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", "invalid authorization header format"
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// writeUnauthorized writes the same {error, message} body the API uses for every failure.
func writeUnauthorized(w http.ResponseWriter, kind Kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="sigil"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   string(kind),
		"message": message,
	})
}

// HTTPAuthMiddleware creates an HTTP middleware that requires a valid session token.
// Verified claims are attached with WithAuth.
func HTTPAuthMiddleware(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				writeUnauthorized(w, KindTokenInvalid, errMsg)
				return
			}

			claims, err := verifier.Verify(token)
			if err != nil {
				if errors.Is(err, ErrTokenExpired) {
					writeUnauthorized(w, KindTokenExpired, "token expired")
					return
				}
				writeUnauthorized(w, KindTokenInvalid, "invalid token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), NewAuthContext(claims))))
		})
	}
}
