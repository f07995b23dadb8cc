// Package auth provides the credential primitives shared by every sigil login flow.
//
// # Session Tokens
//
// TokenService issues and verifies stateless session tokens:
//
//	svc, err := auth.NewTokenService(secret, auth.WithTokenTTL(24*time.Hour))
//	token, claims, err := svc.Issue(auth.Claims{AccountID: id, Email: email, Name: name})
//	claims, err := svc.Verify(token)
//
// Tokens are HS256 JWTs carrying sub (account id), email, name, iat, exp, iss
// and a random jti. Verify accepts HS256 only; tokens signed with another
// algorithm or key fail with ErrTokenInvalid, expired tokens with ErrTokenExpired.
// There is no server-side token state.
//
// # Passwords
//
// PasswordHasher wraps bcrypt. Verify against an empty hash runs a dummy
// comparison so "no such account" and "wrong password" cost the same.
//
// # Errors
//
// Every failure a caller can see maps to a Kind via KindOf. ValidationError
// carries the offending field; everything else is a sentinel error checked
// with errors.Is. ErrStoreUnavailable marks persistence failures whose
// details must not reach clients.
//
// # HTTP
//
// HTTPAuthMiddleware reads "Authorization: Bearer <token>", verifies it and
// attaches an AuthContext retrievable with FromContext.
package auth
