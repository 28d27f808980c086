// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

// Package auth turns inbound bearer tokens into verified principals. Token
// verification happens upstream (an authenticating proxy or the identity
// provider); this package extracts the bearer, maps its claims onto a
// core.Principal, and makes both available to the rest of the gateway
// through the request context.
package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/gantry-mcp/gantry/pkg/core"
)

// principalKey is the context key for the verified principal.
//
// Using an empty struct as the key prevents collisions with other context
// keys, as each empty struct type is distinct even if they have the same
// name in different packages.
type principalKey struct{}

// WithPrincipal stores a principal in the context. A nil principal returns
// the context unchanged.
func WithPrincipal(ctx context.Context, p *core.Principal) context.Context {
	if p == nil {
		return ctx
	}
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext retrieves the principal from the context. Returns
// the principal and true if present, nil and false otherwise.
func PrincipalFromContext(ctx context.Context) (*core.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*core.Principal)
	return p, ok
}

// ExtractBearerToken returns the bearer token from the Authorization
// header, or empty when the header is absent or not a bearer scheme.
func ExtractBearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	const prefix = "Bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// ClaimsToPrincipal converts JWT claims into a Principal. The 'sub' claim
// is required; name, email and common group claims are extracted when
// present. The original token is kept on the principal for hashing and
// pass-through and is never logged.
func ClaimsToPrincipal(claims jwt.MapClaims, token string) (*core.Principal, error) {
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return nil, core.NewInvalidRequestError("token has no subject", nil)
	}

	p := &core.Principal{
		Subject: sub,
		Claims:  claims,
		Token:   token,
	}
	if name, ok := claims["name"].(string); ok {
		p.Name = name
	}
	if email, ok := claims["email"].(string); ok {
		p.Email = email
	}
	// Group claim names vary by provider; check the common ones.
	for _, key := range []string{"groups", "roles"} {
		raw, ok := claims[key].([]any)
		if !ok {
			continue
		}
		for _, g := range raw {
			if s, ok := g.(string); ok {
				p.Groups = append(p.Groups, s)
			}
		}
		break
	}
	return p, nil
}

// Options configures the identity middleware.
type Options struct {
	// AllowAnonymous admits requests without a bearer token, binding the
	// anonymous principal instead of rejecting with 401.
	AllowAnonymous bool
}

// Middleware binds the request's principal into the context. Tokens that
// parse as JWTs contribute their claims; verification is assumed to have
// happened upstream. Opaque bearer tokens yield a principal whose subject
// is the token hash, so authorization policies still have a stable
// identity to bind to.
func Middleware(opts Options) func(http.Handler) http.Handler {
	parser := jwt.NewParser()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := ExtractBearerToken(r)
			if token == "" {
				if !opts.AllowAnonymous {
					w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
					http.Error(w, "Authorization header required", http.StatusUnauthorized)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			principal := principalForToken(parser, token)
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}

func principalForToken(parser *jwt.Parser, token string) *core.Principal {
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err == nil {
		if p, err := ClaimsToPrincipal(claims, token); err == nil {
			return p
		}
	}
	// Opaque token: derive a stable pseudonymous subject from its hash.
	return &core.Principal{
		Subject: "token:" + core.HashToken(token)[:16],
		Token:   token,
	}
}

// AnonymousMiddleware binds the anonymous principal to every request.
// Useful for local development where authorization policies still need a
// subject to evaluate against. Heavily discouraged in production.
func AnonymousMiddleware(next http.Handler) http.Handler {
	return LocalUserMiddleware("anonymous")(next)
}

// LocalUserMiddleware binds a fixed local user to every request, bypassing
// authentication. Like AnonymousMiddleware this is for development and
// tests only.
func LocalUserMiddleware(username string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			now := time.Now()
			principal := &core.Principal{
				Subject: username,
				Name:    "Local User: " + username,
				Email:   username + "@localhost",
				Claims: jwt.MapClaims{
					"sub": username,
					"iss": "gantry-local",
					"aud": "gantry",
					"iat": now.Unix(),
					"exp": now.Add(24 * time.Hour).Unix(),
				},
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}
