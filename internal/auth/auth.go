// Package auth checks bearer tokens and their scopes.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

const (
	ScopeAll             = "*"
	ScopeDeploymentsRead = "deployments:ro"
	// ScopeDeploymentsWrite allows manual deployments and implies read.
	ScopeDeploymentsWrite = "deployments:rw"
	ScopeEventsRead       = "events:ro"
)

var ErrMissingToken = errors.New("missing bearer token")

// TokenConfig is a bearer token with a set of scopes.
type TokenConfig struct {
	Name   string
	Token  string
	Scopes []string
}

type Principal struct {
	Name   string
	Scopes map[string]struct{}
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func ExtractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingToken
	}

	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", errors.New("invalid Authorization header format")
	}

	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

// Authenticate matches a presented bearer token against configured tokens.
func Authenticate(presented string, tokens []TokenConfig) (Principal, bool) {
	for _, t := range tokens {
		if Equal(presented, t.Token) {
			return Principal{
				Name:   t.Name,
				Scopes: normalizeScopes(t.Scopes),
			}, true
		}
	}
	return Principal{}, false
}

// Equal compares two secrets in constant time. Empty never matches.
func Equal(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func normalizeScopes(scopes []string) map[string]struct{} {
	out := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out[s] = struct{}{}
	}

	// Write implies read.
	if _, ok := out[ScopeDeploymentsWrite]; ok {
		out[ScopeDeploymentsRead] = struct{}{}
	}
	return out
}

func HasAnyScope(p Principal, required ...string) bool {
	if len(required) == 0 {
		return true
	}
	if _, ok := p.Scopes[ScopeAll]; ok {
		return true
	}
	for _, s := range required {
		if _, ok := p.Scopes[s]; ok {
			return true
		}
	}
	return false
}

// KnownScope reports whether s is a scope this gateway grants.
func KnownScope(s string) bool {
	switch s {
	case ScopeAll, ScopeDeploymentsRead, ScopeDeploymentsWrite, ScopeEventsRead:
		return true
	}
	return false
}
