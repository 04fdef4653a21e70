// Package auth guards the agent's admin API with bearer tokens. A token
// carries scopes of the form "<resource>:<access>"; "rw" access implies "ro"
// and the scope "*" grants everything.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// Resources exposed by the admin API.
const (
	ResourceCancel   = "cancel"
	ResourceRequests = "requests"
	ResourceEvents   = "events"
	ResourceMetrics  = "metrics"
)

// Access levels.
const (
	Read  = "ro"
	Write = "rw"
)

const wildcard = "*"

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrMalformed    = errors.New("invalid Authorization header format")
	ErrUnknownToken = errors.New("invalid API key")
)

// Scope names access to resource.
func Scope(resource, access string) string { return resource + ":" + access }

// TokenConfig is a bearer token with a set of scopes.
type TokenConfig struct {
	Token  string
	Scopes []string
}

// Principal is an authenticated caller.
type Principal struct {
	Token  string
	Scopes map[string]struct{}
}

// Can reports whether p may access resource at the given level.
func (p Principal) Can(resource, access string) bool {
	if _, ok := p.Scopes[wildcard]; ok {
		return true
	}
	if _, ok := p.Scopes[Scope(resource, access)]; ok {
		return true
	}
	if access == Read {
		_, ok := p.Scopes[Scope(resource, Write)]
		return ok
	}
	return false
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// BearerToken returns the token of an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", ErrMalformed
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

// Authenticate matches a presented bearer token against configured tokens in
// constant time.
func Authenticate(presented string, tokens []TokenConfig) (Principal, bool) {
	if presented == "" {
		return Principal{}, false
	}
	for _, t := range tokens {
		if t.Token == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(t.Token)) != 1 {
			continue
		}
		scopes := make(map[string]struct{}, len(t.Scopes))
		for _, s := range t.Scopes {
			if s = strings.TrimSpace(s); s != "" {
				scopes[s] = struct{}{}
			}
		}
		return Principal{Token: presented, Scopes: scopes}, true
	}
	return Principal{}, false
}

// DenyFunc writes an error response.
type DenyFunc func(w http.ResponseWriter, status int, msg string)

// Middleware authenticates every request and stores the principal in its
// context.
func Middleware(tokens []TokenConfig, deny DenyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := BearerToken(r)
			if err != nil {
				deny(w, http.StatusUnauthorized, err.Error())
				return
			}
			principal, ok := Authenticate(token, tokens)
			if !ok {
				deny(w, http.StatusUnauthorized, ErrUnknownToken.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}

// Require rejects requests whose principal cannot access resource.
func Require(resource, access string, deny DenyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, _ := PrincipalFromContext(r.Context())
			if !principal.Can(resource, access) {
				deny(w, http.StatusForbidden, "insufficient scope: need "+Scope(resource, access))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
