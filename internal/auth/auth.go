// Package auth resolves bearer tokens to scoped principals.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// Scopes understood by the API.
const (
	ScopeAgent    = "agent"
	ScopeTasksRO  = "tasks:ro"
	ScopeTasksRW  = "tasks:rw"
	ScopeAgentsRO = "agents:ro"
	ScopeAgentsRW = "agents:rw"
	ScopeEventsRO = "events:ro"
	ScopeEventsRW = "events:rw"
	ScopeAll      = "*"
)

var knownScopes = map[string]bool{
	ScopeAgent: true, ScopeTasksRO: true, ScopeTasksRW: true, ScopeAgentsRO: true,
	ScopeAgentsRW: true, ScopeEventsRO: true, ScopeEventsRW: true, ScopeAll: true,
}

// KnownScope reports whether s is one of the scopes above.
func KnownScope(s string) bool {
	return knownScopes[s]
}

var (
	ErrMissingHeader = errors.New("missing Authorization header")
	ErrBadScheme     = errors.New("invalid Authorization header format")
	ErrEmptyToken    = errors.New("missing API key")
)

// TokenConfig is a bearer token with a set of scopes. A non-empty AgentID
// pins the token to that delegate's own routes.
type TokenConfig struct {
	Token   string
	Scopes  []string
	AgentID string
}

// ScopeSet is a normalized set of granted scopes. Read access is implied by
// write access on the same resource.
type ScopeSet map[string]struct{}

func newScopeSet(scopes []string) ScopeSet {
	set := make(ScopeSet, len(scopes))
	for _, s := range scopes {
		if s = strings.TrimSpace(s); s != "" {
			set[s] = struct{}{}
		}
	}
	for s := range set {
		if res, ok := strings.CutSuffix(s, ":rw"); ok {
			set[res+":ro"] = struct{}{}
		}
	}
	return set
}

// HasAny reports whether the set holds "*" or any of required. An empty
// required list always passes.
func (s ScopeSet) HasAny(required ...string) bool {
	if len(required) == 0 {
		return true
	}
	if _, ok := s[ScopeAll]; ok {
		return true
	}
	for _, r := range required {
		if _, ok := s[r]; ok {
			return true
		}
	}
	return false
}

// Principal is the caller behind an authenticated request.
type Principal struct {
	Scopes  ScopeSet
	AgentID string
}

// CanActAs reports whether the principal may act on agentID's routes.
func (p Principal) CanActAs(agentID string) bool {
	return p.AgentID == "" || p.AgentID == agentID
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
		return "", ErrMissingHeader
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return "", ErrBadScheme
	}
	if token = strings.TrimSpace(token); token == "" {
		return "", ErrEmptyToken
	}
	return token, nil
}

type credential struct {
	secret    []byte
	principal Principal
}

// Authenticator matches presented bearer tokens. Scope sets are normalized
// once at construction.
type Authenticator struct {
	creds []credential
}

// NewAuthenticator builds an Authenticator. apiKey, when set, is an unbound
// admin credential holding "*". Tokens with an empty secret are ignored.
func NewAuthenticator(apiKey string, tokens []TokenConfig) *Authenticator {
	a := &Authenticator{}
	if apiKey != "" {
		a.creds = append(a.creds, credential{
			secret:    []byte(apiKey),
			principal: Principal{Scopes: ScopeSet{ScopeAll: {}}},
		})
	}
	for _, t := range tokens {
		if t.Token == "" {
			continue
		}
		a.creds = append(a.creds, credential{
			secret:    []byte(t.Token),
			principal: Principal{Scopes: newScopeSet(t.Scopes), AgentID: strings.TrimSpace(t.AgentID)},
		})
	}
	return a
}

// Authenticate compares presented against every credential in constant time.
func (a *Authenticator) Authenticate(presented string) (Principal, bool) {
	if presented == "" {
		return Principal{}, false
	}
	p := []byte(presented)
	for _, c := range a.creds {
		if subtle.ConstantTimeCompare(p, c.secret) == 1 {
			return c.principal, true
		}
	}
	return Principal{}, false
}
