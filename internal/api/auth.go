package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/taskrelay/internal/auth"
)

// authMiddleware resolves the bearer token to a principal.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := auth.ExtractBearerToken(r)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		principal, ok := s.authn.Authenticate(token)
		if !ok {
			s.writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
	})
}

// requireScopes rejects principals holding none of the given scopes.
func (s *Server) requireScopes(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := auth.PrincipalFromContext(r.Context())
			if !ok || !principal.Scopes.HasAny(scopes...) {
				s.writeError(w, http.StatusForbidden, "insufficient scope")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requireOwnAgent stops a token pinned to one agent from polling, heartbeating
// or reporting results as another. Runs after routing so {agentID} is known.
func (s *Server) requireOwnAgent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, _ := auth.PrincipalFromContext(r.Context())
		agentID := chi.URLParam(r, "agentID")
		if !principal.CanActAs(agentID) {
			s.logger.Warn("agent token used for another agent", "token_agent_id", principal.AgentID, "agent_id", agentID)
			s.writeError(w, http.StatusForbidden, "token is bound to a different agent")
			return
		}
		next.ServeHTTP(w, r)
	})
}
