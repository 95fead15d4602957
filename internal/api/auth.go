// ABOUTME: X-API-Key authentication middleware for the HTTP API
// ABOUTME: Resolves credentials through the directory and stores the agent in context

package api

import (
	"context"
	"net/http"

	"github.com/agentmailbox/mailbox/internal/directory"
	"github.com/agentmailbox/mailbox/internal/store"
)

type contextKey string

const agentContextKey contextKey = "agent"

// agentFrom returns the authenticated agent placed in the context by the
// middleware. Only valid inside authed handlers.
func agentFrom(ctx context.Context) *store.Agent {
	return ctx.Value(agentContextKey).(*store.Agent)
}

// authed wraps a handler with API key authentication.
func (s *Server) authed(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agent, err := s.directory.Authenticate(r.Context(), r.Header.Get("X-API-Key"))
		if err != nil {
			s.writeError(w, directory.ErrInvalidCredential)
			return
		}

		ctx := context.WithValue(r.Context(), agentContextKey, agent)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
