package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// authMiddleware requires a bearer token on the value routes: either the
// static AuthToken or one issued by the token endpoint and not yet expired.
// With neither configured every request passes.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.config.AuthToken == "" && len(s.config.OAuthClients) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) || s.authorized(r) {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", `Bearer realm="tiered-cache"`)
		writeJSON(w, http.StatusUnauthorized, oauthError{Error: "unauthorized"})
	})
}

func (s *Server) authorized(r *http.Request) bool {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		return false
	}
	if static := s.config.AuthToken; static != "" && subtle.ConstantTimeCompare([]byte(token), []byte(static)) == 1 {
		return true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	expires, ok := s.tokens[token]
	if ok && !s.now().Before(expires) {
		delete(s.tokens, token)
		return false
	}
	return ok
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

type oauthError struct {
	Error string `json:"error"`
}

// handleToken runs the client credentials grant for OAuthClients. The
// client authenticates with basic auth or form fields.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, oauthError{Error: "invalid_request"})
		return
	}
	if r.PostForm.Get("grant_type") != "client_credentials" {
		writeJSON(w, http.StatusBadRequest, oauthError{Error: "unsupported_grant_type"})
		return
	}
	id, secret, ok := r.BasicAuth()
	if !ok {
		id, secret = r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
	}
	want, known := s.config.OAuthClients[id]
	if !known || subtle.ConstantTimeCompare([]byte(secret), []byte(want)) != 1 {
		s.logger.Info("token request rejected", "client_id", id)
		writeJSON(w, http.StatusUnauthorized, oauthError{Error: "invalid_client"})
		return
	}

	token := uuid.NewString()
	s.mu.Lock()
	s.tokens[token] = s.now().Add(s.config.TokenTTL)
	s.mu.Unlock()

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresIn:   int64(s.config.TokenTTL / time.Second),
	})
}

// RevokeTokens invalidates every issued token, forcing clients to log in
// again.
func (s *Server) RevokeTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.tokens)
}
