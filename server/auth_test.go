package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const refPath = "/api/v1/refs/ns/Mesh/00"

func newAuthServer(cfg Config) *Server {
	return &Server{
		config: cfg,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		tokens: map[string]time.Time{},
		now:    time.Now,
	}
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthMiddleware(t *testing.T) {
	tests := []struct {
		name   string
		cfg    Config
		path   string
		header string
		want   int
	}{
		{name: "no auth configured", path: refPath, want: http.StatusOK},
		{name: "static token", cfg: Config{AuthToken: "tok"}, path: refPath, header: "Bearer tok", want: http.StatusOK},
		{name: "wrong token", cfg: Config{AuthToken: "tok"}, path: refPath, header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "empty bearer", cfg: Config{AuthToken: "tok"}, path: refPath, header: "Bearer ", want: http.StatusUnauthorized},
		{name: "missing header", cfg: Config{AuthToken: "tok"}, path: refPath, want: http.StatusUnauthorized},
		{name: "basic scheme", cfg: Config{AuthToken: "tok"}, path: refPath, header: "Basic dXNlcjpwYXNz", want: http.StatusUnauthorized},
		{name: "batch route", cfg: Config{AuthToken: "tok"}, path: "/api/v1/refs/ns/batch", want: http.StatusUnauthorized},
		{name: "clients only", cfg: Config{OAuthClients: map[string]string{"builder": "s"}}, path: refPath, want: http.StatusUnauthorized},
		{name: "health", cfg: Config{AuthToken: "tok"}, path: "/health", want: http.StatusOK},
		{name: "readiness", cfg: Config{AuthToken: "tok"}, path: "/health/ready", want: http.StatusOK},
		{name: "metrics", cfg: Config{AuthToken: "tok"}, path: "/metrics", want: http.StatusOK},
		{name: "token endpoint", cfg: Config{AuthToken: "tok"}, path: "/oauth/token", want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := newAuthServer(tt.cfg).authMiddleware(okHandler())
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			require.Equal(t, tt.want, rec.Code)

			if tt.want == http.StatusUnauthorized {
				require.True(t, strings.HasPrefix(rec.Header().Get("WWW-Authenticate"), "Bearer"))
				var body oauthError
				require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
				require.Equal(t, "unauthorized", body.Error)
			}
		})
	}
}

func TestRevokeTokens(t *testing.T) {
	s := newAuthServer(Config{OAuthClients: map[string]string{"builder": "s3cret"}, TokenTTL: time.Minute})
	s.tokens["issued"] = time.Now().Add(time.Minute)

	req := httptest.NewRequest(http.MethodGet, refPath, nil)
	req.Header.Set("Authorization", "Bearer issued")
	require.True(t, s.authorized(req))

	s.RevokeTokens()
	require.False(t, s.authorized(req))
}

func requestToken(t *testing.T, h http.Handler, form url.Values, basicID, basicSecret string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if basicID != "" {
		req.SetBasicAuth(basicID, basicSecret)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestTokenEndpoint(t *testing.T) {
	s := newAuthServer(Config{OAuthClients: map[string]string{"builder": "s3cret"}, TokenTTL: time.Minute})
	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth/token", s.handleToken)
	mux.Handle("GET "+refPath, okHandler())
	handler := s.authMiddleware(mux)

	rec := requestToken(t, handler, url.Values{"grant_type": {"client_credentials"}}, "builder", "s3cret")
	require.Equal(t, http.StatusOK, rec.Code)
	var tok tokenResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&tok))
	require.NotEmpty(t, tok.AccessToken)
	require.Equal(t, int64(60), tok.ExpiresIn)

	req := httptest.NewRequest(http.MethodGet, refPath, nil)
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	got := httptest.NewRecorder()
	handler.ServeHTTP(got, req)
	require.Equal(t, http.StatusOK, got.Code)

	s.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	got = httptest.NewRecorder()
	handler.ServeHTTP(got, req)
	require.Equal(t, http.StatusUnauthorized, got.Code, "expired tokens are rejected")
}

func TestTokenEndpointRejects(t *testing.T) {
	s := newAuthServer(Config{OAuthClients: map[string]string{"builder": "s3cret"}, TokenTTL: time.Minute})
	h := http.HandlerFunc(s.handleToken)

	rec := requestToken(t, h, url.Values{"grant_type": {"client_credentials"}, "client_id": {"builder"}, "client_secret": {"nope"}}, "", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = requestToken(t, h, url.Values{"grant_type": {"password"}}, "builder", "s3cret")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = requestToken(t, h, url.Values{"grant_type": {"client_credentials"}, "client_id": {"builder"}, "client_secret": {"s3cret"}}, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
}
