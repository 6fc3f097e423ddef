package httpstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"

	"github.com/wolfeidau/tiered-cache/telemetry"
)

// ErrLoginRefused is returned once the login failure ceiling is reached.
var ErrLoginRefused = errors.New("oauth login attempts exhausted")

// authenticator fetches client-credentials tokens. The current token is an
// atomically swapped snapshot; concurrent refreshes collapse into one.
type authenticator struct {
	tier        string
	cfg         clientcredentials.Config
	client      *http.Client
	maxFailures int32
	logger      *slog.Logger

	token    atomic.Pointer[oauth2.Token]
	failures atomic.Int32
	group    singleflight.Group
}

func newAuthenticator(tier string, cfg Config, client *http.Client, logger *slog.Logger) *authenticator {
	a := &authenticator{
		tier: tier,
		cfg: clientcredentials.Config{
			ClientID:     cfg.OAuthClientID,
			ClientSecret: cfg.OAuthSecret,
			TokenURL:     cfg.OAuthProvider,
			AuthStyle:    oauth2.AuthStyleInHeader,
		},
		client:      client,
		maxFailures: int32(cfg.MaxLoginAttempts), //nolint:gosec // small config value
		logger:      logger,
	}
	if cfg.OAuthScope != "" {
		a.cfg.Scopes = []string{cfg.OAuthScope}
	}
	return a
}

// Token returns a valid access token, fetching one when needed.
func (a *authenticator) Token(ctx context.Context) (string, error) {
	if t := a.token.Load(); t != nil && t.Valid() {
		return t.AccessToken, nil
	}
	return a.Refresh(ctx, nil)
}

// Refresh fetches a new token. When stale is set and the current token has
// already been replaced, the newer token is returned without a fetch.
func (a *authenticator) Refresh(ctx context.Context, stale *oauth2.Token) (string, error) {
	if cur := a.token.Load(); stale != nil && cur != nil && cur != stale && cur.Valid() {
		return cur.AccessToken, nil
	}
	if a.failures.Load() >= a.maxFailures {
		return "", ErrLoginRefused
	}
	v, err, _ := a.group.Do("token", func() (any, error) {
		tctx := context.WithValue(context.WithoutCancel(ctx), oauth2.HTTPClient, a.client)
		t, err := a.cfg.Token(tctx)
		if err != nil {
			n := a.failures.Add(1)
			telemetry.RecordTokenRefresh(ctx, a.tier, "error")
			a.logger.Warn("oauth login failed", "attempt", n, "max_attempts", a.maxFailures, "error", err)
			return nil, fmt.Errorf("fetching oauth token: %w", err)
		}
		a.failures.Store(0)
		a.token.Store(t)
		telemetry.RecordTokenRefresh(ctx, a.tier, "success")
		return t, nil
	})
	if err != nil {
		return "", err
	}
	return v.(*oauth2.Token).AccessToken, nil
}

// Current returns the token snapshot in use.
func (a *authenticator) Current() *oauth2.Token {
	return a.token.Load()
}

// Failures returns the consecutive login failures.
func (a *authenticator) Failures() int {
	return int(a.failures.Load())
}
