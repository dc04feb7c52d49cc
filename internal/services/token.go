package services

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/libsync/internal/metrics"
	"github.com/desertthunder/libsync/internal/shared"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// TokenSafetyMargin is subtracted from access token expiry before a cached token is reused.
const TokenSafetyMargin = 60 * time.Second

// CredentialVault stores refresh credentials and cached access tokens.
type CredentialVault interface {
	Get(ctx context.Context, userID string) (string, error)
	Rotate(ctx context.Context, userID, refresh, access string, expiresAt time.Time, scope string) error
	CacheAccess(ctx context.Context, userID, access string, expiresAt time.Time, scope string) error
	CachedAccess(ctx context.Context, userID string) (string, time.Time, bool)
	ClearAccess(ctx context.Context, userID string) error
}

// NewOAuthConfig builds the [oauth2.Config] for the catalog. Client credentials are sent in the Authorization
// header so that each exchange is a single request.
func NewOAuthConfig(c shared.CatalogConfig) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  c.RedirectURI,
		Scopes:       c.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   c.AuthURL,
			TokenURL:  c.TokenURL,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
}

// TokenRefresher exchanges stored refresh credentials for access tokens.
//
// Token exchanges go through httpClient, which should share the catalog [Gate]. Concurrent requests for the same
// user share one exchange. A rotated refresh credential the vault failed to store is kept in memory, used for
// later exchanges and written again on every call until the vault accepts it.
type TokenRefresher struct {
	config     *oauth2.Config
	httpClient *http.Client
	vault      CredentialVault
	logger     *log.Logger
	now        func() time.Time

	group   singleflight.Group
	mu      sync.Mutex
	cache   map[string]*oauth2.Token
	pending map[string]*oauth2.Token
}

// NewTokenRefresher creates a new [TokenRefresher].
func NewTokenRefresher(config *oauth2.Config, httpClient *http.Client, vault CredentialVault, logger *log.Logger) *TokenRefresher {
	if logger == nil {
		logger = shared.NewLogger(nil)
	}
	return &TokenRefresher{
		config:     config,
		httpClient: httpClient,
		vault:      vault,
		logger:     logger,
		now:        time.Now,
		cache:      make(map[string]*oauth2.Token),
		pending:    make(map[string]*oauth2.Token),
	}
}

// AccessToken returns a bearer token for userID valid for at least [TokenSafetyMargin].
//
// When upstream rotates the refresh credential, the new one is written to the vault before the access token is
// returned, or kept in memory when that write fails.
func (r *TokenRefresher) AccessToken(ctx context.Context, userID string) (string, error) {
	r.persistPending(ctx, userID)

	if tok, ok := r.cached(userID); ok {
		return tok, nil
	}

	if access, expiry, ok := r.vault.CachedAccess(ctx, userID); ok && r.fresh(expiry) {
		r.store(userID, &oauth2.Token{AccessToken: access, Expiry: expiry})
		return access, nil
	}

	v, err, _ := r.group.Do(userID, func() (any, error) {
		if tok, ok := r.cached(userID); ok {
			return tok, nil
		}
		return r.refresh(ctx, userID)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops any cached access token for userID, forcing the next call to refresh.
func (r *TokenRefresher) Invalidate(ctx context.Context, userID string) {
	r.mu.Lock()
	delete(r.cache, userID)
	r.mu.Unlock()

	if err := r.vault.ClearAccess(ctx, userID); err != nil {
		r.logger.Warn("failed to clear cached access token", "user", userID, "error", err)
	}
}

// AuthCodeURL returns the consent URL for the login flow, bound to state and a PKCE verifier.
func (r *TokenRefresher) AuthCodeURL(state, verifier string) string {
	return r.config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.S256ChallengeOption(verifier))
}

// Exchange trades an authorization code for tokens through the gated client.
func (r *TokenRefresher) Exchange(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)
	tok, err := r.config.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, classifyTokenError(ctx, err, r.now())
	}
	return tok, nil
}

func (r *TokenRefresher) refresh(ctx context.Context, userID string) (string, error) {
	refresh, ok := r.pendingRefresh(userID)
	if !ok {
		var err error
		if refresh, err = r.vault.Get(ctx, userID); err != nil {
			return "", err
		}
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)
	source := &rotatingTokenSource{
		source:  r.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refresh}),
		refresh: refresh,
		callback: func(tok *oauth2.Token) error {
			metrics.TokenRefreshes.WithLabelValues("rotated").Inc()
			r.logger.Info("refresh credential rotated", "user", userID)
			return r.vault.Rotate(ctx, userID, tok.RefreshToken, tok.AccessToken, tok.Expiry, scopeOf(tok))
		},
	}

	tok, err := source.Token()
	if err != nil {
		metrics.TokenRefreshes.WithLabelValues("error").Inc()
		return "", classifyTokenError(ctx, err, r.now())
	}

	if source.rotateErr != nil {
		r.logger.Error("failed to persist rotated refresh credential, keeping it in memory", "user", userID, "error", source.rotateErr)
		r.mu.Lock()
		r.pending[userID] = tok
		r.mu.Unlock()
	}

	if !source.rotated {
		metrics.TokenRefreshes.WithLabelValues("ok").Inc()
		if err := r.vault.CacheAccess(ctx, userID, tok.AccessToken, tok.Expiry, scopeOf(tok)); err != nil {
			r.logger.Warn("failed to cache access token", "user", userID, "error", err)
		}
	}

	r.store(userID, tok)
	return tok.AccessToken, nil
}

func (r *TokenRefresher) pendingRefresh(userID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tok, ok := r.pending[userID]
	if !ok {
		return "", false
	}
	return tok.RefreshToken, true
}

// persistPending retries writing a rotated refresh credential the vault rejected earlier.
func (r *TokenRefresher) persistPending(ctx context.Context, userID string) {
	r.mu.Lock()
	tok, ok := r.pending[userID]
	r.mu.Unlock()
	if !ok {
		return
	}

	if err := r.vault.Rotate(ctx, userID, tok.RefreshToken, tok.AccessToken, tok.Expiry, scopeOf(tok)); err != nil {
		r.logger.Error("failed to persist rotated refresh credential", "user", userID, "error", err)
		return
	}

	r.mu.Lock()
	if r.pending[userID] == tok {
		delete(r.pending, userID)
	}
	r.mu.Unlock()
	r.logger.Info("persisted rotated refresh credential", "user", userID)
}

func (r *TokenRefresher) cached(userID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tok, ok := r.cache[userID]
	if !ok || !r.fresh(tok.Expiry) {
		return "", false
	}
	return tok.AccessToken, true
}

func (r *TokenRefresher) store(userID string, tok *oauth2.Token) {
	r.mu.Lock()
	r.cache[userID] = tok
	r.mu.Unlock()
}

// fresh reports whether a token expiring at expiry outlives the safety margin. A zero expiry is never fresh.
func (r *TokenRefresher) fresh(expiry time.Time) bool {
	return !expiry.IsZero() && expiry.Add(-TokenSafetyMargin).After(r.now())
}

func scopeOf(tok *oauth2.Token) string {
	if s, ok := tok.Extra("scope").(string); ok {
		return s
	}
	return ""
}

// rotatingTokenSource wraps an [oauth2.TokenSource] and calls callback when the exchange returns a refresh token
// different from the one it started with. A callback error is recorded in rotateErr and the token is still returned.
type rotatingTokenSource struct {
	source   oauth2.TokenSource
	refresh  string
	callback func(*oauth2.Token) error

	rotated   bool
	rotateErr error
}

func (s *rotatingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.source.Token()
	if err != nil {
		return nil, err
	}

	if tok.RefreshToken == "" || tok.RefreshToken == s.refresh {
		return tok, nil
	}

	if s.callback != nil {
		s.rotateErr = s.callback(tok)
	}
	s.refresh = tok.RefreshToken
	s.rotated = true
	return tok, nil
}
