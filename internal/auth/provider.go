// Package auth issues OAuth2 access tokens for the Smart Device Management API.
package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"nestbridge/internal/clock"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// TokenLifetime is how long a refreshed token is trusted. Google issues
// tokens for 60 minutes.
const TokenLifetime = 55 * time.Minute

// Credentials identify the OAuth client and the long-lived refresh token.
type Credentials struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	TokenURL     string
}

// Token is an access token with the instant after which it must not be used.
type Token struct {
	AccessToken string
	ExpiresAt   time.Time
}

// Valid reports whether the token can still be used at now.
func (t *Token) Valid(now time.Time) bool {
	return t != nil && t.AccessToken != "" && t.ExpiresAt.After(now)
}

// TokenStore persists refreshed tokens across restarts.
type TokenStore interface {
	GetToken(ctx context.Context) (*Token, error)
	SaveToken(ctx context.Context, token *Token) error
}

// Provider returns a valid access token, refreshing it when the cached one
// has expired. Concurrent callers that both see an expired token both
// refresh; the later write wins.
type Provider struct {
	oauth        *oauth2.Config
	refreshToken string
	store        TokenStore
	clock        clock.Clock
	logger       *zap.Logger

	mu     sync.Mutex
	cached *Token
}

// NewProvider creates a token provider. seed and store may be nil.
func NewProvider(creds Credentials, seed *Token, store TokenStore, clk clock.Clock, logger *zap.Logger) *Provider {
	return &Provider{
		oauth: &oauth2.Config{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  creds.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		refreshToken: creds.RefreshToken,
		store:        store,
		clock:        clk,
		logger:       logger.Named("auth"),
		cached:       seed,
	}
}

// Restore loads a token saved by a previous run if it outlives the seed.
func (p *Provider) Restore(ctx context.Context) error {
	if p.store == nil {
		return nil
	}

	stored, err := p.store.GetToken(ctx)
	if err != nil {
		return fmt.Errorf("failed to load stored token: %w", err)
	}
	if stored == nil {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cached == nil || stored.ExpiresAt.After(p.cached.ExpiresAt) {
		p.cached = stored
		p.logger.Debug("Restored stored token", zap.Time("expires_at", stored.ExpiresAt))
	}
	return nil
}

// AccessToken returns the cached token while it is valid, otherwise requests
// a new one. Failures are returned as *AuthError.
func (p *Provider) AccessToken(ctx context.Context) (string, error) {
	token, err := p.token(ctx)
	if err != nil {
		return "", err
	}
	return token.AccessToken, nil
}

// Token implements oauth2.TokenSource.
func (p *Provider) Token() (*oauth2.Token, error) {
	token, err := p.token(context.Background())
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{
		AccessToken: token.AccessToken,
		TokenType:   "Bearer",
		Expiry:      token.ExpiresAt,
	}, nil
}

func (p *Provider) token(ctx context.Context) (*Token, error) {
	p.mu.Lock()
	cached := p.cached
	p.mu.Unlock()

	if cached.Valid(p.clock.Now()) {
		remaining := p.clock.Until(cached.ExpiresAt)
		p.logger.Info("Using cached token",
			zap.String("expires_in", HumanizeDuration(int64(remaining.Seconds()))))
		return cached, nil
	}

	p.logger.Info("Requesting new token")
	src := p.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: p.refreshToken})
	issued, err := src.Token()
	if err != nil {
		authErr := newAuthError(err)
		p.logger.Error("Unable to connect to Nest service",
			zap.String("reason", authErr.Message),
			zap.Error(err))
		return nil, authErr
	}

	token := &Token{
		AccessToken: issued.AccessToken,
		ExpiresAt:   p.clock.Now().Add(TokenLifetime),
	}

	p.mu.Lock()
	p.cached = token
	p.mu.Unlock()

	if p.store != nil {
		if err := p.store.SaveToken(ctx, token); err != nil {
			p.logger.Warn("Failed to persist access token", zap.Error(err))
		}
	}
	return token, nil
}
