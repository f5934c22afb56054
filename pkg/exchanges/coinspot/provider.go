package coinspot

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"execution-core/pkg/exchanges/common"
)

// Credentials are one account's API key pair. Decryption happens upstream.
type Credentials struct {
	APIKey    string
	APISecret string
}

// CredentialSource resolves a user's venue credentials.
type CredentialSource interface {
	Credentials(ctx context.Context, userID string) (Credentials, error)
}

// StaticCredentials serves the same key pair to every user.
type StaticCredentials Credentials

// Credentials implements CredentialSource.
func (s StaticCredentials) Credentials(context.Context, string) (Credentials, error) {
	if s.APIKey == "" || s.APISecret == "" {
		return Credentials{}, errors.New("coinspot credentials not configured")
	}
	return Credentials(s), nil
}

// Provider hands out one client per API key so nonces stay monotonic per key.
// All clients share one rate limiter.
type Provider struct {
	base    Config
	source  CredentialSource
	limiter *common.RateLimiter
	log     zerolog.Logger

	mu      sync.Mutex
	clients map[string]*Client
}

var _ common.Provider = (*Provider)(nil)

// NewProvider builds a provider. base supplies everything but credentials.
func NewProvider(base Config, source CredentialSource, limiter *common.RateLimiter, logger zerolog.Logger) *Provider {
	return &Provider{
		base:    base,
		source:  source,
		limiter: limiter,
		log:     logger,
		clients: make(map[string]*Client),
	}
}

// ForUser implements common.Provider.
func (p *Provider) ForUser(ctx context.Context, userID string) (common.Exchange, error) {
	creds, err := p.source.Credentials(ctx, userID)
	if err != nil {
		return nil, common.Wrap(common.KindUnauthorized, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[creds.APIKey]; ok && c.cfg.APISecret == creds.APISecret {
		return c, nil
	}
	cfg := p.base
	cfg.APIKey = creds.APIKey
	cfg.APISecret = creds.APISecret
	c := New(cfg, p.limiter, p.log)
	p.clients[creds.APIKey] = c
	return c, nil
}
