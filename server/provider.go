package server

import (
	"time"

	"github.com/ory/fosite"
	"github.com/ory/fosite/compose"

	"grantd/storage"
)

// NewProvider assembles the OAuth2 protocol engine: opaque HMAC tokens,
// the code and implicit response types, and the token grants the server
// supports. All protocol state lives in the storage backend.
func NewProvider(cfg Config, store storage.Store) fosite.OAuth2Provider {
	fositeConfig := &fosite.Config{
		AccessTokenLifespan:   DefaultExpiresIn * time.Second,
		RefreshTokenLifespan:  DefaultExpiresIn * time.Second,
		AuthorizeCodeLifespan: cfg.AuthCodeTTL(),
		GlobalSecret:          []byte(cfg.Security.HMACSecret),
		ScopeStrategy:         fosite.ExactScopeStrategy,

		// Refresh tokens are issued with every authorization code
		// exchange; no dedicated offline scope is required.
		RefreshTokenScopes: []string{},
	}

	return compose.Compose(
		fositeConfig,
		store,
		&compose.CommonStrategy{CoreStrategy: compose.NewOAuth2HMACStrategy(fositeConfig)},
		compose.OAuth2AuthorizeExplicitFactory,
		compose.OAuth2AuthorizeImplicitFactory,
		compose.OAuth2RefreshTokenGrantFactory,
		compose.OAuth2ClientCredentialsGrantFactory,
		compose.OAuth2ResourceOwnerPasswordCredentialsFactory,
		compose.OAuth2TokenIntrospectionFactory,
		compose.OAuth2TokenRevocationFactory,
	)
}

// newSession builds a protocol session for the given user.
func newSession(subject string) *fosite.DefaultSession {
	return &fosite.DefaultSession{
		Subject:   subject,
		ExpiresAt: map[fosite.TokenType]time.Time{},
	}
}
