package storage

import (
	"time"

	"github.com/ory/fosite"
)

// Client is an OAuth client registration. It satisfies fosite.Client so it
// can be handed straight to the protocol library, and carries the
// server-specific flags that drive the consent flow.
type Client struct {
	ID            string   `json:"id"`
	HashedSecret  []byte   `json:"hashed_secret,omitempty"`
	RedirectURIs  []string `json:"redirect_uris"`
	GrantTypes    []string `json:"grant_types"`
	ResponseTypes []string `json:"response_types"`
	Scopes        []string `json:"scopes"`
	Audience      []string `json:"audience,omitempty"`
	Public        bool     `json:"public"`

	// ProviderName is the identity provider label shown on the
	// authentication and consent pages.
	ProviderName string `json:"provider_name,omitempty"`

	// ImplicitConsent grants requested scopes without showing the consent
	// page once the user has authenticated.
	ImplicitConsent bool `json:"implicit_consent"`

	// BrowserRedirect switches flow responses from HTTP redirects to JSON
	// bodies so a CORS-restricted front end can follow the URL itself.
	BrowserRedirect bool `json:"browser_redirect"`

	// Lifespans is attached by the storage backend; it is process
	// configuration, not part of the stored document.
	Lifespans GrantLifespans `json:"-"`
}

func (c *Client) GetID() string                      { return c.ID }
func (c *Client) GetHashedSecret() []byte            { return c.HashedSecret }
func (c *Client) GetRedirectURIs() []string          { return c.RedirectURIs }
func (c *Client) GetGrantTypes() fosite.Arguments    { return c.GrantTypes }
func (c *Client) GetResponseTypes() fosite.Arguments { return c.ResponseTypes }
func (c *Client) GetScopes() fosite.Arguments        { return c.Scopes }
func (c *Client) GetAudience() fosite.Arguments      { return c.Audience }
func (c *Client) IsPublic() bool                     { return c.Public }

// GetEffectiveLifespan returns the token lifetime for the given grant
// type, falling back to the library default when the table has no entry.
// Lifetimes are keyed by grant type only; all token types issued under a
// grant share its lifetime.
func (c *Client) GetEffectiveLifespan(gt fosite.GrantType, _ fosite.TokenType, fallback time.Duration) time.Duration {
	if c.Lifespans == nil {
		return fallback
	}
	if d, ok := c.Lifespans[string(gt)]; ok && d > 0 {
		return d
	}
	return fallback
}

var (
	_ fosite.Client                         = (*Client)(nil)
	_ fosite.ClientWithCustomTokenLifespans = (*Client)(nil)
)
