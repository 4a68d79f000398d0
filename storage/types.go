// Package storage provides the persistence layer for the authorization
// server: OAuth client lookups, scope catalog, resource owner credentials,
// and the token/code session storage consumed by the protocol library.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/ory/fosite"
	"github.com/ory/fosite/handler/oauth2"
)

// Default TTLs for short-lived documents.
const (
	DefaultAuthCodeTTL = 10 * time.Minute

	// Invalidation markers outlive the codes they refer to so that replay
	// of a consumed code is still detectable after the code itself expired.
	DefaultInvalidatedCodeTTL = 30 * time.Minute

	DefaultAccessTokenTTL  = 24 * time.Hour
	DefaultRefreshTokenTTL = 30 * 24 * time.Hour
)

// Sentinel errors shared by all backends.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// Scope is a named permission with a human readable description shown on
// the consent page.
type Scope struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// User holds resource owner credentials for the password grant.
// PasswordHash is a bcrypt hash, never a plaintext password.
type User struct {
	Username     string `json:"username"`
	PasswordHash []byte `json:"password_hash"`
}

// GrantLifespans maps a grant type name to the access token lifetime
// issued under that grant. Backends attach the table to every client they
// return so the protocol library picks per-grant lifetimes.
type GrantLifespans map[string]time.Duration

// Store is the persistence contract of the authorization server. It
// combines the storage interfaces required by the protocol library with
// the catalog and seeding operations the server needs.
type Store interface {
	// fosite.ClientManager provides client lookup and JTI replay tracking.
	fosite.ClientManager

	// oauth2.AuthorizeCodeStorage provides single-use authorization codes.
	oauth2.AuthorizeCodeStorage

	// oauth2.AccessTokenStorage provides access token sessions.
	oauth2.AccessTokenStorage

	// oauth2.RefreshTokenStorage provides refresh token sessions.
	oauth2.RefreshTokenStorage

	// oauth2.TokenRevocationStorage provides token revocation by request ID.
	oauth2.TokenRevocationStorage

	// Authenticate validates resource owner credentials for the password
	// grant. Unknown users and wrong passwords both yield fosite.ErrNotFound.
	Authenticate(ctx context.Context, username, password string) error

	// GetRegisteredClient returns the concrete client record, including the
	// fields the consent flow needs (provider name, redirect duality).
	GetRegisteredClient(ctx context.Context, id string) (*Client, error)

	// RegisterClient adds or replaces a client.
	RegisterClient(ctx context.Context, client *Client) error

	// RegisterScope adds or replaces a scope in the catalog.
	RegisterScope(ctx context.Context, scope Scope) error

	// ListScopes returns the scope catalog ordered by name.
	ListScopes(ctx context.Context) ([]Scope, error)

	// RegisterUser adds or replaces a resource owner.
	RegisterUser(ctx context.Context, user User) error

	// Ping reports backend connectivity.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
