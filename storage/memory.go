package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ory/fosite"
	"golang.org/x/crypto/bcrypt"
)

// MemoryStore implements Store on process-local maps. It backs dev mode and
// tests; everything is lost on restart.
type MemoryStore struct {
	mu sync.Mutex

	clients     map[string]*Client
	scopes      map[string]Scope
	users       map[string]User
	jtis        map[string]time.Time
	codes       map[string]*memoryEntry
	invalidated map[string]time.Time
	access      map[string]*memoryEntry
	refresh     map[string]*memoryEntry
	reqAccess   map[string]map[string]struct{}
	reqRefresh  map[string]map[string]struct{}

	lifespans GrantLifespans
}

type memoryEntry struct {
	request   fosite.Requester
	expiresAt time.Time
}

func (e *memoryEntry) expired() bool {
	return !e.expiresAt.IsZero() && time.Now().After(e.expiresAt)
}

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore(lifespans GrantLifespans) *MemoryStore {
	return &MemoryStore{
		clients:     make(map[string]*Client),
		scopes:      make(map[string]Scope),
		users:       make(map[string]User),
		jtis:        make(map[string]time.Time),
		codes:       make(map[string]*memoryEntry),
		invalidated: make(map[string]time.Time),
		access:      make(map[string]*memoryEntry),
		refresh:     make(map[string]*memoryEntry),
		reqAccess:   make(map[string]map[string]struct{}),
		reqRefresh:  make(map[string]map[string]struct{}),
		lifespans:   lifespans,
	}
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// RegisterClient adds or replaces a client.
func (s *MemoryStore) RegisterClient(_ context.Context, client *Client) error {
	if client.ID == "" {
		return fmt.Errorf("client id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[client.ID] = client
	return nil
}

// GetRegisteredClient returns the concrete client record. Callers get
// their own copy; the stored record is never handed out.
func (s *MemoryStore) GetRegisteredClient(_ context.Context, id string) (*Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	client, ok := s.clients[id]
	if !ok {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Client not found"))
	}
	out := *client
	out.Lifespans = s.lifespans
	return &out, nil
}

// GetClient loads the client by its ID.
func (s *MemoryStore) GetClient(ctx context.Context, id string) (fosite.Client, error) {
	return s.GetRegisteredClient(ctx, id)
}

// ClientAssertionJWTValid returns an error if the JTI is known.
func (s *MemoryStore) ClientAssertionJWTValid(_ context.Context, jti string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if exp, ok := s.jtis[jti]; ok && time.Now().Before(exp) {
		return fosite.ErrJTIKnown
	}
	return nil
}

// SetClientAssertionJWT marks a JTI as known until it expires.
func (s *MemoryStore) SetClientAssertionJWT(_ context.Context, jti string, exp time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jtis[jti] = exp
	return nil
}

// RegisterScope adds or replaces a scope.
func (s *MemoryStore) RegisterScope(_ context.Context, scope Scope) error {
	if scope.Name == "" {
		return fmt.Errorf("scope name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scopes[scope.Name] = scope
	return nil
}

// ListScopes returns the scope catalog ordered by name.
func (s *MemoryStore) ListScopes(context.Context) ([]Scope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	scopes := make([]Scope, 0, len(s.scopes))
	for _, scope := range s.scopes {
		scopes = append(scopes, scope)
	}
	sort.Slice(scopes, func(i, j int) bool { return scopes[i].Name < scopes[j].Name })
	return scopes, nil
}

// RegisterUser adds or replaces a resource owner.
func (s *MemoryStore) RegisterUser(_ context.Context, user User) error {
	if user.Username == "" {
		return fmt.Errorf("username is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.Username] = user
	return nil
}

// Authenticate validates resource owner credentials.
func (s *MemoryStore) Authenticate(_ context.Context, username, password string) error {
	s.mu.Lock()
	user, ok := s.users[username]
	s.mu.Unlock()
	if !ok {
		return fosite.ErrNotFound
	}
	if err := bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(password)); err != nil {
		return fosite.ErrNotFound
	}
	return nil
}

// CreateAuthorizeCodeSession stores the request bound to a code.
func (s *MemoryStore) CreateAuthorizeCodeSession(_ context.Context, code string, request fosite.Requester) error {
	if code == "" {
		return fosite.ErrInvalidRequest.WithHint("authorization code cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[code] = &memoryEntry{request: request, expiresAt: entryExpiry(request, fosite.AuthorizeCode, DefaultAuthCodeTTL)}
	return nil
}

// GetAuthorizeCodeSession retrieves the request bound to a code.
func (s *MemoryStore) GetAuthorizeCodeSession(_ context.Context, code string, _ fosite.Session) (fosite.Requester, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.codes[code]
	if !ok || entry.expired() {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Authorization code not found"))
	}
	if _, used := s.invalidated[code]; used {
		return entry.request, fosite.ErrInvalidatedAuthorizeCode
	}
	return entry.request, nil
}

// InvalidateAuthorizeCodeSession consumes a code; a second consumption fails.
func (s *MemoryStore) InvalidateAuthorizeCodeSession(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.codes[code]
	if !ok || entry.expired() {
		return fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Authorization code not found"))
	}
	if _, used := s.invalidated[code]; used {
		return fosite.ErrInvalidatedAuthorizeCode
	}
	s.invalidated[code] = time.Now().Add(DefaultInvalidatedCodeTTL)
	return nil
}

// CreateAccessTokenSession stores an access token session.
func (s *MemoryStore) CreateAccessTokenSession(_ context.Context, signature string, request fosite.Requester) error {
	if signature == "" {
		return fosite.ErrInvalidRequest.WithHint("access token signature cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access[signature] = &memoryEntry{request: request, expiresAt: entryExpiry(request, fosite.AccessToken, DefaultAccessTokenTTL)}
	index(s.reqAccess, request.GetID(), signature)
	return nil
}

// GetAccessTokenSession retrieves an access token session.
func (s *MemoryStore) GetAccessTokenSession(_ context.Context, signature string, _ fosite.Session) (fosite.Requester, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.access[signature]
	if !ok || entry.expired() {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Access token not found"))
	}
	return entry.request, nil
}

// DeleteAccessTokenSession removes an access token session.
func (s *MemoryStore) DeleteAccessTokenSession(_ context.Context, signature string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.access[signature]
	if !ok {
		return fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Access token not found"))
	}
	delete(s.access, signature)
	unindex(s.reqAccess, entry.request.GetID(), signature)
	return nil
}

// CreateRefreshTokenSession stores a refresh token session.
func (s *MemoryStore) CreateRefreshTokenSession(_ context.Context, signature string, _ string, request fosite.Requester) error {
	if signature == "" {
		return fosite.ErrInvalidRequest.WithHint("refresh token signature cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh[signature] = &memoryEntry{request: request, expiresAt: entryExpiry(request, fosite.RefreshToken, DefaultRefreshTokenTTL)}
	index(s.reqRefresh, request.GetID(), signature)
	return nil
}

// GetRefreshTokenSession retrieves a refresh token session.
func (s *MemoryStore) GetRefreshTokenSession(_ context.Context, signature string, _ fosite.Session) (fosite.Requester, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.refresh[signature]
	if !ok || entry.expired() {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Refresh token not found"))
	}
	return entry.request, nil
}

// DeleteRefreshTokenSession removes a refresh token session.
func (s *MemoryStore) DeleteRefreshTokenSession(_ context.Context, signature string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.refresh[signature]
	if !ok {
		return fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Refresh token not found"))
	}
	delete(s.refresh, signature)
	unindex(s.reqRefresh, entry.request.GetID(), signature)
	return nil
}

// RotateRefreshToken retires a refresh token and its sibling access tokens.
func (s *MemoryStore) RotateRefreshToken(_ context.Context, requestID string, refreshTokenSignature string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.refresh, refreshTokenSignature)
	unindex(s.reqRefresh, requestID, refreshTokenSignature)
	for sig := range s.reqAccess[requestID] {
		delete(s.access, sig)
	}
	delete(s.reqAccess, requestID)
	return nil
}

// RevokeAccessToken deletes all access tokens for a request ID.
func (s *MemoryStore) RevokeAccessToken(_ context.Context, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sig := range s.reqAccess[requestID] {
		delete(s.access, sig)
	}
	delete(s.reqAccess, requestID)
	return nil
}

// RevokeRefreshToken deletes all refresh tokens for a request ID.
func (s *MemoryStore) RevokeRefreshToken(_ context.Context, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sig := range s.reqRefresh[requestID] {
		delete(s.refresh, sig)
	}
	delete(s.reqRefresh, requestID)
	return nil
}

// RevokeRefreshTokenMaybeGracePeriod revokes immediately; no grace period.
func (s *MemoryStore) RevokeRefreshTokenMaybeGracePeriod(ctx context.Context, requestID string, _ string) error {
	return s.RevokeRefreshToken(ctx, requestID)
}

func entryExpiry(request fosite.Requester, tokenType fosite.TokenType, fallback time.Duration) time.Time {
	if session := request.GetSession(); session != nil {
		if exp := session.GetExpiresAt(tokenType); !exp.IsZero() {
			return exp
		}
	}
	return time.Now().Add(fallback)
}

func index(m map[string]map[string]struct{}, requestID, signature string) {
	set, ok := m[requestID]
	if !ok {
		set = make(map[string]struct{})
		m[requestID] = set
	}
	set[signature] = struct{}{}
}

func unindex(m map[string]map[string]struct{}, requestID, signature string) {
	if set, ok := m[requestID]; ok {
		delete(set, signature)
		if len(set) == 0 {
			delete(m, requestID)
		}
	}
}

var _ Store = (*MemoryStore)(nil)
