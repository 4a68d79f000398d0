package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"time"

	"github.com/ory/fosite"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// Key kinds under the configured prefix.
const (
	keyKindClient      = "client"
	keyKindScope       = "scope"
	keyKindScopeIndex  = "scopes"
	keyKindUser        = "user"
	keyKindAuthCode    = "code"
	keyKindInvalidated = "invalidated"
	keyKindAccess      = "access"
	keyKindRefresh     = "refresh"
	keyKindReqAccess   = "req:access"
	keyKindReqRefresh  = "req:refresh"
	keyKindJTI         = "jti"
)

// RedisConfig holds connection settings for the Redis backend.
type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int

	// KeyPrefix namespaces every key, e.g. "grantd:".
	KeyPrefix string

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RedisStore implements Store on a Redis document store. Every record is a
// JSON document under a prefixed key with a native TTL; authorization code
// consumption uses SET NX so at most one concurrent exchange can win.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	lifespans GrantLifespans
}

// NewRedisStore connects to Redis and verifies connectivity.
func NewRedisStore(ctx context.Context, cfg RedisConfig, lifespans GrantLifespans) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{client: client, keyPrefix: cfg.KeyPrefix, lifespans: lifespans}, nil
}

// NewRedisStoreWithClient wraps a pre-configured client. Useful for tests
// running against miniredis.
func NewRedisStoreWithClient(client redis.UniversalClient, keyPrefix string, lifespans GrantLifespans) *RedisStore {
	return &RedisStore{client: client, keyPrefix: keyPrefix, lifespans: lifespans}
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) key(kind, id string) string {
	return s.keyPrefix + kind + ":" + id
}

// -----------------------
// Clients
// -----------------------

// RegisterClient adds or replaces a client document.
func (s *RedisStore) RegisterClient(ctx context.Context, client *Client) error {
	if client.ID == "" {
		return errors.New("client id is required")
	}
	data, err := json.Marshal(client)
	if err != nil {
		return fmt.Errorf("marshal client: %w", err)
	}
	return s.client.Set(ctx, s.key(keyKindClient, client.ID), data, 0).Err()
}

// GetRegisteredClient loads the concrete client record.
func (s *RedisStore) GetRegisteredClient(ctx context.Context, id string) (*Client, error) {
	data, err := s.client.Get(ctx, s.key(keyKindClient, id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Client not found"))
		}
		return nil, fmt.Errorf("get client: %w", err)
	}

	var client Client
	if err := json.Unmarshal(data, &client); err != nil {
		return nil, fmt.Errorf("unmarshal client: %w", err)
	}
	client.Lifespans = s.lifespans
	return &client, nil
}

// GetClient loads the client by its ID.
func (s *RedisStore) GetClient(ctx context.Context, id string) (fosite.Client, error) {
	return s.GetRegisteredClient(ctx, id)
}

// ClientAssertionJWTValid returns an error if the JTI is known.
func (s *RedisStore) ClientAssertionJWTValid(ctx context.Context, jti string) error {
	exists, err := s.client.Exists(ctx, s.key(keyKindJTI, jti)).Result()
	if err != nil {
		return fmt.Errorf("check jti: %w", err)
	}
	if exists > 0 {
		return fosite.ErrJTIKnown
	}
	return nil
}

// SetClientAssertionJWT marks a JTI as known until it expires.
func (s *RedisStore) SetClientAssertionJWT(ctx context.Context, jti string, exp time.Time) error {
	ttl := time.Until(exp)
	if ttl <= 0 {
		return nil
	}
	return s.client.Set(ctx, s.key(keyKindJTI, jti), "1", ttl).Err()
}

// -----------------------
// Scope catalog
// -----------------------

// RegisterScope adds or replaces a scope and indexes it for listing.
func (s *RedisStore) RegisterScope(ctx context.Context, scope Scope) error {
	if scope.Name == "" {
		return errors.New("scope name is required")
	}
	data, err := json.Marshal(scope)
	if err != nil {
		return fmt.Errorf("marshal scope: %w", err)
	}
	if err := s.client.Set(ctx, s.key(keyKindScope, scope.Name), data, 0).Err(); err != nil {
		return err
	}
	return s.client.SAdd(ctx, s.keyPrefix+keyKindScopeIndex, scope.Name).Err()
}

// ListScopes returns the scope catalog ordered by name.
func (s *RedisStore) ListScopes(ctx context.Context) ([]Scope, error) {
	names, err := s.client.SMembers(ctx, s.keyPrefix+keyKindScopeIndex).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("list scopes: %w", err)
	}
	sort.Strings(names)

	scopes := make([]Scope, 0, len(names))
	for _, name := range names {
		data, err := s.client.Get(ctx, s.key(keyKindScope, name)).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				// Scope removed but still indexed; drop the stale entry.
				_ = s.client.SRem(ctx, s.keyPrefix+keyKindScopeIndex, name).Err()
				continue
			}
			return nil, fmt.Errorf("get scope: %w", err)
		}
		var scope Scope
		if err := json.Unmarshal(data, &scope); err != nil {
			return nil, fmt.Errorf("unmarshal scope: %w", err)
		}
		scopes = append(scopes, scope)
	}
	return scopes, nil
}

// -----------------------
// Resource owners
// -----------------------

// RegisterUser adds or replaces a resource owner document.
func (s *RedisStore) RegisterUser(ctx context.Context, user User) error {
	if user.Username == "" {
		return errors.New("username is required")
	}
	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("marshal user: %w", err)
	}
	return s.client.Set(ctx, s.key(keyKindUser, user.Username), data, 0).Err()
}

// Authenticate validates resource owner credentials against the stored
// bcrypt hash. Unknown users and wrong passwords are indistinguishable.
func (s *RedisStore) Authenticate(ctx context.Context, username, password string) error {
	data, err := s.client.Get(ctx, s.key(keyKindUser, username)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return fosite.ErrNotFound
		}
		return fmt.Errorf("get user: %w", err)
	}
	var user User
	if err := json.Unmarshal(data, &user); err != nil {
		return fmt.Errorf("unmarshal user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(password)); err != nil {
		return fosite.ErrNotFound
	}
	return nil
}

// -----------------------
// Authorization codes
// -----------------------

// CreateAuthorizeCodeSession stores the request bound to an authorization code.
func (s *RedisStore) CreateAuthorizeCodeSession(ctx context.Context, code string, request fosite.Requester) error {
	if code == "" {
		return fosite.ErrInvalidRequest.WithHint("authorization code cannot be empty")
	}
	if request == nil {
		return fosite.ErrInvalidRequest.WithHint("request cannot be nil")
	}

	data, err := marshalRequester(request)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	ttl := ttlFromRequester(request, fosite.AuthorizeCode, DefaultAuthCodeTTL)
	return s.client.Set(ctx, s.key(keyKindAuthCode, code), data, ttl).Err()
}

// GetAuthorizeCodeSession retrieves the request bound to a code. A consumed
// code returns the request together with ErrInvalidatedAuthorizeCode so the
// protocol library can detect replay and revoke issued tokens.
func (s *RedisStore) GetAuthorizeCodeSession(ctx context.Context, code string, _ fosite.Session) (fosite.Requester, error) {
	invalidated, err := s.client.Exists(ctx, s.key(keyKindInvalidated, code)).Result()
	if err != nil {
		return nil, fmt.Errorf("check invalidation: %w", err)
	}

	data, err := s.client.Get(ctx, s.key(keyKindAuthCode, code)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Authorization code not found"))
		}
		return nil, fmt.Errorf("get authorization code: %w", err)
	}

	request, err := unmarshalRequester(ctx, data, s)
	if err != nil {
		return nil, fmt.Errorf("unmarshal request: %w", err)
	}

	if invalidated > 0 {
		return request, fosite.ErrInvalidatedAuthorizeCode
	}
	return request, nil
}

// InvalidateAuthorizeCodeSession consumes an authorization code. The marker
// is written with SET NX, so when two exchanges race exactly one succeeds;
// the loser observes the marker and fails.
func (s *RedisStore) InvalidateAuthorizeCodeSession(ctx context.Context, code string) error {
	exists, err := s.client.Exists(ctx, s.key(keyKindAuthCode, code)).Result()
	if err != nil {
		return fmt.Errorf("check authorization code: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Authorization code not found"))
	}

	ok, err := s.client.SetNX(ctx, s.key(keyKindInvalidated, code), "1", DefaultInvalidatedCodeTTL).Result()
	if err != nil {
		return fmt.Errorf("invalidate authorization code: %w", err)
	}
	if !ok {
		return fosite.ErrInvalidatedAuthorizeCode
	}
	return nil
}

// -----------------------
// Access tokens
// -----------------------

// CreateAccessTokenSession stores the access token session and indexes it
// by request ID for revocation.
func (s *RedisStore) CreateAccessTokenSession(ctx context.Context, signature string, request fosite.Requester) error {
	if signature == "" {
		return fosite.ErrInvalidRequest.WithHint("access token signature cannot be empty")
	}
	if request == nil {
		return fosite.ErrInvalidRequest.WithHint("request cannot be nil")
	}

	data, err := marshalRequester(request)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	key := s.key(keyKindAccess, signature)
	ttl := ttlFromRequester(request, fosite.AccessToken, DefaultAccessTokenTTL)
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return err
	}

	// Secondary index, expiring with the token so orphans clean themselves up.
	reqKey := s.key(keyKindReqAccess, request.GetID())
	if err := s.client.SAdd(ctx, reqKey, signature).Err(); err != nil {
		_ = s.client.Del(ctx, key).Err()
		return err
	}
	if err := s.client.Expire(ctx, reqKey, ttl).Err(); err != nil {
		_ = s.client.Del(ctx, key).Err()
		_ = s.client.SRem(ctx, reqKey, signature).Err()
		return err
	}
	return nil
}

// GetAccessTokenSession retrieves the access token session by signature.
func (s *RedisStore) GetAccessTokenSession(ctx context.Context, signature string, _ fosite.Session) (fosite.Requester, error) {
	data, err := s.client.Get(ctx, s.key(keyKindAccess, signature)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Access token not found"))
		}
		return nil, fmt.Errorf("get access token: %w", err)
	}
	return unmarshalRequester(ctx, data, s)
}

// DeleteAccessTokenSession removes the access token session.
func (s *RedisStore) DeleteAccessTokenSession(ctx context.Context, signature string) error {
	key := s.key(keyKindAccess, signature)
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Access token not found"))
		}
		return fmt.Errorf("get access token: %w", err)
	}
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("delete access token: %w", err)
	}

	var stored storedRequest
	if err := json.Unmarshal(data, &stored); err == nil && stored.RequestID != "" {
		_ = s.client.SRem(ctx, s.key(keyKindReqAccess, stored.RequestID), signature).Err()
	}
	return nil
}

// -----------------------
// Refresh tokens
// -----------------------

// CreateRefreshTokenSession stores the refresh token session and indexes it
// by request ID.
func (s *RedisStore) CreateRefreshTokenSession(ctx context.Context, signature string, _ string, request fosite.Requester) error {
	if signature == "" {
		return fosite.ErrInvalidRequest.WithHint("refresh token signature cannot be empty")
	}
	if request == nil {
		return fosite.ErrInvalidRequest.WithHint("request cannot be nil")
	}

	data, err := marshalRequester(request)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	key := s.key(keyKindRefresh, signature)
	ttl := ttlFromRequester(request, fosite.RefreshToken, DefaultRefreshTokenTTL)
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return err
	}

	reqKey := s.key(keyKindReqRefresh, request.GetID())
	if err := s.client.SAdd(ctx, reqKey, signature).Err(); err != nil {
		_ = s.client.Del(ctx, key).Err()
		return err
	}
	if err := s.client.Expire(ctx, reqKey, ttl).Err(); err != nil {
		_ = s.client.Del(ctx, key).Err()
		_ = s.client.SRem(ctx, reqKey, signature).Err()
		return err
	}
	return nil
}

// GetRefreshTokenSession retrieves the refresh token session by signature.
func (s *RedisStore) GetRefreshTokenSession(ctx context.Context, signature string, _ fosite.Session) (fosite.Requester, error) {
	data, err := s.client.Get(ctx, s.key(keyKindRefresh, signature)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Refresh token not found"))
		}
		return nil, fmt.Errorf("get refresh token: %w", err)
	}
	return unmarshalRequester(ctx, data, s)
}

// DeleteRefreshTokenSession removes the refresh token session.
func (s *RedisStore) DeleteRefreshTokenSession(ctx context.Context, signature string) error {
	key := s.key(keyKindRefresh, signature)
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Refresh token not found"))
		}
		return fmt.Errorf("get refresh token: %w", err)
	}
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("delete refresh token: %w", err)
	}

	var stored storedRequest
	if err := json.Unmarshal(data, &stored); err == nil && stored.RequestID != "" {
		_ = s.client.SRem(ctx, s.key(keyKindReqRefresh, stored.RequestID), signature).Err()
	}
	return nil
}

// RotateRefreshToken retires a refresh token and every access token issued
// alongside it.
func (s *RedisStore) RotateRefreshToken(ctx context.Context, requestID string, refreshTokenSignature string) error {
	_ = s.client.Del(ctx, s.key(keyKindRefresh, refreshTokenSignature)).Err()
	_ = s.client.SRem(ctx, s.key(keyKindReqRefresh, requestID), refreshTokenSignature).Err()

	reqKey := s.key(keyKindReqAccess, requestID)
	signatures, err := s.client.SMembers(ctx, reqKey).Result()
	if err == nil {
		for _, sig := range signatures {
			_ = s.client.Del(ctx, s.key(keyKindAccess, sig)).Err()
		}
		_ = s.client.Del(ctx, reqKey).Err()
	}
	return nil
}

// -----------------------
// Revocation
// -----------------------

// RevokeAccessToken deletes all access tokens issued for a request ID.
func (s *RedisStore) RevokeAccessToken(ctx context.Context, requestID string) error {
	reqKey := s.key(keyKindReqAccess, requestID)
	signatures, err := s.client.SMembers(ctx, reqKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("list access token signatures: %w", err)
	}
	for _, sig := range signatures {
		_ = s.client.Del(ctx, s.key(keyKindAccess, sig)).Err()
	}
	return s.client.Del(ctx, reqKey).Err()
}

// RevokeRefreshToken deletes all refresh tokens issued for a request ID.
func (s *RedisStore) RevokeRefreshToken(ctx context.Context, requestID string) error {
	reqKey := s.key(keyKindReqRefresh, requestID)
	signatures, err := s.client.SMembers(ctx, reqKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("list refresh token signatures: %w", err)
	}
	for _, sig := range signatures {
		_ = s.client.Del(ctx, s.key(keyKindRefresh, sig)).Err()
	}
	return s.client.Del(ctx, reqKey).Err()
}

// RevokeRefreshTokenMaybeGracePeriod revokes immediately; no grace period.
func (s *RedisStore) RevokeRefreshTokenMaybeGracePeriod(ctx context.Context, requestID string, _ string) error {
	return s.RevokeRefreshToken(ctx, requestID)
}

// -----------------------
// Request serialization
// -----------------------

// storedRequest is the JSON document for a fosite.Requester.
type storedRequest struct {
	RequestID         string              `json:"request_id"`
	ClientID          string              `json:"client_id"`
	RequestedAt       time.Time           `json:"requested_at"`
	RequestedScopes   []string            `json:"requested_scopes"`
	GrantedScopes     []string            `json:"granted_scopes"`
	RequestedAudience []string            `json:"requested_audience,omitempty"`
	GrantedAudience   []string            `json:"granted_audience,omitempty"`
	Form              map[string][]string `json:"form,omitempty"`
	Subject           string              `json:"subject,omitempty"`
	Username          string              `json:"username,omitempty"`
	ExpiresAt         map[string]int64    `json:"expires_at,omitempty"`
}

func marshalRequester(request fosite.Requester) ([]byte, error) {
	expiresAt := make(map[string]int64)
	subject := ""
	username := ""
	if session := request.GetSession(); session != nil {
		for _, tokenType := range []fosite.TokenType{fosite.AccessToken, fosite.RefreshToken, fosite.AuthorizeCode} {
			if exp := session.GetExpiresAt(tokenType); !exp.IsZero() {
				expiresAt[string(tokenType)] = exp.Unix()
			}
		}
		subject = session.GetSubject()
		username = session.GetUsername()
	}

	stored := storedRequest{
		RequestID:         request.GetID(),
		ClientID:          request.GetClient().GetID(),
		RequestedAt:       request.GetRequestedAt(),
		RequestedScopes:   request.GetRequestedScopes(),
		GrantedScopes:     request.GetGrantedScopes(),
		RequestedAudience: request.GetRequestedAudience(),
		GrantedAudience:   request.GetGrantedAudience(),
		Form:              request.GetRequestForm(),
		Subject:           subject,
		Username:          username,
		ExpiresAt:         expiresAt,
	}
	return json.Marshal(stored)
}

func unmarshalRequester(ctx context.Context, data []byte, s *RedisStore) (fosite.Requester, error) {
	var stored storedRequest
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("unmarshal stored request: %w", err)
	}

	client, err := s.GetClient(ctx, stored.ClientID)
	if err != nil {
		return nil, fmt.Errorf("get client for stored request: %w", err)
	}

	session := &fosite.DefaultSession{
		Subject:   stored.Subject,
		Username:  stored.Username,
		ExpiresAt: make(map[fosite.TokenType]time.Time, len(stored.ExpiresAt)),
	}
	for tokenType, unix := range stored.ExpiresAt {
		session.ExpiresAt[fosite.TokenType(tokenType)] = time.Unix(unix, 0)
	}

	request := fosite.NewRequest()
	request.ID = stored.RequestID
	request.RequestedAt = stored.RequestedAt
	request.Client = client
	request.RequestedScope = stored.RequestedScopes
	request.GrantedScope = stored.GrantedScopes
	request.RequestedAudience = stored.RequestedAudience
	request.GrantedAudience = stored.GrantedAudience
	request.Form = url.Values(stored.Form)
	request.Session = session
	return request, nil
}

// ttlFromRequester derives the document TTL from the session expiry.
func ttlFromRequester(request fosite.Requester, tokenType fosite.TokenType, fallback time.Duration) time.Duration {
	session := request.GetSession()
	if session == nil {
		return fallback
	}
	exp := session.GetExpiresAt(tokenType)
	if exp.IsZero() {
		return fallback
	}
	ttl := time.Until(exp)
	if ttl <= 0 {
		return fallback
	}
	return ttl
}

var _ Store = (*RedisStore)(nil)
