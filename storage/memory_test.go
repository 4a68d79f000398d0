package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ory/fosite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newTestMemoryStore() *MemoryStore {
	return NewMemoryStore(testLifespans())
}

func TestMemoryClientRoundTrip(t *testing.T) {
	store := newTestMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.RegisterClient(ctx, testClient()))

	got, err := store.GetRegisteredClient(ctx, "web")
	require.NoError(t, err)
	assert.Equal(t, "web", got.GetID())
	assert.Equal(t, 24*time.Hour, got.GetEffectiveLifespan("authorization_code", fosite.AccessToken, time.Minute))

	_, err = store.GetRegisteredClient(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Error(t, store.RegisterClient(ctx, &Client{}))
}

func TestMemoryClientReadsDoNotShareState(t *testing.T) {
	store := newTestMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.RegisterClient(ctx, testClient()))

	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := store.GetRegisteredClient(ctx, "web")
			if err != nil {
				t.Error(err)
				return
			}
			got.GetEffectiveLifespan("authorization_code", fosite.AccessToken, time.Minute)
			got.Lifespans = nil
		}()
	}
	wg.Wait()

	got, err := store.GetRegisteredClient(ctx, "web")
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, got.GetEffectiveLifespan("authorization_code", fosite.AccessToken, time.Minute))
}

func TestMemoryScopeCatalogOrdering(t *testing.T) {
	store := newTestMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.RegisterScope(ctx, Scope{Name: "profile"}))
	require.NoError(t, store.RegisterScope(ctx, Scope{Name: "admin"}))
	require.NoError(t, store.RegisterScope(ctx, Scope{Name: "email"}))

	scopes, err := store.ListScopes(ctx)
	require.NoError(t, err)
	require.Len(t, scopes, 3)
	assert.Equal(t, "admin", scopes[0].Name)
	assert.Equal(t, "email", scopes[1].Name)
	assert.Equal(t, "profile", scopes[2].Name)
}

func TestMemoryAuthenticate(t *testing.T) {
	store := newTestMemoryStore()
	ctx := context.Background()

	hash, err := bcrypt.GenerateFromPassword([]byte("wonderland"), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, store.RegisterUser(ctx, User{Username: "alice", PasswordHash: hash}))

	assert.NoError(t, store.Authenticate(ctx, "alice", "wonderland"))
	assert.ErrorIs(t, store.Authenticate(ctx, "alice", "wrong"), fosite.ErrNotFound)
	assert.ErrorIs(t, store.Authenticate(ctx, "bob", "wonderland"), fosite.ErrNotFound)
}

func TestMemoryAuthorizeCodeLifecycle(t *testing.T) {
	store := newTestMemoryStore()
	ctx := context.Background()

	client := testClient()
	req := sampleRequest("req-1", client)
	require.NoError(t, store.CreateAuthorizeCodeSession(ctx, "code-sig", req))

	got, err := store.GetAuthorizeCodeSession(ctx, "code-sig", nil)
	require.NoError(t, err)
	assert.Equal(t, "req-1", got.GetID())

	require.NoError(t, store.InvalidateAuthorizeCodeSession(ctx, "code-sig"))

	got, err = store.GetAuthorizeCodeSession(ctx, "code-sig", nil)
	require.ErrorIs(t, err, fosite.ErrInvalidatedAuthorizeCode)
	require.NotNil(t, got)

	assert.ErrorIs(t, store.InvalidateAuthorizeCodeSession(ctx, "code-sig"), fosite.ErrInvalidatedAuthorizeCode)
	assert.ErrorIs(t, store.InvalidateAuthorizeCodeSession(ctx, "missing"), ErrNotFound)
}

func TestMemoryAuthorizeCodeConcurrentConsumption(t *testing.T) {
	store := newTestMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.CreateAuthorizeCodeSession(ctx, "race-sig", sampleRequest("req-race", testClient())))

	const workers = 16
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- store.InvalidateAuthorizeCodeSession(ctx, "race-sig")
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
		}
	}
	assert.Equal(t, 1, wins, "exactly one consumption must win")
}

func TestMemoryTokenSessionsAndRotation(t *testing.T) {
	store := newTestMemoryStore()
	ctx := context.Background()

	req := sampleRequest("req-rot", testClient())
	require.NoError(t, store.CreateRefreshTokenSession(ctx, "rt-sig", "", req))
	require.NoError(t, store.CreateAccessTokenSession(ctx, "at-sig-1", req))
	require.NoError(t, store.CreateAccessTokenSession(ctx, "at-sig-2", req))

	got, err := store.GetRefreshTokenSession(ctx, "rt-sig", nil)
	require.NoError(t, err)
	assert.Equal(t, "req-rot", got.GetID())

	require.NoError(t, store.RotateRefreshToken(ctx, "req-rot", "rt-sig"))

	_, err = store.GetRefreshTokenSession(ctx, "rt-sig", nil)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetAccessTokenSession(ctx, "at-sig-1", nil)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetAccessTokenSession(ctx, "at-sig-2", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryExpiredEntriesNotReturned(t *testing.T) {
	store := newTestMemoryStore()
	ctx := context.Background()

	req := sampleRequest("req-exp", testClient())
	req.Session.SetExpiresAt(fosite.AccessToken, time.Now().Add(-time.Minute))

	require.NoError(t, store.CreateAccessTokenSession(ctx, "stale-sig", req))
	_, err := store.GetAccessTokenSession(ctx, "stale-sig", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryRevocationByRequestID(t *testing.T) {
	store := newTestMemoryStore()
	ctx := context.Background()

	req := sampleRequest("req-rev", testClient())
	require.NoError(t, store.CreateAccessTokenSession(ctx, "rev-at", req))
	require.NoError(t, store.CreateRefreshTokenSession(ctx, "rev-rt", "", req))

	require.NoError(t, store.RevokeAccessToken(ctx, "req-rev"))
	require.NoError(t, store.RevokeRefreshToken(ctx, "req-rev"))

	_, err := store.GetAccessTokenSession(ctx, "rev-at", nil)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetRefreshTokenSession(ctx, "rev-rt", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}
