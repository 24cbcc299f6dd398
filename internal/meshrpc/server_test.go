package meshrpc

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/semanticmesh-go/internal/access"
	"github.com/rmacdonaldsmith/semanticmesh-go/internal/backend/memory"
	"github.com/rmacdonaldsmith/semanticmesh-go/internal/mesh"
)

type testEnv struct {
	store  *mesh.Store
	server *Server
	tokens *access.TokenAuthority
}

func startServer(t *testing.T, policy access.Policy) *testEnv {
	t.Helper()

	b := memory.NewInMemoryBackend()
	controller, err := access.NewController(&access.Config{DefaultPolicy: policy}, zerolog.Nop())
	require.NoError(t, err)
	store, err := mesh.NewStore(b, nil, mesh.WithAccessController(controller))
	require.NoError(t, err)

	tokens, err := access.NewTokenAuthority("test-secret", "semanticmesh-test")
	require.NoError(t, err)

	server, err := NewServer(store, &Config{ListenAddress: "127.0.0.1:0"}, WithTokenAuthority(tokens))
	require.NoError(t, err)
	require.NoError(t, server.Start(context.Background()))

	t.Cleanup(func() {
		_ = server.Close()
		_ = store.Close()
		_ = b.Close()
	})
	return &testEnv{store: store, server: server, tokens: tokens}
}

func (e *testEnv) client(t *testing.T, opts ...ClientOption) *Client {
	t.Helper()
	c, err := NewClient(e.server.GetListeningAddress(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func (e *testEnv) token(t *testing.T, p *access.Principal) string {
	t.Helper()
	token, _, err := e.tokens.Issue(p, time.Hour)
	require.NoError(t, err)
	return token
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestNewServer_InvalidConfig(t *testing.T) {
	b := memory.NewInMemoryBackend()
	defer b.Close()
	store, err := mesh.NewStore(b, nil)
	require.NoError(t, err)
	defer store.Close()

	_, err = NewServer(store, &Config{})
	assert.Error(t, err)
	_, err = NewServer(nil, &Config{ListenAddress: "127.0.0.1:0"})
	assert.Error(t, err)
}

func TestServer_CloseIsIdempotent(t *testing.T) {
	env := startServer(t, access.PolicyAllow)

	require.NoError(t, env.server.Close())
	require.NoError(t, env.server.Close())
	assert.ErrorIs(t, env.server.Start(context.Background()), ErrServerClosed)
}

func TestClient_StoreOperations(t *testing.T) {
	env := startServer(t, access.PolicyAllow)
	c := env.client(t)
	ctx := testContext(t)

	ok, err := c.Set(ctx, "user:1", map[string]string{"name": "Ann"}, "users")
	require.NoError(t, err)
	assert.True(t, ok)

	entry, found, err := c.Get(ctx, "user:1", "users")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "mesh.users.user:1", entry.FullKey)
	assert.Equal(t, int64(1), entry.Version)
	assert.JSONEq(t, `{"name":"Ann"}`, string(entry.Data))

	// The value written remotely is visible to local readers
	local, found, err := env.store.Get(ctx, "user:1", "users")
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `{"name":"Ann"}`, string(local.Data))

	swapped, err := c.CompareAndSet(ctx, "user:1", map[string]string{"name": "Ann"}, map[string]string{"name": "Bob"}, "users")
	require.NoError(t, err)
	assert.True(t, swapped)
	assert.Equal(t, int64(2), c.GetVersion(ctx, "user:1", "users"))

	swapped, err = c.CompareAndSet(ctx, "missing", "x", "y", "users")
	require.NoError(t, err)
	assert.False(t, swapped)

	swapped, err = c.CompareAndSet(ctx, "fresh", nil, "y", "users")
	require.NoError(t, err)
	assert.True(t, swapped)

	exists, err := c.Exists(ctx, "fresh", "users")
	require.NoError(t, err)
	assert.True(t, exists)

	snapshot, err := c.Snapshot(ctx, "users.*")
	require.NoError(t, err)
	assert.Len(t, snapshot, 2)

	deleted, err := c.Delete(ctx, "fresh", "users")
	require.NoError(t, err)
	assert.True(t, deleted)

	cleared, err := c.Clear(ctx, "users")
	require.NoError(t, err)
	assert.True(t, cleared)

	_, found, err = c.Get(ctx, "user:1", "users")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestClient_InvalidKey(t *testing.T) {
	env := startServer(t, access.PolicyAllow)
	c := env.client(t)

	_, err := c.Set(testContext(t), "bad key", "v", "")
	assert.ErrorIs(t, err, mesh.ErrInvalid)

	var meshErr *mesh.Error
	require.ErrorAs(t, err, &meshErr)
	assert.Equal(t, "set", meshErr.Op)
}

func TestClient_TokenGrants(t *testing.T) {
	env := startServer(t, access.PolicyDeny)
	ctx := testContext(t)

	anonymous := env.client(t)
	_, err := anonymous.Set(ctx, "k", "v", "users")
	assert.ErrorIs(t, err, mesh.ErrAccessDenied)

	writer := env.client(t, WithToken(env.token(t, &access.Principal{
		ID:     "worker-1",
		Grants: map[string]access.Permission{"users": access.Read | access.Write},
	})))
	ok, err := writer.Set(ctx, "k", "v", "users")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = writer.Delete(ctx, "k", "users")
	assert.ErrorIs(t, err, mesh.ErrAccessDenied)
	_, _, err = writer.Get(ctx, "k", "orders")
	assert.ErrorIs(t, err, mesh.ErrAccessDenied)

	admin := env.client(t, WithToken("Bearer "+env.token(t, &access.Principal{ID: "ops", Admin: true})))
	deleted, err := admin.Delete(ctx, "k", "users")
	require.NoError(t, err)
	assert.True(t, deleted)

	forged := env.client(t, WithToken("not-a-token"))
	_, _, err = forged.Get(ctx, "k", "users")
	assert.ErrorIs(t, err, mesh.ErrAccessDenied)
}

func TestClient_Watch(t *testing.T) {
	env := startServer(t, access.PolicyAllow)
	c := env.client(t)
	ctx := testContext(t)

	watcher, err := c.Watch(ctx, mesh.ChangeChannel("orders"))
	require.NoError(t, err)
	defer watcher.Close()
	assert.NotEmpty(t, watcher.ID())

	_, err = c.Set(ctx, "o1", map[string]int{"qty": 2}, "orders")
	require.NoError(t, err)

	msg, err := watcher.Recv()
	require.NoError(t, err)
	assert.Equal(t, "mesh.changes.orders", msg.Channel)

	event, err := mesh.DecodeChangeEvent(msg)
	require.NoError(t, err)
	assert.Equal(t, mesh.OpSet, event.Operation)
	assert.Equal(t, "o1", event.Key)
	assert.Equal(t, int64(1), event.Version)

	require.NoError(t, c.Publish(ctx, "mesh.changes.orders", map[string]string{"operation": "delete", "key": "o2"}))
	msg, err = watcher.Recv()
	require.NoError(t, err)
	var payload map[string]string
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	assert.Equal(t, "o2", payload["key"])
}

func TestClient_WatchHidesUnreadableNamespaces(t *testing.T) {
	env := startServer(t, access.PolicyDeny)
	ctx := testContext(t)

	reader := env.client(t, WithToken(env.token(t, &access.Principal{
		ID:     "reader",
		Grants: map[string]access.Permission{"users": access.Read},
	})))
	admin := env.client(t, WithToken(env.token(t, &access.Principal{ID: "ops", Admin: true})))

	_, err := reader.Watch(ctx, mesh.ChangeChannel("secrets"))
	assert.ErrorIs(t, err, mesh.ErrAccessDenied)

	watcher, err := reader.Watch(ctx, "mesh.changes.*")
	require.NoError(t, err)
	defer watcher.Close()

	_, err = admin.Set(ctx, "s1", "hidden", "secrets")
	require.NoError(t, err)
	_, err = admin.Set(ctx, "u1", "visible", "users")
	require.NoError(t, err)

	msg, err := watcher.Recv()
	require.NoError(t, err)
	assert.Equal(t, "mesh.changes.users", msg.Channel)
	event, err := mesh.DecodeChangeEvent(msg)
	require.NoError(t, err)
	assert.Equal(t, "u1", event.Key)
}

func TestClient_WatchInvalidPattern(t *testing.T) {
	env := startServer(t, access.PolicyAllow)
	c := env.client(t)

	_, err := c.Watch(testContext(t), "bad[")
	assert.ErrorIs(t, err, mesh.ErrInvalid)
}
