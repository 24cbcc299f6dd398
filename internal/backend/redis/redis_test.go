package redis

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/semanticmesh-go/pkg/backend"
)

func newTestBackend(t *testing.T) (*RedisBackend, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	b, err := NewRedisBackend(context.Background(), &Config{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b, mr
}

func TestConfig_ValidateAndDefaults(t *testing.T) {
	assert.Error(t, (&Config{}).Validate())
	assert.Error(t, (&Config{Addr: "localhost:6379", DB: -1}).Validate())

	c := &Config{Addr: "localhost:6379"}
	require.NoError(t, c.Validate())
	c.SetDefaults()
	assert.Equal(t, 5*time.Second, c.DialTimeout)
	assert.Equal(t, 20, c.PoolSize)
	assert.Equal(t, int64(100), c.ScanCount)
}

func TestNewRedisBackend_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := NewRedisBackend(ctx, &Config{Addr: "127.0.0.1:1", DialTimeout: 200 * time.Millisecond})
	assert.Error(t, err)
}

func TestRedisBackend_CRUD(t *testing.T) {
	b, mr := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.Set(ctx, "mesh.users.1", []byte(`{"data":1}`), time.Minute))

	value, ok, err := b.Get(ctx, "mesh.users.1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `{"data":1}`, string(value))

	_, ok, err = b.Get(ctx, "mesh.missing")
	require.NoError(t, err)
	assert.False(t, ok)

	exists, err := b.Exists(ctx, "mesh.users.1")
	require.NoError(t, err)
	assert.True(t, exists)

	mr.FastForward(2 * time.Minute)
	exists, err = b.Exists(ctx, "mesh.users.1")
	require.NoError(t, err)
	assert.False(t, exists, "key should expire after its TTL")

	require.NoError(t, b.Set(ctx, "mesh.a", []byte("x"), 0))
	removed, err := b.Del(ctx, "mesh.a", "mesh.b")
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	removed, err = b.Del(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), removed)
}

func TestRedisBackend_KeysAndFlush(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()

	for _, k := range []string{"mesh.ns1.a", "mesh.ns1.b", "mesh.ns2.a"} {
		require.NoError(t, b.Set(ctx, k, []byte("v"), 0))
	}

	keys, err := b.Keys(ctx, "mesh.ns1.*")
	require.NoError(t, err)
	sort.Strings(keys)
	assert.Equal(t, []string{"mesh.ns1.a", "mesh.ns1.b"}, keys)

	require.NoError(t, b.FlushDB(ctx))
	keys, err = b.Keys(ctx, "*")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestRedisBackend_IncrBy(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()

	n, err := b.IncrBy(ctx, "counter", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = b.IncrBy(ctx, "counter", -1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestRedisBackend_Watch(t *testing.T) {
	b, mr := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.Set(ctx, "k", []byte("old"), 0))

	t.Run("commit", func(t *testing.T) {
		err := b.Watch(ctx, "k", func(tx backend.Tx) error {
			current, ok, err := tx.Get(ctx, "k")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "old", string(current))
			tx.Set("k", []byte("new"), 0)
			return nil
		})
		require.NoError(t, err)

		value, _ := mr.Get("k")
		assert.Equal(t, "new", value)
	})

	t.Run("conflict", func(t *testing.T) {
		err := b.Watch(ctx, "k", func(tx backend.Tx) error {
			// Another client writes the watched key before EXEC
			require.NoError(t, b.client.Set(ctx, "k", "intruder", 0).Err())
			tx.Set("k", []byte("loser"), 0)
			return nil
		})
		assert.ErrorIs(t, err, backend.ErrTxConflict)

		value, _ := mr.Get("k")
		assert.Equal(t, "intruder", value)
	})

	t.Run("discard", func(t *testing.T) {
		err := b.Watch(ctx, "k", func(tx backend.Tx) error {
			tx.Set("k", []byte("discarded"), 0)
			return backend.ErrTxAborted
		})
		assert.ErrorIs(t, err, backend.ErrTxAborted)

		value, _ := mr.Get("k")
		assert.Equal(t, "intruder", value)
	})
}

func TestRedisBackend_PubSub(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()

	sub, err := b.PSubscribe(ctx, "mesh.changes.*")
	require.NoError(t, err)
	defer sub.Close()

	receivers, err := b.Publish(ctx, "mesh.changes.users", []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), receivers)

	select {
	case msg := <-sub.Messages():
		assert.Equal(t, "mesh.changes.users", msg.Channel)
		assert.Equal(t, "mesh.changes.*", msg.Pattern)
		assert.Equal(t, "payload", string(msg.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
}

func TestNewRedisBackendFromClient(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})

	b := NewRedisBackendFromClient(client)
	require.NoError(t, b.Ping(context.Background()))
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
}
