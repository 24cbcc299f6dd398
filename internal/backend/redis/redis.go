// Package redis implements the mesh backend on a Redis server using go-redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/rmacdonaldsmith/semanticmesh-go/pkg/backend"
)

const subscriptionBuffer = 256

// RedisBackend implements backend.Backend against a Redis server.
type RedisBackend struct {
	client    goredis.UniversalClient
	scanCount int64
	closeOnce sync.Once
	closeErr  error
}

// NewRedisBackend connects to Redis with the given configuration.
// The connection is verified with PING before returning.
func NewRedisBackend(ctx context.Context, config *Config) (*RedisBackend, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	// Make a copy and set defaults
	configCopy := *config
	configCopy.SetDefaults()

	client := goredis.NewClient(&goredis.Options{
		Addr:         configCopy.Addr,
		Username:     configCopy.Username,
		Password:     configCopy.Password,
		DB:           configCopy.DB,
		DialTimeout:  configCopy.DialTimeout,
		ReadTimeout:  configCopy.ReadTimeout,
		WriteTimeout: configCopy.WriteTimeout,
		PoolSize:     configCopy.PoolSize,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", configCopy.Addr, err)
	}

	return &RedisBackend{client: client, scanCount: configCopy.ScanCount}, nil
}

// NewRedisBackendFromClient wraps an existing go-redis client.
func NewRedisBackendFromClient(client goredis.UniversalClient) *RedisBackend {
	return &RedisBackend{client: client, scanCount: 100}
}

// Get returns the value at key.
func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return get(ctx, b.client, key)
}

// Set stores value at key with an optional TTL.
func (b *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return b.client.Set(ctx, key, value, ttl).Err()
}

// Del removes keys and returns how many existed.
func (b *RedisBackend) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	return b.client.Del(ctx, keys...).Result()
}

// Exists reports whether key is present.
func (b *RedisBackend) Exists(ctx context.Context, key string) (bool, error) {
	n, err := b.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Keys enumerates matching keys with SCAN so that large databases are not blocked.
func (b *RedisBackend) Keys(ctx context.Context, pattern string) ([]string, error) {
	keys := make([]string, 0)
	seen := make(map[string]struct{})

	iter := b.client.Scan(ctx, 0, pattern, b.scanCount).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		// SCAN may return a key more than once
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan %q: %w", pattern, err)
	}
	return keys, nil
}

// FlushDB removes every key in the selected database.
func (b *RedisBackend) FlushDB(ctx context.Context) error {
	return b.client.FlushDB(ctx).Err()
}

// IncrBy atomically adds delta to the integer at key.
func (b *RedisBackend) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	return b.client.IncrBy(ctx, key, delta).Result()
}

// Watch runs fn between WATCH and MULTI/EXEC on key.
func (b *RedisBackend) Watch(ctx context.Context, key string, fn func(tx backend.Tx) error) error {
	err := b.client.Watch(ctx, func(rtx *goredis.Tx) error {
		tx := &redisTx{tx: rtx}
		if err := fn(tx); err != nil {
			return err
		}
		if len(tx.writes) == 0 {
			return nil
		}

		_, err := rtx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			for _, w := range tx.writes {
				pipe.Set(ctx, w.key, w.value, w.ttl)
			}
			return nil
		})
		return err
	}, key)

	if errors.Is(err, goredis.TxFailedErr) {
		return backend.ErrTxConflict
	}
	return err
}

// Publish sends payload on channel.
func (b *RedisBackend) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	return b.client.Publish(ctx, channel, payload).Result()
}

// PSubscribe subscribes to channel patterns and waits for Redis to confirm.
func (b *RedisBackend) PSubscribe(ctx context.Context, patterns ...string) (backend.Subscription, error) {
	if len(patterns) == 0 {
		return nil, fmt.Errorf("at least one pattern is required")
	}

	ps := b.client.PSubscribe(ctx, patterns...)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("psubscribe %v: %w", patterns, err)
	}

	sub := &redisSubscription{
		pubsub:   ps,
		messages: make(chan backend.Message, subscriptionBuffer),
		done:     make(chan struct{}),
	}
	go sub.forward()
	return sub, nil
}

// Ping checks connectivity with the server.
func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (b *RedisBackend) Close() error {
	b.closeOnce.Do(func() {
		b.closeErr = b.client.Close()
	})
	return b.closeErr
}

type getter interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
}

func get(ctx context.Context, c getter, key string) ([]byte, bool, error) {
	value, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

type pendingWrite struct {
	key   string
	value []byte
	ttl   time.Duration
}

type redisTx struct {
	tx     *goredis.Tx
	writes []pendingWrite
}

func (t *redisTx) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return get(ctx, t.tx, key)
}

func (t *redisTx) Set(key string, value []byte, ttl time.Duration) {
	t.writes = append(t.writes, pendingWrite{key: key, value: value, ttl: ttl})
}

type redisSubscription struct {
	pubsub   *goredis.PubSub
	messages chan backend.Message
	done     chan struct{}
	once     sync.Once
}

// forward converts go-redis messages until the subscription is closed.
func (s *redisSubscription) forward() {
	defer close(s.messages)
	source := s.pubsub.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-source:
			if !ok {
				return
			}
			select {
			case s.messages <- backend.Message{
				Channel: msg.Channel,
				Pattern: msg.Pattern,
				Payload: []byte(msg.Payload),
			}:
			case <-s.done:
				return
			}
		}
	}
}

func (s *redisSubscription) Messages() <-chan backend.Message {
	return s.messages
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}

// Verify that RedisBackend implements the Backend interface at compile time
var _ backend.Backend = (*RedisBackend)(nil)
