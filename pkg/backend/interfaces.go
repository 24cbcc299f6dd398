// Package backend defines the networked key-value store the mesh is built on.
//
// The contract mirrors the subset of Redis the Mesh Store relies on: string
// GET/SET with TTL, DEL, EXISTS, key enumeration by glob pattern, FLUSHDB,
// optimistic WATCH/MULTI/EXEC transactions on a single key, INCRBY, and
// pattern pub/sub. Two implementations live under internal/backend: an
// in-process store for tests and single-process deployments, and a Redis
// client for shared deployments.
package backend

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrTxConflict is returned by Watch when the watched key changed before commit
	ErrTxConflict = errors.New("transaction aborted: watched key modified")
	// ErrTxAborted may be returned from a Watch callback to discard queued writes
	ErrTxAborted = errors.New("transaction discarded")
	// ErrClosed is returned for operations on a closed backend
	ErrClosed = errors.New("backend is closed")
)

// Backend is the networked store shared by all mesh workers.
type Backend interface {
	io.Closer

	// Get returns the value stored at key and whether it exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value at key. A ttl of zero means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Del removes keys and returns how many existed.
	Del(ctx context.Context, keys ...string) (int64, error)

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// Keys returns all keys matching a glob pattern ("*" matches any run of characters).
	Keys(ctx context.Context, pattern string) ([]string, error)

	// FlushDB removes every key in the database.
	FlushDB(ctx context.Context) error

	// IncrBy atomically adds delta to the integer stored at key and returns the result.
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)

	// Watch runs fn inside an optimistic transaction guarding key.
	// Writes queued on the Tx are committed atomically after fn returns nil,
	// and only if no other client modified key in the meantime; otherwise
	// ErrTxConflict is returned. If fn returns an error the queued writes are
	// discarded and that error is returned.
	Watch(ctx context.Context, key string, fn func(tx Tx) error) error

	// Publish sends payload to every subscriber whose pattern matches channel
	// and returns the number of receivers.
	Publish(ctx context.Context, channel string, payload []byte) (int64, error)

	// PSubscribe opens a subscription for the given channel glob patterns.
	PSubscribe(ctx context.Context, patterns ...string) (Subscription, error)

	// Ping checks connectivity.
	Ping(ctx context.Context) error
}

// Tx is the view of the store available inside Watch.
type Tx interface {
	// Get reads the watched key (or any other key) inside the transaction.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set queues a write to be applied on commit.
	Set(key string, value []byte, ttl time.Duration)
}

// Message is a pub/sub message delivered to a Subscription.
type Message struct {
	// Channel the message was published on
	Channel string

	// Pattern that matched the channel
	Pattern string

	// Payload is the raw published data
	Payload []byte
}

// Subscription is a live pattern subscription.
type Subscription interface {
	io.Closer

	// Messages returns the delivery channel. It is closed when the subscription closes.
	Messages() <-chan Message
}
