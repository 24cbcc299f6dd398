// Package pubsub implements the Subscription Manager: glob pattern
// subscriptions over backend channels, with callbacks dispatched on a
// dedicated goroutine per subscription.
//
// Messages are only ever delivered through the backend, so a process that
// both publishes and subscribes sees each message exactly once, the same way
// a remote process does.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rmacdonaldsmith/semanticmesh-go/pkg/backend"
)

var (
	// ErrClosed is returned when the manager has been closed
	ErrClosed = errors.New("subscription manager is closed")
	// ErrNotFound is returned when unsubscribing an unknown subscription ID
	ErrNotFound = errors.New("subscription not found")
	// ErrInvalidPattern is returned for malformed channel patterns
	ErrInvalidPattern = errors.New("invalid channel pattern")
)

// Handler receives messages for a subscription. Handlers run on the
// subscription's goroutine; a slow handler delays only its own subscription.
type Handler func(msg backend.Message)

// Info describes a live subscription.
type Info struct {
	ID        string    `json:"id"`
	Pattern   string    `json:"pattern"`
	CreatedAt time.Time `json:"created_at"`
	Delivered int64     `json:"delivered"`
}

type subscription struct {
	id        string
	pattern   string
	handler   Handler
	createdAt time.Time
	source    backend.Subscription

	mu        sync.Mutex
	delivered int64
}

// Manager owns the pattern subscriptions of one process.
type Manager struct {
	backend backend.Backend
	logger  zerolog.Logger

	mu     sync.RWMutex
	subs   map[string]*subscription
	closed bool
	wg     sync.WaitGroup
}

// NewManager creates a Manager publishing and subscribing through b.
func NewManager(b backend.Backend, logger zerolog.Logger) *Manager {
	return &Manager{
		backend: b,
		logger:  logger.With().Str("component", "pubsub").Logger(),
		subs:    make(map[string]*subscription),
	}
}

// Subscribe registers handler for every channel matching pattern and returns
// the subscription ID.
func (m *Manager) Subscribe(ctx context.Context, pattern string, handler Handler) (string, error) {
	if handler == nil {
		return "", errors.New("handler cannot be nil")
	}
	if pattern == "" {
		return "", fmt.Errorf("%w: pattern cannot be empty", ErrInvalidPattern)
	}
	if _, err := glob.Compile(pattern); err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidPattern, pattern, err)
	}

	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return "", ErrClosed
	}

	source, err := m.backend.PSubscribe(ctx, pattern)
	if err != nil {
		return "", fmt.Errorf("failed to subscribe to %q: %w", pattern, err)
	}

	sub := &subscription{
		id:        uuid.NewString(),
		pattern:   pattern,
		handler:   handler,
		createdAt: time.Now(),
		source:    source,
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = source.Close()
		return "", ErrClosed
	}
	m.subs[sub.id] = sub
	m.wg.Add(1)
	m.mu.Unlock()

	go m.dispatch(sub)

	m.logger.Debug().Str("subscription_id", sub.id).Str("pattern", pattern).Msg("subscribed")
	return sub.id, nil
}

// Unsubscribe cancels a subscription. Messages already being dispatched may
// still reach the handler.
func (m *Manager) Unsubscribe(id string) error {
	m.mu.Lock()
	sub, ok := m.subs[id]
	if ok {
		delete(m.subs, id)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	m.logger.Debug().Str("subscription_id", id).Str("pattern", sub.pattern).Msg("unsubscribed")
	return sub.source.Close()
}

// Publish sends payload on channel and returns the number of receivers
// reported by the backend.
func (m *Manager) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	if channel == "" {
		return 0, errors.New("channel cannot be empty")
	}

	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return 0, ErrClosed
	}

	receivers, err := m.backend.Publish(ctx, channel, payload)
	if err != nil {
		return 0, fmt.Errorf("failed to publish on %q: %w", channel, err)
	}
	return receivers, nil
}

// Subscriptions lists live subscriptions ordered by creation time.
func (m *Manager) Subscriptions() []Info {
	m.mu.RLock()
	infos := make([]Info, 0, len(m.subs))
	for _, sub := range m.subs {
		sub.mu.Lock()
		infos = append(infos, Info{
			ID:        sub.id,
			Pattern:   sub.pattern,
			CreatedAt: sub.createdAt,
			Delivered: sub.delivered,
		})
		sub.mu.Unlock()
	}
	m.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// Count returns the number of live subscriptions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}

// Close cancels every subscription and waits for their dispatchers to exit.
// It must not be called from inside a Handler.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil // Already closed, idempotent
	}
	m.closed = true
	subs := m.subs
	m.subs = make(map[string]*subscription)
	m.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.source.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	m.wg.Wait()
	return errors.Join(errs...)
}

func (m *Manager) dispatch(sub *subscription) {
	defer m.wg.Done()
	for msg := range sub.source.Messages() {
		m.deliver(sub, msg)
	}
}

func (m *Manager) deliver(sub *subscription, msg backend.Message) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().
				Str("subscription_id", sub.id).
				Str("channel", msg.Channel).
				Interface("panic", r).
				Msg("subscription handler panicked")
		}
	}()

	sub.handler(msg)

	sub.mu.Lock()
	sub.delivered++
	sub.mu.Unlock()
}
