package adapter

import (
	"math/rand"
	"sync"

	"github.com/madcok-co/pipebroker/core/pkg/logging"
	"github.com/madcok-co/pipebroker/core/pkg/payload"
)

type subEntry struct {
	token     int64
	sub       Subscription
	onMessage OnMessage
}

// BaseClient implements the shared subscription-table behavior every
// concrete adapter client embeds: tokens are uniformly random positive
// 32-bit values drawn until an unused one is found, dispatch iterates a
// snapshot taken in registration order so a handler may unsubscribe
// mid-dispatch without corrupting the live table, and a panicking handler
// is recovered and reported as a failed delivery rather than propagated.
type BaseClient struct {
	mu    sync.RWMutex
	subs  map[int64]subEntry
	order []int64
}

// NewBaseClient returns an empty subscription table.
func NewBaseClient() *BaseClient {
	return &BaseClient{subs: make(map[int64]subEntry)}
}

// AddSubscription registers sub and returns its new token.
func (b *BaseClient) AddSubscription(sub Subscription, onMessage OnMessage) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	var token int64
	for {
		token = int64(rand.Int31())
		if token == 0 {
			continue
		}
		if _, exists := b.subs[token]; !exists {
			break
		}
	}
	b.subs[token] = subEntry{token: token, sub: sub, onMessage: onMessage}
	b.order = append(b.order, token)
	return token
}

// RemoveSubscription deletes token, reporting whether it existed.
func (b *BaseClient) RemoveSubscription(token int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subs[token]; !exists {
		return false
	}
	delete(b.subs, token)
	for i, t := range b.order {
		if t == token {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	return true
}

// Snapshot returns a point-in-time copy of the subscription table in
// registration order, safe to range over while a handler mutates the live
// table.
func (b *BaseClient) Snapshot() []subEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	cp := make([]subEntry, 0, len(b.order))
	for _, token := range b.order {
		cp = append(cp, b.subs[token])
	}
	return cp
}

// Dispatch delivers p to every subscription in a snapshot of the table for
// which match returns true, in registration order. A handler that panics
// is recovered and logged rather than crashing the caller; logger may be
// nil (logging.Nop() is then used).
func (b *BaseClient) Dispatch(p *payload.Payload, match func(Subscription) bool, logger logging.Logger) {
	if logger == nil {
		logger = logging.Nop()
	}
	for _, entry := range b.Snapshot() {
		if !match(entry.sub) {
			continue
		}
		deliverRecovered(entry.onMessage, p, entry.token, logger)
	}
}

func deliverRecovered(onMessage OnMessage, p *payload.Payload, token int64, logger logging.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("subscriber handler panicked", "token", token, "recovered", r)
		}
	}()
	onMessage(p)
}
