// Package registry implements the process-wide Instance Registry: shared
// mode caches one *broker.Broker per canonical configuration text behind a
// refcount, so repeated Open calls with identical configuration reuse the
// same broker; unique mode always constructs a fresh one that the registry
// never tracks. Grounded on core/pkg/adapters/broker/memory/memory.go's
// registration-table shape from the framework this module grew out of,
// generalized from a single in-process map of subscribers to a keyed,
// refcounted cache of whole Broker instances.
package registry

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/madcok-co/pipebroker/core/pkg/adapter"
	"github.com/madcok-co/pipebroker/core/pkg/broker"
	"github.com/madcok-co/pipebroker/core/pkg/logging"
)

type entry struct {
	broker   *broker.Broker
	refcount int
}

// Registry is the process-wide shared-broker cache. The zero value is not
// usable; use New or the package-level Default.
//
// Shutdown's release hook calls back into remove, which also takes mu; every
// path that calls Broker.Shutdown (Release, ReleaseAll, the raced-create
// branch of Open) does so only after releasing mu, so remove never contends
// with its own caller's lock.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// defaultRegistry backs the package-level Open/ReleaseAll convenience
// functions most callers use instead of constructing their own Registry.
var defaultRegistry = New()

// Default returns the process-wide Registry used by the package-level Open.
func Default() *Registry { return defaultRegistry }

// Open returns a broker for configJSON. In shared mode (unique=false), a
// prior broker opened with byte-identical configJSON is returned with its
// refcount incremented instead of constructing a new one; unique=true always
// constructs a fresh broker that Release never caches.
func (r *Registry) Open(ctx context.Context, configJSON json.RawMessage, creds adapter.Credentials, unique bool, logger logging.Logger) (*broker.Broker, error) {
	key := string(configJSON)
	if len(configJSON) == 0 {
		key = "{}"
	}

	if !unique {
		r.mu.Lock()
		if e, ok := r.entries[key]; ok {
			e.refcount++
			r.mu.Unlock()
			return e.broker, nil
		}
		r.mu.Unlock()
	}

	b, err := broker.Open(configJSON, creds, unique, logger)
	if err != nil {
		return nil, err
	}
	if err := b.Initialize(ctx); err != nil {
		return nil, err
	}

	if unique {
		return b, nil
	}

	r.mu.Lock()
	// Another caller may have raced us to create the same key; the second
	// broker to finish Initialize loses and is shut down immediately,
	// mirroring a double-checked-locking cache fill.
	if e, ok := r.entries[key]; ok {
		e.refcount++
		r.mu.Unlock()
		_ = b.Shutdown(ctx)
		return e.broker, nil
	}
	r.entries[key] = &entry{broker: b, refcount: 1}
	r.mu.Unlock()

	b.SetReleaseHook(func() { r.remove(key) })
	return b, nil
}

// Release decrements b's refcount (no-op for a unique-mode broker, or one
// this registry never cached) and shuts it down once the count reaches
// zero.
func (r *Registry) Release(ctx context.Context, b *broker.Broker) error {
	key := b.ConfigCanonical()

	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok || e.broker != b {
		r.mu.Unlock()
		return nil
	}
	e.refcount--
	if e.refcount > 0 {
		r.mu.Unlock()
		return nil
	}
	delete(r.entries, key)
	r.mu.Unlock()

	return b.Shutdown(ctx)
}

// remove drops key's entry without touching refcount or calling Shutdown -
// used by Broker.Shutdown's release hook, which runs after the broker has
// already decided to tear itself down.
func (r *Registry) remove(key string) {
	r.mu.Lock()
	delete(r.entries, key)
	r.mu.Unlock()
}

// ReleaseAll shuts down every broker this registry currently holds,
// regardless of refcount, and clears the cache. Intended for deterministic
// test teardown and process exit.
func (r *Registry) ReleaseAll(ctx context.Context) {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	for _, e := range entries {
		_ = e.broker.Shutdown(ctx)
	}
}

// Open is the package-level convenience wrapping Default().Open.
func Open(ctx context.Context, configJSON json.RawMessage, creds adapter.Credentials, unique bool, logger logging.Logger) (*broker.Broker, error) {
	return defaultRegistry.Open(ctx, configJSON, creds, unique, logger)
}

// Release is the package-level convenience wrapping Default().Release.
func Release(ctx context.Context, b *broker.Broker) error {
	return defaultRegistry.Release(ctx, b)
}

// ReleaseAll is the package-level convenience wrapping Default().ReleaseAll.
func ReleaseAll(ctx context.Context) {
	defaultRegistry.ReleaseAll(ctx)
}
