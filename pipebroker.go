// Package pipebroker is the top-level entry point: Open/MustOpen hand a
// caller a fully initialized *broker.Broker, resolving configuration through
// core/pkg/config and instance caching through core/pkg/registry, the way
// the framework this module grew out of exposed its top-level
// constructors (a thin wrapper gluing config loading to the shared registry)
// rather than requiring every caller to wire core/pkg/* by hand.
package pipebroker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/madcok-co/pipebroker/core/pkg/adapter"
	"github.com/madcok-co/pipebroker/core/pkg/broker"
	"github.com/madcok-co/pipebroker/core/pkg/config"
	"github.com/madcok-co/pipebroker/core/pkg/logging"
	"github.com/madcok-co/pipebroker/core/pkg/registry"
)

// Broker is the routing core handle callers publish/subscribe through.
type Broker = broker.Broker

// MessageHandler receives payloads delivered to a subscription.
type MessageHandler = broker.MessageHandler

// PublishHandler observes an async publish's per-target completions.
type PublishHandler = broker.PublishHandler

// Options configures Open. ConfigJSON, if non-empty, takes precedence over
// the core/pkg/config loading chain entirely - it is handed to config.Load
// as the process-set default, so an empty ConfigJSON still falls through to
// MESSAGE_BROKER_CONFIG_FILE and then {}.
type Options struct {
	ConfigJSON  string
	Credentials adapter.Credentials
	Unique      bool
	Logger      logging.Logger
}

// Open resolves opts.ConfigJSON through the configuration loading chain,
// then returns an initialized broker - a shared one cached by canonical
// configuration text unless opts.Unique is set.
//
// When opts.ConfigJSON is empty and MESSAGE_BROKER_CONFIG_FILE names the
// file actually loaded, Open also starts a background watch on that file:
// edits are logged through opts.Logger, since a running broker's targets
// and pipes are fixed at Initialize and a config edit never reconfigures
// it in place. Reload is an operator signal, not an automatic behavior.
func Open(ctx context.Context, opts Options) (*Broker, error) {
	raw, err := config.Load(opts.ConfigJSON)
	if err != nil {
		return nil, fmt.Errorf("pipebroker: %w", err)
	}
	b, err := registry.Open(ctx, raw, opts.Credentials, opts.Unique, opts.Logger)
	if err != nil {
		return nil, fmt.Errorf("pipebroker: %w", err)
	}

	if opts.ConfigJSON == "" {
		logger := opts.Logger
		if logger == nil {
			logger = logging.Nop()
		}
		_ = config.Watch(func(json.RawMessage) {
			logger.Warn("configuration file changed on disk; restart to apply",
				"config_file", os.Getenv(config.EnvConfigFile))
		})
	}

	return b, nil
}

// MustOpen is Open, panicking on error. Intended for process start-up paths
// where a misconfigured broker should fail fast.
func MustOpen(ctx context.Context, opts Options) *Broker {
	b, err := Open(ctx, opts)
	if err != nil {
		panic(err)
	}
	return b
}

// Release returns b to the registry it was opened from, shutting it down
// once its refcount reaches zero. A unique-mode broker is not tracked by the
// registry, so Release is a no-op for it and does not shut it down.
func Release(ctx context.Context, b *Broker) error {
	return registry.Release(ctx, b)
}

// ReleaseAll shuts down every broker the default registry currently holds.
// Intended for test teardown and graceful process exit.
func ReleaseAll(ctx context.Context) {
	registry.ReleaseAll(ctx)
}
