// Package broker implements the routing core: it holds the target table and
// pipe table a configuration describes, and turns Publish/Subscribe calls
// into the right sequence of adapter-level operations. Grounded on
// core/pkg/adapters/broker/memory/memory.go's registration/dispatch shape
// from the framework this module grew out of, generalized from one in-
// process transport to the full multi-protocol fan-out spec.md describes.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/madcok-co/pipebroker/core/pkg/adapter"
	"github.com/madcok-co/pipebroker/core/pkg/adapter/file"
	"github.com/madcok-co/pipebroker/core/pkg/adapter/gpio"
	"github.com/madcok-co/pipebroker/core/pkg/adapter/kafka"
	"github.com/madcok-co/pipebroker/core/pkg/adapter/loopback"
	"github.com/madcok-co/pipebroker/core/pkg/adapter/mqtt"
	"github.com/madcok-co/pipebroker/core/pkg/adapter/redis"
	"github.com/madcok-co/pipebroker/core/pkg/adapter/s3"
	"github.com/madcok-co/pipebroker/core/pkg/expand"
	"github.com/madcok-co/pipebroker/core/pkg/logging"
	"github.com/madcok-co/pipebroker/core/pkg/payload"
)

// Lifecycle identifies a Broker's position in its construction/teardown
// sequence.
type Lifecycle int

const (
	Uninitialized Lifecycle = iota
	Initialized
	ShuttingDown
)

// MessageHandler receives payloads delivered to a subscription.
type MessageHandler interface {
	OnMessageReceived(p *payload.Payload)
}

// PublishHandler observes an async publish's per-target completions.
type PublishHandler interface {
	OnPublished(publisherName, messageID string, p *payload.Payload, success bool)
}

// cancelEntry is one adapter-level subscription a broker token fans out to.
type cancelEntry struct {
	client       adapter.Client
	adapterToken int64
}

// Broker is the routing core. One Broker owns exactly one reserved loopback
// target plus whatever targets and pipes its configuration describes.
type Broker struct {
	logger logging.Logger

	configCanonical string
	creds           adapter.Credentials
	uniqueFlag      bool

	mu        sync.RWMutex
	lifecycle Lifecycle
	targets   map[string]*Target
	order     []string // target insertion order; loopback is always order[0]
	factories map[string]adapter.Factory

	cancellation map[int64][]cancelEntry

	macros *expand.Macros

	loopback *loopback.Client

	// release is set by the instance registry when it hands out this
	// broker in shared mode, so Shutdown can deregister itself. Nil for a
	// unique-mode broker.
	release func()
}

// Open validates configJSON as a JSON object and constructs a Broker seeded
// with the reserved loopback target and the built-in protocol factories.
// It does not yet read "targets"/"pipes" - that happens in Initialize, so a
// caller may AddFactory a custom protocol in between.
func Open(configJSON json.RawMessage, creds adapter.Credentials, uniqueFlag bool, logger logging.Logger) (*Broker, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	if len(configJSON) == 0 {
		configJSON = json.RawMessage("{}")
	}
	if _, err := ParseConfig(configJSON); err != nil {
		return nil, err
	}

	b := &Broker{
		logger:          logger.Named("broker"),
		configCanonical: string(configJSON),
		creds:           creds,
		uniqueFlag:      uniqueFlag,
		targets:         make(map[string]*Target),
		factories:       make(map[string]adapter.Factory),
		cancellation:    make(map[int64][]cancelEntry),
		macros:          expand.NewMacros(),
	}

	for _, f := range []adapter.Factory{
		loopback.Factory{},
		file.Factory{},
		gpio.Factory{},
		mqtt.Factory{},
		s3.Factory{},
		redis.Factory{},
		kafka.Factory{},
	} {
		if err := b.AddFactory(f); err != nil {
			// Built-in registration failing would only mean a duplicate
			// protocol name among this fixed list, which never happens; kept
			// as a warning rather than a panic so a future built-in can be
			// added without an internal invariant turning into a crash.
			b.logger.Warn("built-in factory registration failed", "protocol", f.ProtocolName(), "error", err)
		}
	}

	lb := loopback.NewClient(logger.Named("loopback"))
	b.loopback = lb
	b.targets[loopback.Name] = newTarget(loopback.Name, loopback.Name, lb, loopback.Factory{})
	b.order = append(b.order, loopback.Name)

	return b, nil
}

// ConfigCanonical returns the exact configuration text this broker was
// opened with, the key the instance registry uses for shared-mode caching.
func (b *Broker) ConfigCanonical() string { return b.configCanonical }

// SetReleaseHook installs the callback Shutdown invokes, after stopping its
// internal queues and before clearing its factory table, to deregister
// itself from whatever Instance Registry handed it out in shared mode. A
// unique-mode broker is never given one.
func (b *Broker) SetReleaseHook(release func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.release = release
}

// AddFactory registers f under its protocol name. Callable any time before
// Initialize reads the configuration's targets; a duplicate protocol name is
// rejected, including against a built-in.
func (b *Broker) AddFactory(f adapter.Factory) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	name := f.ProtocolName()
	if _, exists := b.factories[name]; exists {
		return fmt.Errorf("broker: factory for protocol %q already registered: %w", name, adapter.ErrInvalidArgument)
	}
	b.factories[name] = f
	return nil
}

// Initialize reads the configuration's targets and pipes, constructing one
// Client per target and validating every pipe destination. It is idempotent:
// a second call returns nil without re-reading the configuration.
func (b *Broker) Initialize(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.lifecycle != Uninitialized {
		return nil
	}

	cfg, err := ParseConfig(json.RawMessage(b.configCanonical))
	if err != nil {
		return err
	}

	for _, tc := range cfg.Targets {
		if tc.Protocol == "" || tc.Name == "" {
			return fmt.Errorf("broker: target requires protocol and name: %w", adapter.ErrInvalidArgument)
		}
		if _, exists := b.targets[tc.Name]; exists {
			return fmt.Errorf("broker: duplicate target name %q: %w", tc.Name, adapter.ErrInvalidArgument)
		}
		factory, ok := b.factories[tc.Protocol]
		if !ok {
			return fmt.Errorf("broker: unknown protocol %q for target %q: %w", tc.Protocol, tc.Name, adapter.ErrNotFound)
		}

		client, err := factory.CreateClient(ctx, tc.Options, b.creds)
		if err != nil {
			return fmt.Errorf("broker: create client for target %q: %w", tc.Name, err)
		}

		target := newTarget(tc.Name, tc.Protocol, client, factory)
		for _, rawSub := range tc.Subscriptions {
			sub, err := factory.CreateSubscription(rawSub)
			if err != nil {
				return fmt.Errorf("broker: create subscription for target %q: %w", tc.Name, err)
			}
			if !target.addSubscription(sub.SubscriptionID(), sub) {
				return fmt.Errorf("broker: duplicate subscription_id %q for target %q: %w", sub.SubscriptionID(), tc.Name, adapter.ErrInvalidArgument)
			}
		}

		b.targets[tc.Name] = target
		b.order = append(b.order, tc.Name)
	}

	for _, pc := range cfg.Pipes {
		if pc.MessageID == "" {
			return fmt.Errorf("broker: pipe requires message_id: %w", adapter.ErrInvalidArgument)
		}
		if len(pc.Destinations) == 0 {
			return fmt.Errorf("broker: pipe %q requires at least one destination: %w", pc.MessageID, adapter.ErrInvalidArgument)
		}
		compiled, err := expand.Compile(pc.MessageID)
		if err != nil {
			return fmt.Errorf("broker: pipe %q: %w: %v", pc.MessageID, adapter.ErrInvalidArgument, err)
		}

		for _, dc := range pc.Destinations {
			if dc.TargetName == "" {
				return fmt.Errorf("broker: pipe %q: destination requires target_name: %w", pc.MessageID, adapter.ErrInvalidArgument)
			}
			target, ok := b.targets[dc.TargetName]
			if !ok {
				return fmt.Errorf("broker: pipe %q: unknown target %q: %w", pc.MessageID, dc.TargetName, adapter.ErrNotFound)
			}
			tpl, ok := dc.MessageOptions(target.Protocol)
			if !ok {
				return fmt.Errorf("broker: pipe %q: destination %q requires %s_message_options: %w", pc.MessageID, dc.TargetName, target.Protocol, adapter.ErrInvalidArgument)
			}
			if err := target.Factory.ValidateMessageOptions(tpl); err != nil {
				return fmt.Errorf("broker: pipe %q: destination %q: %w", pc.MessageID, dc.TargetName, err)
			}
			if err := expand.ValidateTemplate(string(tpl)); err != nil {
				return fmt.Errorf("broker: pipe %q: destination %q: %w: %v", pc.MessageID, dc.TargetName, adapter.ErrInvalidArgument, err)
			}
			target.addPipe(pc.MessageID, compiled, tpl)
		}
	}

	b.lifecycle = Initialized
	return nil
}

// Publish routes one outbound payload under messageID to every matching
// target: loopback always, unconditionally, keyed on messageID as its
// subscription_id; every other target only if one of its pipe patterns
// matches messageID, in which case the pattern's captures are substituted
// into the destination's option template, macro-expanded, and handed to the
// target's Factory to build the adapter Message. async selects
// Client.PublishAsync (with handler.OnPublished wired as the completion
// callback) over a blocking Client.Publish.
func (b *Broker) Publish(ctx context.Context, messageID string, p *payload.Payload, async bool, handler PublishHandler) error {
	b.mu.RLock()
	if b.lifecycle != Initialized {
		b.mu.RUnlock()
		return fmt.Errorf("broker: publish before initialize: %w", adapter.ErrInvalidState)
	}
	names := make([]string, len(b.order))
	copy(names, b.order)
	targets := make(map[string]*Target, len(b.targets))
	for k, v := range b.targets {
		targets[k] = v
	}
	macros := b.macros
	b.mu.RUnlock()

	for _, name := range names {
		target := targets[name]

		var msg adapter.Message
		if name == loopback.Name {
			msg = loopback.NewMessage(p, messageID)
		} else {
			entry, matched := target.matchAny(messageID)
			if !matched {
				continue
			}
			substituted := expand.Substitute(string(entry.template), entry.captures)
			expanded := macros.Expand(substituted, p)

			var err error
			msg, err = target.Factory.CreateMessage(p, json.RawMessage(expanded))
			if err != nil {
				return fmt.Errorf("broker: create message for target %q: %w", name, err)
			}
		}

		if !async {
			if err := target.Client.Publish(ctx, msg); err != nil {
				return fmt.Errorf("broker: publish to target %q: %w", name, err)
			}
			continue
		}

		if err := target.Client.PublishAsync(ctx, msg, func(publisherName string, _ adapter.Message, success bool) {
			if handler != nil {
				handler.OnPublished(publisherName, messageID, p, success)
			}
		}); err != nil {
			return fmt.Errorf("broker: publish_async to target %q: %w", name, err)
		}
	}
	return nil
}

// Subscribe registers handler under subscriptionID against every target that
// knows about it - the reserved loopback target unconditionally (loopback
// subscriptions are created ad hoc, not pre-declared in configuration), plus
// every configured target whose "<protocol>_subscriptions" list named
// subscriptionID at Initialize. The token loopback's own Subscribe returns
// becomes the broker-level token every caller deals with; every adapter
// token this call produces (including loopback's) is recorded under it so a
// single Unsubscribe tears down the whole fan-out. Steps run under one lock
// so concurrent subscribes observe consistent target state.
func (b *Broker) Subscribe(subscriptionID string, handler MessageHandler) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.lifecycle != Initialized {
		return 0, fmt.Errorf("broker: subscribe before initialize: %w", adapter.ErrInvalidState)
	}
	if handler == nil {
		return 0, fmt.Errorf("broker: handler is required: %w", adapter.ErrInvalidArgument)
	}

	onMessage := func(p *payload.Payload) { handler.OnMessageReceived(p) }

	brokerToken, err := b.loopback.Subscribe(loopback.Subscription{ID: subscriptionID}, onMessage)
	if err != nil {
		return 0, fmt.Errorf("broker: loopback subscribe: %w", err)
	}
	entries := []cancelEntry{{client: b.loopback, adapterToken: brokerToken}}

	for name, target := range b.targets {
		if name == loopback.Name {
			continue
		}
		sub, ok := target.subscriptionFor(subscriptionID)
		if !ok {
			continue
		}
		adapterToken, err := target.Client.Subscribe(sub, onMessage)
		if err != nil {
			b.logger.Warn("target subscribe failed", "target", name, "subscription_id", subscriptionID, "error", err)
			continue
		}
		entries = append(entries, cancelEntry{client: target.Client, adapterToken: adapterToken})
	}

	b.cancellation[brokerToken] = entries
	return brokerToken, nil
}

// Unsubscribe tears down every adapter-level subscription recorded under
// brokerToken. An unknown token is logged and treated as a no-op success,
// matching spec.md's "unknown token is not an error" stance.
func (b *Broker) Unsubscribe(brokerToken int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries, ok := b.cancellation[brokerToken]
	if !ok {
		b.logger.Warn("unsubscribe: unknown broker token", "token", brokerToken)
		return nil
	}
	delete(b.cancellation, brokerToken)

	for _, e := range entries {
		if _, err := e.client.Unsubscribe(e.adapterToken); err != nil {
			b.logger.Warn("adapter unsubscribe failed", "error", err)
		}
	}
	return nil
}

// Shutdown tears the broker down in the order spec.md fixes: stop internal
// job queues, deregister from the instance registry, clear the factory
// table, then close every protocol client. Safe to call more than once.
func (b *Broker) Shutdown(context.Context) error {
	b.mu.Lock()
	if b.lifecycle == ShuttingDown {
		b.mu.Unlock()
		return nil
	}
	b.lifecycle = ShuttingDown
	release := b.release
	targets := make([]*Target, 0, len(b.targets))
	for _, t := range b.targets {
		targets = append(targets, t)
	}
	b.mu.Unlock()

	// loopback's Close also stops its queue.Queue; calling it first gives
	// the queue-stop step its own place in the sequence even though the
	// general Close loop below reaches the same client again (Stop is
	// idempotent).
	b.loopback.Close()

	if release != nil {
		release()
	}

	b.mu.Lock()
	b.factories = make(map[string]adapter.Factory)
	b.mu.Unlock()

	var firstErr error
	for _, t := range targets {
		if err := t.Client.Close(); err != nil {
			b.logger.Warn("target close failed", "target", t.Name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
