// Package adapter defines the Protocol Adapter contract: the capability set
// every transport (loopback, file, mqtt, s3, gpio, redis, kafka, or a
// user-registered protocol) must satisfy to plug into the routing core.
package adapter

import (
	"context"
	"encoding/json"

	"github.com/madcok-co/pipebroker/core/pkg/payload"
)

// Credentials carries adapter-specific secrets (API keys, TLS material,
// connection strings) into CreateClient. spec.md names credentials as a
// create_client parameter without typing it; this is the narrowest type
// that satisfies the signature.
type Credentials map[string]string

// Message is the adapter-defined, short-lived ProtocolMessage produced by
// CreateMessage and consumed by Client.Publish/PublishAsync. It carries a
// Payload plus adapter-specific routing fields (topic, bucket/key,
// filename, ...), opaque to the routing core.
type Message any

// Subscription is the adapter-defined, opaque object a factory builds from
// a JSON option blob. The routing core only ever needs its subscription id
// back, to match against a broker-level subscribe call.
type Subscription interface {
	SubscriptionID() string
}

// OnMessage delivers an inbound Payload to a local subscriber.
type OnMessage func(p *payload.Payload)

// OnComplete reports the outcome of an asynchronous publish. publisherName
// is the adapter's FriendlyName, so a broker-level caller can tell which
// target produced a given completion when multiple targets matched.
type OnComplete func(publisherName string, msg Message, success bool)

// Factory constructs adapter clients, messages and subscriptions for one
// protocol. One Factory is registered per protocol name on a Broker.
type Factory interface {
	// ProtocolName returns the protocol this factory serves, e.g. "mqtt".
	ProtocolName() string

	// CreateClient validates creationOptions and constructs the transport.
	CreateClient(ctx context.Context, creationOptions json.RawMessage, creds Credentials) (Client, error)

	// ValidateMessageOptions performs a pure structural check of a
	// destination's option template, independent of any concrete payload.
	ValidateMessageOptions(options json.RawMessage) error

	// CreateMessage binds p to the already-expanded option JSON, producing
	// the adapter-specific Message a Client can publish.
	CreateMessage(p *payload.Payload, expandedOptions json.RawMessage) (Message, error)

	// CreateSubscription builds a Subscription from an option blob. An
	// adapter that cannot receive (e.g. s3) returns ErrNotImplemented.
	CreateSubscription(options json.RawMessage) (Subscription, error)
}

// Client is the live, connected transport a Factory produced.
type Client interface {
	// FriendlyName identifies this client in async completion callbacks.
	// The loopback client always returns "loopback".
	FriendlyName() string

	// Publish sends msg synchronously, returning when the transport
	// accepted or rejected it.
	Publish(ctx context.Context, msg Message) error

	// PublishAsync accepts msg for delivery and returns immediately; onComplete
	// fires from an adapter-internal worker once the send resolves.
	PublishAsync(ctx context.Context, msg Message, onComplete OnComplete) error

	// Subscribe registers sub for delivery, invoking onMessage for every
	// inbound Payload. It returns a stable, positive, per-client token;
	// duplicate tokens are forbidden.
	Subscribe(sub Subscription, onMessage OnMessage) (int64, error)

	// Unsubscribe removes a prior subscription. An unknown token is not an
	// error; found reports whether a subscription was actually removed.
	Unsubscribe(token int64) (found bool, err error)

	// Reconnect re-establishes the underlying transport connection.
	Reconnect(ctx context.Context) error

	// Close releases the client's resources.
	Close() error
}
