// Package loopback implements the always-present in-process Protocol
// Adapter: delivery is a direct fan-out to local subscribers filtered by
// subscription_id equality. Grounded on
// core/pkg/adapters/broker/memory/memory.go from the framework this module
// grew out of, restructured from the generic contracts.Broker interface
// onto the Protocol Adapter factory/client contract, and with its
// goroutine-per-publish fan-out replaced by the shared queue.Queue
// primitive for the async path (spec.md requires FIFO per loopback client,
// which unordered goroutines cannot guarantee).
package loopback

import (
	"context"
	"encoding/json"

	"github.com/madcok-co/pipebroker/core/pkg/adapter"
	"github.com/madcok-co/pipebroker/core/pkg/logging"
	"github.com/madcok-co/pipebroker/core/pkg/payload"
	"github.com/madcok-co/pipebroker/core/pkg/queue"
)

// Name is the reserved, always-present target protocol and name.
const Name = "loopback"

// Subscription binds a loopback delivery to a subscription_id.
type Subscription struct {
	ID string
}

// SubscriptionID implements adapter.Subscription.
func (s Subscription) SubscriptionID() string { return s.ID }

// subscriptionOptions is the JSON shape CreateSubscription parses.
type subscriptionOptions struct {
	SubscriptionID string `json:"subscription_id"`
}

// Message is the loopback ProtocolMessage: a Payload plus the
// subscription_id it routes on. The routing core constructs this directly
// (spec.md §4.4 step 2: loopback receives unconditionally, bypassing
// pattern matching), so Factory.CreateMessage is never the only path to one
// - NewMessage is exported for the broker to call.
type Message struct {
	Payload        *payload.Payload
	SubscriptionID string
}

// NewMessage builds a loopback Message for subscriptionID (conventionally
// the outbound message_id, per spec.md §4.4).
func NewMessage(p *payload.Payload, subscriptionID string) *Message {
	return &Message{Payload: p, SubscriptionID: subscriptionID}
}

// Factory constructs loopback clients. There is exactly one per Broker,
// seeded automatically - user configuration never needs a "loopback" entry
// in targets, though referring to it by name in a pipe destination is
// allowed per spec.md §6.
type Factory struct{}

func (Factory) ProtocolName() string { return Name }

func (Factory) CreateClient(_ context.Context, _ json.RawMessage, _ adapter.Credentials) (adapter.Client, error) {
	return NewClient(nil), nil
}

// ValidateMessageOptions always succeeds: loopback does not use JSON
// options, per spec.md §6.
func (Factory) ValidateMessageOptions(json.RawMessage) error { return nil }

func (Factory) CreateMessage(p *payload.Payload, expandedOptions json.RawMessage) (adapter.Message, error) {
	var opts subscriptionOptions
	if len(expandedOptions) > 0 {
		_ = json.Unmarshal(expandedOptions, &opts)
	}
	return NewMessage(p, opts.SubscriptionID), nil
}

func (Factory) CreateSubscription(options json.RawMessage) (adapter.Subscription, error) {
	var opts subscriptionOptions
	if err := json.Unmarshal(options, &opts); err != nil {
		return nil, err
	}
	if opts.SubscriptionID == "" {
		return nil, adapter.ErrInvalidArgument
	}
	return Subscription{ID: opts.SubscriptionID}, nil
}

// Client is the loopback transport: subscriptions live in adapter.BaseClient,
// and the async path hands delivery to a single-consumer queue.Queue so
// async publishes stay FIFO.
type Client struct {
	*adapter.BaseClient
	q      *queue.Queue
	logger logging.Logger
}

// NewClient constructs and starts a loopback client. A nil logger uses
// logging.Nop().
func NewClient(logger logging.Logger) *Client {
	if logger == nil {
		logger = logging.Nop()
	}
	c := &Client{
		BaseClient: adapter.NewBaseClient(),
		logger:     logger,
	}
	c.q = queue.New(256, logger)
	c.q.SetName(Name)
	c.q.SetProcessor(func(item any) error {
		msg := item.(*Message)
		return c.Publish(context.Background(), msg)
	})
	c.q.Start()
	return c
}

func (c *Client) FriendlyName() string { return Name }

// Publish delivers msg synchronously to every subscription whose
// subscription_id equals msg.SubscriptionID, in registration order.
func (c *Client) Publish(_ context.Context, m adapter.Message) error {
	msg, ok := m.(*Message)
	if !ok {
		return adapter.ErrInvalidArgument
	}
	c.Dispatch(msg.Payload, func(s adapter.Subscription) bool {
		return s.SubscriptionID() == msg.SubscriptionID
	}, c.logger)
	return nil
}

// PublishAsync enqueues msg for FIFO delivery by the consumer. Per
// spec.md §4.3, a publish with no matching local subscription never reaches
// the queue and never invokes onComplete - a deliberate asymmetry with the
// synchronous path.
func (c *Client) PublishAsync(_ context.Context, m adapter.Message, onComplete adapter.OnComplete) error {
	msg, ok := m.(*Message)
	if !ok {
		return adapter.ErrInvalidArgument
	}

	matched := false
	for _, e := range c.Snapshot() {
		if e.sub.SubscriptionID() == msg.SubscriptionID {
			matched = true
			break
		}
	}
	if !matched {
		return nil
	}

	c.q.Enqueue(msg, func(_ any, err error) {
		if onComplete != nil {
			onComplete(c.FriendlyName(), msg, err == nil)
		}
	})
	return nil
}

func (c *Client) Subscribe(sub adapter.Subscription, onMessage adapter.OnMessage) (int64, error) {
	return c.AddSubscription(sub, onMessage), nil
}

func (c *Client) Unsubscribe(token int64) (bool, error) {
	return c.RemoveSubscription(token), nil
}

// Reconnect is a no-op: loopback has no underlying connection.
func (c *Client) Reconnect(context.Context) error { return nil }

func (c *Client) Close() error {
	c.q.Stop()
	return nil
}

var (
	_ adapter.Factory = Factory{}
	_ adapter.Client  = (*Client)(nil)
)
