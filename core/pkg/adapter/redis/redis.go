// Package redis implements the Redis Protocol Adapter over Redis Pub/Sub,
// using github.com/redis/go-redis/v9. Client construction (goredis.NewClient
// with an Options{Addr, Password} built from creation options/credentials)
// is grounded on contrib/cache/redis/driver.go's NewDriver; the actual
// transport here is Publish/Subscribe rather than that driver's key-value
// cache operations, since spec.md calls for a message-bus adapter, not a
// cache.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	goredis "github.com/redis/go-redis/v9"

	"github.com/madcok-co/pipebroker/core/pkg/adapter"
	"github.com/madcok-co/pipebroker/core/pkg/logging"
	"github.com/madcok-co/pipebroker/core/pkg/payload"
)

// Name is the protocol name registered for this adapter.
const Name = "redis"

// creationOptions configures the Redis client connection.
type creationOptions struct {
	Addr string `json:"addr"`
	DB   int    `json:"db"`
}

// messageOptions names the channel a message_id pattern publishes to.
type messageOptions struct {
	Channel string `json:"channel"`
}

func (o messageOptions) validate() error {
	if o.Channel == "" {
		return fmt.Errorf("redis adapter: channel is required: %w", adapter.ErrInvalidArgument)
	}
	return nil
}

// subscriptionOptions names the channel a subscription listens on.
type subscriptionOptions struct {
	Channel        string `json:"channel"`
	SubscriptionID string `json:"subscription_id"`
}

// Subscription is a Redis channel bound to a subscription_id.
type Subscription struct {
	Channel string
	ID      string
}

func (s Subscription) SubscriptionID() string { return s.ID }

// Message pairs a Payload with its target channel.
type Message struct {
	Payload *payload.Payload
	Channel string
}

// Factory constructs redis clients.
type Factory struct{}

func (Factory) ProtocolName() string { return Name }

func (Factory) CreateClient(ctx context.Context, raw json.RawMessage, creds adapter.Credentials) (adapter.Client, error) {
	var o creationOptions
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, fmt.Errorf("redis adapter: %w: %v", adapter.ErrInvalidArgument, err)
	}
	if o.Addr == "" {
		return nil, fmt.Errorf("redis adapter: addr is required: %w", adapter.ErrInvalidArgument)
	}
	return NewClient(ctx, o, creds, nil)
}

func (Factory) ValidateMessageOptions(raw json.RawMessage) error {
	var o messageOptions
	if err := json.Unmarshal(raw, &o); err != nil {
		return fmt.Errorf("redis adapter: %w: %v", adapter.ErrInvalidArgument, err)
	}
	return o.validate()
}

func (Factory) CreateMessage(p *payload.Payload, expandedOptions json.RawMessage) (adapter.Message, error) {
	var o messageOptions
	if err := json.Unmarshal(expandedOptions, &o); err != nil {
		return nil, fmt.Errorf("redis adapter: %w: %v", adapter.ErrInvalidArgument, err)
	}
	if err := o.validate(); err != nil {
		return nil, err
	}
	return &Message{Payload: p, Channel: o.Channel}, nil
}

func (Factory) CreateSubscription(raw json.RawMessage) (adapter.Subscription, error) {
	var o subscriptionOptions
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, fmt.Errorf("redis adapter: %w: %v", adapter.ErrInvalidArgument, err)
	}
	if o.Channel == "" || o.SubscriptionID == "" {
		return nil, fmt.Errorf("redis adapter: channel and subscription_id are required: %w", adapter.ErrInvalidArgument)
	}
	return Subscription{Channel: o.Channel, ID: o.SubscriptionID}, nil
}

// Client wraps a go-redis client; each subscribed channel gets its own
// *redis.PubSub with a goroutine relaying into the shared subscription
// table.
type Client struct {
	*adapter.BaseClient
	client *goredis.Client
	logger logging.Logger

	mu    sync.Mutex
	pubs  map[string]*goredis.PubSub
	stops map[string]chan struct{}
}

func NewClient(ctx context.Context, o creationOptions, creds adapter.Credentials, logger logging.Logger) (*Client, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     o.Addr,
		Password: creds["password"],
		DB:       o.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis adapter: ping: %w: %v", adapter.ErrGenericFail, err)
	}
	return &Client{
		BaseClient: adapter.NewBaseClient(),
		client:     rdb,
		logger:     logger,
		pubs:       make(map[string]*goredis.PubSub),
		stops:      make(map[string]chan struct{}),
	}, nil
}

func (c *Client) FriendlyName() string { return Name }

func (c *Client) Publish(ctx context.Context, m adapter.Message) error {
	msg, ok := m.(*Message)
	if !ok {
		return adapter.ErrInvalidArgument
	}
	if err := c.client.Publish(ctx, msg.Channel, msg.Payload.Bytes).Err(); err != nil {
		return fmt.Errorf("redis adapter: publish: %w: %v", adapter.ErrGenericFail, err)
	}
	return nil
}

func (c *Client) PublishAsync(ctx context.Context, m adapter.Message, onComplete adapter.OnComplete) error {
	go func() {
		err := c.Publish(ctx, m)
		if onComplete != nil {
			onComplete(c.FriendlyName(), m, err == nil)
		}
		if err != nil {
			c.logger.Warn("redis async publish failed", "error", err)
		}
	}()
	return nil
}

// Subscribe opens a PubSub for sub's channel the first time it is
// subscribed, relaying every message to every local subscription on that
// channel.
func (c *Client) Subscribe(sub adapter.Subscription, onMessage adapter.OnMessage) (int64, error) {
	redisSub, ok := sub.(Subscription)
	if !ok {
		return 0, adapter.ErrInvalidArgument
	}
	token := c.AddSubscription(sub, onMessage)

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.pubs[redisSub.Channel]; exists {
		return token, nil
	}

	ps := c.client.Subscribe(context.Background(), redisSub.Channel)
	stop := make(chan struct{})
	c.pubs[redisSub.Channel] = ps
	c.stops[redisSub.Channel] = stop

	go c.relay(redisSub.Channel, ps, stop)
	return token, nil
}

func (c *Client) relay(channel string, ps *goredis.PubSub, stop chan struct{}) {
	ch := ps.Channel()
	for {
		select {
		case <-stop:
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			p := payload.New([]byte(m.Payload))
			c.Dispatch(p, func(s adapter.Subscription) bool {
				redisSub, ok := s.(Subscription)
				return ok && redisSub.Channel == channel
			}, c.logger)
		}
	}
}

func (c *Client) Unsubscribe(token int64) (bool, error) {
	return c.RemoveSubscription(token), nil
}

func (c *Client) Reconnect(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Client) Close() error {
	c.mu.Lock()
	for channel, ps := range c.pubs {
		close(c.stops[channel])
		_ = ps.Close()
	}
	c.pubs = make(map[string]*goredis.PubSub)
	c.stops = make(map[string]chan struct{})
	c.mu.Unlock()
	return c.client.Close()
}

var (
	_ adapter.Factory = Factory{}
	_ adapter.Client  = (*Client)(nil)
)
