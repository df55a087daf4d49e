// Package mqtt implements the MQTT Protocol Adapter on top of
// github.com/eclipse/paho.golang's autopaho connection manager, grounded on
// the publisher shape in other_examples' thane-ai-agent mqtt publisher:
// an autopaho.ConnectionManager built from a broker URL plus credentials,
// OnConnectionUp re-subscribing every configured topic (autopaho does not
// resubscribe automatically), and a recovered inbound handler.
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/madcok-co/pipebroker/core/pkg/adapter"
	"github.com/madcok-co/pipebroker/core/pkg/logging"
	"github.com/madcok-co/pipebroker/core/pkg/payload"
	"github.com/madcok-co/pipebroker/core/pkg/validate"
)

// Name is the protocol name registered for this adapter.
const Name = "mqtt"

// creationOptions is the JSON shape passed to CreateClient: the broker URL
// and connection tuning. Username/password travel via adapter.Credentials,
// not here, per spec.md's create_client(options, credentials) split.
type creationOptions struct {
	BrokerURL string `json:"broker_url"`
	ClientID  string `json:"client_id"`
	KeepAlive uint16 `json:"keep_alive_seconds"`
}

// messageOptions is a target's per-publish option template: the topic and
// QoS a given message_id pattern routes to.
type messageOptions struct {
	Topic  string `json:"topic" validate:"required"`
	QoS    byte   `json:"qos" validate:"lte=2"`
	Retain bool   `json:"retain"`
}

func (o messageOptions) validate() error {
	if err := validate.Struct(o); err != nil {
		return fmt.Errorf("mqtt adapter: %w: %v", adapter.ErrInvalidArgument, err)
	}
	return nil
}

// subscriptionOptions names the topic filter a subscription binds to and
// the subscription_id it reports payloads under.
type subscriptionOptions struct {
	Topic          string `json:"topic"`
	QoS            byte   `json:"qos"`
	SubscriptionID string `json:"subscription_id"`
}

// Subscription is an MQTT topic filter bound to a subscription_id.
type Subscription struct {
	Topic string
	QoS   byte
	ID    string
}

func (s Subscription) SubscriptionID() string { return s.ID }

// Message pairs a Payload with the resolved MQTT publish parameters.
type Message struct {
	Payload *payload.Payload
	Topic   string
	QoS     byte
	Retain  bool
}

// Factory constructs mqtt clients from a broker URL.
type Factory struct{}

func (Factory) ProtocolName() string { return Name }

func (Factory) CreateClient(ctx context.Context, raw json.RawMessage, creds adapter.Credentials) (adapter.Client, error) {
	var o creationOptions
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, fmt.Errorf("mqtt adapter: %w: %v", adapter.ErrInvalidArgument, err)
	}
	if o.BrokerURL == "" {
		return nil, fmt.Errorf("mqtt adapter: broker_url is required: %w", adapter.ErrInvalidArgument)
	}
	return NewClient(ctx, o, creds, nil)
}

func (Factory) ValidateMessageOptions(raw json.RawMessage) error {
	var o messageOptions
	if err := json.Unmarshal(raw, &o); err != nil {
		return fmt.Errorf("mqtt adapter: %w: %v", adapter.ErrInvalidArgument, err)
	}
	return o.validate()
}

func (Factory) CreateMessage(p *payload.Payload, expandedOptions json.RawMessage) (adapter.Message, error) {
	var o messageOptions
	if err := json.Unmarshal(expandedOptions, &o); err != nil {
		return nil, fmt.Errorf("mqtt adapter: %w: %v", adapter.ErrInvalidArgument, err)
	}
	if err := o.validate(); err != nil {
		return nil, err
	}
	return &Message{Payload: p, Topic: o.Topic, QoS: o.QoS, Retain: o.Retain}, nil
}

func (Factory) CreateSubscription(raw json.RawMessage) (adapter.Subscription, error) {
	var o subscriptionOptions
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, fmt.Errorf("mqtt adapter: %w: %v", adapter.ErrInvalidArgument, err)
	}
	if o.Topic == "" || o.SubscriptionID == "" {
		return nil, fmt.Errorf("mqtt adapter: topic and subscription_id are required: %w", adapter.ErrInvalidArgument)
	}
	return Subscription{Topic: o.Topic, QoS: o.QoS, ID: o.SubscriptionID}, nil
}

// Client wraps an autopaho connection manager plus the local subscription
// table every adapter client carries via adapter.BaseClient.
type Client struct {
	*adapter.BaseClient
	logger logging.Logger

	cm *autopaho.ConnectionManager

	mu     sync.RWMutex
	topics map[string]struct{} // topics with an active MQTT-level SUBSCRIBE
}

// NewClient parses brokerURL, opens an autopaho connection and installs the
// inbound dispatcher. It then waits up to 30 seconds for the first
// connection; if that wait fails it logs a warning and returns the client
// anyway, while autopaho keeps connecting and reconnecting in the background.
func NewClient(ctx context.Context, o creationOptions, creds adapter.Credentials, logger logging.Logger) (*Client, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	brokerURL, err := url.Parse(o.BrokerURL)
	if err != nil {
		return nil, fmt.Errorf("mqtt adapter: parse broker_url: %w: %v", adapter.ErrInvalidArgument, err)
	}

	c := &Client{
		BaseClient: adapter.NewBaseClient(),
		logger:     logger,
		topics:     make(map[string]struct{}),
	}

	clientID := o.ClientID
	if clientID == "" {
		clientID = "pipebroker-mqtt"
	}
	keepAlive := o.KeepAlive
	if keepAlive == 0 {
		keepAlive = 30
	}

	cfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       keepAlive,
		ConnectUsername: creds["username"],
		ConnectPassword: []byte(creds["password"]),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			c.resubscribeAll(context.Background(), cm)
		},
		OnConnectError: func(err error) {
			c.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					c.dispatchInbound(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		cfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("mqtt adapter: connect: %w: %v", adapter.ErrGenericFail, err)
	}
	c.cm = cm

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		c.logger.Warn("mqtt initial connection timed out, retrying in background", "error", err)
	}

	return c, nil
}

func (c *Client) FriendlyName() string { return Name }

func (c *Client) Publish(ctx context.Context, m adapter.Message) error {
	msg, ok := m.(*Message)
	if !ok {
		return adapter.ErrInvalidArgument
	}
	if c.cm == nil {
		return fmt.Errorf("mqtt adapter: %w: not connected", adapter.ErrInvalidState)
	}
	_, err := c.cm.Publish(ctx, &paho.Publish{
		Topic:   msg.Topic,
		Payload: msg.Payload.Bytes,
		QoS:     msg.QoS,
		Retain:  msg.Retain,
	})
	if err != nil {
		return fmt.Errorf("mqtt adapter: publish: %w: %v", adapter.ErrGenericFail, err)
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
			c.logger.Warn("mqtt async publish failed", "error", err)
		}
	}()
	return nil
}

func (c *Client) Subscribe(sub adapter.Subscription, onMessage adapter.OnMessage) (int64, error) {
	mqttSub, ok := sub.(Subscription)
	if !ok {
		return 0, adapter.ErrInvalidArgument
	}
	token := c.AddSubscription(sub, onMessage)

	c.mu.Lock()
	_, already := c.topics[mqttSub.Topic]
	c.topics[mqttSub.Topic] = struct{}{}
	c.mu.Unlock()

	if !already && c.cm != nil {
		if _, err := c.cm.Subscribe(context.Background(), &paho.Subscribe{
			Subscriptions: []paho.SubscribeOptions{{Topic: mqttSub.Topic, QoS: mqttSub.QoS}},
		}); err != nil {
			c.RemoveSubscription(token)
			return 0, fmt.Errorf("mqtt adapter: subscribe: %w: %v", adapter.ErrGenericFail, err)
		}
	}
	return token, nil
}

func (c *Client) Unsubscribe(token int64) (bool, error) {
	return c.RemoveSubscription(token), nil
}

// Reconnect does not start a new connection itself: autopaho manages retries
// internally, so this waits for the manager's own reconnect loop to report a
// live connection, until ctx is done.
func (c *Client) Reconnect(ctx context.Context) error {
	if c.cm == nil {
		return fmt.Errorf("mqtt adapter: %w: not connected", adapter.ErrInvalidState)
	}
	return c.cm.AwaitConnection(ctx)
}

func (c *Client) Close() error {
	if c.cm == nil {
		return nil
	}
	return c.cm.Disconnect(context.Background())
}

// resubscribeAll re-issues SUBSCRIBE for every topic with a live local
// subscription. Called on every (re-)connect since autopaho does not
// resubscribe automatically after a dropped connection.
func (c *Client) resubscribeAll(ctx context.Context, cm *autopaho.ConnectionManager) {
	c.mu.RLock()
	topics := make([]string, 0, len(c.topics))
	for t := range c.topics {
		topics = append(topics, t)
	}
	c.mu.RUnlock()
	if len(topics) == 0 {
		return
	}

	opts := make([]paho.SubscribeOptions, len(topics))
	for i, t := range topics {
		opts[i] = paho.SubscribeOptions{Topic: t}
	}
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{Subscriptions: opts}); err != nil {
		c.logger.Error("mqtt resubscribe failed", "error", err, "topics", topics)
	}
}

func (c *Client) dispatchInbound(topic string, bytes []byte) {
	p := payload.New(bytes)
	c.Dispatch(p, func(s adapter.Subscription) bool {
		mqttSub, ok := s.(Subscription)
		return ok && mqttSub.Topic == topic
	}, c.logger)
}

var (
	_ adapter.Factory = Factory{}
	_ adapter.Client  = (*Client)(nil)
)
