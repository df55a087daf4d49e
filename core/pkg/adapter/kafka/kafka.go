// Package kafka implements the Kafka Protocol Adapter on top of
// github.com/IBM/sarama, adapted from contrib/broker/kafka/driver.go:
// buildSaramaConfig's version/producer/consumer-group setup, the
// sarama.SyncProducer for publish, and the consumerGroupHandler/ConsumeClaim
// shape for inbound delivery, narrowed from that driver's generic
// multi-topic contracts.Broker surface down to the single-client,
// subscription-table shape every adapter here shares.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/madcok-co/pipebroker/core/pkg/adapter"
	"github.com/madcok-co/pipebroker/core/pkg/logging"
	"github.com/madcok-co/pipebroker/core/pkg/payload"
)

// Name is the protocol name registered for this adapter.
const Name = "kafka"

// creationOptions configures the Sarama client and consumer group.
type creationOptions struct {
	Brokers []string `json:"brokers"`
	GroupID string   `json:"group_id"`
	Version string   `json:"version"`
}

// messageOptions names the topic (and optional key) a message_id pattern
// publishes to.
type messageOptions struct {
	Topic string `json:"topic"`
	Key   string `json:"key"`
}

func (o messageOptions) validate() error {
	if o.Topic == "" {
		return fmt.Errorf("kafka adapter: topic is required: %w", adapter.ErrInvalidArgument)
	}
	return nil
}

// subscriptionOptions names the topic a subscription consumes and the
// subscription_id inbound payloads report under.
type subscriptionOptions struct {
	Topic          string `json:"topic"`
	SubscriptionID string `json:"subscription_id"`
}

// Subscription is a Kafka topic bound to a subscription_id.
type Subscription struct {
	Topic string
	ID    string
}

func (s Subscription) SubscriptionID() string { return s.ID }

// Message pairs a Payload with its target topic and optional key.
type Message struct {
	Payload *payload.Payload
	Topic   string
	Key     string
}

// Factory constructs kafka clients.
type Factory struct{}

func (Factory) ProtocolName() string { return Name }

func (Factory) CreateClient(ctx context.Context, raw json.RawMessage, _ adapter.Credentials) (adapter.Client, error) {
	var o creationOptions
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, fmt.Errorf("kafka adapter: %w: %v", adapter.ErrInvalidArgument, err)
	}
	if len(o.Brokers) == 0 {
		return nil, fmt.Errorf("kafka adapter: brokers is required: %w", adapter.ErrInvalidArgument)
	}
	return NewClient(ctx, o, nil)
}

func (Factory) ValidateMessageOptions(raw json.RawMessage) error {
	var o messageOptions
	if err := json.Unmarshal(raw, &o); err != nil {
		return fmt.Errorf("kafka adapter: %w: %v", adapter.ErrInvalidArgument, err)
	}
	return o.validate()
}

func (Factory) CreateMessage(p *payload.Payload, expandedOptions json.RawMessage) (adapter.Message, error) {
	var o messageOptions
	if err := json.Unmarshal(expandedOptions, &o); err != nil {
		return nil, fmt.Errorf("kafka adapter: %w: %v", adapter.ErrInvalidArgument, err)
	}
	if err := o.validate(); err != nil {
		return nil, err
	}
	return &Message{Payload: p, Topic: o.Topic, Key: o.Key}, nil
}

func (Factory) CreateSubscription(raw json.RawMessage) (adapter.Subscription, error) {
	var o subscriptionOptions
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, fmt.Errorf("kafka adapter: %w: %v", adapter.ErrInvalidArgument, err)
	}
	if o.Topic == "" || o.SubscriptionID == "" {
		return nil, fmt.Errorf("kafka adapter: topic and subscription_id are required: %w", adapter.ErrInvalidArgument)
	}
	return Subscription{Topic: o.Topic, ID: o.SubscriptionID}, nil
}

// Client wraps a Sarama SyncProducer for publish and a lazily-started
// ConsumerGroup for inbound topics.
type Client struct {
	*adapter.BaseClient
	logger logging.Logger

	brokers []string
	groupID string
	cfg     *sarama.Config

	client   sarama.Client
	producer sarama.SyncProducer

	mu      sync.Mutex
	cancel  context.CancelFunc
	group   sarama.ConsumerGroup
	topics  map[string]struct{}
}

func buildSaramaConfig(o creationOptions) *sarama.Config {
	cfg := sarama.NewConfig()
	version, err := sarama.ParseKafkaVersion(o.Version)
	if err != nil {
		version = sarama.V2_8_0_0
	}
	cfg.Version = version
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	return cfg
}

// NewClient connects a Sarama client and sync producer; the consumer group
// is created lazily on the first Subscribe call.
func NewClient(ctx context.Context, o creationOptions, logger logging.Logger) (*Client, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	cfg := buildSaramaConfig(o)

	client, err := sarama.NewClient(o.Brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka adapter: connect: %w: %v", adapter.ErrGenericFail, err)
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("kafka adapter: producer: %w: %v", adapter.ErrGenericFail, err)
	}

	groupID := o.GroupID
	if groupID == "" {
		groupID = "pipebroker"
	}

	return &Client{
		BaseClient: adapter.NewBaseClient(),
		logger:     logger,
		brokers:    o.Brokers,
		groupID:    groupID,
		cfg:        cfg,
		client:     client,
		producer:   producer,
		topics:     make(map[string]struct{}),
	}, nil
}

func (c *Client) FriendlyName() string { return Name }

func (c *Client) Publish(_ context.Context, m adapter.Message) error {
	msg, ok := m.(*Message)
	if !ok {
		return adapter.ErrInvalidArgument
	}
	producerMsg := &sarama.ProducerMessage{
		Topic:     msg.Topic,
		Value:     sarama.ByteEncoder(msg.Payload.Bytes),
		Timestamp: time.Now(),
	}
	if msg.Key != "" {
		producerMsg.Key = sarama.StringEncoder(msg.Key)
	}
	if _, _, err := c.producer.SendMessage(producerMsg); err != nil {
		return fmt.Errorf("kafka adapter: send: %w: %v", adapter.ErrGenericFail, err)
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
			c.logger.Warn("kafka async publish failed", "error", err)
		}
	}()
	return nil
}

// Subscribe registers sub locally and ensures the consumer group is
// consuming sub's topic, restarting the group's Consume loop with the
// updated topic set whenever a new topic is added.
func (c *Client) Subscribe(sub adapter.Subscription, onMessage adapter.OnMessage) (int64, error) {
	kafkaSub, ok := sub.(Subscription)
	if !ok {
		return 0, adapter.ErrInvalidArgument
	}
	token := c.AddSubscription(sub, onMessage)

	c.mu.Lock()
	_, already := c.topics[kafkaSub.Topic]
	c.topics[kafkaSub.Topic] = struct{}{}
	topics := make([]string, 0, len(c.topics))
	for t := range c.topics {
		topics = append(topics, t)
	}
	c.mu.Unlock()

	if already {
		return token, nil
	}
	if err := c.restartConsumerGroup(topics); err != nil {
		c.RemoveSubscription(token)
		return 0, err
	}
	return token, nil
}

func (c *Client) restartConsumerGroup(topics []string) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	if c.group != nil {
		_ = c.group.Close()
	}

	group, err := sarama.NewConsumerGroupFromClient(c.groupID, c.client)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("kafka adapter: consumer group: %w: %v", adapter.ErrGenericFail, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.group = group
	c.cancel = cancel
	c.mu.Unlock()

	handler := &consumerHandler{client: c}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
				if err := group.Consume(ctx, topics, handler); err != nil {
					c.logger.Warn("kafka consume error", "error", err)
					time.Sleep(time.Second)
				}
			}
		}
	}()
	return nil
}

// consumerHandler implements sarama.ConsumerGroupHandler, relaying every
// claimed message into the client's subscription table filtered by topic.
type consumerHandler struct {
	client *Client
}

func (h *consumerHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *consumerHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		p := payload.New(msg.Value)
		topic := msg.Topic
		h.client.Dispatch(p, func(s adapter.Subscription) bool {
			kafkaSub, ok := s.(Subscription)
			return ok && kafkaSub.Topic == topic
		}, h.client.logger)
		session.MarkMessage(msg, "")
	}
	return nil
}

func (c *Client) Unsubscribe(token int64) (bool, error) {
	return c.RemoveSubscription(token), nil
}

func (c *Client) Reconnect(context.Context) error {
	return c.client.RefreshMetadata()
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	if c.group != nil {
		_ = c.group.Close()
	}
	c.mu.Unlock()

	_ = c.producer.Close()
	return c.client.Close()
}

var (
	_ adapter.Factory = Factory{}
	_ adapter.Client  = (*Client)(nil)
)
