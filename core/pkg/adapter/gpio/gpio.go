// Package gpio implements a Protocol Adapter over Raspberry Pi GPIO pins
// using github.com/stianeikeland/go-rpio/v4. The pack's only trace of this
// dependency is a go.mod listing (sdoque-systems' manifest) with no
// surviving usage code, so pin setup/read/write here follows the library's
// own public API (rpio.Open/Pin/Output/High/Low/Input/Read) rather than a
// retrieved call site; noted in DESIGN.md. Publish drives a pin high or low
// per payload content; subscriptions poll an input pin on an interval,
// since go-rpio has no interrupt/edge-notification API - a reasonable
// extension spec.md is silent on, also recorded in DESIGN.md.
package gpio

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/stianeikeland/go-rpio/v4"

	"github.com/madcok-co/pipebroker/core/pkg/adapter"
	"github.com/madcok-co/pipebroker/core/pkg/logging"
	"github.com/madcok-co/pipebroker/core/pkg/payload"
)

// Name is the protocol name registered for this adapter.
const Name = "gpio"

// messageOptions names the output pin a message_id pattern drives. A
// payload whose first byte is non-zero sets the pin high, otherwise low.
type messageOptions struct {
	Pin int `json:"pin"`
}

func (o messageOptions) validate() error {
	if o.Pin < 0 {
		return fmt.Errorf("gpio adapter: pin must be non-negative: %w", adapter.ErrInvalidArgument)
	}
	return nil
}

// subscriptionOptions names the input pin a subscription polls and the
// interval between reads.
type subscriptionOptions struct {
	Pin            int    `json:"pin"`
	SubscriptionID string `json:"subscription_id"`
	PollMillis     int    `json:"poll_millis"`
}

// Subscription is a polled GPIO input pin bound to a subscription_id.
type Subscription struct {
	Pin        int
	ID         string
	PollMillis int
}

func (s Subscription) SubscriptionID() string { return s.ID }

// Message pairs a Payload with the output pin it drives.
type Message struct {
	Payload *payload.Payload
	Pin     int
}

// Factory constructs gpio clients. creationOptions is unused: rpio.Open
// takes no parameters and opens /dev/gpiomem process-wide.
type Factory struct{}

func (Factory) ProtocolName() string { return Name }

func (Factory) CreateClient(_ context.Context, _ json.RawMessage, _ adapter.Credentials) (adapter.Client, error) {
	return NewClient(nil)
}

func (Factory) ValidateMessageOptions(raw json.RawMessage) error {
	var o messageOptions
	if err := json.Unmarshal(raw, &o); err != nil {
		return fmt.Errorf("gpio adapter: %w: %v", adapter.ErrInvalidArgument, err)
	}
	return o.validate()
}

func (Factory) CreateMessage(p *payload.Payload, expandedOptions json.RawMessage) (adapter.Message, error) {
	var o messageOptions
	if err := json.Unmarshal(expandedOptions, &o); err != nil {
		return nil, fmt.Errorf("gpio adapter: %w: %v", adapter.ErrInvalidArgument, err)
	}
	if err := o.validate(); err != nil {
		return nil, err
	}
	return &Message{Payload: p, Pin: o.Pin}, nil
}

func (Factory) CreateSubscription(raw json.RawMessage) (adapter.Subscription, error) {
	var o subscriptionOptions
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, fmt.Errorf("gpio adapter: %w: %v", adapter.ErrInvalidArgument, err)
	}
	if o.SubscriptionID == "" {
		return nil, fmt.Errorf("gpio adapter: subscription_id is required: %w", adapter.ErrInvalidArgument)
	}
	return Subscription{Pin: o.Pin, ID: o.SubscriptionID, PollMillis: o.PollMillis}, nil
}

// Client drives output pins directly and runs one poller goroutine per
// subscription.
type Client struct {
	*adapter.BaseClient
	logger logging.Logger
	opened bool

	mu      sync.Mutex
	pollers map[int64]chan struct{}
}

// NewClient opens the GPIO memory map. Only one process-wide Open/Close
// pair is meaningful for go-rpio; callers that need multiple logical gpio
// targets should share a single Broker instance.
func NewClient(logger logging.Logger) (*Client, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("gpio adapter: open: %w: %v", adapter.ErrGenericFail, err)
	}
	return &Client{
		BaseClient: adapter.NewBaseClient(),
		logger:     logger,
		opened:     true,
		pollers:    make(map[int64]chan struct{}),
	}, nil
}

func (c *Client) FriendlyName() string { return Name }

func (c *Client) Publish(_ context.Context, m adapter.Message) error {
	msg, ok := m.(*Message)
	if !ok {
		return adapter.ErrInvalidArgument
	}
	pin := rpio.Pin(msg.Pin)
	pin.Output()
	if payloadIsHigh(msg.Payload) {
		pin.High()
	} else {
		pin.Low()
	}
	return nil
}

func payloadIsHigh(p *payload.Payload) bool {
	return len(p.Bytes) > 0 && p.Bytes[0] != 0
}

func (c *Client) PublishAsync(ctx context.Context, m adapter.Message, onComplete adapter.OnComplete) error {
	go func() {
		err := c.Publish(ctx, m)
		if onComplete != nil {
			onComplete(c.FriendlyName(), m, err == nil)
		}
	}()
	return nil
}

// Subscribe starts a poller goroutine that reads sub's pin every
// PollMillis (default 100ms) and delivers a Payload whenever the reading
// changes.
func (c *Client) Subscribe(sub adapter.Subscription, onMessage adapter.OnMessage) (int64, error) {
	gpioSub, ok := sub.(Subscription)
	if !ok {
		return 0, adapter.ErrInvalidArgument
	}
	token := c.AddSubscription(sub, onMessage)

	stop := make(chan struct{})
	c.mu.Lock()
	c.pollers[token] = stop
	c.mu.Unlock()

	go c.poll(gpioSub, token, onMessage, stop)
	return token, nil
}

func (c *Client) poll(sub Subscription, token int64, onMessage adapter.OnMessage, stop chan struct{}) {
	pin := rpio.Pin(sub.Pin)
	pin.Input()

	interval := 100 * time.Millisecond
	if sub.PollMillis > 0 {
		interval = time.Duration(sub.PollMillis) * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := rpio.State(2) // sentinel, neither High nor Low
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			state := pin.Read()
			if state == last {
				continue
			}
			last = state
			var b byte
			if state == rpio.High {
				b = 1
			}
			deliverRecovered(onMessage, payload.New([]byte{b}), token, c.logger)
		}
	}
}

func deliverRecovered(onMessage adapter.OnMessage, p *payload.Payload, token int64, logger logging.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("gpio subscriber handler panicked", "token", token, "recovered", r)
		}
	}()
	onMessage(p)
}

func (c *Client) Unsubscribe(token int64) (bool, error) {
	c.mu.Lock()
	stop, ok := c.pollers[token]
	if ok {
		delete(c.pollers, token)
	}
	c.mu.Unlock()
	if ok {
		close(stop)
	}
	return c.RemoveSubscription(token), nil
}

// Reconnect is a no-op: go-rpio's memory map does not drop and reconnect.
func (c *Client) Reconnect(context.Context) error { return nil }

func (c *Client) Close() error {
	c.mu.Lock()
	for token, stop := range c.pollers {
		close(stop)
		delete(c.pollers, token)
	}
	c.mu.Unlock()

	if !c.opened {
		return nil
	}
	return rpio.Close()
}

var (
	_ adapter.Factory = Factory{}
	_ adapter.Client  = (*Client)(nil)
)
