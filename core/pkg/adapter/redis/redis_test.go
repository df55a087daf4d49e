package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/madcok-co/pipebroker/core/pkg/payload"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *Client) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	c, err := NewClient(context.Background(), creationOptions{Addr: mr.Addr()}, nil, nil)
	if err != nil {
		mr.Close()
		t.Fatalf("NewClient: %v", err)
	}
	return mr, c
}

func TestFactory_ValidateMessageOptions(t *testing.T) {
	f := Factory{}
	if err := f.ValidateMessageOptions([]byte(`{"channel":"orders"}`)); err != nil {
		t.Errorf("valid options rejected: %v", err)
	}
	if err := f.ValidateMessageOptions([]byte(`{}`)); err == nil {
		t.Error("missing channel was accepted")
	}
}

func TestFactory_CreateSubscription(t *testing.T) {
	f := Factory{}
	raw, _ := json.Marshal(subscriptionOptions{Channel: "orders", SubscriptionID: "orders-sub"})
	sub, err := f.CreateSubscription(raw)
	if err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	if sub.SubscriptionID() != "orders-sub" {
		t.Errorf("SubscriptionID() = %q, want orders-sub", sub.SubscriptionID())
	}
}

func TestClient_PublishSubscribeRoundTrip(t *testing.T) {
	mr, c := setupTestRedis(t)
	defer mr.Close()
	defer c.Close()

	received := make(chan string, 1)
	if _, err := c.Subscribe(Subscription{Channel: "orders", ID: "sub1"}, func(p *payload.Payload) {
		received <- string(p.Bytes)
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// Give the relay goroutine a moment to issue SUBSCRIBE before publishing.
	time.Sleep(50 * time.Millisecond)

	if err := c.Publish(context.Background(), &Message{Payload: payload.New([]byte("hello")), Channel: "orders"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case got := <-received:
		if got != "hello" {
			t.Errorf("received = %q, want hello", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for delivery")
	}
}

func TestFactory_CreateClientRequiresAddr(t *testing.T) {
	f := Factory{}
	if _, err := f.CreateClient(context.Background(), []byte(`{}`), nil); err == nil {
		t.Error("expected error for missing addr")
	}
}
