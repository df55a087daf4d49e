package kafka

import (
	"encoding/json"
	"testing"

	"github.com/IBM/sarama"

	"github.com/madcok-co/pipebroker/core/pkg/payload"
)

func TestFactory_ValidateMessageOptions(t *testing.T) {
	f := Factory{}
	if err := f.ValidateMessageOptions([]byte(`{"topic":"orders"}`)); err != nil {
		t.Errorf("valid options rejected: %v", err)
	}
	if err := f.ValidateMessageOptions([]byte(`{}`)); err == nil {
		t.Error("missing topic was accepted")
	}
}

func TestFactory_CreateMessage(t *testing.T) {
	f := Factory{}
	raw, _ := json.Marshal(messageOptions{Topic: "orders", Key: "order-1"})
	m, err := f.CreateMessage(payload.New([]byte("x")), raw)
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	msg := m.(*Message)
	if msg.Topic != "orders" || msg.Key != "order-1" {
		t.Errorf("unexpected message: %+v", msg)
	}
}

func TestFactory_CreateSubscription(t *testing.T) {
	f := Factory{}
	raw, _ := json.Marshal(subscriptionOptions{Topic: "orders", SubscriptionID: "orders-sub"})
	sub, err := f.CreateSubscription(raw)
	if err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	if sub.SubscriptionID() != "orders-sub" {
		t.Errorf("SubscriptionID() = %q, want orders-sub", sub.SubscriptionID())
	}
	if _, err := f.CreateSubscription([]byte(`{"topic":"orders"}`)); err == nil {
		t.Error("missing subscription_id was accepted")
	}
}

func TestFactory_CreateClientRequiresBrokers(t *testing.T) {
	f := Factory{}
	if _, err := f.CreateClient(nil, []byte(`{}`), nil); err == nil {
		t.Error("expected error for missing brokers")
	}
}

func TestBuildSaramaConfig_DefaultsVersionOnParseFailure(t *testing.T) {
	cfg := buildSaramaConfig(creationOptions{Version: "not-a-version"})
	if cfg == nil {
		t.Fatal("expected non-nil config")
	}
	if cfg.Version != sarama.V2_8_0_0 {
		t.Errorf("Version = %v, want default %v", cfg.Version, sarama.V2_8_0_0)
	}
}
