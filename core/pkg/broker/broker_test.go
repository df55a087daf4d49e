package broker

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/madcok-co/pipebroker/core/pkg/payload"
)

type recordingHandler struct {
	mu       sync.Mutex
	received []*payload.Payload
}

func (h *recordingHandler) OnMessageReceived(p *payload.Payload) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.received = append(h.received, p)
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.received)
}

func TestOpenInitializePublishLoopback(t *testing.T) {
	b, err := Open(json.RawMessage(`{}`), nil, false, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := b.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	h := &recordingHandler{}
	token, err := b.Subscribe("orders", h)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if token <= 0 {
		t.Fatalf("Subscribe returned non-positive token %d", token)
	}

	p := payload.New([]byte("hello"))
	if err := b.Publish(context.Background(), "orders", p, false, nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if h.count() != 1 {
		t.Fatalf("handler received %d messages, want 1", h.count())
	}

	if err := b.Unsubscribe(token); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if err := b.Publish(context.Background(), "orders", p, false, nil); err != nil {
		t.Fatalf("Publish after unsubscribe: %v", err)
	}
	if h.count() != 1 {
		t.Fatalf("handler received a message after unsubscribe")
	}

	if err := b.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	// Idempotent.
	if err := b.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}

func TestFileTargetPipeRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := fmt.Sprintf(`{
		"targets": [
			{"protocol":"file","name":"f1","file_options":{}}
		],
		"pipes": [
			{"message_id":"orders_${region}","destinations":[
				{"target_name":"f1","file_message_options":{"directory":%q,"filename":"orders-${region}","extension":"log"}}
			]}
		]
	}`, dir)

	b, err := Open(json.RawMessage(cfg), nil, false, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := b.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	p := payload.New([]byte("payload-bytes"))
	if err := b.Publish(context.Background(), "orders_us", p, false, nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "orders-us.log"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(data) < 4 {
		t.Fatalf("file too short: %d bytes", len(data))
	}
	n := binary.BigEndian.Uint32(data[:4])
	got := string(data[4 : 4+n])
	if got != "payload-bytes" {
		t.Errorf("got %q, want %q", got, "payload-bytes")
	}
}

func TestInitializeRejectsDuplicateTargetName(t *testing.T) {
	cfg := `{"targets":[
		{"protocol":"file","name":"dup","file_options":{}},
		{"protocol":"file","name":"dup","file_options":{}}
	]}`
	b, err := Open(json.RawMessage(cfg), nil, false, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := b.Initialize(context.Background()); err == nil {
		t.Error("expected duplicate target name to be rejected")
	}
}

func TestInitializeRejectsUnknownProtocol(t *testing.T) {
	cfg := `{"targets":[{"protocol":"carrier-pigeon","name":"cp1","carrier-pigeon_options":{}}]}`
	b, err := Open(json.RawMessage(cfg), nil, false, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := b.Initialize(context.Background()); err == nil {
		t.Error("expected unknown protocol to be rejected")
	}
}

func TestInitializeRejectsUnknownPipeTarget(t *testing.T) {
	cfg := `{"pipes":[{"message_id":"x","destinations":[{"target_name":"nope","file_message_options":{}}]}]}`
	b, err := Open(json.RawMessage(cfg), nil, false, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := b.Initialize(context.Background()); err == nil {
		t.Error("expected unknown pipe target to be rejected")
	}
}

func TestInitializeRejectsUnterminatedMessageIDPattern(t *testing.T) {
	cfg := `{
		"targets":[{"protocol":"file","name":"f1","file_options":{}}],
		"pipes":[{"message_id":"orders_${unterminated","destinations":[
			{"target_name":"f1","file_message_options":{"directory":"d","filename":"f"}}
		]}]
	}`
	b, err := Open(json.RawMessage(cfg), nil, false, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := b.Initialize(context.Background()); err == nil {
		t.Error("expected unterminated ${ in message_id pattern to be rejected")
	}
}

func TestSubscribeBeforeInitializeErrors(t *testing.T) {
	b, err := Open(json.RawMessage(`{}`), nil, false, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := b.Subscribe("x", &recordingHandler{}); err == nil {
		t.Error("expected subscribe before initialize to fail")
	}
}

func TestPublishBeforeInitializeErrors(t *testing.T) {
	b, err := Open(json.RawMessage(`{}`), nil, false, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := b.Publish(context.Background(), "x", payload.New(nil), false, nil); err == nil {
		t.Error("expected publish before initialize to fail")
	}
}

func TestUnsubscribeUnknownTokenIsNoop(t *testing.T) {
	b, err := Open(json.RawMessage(`{}`), nil, false, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := b.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := b.Unsubscribe(999999); err != nil {
		t.Errorf("Unsubscribe of unknown token returned error: %v", err)
	}
}

func TestInitializeIsIdempotent(t *testing.T) {
	b, err := Open(json.RawMessage(`{"targets":[{"protocol":"file","name":"f1","file_options":{}}]}`), nil, false, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := b.Initialize(context.Background()); err != nil {
		t.Fatalf("first Initialize: %v", err)
	}
	if err := b.Initialize(context.Background()); err != nil {
		t.Fatalf("second Initialize: %v", err)
	}
}

func TestAsyncPublishInvokesPublishHandler(t *testing.T) {
	b, err := Open(json.RawMessage(`{}`), nil, false, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := b.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	h := &recordingHandler{}
	if _, err := b.Subscribe("async-topic", h); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	done := make(chan struct{}, 1)
	ph := publishHandlerFunc(func(publisherName, messageID string, p *payload.Payload, success bool) {
		if publisherName == "loopback" && messageID == "async-topic" && success {
			done <- struct{}{}
		}
	})

	if err := b.Publish(context.Background(), "async-topic", payload.New([]byte("x")), true, ph); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never invoked")
	}
}

type publishHandlerFunc func(publisherName, messageID string, p *payload.Payload, success bool)

func (f publishHandlerFunc) OnPublished(publisherName, messageID string, p *payload.Payload, success bool) {
	f(publisherName, messageID, p, success)
}
