package file

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/madcok-co/pipebroker/core/pkg/payload"
)

func TestFactory_ValidateMessageOptions(t *testing.T) {
	f := Factory{}
	if err := f.ValidateMessageOptions([]byte(`{"directory":"/tmp","filename":"out"}`)); err != nil {
		t.Errorf("valid options rejected: %v", err)
	}
	if err := f.ValidateMessageOptions([]byte(`{"filename":"out"}`)); err == nil {
		t.Error("missing directory was accepted")
	}
	if err := f.ValidateMessageOptions([]byte(`{"directory":"/tmp"}`)); err == nil {
		t.Error("missing filename was accepted")
	}
}

func TestClient_PublishAppendsFramedRecords(t *testing.T) {
	dir := t.TempDir()
	c := NewClient(nil)
	defer c.Close()

	o := options{Directory: dir, Filename: "events", Extension: "log"}
	raw, _ := json.Marshal(o)

	f := Factory{}
	msg1, err := f.CreateMessage(payload.New([]byte("one")), raw)
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	msg2, err := f.CreateMessage(payload.New([]byte("two")), raw)
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}

	if err := c.Publish(context.Background(), msg1); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := c.Publish(context.Background(), msg2); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	path := filepath.Join(dir, "events.log")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	var records [][]byte
	for off := 0; off < len(data); {
		n := binary.BigEndian.Uint32(data[off : off+4])
		off += 4
		records = append(records, data[off:off+int(n)])
		off += int(n)
	}
	if len(records) != 2 || string(records[0]) != "one" || string(records[1]) != "two" {
		t.Fatalf("records = %v, want [one two]", records)
	}
}

func TestClient_PublishAsync(t *testing.T) {
	dir := t.TempDir()
	c := NewClient(nil)
	defer c.Close()

	o := options{Directory: dir, Filename: "async"}
	raw, _ := json.Marshal(o)
	f := Factory{}
	msg, err := f.CreateMessage(payload.New([]byte("x")), raw)
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}

	done := make(chan bool, 1)
	if err := c.PublishAsync(context.Background(), msg, func(publisher string, _ interface{}, success bool) {
		if publisher != Name {
			t.Errorf("publisher = %q, want %q", publisher, Name)
		}
		done <- success
	}); err != nil {
		t.Fatalf("PublishAsync: %v", err)
	}

	select {
	case success := <-done:
		if !success {
			t.Error("async publish reported failure")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for async completion")
	}
	if _, err := os.Stat(filepath.Join(dir, "async")); err != nil {
		t.Errorf("expected output file, stat error: %v", err)
	}
}

func TestFactory_CreateSubscriptionNotSupported(t *testing.T) {
	f := Factory{}
	if _, err := f.CreateSubscription(nil); err == nil {
		t.Error("expected not-implemented error for file subscriptions")
	}
}
