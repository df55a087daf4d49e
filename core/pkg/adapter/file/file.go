// Package file implements the filesystem-writer Protocol Adapter: each
// Publish appends one framed line (length-prefixed payload bytes) to a file
// named by the directory/filename/extension option template, creating
// parent directories as needed. Built directly on os/bufio rather than a
// pack library - nothing in the retrieved examples wraps plain local file
// I/O (contrib/adapters' storage drivers all target object/blob stores);
// see DESIGN.md for the stdlib justification.
package file

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/madcok-co/pipebroker/core/pkg/adapter"
	"github.com/madcok-co/pipebroker/core/pkg/logging"
	"github.com/madcok-co/pipebroker/core/pkg/payload"
	"github.com/madcok-co/pipebroker/core/pkg/validate"
)

// Name is the protocol name registered for this adapter.
const Name = "file"

// options is the JSON shape of a file target's per-message option template,
// matching spec.md §6: directory and filename are required, extension is
// optional.
type options struct {
	Directory string `json:"directory" validate:"required"`
	Filename  string `json:"filename" validate:"required"`
	Extension string `json:"extension"`
}

func (o options) path() string {
	name := o.Filename
	if o.Extension != "" {
		name += "." + o.Extension
	}
	return filepath.Join(o.Directory, name)
}

func (o options) validate() error {
	if err := validate.Struct(o); err != nil {
		return fmt.Errorf("file adapter: %w: %v", adapter.ErrInvalidArgument, err)
	}
	return nil
}

// Message pairs a Payload with the resolved destination path.
type Message struct {
	Payload *payload.Payload
	Path    string
}

// Factory constructs file clients. creationOptions are unused: the file
// adapter keeps no client-wide state beyond an output mutex.
type Factory struct{}

func (Factory) ProtocolName() string { return Name }

func (Factory) CreateClient(_ context.Context, _ json.RawMessage, _ adapter.Credentials) (adapter.Client, error) {
	return NewClient(nil), nil
}

func (Factory) ValidateMessageOptions(raw json.RawMessage) error {
	var o options
	if err := json.Unmarshal(raw, &o); err != nil {
		return fmt.Errorf("file adapter: %w: %v", adapter.ErrInvalidArgument, err)
	}
	return o.validate()
}

func (Factory) CreateMessage(p *payload.Payload, expandedOptions json.RawMessage) (adapter.Message, error) {
	var o options
	if err := json.Unmarshal(expandedOptions, &o); err != nil {
		return nil, fmt.Errorf("file adapter: %w: %v", adapter.ErrInvalidArgument, err)
	}
	if err := o.validate(); err != nil {
		return nil, err
	}
	return &Message{Payload: p, Path: o.path()}, nil
}

// CreateSubscription is not supported: a plain file writer has no inbound
// path to subscribe to.
func (Factory) CreateSubscription(json.RawMessage) (adapter.Subscription, error) {
	return nil, fmt.Errorf("file adapter: %w", adapter.ErrNotImplemented)
}

// Client appends framed payloads to files. Concurrent writers to the same
// path are serialized by fileMu; distinct paths proceed independently.
type Client struct {
	logger logging.Logger

	mu       sync.Mutex
	fileMu   map[string]*sync.Mutex
}

func NewClient(logger logging.Logger) *Client {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Client{logger: logger, fileMu: make(map[string]*sync.Mutex)}
}

func (c *Client) FriendlyName() string { return Name }

func (c *Client) lockFor(path string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.fileMu[path]
	if !ok {
		m = &sync.Mutex{}
		c.fileMu[path] = m
	}
	return m
}

// Publish appends msg's payload to its target path as a 4-byte big-endian
// length prefix followed by the raw bytes, so a reader can split the
// stream back into discrete payloads.
func (c *Client) Publish(_ context.Context, m adapter.Message) error {
	msg, ok := m.(*Message)
	if !ok {
		return adapter.ErrInvalidArgument
	}

	lock := c.lockFor(msg.Path)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(filepath.Dir(msg.Path), 0o755); err != nil {
		return fmt.Errorf("file adapter: %w: %v", adapter.ErrGenericFail, err)
	}
	f, err := os.OpenFile(msg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("file adapter: %w: %v", adapter.ErrGenericFail, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(msg.Payload.Bytes)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("file adapter: %w: %v", adapter.ErrGenericFail, err)
	}
	if _, err := w.Write(msg.Payload.Bytes); err != nil {
		return fmt.Errorf("file adapter: %w: %v", adapter.ErrGenericFail, err)
	}
	return w.Flush()
}

// PublishAsync runs Publish on a new goroutine and reports the outcome via
// onComplete; the file adapter has no internal queue of its own, matching
// spec.md's treatment of adapter concurrency as an adapter-internal concern.
func (c *Client) PublishAsync(ctx context.Context, m adapter.Message, onComplete adapter.OnComplete) error {
	go func() {
		err := c.Publish(ctx, m)
		if onComplete != nil {
			onComplete(c.FriendlyName(), m, err == nil)
		}
		if err != nil {
			c.logger.Warn("file publish failed", "error", err)
		}
	}()
	return nil
}

func (c *Client) Subscribe(adapter.Subscription, adapter.OnMessage) (int64, error) {
	return 0, fmt.Errorf("file adapter: %w", adapter.ErrNotImplemented)
}

func (c *Client) Unsubscribe(int64) (bool, error) {
	return false, fmt.Errorf("file adapter: %w", adapter.ErrNotImplemented)
}

func (c *Client) Reconnect(context.Context) error { return nil }

func (c *Client) Close() error { return nil }

var (
	_ adapter.Factory = Factory{}
	_ adapter.Client  = (*Client)(nil)
	_ io.Closer       = (*Client)(nil)
)
