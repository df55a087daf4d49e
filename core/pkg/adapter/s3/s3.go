// Package s3 implements a write-only Protocol Adapter over AWS S3, using
// aws-sdk-go-v2's service/s3 client and feature/s3/manager uploader.
// Config shape (region, endpoint override for S3-compatible stores,
// static access key/secret) is grounded on
// Chris-Alexander-Pop-go-hyperforge's pkg/blob.Config; no pack repo
// exercises the SDK client call itself (the referenced adapters/s3
// subpackage is not present), so the client construction and upload call
// follow the SDK's own documented usage and are noted as such in
// DESIGN.md.
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/madcok-co/pipebroker/core/pkg/adapter"
	"github.com/madcok-co/pipebroker/core/pkg/logging"
	"github.com/madcok-co/pipebroker/core/pkg/payload"
)

// Name is the protocol name registered for this adapter.
const Name = "s3"

// creationOptions configures the S3 client: Endpoint is optional and, when
// set, points the client at an S3-compatible store (MinIO, Wasabi, ...)
// instead of AWS.
type creationOptions struct {
	Region   string `json:"region"`
	Endpoint string `json:"endpoint"`
}

// messageOptions names the bucket/key a given message_id pattern writes to.
type messageOptions struct {
	Bucket      string `json:"bucket"`
	Key         string `json:"key"`
	ContentType string `json:"content_type"`
}

func (o messageOptions) validate() error {
	if o.Bucket == "" || o.Key == "" {
		return fmt.Errorf("s3 adapter: bucket and key are required: %w", adapter.ErrInvalidArgument)
	}
	return nil
}

// Message pairs a Payload with its resolved bucket/key destination.
type Message struct {
	Payload     *payload.Payload
	Bucket      string
	Key         string
	ContentType string
}

// Factory constructs s3 clients.
type Factory struct{}

func (Factory) ProtocolName() string { return Name }

func (Factory) CreateClient(ctx context.Context, raw json.RawMessage, creds adapter.Credentials) (adapter.Client, error) {
	var o creationOptions
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("s3 adapter: %w: %v", adapter.ErrInvalidArgument, err)
		}
	}
	return NewClient(ctx, o, creds, nil)
}

func (Factory) ValidateMessageOptions(raw json.RawMessage) error {
	var o messageOptions
	if err := json.Unmarshal(raw, &o); err != nil {
		return fmt.Errorf("s3 adapter: %w: %v", adapter.ErrInvalidArgument, err)
	}
	return o.validate()
}

func (Factory) CreateMessage(p *payload.Payload, expandedOptions json.RawMessage) (adapter.Message, error) {
	var o messageOptions
	if err := json.Unmarshal(expandedOptions, &o); err != nil {
		return nil, fmt.Errorf("s3 adapter: %w: %v", adapter.ErrInvalidArgument, err)
	}
	if err := o.validate(); err != nil {
		return nil, err
	}
	return &Message{Payload: p, Bucket: o.Bucket, Key: o.Key, ContentType: o.ContentType}, nil
}

// CreateSubscription is not supported: S3 has no inbound push path a
// broker-level subscriber can receive on.
func (Factory) CreateSubscription(json.RawMessage) (adapter.Subscription, error) {
	return nil, fmt.Errorf("s3 adapter: %w", adapter.ErrNotImplemented)
}

// Client uploads payloads via an S3 manager.Uploader, which transparently
// switches to multipart upload above its part-size threshold.
type Client struct {
	client   *s3.Client
	uploader *manager.Uploader
	logger   logging.Logger
}

// NewClient resolves an AWS config (static credentials when provided,
// default chain otherwise) and builds an S3 client, optionally pointed at
// o.Endpoint for S3-compatible stores.
func NewClient(ctx context.Context, o creationOptions, creds adapter.Credentials, logger logging.Logger) (*Client, error) {
	if logger == nil {
		logger = logging.Nop()
	}

	var optFns []func(*awsconfig.LoadOptions) error
	if o.Region != "" {
		optFns = append(optFns, awsconfig.WithRegion(o.Region))
	}
	if ak, sk := creds["access_key_id"], creds["secret_access_key"]; ak != "" && sk != "" {
		optFns = append(optFns, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(ak, sk, creds["session_token"]),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("s3 adapter: load aws config: %w: %v", adapter.ErrGenericFail, err)
	}

	cl := s3.NewFromConfig(awsCfg, func(opts *s3.Options) {
		if o.Endpoint != "" {
			opts.BaseEndpoint = aws.String(o.Endpoint)
			opts.UsePathStyle = true
		}
	})

	return &Client{
		client:   cl,
		uploader: manager.NewUploader(cl),
		logger:   logger,
	}, nil
}

func (c *Client) FriendlyName() string { return Name }

func (c *Client) Publish(ctx context.Context, m adapter.Message) error {
	msg, ok := m.(*Message)
	if !ok {
		return adapter.ErrInvalidArgument
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(msg.Bucket),
		Key:    aws.String(msg.Key),
		Body:   bytes.NewReader(msg.Payload.Bytes),
	}
	if msg.ContentType != "" {
		input.ContentType = aws.String(msg.ContentType)
	}

	if _, err := c.uploader.Upload(ctx, input); err != nil {
		return fmt.Errorf("s3 adapter: upload: %w: %v", adapter.ErrGenericFail, err)
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
			c.logger.Warn("s3 async upload failed", "error", err)
		}
	}()
	return nil
}

func (c *Client) Subscribe(adapter.Subscription, adapter.OnMessage) (int64, error) {
	return 0, fmt.Errorf("s3 adapter: %w", adapter.ErrNotImplemented)
}

func (c *Client) Unsubscribe(int64) (bool, error) {
	return false, fmt.Errorf("s3 adapter: %w", adapter.ErrNotImplemented)
}

// Reconnect is a no-op: the SDK client re-resolves connections per request.
func (c *Client) Reconnect(context.Context) error { return nil }

func (c *Client) Close() error { return nil }

var (
	_ adapter.Factory = Factory{}
	_ adapter.Client  = (*Client)(nil)
)
