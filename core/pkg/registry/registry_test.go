package registry

import (
	"context"
	"encoding/json"
	"testing"
)

func TestOpenSharedReturnsSameBrokerForIdenticalConfig(t *testing.T) {
	r := New()
	ctx := context.Background()
	cfg := json.RawMessage(`{}`)

	b1, err := r.Open(ctx, cfg, nil, false, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	b2, err := r.Open(ctx, cfg, nil, false, nil)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	if b1 != b2 {
		t.Fatal("shared opens with identical config returned different brokers")
	}

	if err := r.Release(ctx, b2); err != nil {
		t.Fatalf("Release: %v", err)
	}
	// b1's refcount is still 1 (from the first Open); releasing it should
	// succeed without reopening a third broker.
	if err := r.Release(ctx, b1); err != nil {
		t.Fatalf("second Release: %v", err)
	}

	b3, err := r.Open(ctx, cfg, nil, false, nil)
	if err != nil {
		t.Fatalf("reopen after full release: %v", err)
	}
	if b3 == b1 {
		t.Fatal("reopen after full release returned the stale broker")
	}
	r.ReleaseAll(ctx)
}

func TestOpenUniqueAlwaysConstructsDistinctBroker(t *testing.T) {
	r := New()
	ctx := context.Background()
	cfg := json.RawMessage(`{}`)

	b1, err := r.Open(ctx, cfg, nil, true, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	b2, err := r.Open(ctx, cfg, nil, true, nil)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	if b1 == b2 {
		t.Fatal("unique-mode opens returned the same broker")
	}
	_ = b1.Shutdown(ctx)
	_ = b2.Shutdown(ctx)
}

func TestReleaseOfUntrackedBrokerIsNoop(t *testing.T) {
	r := New()
	ctx := context.Background()
	b, err := r.Open(ctx, json.RawMessage(`{}`), nil, true, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := r.Release(ctx, b); err != nil {
		t.Errorf("Release of a unique-mode broker returned an error: %v", err)
	}
}

func TestDifferentConfigsGetDifferentBrokers(t *testing.T) {
	r := New()
	ctx := context.Background()

	b1, err := r.Open(ctx, json.RawMessage(`{}`), nil, false, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	b2, err := r.Open(ctx, json.RawMessage(`{"targets":[]}`), nil, false, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if b1 == b2 {
		t.Fatal("distinct canonical configs returned the same broker")
	}
	r.ReleaseAll(ctx)
}
