package broker

import (
	"encoding/json"
	"sync"

	"github.com/madcok-co/pipebroker/core/pkg/adapter"
	"github.com/madcok-co/pipebroker/core/pkg/expand"
)

// pipeEntry is one compiled message_id pattern registered against a target,
// plus the destination's raw option template. captures is only ever
// populated on the copy matchAny returns, never on a stored entry.
type pipeEntry struct {
	pattern  string
	compiled *expand.Pattern
	template json.RawMessage
	captures map[string]string
}

// Target is one configured protocol endpoint: a live Client, the Factory
// that built it, the subscriptions registered against it at Initialize, and
// the pipe destinations publish fans out through.
type Target struct {
	Name     string
	Protocol string
	Client   adapter.Client
	Factory  adapter.Factory

	mu            sync.RWMutex
	subscriptions map[string]adapter.Subscription // keyed by subscription_id
	pipes         []pipeEntry                     // insertion order; messages_handled mirrors this
}

func newTarget(name, protocol string, client adapter.Client, factory adapter.Factory) *Target {
	return &Target{
		Name:          name,
		Protocol:      protocol,
		Client:        client,
		Factory:       factory,
		subscriptions: make(map[string]adapter.Subscription),
	}
}

// addPipe registers or replaces the template for pattern. A later pipe entry
// with the same message_id pattern overwrites the earlier one rather than
// creating a second match candidate, so messages_handled and the pipe
// template set stay in lockstep.
func (t *Target) addPipe(pattern string, compiled *expand.Pattern, template json.RawMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, e := range t.pipes {
		if e.pattern == pattern {
			t.pipes[i].template = template
			t.pipes[i].compiled = compiled
			return
		}
	}
	t.pipes = append(t.pipes, pipeEntry{pattern: pattern, compiled: compiled, template: template})
}

// messagesHandled returns the registered pattern strings, in registration
// order.
func (t *Target) messagesHandled() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, len(t.pipes))
	for i, e := range t.pipes {
		out[i] = e.pattern
	}
	return out
}

// matchAny returns the first registered pipe entry whose pattern matches
// messageID, in registration order, with its captures populated.
func (t *Target) matchAny(messageID string) (pipeEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, e := range t.pipes {
		if captures, ok := e.compiled.Match(messageID); ok {
			e.captures = captures
			return e, true
		}
	}
	return pipeEntry{}, false
}

// addSubscription records sub under id. It returns false if id is already
// registered on this target - spec.md treats a duplicate subscription_id
// within one target as a configuration error.
func (t *Target) addSubscription(id string, sub adapter.Subscription) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.subscriptions[id]; exists {
		return false
	}
	t.subscriptions[id] = sub
	return true
}

func (t *Target) subscriptionFor(id string) (adapter.Subscription, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	sub, ok := t.subscriptions[id]
	return sub, ok
}
