package broker

import (
	"encoding/json"
	"fmt"

	"github.com/madcok-co/pipebroker/core/pkg/adapter"
)

// Config is the broker's top-level JSON configuration: a "targets" array and
// a "pipes" array, both optional (an empty object is valid and configures no
// targets and no pipes beyond the always-present loopback target).
type Config struct {
	Targets []TargetConfig
	Pipes   []PipeConfig
}

// ParseConfig parses raw as a Config. Absent "targets"/"pipes" keys, or an
// entirely empty raw, yield a zero-value Config rather than an error.
func ParseConfig(raw json.RawMessage) (Config, error) {
	if len(raw) == 0 {
		return Config{}, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Config{}, fmt.Errorf("broker: config must be a JSON object: %w: %v", adapter.ErrInvalidArgument, err)
	}

	var cfg Config
	if raw, ok := fields["targets"]; ok {
		if err := json.Unmarshal(raw, &cfg.Targets); err != nil {
			return Config{}, fmt.Errorf("broker: parse targets: %w: %v", adapter.ErrInvalidArgument, err)
		}
	}
	if raw, ok := fields["pipes"]; ok {
		if err := json.Unmarshal(raw, &cfg.Pipes); err != nil {
			return Config{}, fmt.Errorf("broker: parse pipes: %w: %v", adapter.ErrInvalidArgument, err)
		}
	}
	return cfg, nil
}

// TargetConfig is one element of "targets". Its protocol-specific keys
// ("<protocol>_options", "<protocol>_subscriptions") are dynamic, so it
// unmarshals into a raw field map and resolves them once Protocol is known.
type TargetConfig struct {
	Protocol      string
	Name          string
	Options       json.RawMessage
	Subscriptions []json.RawMessage
}

func (t *TargetConfig) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	if raw, ok := fields["protocol"]; ok {
		_ = json.Unmarshal(raw, &t.Protocol)
	}
	if raw, ok := fields["name"]; ok {
		_ = json.Unmarshal(raw, &t.Name)
	}
	if t.Protocol == "" {
		return nil
	}
	if raw, ok := fields[t.Protocol+"_options"]; ok {
		t.Options = raw
	}
	if raw, ok := fields[t.Protocol+"_subscriptions"]; ok {
		_ = json.Unmarshal(raw, &t.Subscriptions)
	}
	return nil
}

// PipeConfig is one element of "pipes": a message_id pattern and the
// destinations it fans out to.
type PipeConfig struct {
	MessageID    string              `json:"message_id"`
	Destinations []DestinationConfig `json:"destinations"`
}

// DestinationConfig names a pipe's target and carries its raw field map so
// the protocol-specific "<protocol>_message_options" key can be resolved
// once the target's protocol is known (the destination JSON itself names no
// protocol - only target_name).
type DestinationConfig struct {
	TargetName string

	fields map[string]json.RawMessage
}

func (d *DestinationConfig) UnmarshalJSON(data []byte) error {
	if err := json.Unmarshal(data, &d.fields); err != nil {
		return err
	}
	if raw, ok := d.fields["target_name"]; ok {
		_ = json.Unmarshal(raw, &d.TargetName)
	}
	return nil
}

// MessageOptions returns the destination's "<protocol>_message_options"
// template for protocol, or (nil, false) if the destination carries none.
func (d DestinationConfig) MessageOptions(protocol string) (json.RawMessage, bool) {
	raw, ok := d.fields[protocol+"_message_options"]
	return raw, ok
}
