// Package config resolves the broker's configuration JSON per spec.md's
// loading precedence: a process-set default string, then the file named by
// MESSAGE_BROKER_CONFIG_FILE, then an empty object. Grounded on
// contrib/config/driver.go's Viper-backed file loading, narrowed to the
// single "read one file in whatever format it's written, marshal it back to
// JSON" operation the broker's config layer needs - the broker itself only
// ever consumes json.RawMessage.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/madcok-co/pipebroker/core/pkg/adapter"
)

// EnvConfigFile is the environment variable naming a configuration file to
// load when the caller passes no process-set default.
const EnvConfigFile = "MESSAGE_BROKER_CONFIG_FILE"

// Load resolves the broker configuration: processDefault if non-empty (an
// error if it is not valid JSON), else the file named by EnvConfigFile if
// that env var is set and the file exists, else an empty JSON object. A file
// that exists but cannot be read or parsed is an error, not a fall-back to
// the empty object.
func Load(processDefault string) (json.RawMessage, error) {
	if processDefault != "" {
		if !json.Valid([]byte(processDefault)) {
			return nil, fmt.Errorf("config: process default is not valid JSON: %w", adapter.ErrInvalidArgument)
		}
		return json.RawMessage(processDefault), nil
	}

	if path := os.Getenv(EnvConfigFile); path != "" {
		if _, err := os.Stat(path); err == nil {
			return loadFile(path)
		}
	}

	return json.RawMessage("{}"), nil
}

// loadFile reads path with Viper (any format Viper recognizes by
// extension - JSON, YAML, TOML, ...) and re-marshals its settings to JSON,
// the canonical form every other broker component consumes.
func loadFile(path string) (json.RawMessage, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w: %v", path, adapter.ErrGenericFail, err)
	}
	raw, err := json.Marshal(v.AllSettings())
	if err != nil {
		return nil, fmt.Errorf("config: marshal %s: %w: %v", path, adapter.ErrGenericFail, err)
	}
	return raw, nil
}

// Watch watches the file named by EnvConfigFile for changes and invokes
// onChange with the re-marshaled JSON each time Viper's underlying
// fsnotify watcher fires. It is a no-op when EnvConfigFile is unset, since
// a process-set default has nothing to watch.
func Watch(onChange func(json.RawMessage)) error {
	path := os.Getenv(EnvConfigFile)
	if path == "" {
		return nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("config: read %s: %w: %v", path, adapter.ErrGenericFail, err)
	}

	v.OnConfigChange(func(fsnotify.Event) {
		raw, err := json.Marshal(v.AllSettings())
		if err != nil {
			return
		}
		onChange(raw)
	})
	v.WatchConfig()

	return nil
}
