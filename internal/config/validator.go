package config

import (
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

// minMax is a convenience constructor for a bounded-integer schema node.
func minMax(min, max float64) *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:    "integer",
		Minimum: &min,
		Maximum: &max,
	}
}

// configSchema describes the shape Validate enforces on a loaded Config
// before the daemon acts on it. It exists to catch a hand-edited
// .lsp-daemon.kdl with an out-of-range pool or health setting before that
// setting reaches the pool manager, rather than failing confusingly deep
// inside a running goroutine.
var configSchema = &jsonschema.Schema{
	Type: "object",
	Properties: map[string]*jsonschema.Schema{
		"Version":        minMax(1, 1),
		"SocketPath":     {Type: "string"},
		"DatabaseDir":    {Type: "string"},
		"RegistryPath":   {Type: "string"},
		"MaxGoroutines":  minMax(1, 4096),
		"IdleTimeout":    minMax(0, 1<<62),
		"IdleCheckEvery": minMax(0, 1<<62),
		"Pool": {
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"MinSize":               minMax(0, 1024),
				"MaxSize":               minMax(1, 1024),
				"MaxRequestsPerServer":  minMax(1, 1<<30),
				"InitializationTimeout": minMax(0, 1<<62),
			},
		},
		"Health": {
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"FailureThreshold": minMax(1, 1000),
				"CheckInterval":    minMax(0, 1<<62),
				"CheckTimeout":     minMax(0, 1<<62),
			},
		},
	},
}

// Validate checks cfg against configSchema via a JSON round trip: Config's
// fields all marshal to plain numbers/strings/objects, which is what the
// schema describes. A loaded-but-invalid config is reported before it ever
// reaches the pool manager or storage backend.
func Validate(cfg *Config) error {
	resolved, err := configSchema.Resolve(nil)
	if err != nil {
		return fmt.Errorf("internal config schema is invalid: %w", err)
	}

	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config for validation: %w", err)
	}

	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return fmt.Errorf("failed to decode config for validation: %w", err)
	}

	if err := resolved.Validate(instance); err != nil {
		return fmt.Errorf("config failed validation: %w", err)
	}

	return nil
}
