package config

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/go-viper/mapstructure/v2"
)

// SettableKeys are the options that may be persisted as store settings
// and applied over the file and environment configuration.
var SettableKeys = []string{
	"comparison.tie_threshold_percent",
	"execution.event_buffer",
	"execution.parallel_workers",
	"execution.repeat_count",
	"execution.retry.backoff",
	"execution.retry.max_attempts",
	"execution.run_timeout",
	"execution.submission_rate",
	"execution.task_timeout",
}

// IsSettableKey reports whether key can be stored as a setting.
func IsSettableKey(key string) bool {
	return slices.Contains(SettableKeys, key)
}

// ApplySettings decodes persisted settings onto the configuration. Values
// are strings and weakly converted to the field type. The result is
// validated; on error the configuration is left unchanged.
func (c *Config) ApplySettings(settings map[string]string) error {
	if len(settings) == 0 {
		return nil
	}

	keys := make([]string, 0, len(settings))
	for key := range settings {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	tree := make(map[string]any, 2)

	for _, key := range keys {
		if !IsSettableKey(key) {
			return fmt.Errorf("unknown setting %q", key)
		}

		insert(tree, strings.Split(key, "."), settings[key])
	}

	next := *c

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       decodeHook(),
		WeaklyTypedInput: true,
		Result:           &next,
	})
	if err != nil {
		return fmt.Errorf("creating settings decoder: %w", err)
	}

	if err := decoder.Decode(tree); err != nil {
		return fmt.Errorf("decoding settings: %w", err)
	}

	if err := next.Execution.Validate(); err != nil {
		return fmt.Errorf("settings: %w", err)
	}

	if next.Comparison.TieThresholdPercent < 0 {
		return fmt.Errorf("settings: tie_threshold_percent must not be negative")
	}

	*c = next

	return nil
}

func insert(tree map[string]any, path []string, value string) {
	if len(path) == 1 {
		tree[path[0]] = value

		return
	}

	child, ok := tree[path[0]].(map[string]any)
	if !ok {
		child = make(map[string]any, 1)
		tree[path[0]] = child
	}

	insert(child, path[1:], value)
}
