package delta

import (
	"strings"

	"github.com/openfroyo/orchestra/pkg/model"
)

// Config decides which mismatched keys count toward an error classification.
type Config struct {
	// IncludedKeys are flattened keys whose mismatch is an error.
	IncludedKeys []string `yaml:"includedKeys" json:"includedKeys"`

	// IncludedPrefixes include every flattened key starting with one of them.
	IncludedPrefixes []string `yaml:"includedPrefixes" json:"includedPrefixes"`

	// ExcludedKeys are removed from the included set. A nil set excludes nothing.
	ExcludedKeys []string `yaml:"excludedKeys,omitempty" json:"excludedKeys,omitempty"`
}

// DefaultConfig includes parent, script, entryState and every init parameter.
func DefaultConfig() Config {
	return Config{
		IncludedKeys:     []string{model.KeyParent, model.KeyScript, model.KeyEntryState},
		IncludedPrefixes: []string{model.PrefixInitParams},
	}
}

// IsKeyIncluded reports whether a mismatch on key counts toward an error.
func (c Config) IsKeyIncluded(key string) bool {
	for _, k := range c.ExcludedKeys {
		if k == key {
			return false
		}
	}
	for _, k := range c.IncludedKeys {
		if k == key {
			return true
		}
	}
	for _, p := range c.IncludedPrefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}
