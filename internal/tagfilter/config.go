package tagfilter

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the filter rules per entity kind. A kind without rules
// passes everything.
type Config struct {
	Nodes     *FilterConfig `yaml:"nodes,omitempty"`
	Ways      *FilterConfig `yaml:"ways,omitempty"`
	Relations *FilterConfig `yaml:"relations,omitempty"`
}

// FilterConfig defines the rules for one kind
type FilterConfig struct {
	// Include keeps entities carrying one of these keys. An empty value list
	// accepts any value, "*" does the same inside a list.
	Include map[string][]string `yaml:"include,omitempty"`
	// Exclude drops entities carrying one of these keys, after Include.
	Exclude map[string][]string `yaml:"exclude,omitempty"`
	// RequireAny drops entities carrying none of these keys.
	RequireAny []string `yaml:"require_any,omitempty"`

	// KeepTags narrows stored tags to these keys. Empty keeps all.
	KeepTags []string `yaml:"keep_tags,omitempty"`
	// DropTags removes these keys before storage. A trailing * matches a prefix.
	DropTags []string `yaml:"drop_tags,omitempty"`
}

// LoadConfig loads a filter configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read filter file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses a filter configuration
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse filter YAML: %w", err)
	}
	return &cfg, nil
}
