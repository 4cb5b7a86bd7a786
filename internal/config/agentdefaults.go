package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/undefinedsco/xpod/internal/agentrt"
)

// LoadAgentDefaults parses the YAML agent-defaults file into a thread
// configuration used when a caller starts a thread without supplying one.
// An empty path returns (nil, nil): defaults are optional. A path naming a
// file that cannot be read is an error.
func LoadAgentDefaults(path string) (*agentrt.ThreadConfig, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agent defaults: %w", err)
	}

	var cfg agentrt.ThreadConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse agent defaults: %w", err)
	}
	if cfg.Runner.Type == "" {
		return nil, fmt.Errorf("agent defaults %s: runner.type is required", path)
	}
	return &cfg, nil
}
