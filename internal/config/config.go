// Package config loads the node configuration: the viper-backed config
// file plus XPOD_-prefixed environment variables, the optional KEY=VALUE
// env file, and the YAML agent-defaults file.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Modes the node can run in.
const (
	ModeLocal = "local"
	ModeCloud = "cloud"
)

// Default port hints. The gateway takes the public port; backends get free
// ports scanned from their hints.
const (
	DefaultPort     = 3000
	DefaultCSSPort  = 3101
	DefaultAPIPort  = 3201
	DefaultBaseHost = "localhost"
)

// BackendConfig describes one supervised backend process. Args may contain
// the "{port}" placeholder, replaced with the backend's chosen port.
type BackendConfig struct {
	Command string            `mapstructure:"command"`
	Args    []string          `mapstructure:"args"`
	Env     map[string]string `mapstructure:"env"`
	Dir     string            `mapstructure:"dir"`
}

// CSSConfig configures the content server backend.
type CSSConfig struct {
	BackendConfig `mapstructure:",squash"`
	DataDir       string `mapstructure:"data_dir"`
	LoggingLevel  string `mapstructure:"logging_level"`
}

// NodeConfig contains node-level settings.
type NodeConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	PublicURL string `mapstructure:"public_url"`
}

// AgentSection points at the agent defaults file and the local binaries
// directory for runner commands.
type AgentSection struct {
	DefaultsFile string `mapstructure:"defaults_file"`
	BinDir       string `mapstructure:"bin_dir"`
}

// CloudConfig contains cloud-mode settings: the GCP project and the Secret
// Manager resource holding the default agent API key.
type CloudConfig struct {
	Project      string `mapstructure:"project"`
	APIKeySecret string `mapstructure:"api_key_secret"`
}

// Config is the full xpod configuration.
type Config struct {
	Node   NodeConfig        `mapstructure:"node"`
	CSS    CSSConfig         `mapstructure:"css"`
	API    BackendConfig     `mapstructure:"api"`
	Routes map[string]string `mapstructure:"routes"`
	Agent  AgentSection      `mapstructure:"agent"`
	Cloud  CloudConfig       `mapstructure:"cloud"`
}

// Load unmarshals the configuration from viper (config file + environment)
// and applies defaults.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Node.BaseURL == "" {
		cfg.Node.BaseURL = fmt.Sprintf("http://%s:%d", DefaultBaseHost, DefaultPort)
	}
	if cfg.CSS.Command == "" {
		cfg.CSS.Command = "community-solid-server"
		cfg.CSS.Args = []string{"--port", "{port}"}
	}
	if cfg.CSS.LoggingLevel == "" {
		cfg.CSS.LoggingLevel = "warn"
	}
	if cfg.API.Command == "" {
		cfg.API.Command = "xpod-api"
		cfg.API.Args = []string{"--port", "{port}"}
	}
	if len(cfg.Routes) == 0 {
		cfg.Routes = map[string]string{
			"/api": "api",
			"/":    "css",
		}
	}
}

// ExpandArgs replaces the "{port}" placeholder in backend args.
func ExpandArgs(args []string, port int) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = strings.ReplaceAll(a, "{port}", fmt.Sprintf("%d", port))
	}
	return out
}
