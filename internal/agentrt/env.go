package agentrt

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// homesDirName is the container for isolated agent homes under the OS temp
// directory. Homes are created lazily and never deleted automatically; the
// operator owns cleanup.
const homesDirName = "xpod-agent-homes"

// Credentials are the resolved agent credentials for one thread.
type Credentials struct {
	APIKey  string
	BaseURL string
	Model   string
}

// resolveCredentials takes credentials from the agent config when provided,
// falling back to the ambient DEFAULT_* environment.
func resolveCredentials(agentCfg *AgentConfig) Credentials {
	creds := Credentials{
		APIKey:  os.Getenv("DEFAULT_API_KEY"),
		BaseURL: os.Getenv("DEFAULT_API_BASE"),
		Model:   os.Getenv("DEFAULT_MODEL"),
	}
	if agentCfg == nil {
		return creds
	}
	if agentCfg.APIKey != "" {
		creds.APIKey = agentCfg.APIKey
	}
	if agentCfg.BaseURL != "" {
		creds.BaseURL = agentCfg.BaseURL
	}
	if agentCfg.Model != "" {
		creds.Model = agentCfg.Model
	}
	return creds
}

// isolatedHome returns the stable per-thread home directory for a runner.
// The hash keys on (runnerType, threadId, workdir) so the same thread gets
// the same home across restarts.
func isolatedHome(runnerType, threadID, workdir string) string {
	sum := sha256.Sum256([]byte(runnerType + "|" + threadID + "|" + workdir))
	return filepath.Join(os.TempDir(), homesDirName, hex.EncodeToString(sum[:])[:16])
}

// buildRunnerEnv computes the environment overlay for a runner. codebuddy
// manages its own local auth state and gets no overlay.
func buildRunnerEnv(runnerType, threadID, workdir string, creds Credentials) (map[string]string, error) {
	if runnerType == RunnerCodebuddy {
		return nil, nil
	}

	home := isolatedHome(runnerType, threadID, workdir)
	if err := os.MkdirAll(home, 0o755); err != nil {
		return nil, fmt.Errorf("create isolated home: %w", err)
	}

	env := map[string]string{
		"HOME":            home,
		"XDG_CONFIG_HOME": filepath.Join(home, ".config"),
		"XDG_STATE_HOME":  filepath.Join(home, ".local", "state"),
		"XDG_DATA_HOME":   filepath.Join(home, ".local", "share"),
		"XDG_CACHE_HOME":  filepath.Join(home, ".cache"),
	}

	switch runnerType {
	case RunnerClaude:
		applyClaudeEnv(env, creds)
	case RunnerCodex:
		if err := applyCodexEnv(env, home, creds); err != nil {
			return nil, err
		}
	}
	return env, nil
}

// authTokenHosts are API gateways that expect the OAuth-style
// ANTHROPIC_AUTH_TOKEN instead of ANTHROPIC_API_KEY.
var authTokenHosts = []string{"openrouter.ai"}

// applyClaudeEnv points the claude runner at the configured provider. The
// base URL is normalized by stripping a trailing /v1 (the CLI appends its
// own version segment), and all three default-model variables are pinned to
// the same model so every tier resolves identically.
func applyClaudeEnv(env map[string]string, creds Credentials) {
	base := strings.TrimSuffix(strings.TrimSuffix(creds.BaseURL, "/"), "/v1")

	keyVar := "ANTHROPIC_API_KEY"
	if host := urlHost(base); host != "" {
		for _, h := range authTokenHosts {
			if host == h || strings.HasSuffix(host, "."+h) {
				keyVar = "ANTHROPIC_AUTH_TOKEN"
				break
			}
		}
	}
	if creds.APIKey != "" {
		env[keyVar] = creds.APIKey
	}
	if base != "" {
		env["ANTHROPIC_BASE_URL"] = base
	}
	if creds.Model != "" {
		env["ANTHROPIC_DEFAULT_SONNET_MODEL"] = creds.Model
		env["ANTHROPIC_DEFAULT_HAIKU_MODEL"] = creds.Model
		env["ANTHROPIC_DEFAULT_OPUS_MODEL"] = creds.Model
	}
}

// codexConfig is the minimal CODEX_HOME/config.toml the codex runner needs:
// a single provider entry and the model to use.
type codexConfig struct {
	Model         string                       `toml:"model,omitempty"`
	ModelProvider string                       `toml:"model_provider"`
	Providers     map[string]codexProviderToml `toml:"model_providers"`
}

type codexProviderToml struct {
	Name    string `toml:"name"`
	BaseURL string `toml:"base_url,omitempty"`
	WireAPI string `toml:"wire_api"`
}

// applyCodexEnv creates CODEX_HOME with config.toml and auth.json. Existing
// files are reused so a restarted thread keeps its state.
func applyCodexEnv(env map[string]string, home string, creds Credentials) error {
	codexHome := filepath.Join(home, ".codex")
	if err := os.MkdirAll(codexHome, 0o755); err != nil {
		return fmt.Errorf("create codex home: %w", err)
	}
	env["CODEX_HOME"] = codexHome

	configPath := filepath.Join(codexHome, "config.toml")
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := codexConfig{
			Model:         creds.Model,
			ModelProvider: "xpod",
			Providers: map[string]codexProviderToml{
				"xpod": {
					Name:    "xpod",
					BaseURL: creds.BaseURL,
					WireAPI: wireProtocolForHost(urlHost(creds.BaseURL)),
				},
			},
		}
		f, err := os.OpenFile(configPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
		if err != nil {
			return fmt.Errorf("write codex config: %w", err)
		}
		encErr := toml.NewEncoder(f).Encode(cfg)
		closeErr := f.Close()
		if encErr != nil {
			return fmt.Errorf("encode codex config: %w", encErr)
		}
		if closeErr != nil {
			return fmt.Errorf("write codex config: %w", closeErr)
		}
	}

	authPath := filepath.Join(codexHome, "auth.json")
	if _, err := os.Stat(authPath); os.IsNotExist(err) {
		auth, err := json.Marshal(map[string]string{"OPENAI_API_KEY": creds.APIKey})
		if err != nil {
			return fmt.Errorf("encode codex auth: %w", err)
		}
		if err := os.WriteFile(authPath, auth, 0o600); err != nil {
			return fmt.Errorf("write codex auth: %w", err)
		}
	}
	return nil
}

// wireProtocolForHost selects the codex wire API. Only the native OpenAI
// endpoint speaks "responses"; every other provider gets "chat".
func wireProtocolForHost(host string) string {
	if host == "api.openai.com" {
		return "responses"
	}
	return "chat"
}

func urlHost(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
