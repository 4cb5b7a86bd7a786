package agentrt

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Runner kinds.
const (
	RunnerCodebuddy = "codebuddy"
	RunnerClaude    = "claude"
	RunnerCodex     = "codex"
)

// ProtocolACP is the only supported runner protocol.
const ProtocolACP = "acp"

// Stream timing defaults (milliseconds, as accepted in ThreadConfig).
const (
	DefaultIdleMs     = 500
	DefaultAuthWaitMs = 300_000
)

// WorktreeSpec controls working-tree resolution for git workspaces.
type WorktreeSpec struct {
	// Mode is "existing" (Path must exist) or "create".
	Mode string `yaml:"mode" json:"mode"`
	// Path is the working tree to use in "existing" mode.
	Path string `yaml:"path,omitempty" json:"path,omitempty"`
	// BaseRef is the ref a created worktree starts from. Default "main".
	BaseRef string `yaml:"baseRef,omitempty" json:"baseRef,omitempty"`
	// Branch optionally names a new branch for a created worktree.
	Branch string `yaml:"branch,omitempty" json:"branch,omitempty"`
	// RootDirName overrides the worktree container directory name
	// (default ".xpod-worktrees").
	RootDirName string `yaml:"rootDirName,omitempty" json:"rootDirName,omitempty"`
}

// Workspace selects the agent's working directory.
type Workspace struct {
	// Type is "path" or "git".
	Type     string        `yaml:"type" json:"type"`
	RootPath string        `yaml:"rootPath" json:"rootPath"`
	Worktree *WorktreeSpec `yaml:"worktree,omitempty" json:"worktree,omitempty"`
}

// Runner selects the agent binary and protocol.
type Runner struct {
	Type string `yaml:"type" json:"type"`
	// Argv overrides the default command line entirely.
	Argv []string `yaml:"argv,omitempty" json:"argv,omitempty"`
	// Protocol must be "acp" (or empty, which defaults to "acp").
	Protocol string `yaml:"protocol,omitempty" json:"protocol,omitempty"`
}

// AgentConfig carries credentials and the prompt overlay forwarded into
// session/new.
type AgentConfig struct {
	APIKey  string `yaml:"apiKey,omitempty" json:"apiKey,omitempty"`
	BaseURL string `yaml:"baseUrl,omitempty" json:"baseUrl,omitempty"`
	Model   string `yaml:"model,omitempty" json:"model,omitempty"`

	SystemPrompt    string                    `yaml:"systemPrompt,omitempty" json:"systemPrompt,omitempty"`
	SkillsContent   string                    `yaml:"skillsContent,omitempty" json:"skillsContent,omitempty"`
	MaxTurns        int                       `yaml:"maxTurns,omitempty" json:"maxTurns,omitempty"`
	AllowedTools    []string                  `yaml:"allowedTools,omitempty" json:"allowedTools,omitempty"`
	DisallowedTools []string                  `yaml:"disallowedTools,omitempty" json:"disallowedTools,omitempty"`
	PermissionMode  string                    `yaml:"permissionMode,omitempty" json:"permissionMode,omitempty"`
	MCPServers      map[string]map[string]any `yaml:"mcpServers,omitempty" json:"mcpServers,omitempty"`
}

// ThreadConfig is the resolved configuration snapshot used at thread start.
type ThreadConfig struct {
	Workspace   Workspace    `yaml:"workspace" json:"workspace"`
	Runner      Runner       `yaml:"runner" json:"runner"`
	IdleMs      int          `yaml:"idleMs,omitempty" json:"idleMs,omitempty"`
	AuthWaitMs  int          `yaml:"authWaitMs,omitempty" json:"authWaitMs,omitempty"`
	AgentConfig *AgentConfig `yaml:"agentConfig,omitempty" json:"agentConfig,omitempty"`
}

// idleTimeout returns the stream idle cutoff.
func (c *ThreadConfig) idleTimeout() time.Duration {
	ms := c.IdleMs
	if ms <= 0 {
		ms = DefaultIdleMs
	}
	return time.Duration(ms) * time.Millisecond
}

// authTimeout returns the stream-open extension after auth_required,
// floored to the idle timeout.
func (c *ThreadConfig) authTimeout() time.Duration {
	ms := c.AuthWaitMs
	if ms <= 0 {
		ms = DefaultAuthWaitMs
	}
	d := time.Duration(ms) * time.Millisecond
	if idle := c.idleTimeout(); d < idle {
		return idle
	}
	return d
}

// defaultArgv maps a runner kind to its agent command line.
func defaultArgv(runnerType string) ([]string, error) {
	switch runnerType {
	case RunnerCodebuddy:
		return []string{"codebuddy", "--acp"}, nil
	case RunnerClaude:
		return []string{"claude-code-acp"}, nil
	case RunnerCodex:
		return []string{"codex-acp"}, nil
	default:
		return nil, fmt.Errorf("unknown runner type %q", runnerType)
	}
}

// resolveCommand prefers a binary shipped in binDir over PATH lookup.
func resolveCommand(binDir, command string) string {
	if binDir == "" {
		return command
	}
	candidate := filepath.Join(binDir, command)
	if info, err := os.Stat(candidate); err == nil && !info.IsDir() && info.Mode()&0o111 != 0 {
		return candidate
	}
	return command
}
