package agentrt

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/undefinedsco/xpod/internal/acp"
	"github.com/undefinedsco/xpod/internal/procs"
	"github.com/undefinedsco/xpod/internal/pushqueue"
	"github.com/undefinedsco/xpod/internal/version"
)

// handshakeTimeout bounds initialize and session/new at thread start.
const handshakeTimeout = 60 * time.Second

// Transport is the surface the runtime needs from an agent child.
// *acp.Transport satisfies it; tests inject scripted fakes.
type Transport interface {
	Request(ctx context.Context, method string, params any) (json.RawMessage, error)
	Notify(method string, params any) error
	SetHandlers(h acp.Handlers)
	Exited() <-chan procs.ExitStatus
	Running() bool
	Stop(sig os.Signal) error
}

// SpawnFunc creates the transport for an agent child process.
type SpawnFunc func(spec procs.Spec) (Transport, error)

// PermissionFunc decides the reply to session/request_permission. The
// default grants everything, which is only appropriate for local operator
// deployments; multi-tenant callers inject their own policy.
type PermissionFunc func(threadID string, params json.RawMessage) any

func grantAll(string, json.RawMessage) any {
	return map[string]bool{"granted": true}
}

// pendingToolCall is an agent request of unknown method awaiting a
// RespondToRequest from the caller.
type pendingToolCall struct {
	method string
	req    *acp.IncomingRequest
}

// thread is the per-conversation state: one agent child, one session, a
// FIFO of jobs, and the pending tool-call map.
type thread struct {
	id        string
	cfg       ThreadConfig
	conn      Transport
	sessionID string
	workdir   string
	startedAt time.Time

	mu         sync.Mutex
	queue      []*job
	processing bool
	current    *job
	pending    map[string]*pendingToolCall
}

// ThreadInfo is the externally visible state of a started thread.
type ThreadInfo struct {
	ThreadID  string    `json:"threadId"`
	SessionID string    `json:"sessionId"`
	Workdir   string    `json:"workdir"`
	StartedAt time.Time `json:"startedAt"`
}

// Runtime manages agent threads. The zero value is not usable; call New.
type Runtime struct {
	// BinDir, when set, is checked for runner binaries before PATH.
	BinDir string
	// Permission replaces the default grant-all permission policy.
	Permission PermissionFunc
	// Spawn creates agent transports. Defaults to spawning real
	// subprocesses over ACP; tests substitute scripted fakes.
	Spawn SpawnFunc

	logger *log.Logger

	mu       sync.Mutex
	threads  map[string]*thread
	starting map[string]chan struct{}
}

// New creates a runtime that spawns real agent subprocesses.
func New(logger *log.Logger) *Runtime {
	if logger == nil {
		logger = log.New(os.Stdout, "[agent] ", log.LstdFlags)
	}
	return &Runtime{
		Spawn: func(spec procs.Spec) (Transport, error) {
			return acp.StartTransport(spec)
		},
		logger:   logger,
		threads:  map[string]*thread{},
		starting: map[string]chan struct{}{},
	}
}

// IsRunning reports whether threadID has a live agent child.
func (rt *Runtime) IsRunning(threadID string) bool {
	rt.mu.Lock()
	t := rt.threads[threadID]
	rt.mu.Unlock()
	return t != nil && t.conn.Running()
}

// EnsureStarted starts the thread's agent child if needed and returns its
// state. Idempotent: a live thread returns the state captured at first
// start. On failure no thread entry is stored and the caller may retry.
func (rt *Runtime) EnsureStarted(threadID string, cfg ThreadConfig) (*ThreadInfo, error) {
	for {
		rt.mu.Lock()
		if t := rt.threads[threadID]; t != nil {
			rt.mu.Unlock()
			return t.info(), nil
		}
		if wait := rt.starting[threadID]; wait != nil {
			rt.mu.Unlock()
			<-wait
			continue
		}
		wait := make(chan struct{})
		rt.starting[threadID] = wait
		rt.mu.Unlock()

		t, err := rt.start(threadID, cfg)

		rt.mu.Lock()
		delete(rt.starting, threadID)
		if err == nil {
			rt.threads[threadID] = t
		}
		rt.mu.Unlock()
		close(wait)

		if err != nil {
			return nil, err
		}
		go rt.watchExit(t)
		return t.info(), nil
	}
}

// start performs the spawn and session handshake for one thread.
func (rt *Runtime) start(threadID string, cfg ThreadConfig) (*thread, error) {
	if p := cfg.Runner.Protocol; p != "" && p != ProtocolACP {
		return nil, fmt.Errorf("runner protocol %q is not supported (only %q)", p, ProtocolACP)
	}

	workdir, err := resolveWorkdir(cfg.Workspace, threadID)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace: %w", err)
	}

	creds := resolveCredentials(cfg.AgentConfig)
	env, err := buildRunnerEnv(cfg.Runner.Type, threadID, workdir, creds)
	if err != nil {
		return nil, fmt.Errorf("build runner environment: %w", err)
	}

	argv := cfg.Runner.Argv
	if len(argv) == 0 {
		argv, err = defaultArgv(cfg.Runner.Type)
		if err != nil {
			return nil, err
		}
	}

	c, err := rt.Spawn(procs.Spec{
		Command: resolveCommand(rt.BinDir, argv[0]),
		Args:    argv[1:],
		Dir:     workdir,
		Env:     env,
	})
	if err != nil {
		return nil, fmt.Errorf("start agent: %w", err)
	}

	t := &thread{
		id:        threadID,
		cfg:       cfg,
		conn:      c,
		workdir:   workdir,
		startedAt: time.Now(),
		pending:   map[string]*pendingToolCall{},
	}
	c.SetHandlers(rt.handlers(t))

	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	defer cancel()

	sessionID, err := rt.handshake(ctx, c, workdir, cfg.AgentConfig)
	if err != nil {
		_ = c.Stop(syscall.SIGTERM)
		return nil, err
	}
	t.sessionID = sessionID

	rt.logger.Printf("thread %s: agent started (session %s, workdir %s)", threadID, sessionID, workdir)
	return t, nil
}

// handshake issues initialize then session/new and returns the session id.
func (rt *Runtime) handshake(ctx context.Context, c Transport, workdir string, agentCfg *AgentConfig) (string, error) {
	initParams := map[string]any{
		"protocolVersion":    1,
		"clientCapabilities": map[string]any{},
		"clientInfo":         map[string]string{"name": "xpod", "version": version.Short()},
	}
	if _, err := c.Request(ctx, acp.MethodInitialize, initParams); err != nil {
		return "", fmt.Errorf("initialize: %w", err)
	}

	res, err := c.Request(ctx, acp.MethodSessionNew, sessionNewParams(workdir, agentCfg))
	if err != nil {
		return "", fmt.Errorf("session/new: %w", err)
	}

	var parsed struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(res, &parsed); err != nil || parsed.SessionID == "" {
		return "", fmt.Errorf("session/new returned no session id")
	}
	return parsed.SessionID, nil
}

// sessionNewParams builds the session/new parameter object. cwd and
// mcpServers are always present; the rest only when the agent config
// provides them.
func sessionNewParams(workdir string, agentCfg *AgentConfig) map[string]any {
	params := map[string]any{
		"cwd":        workdir,
		"mcpServers": mcpServerList(agentCfg),
	}
	if agentCfg == nil {
		return params
	}
	if agentCfg.SystemPrompt != "" {
		params["systemPrompt"] = agentCfg.SystemPrompt
	}
	if agentCfg.SkillsContent != "" {
		params["appendSystemPrompt"] = agentCfg.SkillsContent
	}
	if agentCfg.MaxTurns > 0 {
		params["maxTurns"] = agentCfg.MaxTurns
	}
	if len(agentCfg.AllowedTools) > 0 {
		params["allowedTools"] = agentCfg.AllowedTools
	}
	if len(agentCfg.DisallowedTools) > 0 {
		params["disallowedTools"] = agentCfg.DisallowedTools
	}
	if agentCfg.PermissionMode != "" {
		params["permissionMode"] = agentCfg.PermissionMode
	}
	return params
}

// mcpServerList flattens the configured MCP servers into the wire shape:
// an array of {name, ...serverConfig} objects in name order.
func mcpServerList(agentCfg *AgentConfig) []map[string]any {
	if agentCfg == nil || len(agentCfg.MCPServers) == 0 {
		return []map[string]any{}
	}
	names := make([]string, 0, len(agentCfg.MCPServers))
	for name := range agentCfg.MCPServers {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]map[string]any, 0, len(names))
	for _, name := range names {
		entry := map[string]any{"name": name}
		for k, v := range agentCfg.MCPServers[name] {
			entry[k] = v
		}
		out = append(out, entry)
	}
	return out
}

// Stop sends SIGINT to the thread's agent. Best-effort: the thread entry
// remains until the child actually exits. Isolated homes and worktrees are
// left in place.
func (rt *Runtime) Stop(threadID string) error {
	rt.mu.Lock()
	t := rt.threads[threadID]
	rt.mu.Unlock()
	if t == nil {
		return fmt.Errorf("unknown thread %q", threadID)
	}
	return t.conn.Stop(syscall.SIGINT)
}

// watchExit cleans up after the agent child dies: the thread entry is
// removed, in-flight and queued job streams are closed with a terminal
// error, and pending tool-calls are discarded.
func (rt *Runtime) watchExit(t *thread) {
	status := <-t.conn.Exited()

	rt.mu.Lock()
	if rt.threads[t.id] == t {
		delete(rt.threads, t.id)
	}
	rt.mu.Unlock()

	t.mu.Lock()
	current := t.current
	queued := t.queue
	t.queue = nil
	t.pending = map[string]*pendingToolCall{}
	t.mu.Unlock()

	msg := fmt.Sprintf("agent exited (%s)", status)
	if current != nil && !current.out.IsClosed() {
		current.out.Push(errorEvent(msg))
		current.out.Close()
	}
	for _, j := range queued {
		j.out.Push(errorEvent(msg))
		j.out.Close()
	}
	rt.logger.Printf("thread %s: %s", t.id, msg)
}

func (t *thread) info() *ThreadInfo {
	return &ThreadInfo{
		ThreadID:  t.id,
		SessionID: t.sessionID,
		Workdir:   t.workdir,
		StartedAt: t.startedAt,
	}
}

// Stream is the event stream returned to a job's caller.
type Stream = pushqueue.Queue[Event]
