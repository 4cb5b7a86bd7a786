package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/undefinedsco/xpod/internal/acp"
	"github.com/undefinedsco/xpod/internal/agentrt"
	"github.com/undefinedsco/xpod/internal/procs"
	"github.com/undefinedsco/xpod/internal/supervisor"
)

// scriptedAgent fakes the agent child for bridge tests: the session
// handshake succeeds, and every prompt streams two deltas.
type scriptedAgent struct {
	mu       sync.Mutex
	handlers acp.Handlers
	exitCh   chan procs.ExitStatus
	stops    int
}

func (s *scriptedAgent) Request(_ context.Context, method string, _ any) (json.RawMessage, error) {
	switch method {
	case acp.MethodSessionNew:
		return json.RawMessage(`{"sessionId":"bridge-session"}`), nil
	case acp.MethodSessionPrompt:
		s.mu.Lock()
		h := s.handlers
		s.mu.Unlock()
		for _, delta := range []string{"hello ", "world"} {
			params, _ := json.Marshal(map[string]any{
				"sessionId": "bridge-session",
				"update":    map[string]string{"delta": delta},
			})
			h.OnNotification(acp.MethodSessionUpdate, params)
		}
		return json.RawMessage(`{}`), nil
	default:
		return json.RawMessage(`{}`), nil
	}
}

func (s *scriptedAgent) Notify(string, any) error { return nil }

func (s *scriptedAgent) SetHandlers(h acp.Handlers) {
	s.mu.Lock()
	s.handlers = h
	s.mu.Unlock()
}

func (s *scriptedAgent) Exited() <-chan procs.ExitStatus { return s.exitCh }
func (s *scriptedAgent) Running() bool                   { return true }

func (s *scriptedAgent) Stop(os.Signal) error {
	s.mu.Lock()
	s.stops++
	s.mu.Unlock()
	return nil
}

func newBridgeGateway(t *testing.T) (*Gateway, *scriptedAgent) {
	t.Helper()
	agent := &scriptedAgent{exitCh: make(chan procs.ExitStatus, 1)}

	rt := agentrt.New(quietLogger())
	rt.Spawn = func(procs.Spec) (agentrt.Transport, error) { return agent, nil }

	g, err := New(Options{
		BaseURL:    "http://localhost:3000",
		Supervisor: supervisor.New(quietLogger()),
		Agents:     rt,
		AgentDefaults: &agentrt.ThreadConfig{
			Workspace: agentrt.Workspace{Type: "path", RootPath: t.TempDir()},
			Runner:    agentrt.Runner{Type: agentrt.RunnerCodebuddy},
			IdleMs:    50,
		},
		Logger: quietLogger(),
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return g, agent
}

func TestAgentBridge_StreamsNDJSON(t *testing.T) {
	g, _ := newBridgeGateway(t)
	srv := httptest.NewServer(g.router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/service/agent/t1/messages", "application/json",
		strings.NewReader(`{"input":"greet"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Errorf("content type = %q", ct)
	}

	var text string
	var count int
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		var ev agentrt.Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("line %q not JSON: %v", scanner.Text(), err)
		}
		if ev.Type != agentrt.EventText {
			t.Errorf("unexpected event %+v", ev)
		}
		text += ev.Text
		count++
	}
	if text != "hello world" || count != 2 {
		t.Errorf("streamed %d events, text %q", count, text)
	}
}

func TestAgentBridge_RequiresInput(t *testing.T) {
	g, _ := newBridgeGateway(t)
	srv := httptest.NewServer(g.router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/service/agent/t1/messages", "application/json",
		strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestAgentBridge_StopAndUnknownRespond(t *testing.T) {
	g, agent := newBridgeGateway(t)
	srv := httptest.NewServer(g.router())
	defer srv.Close()

	// Start the thread via a message first.
	resp, err := http.Post(srv.URL+"/service/agent/t1/messages", "application/json",
		strings.NewReader(`{"input":"hi"}`))
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()

	// Responding to a request that was never surfaced fails.
	resp, err = http.Post(srv.URL+"/service/agent/t1/requests/acp:99", "application/json",
		strings.NewReader(`{"output":"{}"}`))
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("respond status = %d, want 404", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/service/agent/t1", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("stop status = %d, want 204", resp.StatusCode)
	}
	agent.mu.Lock()
	stops := agent.stops
	agent.mu.Unlock()
	if stops != 1 {
		t.Errorf("agent stopped %d times, want 1", stops)
	}
}
