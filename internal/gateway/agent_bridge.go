package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/undefinedsco/xpod/internal/agentrt"
)

// agentMessageRequest is the body of POST /service/agent/{threadID}/messages.
type agentMessageRequest struct {
	Input      string                `json:"input"`
	Config     *agentrt.ThreadConfig `json:"config,omitempty"`
	IdleMs     int                   `json:"idleMs,omitempty"`
	AuthWaitMs int                   `json:"authWaitMs,omitempty"`
}

// agentRespondRequest is the body of POST .../requests/{requestID}.
type agentRespondRequest struct {
	Output     string `json:"output"`
	IdleMs     int    `json:"idleMs,omitempty"`
	AuthWaitMs int    `json:"authWaitMs,omitempty"`
}

// handleAgentMessage starts the thread if needed, enqueues the turn, and
// streams output events as NDJSON until the job's stream closes.
func (g *Gateway) handleAgentMessage(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")

	var req agentMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body: " + err.Error()})
		return
	}
	if req.Input == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "input is required"})
		return
	}

	if !g.agents.IsRunning(threadID) {
		cfg := req.Config
		if cfg == nil {
			cfg = g.agentDefaults
		}
		if cfg == nil {
			writeJSON(w, http.StatusConflict, map[string]string{
				"error": "thread not running; config is required to start it",
			})
			return
		}
		if _, err := g.agents.EnsureStarted(threadID, *cfg); err != nil {
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
			return
		}
	}

	stream, err := g.agents.SendMessage(threadID, req.Input, jobOptions(req.IdleMs, req.AuthWaitMs))
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	g.streamEvents(w, stream)
}

// handleAgentRespond resumes a pending tool-call and streams the
// continuation.
func (g *Gateway) handleAgentRespond(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")
	requestID := chi.URLParam(r, "requestID")

	var req agentRespondRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body: " + err.Error()})
		return
	}

	stream, err := g.agents.RespondToRequest(threadID, requestID, req.Output, jobOptions(req.IdleMs, req.AuthWaitMs))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	g.streamEvents(w, stream)
}

func (g *Gateway) handleAgentStop(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")
	if err := g.agents.Stop(threadID); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// streamEvents writes one JSON object per line, flushing after each event,
// and returns when the stream closes.
func (g *Gateway) streamEvents(w http.ResponseWriter, stream *agentrt.Stream) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	for {
		ev, ok := stream.Next()
		if !ok {
			return
		}
		if err := enc.Encode(ev); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func jobOptions(idleMs, authWaitMs int) *agentrt.JobOptions {
	if idleMs == 0 && authWaitMs == 0 {
		return nil
	}
	return &agentrt.JobOptions{IdleMs: idleMs, AuthWaitMs: authWaitMs}
}
