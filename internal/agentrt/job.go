package agentrt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/undefinedsco/xpod/internal/acp"
	"github.com/undefinedsco/xpod/internal/pushqueue"
)

// job is one user turn: one input, one output stream. Immutable once
// enqueued except for the idle timer.
type job struct {
	input     string
	pendingID string // set for RespondToRequest jobs
	output    string // raw tool output for RespondToRequest jobs

	idle     time.Duration
	authWait time.Duration
	out      *pushqueue.Queue[Event]

	timerMu sync.Mutex
	timer   *time.Timer
}

// bump restarts the idle timer with d. No-op once the job finished.
func (j *job) bump(d time.Duration) {
	j.timerMu.Lock()
	if j.timer != nil {
		j.timer.Reset(d)
	}
	j.timerMu.Unlock()
}

// JobOptions overrides the thread's stream timing for one job.
type JobOptions struct {
	IdleMs     int
	AuthWaitMs int
}

// newJob applies per-job overrides over the thread config's timing.
func (t *thread) newJob(opts *JobOptions) *job {
	cfg := t.cfg
	if opts != nil {
		if opts.IdleMs > 0 {
			cfg.IdleMs = opts.IdleMs
		}
		if opts.AuthWaitMs > 0 {
			cfg.AuthWaitMs = opts.AuthWaitMs
		}
	}
	return &job{
		idle:     cfg.idleTimeout(),
		authWait: cfg.authTimeout(),
		out:      pushqueue.New[Event](),
	}
}

// SendMessage enqueues a user turn on the thread's FIFO and returns the
// job's output stream immediately. Jobs on one thread run strictly one at
// a time in enqueue order; jobs on different threads run independently.
func (rt *Runtime) SendMessage(threadID, input string, opts *JobOptions) (*Stream, error) {
	rt.mu.Lock()
	t := rt.threads[threadID]
	rt.mu.Unlock()
	if t == nil {
		return nil, fmt.Errorf("unknown thread %q", threadID)
	}

	j := t.newJob(opts)
	j.input = input
	rt.enqueue(t, j)
	return j.out, nil
}

// RespondToRequest resumes a previously surfaced tool-call and returns a
// fresh output stream for the continuation. Fails when requestID has no
// pending entry.
func (rt *Runtime) RespondToRequest(threadID, requestID, output string, opts *JobOptions) (*Stream, error) {
	rt.mu.Lock()
	t := rt.threads[threadID]
	rt.mu.Unlock()
	if t == nil {
		return nil, fmt.Errorf("unknown thread %q", threadID)
	}

	t.mu.Lock()
	_, exists := t.pending[requestID]
	t.mu.Unlock()
	if !exists {
		return nil, fmt.Errorf("no pending request %q on thread %q", requestID, threadID)
	}

	j := t.newJob(opts)
	j.pendingID = requestID
	j.output = output
	rt.enqueue(t, j)
	return j.out, nil
}

// enqueue appends the job and launches the pump unless one is already
// draining this thread.
func (rt *Runtime) enqueue(t *thread, j *job) {
	t.mu.Lock()
	t.queue = append(t.queue, j)
	launch := !t.processing
	if launch {
		t.processing = true
	}
	t.mu.Unlock()
	if launch {
		go rt.pump(t)
	}
}

// pump drains the thread's FIFO one job at a time. At most one pump runs
// per thread; it exits when the queue is empty.
func (rt *Runtime) pump(t *thread) {
	for {
		t.mu.Lock()
		if len(t.queue) == 0 {
			t.processing = false
			t.mu.Unlock()
			return
		}
		j := t.queue[0]
		t.queue = t.queue[1:]
		t.current = j
		t.mu.Unlock()

		rt.runJob(t, j)

		t.mu.Lock()
		t.current = nil
		t.mu.Unlock()
	}
}

// runJob executes one job and blocks until its output stream closes. The
// stream closes when the idle timer fires, when the agent rejects the
// prompt, when a tool-call hands control back to the caller, or when the
// child exits.
func (rt *Runtime) runJob(t *thread, j *job) {
	j.timerMu.Lock()
	j.timer = time.AfterFunc(j.idle, j.out.Close)
	j.timerMu.Unlock()
	defer func() {
		j.timerMu.Lock()
		j.timer.Stop()
		j.timer = nil
		j.timerMu.Unlock()
	}()

	if j.pendingID != "" {
		rt.runRespondJob(t, j)
		return
	}

	// The prompt response is captured opportunistically: some agents only
	// return terminal text in the response, others stream everything via
	// session/update and return an empty result.
	go func() {
		res, err := t.conn.Request(context.Background(),
			acp.MethodSessionPrompt, promptParams(t.sessionID, j.input))
		if err != nil {
			if !j.out.IsClosed() {
				j.out.Push(errorEvent(truncate(requestErrorMessage(err))))
				j.out.Close()
			}
			return
		}
		if txt := ExtractUpdateText(res); txt != "" && !j.out.IsClosed() {
			j.out.Push(textEvent(txt))
			j.bump(j.idle)
		}
	}()

	<-j.out.Closed()
}

// runRespondJob resolves the stored agent request with the caller's output
// and then streams the continuation exactly like the post-prompt tail.
func (rt *Runtime) runRespondJob(t *thread, j *job) {
	t.mu.Lock()
	pc := t.pending[j.pendingID]
	delete(t.pending, j.pendingID)
	t.mu.Unlock()

	if pc == nil {
		// Raced with child exit or a duplicate response.
		j.out.Push(errorEvent(fmt.Sprintf("no pending request %q", j.pendingID)))
		j.out.Close()
		return
	}

	pc.req.Respond(parseToolOutput(j.output))
	<-j.out.Closed()
}

// parseToolOutput prefers structured JSON; a caller sending plain text gets
// it passed through as a JSON string.
func parseToolOutput(output string) any {
	var v any
	if err := json.Unmarshal([]byte(output), &v); err == nil {
		return v
	}
	return output
}

func promptParams(sessionID, input string) map[string]any {
	return map[string]any{
		"sessionId": sessionID,
		"prompt": []map[string]any{
			{"type": "text", "text": input},
		},
	}
}

// requestErrorMessage formats an agent rejection, prefixing any message the
// agent attached in error.data.
func requestErrorMessage(err error) string {
	we, ok := err.(*acp.WireError)
	if !ok {
		return err.Error()
	}
	msg := we.Message
	if len(we.Data) > 0 {
		var data struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(we.Data, &data) == nil && data.Message != "" {
			msg = data.Message + ": " + msg
		}
	}
	return msg
}

// handlers builds the thread-level transport listeners. They are installed
// once per thread; delivery targets whichever job is current when an event
// arrives, which is exactly the job the pump is running.
func (rt *Runtime) handlers(t *thread) acp.Handlers {
	return acp.Handlers{
		OnNotification: func(method string, params json.RawMessage) {
			if method != acp.MethodSessionUpdate {
				return
			}
			var p struct {
				SessionID string          `json:"sessionId"`
				Update    json.RawMessage `json:"update"`
			}
			if err := json.Unmarshal(params, &p); err != nil {
				return
			}
			// Notifications for foreign sessions are dropped.
			if p.SessionID != t.sessionID {
				return
			}
			payload := p.Update
			if len(payload) == 0 {
				payload = params
			}
			txt := ExtractUpdateText(payload)
			if txt == "" {
				return
			}
			t.mu.Lock()
			j := t.current
			t.mu.Unlock()
			if j == nil || j.out.IsClosed() {
				return
			}
			j.out.Push(textEvent(txt))
			j.bump(j.idle)
		},

		OnRequest: func(req *acp.IncomingRequest) {
			rt.handleAgentRequest(t, req)
		},

		OnStdout: func(rawLine string) {
			rt.logger.Printf("thread %s: stdout: %s", t.id, rawLine)
		},
		OnStderr: func(line string) {
			rt.logger.Printf("thread %s: stderr: %s", t.id, line)
		},
	}
}

// handleAgentRequest dispatches an agent-originated request: permission and
// auth requests are acked inline after surfacing an auth_required event;
// anything else becomes a pending tool-call and ends the current stream so
// the caller can answer via RespondToRequest.
func (rt *Runtime) handleAgentRequest(t *thread, req *acp.IncomingRequest) {
	switch req.Method {
	case acp.MethodRequestPermission:
		rt.pushAuthEvent(t, req)
		permission := rt.Permission
		if permission == nil {
			permission = grantAll
		}
		req.Respond(permission(t.id, req.Params))

	case acp.MethodAuthRequest, acp.MethodAuthAuthorize:
		rt.pushAuthEvent(t, req)
		req.Respond(map[string]bool{"handled": true})

	default:
		requestID := fmt.Sprintf("acp:%d", req.ID)
		args := "{}"
		if len(req.Params) > 0 {
			args = string(req.Params)
		}

		t.mu.Lock()
		t.pending[requestID] = &pendingToolCall{method: req.Method, req: req}
		j := t.current
		t.mu.Unlock()

		if j == nil || j.out.IsClosed() {
			return
		}
		j.out.Push(Event{
			Type:      EventToolCall,
			RequestID: requestID,
			Name:      req.Method,
			Arguments: args,
		})
		// Finish the stream immediately so the caller can respond.
		j.out.Close()
	}
}

// pushAuthEvent surfaces an auth_required event on the current job and
// extends the idle window so the user can complete a browser flow.
func (rt *Runtime) pushAuthEvent(t *thread, req *acp.IncomingRequest) {
	t.mu.Lock()
	j := t.current
	t.mu.Unlock()
	if j == nil || j.out.IsClosed() {
		return
	}
	j.out.Push(Event{
		Type:    EventAuthRequired,
		Method:  req.Method,
		URL:     extractAuthURL(req.Params),
		Message: extractAuthMessage(req.Params),
		Options: extractAuthOptions(req.Params),
	})
	j.bump(j.authWait)
}
