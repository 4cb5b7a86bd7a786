package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/undefinedsco/xpod/internal/procs"
)

// IncomingRequest is an agent-originated request. The listener must call
// exactly one of Respond or Fail; extra calls are ignored.
type IncomingRequest struct {
	ID     int64
	Method string
	Params json.RawMessage

	respondOnce sync.Once
	respond     func(result any)
	fail        func(code int, msg string, data any)
}

// NewIncomingRequest builds a request around transport-supplied answer
// callbacks. Exposed so fake transports can drive request listeners.
func NewIncomingRequest(id int64, method string, params json.RawMessage,
	respond func(result any), fail func(code int, msg string, data any)) *IncomingRequest {
	return &IncomingRequest{ID: id, Method: method, Params: params, respond: respond, fail: fail}
}

// Respond answers the request with result.
func (r *IncomingRequest) Respond(result any) {
	r.respondOnce.Do(func() { r.respond(result) })
}

// Fail answers the request with a JSON-RPC error.
func (r *IncomingRequest) Fail(code int, msg string, data any) {
	r.respondOnce.Do(func() { r.fail(code, msg, data) })
}

// Handlers receives the transport's event streams. Nil fields are skipped;
// a nil OnRequest causes automatic -32601 replies so agents never deadlock
// waiting on an unhandled request.
type Handlers struct {
	OnNotification func(method string, params json.RawMessage)
	OnRequest      func(req *IncomingRequest)
	OnStdout       func(rawLine string) // non-JSON stdout lines
	OnStderr       func(line string)
}

type pendingCall struct {
	ch chan callResult
}

type callResult struct {
	result json.RawMessage
	err    error
}

// Conn multiplexes JSON-RPC over a read/write stream pair. It carries the
// id allocation, the pending-response table, and inbound dispatch; Transport
// binds it to a child process.
type Conn struct {
	w  io.Writer
	wm sync.Mutex // serializes line writes

	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]*pendingCall
	closed  bool

	handlers   Handlers
	handlersMu sync.RWMutex
}

// NewConn creates a connection over w and starts reading r until EOF.
// Call FailPending once the peer is known dead.
func NewConn(r io.Reader, w io.Writer) *Conn {
	c := &Conn{
		w:       w,
		pending: map[int64]*pendingCall{},
	}
	go c.readLoop(r)
	return c
}

// SetHandlers installs event listeners. Replaces any previous set.
func (c *Conn) SetHandlers(h Handlers) {
	c.handlersMu.Lock()
	c.handlers = h
	c.handlersMu.Unlock()
}

func (c *Conn) currentHandlers() Handlers {
	c.handlersMu.RLock()
	defer c.handlersMu.RUnlock()
	return c.handlers
}

// Request sends method with params and blocks until the matching response
// arrives, the peer dies, or ctx expires. Ids start at 1 and are never
// reused.
func (c *Conn) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)

	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params for %s: %w", method, err)
	}

	call := &pendingCall{ch: make(chan callResult, 1)}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("connection closed")
	}
	c.pending[id] = call
	c.mu.Unlock()

	if err := c.writeMessage(&message{ID: &id, Method: method, Params: raw}); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case res := <-call.ch:
		return res.result, res.err
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Notify sends a notification (no id, no response expected).
func (c *Conn) Notify(method string, params any) error {
	raw, err := marshalParams(params)
	if err != nil {
		return fmt.Errorf("marshal params for %s: %w", method, err)
	}
	return c.writeMessage(&message{Method: method, Params: raw})
}

// FailPending rejects every in-flight request with reason and marks the
// connection closed for new requests. Idempotent.
func (c *Conn) FailPending(reason string) {
	c.mu.Lock()
	calls := make([]*pendingCall, 0, len(c.pending))
	for id, call := range c.pending {
		calls = append(calls, call)
		delete(c.pending, id)
	}
	c.closed = true
	c.mu.Unlock()

	err := fmt.Errorf("agent connection lost: %s", reason)
	for _, call := range calls {
		call.ch <- callResult{err: err}
	}
}

func (c *Conn) writeMessage(m *message) error {
	data, err := encodeLine(m)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	c.wm.Lock()
	defer c.wm.Unlock()
	if _, err := c.w.Write(data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// readLoop splits the stream on newlines and dispatches each parsed
// message. Non-JSON lines are forwarded on the stdout side channel so
// chatty agents remain debuggable.
func (c *Conn) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		m, ok := parseLine(line)
		if !ok {
			if raw := string(line); len(raw) > 0 {
				if h := c.currentHandlers(); h.OnStdout != nil {
					h.OnStdout(raw)
				}
			}
			continue
		}
		c.dispatch(m)
	}
}

func (c *Conn) dispatch(m *message) {
	switch classify(m) {
	case kindResponse:
		c.mu.Lock()
		call, ok := c.pending[*m.ID]
		if ok {
			delete(c.pending, *m.ID)
		}
		c.mu.Unlock()
		if !ok {
			return
		}
		if m.Error != nil {
			call.ch <- callResult{err: m.Error}
		} else {
			call.ch <- callResult{result: m.Result}
		}

	case kindRequest:
		id := *m.ID
		req := NewIncomingRequest(id, m.Method, m.Params,
			func(result any) {
				raw, err := json.Marshal(result)
				if err != nil {
					raw = json.RawMessage(`null`)
				}
				_ = c.writeMessage(&message{ID: &id, Result: raw})
			},
			func(code int, msg string, data any) {
				we := &WireError{Code: code, Message: msg}
				if data != nil {
					if raw, err := json.Marshal(data); err == nil {
						we.Data = raw
					}
				}
				_ = c.writeMessage(&message{ID: &id, Error: we})
			})
		if h := c.currentHandlers(); h.OnRequest != nil {
			h.OnRequest(req)
		} else {
			req.Fail(CodeMethodNotFound, "Method not found", nil)
		}

	case kindNotification:
		if h := c.currentHandlers(); h.OnNotification != nil {
			h.OnNotification(m.Method, m.Params)
		}
	}
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(params)
}

// Transport pairs a Conn with an agent child process: stdout carries the
// protocol, stderr is forwarded line-by-line as log output, and pending
// requests are rejected when the child exits.
type Transport struct {
	child *procs.Child
	conn  *Conn

	exitOnce sync.Once
	exitCh   chan procs.ExitStatus
}

// StartTransport spawns the agent process and begins protocol dispatch.
func StartTransport(spec procs.Spec) (*Transport, error) {
	child, err := procs.Start(spec)
	if err != nil {
		return nil, fmt.Errorf("spawn agent: %w", err)
	}

	t := &Transport{
		child:  child,
		conn:   NewConn(child.Stdout(), stdinWriter{child}),
		exitCh: make(chan procs.ExitStatus, 1),
	}

	go t.stderrLoop()
	go t.watchExit()
	return t, nil
}

type stdinWriter struct{ child *procs.Child }

func (w stdinWriter) Write(p []byte) (int, error) {
	if err := w.child.Write(string(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (t *Transport) stderrLoop() {
	stderr := t.child.Stderr()
	if stderr == nil {
		return
	}
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if h := t.conn.currentHandlers(); h.OnStderr != nil {
			h.OnStderr(scanner.Text())
		}
	}
}

// watchExit rejects all pending calls before publishing the exit status, so
// a caller observing the exit never races a request that would hang.
func (t *Transport) watchExit() {
	status := <-t.child.Exited()
	t.conn.FailPending(fmt.Sprintf("agent exited (%s)", status))
	t.exitOnce.Do(func() {
		t.exitCh <- status
		close(t.exitCh)
	})
}

// SetHandlers installs the event listeners on the underlying connection.
func (t *Transport) SetHandlers(h Handlers) { t.conn.SetHandlers(h) }

// Request issues a client->agent request.
func (t *Transport) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return t.conn.Request(ctx, method, params)
}

// Notify issues a client->agent notification.
func (t *Transport) Notify(method string, params any) error {
	return t.conn.Notify(method, params)
}

// Exited receives the child's exit status once.
func (t *Transport) Exited() <-chan procs.ExitStatus { return t.exitCh }

// Running reports whether the agent process is alive.
func (t *Transport) Running() bool { return t.child.Running() }

// Stop signals the agent process.
func (t *Transport) Stop(sig os.Signal) error { return t.child.Stop(sig) }
