// Package acp speaks the agent client protocol: JSON-RPC 2.0, one message
// per line, UTF-8, over an agent subprocess's stdin/stdout. The client side
// issues initialize/session requests; the agent side sends session/update
// notifications and permission/auth requests back.
package acp

import (
	"bytes"
	"encoding/json"
)

// Client->agent methods.
const (
	MethodInitialize    = "initialize"
	MethodSessionNew    = "session/new"
	MethodSessionPrompt = "session/prompt"
)

// Agent->client methods the runtime understands natively.
const (
	MethodSessionUpdate     = "session/update"
	MethodRequestPermission = "session/request_permission"
	MethodAuthRequest       = "auth/request"
	MethodAuthAuthorize     = "auth/authorize"
)

// JSON-RPC error codes.
const (
	CodeMethodNotFound = -32601
)

// message is the superset wire shape; classification decides what a parsed
// line actually is.
type message struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *WireError      `json:"error,omitempty"`
}

// WireError is a JSON-RPC error object.
type WireError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *WireError) Error() string { return e.Message }

// kind is the classification of an inbound line.
type kind int

const (
	kindInvalid kind = iota
	kindResponse
	kindRequest
	kindNotification
)

// classify sorts a parsed message per the wire contract:
// numeric id + (result xor error) -> response; method + id -> request;
// method without id -> notification; anything else is discarded.
func classify(m *message) kind {
	hasResult := len(m.Result) > 0
	hasError := m.Error != nil
	switch {
	case m.ID != nil && m.Method == "" && (hasResult != hasError):
		return kindResponse
	case m.Method != "" && m.ID != nil:
		return kindRequest
	case m.Method != "" && m.ID == nil:
		return kindNotification
	default:
		return kindInvalid
	}
}

// parseLine attempts to decode one trimmed, non-empty line. A nil message
// with ok=false means the line was not JSON and should go to the stdout
// side channel.
func parseLine(line []byte) (*message, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return nil, false
	}
	var m message
	if err := json.Unmarshal(line, &m); err != nil {
		return nil, false
	}
	return &m, true
}

// encodeLine serializes a message as a single compact line with a trailing
// newline. Compact encoding guarantees no embedded newlines.
func encodeLine(m *message) ([]byte, error) {
	m.JSONRPC = "2.0"
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
