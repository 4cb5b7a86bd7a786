package agentrt

import (
	"encoding/json"
	"strings"
)

// ExtractUpdateText pulls a text delta out of a session/update payload.
// Agents disagree on the exact shape, so the known ones are tried in order
// and the first non-empty match wins:
//
//  1. the update itself is a string;
//  2. update.delta or update.text;
//  3. update.content (possibly content.content), as a string, an object
//     with text, or an array of parts;
//  4. update.message / update.item / update.assistant_message, resolving
//     their content by the same rules.
//
// Returns "" when no text is present (e.g. tool-progress updates).
func ExtractUpdateText(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return ""
	}

	if s, _ := obj["delta"].(string); s != "" {
		return s
	}
	if s, _ := obj["text"].(string); s != "" {
		return s
	}
	if c, ok := obj["content"]; ok {
		if s := contentText(c); s != "" {
			return s
		}
	}
	for _, key := range []string{"message", "item", "assistant_message"} {
		if m, ok := obj[key].(map[string]any); ok {
			if c, ok := m["content"]; ok {
				if s := contentText(c); s != "" {
					return s
				}
			}
		}
	}
	return ""
}

// contentText resolves a content value: a plain string, an object carrying
// text/delta (possibly wrapped in a nested content field), or an array of
// parts whose text/delta strings concatenate.
func contentText(v any) string {
	switch c := v.(type) {
	case string:
		return c
	case map[string]any:
		if inner, ok := c["content"]; ok {
			if s := contentText(inner); s != "" {
				return s
			}
		}
		if s, _ := c["text"].(string); s != "" {
			return s
		}
		if s, _ := c["delta"].(string); s != "" {
			return s
		}
		return ""
	case []any:
		var b strings.Builder
		for _, part := range c {
			switch p := part.(type) {
			case string:
				b.WriteString(p)
			case map[string]any:
				if s, _ := p["text"].(string); s != "" {
					b.WriteString(s)
					continue
				}
				if s, _ := p["delta"].(string); s != "" {
					b.WriteString(s)
				}
			}
		}
		return b.String()
	default:
		return ""
	}
}

// authURLKeys are checked in order; the first http-prefixed string value
// wins.
var authURLKeys = []string{
	"url",
	"authorizationUrl", "authorization_url",
	"authUrl", "auth_url",
	"browserUrl", "browser_url",
	"verificationUri", "verification_uri", "verificationUrl",
}

// authOptionKeys may carry the list of offered auth methods.
var authOptionKeys = []string{"methods", "options", "authMethods", "auth_methods"}

// extractAuthURL finds a best-effort authorization URL in auth/permission
// request params.
func extractAuthURL(raw json.RawMessage) string {
	obj := decodeObject(raw)
	if obj == nil {
		return ""
	}
	for _, key := range authURLKeys {
		if s, _ := obj[key].(string); strings.HasPrefix(s, "http") {
			return s
		}
	}
	return ""
}

// extractAuthMessage finds a human-readable message in auth/permission
// request params.
func extractAuthMessage(raw json.RawMessage) string {
	obj := decodeObject(raw)
	if obj == nil {
		return ""
	}
	if s, _ := obj["message"].(string); s != "" {
		return s
	}
	if s, _ := obj["description"].(string); s != "" {
		return s
	}
	return ""
}

// extractAuthOptions flattens the offered auth methods into strings. Array
// entries may be plain strings or objects naming the method.
func extractAuthOptions(raw json.RawMessage) []string {
	obj := decodeObject(raw)
	if obj == nil {
		return nil
	}
	var out []string
	for _, key := range authOptionKeys {
		arr, ok := obj[key].([]any)
		if !ok {
			continue
		}
		for _, entry := range arr {
			switch e := entry.(type) {
			case string:
				out = append(out, e)
			case map[string]any:
				for _, nameKey := range []string{"name", "id", "method", "type"} {
					if s, _ := e[nameKey].(string); s != "" {
						out = append(out, s)
						break
					}
				}
			}
		}
	}
	return out
}

func decodeObject(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil
	}
	return obj
}

// errMessageLimit bounds agent-reported error text in error events.
const errMessageLimit = 800

// truncate clips s to at most errMessageLimit bytes; a multi-byte rune at
// the cut may be split.
func truncate(s string) string {
	if len(s) <= errMessageLimit {
		return s
	}
	return s[:errMessageLimit]
}
