package agentrt

import (
	"encoding/json"
	"testing"
)

func TestExtractUpdateText(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"bare string", `"plain"`, "plain"},
		{"delta field", `{"delta":"d"}`, "d"},
		{"text field", `{"text":"t"}`, "t"},
		{"delta wins over text", `{"delta":"d","text":"t"}`, "d"},
		{"content string", `{"content":"c"}`, "c"},
		{"content object with text", `{"content":{"text":"ct"}}`, "ct"},
		{"content nested content", `{"content":{"content":"inner"}}`, "inner"},
		{"content array concatenates", `{"content":[{"text":"a"},{"text":"b"}]}`, "ab"},
		{"content array with deltas", `{"content":[{"delta":"x"},{"delta":"y"}]}`, "xy"},
		{"content array mixed strings", `{"content":["a",{"text":"b"}]}`, "ab"},
		{"message content", `{"message":{"content":"m"}}`, "m"},
		{"item content array", `{"item":{"content":[{"text":"i1"},{"text":"i2"}]}}`, "i1i2"},
		{"assistant_message nested", `{"assistant_message":{"content":{"content":[{"text":"deep"}]}}}`, "deep"},
		{"tool progress has no text", `{"toolCallId":"x","status":"running"}`, ""},
		{"empty object", `{}`, ""},
		{"non-text array parts skipped", `{"content":[{"type":"image","data":"..."},{"text":"cap"}]}`, "cap"},
		{"invalid json", `{`, ""},
		{"number", `42`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractUpdateText(json.RawMessage(tt.raw)); got != tt.want {
				t.Errorf("ExtractUpdateText(%s) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestExtractAuthURL(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"url", `{"url":"https://example.com/login"}`, "https://example.com/login"},
		{"authorizationUrl", `{"authorizationUrl":"https://a"}`, "https://a"},
		{"snake case", `{"authorization_url":"https://b"}`, "https://b"},
		{"verificationUri", `{"verificationUri":"https://v"}`, "https://v"},
		{"url wins over later keys", `{"url":"https://first","authUrl":"https://second"}`, "https://first"},
		{"non-http ignored", `{"url":"ftp://example.com","browserUrl":"https://ok"}`, "https://ok"},
		{"no url", `{"message":"sign in"}`, ""},
		{"empty", ``, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractAuthURL(json.RawMessage(tt.raw)); got != tt.want {
				t.Errorf("extractAuthURL(%s) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestExtractAuthOptions(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{"methods strings", `{"methods":["browser","token"]}`, []string{"browser", "token"}},
		{"options objects", `{"options":[{"name":"oauth"},{"id":"apikey"}]}`, []string{"oauth", "apikey"}},
		{"snake case auth_methods", `{"auth_methods":["device"]}`, []string{"device"}},
		{"none", `{}`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := extractAuthOptions(json.RawMessage(tt.raw))
			if len(got) != len(tt.want) {
				t.Fatalf("extractAuthOptions(%s) = %v, want %v", tt.raw, got, tt.want)
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("option %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestExtractAuthMessage(t *testing.T) {
	if got := extractAuthMessage(json.RawMessage(`{"message":"please sign in"}`)); got != "please sign in" {
		t.Errorf("message = %q", got)
	}
	if got := extractAuthMessage(json.RawMessage(`{"description":"auth needed"}`)); got != "auth needed" {
		t.Errorf("description fallback = %q", got)
	}
}

func TestTruncate(t *testing.T) {
	long := make([]byte, 2000)
	for i := range long {
		long[i] = 'x'
	}
	if got := truncate(string(long)); len(got) != errMessageLimit {
		t.Errorf("truncate() length = %d, want %d", len(got), errMessageLimit)
	}
	if got := truncate("short"); got != "short" {
		t.Errorf("truncate(short) = %q", got)
	}
}
