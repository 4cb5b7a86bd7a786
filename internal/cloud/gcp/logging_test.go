package gcp

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"cloud.google.com/go/logging"
)

// The sink writes agent-format JSON rather than calling the API directly;
// its severity vocabulary must stay aligned with the client library's.
func TestSeverity_MatchesCloudLoggingNames(t *testing.T) {
	tests := []struct {
		ours   Severity
		theirs logging.Severity
	}{
		{SeverityDefault, logging.Default},
		{SeverityDebug, logging.Debug},
		{SeverityInfo, logging.Info},
		{SeverityWarning, logging.Warning},
		{SeverityError, logging.Error},
		{SeverityCritical, logging.Critical},
	}
	for _, tt := range tests {
		if got := strings.ToUpper(tt.theirs.String()); got != string(tt.ours) {
			t.Errorf("severity %q does not match library name %q", tt.ours, got)
		}
	}
}

func TestCloudLogger_WritesStructuredLines(t *testing.T) {
	var buf bytes.Buffer
	cl := NewCloudLogger("inst-1",
		WithWriter(&buf),
		WithLabels(map[string]string{"mode": "cloud"}))

	cl.LogInfo("node up")
	cl.LogError("backend down")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("wrote %d lines, want 2", len(lines))
	}

	var first LogEntry
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("line not JSON: %v", err)
	}
	if first.Severity != SeverityInfo || first.Message != "node up" {
		t.Errorf("entry = %+v", first)
	}
	if first.InstanceID != "inst-1" || first.Labels["mode"] != "cloud" {
		t.Errorf("entry metadata = %+v", first)
	}
	if first.Labels["app"] != "xpod" {
		t.Errorf("default label missing: %v", first.Labels)
	}

	var second LogEntry
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatal(err)
	}
	if second.Severity != SeverityError {
		t.Errorf("second severity = %q", second.Severity)
	}
}

func TestCloudLogger_ClosedDropsEntries(t *testing.T) {
	var buf bytes.Buffer
	cl := NewCloudLogger("inst-1", WithWriter(&buf))
	_ = cl.Close()
	cl.LogInfo("late")
	if buf.Len() != 0 {
		t.Errorf("closed logger wrote %q", buf.String())
	}
}

func TestGetProjectID_FromEnv(t *testing.T) {
	t.Setenv("GOOGLE_CLOUD_PROJECT", "proj-a")
	got, err := getProjectID(context.Background())
	if err != nil || got != "proj-a" {
		t.Errorf("getProjectID() = %q, %v", got, err)
	}

	t.Setenv("GOOGLE_CLOUD_PROJECT", "")
	t.Setenv("GCP_PROJECT", "proj-b")
	got, err = getProjectID(context.Background())
	if err != nil || got != "proj-b" {
		t.Errorf("getProjectID() fallback = %q, %v", got, err)
	}
}
