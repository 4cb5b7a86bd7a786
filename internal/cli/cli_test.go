package cli

import (
	"errors"
	"testing"

	"github.com/spf13/cobra"

	"github.com/undefinedsco/xpod/internal/config"
	"github.com/undefinedsco/xpod/internal/gateway"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitOK},
		{"not running", exitErr(ExitNotRunning, "down"), ExitNotRunning},
		{"config", exitErr(ExitConfig, "bad config"), ExitConfig},
		{"internal", exitErr(ExitInternal, "boom"), ExitInternal},
		{"plain error", errors.New("unknown"), ExitInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Errorf("ExitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestPublicPort(t *testing.T) {
	newCmd := func() *cobra.Command {
		cmd := &cobra.Command{}
		cmd.Flags().Int("port", 0, "")
		return cmd
	}

	t.Run("flag wins", func(t *testing.T) {
		cmd := newCmd()
		_ = cmd.Flags().Set("port", "8080")
		port, err := publicPort(cmd)
		if err != nil || port != 8080 {
			t.Errorf("publicPort() = %d, %v", port, err)
		}
	})

	t.Run("xpod port env", func(t *testing.T) {
		t.Setenv("XPOD_PORT", "4001")
		port, err := publicPort(newCmd())
		if err != nil || port != 4001 {
			t.Errorf("publicPort() = %d, %v", port, err)
		}
	})

	t.Run("port env fallback", func(t *testing.T) {
		t.Setenv("PORT", "4002")
		port, err := publicPort(newCmd())
		if err != nil || port != 4002 {
			t.Errorf("publicPort() = %d, %v", port, err)
		}
	})

	t.Run("default", func(t *testing.T) {
		port, err := publicPort(newCmd())
		if err != nil || port != config.DefaultPort {
			t.Errorf("publicPort() = %d, %v", port, err)
		}
	})

	t.Run("invalid env", func(t *testing.T) {
		t.Setenv("XPOD_PORT", "not-a-port")
		if _, err := publicPort(newCmd()); err == nil {
			t.Error("invalid XPOD_PORT accepted")
		}
	})
}

func TestBuildRoutes(t *testing.T) {
	cfg := &config.Config{Routes: map[string]string{
		"/api":     "api",
		"/":        "css",
		"/unknown": "nope", // unmapped backend names are dropped
	}}

	routes := buildRoutes(cfg, 3101, 3201)
	if len(routes) != 2 {
		t.Fatalf("got %d routes, want 2: %v", len(routes), routes)
	}

	byPrefix := map[string]gateway.Route{}
	for _, r := range routes {
		byPrefix[r.Prefix] = r
	}
	if byPrefix["/api"].Target != "http://127.0.0.1:3201" {
		t.Errorf("/api target = %q", byPrefix["/api"].Target)
	}
	if byPrefix["/"].Target != "http://127.0.0.1:3101" {
		t.Errorf("/ target = %q", byPrefix["/"].Target)
	}
}
