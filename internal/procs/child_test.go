package procs

import (
	"bufio"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestMergeEnv(t *testing.T) {
	tests := []struct {
		name    string
		base    []string
		overlay map[string]string
		want    map[string]string
	}{
		{
			name: "overlay wins over base",
			base: []string{"A=base", "B=base"},
			overlay: map[string]string{
				"A": "overlay",
			},
			want: map[string]string{"A": "overlay", "B": "base"},
		},
		{
			name: "force color defaults to off",
			base: []string{"FORCE_COLOR=3"},
			want: map[string]string{"FORCE_COLOR": "0"},
		},
		{
			name:    "overlay may re-enable color",
			base:    []string{},
			overlay: map[string]string{"FORCE_COLOR": "1"},
			want:    map[string]string{"FORCE_COLOR": "1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			merged := mergeEnv(tt.base, tt.overlay)
			got := map[string]string{}
			for _, kv := range merged {
				parts := strings.SplitN(kv, "=", 2)
				got[parts[0]] = parts[1]
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("env[%s] = %q, want %q", k, got[k], v)
				}
			}
		})
	}
}

func TestChild_RunAndExit(t *testing.T) {
	c, err := Start(Spec{Command: "sh", Args: []string{"-c", "echo hello"}})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	scanner := bufio.NewScanner(c.Stdout())
	if !scanner.Scan() {
		t.Fatal("no stdout output")
	}
	if got := scanner.Text(); got != "hello" {
		t.Errorf("stdout = %q, want %q", got, "hello")
	}

	select {
	case status := <-c.Exited():
		if status.Code != 0 {
			t.Errorf("exit code = %d, want 0", status.Code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("child did not exit")
	}
	if c.Running() {
		t.Error("Running() = true after exit")
	}
}

func TestChild_EnvOverlayReachesChild(t *testing.T) {
	c, err := Start(Spec{
		Command: "sh",
		Args:    []string{"-c", "printf '%s' \"$XPOD_TEST_VALUE\""},
		Env:     map[string]string{"XPOD_TEST_VALUE": "isolated"},
	})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	scanner := bufio.NewScanner(c.Stdout())
	scanner.Scan()
	if got := scanner.Text(); got != "isolated" {
		t.Errorf("child saw %q, want %q", got, "isolated")
	}
	<-c.Exited()
}

func TestChild_WriteReachesStdin(t *testing.T) {
	c, err := Start(Spec{Command: "cat"})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	if err := c.Write("ping\n"); err != nil {
		t.Fatalf("Write() error: %v", err)
	}

	scanner := bufio.NewScanner(c.Stdout())
	if !scanner.Scan() || scanner.Text() != "ping" {
		t.Errorf("stdout = %q, want %q", scanner.Text(), "ping")
	}

	_ = c.Stop(syscall.SIGTERM)
	select {
	case status := <-c.Exited():
		if status.Signal == "" {
			t.Errorf("expected signal termination, got %v", status)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("child did not exit after SIGTERM")
	}
}

func TestChild_StopAfterExitIsNoop(t *testing.T) {
	c, err := Start(Spec{Command: "true"})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	<-c.Exited()

	if err := c.Stop(syscall.SIGINT); err != nil {
		t.Errorf("Stop() after exit returned %v, want nil", err)
	}
}
