package cli

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/undefinedsco/xpod/internal/runrecord"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running node",
	Long: `Stop the running node by signalling the recorded pid: SIGINT first,
then SIGTERM once the timeout elapses. The runtime record is removed when
the process is gone.`,
	Args: cobra.NoArgs,
	RunE: stopNode,
}

func init() {
	rootCmd.AddCommand(stopCmd)
	stopCmd.Flags().Int("timeout", 10_000, "milliseconds to wait before escalating to SIGTERM")
	stopCmd.Flags().Bool("json", false, "emit machine-readable JSON")
}

func stopNode(cmd *cobra.Command, _ []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	timeoutMs, _ := cmd.Flags().GetInt("timeout")

	projectRoot, err := os.Getwd()
	if err != nil {
		return exitErr(ExitInternal, "get working directory: %v", err)
	}
	store := runrecord.NewStore(projectRoot)
	key := runrecord.Key(envFile)

	rec, err := store.Load(key)
	if err != nil {
		return reportNotRunning(asJSON, exitErr(ExitNotRunning, "node is not running"))
	}
	if !rec.Alive() {
		// Stale record: clean it up, still report not running.
		_ = store.Remove(key)
		return reportNotRunning(asJSON, exitErr(ExitNotRunning, "node is not running (stale record, pid %d)", rec.PID))
	}

	if err := syscall.Kill(rec.PID, syscall.SIGINT); err != nil {
		return exitErr(ExitInternal, "signal pid %d: %v", rec.PID, err)
	}

	deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	for rec.Alive() && time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
	}
	if rec.Alive() {
		_ = syscall.Kill(rec.PID, syscall.SIGTERM)
		escalated := time.Now().Add(5 * time.Second)
		for rec.Alive() && time.Now().Before(escalated) {
			time.Sleep(100 * time.Millisecond)
		}
	}
	if rec.Alive() {
		return exitErr(ExitInternal, "pid %d did not exit", rec.PID)
	}

	// The node removes its own record on graceful shutdown; clean up in
	// case SIGTERM won.
	_ = store.Remove(key)

	if asJSON {
		return printJSON(map[string]any{"stopped": true, "pid": rec.PID})
	}
	fmt.Printf("stopped node (pid %d)\n", rec.PID)
	return nil
}
