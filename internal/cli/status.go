package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/undefinedsco/xpod/internal/runrecord"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether the node is running and what its backends are doing",
	Args:  cobra.NoArgs,
	RunE:  checkStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().Bool("json", false, "emit machine-readable JSON")
}

// backendStatus mirrors the gateway's /service/status entries.
type backendStatus struct {
	Name         string `json:"name"`
	Status       string `json:"status"`
	RestartCount int    `json:"restartCount"`
	LastExit     string `json:"lastExit,omitempty"`
}

type statusReport struct {
	Running   bool            `json:"running"`
	PID       int             `json:"pid,omitempty"`
	Port      int             `json:"port,omitempty"`
	Mode      string          `json:"mode,omitempty"`
	BaseURL   string          `json:"baseUrl,omitempty"`
	StartTime time.Time       `json:"startTime,omitzero"`
	Backends  []backendStatus `json:"backends,omitempty"`
	Error     string          `json:"error,omitempty"`
}

func checkStatus(cmd *cobra.Command, _ []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")

	rec, err := loadLiveRecord()
	if err != nil {
		return reportNotRunning(asJSON, err)
	}

	report := statusReport{
		Running:   true,
		PID:       rec.PID,
		Port:      rec.Port,
		Mode:      rec.Mode,
		BaseURL:   rec.BaseURL,
		StartTime: rec.StartTime,
	}
	if err := serviceGet(rec, "/service/status", &report.Backends); err != nil {
		report.Error = err.Error()
	}

	if asJSON {
		return printJSON(report)
	}

	fmt.Printf("xpod running (pid %d, mode %s)\n", rec.PID, rec.Mode)
	fmt.Printf("  base URL: %s\n", rec.BaseURL)
	fmt.Printf("  uptime:   %s\n", time.Since(rec.StartTime).Round(time.Second))
	if report.Error != "" {
		fmt.Printf("  gateway:  unreachable (%s)\n", report.Error)
		return nil
	}
	fmt.Printf("\n%-8s %-10s %-9s %s\n", "BACKEND", "STATUS", "RESTARTS", "LAST EXIT")
	fmt.Println(strings.Repeat("-", 48))
	for _, b := range report.Backends {
		fmt.Printf("%-8s %-10s %-9d %s\n", b.Name, b.Status, b.RestartCount, b.LastExit)
	}
	return nil
}

// loadLiveRecord locates the runtime record for the current --env key and
// verifies the recorded pid is alive. A missing record or a stale pid both
// mean "not running".
func loadLiveRecord() (*runrecord.Record, error) {
	projectRoot, err := os.Getwd()
	if err != nil {
		return nil, exitErr(ExitInternal, "get working directory: %v", err)
	}
	store := runrecord.NewStore(projectRoot)
	rec, err := store.Load(runrecord.Key(envFile))
	if err != nil {
		return nil, exitErr(ExitNotRunning, "node is not running")
	}
	if !rec.Alive() {
		return nil, exitErr(ExitNotRunning, "node is not running (stale record, pid %d)", rec.PID)
	}
	return rec, nil
}

// reportNotRunning prints the not-running outcome and passes the exit
// error through. In JSON mode the body already carries the message, so the
// error is silenced to avoid printing it twice.
func reportNotRunning(asJSON bool, err error) error {
	if asJSON {
		_ = printJSON(statusReport{Running: false, Error: err.Error()})
		if ee, ok := err.(*ExitError); ok {
			ee.Silent = true
		}
	}
	return err
}

// serviceGet fetches an internal gateway endpoint on the node's loopback
// port.
func serviceGet(rec *runrecord.Record, path string, out any) error {
	client := &http.Client{Timeout: 5 * time.Second}
	url := fmt.Sprintf("http://127.0.0.1:%d%s", rec.Port, path)
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
