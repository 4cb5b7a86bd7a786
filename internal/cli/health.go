package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Probe the gateway and report per-component health",
	Args:  cobra.NoArgs,
	RunE:  checkHealth,
}

func init() {
	rootCmd.AddCommand(healthCmd)
	healthCmd.Flags().Bool("json", false, "emit machine-readable JSON")
}

func checkHealth(cmd *cobra.Command, _ []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")

	rec, err := loadLiveRecord()
	if err != nil {
		return reportNotRunning(asJSON, err)
	}

	health := map[string]string{}
	if err := serviceGet(rec, "/service/health", &health); err != nil {
		notServing := exitErr(ExitInternal, "gateway unreachable: %v", err)
		if asJSON {
			_ = printJSON(map[string]string{"gateway": "unreachable", "error": err.Error()})
			notServing.(*ExitError).Silent = true
		}
		return notServing
	}

	if asJSON {
		return printJSON(health)
	}
	for _, name := range []string{"gateway", "css", "api"} {
		if state, ok := health[name]; ok {
			fmt.Printf("%-8s %s\n", name, state)
			delete(health, name)
		}
	}
	for name, state := range health {
		fmt.Printf("%-8s %s\n", name, state)
	}
	return nil
}
