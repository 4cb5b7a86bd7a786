// Package cli implements the xpod command line: run, status, health, stop.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/undefinedsco/xpod/internal/version"
)

var (
	cfgFile string
	envFile string
)

var rootCmd = &cobra.Command{
	Use:   "xpod",
	Short: "xpod - personal data node with an agent-execution runtime",
	Long: `xpod boots a personal data node: a content server and an API server
supervised behind a single public gateway port, plus a runtime that runs
interactive coding agents per conversation thread.

Running xpod without a subcommand is equivalent to "xpod run".`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runNode,
}

// Execute runs the root command and returns the terminal error, if any.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.Version = version.Short()
	rootCmd.SetVersionTemplate("{{.Name}} {{.Version}}\n")

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .xpod.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env", "", "KEY=VALUE environment file")

	// run flags live on the root so the bare invocation accepts them too.
	rootCmd.PersistentFlags().String("mode", "local", "node mode: local or cloud")
	rootCmd.PersistentFlags().Int("port", 0, "public gateway port (default from XPOD_PORT/PORT or 3000)")
	rootCmd.PersistentFlags().String("host", "", "public base host override")
	_ = viper.BindPFlag("mode", rootCmd.PersistentFlags().Lookup("mode"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		cwd, err := os.Getwd()
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error getting working directory:", err)
			os.Exit(ExitInternal)
		}
		viper.AddConfigPath(cwd)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".xpod")
	}

	viper.SetEnvPrefix("XPOD")
	viper.AutomaticEnv()

	// A missing implicit config file is fine; an explicit one must exist,
	// which runNode checks so the error maps to the right exit code.
	_ = viper.ReadInConfig()
}
