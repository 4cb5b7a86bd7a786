package cli

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/undefinedsco/xpod/internal/agentrt"
	"github.com/undefinedsco/xpod/internal/cloud/gcp"
	"github.com/undefinedsco/xpod/internal/config"
	"github.com/undefinedsco/xpod/internal/gateway"
	"github.com/undefinedsco/xpod/internal/netutil"
	"github.com/undefinedsco/xpod/internal/runrecord"
	"github.com/undefinedsco/xpod/internal/supervisor"
	"github.com/undefinedsco/xpod/internal/version"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Boot the node and serve until interrupted",
	Long: `Boot the personal data node: start the content and API backends under
supervision, bind the public gateway port, and serve until SIGINT/SIGTERM.

Examples:
  xpod run
  xpod run --mode cloud --config ./xpod.yaml --env ./.env --port 8080`,
	Args: cobra.NoArgs,
	RunE: runNode,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

const (
	gatewayStopTimeout = 10 * time.Second
	backendStopTimeout = 20 * time.Second
)

func runNode(cmd *cobra.Command, _ []string) error {
	if envFile != "" {
		if _, err := os.Stat(envFile); err != nil {
			return exitErr(ExitConfig, "env file %s: %v", envFile, err)
		}
		if err := config.ApplyEnvFile(envFile); err != nil {
			return exitErr(ExitConfig, "%v", err)
		}
	}
	if cfgFile != "" {
		if _, err := os.Stat(cfgFile); err != nil {
			return exitErr(ExitConfig, "config file %s: %v", cfgFile, err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return exitErr(ExitConfig, "%v", err)
	}

	mode := viper.GetString("mode")
	if mode != config.ModeLocal && mode != config.ModeCloud {
		return exitErr(ExitConfig, "invalid mode %q (want local or cloud)", mode)
	}

	port, err := publicPort(cmd)
	if err != nil {
		return exitErr(ExitConfig, "%v", err)
	}
	baseURL := resolveBaseURL(cmd, cfg, port)

	projectRoot, err := os.Getwd()
	if err != nil {
		return exitErr(ExitInternal, "get working directory: %v", err)
	}

	logger := log.New(os.Stdout, "[xpod] ", log.LstdFlags)

	// Cloud mode pulls the default agent API key out of Secret Manager and
	// mirrors lifecycle events into the Cloud Logging sink.
	var cloudLog *gcp.CloudLogger
	instanceID := uuid.New().String()
	if mode == config.ModeCloud {
		cloudLog = gcp.NewCloudLogger(instanceID)
		defer func() { _ = cloudLog.Close() }()
		if cfg.Cloud.APIKeySecret != "" && os.Getenv("DEFAULT_API_KEY") == "" {
			if err := fetchCloudAPIKey(cfg); err != nil {
				return exitErr(ExitConfig, "%v", err)
			}
		}
	}

	store := runrecord.NewStore(projectRoot)
	key := runrecord.Key(envFile)
	if rec, err := store.Load(key); err == nil {
		if rec.Alive() {
			return exitErr(ExitInternal, "node already running (pid %d)", rec.PID)
		}
		// Stale record from a crashed instance; a restart deletes it
		// before spawning anything new.
		_ = store.Remove(key)
	}

	cssPort, err := netutil.FreePort(config.DefaultCSSPort)
	if err != nil {
		return exitErr(ExitInternal, "choose content server port: %v", err)
	}
	apiPort, err := netutil.FreePort(config.DefaultAPIPort)
	if err != nil {
		return exitErr(ExitInternal, "choose API server port: %v", err)
	}

	sup := supervisor.New(logger)
	if err := registerBackends(sup, cfg, baseURL, cssPort, apiPort); err != nil {
		return exitErr(ExitConfig, "%v", err)
	}

	agentDefaults, err := config.LoadAgentDefaults(cfg.Agent.DefaultsFile)
	if err != nil {
		return exitErr(ExitConfig, "%v", err)
	}
	agents := agentrt.New(log.New(os.Stdout, "[agent] ", log.LstdFlags))
	agents.BinDir = cfg.Agent.BinDir
	if agents.BinDir == "" {
		agents.BinDir = filepath.Join(projectRoot, "bin")
	}

	sup.StartAll()

	startTime := time.Now().UTC()
	gw, err := gateway.New(gateway.Options{
		BaseURL:       baseURL,
		Port:          port,
		Routes:        buildRoutes(cfg, cssPort, apiPort),
		Supervisor:    sup,
		Agents:        agents,
		AgentDefaults: agentDefaults,
		Identity: gateway.Identity{
			InstanceID: instanceID,
			Version:    version.Short(),
			Mode:       mode,
			BaseURL:    baseURL,
			StartTime:  startTime,
		},
		Logger: log.New(os.Stdout, "[gateway] ", log.LstdFlags),
	})
	if err == nil {
		err = gw.Start()
	}
	if err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), backendStopTimeout)
		sup.StopAll(stopCtx)
		cancel()
		return exitErr(ExitInternal, "start gateway: %v", err)
	}

	rec := &runrecord.Record{
		InstanceID: instanceID,
		PID:        os.Getpid(),
		Mode:       mode,
		Port:       port,
		BaseURL:    baseURL,
		PublicURL:  cfg.Node.PublicURL,
		EnvPath:    envFile,
		ConfigPath: viper.ConfigFileUsed(),
		StartTime:  startTime,
	}
	if err := store.Save(key, rec); err != nil {
		logger.Printf("warning: %v", err)
	}

	logger.Printf("node %s up on %s (mode %s)", instanceID[:8], baseURL, mode)
	if cloudLog != nil {
		cloudLog.LogInfo(fmt.Sprintf("node up on %s", baseURL))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Printf("received %v, shutting down", sig)

	gwCtx, cancelGw := context.WithTimeout(context.Background(), gatewayStopTimeout)
	_ = gw.Stop(gwCtx)
	cancelGw()

	supCtx, cancelSup := context.WithTimeout(context.Background(), backendStopTimeout)
	sup.StopAll(supCtx)
	cancelSup()

	if err := store.Remove(key); err != nil {
		logger.Printf("warning: %v", err)
	}
	if cloudLog != nil {
		cloudLog.LogInfo("node stopped")
	}
	logger.Printf("node stopped")
	return nil
}

// publicPort resolves the gateway port: --port flag, then XPOD_PORT, then
// PORT, then the default.
func publicPort(cmd *cobra.Command) (int, error) {
	if cmd.Flags().Changed("port") {
		port, _ := cmd.Flags().GetInt("port")
		if port <= 0 || port > 65535 {
			return 0, fmt.Errorf("invalid --port %d", port)
		}
		return port, nil
	}
	for _, key := range []string{"XPOD_PORT", "PORT"} {
		if v := os.Getenv(key); v != "" {
			port, err := strconv.Atoi(v)
			if err != nil || port <= 0 || port > 65535 {
				return 0, fmt.Errorf("invalid %s=%q", key, v)
			}
			return port, nil
		}
	}
	return config.DefaultPort, nil
}

// resolveBaseURL applies the --host override onto the configured base URL
// and pins the chosen port.
func resolveBaseURL(cmd *cobra.Command, cfg *config.Config, port int) string {
	base := cfg.Node.BaseURL
	host, _ := cmd.Flags().GetString("host")
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		if host == "" {
			host = config.DefaultBaseHost
		}
		return fmt.Sprintf("http://%s:%d", host, port)
	}
	if host == "" {
		host = u.Hostname()
	}
	u.Host = fmt.Sprintf("%s:%d", host, port)
	return u.String()
}

// registerBackends wires the content server and API server under the
// supervisor, on loopback ports chosen at boot.
func registerBackends(sup *supervisor.Supervisor, cfg *config.Config, baseURL string, cssPort, apiPort int) error {
	cssBase := os.Getenv("CSS_BASE_URL")
	if cssBase == "" {
		cssBase = baseURL
	}
	cssLogging := os.Getenv("CSS_LOGGING_LEVEL")
	if cssLogging == "" {
		cssLogging = cfg.CSS.LoggingLevel
	}

	cssEnv := map[string]string{
		"PORT":              strconv.Itoa(cssPort),
		"CSS_BASE_URL":      cssBase,
		"CSS_LOGGING_LEVEL": cssLogging,
	}
	for k, v := range cfg.CSS.Env {
		cssEnv[k] = v
	}
	if cfg.CSS.DataDir != "" {
		cssEnv["CSS_ROOT_FILE_PATH"] = cfg.CSS.DataDir
	}
	if err := sup.Register(supervisor.Descriptor{
		Name:    "css",
		Command: cfg.CSS.Command,
		Args:    config.ExpandArgs(cfg.CSS.Args, cssPort),
		Env:     cssEnv,
		Dir:     cfg.CSS.Dir,
	}); err != nil {
		return err
	}

	apiEnv := map[string]string{
		"PORT":          strconv.Itoa(apiPort),
		"XPOD_BASE_URL": baseURL,
	}
	for k, v := range cfg.API.Env {
		apiEnv[k] = v
	}
	return sup.Register(supervisor.Descriptor{
		Name:    "api",
		Command: cfg.API.Command,
		Args:    config.ExpandArgs(cfg.API.Args, apiPort),
		Env:     apiEnv,
		Dir:     cfg.API.Dir,
	})
}

// buildRoutes translates the configured prefix->backend mapping into
// gateway routes against the chosen loopback ports.
func buildRoutes(cfg *config.Config, cssPort, apiPort int) []gateway.Route {
	targets := map[string]string{
		"css": fmt.Sprintf("http://127.0.0.1:%d", cssPort),
		"api": fmt.Sprintf("http://127.0.0.1:%d", apiPort),
	}
	routes := make([]gateway.Route, 0, len(cfg.Routes))
	for prefix, name := range cfg.Routes {
		target, ok := targets[name]
		if !ok {
			continue
		}
		routes = append(routes, gateway.Route{
			Prefix: strings.TrimSuffix(prefix, "/") + suffixFor(prefix),
			Name:   name,
			Target: target,
		})
	}
	return routes
}

// suffixFor keeps "/" intact while normalizing other prefixes to no
// trailing slash.
func suffixFor(prefix string) string {
	if prefix == "/" {
		return "/"
	}
	return ""
}

// fetchCloudAPIKey resolves DEFAULT_API_KEY from Secret Manager.
func fetchCloudAPIKey(cfg *config.Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := gcp.NewSecretManagerClient(ctx, cfg.Cloud.Project)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	key, err := client.FetchSecret(ctx, cfg.Cloud.APIKeySecret)
	if err != nil {
		return err
	}
	return os.Setenv("DEFAULT_API_KEY", strings.TrimSpace(key))
}
