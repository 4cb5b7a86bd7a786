// Package gateway binds the node's single public port. Inbound requests are
// proxied to the backend whose route prefix matches longest; the reserved
// /service/* prefix is handled by the gateway itself (status, health,
// identity, and the agent bridge).
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/undefinedsco/xpod/internal/agentrt"
	"github.com/undefinedsco/xpod/internal/supervisor"
)

// ListenHostEnv overrides the derived bind host. Useful in sandboxes where
// binding 0.0.0.0 fails with EPERM.
const ListenHostEnv = "XPOD_LISTEN_HOST"

// Route maps a URL prefix to a backend target base URL.
type Route struct {
	Prefix string
	Name   string // backend name, for error reporting
	Target string // e.g. "http://127.0.0.1:3001"
}

// Identity is the node identity served at /service/identity.
type Identity struct {
	InstanceID string    `json:"instanceId"`
	Version    string    `json:"version"`
	Mode       string    `json:"mode"`
	BaseURL    string    `json:"baseUrl"`
	StartTime  time.Time `json:"startTime"`
}

// Options configures a Gateway.
type Options struct {
	BaseURL    string
	Port       int
	Routes     []Route
	Supervisor *supervisor.Supervisor
	Agents     *agentrt.Runtime
	// AgentDefaults seeds thread configuration when a bridge caller starts
	// a thread without supplying one.
	AgentDefaults *agentrt.ThreadConfig
	Identity      Identity
	Logger        *log.Logger
}

// Gateway is the public HTTP front of the node.
type Gateway struct {
	host     string
	port     int
	routes   []Route // longest prefix first
	proxies  map[string]*httputil.ReverseProxy
	sup           *supervisor.Supervisor
	agents        *agentrt.Runtime
	agentDefaults *agentrt.ThreadConfig
	identity      Identity
	logger        *log.Logger

	server   *http.Server
	listener net.Listener
}

// New builds a gateway; Start binds the port.
func New(opts Options) (*Gateway, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[gateway] ", log.LstdFlags)
	}

	g := &Gateway{
		host:          BindHost(opts.BaseURL),
		port:          opts.Port,
		sup:           opts.Supervisor,
		agents:        opts.Agents,
		agentDefaults: opts.AgentDefaults,
		identity:      opts.Identity,
		logger:        logger,
		proxies:       map[string]*httputil.ReverseProxy{},
	}

	// Longest prefix wins; sorting makes the first match the winner.
	g.routes = append(g.routes, opts.Routes...)
	sort.SliceStable(g.routes, func(i, j int) bool {
		return len(g.routes[i].Prefix) > len(g.routes[j].Prefix)
	})

	for _, route := range g.routes {
		target, err := url.Parse(route.Target)
		if err != nil {
			return nil, fmt.Errorf("route %s: bad target %q: %w", route.Prefix, route.Target, err)
		}
		proxy := httputil.NewSingleHostReverseProxy(target)
		name := route.Name
		proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
			g.logger.Printf("proxy to %s failed: %v", name, err)
			writeJSON(w, http.StatusBadGateway, map[string]string{
				"error":   "bad gateway",
				"backend": name,
				"detail":  err.Error(),
			})
		}
		g.proxies[route.Prefix] = proxy
	}

	g.server = &http.Server{Handler: g.router()}
	return g, nil
}

// BindHost derives the listen host from the configured base URL: localhost
// stays on loopback, IPv6 loopback is preserved, anything else binds all
// interfaces. XPOD_LISTEN_HOST overrides.
func BindHost(baseURL string) string {
	if override := os.Getenv(ListenHostEnv); override != "" {
		return override
	}
	host := baseURL
	if u, err := url.Parse(baseURL); err == nil && u.Hostname() != "" {
		host = u.Hostname()
	}
	switch host {
	case "localhost", "127.0.0.1":
		return "127.0.0.1"
	case "::1", "[::1]":
		return "::1"
	default:
		return "0.0.0.0"
	}
}

func (g *Gateway) router() http.Handler {
	r := chi.NewRouter()

	r.Route("/service", func(r chi.Router) {
		r.Get("/status", g.handleStatus)
		r.Get("/health", g.handleHealth)
		r.Get("/identity", g.handleIdentity)

		if g.agents != nil {
			r.Post("/agent/{threadID}/messages", g.handleAgentMessage)
			r.Post("/agent/{threadID}/requests/{requestID}", g.handleAgentRespond)
			r.Delete("/agent/{threadID}", g.handleAgentStop)
		}
	})

	r.NotFound(g.handleProxy)
	return r
}

// Start binds the public port and serves until Stop.
func (g *Gateway) Start() error {
	addr := net.JoinHostPort(g.host, fmt.Sprintf("%d", g.port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	g.listener = ln
	g.logger.Printf("listening on %s", addr)

	go func() {
		if err := g.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			g.logger.Printf("serve error: %v", err)
		}
	}()
	return nil
}

// Serving reports whether the public socket is bound.
func (g *Gateway) Serving() bool {
	return g.listener != nil
}

// Stop closes the listener, waits for in-flight requests up to the context
// deadline, then force-closes remaining connections.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	if err := g.server.Shutdown(ctx); err != nil {
		return g.server.Close()
	}
	return nil
}

// handleProxy routes every non-/service request by longest prefix match.
func (g *Gateway) handleProxy(w http.ResponseWriter, r *http.Request) {
	for _, route := range g.routes {
		if matchesPrefix(r.URL.Path, route.Prefix) {
			g.proxies[route.Prefix].ServeHTTP(w, r)
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "no route"})
}

// matchesPrefix treats "/" as catch-all and requires a path-segment
// boundary for everything else, so "/apiary" does not match "/api".
func matchesPrefix(path, prefix string) bool {
	if prefix == "/" || prefix == "" {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}

// statusEntry is the /service/status wire shape.
type statusEntry struct {
	Name         string `json:"name"`
	Status       string `json:"status"`
	RestartCount int    `json:"restartCount"`
	LastExit     string `json:"lastExit,omitempty"`
}

func (g *Gateway) handleStatus(w http.ResponseWriter, _ *http.Request) {
	statuses := g.sup.Status()
	out := make([]statusEntry, 0, len(statuses))
	for _, s := range statuses {
		status := "stopped"
		if s.Running {
			status = "running"
		}
		out = append(out, statusEntry{
			Name:         s.Name,
			Status:       status,
			RestartCount: s.RestartCount,
			LastExit:     s.LastExit,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleHealth reports the gateway as serving (the socket answered) and
// derives backend health from supervisor status.
func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	out := map[string]string{"gateway": "serving"}
	for _, s := range g.sup.Status() {
		if s.Running {
			out[s.Name] = "running"
		} else {
			out[s.Name] = "stopped"
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (g *Gateway) handleIdentity(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, g.identity)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
