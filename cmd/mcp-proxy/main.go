package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"

	mcpgateway "github.com/jakemannix/mcp-proxy"
	"github.com/jakemannix/mcp-proxy/backend"
	"github.com/jakemannix/mcp-proxy/gateway"
	"github.com/jakemannix/mcp-proxy/observability"
	"github.com/jakemannix/mcp-proxy/registry"
	"github.com/jakemannix/mcp-proxy/tools"
	"github.com/jakemannix/mcp-proxy/transform"
)

// gatewayFlags carries the process-wide behavioral flags that feed
// gateway.Config and mcpgateway.GatewayConfig, as opposed to the transport
// flags (-t, -address, ...) that stay local to main().
type gatewayFlags struct {
	registryPath            string
	callTimeout             time.Duration
	detectJSONInText        bool
	defaultMergePolicy      string
	includeArgumentsInSpans bool
	adminAddress            string
	metricsEnabled          bool
}

func (gf *gatewayFlags) addFlags() {
	flag.StringVar(&gf.registryPath, "registry", "", "Path to the registry document describing backends and virtual tools (required)")
	flag.DurationVar(&gf.callTimeout, "call-timeout", 30*time.Second, "Per-call upstream deadline for tools/call")
	flag.BoolVar(&gf.detectJSONInText, "detect-json-in-text", false, "Attempt output projection against a backend's text content when it returns no structuredContent")
	flag.StringVar(&gf.defaultMergePolicy, "default-merge-policy", "override", "Default argument merge policy for tools that don't declare their own (override, client_wins, reject)")
	flag.BoolVar(&gf.includeArgumentsInSpans, "include-arguments-in-spans", false, "Attach tool call arguments to OpenTelemetry spans (off by default: registry defaults may carry secrets)")
	flag.StringVar(&gf.adminAddress, "admin-address", "localhost:9090", "Address for the admin HTTP server (/status, and /metrics when enabled)")
	flag.BoolVar(&gf.metricsEnabled, "metrics", false, "Enable Prometheus metrics on the admin server")
}

type tlsConfig struct {
	certFile, keyFile string
}

func (tc *tlsConfig) addFlags() {
	flag.StringVar(&tc.certFile, "server.tls-cert-file", "", "Path to TLS certificate file for server HTTPS (required for TLS)")
	flag.StringVar(&tc.keyFile, "server.tls-key-file", "", "Path to TLS private key file for server HTTPS (required for TLS)")
}

// httpServer represents a server with Start and Shutdown methods
type httpServer interface {
	Start(addr string) error
	Shutdown(ctx context.Context) error
}

// runHTTPServer handles the common logic for running HTTP-based servers
func runHTTPServer(ctx context.Context, srv httpServer, addr, transportName string) error {
	// Start server in a goroutine
	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(addr); err != nil {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for either server error or shutdown signal
	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		slog.Info(fmt.Sprintf("%s server shutting down...", transportName))

		// Create a timeout context for shutdown
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown error: %v", err)
		}

		// Wait for server to finish
		select {
		case err := <-serverErr:
			// http.ErrServerClosed is expected when shutting down
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server error during shutdown: %v", err)
			}
		case <-shutdownCtx.Done():
			slog.Warn(fmt.Sprintf("%s server did not stop gracefully within timeout", transportName))
		}
	}

	return nil
}

// startupError wraps an error with the exit code it should map to, per the
// 0/1/2 contract: 0 clean shutdown, 1 registry load/validation error, 2
// fatal I/O error during startup.
type startupError struct {
	err      error
	exitCode int
}

func (e *startupError) Error() string { return e.err.Error() }
func (e *startupError) Unwrap() error { return e.err }

func loadRegistry(path string) (*registry.Resolved, error) {
	if path == "" {
		return nil, &startupError{err: errors.New("-registry is required"), exitCode: 1}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &startupError{err: fmt.Errorf("reading registry document: %w", err), exitCode: 2}
	}
	resolved, warnings, err := registry.Load(data)
	if err != nil {
		return nil, &startupError{err: fmt.Errorf("loading registry document: %w", err), exitCode: 1}
	}
	for _, w := range warnings {
		slog.Warn("registry warning", "tool", w.Tool, "message", w.Message)
	}
	return resolved, nil
}

// gatewayStdioContextFunc and gatewayHTTPContextFunc attach the process-wide
// GatewayConfig to every request context, one per transport's context func.
func gatewayStdioContextFunc(gf gatewayFlags) server.StdioContextFunc {
	cfg := mcpgateway.GatewayConfig{IncludeArgumentsInSpans: gf.includeArgumentsInSpans}
	return func(ctx context.Context) context.Context {
		return mcpgateway.WithGatewayConfig(ctx, cfg)
	}
}

func gatewayHTTPContextFunc(gf gatewayFlags) func(ctx context.Context, r *http.Request) context.Context {
	cfg := mcpgateway.GatewayConfig{IncludeArgumentsInSpans: gf.includeArgumentsInSpans}
	return func(ctx context.Context, _ *http.Request) context.Context {
		return mcpgateway.WithGatewayConfig(ctx, cfg)
	}
}

// newAdminServer serves operability endpoints on their own listener,
// independent of whichever MCP transport is active (stdio has no HTTP
// surface of its own to mount anything on). /status reports the §6
// last-activity/backend-count summary; /metrics is mounted when enabled.
func newAdminServer(addr string, mgr *backend.Manager, resolved *registry.Resolved, obs *observability.Observability, metricsEnabled bool) *http.Server {
	mux := http.NewServeMux()
	statusHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		statuses := mgr.Status()
		lastActivity := time.Time{}
		for _, st := range statuses {
			if st.ConnectedSince.After(lastActivity) {
				lastActivity = st.ConnectedSince
			}
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"backendCount":%d,"toolCount":%d,"lastActivity":%q}`,
			len(statuses), len(resolved.Tools), lastActivity.Format(time.RFC3339))
	})
	mux.Handle("/status", observability.WrapHandler(statusHandler, "admin.status"))
	if metricsEnabled {
		mux.Handle("/metrics", observability.WrapHandler(obs.MetricsHandler(), "admin.metrics"))
	}
	return &http.Server{Addr: addr, Handler: mux}
}

// sessionLogHooks returns server.Hooks that log client session connect/
// disconnect at debug level, merged alongside obs.MCPHooks() via
// observability.MergeHooks rather than replacing it — the metrics hooks and
// this logging concern both want the same OnRegisterSession/
// OnUnregisterSession events.
func sessionLogHooks() *server.Hooks {
	return &server.Hooks{
		OnRegisterSession: []server.OnRegisterSessionHookFunc{
			func(ctx context.Context, session server.ClientSession) {
				slog.Debug("client session connected", "sessionID", session.SessionID())
			},
		},
		OnUnregisterSession: []server.OnUnregisterSessionHookFunc{
			func(ctx context.Context, session server.ClientSession) {
				slog.Debug("client session disconnected", "sessionID", session.SessionID())
			},
		},
	}
}

func run(transport, addr, basePath, endpointPath string, logLevel slog.Level, gf gatewayFlags, tls tlsConfig) error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	resolved, err := loadRegistry(gf.registryPath)
	if err != nil {
		return err
	}

	mergePolicy, err := transform.ParseMergePolicy(gf.defaultMergePolicy)
	if err != nil {
		return &startupError{err: fmt.Errorf("-default-merge-policy: %w", err), exitCode: 1}
	}

	backends := backend.NewManager(resolved)

	// Create a context that will be cancelled on shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, connErr := range backends.Start(ctx) {
		slog.Warn("backend did not connect at startup, will retry in background", "error", connErr)
	}
	defer backends.Close()

	obs, err := observability.Setup(observability.Config{
		MetricsEnabled: gf.metricsEnabled,
		MetricsAddress: gf.adminAddress,
	})
	if err != nil {
		return &startupError{err: fmt.Errorf("setting up observability: %w", err), exitCode: 2}
	}
	defer obs.Shutdown(context.Background())
	if err := obs.ObserveBackendSessions(backends); err != nil {
		slog.Warn("failed to register backend session gauge", "error", err)
	}

	gw := gateway.New(resolved, backends, gateway.Config{
		CallTimeout:        gf.callTimeout,
		DetectJSONInText:   gf.detectJSONInText,
		DefaultMergePolicy: mergePolicy,
	})

	s := server.NewMCPServer("mcp-proxy", mcpgateway.Version(),
		server.WithInstructions(`
This server composes tools from one or more upstream MCP backends into a
single virtual tool surface, renaming, hiding fields, and merging defaults
as declared in the registry document it was started with.

Meta tools:
- gateway_status: backend session liveness
- list_backends: the resolved virtual tool set
`),
		server.WithToolCapabilities(true),
		server.WithHooks(observability.MergeHooks(obs.MCPHooks(), sessionLogHooks())))

	gw.RegisterTools(s)
	tools.New(resolved, backends).AddTools(s)

	adminSrv := newAdminServer(gf.adminAddress, backends, resolved, obs, gf.metricsEnabled)
	go func() {
		if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("admin server error", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = adminSrv.Shutdown(shutdownCtx)
	}()

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	// Handle shutdown signals
	go func() {
		<-sigChan
		slog.Info("Received shutdown signal")
		cancel()

		// For stdio, close stdin to unblock the Listen call
		if transport == "stdio" {
			_ = os.Stdin.Close()
		}
	}()

	// Start the appropriate server based on transport
	switch transport {
	case "stdio":
		srv := server.NewStdioServer(s)
		srv.SetContextFunc(gatewayStdioContextFunc(gf))
		slog.Info("Starting composition gateway using stdio transport", "version", mcpgateway.Version())

		err := srv.Listen(ctx, os.Stdin, os.Stdout)
		if err != nil && err != context.Canceled {
			return fmt.Errorf("server error: %v", err)
		}
		return nil

	case "sse":
		srv := server.NewSSEServer(s,
			server.WithSSEContextFunc(gatewayHTTPContextFunc(gf)),
			server.WithStaticBasePath(basePath),
		)
		slog.Info("Starting composition gateway using SSE transport",
			"version", mcpgateway.Version(), "address", addr, "basePath", basePath)
		return runHTTPServer(ctx, srv, addr, "SSE")
	case "streamable-http":
		opts := []server.StreamableHTTPOption{
			server.WithHTTPContextFunc(gatewayHTTPContextFunc(gf)),
			server.WithStateLess(true),
			server.WithEndpointPath(endpointPath),
		}
		if tls.certFile != "" || tls.keyFile != "" {
			opts = append(opts, server.WithTLSCert(tls.certFile, tls.keyFile))
		}
		srv := server.NewStreamableHTTPServer(s, opts...)
		slog.Info("Starting composition gateway using StreamableHTTP transport",
			"version", mcpgateway.Version(), "address", addr, "endpointPath", endpointPath)
		return runHTTPServer(ctx, srv, addr, "StreamableHTTP")
	default:
		return fmt.Errorf(
			"invalid transport type: %s. Must be 'stdio', 'sse' or 'streamable-http'",
			transport,
		)
	}
}

func main() {
	var transport string
	flag.StringVar(&transport, "t", "stdio", "Transport type (stdio, sse or streamable-http)")
	flag.StringVar(
		&transport,
		"transport",
		"stdio",
		"Transport type (stdio, sse or streamable-http)",
	)
	addr := flag.String("address", "localhost:8000", "The host and port to start the sse server on")
	basePath := flag.String("base-path", "", "Base path for the sse server")
	endpointPath := flag.String("endpoint-path", "/mcp", "Endpoint path for the streamable-http server")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	showVersion := flag.Bool("version", false, "Print the version and exit")
	var gf gatewayFlags
	gf.addFlags()
	var tls tlsConfig
	tls.addFlags()

	if len(os.Args) > 1 && os.Args[1] == "cli" {
		os.Exit(runCLI(os.Args[2:]))
	}

	flag.Parse()

	if *showVersion {
		fmt.Println(mcpgateway.Version())
		os.Exit(0)
	}

	if err := run(transport, *addr, *basePath, *endpointPath, parseLevel(*logLevel), gf, tls); err != nil {
		var se *startupError
		if errors.As(err, &se) {
			slog.Error(se.Error())
			os.Exit(se.exitCode)
		}
		slog.Error(err.Error())
		os.Exit(2)
	}
}

func parseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}
