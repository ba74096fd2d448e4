package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jakemannix/mcp-proxy/registry"
)

// State is a backend session's lifecycle state.
type State int

const (
	StateConnecting State = iota
	StateReady
	StateDegraded
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// protocolVersion is the MCP protocol version this gateway speaks
// southbound when acting as a client.
const protocolVersion = "2025-03-26"

// ProgressFunc receives one relayed notifications/progress update from the
// upstream peer for an in-flight call.
type ProgressFunc func(progress, total float64, message string)

// Session is one connected (or disconnected-and-backing-off) upstream MCP
// peer, identified by a BackendDef fingerprint. Two BackendDefs that
// collapse to the same fingerprint share one Session.
type Session struct {
	fingerprint string
	def         registry.BackendDef

	mu             sync.Mutex
	state          State
	client         *client.Client
	upstreamTools  map[string]mcp.Tool
	backoff        time.Duration
	nextAttempt    time.Time
	lastErr        error
	connectedSince time.Time

	progressMu        sync.Mutex
	progressListeners map[string]ProgressFunc
}

func newSession(def registry.BackendDef) *Session {
	return &Session{
		fingerprint:       def.Fingerprint(),
		def:               def,
		state:             StateClosed,
		upstreamTools:     map[string]mcp.Tool{},
		progressListeners: map[string]ProgressFunc{},
	}
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// UpstreamTool returns the cached tools/list entry for the given upstream
// tool name, as reported the last time this session became Ready.
func (s *Session) UpstreamTool(name string) (mcp.Tool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.upstreamTools[name]
	return t, ok
}

// connect performs (or re-performs) the MCP handshake: create the
// transport-appropriate client, start it, initialize, and cache tools/list.
// On failure it transitions to Closed and schedules the next backoff.
func (s *Session) connect(ctx context.Context) error {
	s.mu.Lock()
	s.state = StateConnecting
	s.mu.Unlock()

	c, tools, err := dialAndHandshake(ctx, s.def, s.relayProgress)
	if err != nil {
		s.mu.Lock()
		s.state = StateClosed
		s.backoff = nextBackoff(s.backoff)
		s.nextAttempt = time.Now().Add(s.backoff)
		s.lastErr = err
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	if s.client != nil {
		_ = s.client.Close()
	}
	s.client = c
	s.state = StateReady
	s.backoff = 0
	s.upstreamTools = tools
	s.lastErr = nil
	s.connectedSince = time.Now()
	s.mu.Unlock()
	return nil
}

// snapshot reports the fields Manager.Status surfaces for operability
// tooling, taken under the same lock as state transitions.
func (s *Session) snapshot() (state State, lastErr error, connectedSince time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.lastErr, s.connectedSince
}

// Call dispatches a tools/call to this session's upstream peer, recreating
// the connection (subject to backoff) if it was previously lost.
func (s *Session) Call(ctx context.Context, upstreamName string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	return s.CallWithProgress(ctx, upstreamName, args, "", nil)
}

// CallWithProgress behaves like Call, additionally relaying any
// notifications/progress the upstream peer sends carrying progressToken to
// onProgress for the lifetime of the call. An empty progressToken or nil
// onProgress disables relaying, same as Call.
func (s *Session) CallWithProgress(ctx context.Context, upstreamName string, args map[string]interface{}, progressToken string, onProgress ProgressFunc) (*mcp.CallToolResult, error) {
	if progressToken != "" && onProgress != nil {
		s.progressMu.Lock()
		s.progressListeners[progressToken] = onProgress
		s.progressMu.Unlock()
		defer func() {
			s.progressMu.Lock()
			delete(s.progressListeners, progressToken)
			s.progressMu.Unlock()
		}()
	}

	s.mu.Lock()
	state := s.state
	nextAttempt := s.nextAttempt
	s.mu.Unlock()

	if state == StateClosed {
		if time.Now().Before(nextAttempt) {
			return nil, ErrBackendUnavailable
		}
		if err := s.connect(ctx); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrBackendUnavailable, err)
		}
	}

	s.mu.Lock()
	c := s.client
	s.mu.Unlock()
	if c == nil {
		return nil, ErrBackendUnavailable
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = upstreamName
	req.Params.Arguments = args
	if progressToken != "" {
		req.Params.Meta = &mcp.Meta{ProgressToken: progressToken}
	}

	result, err := c.CallTool(ctx, req)
	if err != nil {
		if ctxErr := ctx.Err(); errors.Is(ctxErr, context.DeadlineExceeded) {
			return nil, fmt.Errorf("tool %q: %w", upstreamName, ctxErr)
		}
		if !isTransportLoss(err) {
			// Upstream answered with a JSON-RPC protocol error; the session
			// itself is still usable by other in-flight and future callers.
			return nil, fmt.Errorf("upstream error calling %q: %w", upstreamName, err)
		}
		slog.Warn("backend session lost mid-call, marking closed", "fingerprint", s.fingerprint, "tool", upstreamName, "error", err)
		s.markClosed(err)
		return nil, fmt.Errorf("%w: %s", ErrBackendUnavailable, err)
	}
	return result, nil
}

// isTransportLoss reports whether err indicates the underlying connection
// itself died (subprocess pipe closed, socket reset) rather than the
// upstream peer answering with a protocol-level failure. Only this category
// warrants tearing the shared session down and backing off reconnects.
func isTransportLoss(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed)
}

// relayProgress is the session-wide notification handler registered with
// the southbound client at connect time: it decodes notifications/progress
// and dispatches to whichever in-flight call registered that progress
// token, a no-op for any other notification method or an unmatched token.
func (s *Session) relayProgress(n mcp.JSONRPCNotification) {
	if n.Method != "notifications/progress" {
		return
	}
	raw, err := json.Marshal(n.Params)
	if err != nil {
		return
	}
	var p struct {
		ProgressToken string  `json:"progressToken"`
		Progress      float64 `json:"progress"`
		Total         float64 `json:"total"`
		Message       string  `json:"message"`
	}
	if err := json.Unmarshal(raw, &p); err != nil || p.ProgressToken == "" {
		return
	}

	s.progressMu.Lock()
	fn := s.progressListeners[p.ProgressToken]
	s.progressMu.Unlock()
	if fn != nil {
		fn(p.Progress, p.Total, p.Message)
	}
}

func (s *Session) markClosed(cause error) {
	s.mu.Lock()
	s.state = StateClosed
	s.backoff = nextBackoff(s.backoff)
	s.nextAttempt = time.Now().Add(s.backoff)
	s.lastErr = cause
	s.mu.Unlock()
}

// Close shuts down the underlying client, if any.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	s.state = StateClosed
	return err
}

// dialAndHandshake creates the transport client for def, starts it (for
// stdio), registers onNotification for session-lifetime progress relaying,
// performs MCP initialize, and returns the cached upstream tool list keyed
// by name.
func dialAndHandshake(ctx context.Context, def registry.BackendDef, onNotification func(mcp.JSONRPCNotification)) (*client.Client, map[string]mcp.Tool, error) {
	c, err := newTransportClient(ctx, def)
	if err != nil {
		return nil, nil, err
	}
	c.OnNotification(onNotification)

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = protocolVersion
	initReq.Params.ClientInfo = mcp.Implementation{Name: "mcp-proxy", Version: "dev"}

	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return nil, nil, fmt.Errorf("initialize: %w", err)
	}

	listResp, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		_ = c.Close()
		return nil, nil, fmt.Errorf("tools/list: %w", err)
	}

	tools := make(map[string]mcp.Tool, len(listResp.Tools))
	for _, t := range listResp.Tools {
		tools[t.Name] = t
	}
	return c, tools, nil
}

// newTransportClient builds the appropriate mcp-go client for def's
// transport without starting the MCP handshake.
func newTransportClient(ctx context.Context, def registry.BackendDef) (*client.Client, error) {
	switch {
	case def.Stdio != nil:
		env := make([]string, 0, len(def.Stdio.Env))
		for k, v := range def.Stdio.Env {
			env = append(env, k+"="+v)
		}
		c, err := client.NewStdioMCPClient(def.Stdio.Command, env, def.Stdio.Args...)
		if err != nil {
			return nil, fmt.Errorf("create stdio client: %w", err)
		}
		if err := c.Start(ctx); err != nil {
			return nil, fmt.Errorf("start stdio subprocess: %w", err)
		}
		return c, nil
	case def.Transport == "sse":
		c, err := client.NewSSEMCPClient(def.URL)
		if err != nil {
			return nil, fmt.Errorf("create sse client: %w", err)
		}
		if err := c.Start(ctx); err != nil {
			return nil, fmt.Errorf("start sse client: %w", err)
		}
		return c, nil
	case def.Transport == "streamableHttp":
		c, err := client.NewStreamableHttpClient(def.URL)
		if err != nil {
			return nil, fmt.Errorf("create streamable-http client: %w", err)
		}
		if err := c.Start(ctx); err != nil {
			return nil, fmt.Errorf("start streamable-http client: %w", err)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("backend definition has neither stdio nor a recognized remote transport")
	}
}
