// Package backend implements the multi-backend session manager: it
// deduplicates identical backend definitions into one upstream MCP
// session, connects/initializes them, tracks liveness, and dispatches
// tools/call requests to the right session.
package backend

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jakemannix/mcp-proxy/registry"
)

// Manager owns one Session per distinct backend fingerprint and the
// exposedName -> disabled map produced by schema-drift validation.
type Manager struct {
	resolved *registry.Resolved

	sessions             map[string]*Session // by fingerprint
	backendToFingerprint map[string]string   // backend name -> fingerprint

	mu            sync.RWMutex
	disabledTools map[string]string // exposedName -> reason
}

// NewManager builds a Manager from a resolved registry, deduplicating
// backend definitions by fingerprint (invariant 6). It does not connect
// anything; call Start to connect eagerly.
func NewManager(resolved *registry.Resolved) *Manager {
	m := &Manager{
		resolved:             resolved,
		sessions:             map[string]*Session{},
		backendToFingerprint: map[string]string{},
		disabledTools:        map[string]string{},
	}
	for name, def := range resolved.Backends {
		fp := def.Fingerprint()
		if _, exists := m.sessions[fp]; !exists {
			m.sessions[fp] = newSession(def)
		}
		m.backendToFingerprint[name] = fp
	}
	return m
}

// Start connects every non-OAuth backend session eagerly and runs
// schema-drift validation against any tool carrying expectedSchemaHash.
// OAuth backends are left Closed until ConnectOAuth is called once the
// external authentication flow completes (opaque to this package).
func (m *Manager) Start(ctx context.Context) []error {
	var errs []error
	connectErrs := map[string]error{}

	for name, def := range m.resolved.Backends {
		if def.Auth == "oauth" {
			continue
		}
		fp := m.backendToFingerprint[name]
		sess := m.sessions[fp]
		connectErr, attempted := connectErrs[fp]
		if !attempted {
			connectErr = sess.connect(ctx)
			connectErrs[fp] = connectErr
			if connectErr != nil {
				errs = append(errs, fmt.Errorf("backend %q: %w", name, connectErr))
			}
		}
		// Every backend name sharing a deduplicated session has its own
		// tools validated, not only the first name that connected it.
		if connectErr == nil {
			m.validateSchemaDrift(sess, name)
		}
	}
	return errs
}

// ConnectOAuth connects the session backing backendName, to be called once
// its external OAuth flow has completed.
func (m *Manager) ConnectOAuth(ctx context.Context, backendName string) error {
	fp, ok := m.backendToFingerprint[backendName]
	if !ok {
		return ErrUnknownBackend
	}
	sess := m.sessions[fp]
	if err := sess.connect(ctx); err != nil {
		return err
	}
	m.validateSchemaDrift(sess, backendName)
	return nil
}

// Dispatch sends a tools/call for the given resolved tool to its backend
// session, honoring schema-drift disablement.
func (m *Manager) Dispatch(ctx context.Context, tool *registry.ResolvedTool, args map[string]interface{}) (*mcp.CallToolResult, error) {
	return m.DispatchWithProgress(ctx, tool, args, "", nil)
}

// DispatchWithProgress behaves like Dispatch, additionally relaying
// notifications/progress from the upstream session to onProgress for the
// duration of the call, correlated by progressToken.
func (m *Manager) DispatchWithProgress(ctx context.Context, tool *registry.ResolvedTool, args map[string]interface{}, progressToken string, onProgress ProgressFunc) (*mcp.CallToolResult, error) {
	if reason, disabled := m.DisabledReason(tool.ExposedName); disabled {
		return nil, fmt.Errorf("%w: %s", ErrToolDisabled, reason)
	}

	fp, ok := m.backendToFingerprint[tool.BackendName]
	if !ok {
		return nil, ErrUnknownBackend
	}
	return m.sessions[fp].CallWithProgress(ctx, tool.UpstreamName, args, progressToken, onProgress)
}

// DisabledReason reports whether a tool has been disabled by schema-drift
// validation under validationMode "strict", and why.
func (m *Manager) DisabledReason(exposedName string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	reason, disabled := m.disabledTools[exposedName]
	return reason, disabled
}

// Status is a liveness snapshot of one backend session, possibly shared by
// several backend names that deduplicated to the same fingerprint. LastError
// is the error from the most recent failed connect or lost mid-call (nil
// while Ready), and ConnectedSince is the zero time until the session has
// completed at least one successful handshake.
type Status struct {
	Fingerprint    string
	State          State
	Backends       []string
	LastError      error
	ConnectedSince time.Time
}

// Status returns a liveness snapshot for every distinct backend session.
func (m *Manager) Status() []Status {
	byFingerprint := make(map[string][]string)
	for name, fp := range m.backendToFingerprint {
		byFingerprint[fp] = append(byFingerprint[fp], name)
	}
	out := make([]Status, 0, len(m.sessions))
	for fp, sess := range m.sessions {
		state, lastErr, connectedSince := sess.snapshot()
		out = append(out, Status{
			Fingerprint:    fp,
			State:          state,
			Backends:       byFingerprint[fp],
			LastError:      lastErr,
			ConnectedSince: connectedSince,
		})
	}
	return out
}

// Close shuts down every backend session.
func (m *Manager) Close() error {
	var firstErr error
	for _, sess := range m.sessions {
		if err := sess.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// validateSchemaDrift compares every tool bound to backendName that
// declares expectedSchemaHash against the session's freshly-cached
// upstream tool definition, per §4.6.
func (m *Manager) validateSchemaDrift(sess *Session, backendName string) {
	for exposedName, tool := range m.resolved.Tools {
		if tool.BackendName != backendName || tool.ExpectedSchemaHash == "" {
			continue
		}
		upstreamTool, ok := sess.UpstreamTool(tool.UpstreamName)
		if !ok {
			continue
		}
		hash, err := upstreamToolHash(upstreamTool)
		if err == nil && hash == tool.ExpectedSchemaHash {
			continue
		}

		mode := tool.ValidationMode
		if mode == "" {
			mode = "warn"
		}
		switch mode {
		case "strict":
			m.mu.Lock()
			m.disabledTools[exposedName] = "schema drift detected against expectedSchemaHash"
			m.mu.Unlock()
			slog.Warn("tool disabled by schema-drift validation", "tool", exposedName, "backend", backendName)
		case "skip":
		default: // "warn"
			slog.Warn("schema drift detected", "tool", exposedName, "backend", backendName)
		}
	}
}

// upstreamToolHash computes a deterministic hash over a live upstream
// tool's {name, description, inputSchema}, relying on encoding/json's
// stable (alphabetical) ordering of map keys for a canonical encoding.
func upstreamToolHash(t mcp.Tool) (string, error) {
	payload := struct {
		Name        string      `json:"name"`
		Description string      `json:"description"`
		InputSchema interface{} `json:"inputSchema"`
	}{t.Name, t.Description, t.InputSchema}

	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
