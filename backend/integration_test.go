//go:build integration

// This test spawns a real stdio MCP subprocess (the test binary itself,
// re-exec'd in "server mode" via a sentinel env var) as a minimal upstream
// fixture, since composing arbitrary MCP backends has no single external
// service to stand one up against.
package backend

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jakemannix/mcp-proxy/registry"
)

const serverModeEnvVar = "MCP_PROXY_BACKEND_TEST_SERVER_MODE"

// TestMain re-execs the test binary as a minimal stdio MCP server when the
// sentinel env var is set, so the rest of this file can spawn it as a real
// subprocess without depending on any external fixture.
func TestMain(m *testing.M) {
	if os.Getenv(serverModeEnvVar) == "1" {
		runFixtureServer()
		return
	}
	os.Exit(m.Run())
}

func runFixtureServer() {
	s := server.NewMCPServer("fixture", "0.0.1", server.WithToolCapabilities(false))
	s.AddTool(mcp.NewTool("ping", mcp.WithDescription("replies pong")), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultText("pong"), nil
	})
	s.AddTool(mcp.NewTool("slow", mcp.WithDescription("sleeps before replying")), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		select {
		case <-time.After(5 * time.Second):
			return mcp.NewToolResultText("done"), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	_ = server.ServeStdio(s)
}

func selfExecDef(t *testing.T) registry.BackendDef {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	return registry.BackendDef{
		Name: "fixture",
		Stdio: &registry.StdioDef{
			Command: exe,
			Args:    []string{"-test.run=^$"},
			Env:     map[string]string{serverModeEnvVar: "1"},
		},
	}
}

func TestSessionConnectsAndCallsTool(t *testing.T) {
	def := selfExecDef(t)
	sess := newSession(def)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result, err := sess.Call(ctx, "ping", nil)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, StateReady, sess.State())
}

// A per-call deadline expiring mid-call must surface as a context.
// DeadlineExceeded-wrapping error without tearing the session down: the
// backend connection is healthy, only this one call ran out of time.
func TestSessionCallDeadlineDoesNotCloseSession(t *testing.T) {
	def := selfExecDef(t)
	sess := newSession(def)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := sess.Call(ctx, "ping", nil)
	require.NoError(t, err)

	shortCtx, shortCancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer shortCancel()
	_, err = sess.Call(shortCtx, "slow", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrBackendUnavailable)
	assert.Equal(t, StateReady, sess.State())

	result, err := sess.Call(ctx, "ping", nil)
	require.NoError(t, err)
	require.NotNil(t, result)
}

// An upstream JSON-RPC protocol error (calling an unknown tool) must
// propagate without closing the shared session, so other in-flight or
// future callers on the same session are unaffected.
func TestSessionUpstreamProtocolErrorDoesNotCloseSession(t *testing.T) {
	def := selfExecDef(t)
	sess := newSession(def)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := sess.Call(ctx, "does-not-exist", nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrBackendUnavailable)
	assert.Equal(t, StateReady, sess.State())

	result, err := sess.Call(ctx, "ping", nil)
	require.NoError(t, err)
	require.NotNil(t, result)
}

// S6 — Backend reconnect. Simulates the detected-loss transition (the same
// one Session.Call performs when the upstream connection errors) and
// verifies: a call while still inside the backoff window fails fast with
// ErrBackendUnavailable, and a call issued after the backoff elapses
// transparently reconnects and succeeds.
func TestSessionReconnectsAfterBackoff(t *testing.T) {
	def := selfExecDef(t)
	sess := newSession(def)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := sess.Call(ctx, "ping", nil)
	require.NoError(t, err)

	sess.markClosed(errors.New("simulated disconnect"))

	_, err = sess.Call(ctx, "ping", nil)
	assert.ErrorIs(t, err, ErrBackendUnavailable)

	sess.mu.Lock()
	wait := time.Until(sess.nextAttempt)
	sess.mu.Unlock()
	if wait > 0 {
		time.Sleep(wait)
	}

	result, err := sess.Call(ctx, "ping", nil)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, StateReady, sess.State())
}
