package backend

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/jakemannix/mcp-proxy/registry"
)

// Invariant 6: two identical server definitions produce exactly one
// backend session.
func TestNewManagerDeduplicatesIdenticalBackends(t *testing.T) {
	resolved := &registry.Resolved{
		Backends: map[string]registry.BackendDef{
			"a": {Name: "a", Stdio: &registry.StdioDef{Command: "x", Args: []string{"--flag"}}},
			"b": {Name: "b", Stdio: &registry.StdioDef{Command: "x", Args: []string{"--flag"}}},
			"c": {Name: "c", Stdio: &registry.StdioDef{Command: "y"}},
		},
		Tools: map[string]*registry.ResolvedTool{},
	}

	m := NewManager(resolved)
	assert.Len(t, m.sessions, 2, "a and b should collapse to one session, c is distinct")

	fpA := m.backendToFingerprint["a"]
	fpB := m.backendToFingerprint["b"]
	fpC := m.backendToFingerprint["c"]
	assert.Equal(t, fpA, fpB)
	assert.NotEqual(t, fpA, fpC)
}

func TestManagerStatusGroupsBackendsBySession(t *testing.T) {
	resolved := &registry.Resolved{
		Backends: map[string]registry.BackendDef{
			"a": {Name: "a", Stdio: &registry.StdioDef{Command: "x"}},
			"b": {Name: "b", Stdio: &registry.StdioDef{Command: "x"}},
		},
		Tools: map[string]*registry.ResolvedTool{},
	}
	m := NewManager(resolved)
	statuses := m.Status()
	assert.Len(t, statuses, 1)
	assert.ElementsMatch(t, []string{"a", "b"}, statuses[0].Backends)
	assert.Equal(t, StateClosed, statuses[0].State)
	assert.NoError(t, statuses[0].LastError)
	assert.True(t, statuses[0].ConnectedSince.IsZero())
}

func TestDispatchToUnknownBackendFails(t *testing.T) {
	resolved := &registry.Resolved{Backends: map[string]registry.BackendDef{}, Tools: map[string]*registry.ResolvedTool{}}
	m := NewManager(resolved)

	tool := &registry.ResolvedTool{ExposedName: "ghost", BackendName: "nonexistent", UpstreamName: "t"}
	_, err := m.Dispatch(nil, tool, nil) //nolint:staticcheck // deliberately nil ctx: never reaches a network call
	assert.ErrorIs(t, err, ErrUnknownBackend)
}

func TestNextBackoffGrowsExponentiallyAndCaps(t *testing.T) {
	d := nextBackoff(0)
	assert.InDelta(t, float64(backoffBase), float64(d), float64(backoffBase)*0.25)

	prev := backoffBase
	for i := 0; i < 20; i++ {
		prev = nextBackoff(prev)
	}
	assert.LessOrEqual(t, prev, time.Duration(float64(backoffCap)*1.25))
}

func TestSessionStartsClosedUntilConnected(t *testing.T) {
	sess := newSession(registry.BackendDef{Name: "x", Stdio: &registry.StdioDef{Command: "x"}})
	assert.Equal(t, StateClosed, sess.State())
}
