package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jakemannix/mcp-proxy/backend"
	"github.com/jakemannix/mcp-proxy/registry"
)

func testRegistryDoc() []byte {
	return []byte(`{
		"schemaVersion": "1.0",
		"servers": [
			{"name": "weather", "stdio": {"command": "weatherd"}}
		],
		"tools": [
			{
				"name": "get_forecast",
				"server": "weather",
				"description": "fetch a forecast",
				"inputSchema": {"type": "object", "properties": {}}
			}
		]
	}`)
}

func newMetaTools(t *testing.T) *MetaTools {
	t.Helper()
	resolved, warnings, err := registry.Load(testRegistryDoc())
	require.NoError(t, err)
	require.Empty(t, warnings)
	return New(resolved, backend.NewManager(resolved))
}

func TestGatewayStatusReportsOneClosedSessionBeforeStart(t *testing.T) {
	m := newMetaTools(t)

	result, err := m.gatewayStatus(context.Background(), GatewayStatusParams{})
	require.NoError(t, err)
	require.Equal(t, 1, result.BackendCount)
	assert.Equal(t, "closed", result.Backends[0].State)
	assert.Contains(t, result.Backends[0].Backends, "weather")
}

func TestListBackendsEnumeratesResolvedTools(t *testing.T) {
	m := newMetaTools(t)

	result, err := m.listBackends(context.Background(), ListBackendsParams{})
	require.NoError(t, err)
	require.Len(t, result, 1)
	assert.Equal(t, "get_forecast", result[0].ExposedName)
	assert.Equal(t, "weather", result[0].BackendName)
	assert.Equal(t, 0, result[0].ChainDepth)
	assert.False(t, result[0].Disabled)
}
