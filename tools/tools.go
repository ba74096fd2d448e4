// Package tools implements the ambient meta-tools the gateway exposes
// alongside every registry-derived virtual tool: gateway_status and
// list_backends, for operability instead of upstream composition.
package tools

import (
	"github.com/mark3labs/mcp-go/mcp"

	mcpgateway "github.com/jakemannix/mcp-proxy"
	"github.com/jakemannix/mcp-proxy/backend"
	"github.com/jakemannix/mcp-proxy/registry"
)

// MetaTools holds the state gateway_status and list_backends introspect.
type MetaTools struct {
	resolved *registry.Resolved
	backends *backend.Manager
}

// New builds the meta-tools over a resolved registry and its backend
// manager.
func New(resolved *registry.Resolved, backends *backend.Manager) *MetaTools {
	return &MetaTools{resolved: resolved, backends: backends}
}

// AddTools registers gateway_status and list_backends with adder.
func (m *MetaTools) AddTools(adder mcpgateway.ToolAdder) {
	mcpgateway.MustTool(
		"gateway_status",
		"Reports liveness of every backend session the gateway manages: connection state, last error, and which configured backends share each deduplicated session.",
		m.gatewayStatus,
		mcp.WithTitleAnnotation("Gateway status"),
		mcp.WithIdempotentHintAnnotation(true),
		mcp.WithReadOnlyHintAnnotation(true),
	).Register(adder)

	mcpgateway.MustTool(
		"list_backends",
		"Enumerates every virtual tool the gateway exposes, its backend, inheritance chain depth, and whether schema-drift validation disabled it.",
		m.listBackends,
		mcp.WithTitleAnnotation("List backends"),
		mcp.WithIdempotentHintAnnotation(true),
		mcp.WithReadOnlyHintAnnotation(true),
	).Register(adder)
}
