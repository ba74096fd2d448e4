// Package gateway implements the MCP server-side façade: it registers one
// mark3labs/mcp-go tool handler per resolved virtual tool, dispatches
// tools/call through the backend session manager, and applies the
// request/response transforms in between. tools/list falls out of
// mark3labs/mcp-go's own registration bookkeeping — this package never
// builds that response itself.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	mcpgateway "github.com/jakemannix/mcp-proxy"
	"github.com/jakemannix/mcp-proxy/backend"
	"github.com/jakemannix/mcp-proxy/registry"
	"github.com/jakemannix/mcp-proxy/transform"
)

// defaultCallTimeout is the per-call upstream deadline when Config doesn't
// override it, per spec §5.
const defaultCallTimeout = 30 * time.Second

// dispatcher is the subset of *backend.Manager the façade depends on,
// narrowed to an interface so the dispatch path can be tested without real
// upstream sessions.
type dispatcher interface {
	DispatchWithProgress(ctx context.Context, tool *registry.ResolvedTool, args map[string]interface{}, progressToken string, onProgress backend.ProgressFunc) (*mcp.CallToolResult, error)
	DisabledReason(exposedName string) (string, bool)
}

// Config carries the façade's process-wide behavior, independent of any
// one tool's registry-declared settings.
type Config struct {
	// CallTimeout bounds every upstream tools/call. Zero means
	// defaultCallTimeout.
	CallTimeout time.Duration
	// DetectJSONInText enables the component-B response fallback when a
	// backend returns no structuredContent.
	DetectJSONInText bool
	// DefaultMergePolicy is used for any tool that doesn't declare its own
	// mergePolicy in the registry document.
	DefaultMergePolicy transform.MergePolicy
}

// Gateway is the resolved-registry + backend-manager façade: it knows how
// to turn a *registry.Resolved into registered MCP tools.
type Gateway struct {
	resolved *registry.Resolved
	dispatch dispatcher
	cfg      Config
}

// New builds a Gateway over a resolved registry and its backend manager.
func New(resolved *registry.Resolved, backends *backend.Manager, cfg Config) *Gateway {
	return &Gateway{resolved: resolved, dispatch: backends, cfg: cfg}
}

func (g *Gateway) callTimeout() time.Duration {
	if g.cfg.CallTimeout > 0 {
		return g.cfg.CallTimeout
	}
	return defaultCallTimeout
}

func (g *Gateway) mergePolicyFor(tool *registry.ResolvedTool) transform.MergePolicy {
	if tool.MergePolicy == "" {
		return g.cfg.DefaultMergePolicy
	}
	if p, err := transform.ParseMergePolicy(tool.MergePolicy); err == nil {
		return p
	}
	return g.cfg.DefaultMergePolicy
}

// RegisterTools registers every resolved virtual tool against adder (a live
// server.MCPServer in server mode, or a ToolCollector in CLI mode). This is
// the entirety of tools/list and tools/call wiring: mark3labs/mcp-go's own
// O(1) name-indexed registration serves both endpoints once tools are
// added, so the façade never implements a dispatch table of its own.
func (g *Gateway) RegisterTools(adder mcpgateway.ToolAdder) {
	for _, tool := range g.resolved.Tools {
		adder.AddTool(buildMCPTool(tool), g.handlerFor(tool))
	}
}

func buildMCPTool(tool *registry.ResolvedTool) mcp.Tool {
	raw, err := json.Marshal(tool.AdvertisedInputSchema)
	if err != nil {
		raw = []byte(`{"type":"object","properties":{}}`)
	}
	return mcp.Tool{
		Name:           tool.ExposedName,
		Description:    tool.Description,
		RawInputSchema: raw,
	}
}

// handlerFor closes over one resolved tool and implements the §4.7 call
// path: disablement check, request transform, bounded dispatch with
// progress relaying, response transform.
func (g *Gateway) handlerFor(tool *registry.ResolvedTool) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if reason, disabled := g.dispatch.DisabledReason(tool.ExposedName); disabled {
			return nil, &mcpgateway.HardError{Err: fmt.Errorf("%w: %s", backend.ErrToolDisabled, reason)}
		}

		built, err := transform.BuildRequest(tool, argumentsAsMap(req.Params.Arguments), g.mergePolicyFor(tool))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		callCtx, cancel := context.WithTimeout(ctx, g.callTimeout())
		defer cancel()

		clientToken, hasToken := progressTokenFromRequest(req)
		var onProgress backend.ProgressFunc
		upstreamToken := ""
		if hasToken {
			upstreamToken = uuid.NewString()
			onProgress = g.progressRelay(ctx, clientToken)
		}

		raw, err := g.dispatch.DispatchWithProgress(callCtx, tool, built.Arguments, upstreamToken, onProgress)
		if err != nil {
			return nil, classifyDispatchError(tool.ExposedName, err)
		}

		resp := transform.TransformResponse(ctx, tool, toTransformResult(raw), transform.ResponseOptions{
			DetectJSONInText: g.cfg.DetectJSONInText,
		})
		if resp.ProjectionEmpty {
			slog.Warn("output projection yielded no matches", "tool", tool.ExposedName)
		}
		return fromTransformResult(raw, resp), nil
	}
}

// classifyDispatchError maps a backend dispatch failure onto the §7 error
// taxonomy. Every mapped case propagates as a JSON-RPC protocol error
// (HardError) rather than a tool result, matching how the taxonomy
// distinguishes dispatch-time failures from a completed-but-failing call.
func classifyDispatchError(toolName string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &mcpgateway.HardError{Err: fmt.Errorf("%w: tool %q", ErrUpstreamTimeout, toolName)}
	case errors.Is(err, backend.ErrBackendUnavailable):
		return &mcpgateway.HardError{Err: err}
	case errors.Is(err, backend.ErrToolDisabled):
		return &mcpgateway.HardError{Err: err}
	case errors.Is(err, backend.ErrUnknownBackend):
		return &mcpgateway.HardError{Err: fmt.Errorf("%w: tool %q: %s", ErrToolUnknown, toolName, err)}
	default:
		return &mcpgateway.HardError{Err: fmt.Errorf("%w: tool %q: %s", ErrUpstreamError, toolName, err)}
	}
}

// argumentsAsMap normalizes a CallToolRequest's arguments field (typed `any`
// so mark3labs/mcp-go can accept pre-decoded JSON of any shape) down to the
// object form every virtual tool's input schema requires.
func argumentsAsMap(v interface{}) map[string]interface{} {
	if m, ok := v.(map[string]interface{}); ok {
		return m
	}
	return nil
}

// progressTokenFromRequest extracts the client's _meta.progressToken, if
// any was supplied with the call.
func progressTokenFromRequest(req mcp.CallToolRequest) (mcp.ProgressToken, bool) {
	if req.Params.Meta == nil || req.Params.Meta.ProgressToken == nil {
		return nil, false
	}
	return req.Params.Meta.ProgressToken, true
}

// progressRelay returns a backend.ProgressFunc that re-emits a backend
// progress update to the client session embedded in ctx, under the
// client's own progress token — the correlation §4.7/§5 require.
func (g *Gateway) progressRelay(ctx context.Context, clientToken mcp.ProgressToken) backend.ProgressFunc {
	return func(progress, total float64, message string) {
		session := server.ClientSessionFromContext(ctx)
		if session == nil {
			return
		}
		notification := mcp.JSONRPCNotification{
			JSONRPC: "2.0",
			Notification: mcp.Notification{
				Method: "notifications/progress",
				Params: mcp.NotificationParams{
					AdditionalFields: map[string]interface{}{
						"progressToken": clientToken,
						"progress":      progress,
						"total":         total,
						"message":       message,
					},
				},
			},
		}
		select {
		case session.NotificationChannel() <- notification:
		default:
			slog.Warn("dropped progress notification: client channel full")
		}
	}
}

// toTransformResult bridges mark3labs/mcp-go's result type down to the
// transform package's SDK-independent stand-in, extracting text from the
// first content block (all TransformResponse needs for JSON-in-text
// detection) while leaving the original untouched for passthrough.
func toTransformResult(r *mcp.CallToolResult) transform.ToolResult {
	blocks := make([]transform.ContentBlock, 0, len(r.Content))
	for _, c := range r.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			blocks = append(blocks, transform.ContentBlock{Type: "text", Text: tc.Text})
		} else {
			blocks = append(blocks, transform.ContentBlock{Type: "other"})
		}
	}
	return transform.ToolResult{Content: blocks, StructuredContent: r.StructuredContent}
}

// fromTransformResult re-applies the transform's decision to the original
// result, preserving every field (content blocks, IsError) except
// StructuredContent, which the transform may have projected or promoted.
func fromTransformResult(orig *mcp.CallToolResult, resp transform.Response) *mcp.CallToolResult {
	out := *orig
	out.StructuredContent = resp.Result.StructuredContent
	return &out
}
