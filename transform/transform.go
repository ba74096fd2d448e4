// Package transform implements the two call-path operations that turn a
// client's virtual-tool call into an upstream call and back: request
// default-injection plus name rewrite, and response structural projection
// plus JSON-in-text promotion.
package transform

import (
	"context"
	"fmt"

	"github.com/jakemannix/mcp-proxy/jsontext"
	"github.com/jakemannix/mcp-proxy/registry"
)

// MergePolicy governs what happens when a client supplies a value for an
// argument that is also present in a tool's effectiveDefaults (almost
// always a hidden field, since hidden-or-defaulted fields are stripped from
// the advertised schema — a legitimate client has no way to know the key
// exists, so receiving one is either a stale caller or a probing one).
type MergePolicy int

const (
	// MergeOverride keeps the registry-configured default and silently
	// discards the client-supplied value. Default policy: the most
	// defensive choice for secret injection, the primary use case for
	// hidden defaults.
	MergeOverride MergePolicy = iota
	// MergeClientWins lets the client-supplied value take precedence.
	MergeClientWins
	// MergeReject fails the call outright when a client supplies a value
	// for a hidden-and-defaulted field.
	MergeReject
)

func (p MergePolicy) String() string {
	switch p {
	case MergeClientWins:
		return "client_wins"
	case MergeReject:
		return "reject"
	default:
		return "override"
	}
}

// ParseMergePolicy parses the config spelling of a MergePolicy. The empty
// string resolves to MergeOverride.
func ParseMergePolicy(s string) (MergePolicy, error) {
	switch s {
	case "", "override":
		return MergeOverride, nil
	case "client_wins":
		return MergeClientWins, nil
	case "reject":
		return MergeReject, nil
	default:
		return 0, fmt.Errorf("transform: unrecognized merge policy %q", s)
	}
}

// Request is the upstream-bound shape of a tools/call: the real tool name
// and the merged argument set.
type Request struct {
	UpstreamName string
	Arguments    map[string]interface{}
}

// BuildRequest applies the request transform: effectiveDefaults merged with
// clientArguments under policy, and the name rewritten from exposedName to
// upstreamName.
func BuildRequest(tool *registry.ResolvedTool, clientArguments map[string]interface{}, policy MergePolicy) (*Request, error) {
	args, err := mergeArguments(tool.EffectiveDefaults, clientArguments, policy)
	if err != nil {
		return nil, fmt.Errorf("transform: tool %q: %w", tool.ExposedName, err)
	}
	return &Request{UpstreamName: tool.UpstreamName, Arguments: args}, nil
}

func mergeArguments(defaults, client map[string]interface{}, policy MergePolicy) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(defaults)+len(client))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range client {
		if _, locked := defaults[k]; locked {
			switch policy {
			case MergeClientWins:
				out[k] = v
			case MergeReject:
				return nil, fmt.Errorf("client argument %q collides with a hidden default field", k)
			default: // MergeOverride
				// Keep the registry default; ignore the client's value.
			}
			continue
		}
		out[k] = v
	}
	return out, nil
}

// ContentBlock is a minimal, SDK-independent stand-in for an MCP content
// block — enough of it for JSON-in-text detection and pass-through.
type ContentBlock struct {
	Type string
	Text string
}

// ToolResult is a minimal, SDK-independent stand-in for a raw MCP tool
// result, decoupling this package from any particular MCP SDK's types.
type ToolResult struct {
	Content           []ContentBlock
	StructuredContent interface{}
}

// ResponseOptions configures the response transform.
type ResponseOptions struct {
	// DetectJSONInText enables the component-B fallback when no
	// structuredContent was returned upstream.
	DetectJSONInText bool
}

// Response is the outcome of the response transform.
type Response struct {
	Result ToolResult
	// ProjectionEmpty is true when a projection was attempted (a
	// structured source was found and the tool declares an
	// outputProjection) but yielded no matches. Per the error taxonomy
	// this is non-fatal: the caller should log a warning and still return
	// Result, whose StructuredContent is an empty object.
	ProjectionEmpty bool
}

// TransformResponse applies the response transform described in §4.5: it
// prefers upstream structuredContent, falls back to JSON-in-text detection
// on the first text content block, and always preserves the original
// content blocks for human-readable display.
func TransformResponse(ctx context.Context, tool *registry.ResolvedTool, raw ToolResult, opts ResponseOptions) Response {
	out := raw

	if raw.StructuredContent != nil {
		return projectOrPassthrough(ctx, tool, out, raw.StructuredContent)
	}

	if opts.DetectJSONInText && len(raw.Content) > 0 && raw.Content[0].Type == "text" {
		if parsed, found := jsontext.Detect(raw.Content[0].Text); found {
			return projectOrPassthrough(ctx, tool, out, parsed)
		}
	}

	return Response{Result: out}
}

func projectOrPassthrough(ctx context.Context, tool *registry.ResolvedTool, out ToolResult, source interface{}) Response {
	if tool.OutputProjection == nil {
		out.StructuredContent = source
		return Response{Result: out}
	}
	projected, ok := tool.OutputProjection.Project(ctx, source)
	if m, isMap := projected.(map[string]interface{}); !ok || (isMap && len(m) == 0) {
		out.StructuredContent = map[string]interface{}{}
		return Response{Result: out, ProjectionEmpty: true}
	}
	out.StructuredContent = projected
	return Response{Result: out}
}
