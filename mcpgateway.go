// Package mcpgateway provides the ambient tool-registration machinery shared
// by every virtual and meta tool the gateway exposes: reflecting a Go
// struct into a JSON-Schema tool definition, instrumenting each call with
// OpenTelemetry, and converting handler return values into MCP results.
package mcpgateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"sort"

	"github.com/invopop/jsonschema"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

// GatewayConfig carries process-wide behavioral configuration threaded
// through the request context, as opposed to per-backend configuration
// (which lives in the registry document and backend.Manager).
type GatewayConfig struct {
	// IncludeArgumentsInSpans controls whether tool call arguments are
	// attached to the OpenTelemetry span. Off by default since arguments
	// may carry secrets injected via registry defaults.
	IncludeArgumentsInSpans bool
}

type gatewayConfigKey struct{}

// WithGatewayConfig attaches a GatewayConfig to the context.
func WithGatewayConfig(ctx context.Context, cfg GatewayConfig) context.Context {
	return context.WithValue(ctx, gatewayConfigKey{}, cfg)
}

// GatewayConfigFromContext retrieves the GatewayConfig from the context,
// returning the zero value if none was attached.
func GatewayConfigFromContext(ctx context.Context) GatewayConfig {
	cfg, _ := ctx.Value(gatewayConfigKey{}).(GatewayConfig)
	return cfg
}

// Tool represents a tool definition and its handler function for the MCP
// server. It encapsulates both the tool metadata (name, description,
// schema) and the function that executes when the tool is called. The
// simplest way to create a Tool is to use MustTool for compile-time tool
// creation, or ConvertTool if you need runtime tool creation with proper
// error handling.
type Tool struct {
	Tool    mcp.Tool
	Handler server.ToolHandlerFunc
}

// HardError wraps an error to indicate it should propagate as a JSON-RPC
// protocol error rather than being converted to a CallToolResult with
// IsError=true. Used for dispatch-time failures that happen before a
// handler would normally produce a tool result (unknown tool, disabled
// tool, backend unavailable).
type HardError struct {
	Err error
}

func (e *HardError) Error() string {
	return e.Err.Error()
}

func (e *HardError) Unwrap() error {
	return e.Err
}

// ToolAdder is satisfied by anything that can register a tool and its
// handler: a live server.MCPServer, or a ToolCollector used in CLI mode.
type ToolAdder interface {
	AddTool(tool mcp.Tool, handler server.ToolHandlerFunc)
}

// ToolCollector satisfies ToolAdder by collecting tools into a map instead
// of registering them with a live MCP server. CLI mode registers the
// resolved registry against one of these instead of a server.MCPServer, so
// it can walk the same tool set tools/list would expose without ever
// opening a transport.
type ToolCollector struct {
	tools map[string]Tool
}

// NewToolCollector creates an empty ToolCollector.
func NewToolCollector() *ToolCollector {
	return &ToolCollector{tools: make(map[string]Tool)}
}

// AddTool implements ToolAdder by storing the tool in the collector's map,
// keyed by its exposed name.
func (c *ToolCollector) AddTool(tool mcp.Tool, handler server.ToolHandlerFunc) {
	c.tools[tool.Name] = Tool{Tool: tool, Handler: handler}
}

// Tools returns the collected tools keyed by exposed name.
func (c *ToolCollector) Tools() map[string]Tool {
	return c.tools
}

// Names returns the collected tool names in sorted order, the listing order
// CLI mode's --list-tools and no-args help output use.
func (c *ToolCollector) Names() []string {
	return SortedNames(c.tools)
}

// SortedNames returns tools' keys sorted lexically, shared by any caller
// that needs a stable listing order over a tool map (CLI help/listing
// output, in particular).
func SortedNames(tools map[string]Tool) []string {
	names := make([]string, 0, len(tools))
	for name := range tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Register adds the Tool via the given ToolAdder. It is a convenience
// method allowing fluent tool registration in a single statement:
// mcpgateway.MustTool(name, description, toolHandler).Register(server)
func (t *Tool) Register(adder ToolAdder) {
	adder.AddTool(t.Tool, t.Handler)
}

// MustTool creates a new Tool from the given name, description, and
// toolHandler. It panics if the tool cannot be created, making it suitable
// for compile-time tool definitions where creation errors indicate
// programming mistakes.
func MustTool[T any, R any](
	name, description string,
	toolHandler ToolHandlerFunc[T, R],
	options ...mcp.ToolOption,
) Tool {
	tool, handler, err := ConvertTool(name, description, toolHandler, options...)
	if err != nil {
		panic(err)
	}
	return Tool{Tool: tool, Handler: handler}
}

// ToolHandlerFunc is the type of a handler function for a tool. T is the
// request parameter type (must be a struct with jsonschema tags), and R is
// the response type which can be a string, struct, or *mcp.CallToolResult.
type ToolHandlerFunc[T any, R any] = func(ctx context.Context, request T) (R, error)

// ConvertTool converts a toolHandler function to an MCP Tool and
// ToolHandlerFunc. The toolHandler must accept a context.Context and a
// struct with jsonschema tags for parameter documentation. The struct
// fields define the tool's input schema, while the return value can be a
// string, struct, or *mcp.CallToolResult. This function automatically
// generates JSON schema from the struct type and wraps the handler with
// OpenTelemetry instrumentation.
func ConvertTool[T any, R any](name, description string, toolHandler ToolHandlerFunc[T, R], options ...mcp.ToolOption) (mcp.Tool, server.ToolHandlerFunc, error) {
	zero := mcp.Tool{}
	handlerValue := reflect.ValueOf(toolHandler)
	handlerType := handlerValue.Type()
	if handlerType.Kind() != reflect.Func {
		return zero, nil, errors.New("tool handler must be a function")
	}
	if handlerType.NumIn() != 2 {
		return zero, nil, errors.New("tool handler must have 2 arguments")
	}
	if handlerType.NumOut() != 2 {
		return zero, nil, errors.New("tool handler must return 2 values")
	}
	if handlerType.In(0) != reflect.TypeOf((*context.Context)(nil)).Elem() {
		return zero, nil, errors.New("tool handler first argument must be context.Context")
	}
	if handlerType.Out(1).Kind() != reflect.Interface {
		return zero, nil, errors.New("tool handler second return value must be error")
	}

	argType := handlerType.In(1)
	if argType.Kind() != reflect.Struct {
		return zero, nil, errors.New("tool handler second argument must be a struct")
	}

	handler := func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		cfg := GatewayConfigFromContext(ctx)

		// Extract W3C trace context from request _meta if present.
		ctx = extractTraceContext(ctx, request)

		ctx, span := otel.Tracer("mcp-proxy").Start(ctx,
			fmt.Sprintf("tools/call %s", name),
			trace.WithSpanKind(trace.SpanKindServer),
		)
		defer span.End()

		span.SetAttributes(
			semconv.GenAIToolName(name),
			attribute.String("mcp.method.name", "tools/call"),
		)
		if session := server.ClientSessionFromContext(ctx); session != nil {
			span.SetAttributes(semconv.McpSessionID(session.SessionID()))
		}

		argBytes, err := json.Marshal(request.Params.Arguments)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to marshal arguments")
			return nil, fmt.Errorf("marshal args: %w", err)
		}

		if cfg.IncludeArgumentsInSpans {
			span.SetAttributes(attribute.String("gen_ai.tool.call.arguments", string(argBytes)))
		}

		unmarshaledArgs := reflect.New(argType).Interface()
		if err := json.Unmarshal(argBytes, unmarshaledArgs); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to unmarshal arguments")
			return nil, fmt.Errorf("unmarshal args: %s", err)
		}

		of := reflect.ValueOf(unmarshaledArgs)
		if of.Kind() != reflect.Ptr || !of.Elem().CanInterface() {
			err := errors.New("arguments must be a struct")
			span.RecordError(err)
			span.SetStatus(codes.Error, "invalid arguments structure")
			return nil, err
		}

		args := []reflect.Value{reflect.ValueOf(ctx), of.Elem()}

		output := handlerValue.Call(args)
		if len(output) != 2 {
			err := errors.New("tool handler must return 2 values")
			span.RecordError(err)
			span.SetStatus(codes.Error, "invalid tool handler return")
			return nil, err
		}
		if !output[0].CanInterface() {
			err := errors.New("tool handler first return value must be interfaceable")
			span.RecordError(err)
			span.SetStatus(codes.Error, "tool handler return value not interfaceable")
			return nil, err
		}

		var handlerErr error
		var ok bool
		if output[1].Kind() == reflect.Interface && !output[1].IsNil() {
			handlerErr, ok = output[1].Interface().(error)
			if !ok {
				err := errors.New("tool handler second return value must be error")
				span.RecordError(err)
				span.SetStatus(codes.Error, "invalid error return type")
				return nil, err
			}
		}

		if handlerErr != nil {
			span.RecordError(handlerErr)
			span.SetStatus(codes.Error, handlerErr.Error())
			span.SetAttributes(semconv.ErrorType(handlerErr))
			var hardErr *HardError
			if errors.As(handlerErr, &hardErr) {
				return nil, hardErr.Err
			}
			return &mcp.CallToolResult{
				Content: []mcp.Content{
					mcp.TextContent{
						Type: "text",
						Text: handlerErr.Error(),
					},
				},
				IsError: true,
			}, nil
		}

		span.SetStatus(codes.Ok, "tool execution completed")

		isNilable := output[0].Kind() == reflect.Ptr ||
			output[0].Kind() == reflect.Interface ||
			output[0].Kind() == reflect.Map ||
			output[0].Kind() == reflect.Slice ||
			output[0].Kind() == reflect.Chan ||
			output[0].Kind() == reflect.Func

		if isNilable && output[0].IsNil() {
			return nil, nil
		}

		returnVal := output[0].Interface()
		returnType := output[0].Type()

		if callResult, ok := returnVal.(*mcp.CallToolResult); ok {
			return callResult, nil
		}

		if returnType.ConvertibleTo(reflect.TypeOf(mcp.CallToolResult{})) {
			callResult := returnVal.(mcp.CallToolResult)
			return &callResult, nil
		}

		if str, ok := returnVal.(string); ok {
			if str == "" {
				return nil, nil
			}
			return mcp.NewToolResultText(str), nil
		}

		if strPtr, ok := returnVal.(*string); ok {
			if strPtr == nil || *strPtr == "" {
				return nil, nil
			}
			return mcp.NewToolResultText(*strPtr), nil
		}

		returnBytes, err := json.Marshal(returnVal)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal return value: %s", err)
		}

		return mcp.NewToolResultText(string(returnBytes)), nil
	}

	jsonSchema := createJSONSchemaFromHandler(toolHandler)
	properties := make(map[string]any, jsonSchema.Properties.Len())
	for pair := jsonSchema.Properties.Oldest(); pair != nil; pair = pair.Next() {
		properties[pair.Key] = pair.Value
	}
	// Use RawInputSchema with ToolArgumentsSchema to work around a Go
	// limitation where type aliases don't inherit custom MarshalJSON
	// methods. This ensures empty properties are included in the schema.
	argumentsSchema := mcp.ToolArgumentsSchema{
		Type:       jsonSchema.Type,
		Properties: properties,
		Required:   jsonSchema.Required,
	}

	schemaBytes, err := json.Marshal(argumentsSchema)
	if err != nil {
		return zero, nil, fmt.Errorf("failed to marshal input schema: %w", err)
	}

	t := mcp.Tool{
		Name:           name,
		Description:    description,
		RawInputSchema: schemaBytes,
	}
	for _, option := range options {
		option(&t)
	}
	return t, handler, nil
}

// extractTraceContext checks the request's _meta for W3C trace context
// headers (traceparent/tracestate) and returns a context with the
// extracted span context so that the tool span becomes a child of the
// caller's trace.
func extractTraceContext(ctx context.Context, request mcp.CallToolRequest) context.Context {
	if request.Params.Meta == nil {
		return ctx
	}
	fields := request.Params.Meta.AdditionalFields
	if len(fields) == 0 {
		return ctx
	}
	carrier := make(http.Header)
	if tp, ok := fields["traceparent"].(string); ok && tp != "" {
		carrier.Set("traceparent", tp)
	}
	if ts, ok := fields["tracestate"].(string); ok && ts != "" {
		carrier.Set("tracestate", ts)
	}
	if len(carrier) == 0 {
		return ctx
	}
	prop := propagation.TraceContext{}
	return prop.Extract(ctx, propagation.HeaderCarrier(carrier))
}

// createJSONSchemaFromHandler builds a full JSON schema from a user
// provided handler by introspecting its argument struct.
func createJSONSchemaFromHandler(handler any) *jsonschema.Schema {
	handlerValue := reflect.ValueOf(handler)
	handlerType := handlerValue.Type()
	argumentType := handlerType.In(1)
	return jsonSchemaReflector.ReflectFromType(argumentType)
}

var jsonSchemaReflector = jsonschema.Reflector{
	BaseSchemaID:               "",
	Anonymous:                  true,
	AssignAnchor:               false,
	AllowAdditionalProperties:  true,
	RequiredFromJSONSchemaTags: true,
	DoNotReference:             true,
	ExpandedStruct:             true,
}
