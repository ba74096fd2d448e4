package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	mcpgateway "github.com/jakemannix/mcp-proxy"
	"github.com/jakemannix/mcp-proxy/backend"
	"github.com/jakemannix/mcp-proxy/gateway"
	"github.com/jakemannix/mcp-proxy/registry"
	mcptools "github.com/jakemannix/mcp-proxy/tools"
	"github.com/jakemannix/mcp-proxy/transform"
)

const (
	exitOK            = 0
	exitToolError     = 1 // tool returned IsError=true
	exitInternalError = 2 // usage error, unknown tool, bad JSON, handler failure
)

type cliContextProvider func() context.Context

type cliCommand struct {
	tool    mcpgateway.Tool
	request mcp.CallToolRequest
}

// parseCLICommand parses CLI args into a command to execute.
// Returns nil command and an exit code if the args were handled (help, error).
func parseCLICommand(args []string, stdin io.Reader, tools map[string]mcpgateway.Tool, stdout, stderr io.Writer) (*cliCommand, int) {
	if len(args) == 0 {
		printTopLevelHelp(tools, stdout)
		return nil, exitOK
	}

	toolName := args[0]
	toolArgs := args[1:]

	if toolName == "--list-tools" {
		printToolList(tools, stdout)
		return nil, exitOK
	}

	tool, ok := tools[toolName]
	if !ok {
		_, _ = fmt.Fprintf(stderr, "Error: unknown tool %q\n", toolName)
		suggestions := findSimilarTools(toolName, tools)
		if len(suggestions) > 0 {
			_, _ = fmt.Fprintf(stderr, "Did you mean: %s?\n", strings.Join(suggestions, ", "))
		}
		return nil, exitInternalError
	}

	if len(toolArgs) > 0 && (toolArgs[0] == "--help" || toolArgs[0] == "-h") {
		printToolHelp(tool, stdout)
		return nil, exitOK
	}

	var jsonInput []byte
	if len(toolArgs) > 0 {
		jsonInput = []byte(toolArgs[0])
	} else if stdin != nil {
		var err error
		jsonInput, err = io.ReadAll(stdin)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: failed to read stdin: %v\n", err)
			return nil, exitInternalError
		}
	}

	if len(jsonInput) == 0 || strings.TrimSpace(string(jsonInput)) == "" {
		jsonInput = []byte("{}")
	}

	var arguments map[string]any
	if err := json.Unmarshal(jsonInput, &arguments); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: invalid JSON input: %v\n", err)
		return nil, exitInternalError
	}

	request := mcp.CallToolRequest{}
	request.Params.Name = toolName
	request.Params.Arguments = arguments

	return &cliCommand{tool: tool, request: request}, exitOK
}

func executeCLI(ctxProvider cliContextProvider, collector *mcpgateway.ToolCollector, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if ctxProvider == nil {
		ctxProvider = context.Background
	}

	cmd, code := parseCLICommand(args, stdin, collector.Tools(), stdout, stderr)
	if cmd == nil {
		return code
	}

	ctx := ctxProvider()
	result, err := cmd.tool.Handler(ctx, cmd.request)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitInternalError
	}

	if result == nil {
		_, _ = fmt.Fprintln(stdout, "{}")
		return exitOK
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: failed to encode JSON output: %v\n", err)
		return exitInternalError
	}

	if result.IsError {
		return exitToolError
	}
	return exitOK
}

// printTopLevelHelp lists all available tools with descriptions.
func printTopLevelHelp(tools map[string]mcpgateway.Tool, w io.Writer) {
	_, _ = fmt.Fprintln(w, "Usage: mcp-proxy cli [--help] [--list-tools] <tool-name> [--help] [json-params]")
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintln(w, "Flags (after the cli subcommand, before the tool name):")
	_, _ = fmt.Fprintln(w, "  -registry <path>   Registry document describing backends and virtual tools (required)")
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintln(w, "Available tools:")
	_, _ = fmt.Fprintln(w)

	printToolList(tools, w)
}

// printToolList renders the name + one-line description table shared by
// --list-tools and the no-args help path.
func printToolList(tools map[string]mcpgateway.Tool, w io.Writer) {
	names := mcpgateway.SortedNames(tools)

	maxLen := 0
	for _, name := range names {
		if len(name) > maxLen {
			maxLen = len(name)
		}
	}

	for _, name := range names {
		tool := tools[name]
		desc := strings.TrimSpace(tool.Tool.Description)
		if i := strings.Index(desc, ". "); i != -1 {
			desc = desc[:i+1]
		}
		_, _ = fmt.Fprintf(w, "  %-*s  %s\n", maxLen, name, desc)
	}
}

// printToolHelp shows the parameter schema for a specific tool.
func printToolHelp(tool mcpgateway.Tool, w io.Writer) {
	_, _ = fmt.Fprintf(w, "Tool: %s\n", tool.Tool.Name)
	if tool.Tool.Description != "" {
		_, _ = fmt.Fprintf(w, "\n%s\n", tool.Tool.Description)
	}
	_, _ = fmt.Fprintln(w)

	if len(tool.Tool.RawInputSchema) == 0 {
		_, _ = fmt.Fprintln(w, "No parameters.")
		return
	}

	var schema struct {
		Properties map[string]struct {
			Type        string `json:"type"`
			Description string `json:"description"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(tool.Tool.RawInputSchema, &schema); err != nil {
		_, _ = fmt.Fprintf(w, "Parameters (raw JSON schema):\n%s\n", string(tool.Tool.RawInputSchema))
		return
	}

	if len(schema.Properties) == 0 {
		_, _ = fmt.Fprintln(w, "No parameters.")
		return
	}

	requiredSet := make(map[string]bool, len(schema.Required))
	for _, r := range schema.Required {
		requiredSet[r] = true
	}

	paramNames := make([]string, 0, len(schema.Properties))
	for name := range schema.Properties {
		paramNames = append(paramNames, name)
	}
	sort.Strings(paramNames)

	_, _ = fmt.Fprintln(w, "Parameters:")
	for _, name := range paramNames {
		prop := schema.Properties[name]
		req := ""
		if requiredSet[name] {
			req = " (required)"
		}
		_, _ = fmt.Fprintf(w, "  %s (%s)%s\n", name, prop.Type, req)
		if prop.Description != "" {
			_, _ = fmt.Fprintf(w, "    %s\n", prop.Description)
		}
	}
}

// findSimilarTools returns tool names that are similar to the given name.
// Uses simple prefix/substring matching.
func findSimilarTools(name string, tools map[string]mcpgateway.Tool) []string {
	var suggestions []string
	lower := strings.ToLower(name)
	for toolName := range tools {
		toolLower := strings.ToLower(toolName)
		if strings.Contains(toolLower, lower) {
			suggestions = append(suggestions, toolName)
		}
	}
	sort.Strings(suggestions)
	if len(suggestions) > 5 {
		suggestions = suggestions[:5]
	}
	return suggestions
}

// runCLI is the entry point called from main when the "cli" subcommand is
// detected. Unlike server mode it never starts backend sessions eagerly —
// the registry is resolved and registered against a ToolCollector, and each
// invocation connects to exactly the one backend its tool needs, on demand.
func runCLI(args []string) int {
	fs := flag.NewFlagSet("cli", flag.ContinueOnError)

	var gf gatewayFlags
	registryPath := fs.String("registry", "", "Path to the registry document describing backends and virtual tools (required)")
	callTimeout := fs.Duration("call-timeout", 30*time.Second, "Per-call upstream deadline for tools/call")
	detectJSONInText := fs.Bool("detect-json-in-text", false, "Attempt output projection against a backend's text content when it returns no structuredContent")
	defaultMergePolicy := fs.String("default-merge-policy", "override", "Default argument merge policy for tools that don't declare their own (override, client_wins, reject)")
	includeArgumentsInSpans := fs.Bool("include-arguments-in-spans", false, "Attach tool call arguments to OpenTelemetry spans")

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return exitOK
		}
		return exitInternalError
	}
	gf.registryPath = *registryPath
	gf.callTimeout = *callTimeout
	gf.detectJSONInText = *detectJSONInText
	gf.defaultMergePolicy = *defaultMergePolicy
	gf.includeArgumentsInSpans = *includeArgumentsInSpans

	data, err := os.ReadFile(gf.registryPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: reading registry document: %v\n", err)
		return exitInternalError
	}
	resolved, warnings, err := registry.Load(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: loading registry document: %v\n", err)
		return exitInternalError
	}
	for _, w := range warnings {
		fmt.Fprintf(os.Stderr, "Warning: %s\n", w.String())
	}

	mergePolicy, err := transform.ParseMergePolicy(gf.defaultMergePolicy)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: -default-merge-policy: %v\n", err)
		return exitInternalError
	}

	backends := backend.NewManager(resolved)
	gw := gateway.New(resolved, backends, gateway.Config{
		CallTimeout:        gf.callTimeout,
		DetectJSONInText:   gf.detectJSONInText,
		DefaultMergePolicy: mergePolicy,
	})

	collector := mcpgateway.NewToolCollector()
	gw.RegisterTools(collector)
	mcptools.New(resolved, backends).AddTools(collector)

	ctx, cancel := context.WithTimeout(context.Background(), gf.callTimeout+5*time.Second)
	defer cancel()
	ctx = mcpgateway.WithGatewayConfig(ctx, mcpgateway.GatewayConfig{IncludeArgumentsInSpans: gf.includeArgumentsInSpans})
	ctxProvider := func() context.Context { return ctx }
	defer backends.Close()

	// Only read from stdin if it's piped (not a terminal).
	var stdin io.Reader
	if fi, err := os.Stdin.Stat(); err == nil && (fi.Mode()&os.ModeCharDevice) == 0 {
		stdin = os.Stdin
	}

	return executeCLI(ctxProvider, collector, fs.Args(), stdin, os.Stdout, os.Stderr)
}
