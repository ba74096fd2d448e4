package registry

import (
	"fmt"

	"github.com/jakemannix/mcp-proxy/projector"
)

const maxChainDepth = 64

// BackendDef is the canonicalized form of a registry server definition: the
// unit the backend session manager connects to.
type BackendDef struct {
	Name        string
	Description string
	Stdio       *StdioDef // non-nil for stdio transport

	URL       string // non-empty for remote transport
	Transport string // "sse" | "streamableHttp"
	Auth      string // "none" | "oauth"
}

// StdioDef is a subprocess-backed backend: a command, its arguments, and
// extra environment variables layered on top of the gateway's own
// environment.
type StdioDef struct {
	Command string
	Args    []string
	Env     map[string]string
}

// ResolvedTool is the immutable, precomputed view of one virtual tool,
// ready for the call path to consult without recomputation.
type ResolvedTool struct {
	ExposedName  string
	BackendName  string
	UpstreamName string

	AdvertisedInputSchema map[string]interface{}
	EffectiveDefaults     map[string]interface{}

	// OutputProjection is nil when the tool declares no outputSchema.
	OutputProjection *projector.Plan

	Description string
	Version     string

	// ExpectedSchemaHash, when non-empty, is validated against the live
	// upstream tool definition once its backend session becomes Ready
	// (registry resolution happens before any backend connects).
	ExpectedSchemaHash string
	ValidationMode     string // strict | warn | skip
	MergePolicy        string // override | client_wins | reject; empty means the gateway's configured default

	// ChainDepth is the number of "source" hops from this tool to its base
	// tool (0 for a base tool itself). Surfaced via Describe for operability
	// tooling; §4.4 doesn't otherwise bound chain length beyond maxChainDepth.
	ChainDepth int
}

// Resolved is the read-only, process-lifetime output of Load. Once
// returned it is never mutated; concurrent readers need no locking.
type Resolved struct {
	SchemaVersion string
	Backends      map[string]BackendDef
	Tools         map[string]*ResolvedTool
}

// Tool looks up a resolved virtual tool by its exposed name.
func (r *Resolved) Tool(name string) (*ResolvedTool, bool) {
	t, ok := r.Tools[name]
	return t, ok
}

// Backend looks up a backend definition by name.
func (r *Resolved) Backend(name string) (BackendDef, bool) {
	b, ok := r.Backends[name]
	return b, ok
}

// ToolSummary is one row of Describe's introspection output.
type ToolSummary struct {
	ExposedName string
	BackendName string
	ChainDepth  int
	Disabled    bool
	DisabledWhy string
}

// Describe enumerates every resolved virtual tool for operability tooling
// (the list_backends meta-tool). disabled reports, for an exposed name, whether schema-drift
// validation disabled it and why; pass nil if that isn't known yet (e.g.
// before any backend session has connected).
func (r *Resolved) Describe(disabled func(exposedName string) (string, bool)) []ToolSummary {
	out := make([]ToolSummary, 0, len(r.Tools))
	for name, t := range r.Tools {
		summary := ToolSummary{ExposedName: name, BackendName: t.BackendName, ChainDepth: t.ChainDepth}
		if disabled != nil {
			if why, ok := disabled(name); ok {
				summary.Disabled = true
				summary.DisabledWhy = why
			}
		}
		out = append(out, summary)
	}
	return out
}

// Load parses, resolves, validates, and compiles a registry document. It
// returns the compiled Resolved set plus any non-fatal warnings (unset
// interpolation variables, sourceVersionPin mismatches under "warn"). A
// non-nil error always wraps ErrSyntax or ErrInvalid.
func Load(data []byte) (*Resolved, []Warning, error) {
	doc, err := decodeDocument(data)
	if err != nil {
		return nil, nil, err
	}

	warnings := interpolateDocument(doc)

	serversByName := make(map[string]rawServer, len(doc.Servers))
	for _, s := range doc.Servers {
		if _, dup := serversByName[s.Name]; dup {
			return nil, nil, fmt.Errorf("%w: duplicate server name %q", ErrSyntax, s.Name)
		}
		serversByName[s.Name] = s
	}

	toolsByName := make(map[string]*rawTool, len(doc.Tools))
	for i := range doc.Tools {
		t := &doc.Tools[i]
		if _, dup := toolsByName[t.Name]; dup {
			return nil, nil, fmt.Errorf("%w: duplicate tool name %q", ErrSyntax, t.Name)
		}
		toolsByName[t.Name] = t
	}

	backends := make(map[string]BackendDef, len(serversByName))
	for name, s := range serversByName {
		b := BackendDef{Name: name, Description: s.Description, URL: s.URL, Transport: s.Transport, Auth: s.Auth}
		if s.Stdio != nil {
			b.Stdio = &StdioDef{Command: s.Stdio.Command, Args: s.Stdio.Args, Env: s.Stdio.Env}
		}
		backends[name] = b
	}

	r := &resolver{
		toolsByName:        toolsByName,
		serversByName:      serversByName,
		schemas:            doc.Schemas,
		memo:               make(map[string]*effectiveTool),
		defaultMergePolicy: doc.DefaultMergePolicy,
	}

	tools := make(map[string]*ResolvedTool, len(doc.Tools))
	for _, t := range doc.Tools {
		eff, err := r.resolve(t.Name, map[string]bool{})
		if err != nil {
			return nil, nil, err
		}

		if t.Source != "" && t.SourceVersionPin != "" && t.SourceVersionPin != eff.immediateSourceVersion {
			mode := eff.ValidationMode
			if mode == "" {
				mode = "warn"
			}
			msg := fmt.Sprintf("sourceVersionPin %q does not match resolved source version %q", t.SourceVersionPin, eff.immediateSourceVersion)
			switch mode {
			case "strict":
				warnings = append(warnings, Warning{Tool: t.Name, Message: msg + "; tool dropped"})
				continue
			case "skip":
				// ignore the mismatch entirely
			default: // "warn"
				warnings = append(warnings, Warning{Tool: t.Name, Message: msg})
			}
		}

		resolved, err := compileTool(t.Name, eff)
		if err != nil {
			return nil, nil, err
		}
		tools[t.Name] = resolved
	}

	return &Resolved{SchemaVersion: doc.SchemaVersion, Backends: backends, Tools: tools}, warnings, nil
}

// effectiveTool is the late-bound result of walking one tool's inheritance
// chain: the closest non-null override of each field, plus additively
// merged hideFields/defaults.
type effectiveTool struct {
	Description  string
	InputSchema  map[string]interface{}
	OutputSchema map[string]interface{}
	OriginalName string
	Version      string

	HideFields map[string]bool
	Defaults   map[string]interface{}

	BackendName      string
	RootUpstreamName string
	// RootInputSchema is the base tool's own input schema, independent of
	// any descendant's inputSchema override — used to check that no
	// required upstream field is silently dropped.
	RootInputSchema map[string]interface{}

	ValidationMode     string
	ExpectedSchemaHash string
	MergePolicy        string
	ChainDepth         int

	// immediateSourceVersion is the resolved Version of this tool's direct
	// `source` parent (empty for base tools), used to check sourceVersionPin.
	immediateSourceVersion string
}

type resolver struct {
	toolsByName        map[string]*rawTool
	serversByName      map[string]rawServer
	schemas            map[string]map[string]interface{}
	memo               map[string]*effectiveTool
	defaultMergePolicy string
}

func (r *resolver) resolve(name string, visiting map[string]bool) (*effectiveTool, error) {
	if cached, ok := r.memo[name]; ok {
		return cached, nil
	}
	if visiting[name] {
		return nil, fmt.Errorf("%w: cycle in inheritance chain at tool %q", ErrInvalid, name)
	}
	if len(visiting) >= maxChainDepth {
		return nil, fmt.Errorf("%w: inheritance chain for tool %q exceeds max depth %d", ErrInvalid, name, maxChainDepth)
	}
	t, ok := r.toolsByName[name]
	if !ok {
		return nil, fmt.Errorf("%w: reference to unknown tool %q", ErrInvalid, name)
	}

	nextVisiting := make(map[string]bool, len(visiting)+1)
	for k, v := range visiting {
		nextVisiting[k] = v
	}
	nextVisiting[name] = true

	inputSchema, err := resolveSchemaRefs(t.InputSchema, r.schemas)
	if err != nil {
		return nil, fmt.Errorf("tool %q: inputSchema: %w", name, err)
	}
	outputSchema, err := resolveSchemaRefs(t.OutputSchema, r.schemas)
	if err != nil {
		return nil, fmt.Errorf("tool %q: outputSchema: %w", name, err)
	}

	var eff *effectiveTool

	switch {
	case t.Source == "" && t.Server != nil:
		serverName, _ := t.Server.(string)
		if _, ok := r.serversByName[serverName]; !ok {
			return nil, fmt.Errorf("%w: tool %q references unknown server %q", ErrInvalid, name, serverName)
		}
		eff = &effectiveTool{
			Description:        t.Description,
			InputSchema:        inputSchema,
			OutputSchema:       outputSchema,
			OriginalName:       orDefault(t.OriginalName, t.Name),
			Version:            t.Version,
			HideFields:         toSet(t.HideFields),
			Defaults:           copyMap(t.Defaults),
			BackendName:        serverName,
			RootUpstreamName:   orDefault(t.OriginalName, t.Name),
			RootInputSchema:    inputSchema,
			ValidationMode:     t.ValidationMode,
			ExpectedSchemaHash: t.ExpectedSchemaHash,
			MergePolicy:        orDefault(t.MergePolicy, r.defaultMergePolicy),
			ChainDepth:         0,
		}
	case t.Source != "":
		parent, err := r.resolve(t.Source, nextVisiting)
		if err != nil {
			return nil, err
		}
		eff = &effectiveTool{
			Description:            orDefault(t.Description, parent.Description),
			InputSchema:            orDefaultSchema(inputSchema, parent.InputSchema),
			OutputSchema:           orDefaultSchema(outputSchema, parent.OutputSchema),
			OriginalName:           orDefault(t.OriginalName, parent.OriginalName),
			Version:                orDefault(t.Version, parent.Version),
			HideFields:             mergeSets(parent.HideFields, t.HideFields),
			Defaults:               mergeMaps(parent.Defaults, t.Defaults),
			BackendName:            parent.BackendName,
			RootUpstreamName:       parent.RootUpstreamName,
			RootInputSchema:        parent.RootInputSchema,
			ValidationMode:         orDefault(t.ValidationMode, parent.ValidationMode),
			ExpectedSchemaHash:     orDefault(t.ExpectedSchemaHash, parent.ExpectedSchemaHash),
			MergePolicy:            orDefault(t.MergePolicy, parent.MergePolicy),
			ChainDepth:             parent.ChainDepth + 1,
			immediateSourceVersion: parent.Version,
		}
	default:
		return nil, fmt.Errorf("%w: tool %q has neither \"server\" nor \"source\"", ErrInvalid, name)
	}

	r.memo[name] = eff
	return eff, nil
}

// compileTool applies §4.4 phase 6 to an effective tool: strip hidden and
// defaulted fields from the advertised schema, compile the output
// projection plan, and enforce that no required upstream field was
// silently dropped.
func compileTool(exposedName string, eff *effectiveTool) (*ResolvedTool, error) {
	dropped := make(map[string]bool, len(eff.HideFields)+len(eff.Defaults))
	for f := range eff.HideFields {
		dropped[f] = true
	}
	for f := range eff.Defaults {
		dropped[f] = true
	}

	for _, required := range schemaRequired(eff.RootInputSchema) {
		if eff.HideFields[required] {
			if _, hasDefault := eff.Defaults[required]; !hasDefault {
				return nil, fmt.Errorf("%w: tool %q hides required field %q without a default", ErrInvalid, exposedName, required)
			}
		}
	}

	advertised := stripSchemaFields(eff.InputSchema, dropped)

	var plan *projector.Plan
	if len(eff.OutputSchema) > 0 {
		compiled, err := projector.Compile(eff.OutputSchema)
		if err != nil {
			return nil, fmt.Errorf("%w: tool %q: %s", ErrInvalid, exposedName, err)
		}
		plan = compiled
	}

	return &ResolvedTool{
		ExposedName:           exposedName,
		BackendName:           eff.BackendName,
		UpstreamName:          eff.RootUpstreamName,
		AdvertisedInputSchema: advertised,
		EffectiveDefaults:     eff.Defaults,
		OutputProjection:      plan,
		Description:           eff.Description,
		Version:               eff.Version,
		ExpectedSchemaHash:    eff.ExpectedSchemaHash,
		ValidationMode:        eff.ValidationMode,
		MergePolicy:           eff.MergePolicy,
		ChainDepth:            eff.ChainDepth,
	}, nil
}

func schemaRequired(schema map[string]interface{}) []string {
	raw, ok := schema["required"].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// stripSchemaFields returns a deep copy of schema with every name in
// dropped removed from "properties" and "required".
func stripSchemaFields(schema map[string]interface{}, dropped map[string]bool) map[string]interface{} {
	if schema == nil {
		return nil
	}
	out := make(map[string]interface{}, len(schema))
	for k, v := range schema {
		switch k {
		case "properties":
			props, ok := v.(map[string]interface{})
			if !ok {
				out[k] = v
				continue
			}
			filtered := make(map[string]interface{}, len(props))
			for name, propSchema := range props {
				if dropped[name] {
					continue
				}
				filtered[name] = propSchema
			}
			out[k] = filtered
		case "required":
			raw, ok := v.([]interface{})
			if !ok {
				out[k] = v
				continue
			}
			filtered := make([]interface{}, 0, len(raw))
			for _, name := range raw {
				if s, ok := name.(string); ok && dropped[s] {
					continue
				}
				filtered = append(filtered, name)
			}
			out[k] = filtered
		default:
			out[k] = v
		}
	}
	return out
}

func orDefault(override, fallback string) string {
	if override != "" {
		return override
	}
	return fallback
}

func orDefaultSchema(override, fallback map[string]interface{}) map[string]interface{} {
	if len(override) > 0 {
		return override
	}
	return fallback
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, i := range items {
		set[i] = true
	}
	return set
}

func mergeSets(parent map[string]bool, additions []string) map[string]bool {
	out := make(map[string]bool, len(parent)+len(additions))
	for k, v := range parent {
		out[k] = v
	}
	for _, a := range additions {
		out[a] = true
	}
	return out
}

func mergeMaps(parent, overrides map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(parent)+len(overrides))
	for k, v := range parent {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}
