// Package registry parses the gateway's registry document, resolves tool
// inheritance chains and $ref schema references, validates the result
// against the invariants that make virtual tools safe to expose, and
// compiles everything into an immutable set of resolved virtual tools.
package registry

import (
	"fmt"

	"github.com/goccy/go-yaml"
)

// rawDocument is the direct decode target for a registry document. JSON is
// a YAML subset, so one decode path handles both the JSON and YAML
// variants of the file format.
type rawDocument struct {
	SchemaVersion      string                            `yaml:"schemaVersion"`
	DefaultMergePolicy string                            `yaml:"defaultMergePolicy"`
	Servers            []rawServer                       `yaml:"servers"`
	Schemas            map[string]map[string]interface{} `yaml:"schemas"`
	Tools              []rawTool                         `yaml:"tools"`
}

type rawServer struct {
	Name        string          `yaml:"name"`
	Description string          `yaml:"description"`
	Stdio       *rawStdio       `yaml:"stdio"`
	URL         string          `yaml:"url"`
	Transport   string          `yaml:"transport"` // sse | streamableHttp
	Auth        string          `yaml:"auth"`       // none | oauth
}

type rawStdio struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
}

// rawTool's Server field is deliberately untyped: the unified document
// format spells it as a string name reference, while the legacy inline
// format spells it as an embedded {command, args, env} object. decodeDocument
// disambiguates and normalizes to the unified form before resolution.
type rawTool struct {
	Name          string                 `yaml:"name"`
	Server        interface{}            `yaml:"server"`
	Source        string                 `yaml:"source"`
	OriginalName  string                 `yaml:"originalName"`
	Description   string                 `yaml:"description"`
	InputSchema   map[string]interface{} `yaml:"inputSchema"`
	OutputSchema  map[string]interface{} `yaml:"outputSchema"`
	Defaults      map[string]interface{} `yaml:"defaults"`
	HideFields    []string               `yaml:"hideFields"`
	Version       string                 `yaml:"version"`

	ExpectedSchemaHash string `yaml:"expectedSchemaHash"`
	ValidationMode     string `yaml:"validationMode"` // strict | warn | skip
	SourceVersionPin   string `yaml:"sourceVersionPin"`
	MergePolicy        string `yaml:"mergePolicy"` // override | client_wins | reject
}

// decodeDocument parses raw bytes into a rawDocument, then converts any
// legacy-inline tool definitions into the unified servers+tools shape so
// every later phase only ever deals with one representation.
func decodeDocument(data []byte) (*rawDocument, error) {
	var doc rawDocument
	if err := yaml.UnmarshalWithOptions(data, &doc, yaml.Strict()); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSyntax, err)
	}

	inlineCount := 0
	for i := range doc.Tools {
		t := &doc.Tools[i]
		switch server := t.Server.(type) {
		case nil:
			// Virtual tool (source-based); no server reference at all.
		case string:
			// Already unified: a plain name reference.
		case map[string]interface{}:
			inlineCount++
			name := fmt.Sprintf("_inline_%s", t.Name)
			stdio, err := decodeInlineStdio(server)
			if err != nil {
				return nil, fmt.Errorf("%w: tool %q: inline server: %s", ErrSyntax, t.Name, err)
			}
			doc.Servers = append(doc.Servers, rawServer{
				Name:        name,
				Description: fmt.Sprintf("inline server for tool %q", t.Name),
				Stdio:       stdio,
			})
			t.Server = name
		default:
			return nil, fmt.Errorf("%w: tool %q: unsupported server value type %T", ErrSyntax, t.Name, t.Server)
		}
	}

	return &doc, nil
}

func decodeInlineStdio(m map[string]interface{}) (*rawStdio, error) {
	s := &rawStdio{Env: map[string]string{}}
	if cmd, ok := m["command"].(string); ok {
		s.Command = cmd
	} else {
		return nil, fmt.Errorf("missing \"command\"")
	}
	if rawArgs, ok := m["args"].([]interface{}); ok {
		for _, a := range rawArgs {
			if str, ok := a.(string); ok {
				s.Args = append(s.Args, str)
			}
		}
	}
	if rawEnv, ok := m["env"].(map[string]interface{}); ok {
		for k, v := range rawEnv {
			if str, ok := v.(string); ok {
				s.Env[k] = str
			}
		}
	}
	return s, nil
}
