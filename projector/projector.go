// Package projector synthesizes a projected output value from a source
// value and a JSON-Schema fragment annotated with `source_field` path
// expressions (see package pathexpr). It also derives the client-facing
// "advertised" schema by stripping `source_field` recursively, since that
// keyword is not part of standard JSON-Schema.
package projector

import (
	"context"
	"fmt"
	"sort"

	"github.com/jakemannix/mcp-proxy/pathexpr"
)

type kind int

const (
	kindPrimitive kind = iota
	kindObject
	kindArray
)

// Plan is a compiled projection plan for one output schema. It is
// immutable after Compile and safe for concurrent use.
type Plan struct {
	kind        kind
	sourceField *pathexpr.Expr

	propOrder  []string
	properties map[string]*Plan

	items *Plan

	advertised map[string]interface{}
}

// Compile parses every `source_field` in schema (failing if any expression
// is malformed — this is the load-time invariant that output-schema path
// expressions must parse successfully) and produces a reusable Plan.
func Compile(schema map[string]interface{}) (*Plan, error) {
	p, err := compileNode(schema)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func compileNode(schema map[string]interface{}) (*Plan, error) {
	p := &Plan{advertised: StripSourceField(schema)}

	if raw, present := schema["source_field"]; present {
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("projector: source_field must be a string, got %T", raw)
		}
		expr, err := pathexpr.Parse(s)
		if err != nil {
			return nil, err
		}
		p.sourceField = expr
	}

	typ, _ := schema["type"].(string)
	switch typ {
	case "object":
		p.kind = kindObject
		props, _ := schema["properties"].(map[string]interface{})
		p.properties = make(map[string]*Plan, len(props))
		p.propOrder = sortedKeys(props)
		for _, name := range p.propOrder {
			childSchema, ok := props[name].(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("projector: property %q schema must be an object", name)
			}
			child, err := compileNode(childSchema)
			if err != nil {
				return nil, fmt.Errorf("projector: property %q: %w", name, err)
			}
			p.properties[name] = child
		}
	case "array":
		p.kind = kindArray
		itemsSchema, ok := schema["items"].(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("projector: array schema missing \"items\"")
		}
		items, err := compileNode(itemsSchema)
		if err != nil {
			return nil, fmt.Errorf("projector: items: %w", err)
		}
		p.items = items
	default:
		p.kind = kindPrimitive
	}

	return p, nil
}

// AdvertisedSchema returns the client-facing schema fragment for this plan,
// with every source_field key stripped recursively.
func (p *Plan) AdvertisedSchema() map[string]interface{} {
	return p.advertised
}

// Project applies the plan to scope, returning the projected value and
// whether anything was produced. A false return means "omit this value
// entirely" (never emitted as JSON null), matching the source system's
// omission-over-null convention.
func (p *Plan) Project(ctx context.Context, scope interface{}) (interface{}, bool) {
	resolved := scope
	if p.sourceField != nil {
		v, found := p.sourceField.Eval(ctx, scope)
		if !found {
			return nil, false
		}
		resolved = v
	}

	switch p.kind {
	case kindObject:
		return p.projectObject(ctx, resolved)
	case kindArray:
		return p.projectArray(ctx, resolved)
	default:
		return resolved, true
	}
}

func (p *Plan) projectObject(ctx context.Context, resolved interface{}) (interface{}, bool) {
	m, _ := resolved.(map[string]interface{})

	out := make(map[string]interface{}, len(p.propOrder))
	for _, name := range p.propOrder {
		child := p.properties[name]

		var (
			projected interface{}
			ok        bool
		)
		switch {
		case child.sourceField != nil:
			// The child resolves its own scope from the parent's current
			// scope; don't pre-extract a same-named field for it.
			projected, ok = child.Project(ctx, resolved)
		case m != nil:
			if raw, exists := m[name]; exists {
				projected, ok = child.Project(ctx, raw)
			}
		}
		if ok {
			out[name] = projected
		}
	}
	return out, true
}

func (p *Plan) projectArray(ctx context.Context, resolved interface{}) (interface{}, bool) {
	elems, ok := resolved.([]interface{})
	if !ok {
		return nil, false
	}

	out := make([]interface{}, 0, len(elems))
	for _, elem := range elems {
		if projected, ok := p.items.Project(ctx, elem); ok {
			out = append(out, projected)
		}
	}
	return out, true
}

// StripSourceField returns a deep copy of schema with every "source_field"
// key removed, recursing into "properties" and "items". The input is left
// untouched.
func StripSourceField(schema map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(schema))
	for k, v := range schema {
		if k == "source_field" {
			continue
		}
		out[k] = stripValue(v)
	}
	return out
}

func stripValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return StripSourceField(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, elem := range val {
			out[i] = stripValue(elem)
		}
		return out
	default:
		return v
	}
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
