package registry

import (
	"fmt"
	"strings"
)

const schemaRefPrefix = "#/schemas/"

// resolveSchemaRefs expands every {"$ref": "#/schemas/<name>"} in fragment
// into a deep copy of the pointed-to schema, recursing into nested
// properties/items so a referenced schema may itself reference another.
// Cycles between schema definitions are rejected.
func resolveSchemaRefs(fragment map[string]interface{}, schemas map[string]map[string]interface{}) (map[string]interface{}, error) {
	return resolveRefsVisiting(fragment, schemas, map[string]bool{})
}

func resolveRefsVisiting(fragment map[string]interface{}, schemas map[string]map[string]interface{}, visiting map[string]bool) (map[string]interface{}, error) {
	if fragment == nil {
		return nil, nil
	}

	if rawRef, ok := fragment["$ref"]; ok {
		ref, ok := rawRef.(string)
		if !ok || !strings.HasPrefix(ref, schemaRefPrefix) {
			return nil, fmt.Errorf("%w: unsupported $ref %v (only %s<name> is supported)", ErrInvalid, rawRef, schemaRefPrefix)
		}
		name := strings.TrimPrefix(ref, schemaRefPrefix)
		if visiting[name] {
			return nil, fmt.Errorf("%w: cycle in schema $ref chain at %q", ErrInvalid, name)
		}
		target, ok := schemas[name]
		if !ok {
			return nil, fmt.Errorf("%w: $ref to unknown schema %q", ErrInvalid, name)
		}
		nextVisiting := make(map[string]bool, len(visiting)+1)
		for k, v := range visiting {
			nextVisiting[k] = v
		}
		nextVisiting[name] = true
		return resolveRefsVisiting(target, schemas, nextVisiting)
	}

	out := make(map[string]interface{}, len(fragment))
	for k, v := range fragment {
		resolved, err := resolveRefValue(v, schemas, visiting)
		if err != nil {
			return nil, err
		}
		out[k] = resolved
	}
	return out, nil
}

func resolveRefValue(v interface{}, schemas map[string]map[string]interface{}, visiting map[string]bool) (interface{}, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		return resolveRefsVisiting(val, schemas, visiting)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, elem := range val {
			resolved, err := resolveRefValue(elem, schemas, visiting)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}
