// Package pathexpr evaluates a restricted subset of JSONPath against
// already-decoded JSON values (the kind you get back from encoding/json).
//
// Grammar: `$` (root), `.name` / `['name']` (object property), `[n]` (array
// index), `[*]` (array wildcard, producing a sequence), and chains of the
// above. Anything outside that grammar is rejected at Parse time so that a
// registry document fails fast rather than at call time.
package pathexpr

import (
	"context"
	"fmt"
	"strings"

	"github.com/PaesslerAG/gval"
	"github.com/PaesslerAG/jsonpath"
)

// Expr is a parsed, reusable path expression. The zero value is not valid;
// construct with Parse.
type Expr struct {
	raw      string
	multi    bool
	compiled gval.Evaluable
}

// Raw returns the original expression text.
func (e *Expr) Raw() string { return e.raw }

// Multi reports whether the expression contains a `[*]` wildcard segment,
// meaning Eval produces an ordered sequence rather than a single value.
func (e *Expr) Multi() bool { return e.multi }

// Parse validates expr against the supported grammar and compiles it.
// Parsing never evaluates against data; it only checks shape, so it is safe
// to call for every source_field in a registry document at load time.
func Parse(expr string) (*Expr, error) {
	if err := validate(expr); err != nil {
		return nil, fmt.Errorf("pathexpr: invalid expression %q: %w", expr, err)
	}
	builder := gval.Full(jsonpath.Language())
	compiled, err := builder.NewEvaluable(expr)
	if err != nil {
		return nil, fmt.Errorf("pathexpr: failed to compile %q: %w", expr, err)
	}
	return &Expr{
		raw:      expr,
		multi:    strings.Contains(expr, "[*]"),
		compiled: compiled,
	}, nil
}

// MustParse is like Parse but panics on error. Intended for tests and
// package-level var initialization of known-good expressions.
func MustParse(expr string) *Expr {
	e, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return e
}

// Eval evaluates the expression against scope (typically the result of
// unmarshaling JSON into interface{}). It never panics: structural failures
// — missing keys, out-of-range indices, indexing into a non-container — are
// reported as found=false, never as an error or a panic.
//
// When Multi() is false, value is the single matched value and found
// reports whether a match exists. When Multi() is true, value is a
// []interface{} holding the matched sequence in order; found is true only
// when the sequence is non-empty (an empty match is treated the same as no
// match, consistent with "missing path results are omitted").
func (e *Expr) Eval(ctx context.Context, scope interface{}) (value interface{}, found bool) {
	defer func() {
		if r := recover(); r != nil {
			value, found = nil, false
		}
	}()

	result, err := e.compiled(ctx, scope)
	if err != nil {
		return nil, false
	}

	if !e.multi {
		return result, true
	}

	seq := normalizeSequence(result)
	if len(seq) == 0 {
		return nil, false
	}
	return seq, true
}

// normalizeSequence coerces a jsonpath wildcard result into []interface{}.
// The underlying library already returns a slice for `[*]` matches; this
// guards against the single-element degenerate case some path shapes take.
func normalizeSequence(result interface{}) []interface{} {
	switch v := result.(type) {
	case []interface{}:
		return v
	case nil:
		return nil
	default:
		return []interface{}{v}
	}
}

// validate checks expr against the restricted grammar without compiling it,
// so syntactically-out-of-scope constructs (filters, unions, recursive
// descent, script expressions — all of which gval's jsonpath otherwise
// accepts) are rejected rather than silently supported.
func validate(expr string) error {
	if expr == "" {
		return fmt.Errorf("empty expression")
	}
	if !strings.HasPrefix(expr, "$") {
		return fmt.Errorf("must start with '$'")
	}
	rest := expr[1:]
	for len(rest) > 0 {
		switch rest[0] {
		case '.':
			rest = rest[1:]
			name, remainder, err := scanIdent(rest)
			if err != nil {
				return err
			}
			if name == "" {
				return fmt.Errorf("empty property name after '.'")
			}
			rest = remainder
		case '[':
			remainder, err := scanBracket(rest)
			if err != nil {
				return err
			}
			rest = remainder
		default:
			return fmt.Errorf("unexpected character %q", rest[0])
		}
	}
	return nil
}

func scanIdent(s string) (name string, remainder string, err error) {
	i := 0
	for i < len(s) && isIdentChar(s[i]) {
		i++
	}
	return s[:i], s[i:], nil
}

func isIdentChar(c byte) bool {
	return c == '_' ||
		(c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9')
}

// scanBracket consumes one `[...]` segment: `[*]`, `[n]`, or `['name']`.
func scanBracket(s string) (remainder string, err error) {
	if !strings.HasPrefix(s, "[") {
		return s, fmt.Errorf("expected '['")
	}
	end := strings.IndexByte(s, ']')
	if end < 0 {
		return s, fmt.Errorf("unterminated '['")
	}
	inner := s[1:end]
	switch {
	case inner == "*":
	case inner == "":
		return s, fmt.Errorf("empty bracket expression")
	case inner[0] == '\'' || inner[0] == '"':
		if len(inner) < 2 || inner[len(inner)-1] != inner[0] {
			return s, fmt.Errorf("unterminated quoted name in %q", s[:end+1])
		}
	default:
		for i := 0; i < len(inner); i++ {
			if inner[i] < '0' || inner[i] > '9' {
				return s, fmt.Errorf("unsupported bracket expression %q (only [*], [n], ['name'] are allowed)", inner)
			}
		}
	}
	return s[end+1:], nil
}
