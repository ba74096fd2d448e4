// Package jsontext recognizes JSON embedded in otherwise free-form text,
// such as an LLM tool response that wraps its structured payload in a
// sentence like "Result: {...}".
package jsontext

import (
	"encoding/json"
	"strings"
)

// Detect attempts to recover a JSON object or array from text. It returns
// the decoded value and true on success, or nil and false if no JSON object
// or array could be recovered.
//
// Detect is a pure function: the same input text always produces the same
// result. It never panics on malformed input.
//
// Strategy, first success wins:
//  1. Trim whitespace and try a pure parse of the whole string.
//  2. Scan for the first '{' or '[' and attempt a balanced-bracket
//     extraction starting there, respecting string literals and escapes.
//  3. Otherwise, report no match.
//
// This is not a fragment-recovery tool: truncated or otherwise invalid JSON
// at the candidate offset reports no match rather than a best-effort parse.
func Detect(text string) (interface{}, bool) {
	trimmed := strings.TrimSpace(text)
	if v, ok := tryParseTopLevel(trimmed); ok {
		return v, true
	}

	start := firstBracket(text)
	if start < 0 {
		return nil, false
	}

	end := findBalancedEnd(text, start)
	if end < 0 {
		return nil, false
	}

	candidate := text[start : end+1]
	return tryParseTopLevel(candidate)
}

// tryParseTopLevel parses s as JSON, accepting only an object or array at
// the top level (a bare string/number/bool is not "embedded JSON" in the
// sense this package cares about).
func tryParseTopLevel(s string) (interface{}, bool) {
	if s == "" {
		return nil, false
	}
	var v interface{}
	dec := json.NewDecoder(strings.NewReader(s))
	if err := dec.Decode(&v); err != nil {
		return nil, false
	}
	// Reject trailing non-whitespace garbage after the decoded value.
	if strings.TrimSpace(s[int(dec.InputOffset()):]) != "" {
		return nil, false
	}
	switch v.(type) {
	case map[string]interface{}, []interface{}:
		return v, true
	default:
		return nil, false
	}
}

func firstBracket(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] == '{' || s[i] == '[' {
			return i
		}
	}
	return -1
}

// findBalancedEnd returns the index of the character that closes the
// bracket opened at start, honoring string literals and backslash escapes
// so braces/brackets inside strings do not count. Returns -1 if the
// brackets never balance (e.g. truncated text).
func findBalancedEnd(s string, start int) int {
	open := rune(s[start])
	var closeCh rune
	switch open {
	case '{':
		closeCh = '}'
	case '[':
		closeCh = ']'
	default:
		return -1
	}

	depth := 0
	inString := false
	escaped := false

	// Byte-wise scanning is safe here even over multi-byte UTF-8: every
	// continuation byte has its high bit set, so it can never be mistaken
	// for an ASCII delimiter like '"', '\\', '{', '}', '[', or ']'.
	for i := start; i < len(s); i++ {
		c := rune(s[i])
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case closeCh:
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
