package registry

import "errors"

// ErrSyntax marks a malformed document: unknown top-level keys, duplicate
// names, or a structurally invalid value where one of the known shapes was
// expected.
var ErrSyntax = errors.New("registry: syntax error")

// ErrInvalid marks a §3-invariant violation discovered during resolution.
// Loading a document that produces ErrInvalid is fatal at startup.
var ErrInvalid = errors.New("registry: invalid")

// Warning is a non-fatal issue surfaced during load — an unset
// interpolation variable, a sourceVersionPin mismatch under validationMode
// "warn", or a dropped tool under "strict".
type Warning struct {
	Tool    string
	Message string
}

func (w Warning) String() string {
	if w.Tool == "" {
		return w.Message
	}
	return w.Tool + ": " + w.Message
}
