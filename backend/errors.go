package backend

import "errors"

// ErrBackendUnavailable is returned when a session is Closed and its
// reconnect backoff has not yet elapsed.
var ErrBackendUnavailable = errors.New("backend: unavailable")

// ErrUnknownBackend is returned when a tool references a backend name not
// present in the resolved registry (should not happen for a registry that
// passed validation, but guarded defensively at the dispatch boundary).
var ErrUnknownBackend = errors.New("backend: unknown backend")

// ErrToolDisabled is returned when schema-drift validation has disabled a
// tool under validationMode "strict".
var ErrToolDisabled = errors.New("backend: tool disabled by schema-drift validation")
