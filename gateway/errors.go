package gateway

import "errors"

// Error-taxonomy sentinels not already owned by another package (backend
// contributes ErrBackendUnavailable/ErrUnknownBackend/ErrToolDisabled;
// registry contributes ErrSyntax/ErrInvalid for RegistryInvalid).
var (
	ErrToolUnknown       = errors.New("gateway: unknown tool")
	ErrUpstreamTimeout   = errors.New("gateway: upstream call timed out")
	ErrUpstreamError     = errors.New("gateway: upstream returned a protocol-level error")
	ErrMalformedResponse = errors.New("gateway: upstream response did not decode as MCP")
)
