package mcpgateway

// version is overridden at build time via -ldflags "-X github.com/jakemannix/mcp-proxy.version=...".
var version = "dev"

// Version returns the gateway's build version, reported in the MCP
// initialize handshake and the --version CLI flag.
func Version() string {
	return version
}
