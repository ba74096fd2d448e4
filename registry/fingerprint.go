package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Fingerprint returns a stable hash over the canonicalized backend
// definition, used by the backend session manager to deduplicate identical
// server definitions into one session. Two BackendDefs with the same
// connection-relevant fields (ignoring Name and Description) produce the
// same fingerprint.
func (b BackendDef) Fingerprint() string {
	var sb strings.Builder
	if b.Stdio != nil {
		fmt.Fprintf(&sb, "stdio|%s|%s|%s", b.Stdio.Command, strings.Join(b.Stdio.Args, "\x1f"), canonicalEnv(b.Stdio.Env))
	} else {
		fmt.Fprintf(&sb, "url|%s|%s|%s", b.URL, b.Transport, b.Auth)
	}
	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

func canonicalEnv(env map[string]string) string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s=%s\x1e", k, env[k])
	}
	return sb.String()
}
