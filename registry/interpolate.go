package registry

import (
	"os"
	"regexp"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// interpolateEnv replaces every ${VAR} occurrence in s with the ambient
// environment value. A missing variable interpolates to the empty string
// and is appended to warnings rather than failing the load.
func interpolateEnv(s string, context string, warnings *[]Warning) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		*warnings = append(*warnings, Warning{
			Message: "unset environment variable ${" + name + "} in " + context + " interpolated to empty string",
		})
		return ""
	})
}

// interpolateDocument applies ${VAR} substitution to server env values,
// server args, and tool defaults string values.
func interpolateDocument(doc *rawDocument) []Warning {
	var warnings []Warning

	for i := range doc.Servers {
		s := &doc.Servers[i]
		if s.Stdio == nil {
			continue
		}
		for k, v := range s.Stdio.Env {
			s.Stdio.Env[k] = interpolateEnv(v, "server \""+s.Name+"\" env."+k, &warnings)
		}
		for i, a := range s.Stdio.Args {
			s.Stdio.Args[i] = interpolateEnv(a, "server \""+s.Name+"\" args", &warnings)
		}
	}

	for i := range doc.Tools {
		t := &doc.Tools[i]
		for k, v := range t.Defaults {
			if str, ok := v.(string); ok {
				t.Defaults[k] = interpolateEnv(str, "tool \""+t.Name+"\" defaults."+k, &warnings)
			}
		}
	}

	return warnings
}
