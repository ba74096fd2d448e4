package tools

import (
	"context"
	"sort"
)

// ListBackendsParams takes no arguments; list_backends always reports the
// full resolved virtual-tool set.
type ListBackendsParams struct{}

// ToolDescriptor is one virtual tool's introspection row.
type ToolDescriptor struct {
	ExposedName string `json:"exposedName"`
	BackendName string `json:"backendName"`
	ChainDepth  int    `json:"chainDepth"`
	Disabled    bool   `json:"disabled"`
	DisabledWhy string `json:"disabledWhy,omitempty"`
}

func (m *MetaTools) listBackends(_ context.Context, _ ListBackendsParams) ([]ToolDescriptor, error) {
	summaries := m.resolved.Describe(m.backends.DisabledReason)
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].ExposedName < summaries[j].ExposedName })

	out := make([]ToolDescriptor, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, ToolDescriptor{
			ExposedName: s.ExposedName,
			BackendName: s.BackendName,
			ChainDepth:  s.ChainDepth,
			Disabled:    s.Disabled,
			DisabledWhy: s.DisabledWhy,
		})
	}
	return out, nil
}
