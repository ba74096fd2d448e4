package tools

import (
	"context"
	"sort"
	"time"
)

// GatewayStatusParams takes no arguments; gateway_status always reports the
// full backend session set.
type GatewayStatusParams struct{}

// BackendStatusSummary is one distinct backend session's liveness, possibly
// shared by several configured backend names that deduplicated to it.
type BackendStatusSummary struct {
	Fingerprint    string    `json:"fingerprint"`
	State          string    `json:"state"`
	Backends       []string  `json:"backends"`
	LastError      string    `json:"lastError,omitempty"`
	ConnectedSince time.Time `json:"connectedSince,omitempty"`
}

// GatewayStatusResult is gateway_status's structured response.
type GatewayStatusResult struct {
	BackendCount int                    `json:"backendCount"`
	Backends     []BackendStatusSummary `json:"backends"`
}

func (m *MetaTools) gatewayStatus(_ context.Context, _ GatewayStatusParams) (GatewayStatusResult, error) {
	statuses := m.backends.Status()
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Fingerprint < statuses[j].Fingerprint })

	out := GatewayStatusResult{BackendCount: len(statuses)}
	for _, st := range statuses {
		summary := BackendStatusSummary{
			Fingerprint:    st.Fingerprint,
			State:          st.State.String(),
			Backends:       st.Backends,
			ConnectedSince: st.ConnectedSince,
		}
		if st.LastError != nil {
			summary.LastError = st.LastError.Error()
		}
		out.Backends = append(out.Backends, summary)
	}
	return out, nil
}
