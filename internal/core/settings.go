package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/api/resource"
)

// Settings is the flat policy record the admission pipeline and tunnel
// consult. Empty list fields mean "no restriction"; zero numeric caps
// mean unlimited.
type Settings struct {
	AllowInboundRemoteApps   bool   `json:"allow_inbound_remoteapps"`
	RequireRemoteAppApproval bool   `json:"require_remoteapp_approval"`
	AllowInboundTunnels      bool   `json:"allow_inbound_tunnels"`
	AllowedSourcePeers       string `json:"allowed_source_peers"`
	AllowedTunnelPeers       string `json:"allowed_tunnel_peers"`
	AllowedImages            string `json:"allowed_images"`
	BlockedImages            string `json:"blocked_images"`
	RequireResourceRequests  bool   `json:"require_resource_requests"`
	RequireResourceLimits    bool   `json:"require_resource_limits"`
	MaxCPURequestPerPod      string `json:"max_cpu_request_per_pod"`
	MaxCPULimitPerPod        string `json:"max_cpu_limit_per_pod"`
	MaxMemoryRequestPerPod   string `json:"max_memory_request_per_pod"`
	MaxMemoryLimitPerPod     string `json:"max_memory_limit_per_pod"`
	MaxReplicasPerApp        int    `json:"max_replicas_per_app"`
	MaxTotalDeployments      int    `json:"max_total_deployments"`
	MaxTotalPods             int    `json:"max_total_pods"`
	MaxTotalCPURequests      string `json:"max_total_cpu_requests"`
	MaxTotalMemoryRequests   string `json:"max_total_memory_requests"`
	LogLevel                 string `json:"log_level"`
}

// DefaultSettings returns the policy applied before an operator ever
// touches the settings page.
func DefaultSettings() Settings {
	return Settings{
		AllowInboundRemoteApps: true,
		AllowInboundTunnels:    true,
		LogLevel:               "INFO",
	}
}

// Validate rejects malformed quantity strings, negative caps and
// unknown log levels before a merge is persisted.
func (s *Settings) Validate() error {
	quantities := map[string]string{
		"max_cpu_request_per_pod":    s.MaxCPURequestPerPod,
		"max_cpu_limit_per_pod":      s.MaxCPULimitPerPod,
		"max_memory_request_per_pod": s.MaxMemoryRequestPerPod,
		"max_memory_limit_per_pod":   s.MaxMemoryLimitPerPod,
		"max_total_cpu_requests":     s.MaxTotalCPURequests,
		"max_total_memory_requests":  s.MaxTotalMemoryRequests,
	}
	for field, raw := range quantities {
		if raw == "" {
			continue
		}
		if _, err := resource.ParseQuantity(raw); err != nil {
			return &ValidationError{Field: field, Message: err.Error()}
		}
	}
	counts := map[string]int{
		"max_replicas_per_app":  s.MaxReplicasPerApp,
		"max_total_deployments": s.MaxTotalDeployments,
		"max_total_pods":        s.MaxTotalPods,
	}
	for field, v := range counts {
		if v < 0 {
			return &ValidationError{Field: field, Message: "must be >= 0"}
		}
	}
	switch strings.ToUpper(s.LogLevel) {
	case "", "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return &ValidationError{Field: "log_level", Message: fmt.Sprintf("unknown level %q", s.LogLevel)}
	}
	return nil
}

// MergeSettings applies a partial JSON update onto base with
// field-level last-writer-wins semantics. Unknown fields are rejected
// so typos do not silently become no-ops.
func MergeSettings(base Settings, patch []byte) (Settings, error) {
	merged := base
	dec := json.NewDecoder(bytes.NewReader(patch))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&merged); err != nil {
		return Settings{}, &ValidationError{Field: "settings", Message: err.Error()}
	}
	if err := merged.Validate(); err != nil {
		return Settings{}, err
	}
	return merged, nil
}

// SplitList splits a comma-separated settings value into trimmed,
// non-empty entries.
func SplitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// PeerAllowed reports whether the named peer passes a comma-separated
// allowlist. An empty list allows everyone.
func PeerAllowed(list, peer string) bool {
	entries := SplitList(list)
	if len(entries) == 0 {
		return true
	}
	for _, e := range entries {
		if e == peer {
			return true
		}
	}
	return false
}

// TunnelAllowed reports whether tunnel traffic from peer to appID
// passes allowed_tunnel_peers. Entries are either "peer" (all apps of
// that peer) or "peer/app-id". An empty list allows everyone.
func TunnelAllowed(list, peer, appID string) bool {
	entries := SplitList(list)
	if len(entries) == 0 {
		return true
	}
	for _, e := range entries {
		if e == peer || e == peer+"/"+appID {
			return true
		}
	}
	return false
}

// Quantity parses a settings quantity string, returning ok=false when
// the field is unset.
func (s *Settings) Quantity(raw string) (resource.Quantity, bool) {
	if raw == "" {
		return resource.Quantity{}, false
	}
	q, err := resource.ParseQuantity(raw)
	if err != nil {
		return resource.Quantity{}, false
	}
	return q, true
}
