// Package admission evaluates inbound RemoteApp specs against the
// local settings: peer and image filters, per-pod resource caps,
// replica and aggregate quotas, and the manual approval queue. The
// checks run in a fixed order and the first failing check decides the
// rejection reason.
package admission

import (
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/porpulsion/porpulsion-agent/internal/core"
)

// Decision is the outcome of the pipeline. A rejected spec carries
// the stable machine-readable Reason the submitter surfaces in its
// app record.
type Decision struct {
	Allowed         bool
	Reason          string
	PendingApproval bool
}

func reject(reason string) Decision {
	return Decision{Reason: reason}
}

// Evaluate runs the pipeline for a create or spec update coming from
// sourcePeer. existing holds the current executing apps for the
// aggregate quotas; when the request replaces an app (a spec update),
// replacesID excludes that app's own usage from the totals.
func Evaluate(settings core.Settings, sourcePeer string, spec core.RemoteAppSpec, existing []core.RemoteApp, replacesID string) Decision {
	if !settings.AllowInboundRemoteApps {
		return reject("inbound_disabled")
	}

	if !core.PeerAllowed(settings.AllowedSourcePeers, sourcePeer) {
		return reject("peer_not_allowed")
	}

	for _, prefix := range core.SplitList(settings.BlockedImages) {
		if strings.HasPrefix(spec.Image, prefix) {
			return reject("image_blocked")
		}
	}

	if allowed := core.SplitList(settings.AllowedImages); len(allowed) > 0 {
		ok := false
		for _, prefix := range allowed {
			if strings.HasPrefix(spec.Image, prefix) {
				ok = true
				break
			}
		}
		if !ok {
			return reject("image_not_allowed")
		}
	}

	if settings.RequireResourceRequests {
		if spec.Resources == nil || spec.Resources.Requests == nil ||
			spec.Resources.Requests.CPU == "" || spec.Resources.Requests.Memory == "" {
			return reject("resource_request_required")
		}
	}
	if settings.RequireResourceLimits {
		if spec.Resources == nil || spec.Resources.Limits == nil ||
			spec.Resources.Limits.CPU == "" || spec.Resources.Limits.Memory == "" {
			return reject("resource_limit_required")
		}
	}

	if d := checkPerPodCaps(settings, spec); !d.Allowed {
		return d
	}

	if settings.MaxReplicasPerApp > 0 && int(spec.ReplicaCount()) > settings.MaxReplicasPerApp {
		return reject("max_replicas_exceeded")
	}

	if d := checkAggregateCaps(settings, spec, existing, replacesID); !d.Allowed {
		return d
	}

	if settings.RequireRemoteAppApproval {
		return Decision{Allowed: true, PendingApproval: true}
	}
	return Decision{Allowed: true}
}

func checkPerPodCaps(settings core.Settings, spec core.RemoteAppSpec) Decision {
	caps := []struct {
		field string
		limit string
		used  resource.Quantity
	}{
		{"cpu_request", settings.MaxCPURequestPerPod, requestQuantity(spec, false, "cpu")},
		{"memory_request", settings.MaxMemoryRequestPerPod, requestQuantity(spec, false, "memory")},
		{"cpu_limit", settings.MaxCPULimitPerPod, requestQuantity(spec, true, "cpu")},
		{"memory_limit", settings.MaxMemoryLimitPerPod, requestQuantity(spec, true, "memory")},
	}
	for _, c := range caps {
		max, ok := settings.Quantity(c.limit)
		if !ok {
			continue
		}
		if c.used.Cmp(max) > 0 {
			return reject(fmt.Sprintf("per_pod_quota_exceeded(%s)", c.field))
		}
	}
	return Decision{Allowed: true}
}

func checkAggregateCaps(settings core.Settings, spec core.RemoteAppSpec, existing []core.RemoteApp, replacesID string) Decision {
	var deployments, pods int
	var cpu, memory resource.Quantity

	for _, a := range existing {
		if a.ID == replacesID || a.Status.Terminal() {
			continue
		}
		deployments++
		replicas := int(a.Spec.ReplicaCount())
		pods += replicas
		addScaled(&cpu, requestQuantity(a.Spec, false, "cpu"), replicas)
		addScaled(&memory, requestQuantity(a.Spec, false, "memory"), replicas)
	}

	deployments++
	replicas := int(spec.ReplicaCount())
	pods += replicas
	addScaled(&cpu, requestQuantity(spec, false, "cpu"), replicas)
	addScaled(&memory, requestQuantity(spec, false, "memory"), replicas)

	if settings.MaxTotalDeployments > 0 && deployments > settings.MaxTotalDeployments {
		return reject("global_quota_exceeded(deployments)")
	}
	if settings.MaxTotalPods > 0 && pods > settings.MaxTotalPods {
		return reject("global_quota_exceeded(pods)")
	}
	if max, ok := settings.Quantity(settings.MaxTotalCPURequests); ok && cpu.Cmp(max) > 0 {
		return reject("global_quota_exceeded(cpu_requests)")
	}
	if max, ok := settings.Quantity(settings.MaxTotalMemoryRequests); ok && memory.Cmp(max) > 0 {
		return reject("global_quota_exceeded(memory_requests)")
	}
	return Decision{Allowed: true}
}

func requestQuantity(spec core.RemoteAppSpec, limits bool, name string) resource.Quantity {
	if spec.Resources == nil {
		return resource.Quantity{}
	}
	list := spec.Resources.Requests
	if limits {
		list = spec.Resources.Limits
	}
	return list.Quantity(name)
}

func addScaled(total *resource.Quantity, q resource.Quantity, times int) {
	for range times {
		total.Add(q)
	}
}
