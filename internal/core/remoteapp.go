package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/api/resource"
)

// AppStatus is the life cycle state of a RemoteApp, shared verbatim
// between the submitter and the executor.
type AppStatus string

const (
	AppPending  AppStatus = "Pending"
	AppApproved AppStatus = "Approved"
	AppRejected AppStatus = "Rejected"
	AppCreating AppStatus = "Creating"
	AppRunning  AppStatus = "Running"
	AppReady    AppStatus = "Ready"
	AppFailed   AppStatus = "Failed"
	AppTimeout  AppStatus = "Timeout"
	AppDeleted  AppStatus = "Deleted"
)

// Terminal reports whether the status is an end state. Terminal apps
// do not count against aggregate quotas.
func (s AppStatus) Terminal() bool {
	switch s {
	case AppRejected, AppFailed, AppTimeout, AppDeleted:
		return true
	}
	return false
}

// AppOrigin distinguishes which side of the channel owns the record.
type AppOrigin string

const (
	OriginSubmitted AppOrigin = "submitted"
	OriginExecuting AppOrigin = "executing"
)

// RemoteApp is one unit of cross-cluster workload. The submitter mints
// the id and the executor preserves it, so the same id identifies the
// workload on both sides.
type RemoteApp struct {
	ID     string        `json:"id"`
	Name   string        `json:"name"`
	Spec   RemoteAppSpec `json:"spec"`
	Status AppStatus     `json:"status"`
	Origin AppOrigin     `json:"origin"`

	// TargetPeer is set for submitted apps, SourcePeer for executing.
	TargetPeer string `json:"target_peer,omitempty"`
	SourcePeer string `json:"source_peer,omitempty"`

	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// DeletePending marks a submitted app whose remoteapp/delete could
	// not be delivered; the reconciler retries it on reconnect.
	DeletePending bool `json:"delete_pending,omitempty"`
	// StatusDirty marks an executing app whose last status push was
	// lost to a dead channel; the reconciler re-emits it.
	StatusDirty bool `json:"-"`
}

// PendingApproval is an inbound RemoteApp parked until an operator
// approves or rejects it.
type PendingApproval struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	SourcePeer string        `json:"source_peer"`
	Spec       RemoteAppSpec `json:"spec"`
	ArrivedAt  time.Time     `json:"arrived_at"`
}

// RemoteAppSpec is the portable workload description exchanged between
// agents. It deliberately exposes only the Deployment surface the
// executor knows how to translate.
type RemoteAppSpec struct {
	Image            string            `json:"image"`
	Replicas         *int32            `json:"replicas,omitempty"`
	Ports            []PortSpec        `json:"ports,omitempty"`
	Resources        *ResourcesSpec    `json:"resources,omitempty"`
	Command          []string          `json:"command,omitempty"`
	Args             []string          `json:"args,omitempty"`
	Env              []EnvVarSpec      `json:"env,omitempty"`
	ImagePullPolicy  string            `json:"imagePullPolicy,omitempty"`
	ImagePullSecrets []string          `json:"imagePullSecrets,omitempty"`
	ReadinessProbe   *ProbeSpec        `json:"readinessProbe,omitempty"`
	SecurityContext  *SecurityCtxSpec  `json:"securityContext,omitempty"`
}

type PortSpec struct {
	Port int32  `json:"port"`
	Name string `json:"name,omitempty"`
}

type ResourcesSpec struct {
	Requests *ResourceList `json:"requests,omitempty"`
	Limits   *ResourceList `json:"limits,omitempty"`
}

type ResourceList struct {
	CPU    string `json:"cpu,omitempty"`
	Memory string `json:"memory,omitempty"`
}

type EnvVarSpec struct {
	Name      string        `json:"name"`
	Value     string        `json:"value,omitempty"`
	ValueFrom *EnvVarSource `json:"valueFrom,omitempty"`
}

type EnvVarSource struct {
	SecretKeyRef    *KeySelector `json:"secretKeyRef,omitempty"`
	ConfigMapKeyRef *KeySelector `json:"configMapKeyRef,omitempty"`
	FieldRef        *FieldRef    `json:"fieldRef,omitempty"`
}

type KeySelector struct {
	Name string `json:"name"`
	Key  string `json:"key"`
}

type FieldRef struct {
	FieldPath string `json:"fieldPath"`
}

type ProbeSpec struct {
	HTTPGet             *HTTPGetSpec `json:"httpGet,omitempty"`
	Exec                *ExecSpec    `json:"exec,omitempty"`
	InitialDelaySeconds int32        `json:"initialDelaySeconds,omitempty"`
	PeriodSeconds       int32        `json:"periodSeconds,omitempty"`
	FailureThreshold    int32        `json:"failureThreshold,omitempty"`
}

type HTTPGetSpec struct {
	Path string `json:"path"`
	Port int32  `json:"port"`
}

type ExecSpec struct {
	Command []string `json:"command"`
}

type SecurityCtxSpec struct {
	RunAsNonRoot           *bool  `json:"runAsNonRoot,omitempty"`
	RunAsUser              *int64 `json:"runAsUser,omitempty"`
	RunAsGroup             *int64 `json:"runAsGroup,omitempty"`
	FSGroup                *int64 `json:"fsGroup,omitempty"`
	ReadOnlyRootFilesystem *bool  `json:"readOnlyRootFilesystem,omitempty"`
}

// ParseRemoteAppSpec decodes raw JSON into a spec, rejecting unknown
// fields, then validates it.
func ParseRemoteAppSpec(raw []byte) (RemoteAppSpec, error) {
	var spec RemoteAppSpec
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&spec); err != nil {
		return RemoteAppSpec{}, &ValidationError{Field: "spec", Message: err.Error()}
	}
	if err := spec.Validate(); err != nil {
		return RemoteAppSpec{}, err
	}
	return spec, nil
}

// ReplicaCount returns the effective replica count (default 1).
func (s *RemoteAppSpec) ReplicaCount() int32 {
	if s.Replicas == nil {
		return 1
	}
	return *s.Replicas
}

// Validate checks every field against the schema. Quantity strings are
// parsed with Kubernetes semantics so "500m" and "1Gi" validate here
// rather than failing inside the executor.
func (s *RemoteAppSpec) Validate() error {
	if s.Image == "" {
		return &ValidationError{Field: "image", Message: "required"}
	}
	if s.Replicas != nil && *s.Replicas < 0 {
		return &ValidationError{Field: "replicas", Message: "must be >= 0"}
	}
	for i, p := range s.Ports {
		if p.Port < 1 || p.Port > 65535 {
			return &ValidationError{Field: fmt.Sprintf("ports[%d].port", i), Message: "must be in 1..65535"}
		}
		if len(p.Name) > 15 {
			return &ValidationError{Field: fmt.Sprintf("ports[%d].name", i), Message: "must be at most 15 characters"}
		}
	}
	if s.Resources != nil {
		if err := s.Resources.Requests.validate("resources.requests"); err != nil {
			return err
		}
		if err := s.Resources.Limits.validate("resources.limits"); err != nil {
			return err
		}
	}
	for i, e := range s.Env {
		if e.Name == "" {
			return &ValidationError{Field: fmt.Sprintf("env[%d].name", i), Message: "required"}
		}
		if e.Value != "" && e.ValueFrom != nil {
			return &ValidationError{Field: fmt.Sprintf("env[%d]", i), Message: "value and valueFrom are mutually exclusive"}
		}
	}
	switch s.ImagePullPolicy {
	case "", "Always", "IfNotPresent", "Never":
	default:
		return &ValidationError{Field: "imagePullPolicy", Message: "must be Always, IfNotPresent or Never"}
	}
	if s.ReadinessProbe != nil {
		if s.ReadinessProbe.HTTPGet == nil && s.ReadinessProbe.Exec == nil {
			return &ValidationError{Field: "readinessProbe", Message: "one of httpGet or exec is required"}
		}
		if s.ReadinessProbe.HTTPGet != nil && s.ReadinessProbe.Exec != nil {
			return &ValidationError{Field: "readinessProbe", Message: "httpGet and exec are mutually exclusive"}
		}
	}
	return nil
}

func (l *ResourceList) validate(field string) error {
	if l == nil {
		return nil
	}
	if l.CPU != "" {
		if _, err := resource.ParseQuantity(l.CPU); err != nil {
			return &ValidationError{Field: field + ".cpu", Message: err.Error()}
		}
	}
	if l.Memory != "" {
		if _, err := resource.ParseQuantity(l.Memory); err != nil {
			return &ValidationError{Field: field + ".memory", Message: err.Error()}
		}
	}
	return nil
}

// Quantity returns the named quantity from the list, or a zero
// quantity when absent. Validate must have accepted the list first.
func (l *ResourceList) Quantity(name string) resource.Quantity {
	if l == nil {
		return resource.Quantity{}
	}
	var raw string
	switch name {
	case "cpu":
		raw = l.CPU
	case "memory":
		raw = l.Memory
	}
	if raw == "" {
		return resource.Quantity{}
	}
	q, err := resource.ParseQuantity(raw)
	if err != nil {
		return resource.Quantity{}
	}
	return q
}
