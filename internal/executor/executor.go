// Package executor translates inbound RemoteApp specs into Kubernetes
// Deployments in the agent's namespace and maps Deployment and pod
// state back onto the RemoteApp status machine. It is the only
// component that writes workload objects.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/util/retry"

	"github.com/porpulsion/porpulsion-agent/internal/core"
)

const (
	// LabelAppID and LabelSourcePeer identify the Deployments this
	// agent manages; the executor and tunnel only ever touch objects
	// carrying LabelAppID.
	LabelAppID      = "porpulsion.io/remote-app-id"
	LabelSourcePeer = "porpulsion.io/source-peer"

	// annotationSpec preserves the submitted spec JSON so the
	// reconciler can rebuild executing records after a restart.
	annotationSpec    = "porpulsion.io/spec"
	annotationAppName = "porpulsion.io/app-name"

	// failedGrace is how long a crashing or unpullable container may
	// flap before the app is marked Failed.
	failedGrace = 60 * time.Second
	// startupTimeout marks apps Timeout when nothing became available
	// within it.
	startupTimeout = 300 * time.Second
)

// LogLine is one log record returned by Logs.
type LogLine struct {
	TS      time.Time `json:"ts"`
	Pod     string    `json:"pod"`
	Message string    `json:"message"`
}

// Executor applies and inspects the Deployments backing executing
// RemoteApps.
type Executor struct {
	client    kubernetes.Interface
	namespace string
	logger    *slog.Logger
}

func New(client kubernetes.Interface, namespace string) *Executor {
	return &Executor{
		client:    client,
		namespace: namespace,
		logger:    slog.Default().With("component", "executor"),
	}
}

// DeploymentName derives the managed Deployment's name, bounded by
// the Kubernetes 63-character name limit.
func DeploymentName(id, appName string) string {
	name := fmt.Sprintf("ra-%s-%s", id, appName)
	name = strings.ToLower(name)
	if len(name) > 63 {
		name = name[:63]
	}
	return strings.Trim(name, "-.")
}

// Apply creates or updates the Deployment for the app. It is
// idempotent: applying the same spec twice leaves a single Deployment
// in the last-applied state. Transient API errors are retried with
// capped backoff.
func (e *Executor) Apply(ctx context.Context, app core.RemoteApp) error {
	desired, err := e.deployment(app)
	if err != nil {
		return err
	}
	deployments := e.client.AppsV1().Deployments(e.namespace)

	err = retry.OnError(retry.DefaultBackoff, transient, func() error {
		existing, err := deployments.Get(ctx, desired.Name, metav1.GetOptions{})
		if errors.IsNotFound(err) {
			_, err = deployments.Create(ctx, desired, metav1.CreateOptions{})
			return err
		}
		if err != nil {
			return err
		}
		existing.Labels = desired.Labels
		existing.Annotations = desired.Annotations
		existing.Spec = desired.Spec
		_, err = deployments.Update(ctx, existing, metav1.UpdateOptions{})
		return err
	})
	if err != nil {
		return fmt.Errorf("apply deployment %s: %w", desired.Name, err)
	}
	e.logger.Info("applied deployment", "app", app.ID, "deployment", desired.Name, "replicas", app.Spec.ReplicaCount())
	return nil
}

// Delete removes the app's Deployment with foreground cascade. It is
// idempotent: a missing Deployment is success.
func (e *Executor) Delete(ctx context.Context, id string) error {
	dep, err := e.get(ctx, id)
	if err != nil {
		return err
	}
	if dep == nil {
		return nil
	}
	policy := metav1.DeletePropagationForeground
	err = e.client.AppsV1().Deployments(e.namespace).Delete(ctx, dep.Name, metav1.DeleteOptions{
		PropagationPolicy: &policy,
	})
	if err != nil && !errors.IsNotFound(err) {
		return fmt.Errorf("delete deployment %s: %w", dep.Name, err)
	}
	e.logger.Info("deleted deployment", "app", id, "deployment", dep.Name)
	return nil
}

// Scale sets the replica count on the app's Deployment.
func (e *Executor) Scale(ctx context.Context, id string, replicas int32) error {
	dep, err := e.get(ctx, id)
	if err != nil {
		return err
	}
	if dep == nil {
		return &core.NotFoundError{Resource: "deployment for app", ID: id}
	}
	return retry.RetryOnConflict(retry.DefaultRetry, func() error {
		current, err := e.client.AppsV1().Deployments(e.namespace).Get(ctx, dep.Name, metav1.GetOptions{})
		if err != nil {
			return err
		}
		current.Spec.Replicas = &replicas
		if raw, ok := current.Annotations[annotationSpec]; ok {
			var spec core.RemoteAppSpec
			if json.Unmarshal([]byte(raw), &spec) == nil {
				spec.Replicas = &replicas
				if updated, err := json.Marshal(spec); err == nil {
					current.Annotations[annotationSpec] = string(updated)
				}
			}
		}
		_, err = e.client.AppsV1().Deployments(e.namespace).Update(ctx, current, metav1.UpdateOptions{})
		return err
	})
}

// List reconstructs executing app records from the labelled
// Deployments, spec included, so state survives restarts without
// being persisted anywhere.
func (e *Executor) List(ctx context.Context) ([]core.RemoteApp, error) {
	deps, err := e.client.AppsV1().Deployments(e.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: LabelAppID,
	})
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}

	apps := make([]core.RemoteApp, 0, len(deps.Items))
	for _, dep := range deps.Items {
		app := core.RemoteApp{
			ID:         dep.Labels[LabelAppID],
			Name:       dep.Annotations[annotationAppName],
			Origin:     core.OriginExecuting,
			SourcePeer: dep.Labels[LabelSourcePeer],
			CreatedAt:  dep.CreationTimestamp.Time,
			UpdatedAt:  dep.CreationTimestamp.Time,
		}
		if app.Name == "" {
			app.Name = dep.Name
		}
		if raw, ok := dep.Annotations[annotationSpec]; ok {
			_ = json.Unmarshal([]byte(raw), &app.Spec)
		}
		apps = append(apps, app)
	}
	sort.Slice(apps, func(i, j int) bool { return apps[i].ID < apps[j].ID })
	return apps, nil
}

// Status maps the Deployment and its pods onto the app status
// machine, with a human-readable message for the failure states.
func (e *Executor) Status(ctx context.Context, id string) (core.AppStatus, string, error) {
	dep, err := e.get(ctx, id)
	if err != nil {
		return "", "", err
	}
	if dep == nil {
		return core.AppDeleted, "deployment not found", nil
	}

	pods, err := e.pods(ctx, id)
	if err != nil {
		return "", "", err
	}

	// A stuck container that has been failing past the grace period
	// beats every other signal.
	if reason, msg := stuckContainer(pods); reason != "" {
		return core.AppFailed, fmt.Sprintf("%s: %s", reason, msg), nil
	}

	desired := int32(1)
	if dep.Spec.Replicas != nil {
		desired = *dep.Spec.Replicas
	}

	if dep.Status.ReadyReplicas == desired && allPodsReady(pods) {
		return core.AppReady, "", nil
	}
	if dep.Status.AvailableReplicas > 0 {
		return core.AppRunning, fmt.Sprintf("%d/%d replicas ready", dep.Status.ReadyReplicas, desired), nil
	}
	if time.Since(dep.CreationTimestamp.Time) > startupTimeout {
		return core.AppTimeout, "no replicas became available within 300s", nil
	}
	return core.AppCreating, "", nil
}

// ReadyPodIPs lists the IPs of ready pods for the app, for the tunnel
// to round-robin across.
func (e *Executor) ReadyPodIPs(ctx context.Context, id string) ([]string, error) {
	pods, err := e.pods(ctx, id)
	if err != nil {
		return nil, err
	}
	var ips []string
	for _, pod := range pods {
		if pod.Status.PodIP == "" || pod.Status.Phase != corev1.PodRunning {
			continue
		}
		if podReady(&pod) {
			ips = append(ips, pod.Status.PodIP)
		}
	}
	sort.Strings(ips)
	return ips, nil
}

// PodSummary is the per-pod slice of a detail response.
type PodSummary struct {
	Name     string `json:"name"`
	Phase    string `json:"phase"`
	Ready    bool   `json:"ready"`
	IP       string `json:"ip,omitempty"`
	Restarts int32  `json:"restarts"`
}

// PodSummaries describes the app's pods for the dashboard detail view.
func (e *Executor) PodSummaries(ctx context.Context, id string) ([]PodSummary, error) {
	pods, err := e.pods(ctx, id)
	if err != nil {
		return nil, err
	}
	summaries := make([]PodSummary, 0, len(pods))
	for _, pod := range pods {
		var restarts int32
		for _, cs := range pod.Status.ContainerStatuses {
			restarts += cs.RestartCount
		}
		summaries = append(summaries, PodSummary{
			Name:     pod.Name,
			Phase:    string(pod.Status.Phase),
			Ready:    podReady(&pod),
			IP:       pod.Status.PodIP,
			Restarts: restarts,
		})
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Name < summaries[j].Name })
	return summaries, nil
}

// Logs fetches recent log lines from the app's pods. order "pod"
// groups lines per pod; "time" merges them chronologically.
func (e *Executor) Logs(ctx context.Context, id string, tail int, order string) ([]LogLine, error) {
	pods, err := e.pods(ctx, id)
	if err != nil {
		return nil, err
	}
	if tail <= 0 {
		tail = 100
	}

	tailLines := int64(tail)
	var lines []LogLine
	for _, pod := range pods {
		raw, err := e.client.CoreV1().Pods(e.namespace).GetLogs(pod.Name, &corev1.PodLogOptions{
			TailLines:  &tailLines,
			Timestamps: true,
		}).Do(ctx).Raw()
		if err != nil {
			// A pod mid-restart has no logs; skip it rather than fail
			// the whole request.
			e.logger.Debug("log fetch failed", "pod", pod.Name, "error", err)
			continue
		}
		lines = append(lines, parseLogLines(pod.Name, raw)...)
	}

	if order == "time" {
		sort.SliceStable(lines, func(i, j int) bool { return lines[i].TS.Before(lines[j].TS) })
	}
	if len(lines) > tail {
		lines = lines[len(lines)-tail:]
	}
	return lines, nil
}

func (e *Executor) get(ctx context.Context, id string) (*appsv1.Deployment, error) {
	deps, err := e.client.AppsV1().Deployments(e.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("%s=%s", LabelAppID, id),
	})
	if err != nil {
		return nil, fmt.Errorf("find deployment for app %s: %w", id, err)
	}
	if len(deps.Items) == 0 {
		return nil, nil
	}
	return &deps.Items[0], nil
}

func (e *Executor) pods(ctx context.Context, id string) ([]corev1.Pod, error) {
	pods, err := e.client.CoreV1().Pods(e.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("%s=%s", LabelAppID, id),
	})
	if err != nil {
		return nil, fmt.Errorf("list pods for app %s: %w", id, err)
	}
	return pods.Items, nil
}

// deployment builds the desired Deployment for the app.
func (e *Executor) deployment(app core.RemoteApp) (*appsv1.Deployment, error) {
	specJSON, err := json.Marshal(app.Spec)
	if err != nil {
		return nil, fmt.Errorf("marshal spec for %s: %w", app.ID, err)
	}

	labels := map[string]string{
		LabelAppID:      app.ID,
		LabelSourcePeer: app.SourcePeer,
	}
	replicas := app.Spec.ReplicaCount()

	container := corev1.Container{
		Name:    "app",
		Image:   app.Spec.Image,
		Command: app.Spec.Command,
		Args:    app.Spec.Args,
	}
	if app.Spec.ImagePullPolicy != "" {
		container.ImagePullPolicy = corev1.PullPolicy(app.Spec.ImagePullPolicy)
	}
	for _, p := range app.Spec.Ports {
		container.Ports = append(container.Ports, corev1.ContainerPort{
			Name:          p.Name,
			ContainerPort: p.Port,
		})
	}
	for _, ev := range app.Spec.Env {
		container.Env = append(container.Env, envVar(ev))
	}
	container.Resources = resourceRequirements(app.Spec.Resources)
	container.ReadinessProbe = probe(app.Spec.ReadinessProbe)
	container.SecurityContext = containerSecurity(app.Spec.SecurityContext)

	podSpec := corev1.PodSpec{
		Containers:      []corev1.Container{container},
		SecurityContext: podSecurity(app.Spec.SecurityContext),
	}
	for _, name := range app.Spec.ImagePullSecrets {
		podSpec.ImagePullSecrets = append(podSpec.ImagePullSecrets, corev1.LocalObjectReference{Name: name})
	}

	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      DeploymentName(app.ID, app.Name),
			Namespace: e.namespace,
			Labels:    labels,
			Annotations: map[string]string{
				annotationSpec:    string(specJSON),
				annotationAppName: app.Name,
			},
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{LabelAppID: app.ID}},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec:       podSpec,
			},
		},
	}, nil
}

func envVar(ev core.EnvVarSpec) corev1.EnvVar {
	out := corev1.EnvVar{Name: ev.Name, Value: ev.Value}
	if ev.ValueFrom == nil {
		return out
	}
	src := &corev1.EnvVarSource{}
	if ref := ev.ValueFrom.SecretKeyRef; ref != nil {
		src.SecretKeyRef = &corev1.SecretKeySelector{
			LocalObjectReference: corev1.LocalObjectReference{Name: ref.Name},
			Key:                  ref.Key,
		}
	}
	if ref := ev.ValueFrom.ConfigMapKeyRef; ref != nil {
		src.ConfigMapKeyRef = &corev1.ConfigMapKeySelector{
			LocalObjectReference: corev1.LocalObjectReference{Name: ref.Name},
			Key:                  ref.Key,
		}
	}
	if ref := ev.ValueFrom.FieldRef; ref != nil {
		src.FieldRef = &corev1.ObjectFieldSelector{FieldPath: ref.FieldPath}
	}
	out.ValueFrom = src
	return out
}

func resourceRequirements(r *core.ResourcesSpec) corev1.ResourceRequirements {
	out := corev1.ResourceRequirements{}
	if r == nil {
		return out
	}
	out.Requests = resourceList(r.Requests)
	out.Limits = resourceList(r.Limits)
	return out
}

func resourceList(l *core.ResourceList) corev1.ResourceList {
	if l == nil {
		return nil
	}
	out := corev1.ResourceList{}
	if l.CPU != "" {
		if q, err := resource.ParseQuantity(l.CPU); err == nil {
			out[corev1.ResourceCPU] = q
		}
	}
	if l.Memory != "" {
		if q, err := resource.ParseQuantity(l.Memory); err == nil {
			out[corev1.ResourceMemory] = q
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func probe(p *core.ProbeSpec) *corev1.Probe {
	if p == nil {
		return nil
	}
	out := &corev1.Probe{
		InitialDelaySeconds: p.InitialDelaySeconds,
		PeriodSeconds:       p.PeriodSeconds,
		FailureThreshold:    p.FailureThreshold,
	}
	if p.HTTPGet != nil {
		out.HTTPGet = &corev1.HTTPGetAction{
			Path: p.HTTPGet.Path,
			Port: intstr.FromInt32(p.HTTPGet.Port),
		}
	}
	if p.Exec != nil {
		out.Exec = &corev1.ExecAction{Command: p.Exec.Command}
	}
	return out
}

func containerSecurity(s *core.SecurityCtxSpec) *corev1.SecurityContext {
	if s == nil {
		return nil
	}
	return &corev1.SecurityContext{
		RunAsNonRoot:           s.RunAsNonRoot,
		RunAsUser:              s.RunAsUser,
		RunAsGroup:             s.RunAsGroup,
		ReadOnlyRootFilesystem: s.ReadOnlyRootFilesystem,
	}
}

func podSecurity(s *core.SecurityCtxSpec) *corev1.PodSecurityContext {
	if s == nil || s.FSGroup == nil {
		return nil
	}
	return &corev1.PodSecurityContext{FSGroup: s.FSGroup}
}

// stuckContainer reports the first container stuck in a fatal waiting
// state past the grace period.
func stuckContainer(pods []corev1.Pod) (reason, message string) {
	fatal := map[string]bool{
		"ImagePullBackOff":     true,
		"ErrImagePull":         true,
		"CrashLoopBackOff":     true,
		"CreateContainerError": true,
		"ContainerCannotRun":   true,
		"RunContainerError":    true,
	}
	for _, pod := range pods {
		if time.Since(pod.CreationTimestamp.Time) < failedGrace {
			continue
		}
		for _, cs := range pod.Status.ContainerStatuses {
			if cs.State.Waiting != nil && fatal[cs.State.Waiting.Reason] {
				return cs.State.Waiting.Reason, cs.State.Waiting.Message
			}
			if cs.State.Terminated != nil && cs.State.Terminated.Reason == "ContainerCannotRun" {
				return cs.State.Terminated.Reason, cs.State.Terminated.Message
			}
		}
	}
	return "", ""
}

func allPodsReady(pods []corev1.Pod) bool {
	for _, pod := range pods {
		if !podReady(&pod) {
			return false
		}
	}
	return true
}

func podReady(pod *corev1.Pod) bool {
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady {
			return cond.Status == corev1.ConditionTrue
		}
	}
	return false
}

func parseLogLines(pod string, raw []byte) []LogLine {
	var lines []LogLine
	for _, line := range strings.Split(string(raw), "\n") {
		if line == "" {
			continue
		}
		entry := LogLine{Pod: pod, Message: line}
		if ts, rest, found := strings.Cut(line, " "); found {
			if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
				entry.TS = parsed
				entry.Message = rest
			}
		}
		lines = append(lines, entry)
	}
	return lines
}

func transient(err error) bool {
	return errors.IsConflict(err) || errors.IsServerTimeout(err) ||
		errors.IsTooManyRequests(err) || errors.IsServiceUnavailable(err)
}
