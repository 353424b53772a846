// Package agent ties the pieces together: it owns the dashboard-facing
// operations (submit, delete, scale, approve) and the channel handlers
// that execute what peers send over the wire.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/porpulsion/porpulsion-agent/internal/admission"
	"github.com/porpulsion/porpulsion-agent/internal/channel"
	"github.com/porpulsion/porpulsion-agent/internal/core"
	"github.com/porpulsion/porpulsion-agent/internal/credentials"
	"github.com/porpulsion/porpulsion-agent/internal/executor"
	"github.com/porpulsion/porpulsion-agent/internal/metrics"
	"github.com/porpulsion/porpulsion-agent/internal/state"
)

// Version is announced to peers after each connect.
const Version = "0.9.0"

const sendTimeout = 30 * time.Second

type createRequest struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Spec json.RawMessage `json:"spec"`
}

type createReply struct {
	Accepted        bool   `json:"accepted"`
	Reason          string `json:"reason,omitempty"`
	PendingApproval bool   `json:"pending_approval,omitempty"`
}

type deleteRequest struct {
	ID string `json:"id"`
}

type idRequest struct {
	ID string `json:"id"`
}

type specRequest struct {
	ID   string          `json:"id"`
	Spec json.RawMessage `json:"spec"`
}

type scaleRequest struct {
	ID       string `json:"id"`
	Replicas int32  `json:"replicas"`
}

type logsRequest struct {
	ID    string `json:"id"`
	Tail  int    `json:"tail"`
	Order string `json:"order"`
}

type logsReply struct {
	Lines []executor.LogLine `json:"lines"`
}

// Detail is the live view of an app: the record plus whatever the
// executing cluster currently reports.
type Detail struct {
	App     core.RemoteApp        `json:"app"`
	Status  core.AppStatus        `json:"status"`
	Message string                `json:"message,omitempty"`
	Pods    []executor.PodSummary `json:"pods,omitempty"`
}

type statusPush struct {
	ID      string         `json:"id"`
	Status  core.AppStatus `json:"status"`
	Message string         `json:"message,omitempty"`
}

type versionAnnounce struct {
	Version string `json:"version"`
}

type Agent struct {
	name     string
	selfURL  string
	creds    *credentials.Store
	registry *state.Registry
	channels *channel.Manager
	exec     *executor.Executor
	metrics  *metrics.Metrics
	logger   *slog.Logger
	level    *slog.LevelVar
}

func New(name, selfURL string, creds *credentials.Store, registry *state.Registry, channels *channel.Manager, exec *executor.Executor, m *metrics.Metrics, level *slog.LevelVar) *Agent {
	return &Agent{
		name:     name,
		selfURL:  selfURL,
		creds:    creds,
		registry: registry,
		channels: channels,
		exec:     exec,
		metrics:  m,
		logger:   slog.Default().With("component", "agent"),
		level:    level,
	}
}

// Register mounts the agent's channel handlers and the post-connect
// version announcement.
func (a *Agent) Register(router *channel.Router) {
	router.OnRequest("peer/ping", func(ctx context.Context, peer string, _ json.RawMessage) (any, error) {
		return map[string]bool{"pong": true}, nil
	})
	router.OnRequest("remoteapp/create", a.handleCreate)
	router.OnRequest("remoteapp/delete", a.handleDelete)
	router.OnRequest("remoteapp/spec", a.handleSpec)
	router.OnRequest("remoteapp/scale", a.handleScale)
	router.OnRequest("remoteapp/logs", a.handleLogs)
	router.OnRequest("remoteapp/detail", a.handleDetail)

	router.OnPush("remoteapp/status", a.handleStatus)
	router.OnPush("peer/goodbye", a.handleGoodbye)
	router.OnPush("version/announce", a.handleVersion)

	a.channels.OnConnect(func(peer string) {
		if err := a.channels.Push(peer, "version/announce", versionAnnounce{Version: Version}); err != nil {
			a.logger.Debug("version announce failed", "peer", peer, "error", err)
		}
	})
}

// --- dashboard operations ---

// SubmitApp validates the spec, sends it to the target peer, and only
// persists the submitted record once the peer replied. A dead channel
// therefore leaves no trace; an admission rejection is a valid reply
// and is recorded as a Failed app carrying the rejection reason.
func (a *Agent) SubmitApp(ctx context.Context, name, targetPeer string, rawSpec []byte) (core.RemoteApp, error) {
	if name == "" {
		return core.RemoteApp{}, &core.ValidationError{Field: "name", Message: "required"}
	}
	if _, err := core.ParseRemoteAppSpec(rawSpec); err != nil {
		return core.RemoteApp{}, err
	}
	if _, ok := a.registry.Peer(targetPeer); !ok {
		return core.RemoteApp{}, &core.NotFoundError{Resource: "peer", ID: targetPeer}
	}

	id := uuid.NewString()
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	raw, err := a.channels.Send(sendCtx, targetPeer, "remoteapp/create", createRequest{
		ID:   id,
		Name: name,
		Spec: rawSpec,
	})
	if err != nil {
		return core.RemoteApp{}, err
	}
	var reply createReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return core.RemoteApp{}, fmt.Errorf("malformed create reply: %w", err)
	}

	spec, _ := core.ParseRemoteAppSpec(rawSpec)
	now := time.Now()
	app := core.RemoteApp{
		ID:         id,
		Name:       name,
		Spec:       spec,
		Status:     core.AppCreating,
		Origin:     core.OriginSubmitted,
		TargetPeer: targetPeer,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	switch {
	case !reply.Accepted:
		app.Status = core.AppFailed
		app.Message = reply.Reason
	case reply.PendingApproval:
		app.Status = core.AppPending
	}
	if err := a.registry.PutSubmitted(ctx, app); err != nil {
		return core.RemoteApp{}, err
	}
	a.logger.Info("submitted remote app", "app", id, "name", name, "peer", targetPeer, "status", app.Status)
	return app, nil
}

// DeleteApp removes an app on both sides. A submitted app whose peer
// is unreachable is marked delete_pending and retried by the
// reconciler instead of failing the operator's request.
func (a *Agent) DeleteApp(ctx context.Context, id string) error {
	app, ok := a.registry.App(id)
	if !ok {
		return &core.NotFoundError{Resource: "remoteapp", ID: id}
	}

	if app.Origin == core.OriginExecuting {
		if err := a.exec.Delete(ctx, id); err != nil {
			return err
		}
		a.registry.RemoveExecuting(id)
		if err := a.channels.Push(app.SourcePeer, "remoteapp/status", statusPush{ID: id, Status: core.AppDeleted, Message: "deleted by executing cluster"}); err != nil {
			a.logger.Debug("delete status push failed", "app", id, "error", err)
		}
		return nil
	}

	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if _, err := a.channels.Send(sendCtx, app.TargetPeer, "remoteapp/delete", deleteRequest{ID: id}); err != nil {
		if core.IsTransport(err) {
			return a.registry.UpdateSubmitted(ctx, id, func(app *core.RemoteApp) {
				app.DeletePending = true
			})
		}
		return err
	}
	return a.registry.RemoveSubmitted(ctx, id)
}

// UpdateSpec re-validates and re-sends the spec of a submitted app.
func (a *Agent) UpdateSpec(ctx context.Context, id string, rawSpec []byte) (core.RemoteApp, error) {
	app, ok := a.registry.App(id)
	if !ok {
		return core.RemoteApp{}, &core.NotFoundError{Resource: "remoteapp", ID: id}
	}
	if app.Origin != core.OriginSubmitted {
		return core.RemoteApp{}, &core.ValidationError{Field: "id", Message: "spec updates go through the submitting agent"}
	}
	spec, err := core.ParseRemoteAppSpec(rawSpec)
	if err != nil {
		return core.RemoteApp{}, err
	}

	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if _, err := a.channels.Send(sendCtx, app.TargetPeer, "remoteapp/spec", specRequest{ID: id, Spec: rawSpec}); err != nil {
		return core.RemoteApp{}, err
	}

	err = a.registry.UpdateSubmitted(ctx, id, func(app *core.RemoteApp) {
		app.Spec = spec
		app.Status = core.AppCreating
		app.Message = ""
		app.UpdatedAt = time.Now()
	})
	if err != nil {
		return core.RemoteApp{}, err
	}
	updated, _ := a.registry.App(id)
	return updated, nil
}

// ScaleApp changes the replica count, remotely for submitted apps and
// directly against the cluster for executing ones.
func (a *Agent) ScaleApp(ctx context.Context, id string, replicas int32) error {
	if replicas < 0 {
		return &core.ValidationError{Field: "replicas", Message: "must be >= 0"}
	}
	app, ok := a.registry.App(id)
	if !ok {
		return &core.NotFoundError{Resource: "remoteapp", ID: id}
	}

	if app.Origin == core.OriginExecuting {
		if err := a.exec.Scale(ctx, id, replicas); err != nil {
			return err
		}
		a.registry.UpdateExecuting(id, func(app *core.RemoteApp) {
			app.Spec.Replicas = &replicas
		})
		return nil
	}

	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if _, err := a.channels.Send(sendCtx, app.TargetPeer, "remoteapp/scale", scaleRequest{ID: id, Replicas: replicas}); err != nil {
		return err
	}
	return a.registry.UpdateSubmitted(ctx, id, func(app *core.RemoteApp) {
		app.Spec.Replicas = &replicas
		app.UpdatedAt = time.Now()
	})
}

// AppLogs fetches logs, crossing the channel for submitted apps.
func (a *Agent) AppLogs(ctx context.Context, id string, tail int, order string) ([]executor.LogLine, error) {
	app, ok := a.registry.App(id)
	if !ok {
		return nil, &core.NotFoundError{Resource: "remoteapp", ID: id}
	}
	if app.Origin == core.OriginExecuting {
		return a.exec.Logs(ctx, id, tail, order)
	}

	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	raw, err := a.channels.Send(sendCtx, app.TargetPeer, "remoteapp/logs", logsRequest{ID: id, Tail: tail, Order: order})
	if err != nil {
		return nil, err
	}
	var reply logsReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, fmt.Errorf("malformed logs reply: %w", err)
	}
	return reply.Lines, nil
}

// AppDetail returns the live detail view of an app.
func (a *Agent) AppDetail(ctx context.Context, id string) (Detail, error) {
	app, ok := a.registry.App(id)
	if !ok {
		return Detail{}, &core.NotFoundError{Resource: "remoteapp", ID: id}
	}
	if app.Origin == core.OriginExecuting {
		return a.localDetail(ctx, app)
	}

	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	raw, err := a.channels.Send(sendCtx, app.TargetPeer, "remoteapp/detail", idRequest{ID: id})
	if err != nil {
		return Detail{}, err
	}
	var detail Detail
	if err := json.Unmarshal(raw, &detail); err != nil {
		return Detail{}, fmt.Errorf("malformed detail reply: %w", err)
	}
	// The submitted record is the authoritative one for identity
	// fields; the peer contributes the live cluster view.
	detail.App = app
	return detail, nil
}

func (a *Agent) localDetail(ctx context.Context, app core.RemoteApp) (Detail, error) {
	status, message, err := a.exec.Status(ctx, app.ID)
	if err != nil {
		return Detail{}, err
	}
	pods, err := a.exec.PodSummaries(ctx, app.ID)
	if err != nil {
		return Detail{}, err
	}
	return Detail{App: app, Status: status, Message: message, Pods: pods}, nil
}

// Approve takes a parked inbound app and runs it.
func (a *Agent) Approve(ctx context.Context, id string) error {
	pa, err := a.registry.TakeApproval(ctx, id)
	if err != nil {
		return err
	}
	now := time.Now()
	app := core.RemoteApp{
		ID:          pa.ID,
		Name:        pa.Name,
		Spec:        pa.Spec,
		Status:      core.AppCreating,
		Origin:      core.OriginExecuting,
		SourcePeer:  pa.SourcePeer,
		CreatedAt:   now,
		UpdatedAt:   now,
		StatusDirty: true,
	}
	if err := a.exec.Apply(ctx, app); err != nil {
		// Put the approval back so the operator can retry once the
		// API server recovers.
		if qerr := a.registry.EnqueueApproval(ctx, pa); qerr != nil {
			a.logger.Error("requeue approval", "app", id, "error", qerr)
		}
		return err
	}
	a.registry.PutExecuting(app)
	a.logger.Info("approved remote app", "app", id, "source", pa.SourcePeer)
	return nil
}

// Reject drops a parked inbound app and tells the submitter.
func (a *Agent) Reject(ctx context.Context, id string) error {
	pa, err := a.registry.TakeApproval(ctx, id)
	if err != nil {
		return err
	}
	if err := a.channels.Push(pa.SourcePeer, "remoteapp/status", statusPush{
		ID:      id,
		Status:  core.AppRejected,
		Message: "rejected by operator",
	}); err != nil {
		a.logger.Debug("reject status push failed", "app", id, "error", err)
	}
	return nil
}

// UpdateSettings merges a settings patch and applies the runtime
// log level.
func (a *Agent) UpdateSettings(ctx context.Context, patch []byte) (core.Settings, error) {
	settings, err := a.registry.UpdateSettings(ctx, patch)
	if err != nil {
		return core.Settings{}, err
	}
	a.applyLogLevel(settings.LogLevel)
	return settings, nil
}

func (a *Agent) applyLogLevel(level string) {
	if a.level == nil {
		return
	}
	switch strings.ToUpper(level) {
	case "DEBUG":
		a.level.Set(slog.LevelDebug)
	case "INFO":
		a.level.Set(slog.LevelInfo)
	case "WARN":
		a.level.Set(slog.LevelWarn)
	case "ERROR":
		a.level.Set(slog.LevelError)
	}
}

// Summary is the /api/status payload.
type Summary struct {
	Agent             string `json:"agent"`
	Version           string `json:"version"`
	SelfURL           string `json:"self_url"`
	Fingerprint       string `json:"fingerprint"`
	Peers             int    `json:"peers"`
	ChannelsConnected int    `json:"channels_connected"`
	Submitted         int    `json:"submitted"`
	Executing         int    `json:"executing"`
	PendingApprovals  int    `json:"pending_approvals"`
}

func (a *Agent) Status() Summary {
	peers := a.registry.Peers()
	connected := 0
	for _, p := range peers {
		if a.channels.State(p.Name) == core.ChannelConnected {
			connected++
		}
	}
	return Summary{
		Agent:             a.name,
		Version:           Version,
		SelfURL:           a.selfURL,
		Fingerprint:       a.creds.Fingerprint(),
		Peers:             len(peers),
		ChannelsConnected: connected,
		Submitted:         len(a.registry.SubmittedApps()),
		Executing:         len(a.registry.ExecutingApps()),
		PendingApprovals:  len(a.registry.Approvals()),
	}
}

// --- channel handlers (executing side) ---

func (a *Agent) handleCreate(ctx context.Context, peer string, payload json.RawMessage) (any, error) {
	var req createRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("malformed create request: %v", err)
	}
	spec, err := core.ParseRemoteAppSpec(req.Spec)
	if err != nil {
		return nil, err
	}
	if req.ID == "" {
		return nil, errors.New("id is required")
	}
	if a.knownApp(req.ID) {
		return createReply{Reason: "duplicate_id"}, nil
	}

	settings := a.registry.Settings()
	decision := admission.Evaluate(settings, peer, spec, a.registry.ExecutingApps(), "")
	if !decision.Allowed {
		a.metrics.AdmissionRejected(decision.Reason)
		a.registry.Notify(ctx, core.LevelInfo, "Workload rejected",
			fmt.Sprintf("app %s from %s rejected: %s", req.Name, peer, decision.Reason))
		return createReply{Reason: decision.Reason}, nil
	}
	if decision.PendingApproval {
		err := a.registry.EnqueueApproval(ctx, core.PendingApproval{
			ID:         req.ID,
			Name:       req.Name,
			SourcePeer: peer,
			Spec:       spec,
			ArrivedAt:  time.Now(),
		})
		if err != nil {
			return nil, err
		}
		a.registry.Notify(ctx, core.LevelInfo, "Approval required",
			fmt.Sprintf("app %s from %s is waiting for approval", req.Name, peer))
		return createReply{Accepted: true, PendingApproval: true}, nil
	}

	now := time.Now()
	app := core.RemoteApp{
		ID:         req.ID,
		Name:       req.Name,
		Spec:       spec,
		Status:     core.AppCreating,
		Origin:     core.OriginExecuting,
		SourcePeer: peer,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := a.exec.Apply(ctx, app); err != nil {
		a.logger.Error("apply failed", "app", req.ID, "error", err)
		return nil, fmt.Errorf("apply: %v", err)
	}
	a.registry.PutExecuting(app)
	a.logger.Info("executing remote app", "app", req.ID, "name", req.Name, "source", peer)
	return createReply{Accepted: true}, nil
}

func (a *Agent) handleDelete(ctx context.Context, peer string, payload json.RawMessage) (any, error) {
	var req deleteRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("malformed delete request: %v", err)
	}

	// Delete is idempotent: an unknown id means the work is already
	// done, and that is what the submitter wants to hear.
	if app, ok := a.registry.App(req.ID); ok {
		if app.Origin != core.OriginExecuting || app.SourcePeer != peer {
			return nil, errors.New("not the submitting peer")
		}
		a.registry.RemoveExecuting(req.ID)
	}
	if err := a.exec.Delete(ctx, req.ID); err != nil {
		return nil, fmt.Errorf("delete: %v", err)
	}
	a.logger.Info("deleted remote app", "app", req.ID, "source", peer)
	return map[string]bool{"ok": true}, nil
}

func (a *Agent) handleSpec(ctx context.Context, peer string, payload json.RawMessage) (any, error) {
	var req specRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("malformed spec request: %v", err)
	}
	app, err := a.ownedApp(req.ID, peer)
	if err != nil {
		return nil, err
	}
	spec, err := core.ParseRemoteAppSpec(req.Spec)
	if err != nil {
		return nil, err
	}

	settings := a.registry.Settings()
	decision := admission.Evaluate(settings, peer, spec, a.registry.ExecutingApps(), req.ID)
	if !decision.Allowed {
		a.metrics.AdmissionRejected(decision.Reason)
		return nil, errors.New(decision.Reason)
	}

	app.Spec = spec
	app.Status = core.AppCreating
	app.UpdatedAt = time.Now()
	if err := a.exec.Apply(ctx, app); err != nil {
		return nil, fmt.Errorf("apply: %v", err)
	}
	a.registry.UpdateExecuting(req.ID, func(cur *core.RemoteApp) {
		cur.Spec = spec
		cur.Status = core.AppCreating
		cur.Message = ""
		cur.UpdatedAt = app.UpdatedAt
	})
	return createReply{Accepted: true}, nil
}

func (a *Agent) handleScale(ctx context.Context, peer string, payload json.RawMessage) (any, error) {
	var req scaleRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("malformed scale request: %v", err)
	}
	if req.Replicas < 0 {
		return nil, errors.New("replicas must be >= 0")
	}
	app, err := a.ownedApp(req.ID, peer)
	if err != nil {
		return nil, err
	}

	settings := a.registry.Settings()
	scaled := app.Spec
	scaled.Replicas = &req.Replicas
	decision := admission.Evaluate(settings, peer, scaled, a.registry.ExecutingApps(), req.ID)
	if !decision.Allowed {
		a.metrics.AdmissionRejected(decision.Reason)
		return nil, errors.New(decision.Reason)
	}

	if err := a.exec.Scale(ctx, req.ID, req.Replicas); err != nil {
		return nil, fmt.Errorf("scale: %v", err)
	}
	a.registry.UpdateExecuting(req.ID, func(cur *core.RemoteApp) {
		cur.Spec.Replicas = &req.Replicas
		cur.UpdatedAt = time.Now()
	})
	return map[string]bool{"ok": true}, nil
}

func (a *Agent) handleLogs(ctx context.Context, peer string, payload json.RawMessage) (any, error) {
	var req logsRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("malformed logs request: %v", err)
	}
	if _, err := a.ownedApp(req.ID, peer); err != nil {
		return nil, err
	}
	lines, err := a.exec.Logs(ctx, req.ID, req.Tail, req.Order)
	if err != nil {
		return nil, fmt.Errorf("logs: %v", err)
	}
	return logsReply{Lines: lines}, nil
}

func (a *Agent) handleDetail(ctx context.Context, peer string, payload json.RawMessage) (any, error) {
	var req idRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("malformed detail request: %v", err)
	}
	app, err := a.ownedApp(req.ID, peer)
	if err != nil {
		return nil, err
	}
	detail, err := a.localDetail(ctx, app)
	if err != nil {
		return nil, fmt.Errorf("detail: %v", err)
	}
	return detail, nil
}

// knownApp reports whether id already names an app record or a parked
// approval. Each id maps to at most one Deployment, so a colliding
// create must not overwrite the record that holds it.
func (a *Agent) knownApp(id string) bool {
	if _, ok := a.registry.App(id); ok {
		return true
	}
	for _, pa := range a.registry.Approvals() {
		if pa.ID == id {
			return true
		}
	}
	return false
}

func (a *Agent) ownedApp(id, peer string) (core.RemoteApp, error) {
	app, ok := a.registry.App(id)
	if !ok {
		return core.RemoteApp{}, errors.New("remoteapp not found")
	}
	if app.Origin != core.OriginExecuting || app.SourcePeer != peer {
		return core.RemoteApp{}, errors.New("not the submitting peer")
	}
	return app, nil
}

// --- channel handlers (submitting side) ---

func (a *Agent) handleStatus(ctx context.Context, peer string, payload json.RawMessage) {
	var p statusPush
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}
	app, ok := a.registry.App(p.ID)
	if !ok || app.Origin != core.OriginSubmitted || app.TargetPeer != peer {
		return
	}

	if p.Status == core.AppDeleted && app.DeletePending {
		if err := a.registry.RemoveSubmitted(ctx, p.ID); err != nil {
			a.logger.Warn("remove submitted", "app", p.ID, "error", err)
		}
		return
	}

	if err := a.registry.UpdateSubmitted(ctx, p.ID, func(app *core.RemoteApp) {
		app.Status = p.Status
		app.Message = p.Message
		app.UpdatedAt = time.Now()
	}); err != nil {
		a.logger.Warn("update submitted", "app", p.ID, "error", err)
		return
	}

	switch p.Status {
	case core.AppFailed, core.AppTimeout:
		a.registry.Notify(ctx, core.LevelWarn, "Remote app unhealthy",
			fmt.Sprintf("app %s on %s is %s: %s", app.Name, peer, p.Status, p.Message))
	case core.AppRejected:
		a.registry.Notify(ctx, core.LevelInfo, "Workload rejected",
			fmt.Sprintf("app %s was rejected by %s: %s", app.Name, peer, p.Message))
	}
}

func (a *Agent) handleGoodbye(ctx context.Context, peer string, _ json.RawMessage) {
	a.registry.Notify(ctx, core.LevelInfo, "Peer disconnected",
		fmt.Sprintf("peer %s shut down its channel", peer))
}

func (a *Agent) handleVersion(ctx context.Context, peer string, payload json.RawMessage) {
	var v versionAnnounce
	if err := json.Unmarshal(payload, &v); err != nil || v.Version == "" {
		return
	}
	theirs, err := semver.NewVersion(v.Version)
	if err != nil {
		a.logger.Debug("unparseable peer version", "peer", peer, "version", v.Version)
		return
	}
	ours := semver.MustParse(Version)
	if theirs.Major() != ours.Major() || theirs.Minor() != ours.Minor() {
		a.registry.Notify(ctx, core.LevelWarn, "Version mismatch",
			fmt.Sprintf("peer %s runs %s, this agent runs %s", peer, v.Version, Version))
	}
}
