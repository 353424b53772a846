// Package reconciler is the agent's convergence loop. It adopts
// deployments that survived a restart, tracks their rollout status,
// reports transitions to the submitting peer, and retries deletes
// that could not reach a peer when they were requested.
package reconciler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/porpulsion/porpulsion-agent/internal/channel"
	"github.com/porpulsion/porpulsion-agent/internal/core"
	"github.com/porpulsion/porpulsion-agent/internal/executor"
	"github.com/porpulsion/porpulsion-agent/internal/state"
)

const defaultInterval = 5 * time.Second

// statusPush is the remoteapp/status payload sent to the submitting
// peer when an executing app changes state.
type statusPush struct {
	ID      string         `json:"id"`
	Status  core.AppStatus `json:"status"`
	Message string         `json:"message,omitempty"`
}

type deleteRequest struct {
	ID string `json:"id"`
}

type Reconciler struct {
	registry *state.Registry
	channels *channel.Manager
	exec     *executor.Executor
	logger   *slog.Logger
	interval time.Duration
	wake     chan struct{}
}

// New builds a reconciler ticking at interval; interval <= 0 uses the
// 5s default.
func New(registry *state.Registry, channels *channel.Manager, exec *executor.Executor, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Reconciler{
		registry: registry,
		channels: channels,
		exec:     exec,
		logger:   slog.Default().With("component", "reconciler"),
		interval: interval,
		wake:     make(chan struct{}, 1),
	}
}

// Wake schedules an immediate pass without waiting for the next tick.
func (r *Reconciler) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run drives the loop until ctx is cancelled. A channel coming back up
// triggers a pass so queued status pushes and deletes go out promptly.
func (r *Reconciler) Run(ctx context.Context) error {
	r.channels.OnConnect(func(string) { r.Wake() })

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.reconcile(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.reconcile(ctx)
		case <-r.wake:
			r.reconcile(ctx)
		}
	}
}

func (r *Reconciler) reconcile(ctx context.Context) {
	r.adoptDeployments(ctx)
	r.updateExecuting(ctx)
	r.retryDeletes(ctx)
}

// adoptDeployments rebuilds the executing registry from cluster state,
// so a restarted agent keeps tracking workloads it created before.
func (r *Reconciler) adoptDeployments(ctx context.Context) {
	apps, err := r.exec.List(ctx)
	if err != nil {
		r.logger.Warn("list deployments", "error", err)
		return
	}
	for _, app := range apps {
		if _, ok := r.registry.App(app.ID); ok {
			continue
		}
		// Status is unknown until the next status pass; the dirty flag
		// forces a push once it resolves.
		app.StatusDirty = true
		r.registry.PutExecuting(app)
		r.logger.Info("adopted deployment", "app", app.ID, "source", app.SourcePeer)
	}
}

// updateExecuting advances each executing app through the rollout
// state machine and reports transitions to the submitting peer.
func (r *Reconciler) updateExecuting(ctx context.Context) {
	for _, app := range r.registry.ExecutingApps() {
		status, message, err := r.exec.Status(ctx, app.ID)
		if err != nil {
			r.logger.Warn("status check", "app", app.ID, "error", err)
			continue
		}

		if status == core.AppDeleted {
			// The deployment vanished underneath us. Tell the source
			// and drop the record once the push lands.
			if r.pushStatus(app.SourcePeer, app.ID, core.AppDeleted, "deployment removed from cluster") {
				r.registry.RemoveExecuting(app.ID)
			} else {
				r.registry.UpdateExecuting(app.ID, func(a *core.RemoteApp) {
					a.Status = core.AppDeleted
					a.StatusDirty = true
				})
			}
			continue
		}

		if status == app.Status && message == app.Message && !app.StatusDirty {
			continue
		}

		delivered := r.pushStatus(app.SourcePeer, app.ID, status, message)
		r.registry.UpdateExecuting(app.ID, func(a *core.RemoteApp) {
			a.Status = status
			a.Message = message
			a.StatusDirty = !delivered
		})
		if status == core.AppFailed || status == core.AppTimeout {
			r.registry.Notify(ctx, core.LevelWarn, "Remote app unhealthy",
				"app "+app.Name+" from "+app.SourcePeer+" is "+string(status)+": "+message)
		}
	}
}

func (r *Reconciler) pushStatus(peer, id string, status core.AppStatus, message string) bool {
	err := r.channels.Push(peer, "remoteapp/status", statusPush{ID: id, Status: status, Message: message})
	if err != nil {
		if !errors.Is(err, core.ErrChannelDown) {
			r.logger.Warn("status push", "app", id, "peer", peer, "error", err)
		}
		return false
	}
	return true
}

// retryDeletes re-sends remoteapp/delete for submitted apps whose
// delete was requested while the peer was unreachable.
func (r *Reconciler) retryDeletes(ctx context.Context) {
	for _, app := range r.registry.SubmittedApps() {
		if !app.DeletePending {
			continue
		}
		sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		_, err := r.channels.Send(sendCtx, app.TargetPeer, "remoteapp/delete", deleteRequest{ID: app.ID})
		cancel()
		if err != nil {
			var remote *core.RemoteError
			if errors.As(err, &remote) {
				// The peer answered; whatever it said, the delete will
				// not succeed by retrying the same request.
				r.logger.Warn("deferred delete rejected", "app", app.ID, "peer", app.TargetPeer, "error", err)
			} else {
				continue
			}
		}
		if err := r.registry.RemoveSubmitted(ctx, app.ID); err != nil {
			r.logger.Warn("remove submitted", "app", app.ID, "error", err)
		}
	}
}
