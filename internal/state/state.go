// Package state is the canonical in-memory store of peers, apps,
// approvals, settings and notifications. It is the only writer of the
// persisted blobs: every mutation of durable records is written back
// synchronously before the call returns, and readers always receive
// copies, never aliases into the maps.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/porpulsion/porpulsion-agent/internal/core"
	"github.com/porpulsion/porpulsion-agent/internal/storage"
)

// Registry owns all mutable agent state. A single mutex makes every
// mutation linearizable; Generation increases by one per mutation so
// pollers can cheaply detect change.
type Registry struct {
	sensitive storage.Blob
	plain     storage.Blob
	logger    *slog.Logger

	mu            sync.RWMutex
	gen           uint64
	peers         map[string]core.Peer
	submitted     map[string]core.RemoteApp
	executing     map[string]core.RemoteApp
	approvals     map[string]core.PendingApproval
	settings      core.Settings
	notifications []core.Notification
}

func NewRegistry(sensitive, plain storage.Blob) *Registry {
	return &Registry{
		sensitive: sensitive,
		plain:     plain,
		logger:    slog.Default().With("component", "state"),
		peers:     map[string]core.Peer{},
		submitted: map[string]core.RemoteApp{},
		executing: map[string]core.RemoteApp{},
		approvals: map[string]core.PendingApproval{},
		settings:  core.DefaultSettings(),
	}
}

// Load restores peers from the sensitive blob and everything else
// from the plain blob. Peers that were connected when the process
// died come back as connecting; the channel manager re-dials them.
func (r *Registry) Load(ctx context.Context) error {
	sens, err := r.sensitive.Load(ctx)
	if err != nil {
		return fmt.Errorf("load sensitive blob: %w", err)
	}
	plain, err := r.plain.Load(ctx)
	if err != nil {
		return fmt.Errorf("load state blob: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(sens) > 0 {
		var doc storage.SensitiveDoc
		if err := json.Unmarshal(sens, &doc); err != nil {
			return fmt.Errorf("decode sensitive blob: %w", err)
		}
		for _, p := range doc.Peers {
			if p.Status == core.PeerConnected {
				p.Status = core.PeerConnecting
			}
			r.peers[p.Name] = p
		}
	}

	if len(plain) > 0 {
		var doc storage.StateDoc
		if err := json.Unmarshal(plain, &doc); err != nil {
			return fmt.Errorf("decode state blob: %w", err)
		}
		for _, a := range doc.Submitted {
			r.submitted[a.ID] = a
		}
		for _, pa := range doc.PendingApproval {
			r.approvals[pa.ID] = pa
		}
		if doc.Settings != (core.Settings{}) {
			r.settings = doc.Settings
		}
		r.notifications = doc.Notifications
	}
	return nil
}

// Generation returns the monotonically increasing mutation counter.
func (r *Registry) Generation() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.gen
}

// --- peers ---

func (r *Registry) Peers() []core.Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) Peer(name string) (core.Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[name]
	return p, ok
}

// PeerByFingerprint resolves the peer pinned to the given CA
// fingerprint. This is the lookup the channel upgrade auth uses.
func (r *Registry) PeerByFingerprint(fp string) (core.Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.peers {
		if p.CAFingerprint == fp {
			return p, true
		}
	}
	return core.Peer{}, false
}

// UpsertPeer inserts or replaces a peer record. A fingerprint already
// pinned under a different name is rejected, keeping the
// (name, fingerprint) pair unique.
func (r *Registry) UpsertPeer(ctx context.Context, p core.Peer) error {
	if err := p.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, existing := range r.peers {
		if name != p.Name && existing.CAFingerprint == p.CAFingerprint {
			return &core.ConflictError{Resource: "peer fingerprint", ID: p.CAFingerprint}
		}
	}
	prev, had := r.peers[p.Name]
	r.peers[p.Name] = p
	if err := r.persistSensitiveLocked(ctx); err != nil {
		if had {
			r.peers[p.Name] = prev
		} else {
			delete(r.peers, p.Name)
		}
		return err
	}
	r.gen++
	return nil
}

// UpdatePeer applies mutate to the named peer and persists.
func (r *Registry) UpdatePeer(ctx context.Context, name string, mutate func(*core.Peer)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[name]
	if !ok {
		return &core.NotFoundError{Resource: "peer", ID: name}
	}
	prev := p
	mutate(&p)
	p.Name = name // the key is immutable
	r.peers[name] = p
	if err := r.persistSensitiveLocked(ctx); err != nil {
		r.peers[name] = prev
		return err
	}
	r.gen++
	return nil
}

// MarkPeerConnected flips the peer to connected and stamps the time.
func (r *Registry) MarkPeerConnected(ctx context.Context, name string) error {
	now := time.Now().UTC()
	return r.UpdatePeer(ctx, name, func(p *core.Peer) {
		p.Status = core.PeerConnected
		p.ConnectedAt = &now
		p.LastError = ""
	})
}

func (r *Registry) RemovePeer(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[name]
	if !ok {
		return &core.NotFoundError{Resource: "peer", ID: name}
	}
	delete(r.peers, name)
	if err := r.persistSensitiveLocked(ctx); err != nil {
		r.peers[name] = p
		return err
	}
	r.gen++
	return nil
}

// --- apps ---

func (r *Registry) SubmittedApps() []core.RemoteApp {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedApps(r.submitted)
}

func (r *Registry) ExecutingApps() []core.RemoteApp {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedApps(r.executing)
}

// App finds an app by id on either side.
func (r *Registry) App(id string) (core.RemoteApp, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.submitted[id]; ok {
		return a, true
	}
	a, ok := r.executing[id]
	return a, ok
}

// PutSubmitted persists a new submitted app. Called only after the
// peer has accepted the create, per the rollback submission contract.
func (r *Registry) PutSubmitted(ctx context.Context, app core.RemoteApp) error {
	app.Origin = core.OriginSubmitted
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.submitted[app.ID]; ok {
		return &core.ConflictError{Resource: "remoteapp", ID: app.ID}
	}
	r.submitted[app.ID] = app
	if err := r.persistStateLocked(ctx); err != nil {
		delete(r.submitted, app.ID)
		return err
	}
	r.gen++
	return nil
}

// UpdateSubmitted applies mutate to a submitted app and persists.
func (r *Registry) UpdateSubmitted(ctx context.Context, id string, mutate func(*core.RemoteApp)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.submitted[id]
	if !ok {
		return &core.NotFoundError{Resource: "remoteapp", ID: id}
	}
	prev := a
	mutate(&a)
	a.ID = id
	a.UpdatedAt = time.Now().UTC()
	r.submitted[id] = a
	if err := r.persistStateLocked(ctx); err != nil {
		r.submitted[id] = prev
		return err
	}
	r.gen++
	return nil
}

func (r *Registry) RemoveSubmitted(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.submitted[id]
	if !ok {
		return &core.NotFoundError{Resource: "remoteapp", ID: id}
	}
	delete(r.submitted, id)
	if err := r.persistStateLocked(ctx); err != nil {
		r.submitted[id] = a
		return err
	}
	r.gen++
	return nil
}

// PutExecuting records an executing app. Executing records are never
// persisted; the reconciler rebuilds them from the cluster.
func (r *Registry) PutExecuting(app core.RemoteApp) {
	app.Origin = core.OriginExecuting
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executing[app.ID] = app
	r.gen++
}

// UpdateExecuting applies mutate to an executing app in memory.
func (r *Registry) UpdateExecuting(id string, mutate func(*core.RemoteApp)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.executing[id]
	if !ok {
		return false
	}
	mutate(&a)
	a.ID = id
	a.UpdatedAt = time.Now().UTC()
	r.executing[id] = a
	r.gen++
	return true
}

func (r *Registry) RemoveExecuting(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.executing[id]; ok {
		delete(r.executing, id)
		r.gen++
	}
}

// --- approvals ---

func (r *Registry) Approvals() []core.PendingApproval {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.PendingApproval, 0, len(r.approvals))
	for _, pa := range r.approvals {
		out = append(out, pa)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ArrivedAt.Before(out[j].ArrivedAt) })
	return out
}

func (r *Registry) EnqueueApproval(ctx context.Context, pa core.PendingApproval) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.approvals[pa.ID] = pa
	if err := r.persistStateLocked(ctx); err != nil {
		delete(r.approvals, pa.ID)
		return err
	}
	r.gen++
	return nil
}

// TakeApproval removes and returns the queued approval, whether the
// operator approved or rejected it.
func (r *Registry) TakeApproval(ctx context.Context, id string) (core.PendingApproval, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pa, ok := r.approvals[id]
	if !ok {
		return core.PendingApproval{}, &core.NotFoundError{Resource: "pending approval", ID: id}
	}
	delete(r.approvals, id)
	if err := r.persistStateLocked(ctx); err != nil {
		r.approvals[id] = pa
		return core.PendingApproval{}, err
	}
	r.gen++
	return pa, nil
}

// --- settings ---

func (r *Registry) Settings() core.Settings {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.settings
}

// UpdateSettings merges a partial JSON patch into the settings and
// persists the result.
func (r *Registry) UpdateSettings(ctx context.Context, patch []byte) (core.Settings, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	merged, err := core.MergeSettings(r.settings, patch)
	if err != nil {
		return core.Settings{}, err
	}
	prev := r.settings
	r.settings = merged
	if err := r.persistStateLocked(ctx); err != nil {
		r.settings = prev
		return core.Settings{}, err
	}
	r.gen++
	return merged, nil
}

// --- notifications ---

// Notify appends a notification to the bounded ring. Persistence is
// best-effort; a failed write only logs, it never fails the caller's
// operation.
func (r *Registry) Notify(ctx context.Context, level core.NotificationLevel, title, message string) {
	n := core.Notification{
		ID:      uuid.NewString(),
		TS:      time.Now().UTC(),
		Level:   level,
		Title:   title,
		Message: message,
	}
	r.mu.Lock()
	r.notifications = append(r.notifications, n)
	if len(r.notifications) > core.MaxNotifications {
		r.notifications = r.notifications[len(r.notifications)-core.MaxNotifications:]
	}
	err := r.persistStateLocked(ctx)
	if err == nil {
		r.gen++
	}
	r.mu.Unlock()
	if err != nil {
		r.logger.Warn("failed to persist notification", "title", title, "error", err)
	}
}

func (r *Registry) Notifications() []core.Notification {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.Notification, len(r.notifications))
	copy(out, r.notifications)
	return out
}

func (r *Registry) AckNotification(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.notifications {
		if r.notifications[i].ID == id {
			r.notifications[i].Ack = true
			if err := r.persistStateLocked(ctx); err != nil {
				r.notifications[i].Ack = false
				return err
			}
			r.gen++
			return nil
		}
	}
	return &core.NotFoundError{Resource: "notification", ID: id}
}

func (r *Registry) ClearNotifications(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.notifications
	r.notifications = nil
	if err := r.persistStateLocked(ctx); err != nil {
		r.notifications = prev
		return err
	}
	r.gen++
	return nil
}

// --- persistence ---

// persistSensitiveLocked rewrites the peers section of the sensitive
// blob, leaving the credential fields untouched.
func (r *Registry) persistSensitiveLocked(ctx context.Context) error {
	peers := make([]core.Peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].Name < peers[j].Name })

	return r.sensitive.Update(ctx, func(current []byte) ([]byte, error) {
		var doc storage.SensitiveDoc
		if len(current) > 0 {
			if err := json.Unmarshal(current, &doc); err != nil {
				return nil, fmt.Errorf("decode sensitive blob: %w", err)
			}
		}
		doc.Peers = peers
		return json.Marshal(&doc)
	})
}

func (r *Registry) persistStateLocked(ctx context.Context) error {
	doc := storage.StateDoc{
		Submitted:       sortedApps(r.submitted),
		PendingApproval: make([]core.PendingApproval, 0, len(r.approvals)),
		Settings:        r.settings,
		Notifications:   r.notifications,
	}
	for _, pa := range r.approvals {
		doc.PendingApproval = append(doc.PendingApproval, pa)
	}
	sort.Slice(doc.PendingApproval, func(i, j int) bool {
		return doc.PendingApproval[i].ArrivedAt.Before(doc.PendingApproval[j].ArrivedAt)
	})

	return r.plain.Update(ctx, func([]byte) ([]byte, error) {
		return json.Marshal(&doc)
	})
}

func sortedApps(m map[string]core.RemoteApp) []core.RemoteApp {
	out := make([]core.RemoteApp, 0, len(m))
	for _, a := range m {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
