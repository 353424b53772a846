// Package server exposes the two HTTP surfaces of the agent: the
// dashboard API under /api on the local port, and the peer-facing
// handshake + websocket endpoints on the peer port.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/porpulsion/porpulsion-agent/internal/agent"
	"github.com/porpulsion/porpulsion-agent/internal/channel"
	"github.com/porpulsion/porpulsion-agent/internal/core"
	"github.com/porpulsion/porpulsion-agent/internal/credentials"
	"github.com/porpulsion/porpulsion-agent/internal/handshake"
	"github.com/porpulsion/porpulsion-agent/internal/logbuf"
	"github.com/porpulsion/porpulsion-agent/internal/state"
	"github.com/porpulsion/porpulsion-agent/internal/tunnel"
)

type Server struct {
	agent      *agent.Agent
	registry   *state.Registry
	creds      *credentials.Store
	channels   *channel.Manager
	handshakes *handshake.Service
	tunnel     *tunnel.Tunnel
	logs       *logbuf.Buffer
	metrics    http.Handler
	logger     *slog.Logger
	selfURL    string
}

func New(ag *agent.Agent, registry *state.Registry, creds *credentials.Store, channels *channel.Manager, handshakes *handshake.Service, tun *tunnel.Tunnel, logs *logbuf.Buffer, metricsHandler http.Handler, selfURL string) *Server {
	return &Server{
		agent:      ag,
		registry:   registry,
		creds:      creds,
		channels:   channels,
		handshakes: handshakes,
		tunnel:     tun,
		logs:       logs,
		metrics:    metricsHandler,
		logger:     slog.Default().With("component", "server"),
		selfURL:    selfURL,
	}
}

// MountDashboard registers the local API.
func (s *Server) MountDashboard(mux *http.ServeMux) error {
	mux.HandleFunc("GET /api/token", s.handleToken)

	mux.HandleFunc("GET /api/peers", s.handlePeers)
	mux.HandleFunc("POST /api/peers/connect", s.handleConnect)
	mux.HandleFunc("GET /api/peers/connecting", s.handleConnecting)
	mux.HandleFunc("DELETE /api/peers/connecting", s.handleCancelConnect)
	mux.HandleFunc("GET /api/peers/inbound", s.handleInboundPeers)
	mux.HandleFunc("POST /api/peers/inbound/{name}/accept", s.handleAcceptPeer)
	mux.HandleFunc("DELETE /api/peers/inbound/{name}", s.handleRejectPeer)
	mux.HandleFunc("DELETE /api/peers/{name}", s.handleRemovePeer)

	mux.HandleFunc("GET /api/remoteapps", s.handleRemoteApps)
	mux.HandleFunc("POST /api/remoteapp", s.handleSubmit)
	mux.HandleFunc("GET /api/remoteapp/{id}/detail", s.handleDetail)
	mux.HandleFunc("PUT /api/remoteapp/{id}/spec", s.handleUpdateSpec)
	mux.HandleFunc("POST /api/remoteapp/{id}/scale", s.handleScale)
	mux.HandleFunc("DELETE /api/remoteapp/{id}", s.handleDeleteApp)
	mux.HandleFunc("GET /api/remoteapp/{id}/logs", s.handleAppLogs)
	mux.HandleFunc("/api/remoteapp/{id}/proxy/{port}/{rest...}", s.handleProxy)
	mux.HandleFunc("/api/remoteapp/{id}/proxy/{port}", s.handleProxy)

	mux.HandleFunc("GET /api/approvals", s.handleApprovals)
	mux.HandleFunc("POST /api/approvals/{id}/approve", s.handleApprove)
	mux.HandleFunc("DELETE /api/approvals/{id}", s.handleRejectApproval)

	mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	mux.HandleFunc("POST /api/settings", s.handleUpdateSettings)

	mux.HandleFunc("GET /api/notifications", s.handleNotifications)
	mux.HandleFunc("POST /api/notifications/{id}/ack", s.handleAckNotification)
	mux.HandleFunc("DELETE /api/notifications", s.handleClearNotifications)

	mux.HandleFunc("GET /api/logs", s.handleLogs)
	mux.HandleFunc("GET /api/status", s.handleStatus)

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return nil
}

// MountPeer registers the peer-facing surface.
func (s *Server) MountPeer(mux *http.ServeMux) error {
	mux.HandleFunc("POST /peer", s.handshakes.HandleInbound)
	mux.HandleFunc("GET /ws", s.channels.HandleUpgrade)
	return nil
}

// --- trust ---

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"invite_token": s.creds.CurrentInviteToken(),
		"ca_pem":       string(s.creds.CAPEM()),
		"fingerprint":  s.creds.Fingerprint(),
		"self_url":     s.selfURL,
	})
}

// --- peers ---

// peerView is a peer record plus its live channel state.
type peerView struct {
	core.Peer
	Channel core.ChannelState `json:"channel"`
}

func (s *Server) peerView(p core.Peer) peerView {
	return peerView{Peer: p, Channel: s.channels.State(p.Name)}
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	peers := s.registry.Peers()
	views := make([]peerView, 0, len(peers))
	for _, p := range peers {
		views = append(views, s.peerView(p))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name                string `json:"name"`
		URL                 string `json:"url"`
		InviteToken         string `json:"invite_token"`
		ExpectedFingerprint string `json:"expected_fingerprint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, &core.ValidationError{Message: "malformed request body"})
		return
	}
	if err := s.handshakes.Connect(req.Name, req.URL, req.InviteToken, req.ExpectedFingerprint); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "connecting"})
}

func (s *Server) handleConnecting(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.handshakes.Attempts())
}

func (s *Server) handleCancelConnect(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		s.writeError(w, &core.ValidationError{Field: "url", Message: "required"})
		return
	}
	if err := s.handshakes.CancelConnect(url); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleInboundPeers(w http.ResponseWriter, r *http.Request) {
	var pending []peerView
	for _, p := range s.registry.Peers() {
		if p.Status == core.PeerAwaitingConfirmation {
			pending = append(pending, s.peerView(p))
		}
	}
	writeJSON(w, http.StatusOK, pending)
}

func (s *Server) handleAcceptPeer(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	p, ok := s.registry.Peer(name)
	if !ok {
		s.writeError(w, &core.NotFoundError{Resource: "peer", ID: name})
		return
	}
	if p.Status == core.PeerAwaitingConfirmation {
		status := core.PeerConnecting
		if s.channels.State(name) == core.ChannelConnected {
			status = core.PeerConnected
		}
		if err := s.registry.UpdatePeer(r.Context(), name, func(p *core.Peer) {
			p.Status = status
		}); err != nil {
			s.writeError(w, err)
			return
		}
	}
	p, _ = s.registry.Peer(name)
	writeJSON(w, http.StatusOK, s.peerView(p))
}

func (s *Server) handleRejectPeer(w http.ResponseWriter, r *http.Request) {
	s.removePeer(w, r, r.PathValue("name"))
}

func (s *Server) handleRemovePeer(w http.ResponseWriter, r *http.Request) {
	s.removePeer(w, r, r.PathValue("name"))
}

func (s *Server) removePeer(w http.ResponseWriter, r *http.Request, name string) {
	if _, ok := s.registry.Peer(name); !ok {
		s.writeError(w, &core.NotFoundError{Resource: "peer", ID: name})
		return
	}
	if err := s.registry.RemovePeer(r.Context(), name); err != nil {
		s.writeError(w, err)
		return
	}
	s.channels.RemovePeer(name)
	s.logger.Info("removed peer", "peer", name)
	w.WriteHeader(http.StatusNoContent)
}

// --- remote apps ---

func (s *Server) handleRemoteApps(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]core.RemoteApp{
		"submitted": s.registry.SubmittedApps(),
		"executing": s.registry.ExecutingApps(),
	})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name       string          `json:"name"`
		TargetPeer string          `json:"target_peer"`
		Spec       json.RawMessage `json:"spec"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, &core.ValidationError{Message: "malformed request body"})
		return
	}
	app, err := s.agent.SubmitApp(r.Context(), req.Name, req.TargetPeer, req.Spec)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, app)
}

func (s *Server) handleDetail(w http.ResponseWriter, r *http.Request) {
	detail, err := s.agent.AppDetail(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleUpdateSpec(w http.ResponseWriter, r *http.Request) {
	var spec json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		s.writeError(w, &core.ValidationError{Message: "malformed request body"})
		return
	}
	app, err := s.agent.UpdateSpec(r.Context(), r.PathValue("id"), spec)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func (s *Server) handleScale(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Replicas int32 `json:"replicas"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, &core.ValidationError{Message: "malformed request body"})
		return
	}
	if err := s.agent.ScaleApp(r.Context(), r.PathValue("id"), req.Replicas); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleDeleteApp(w http.ResponseWriter, r *http.Request) {
	if err := s.agent.DeleteApp(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAppLogs(w http.ResponseWriter, r *http.Request) {
	tail, _ := strconv.Atoi(r.URL.Query().Get("tail"))
	order := r.URL.Query().Get("order")
	lines, err := s.agent.AppLogs(r.Context(), r.PathValue("id"), tail, order)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lines": lines})
}

func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	port, err := strconv.Atoi(r.PathValue("port"))
	if err != nil || port < 1 || port > 65535 {
		s.writeError(w, &core.ValidationError{Field: "port", Message: "must be 1..65535"})
		return
	}
	s.tunnel.Proxy(w, r, r.PathValue("id"), port, r.PathValue("rest"))
}

// --- approvals ---

func (s *Server) handleApprovals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Approvals())
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	if err := s.agent.Approve(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleRejectApproval(w http.ResponseWriter, r *http.Request) {
	if err := s.agent.Reject(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- settings ---

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Settings())
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var patch json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		s.writeError(w, &core.ValidationError{Message: "malformed request body"})
		return
	}
	settings, err := s.agent.UpdateSettings(r.Context(), patch)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// --- notifications ---

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Notifications())
}

func (s *Server) handleAckNotification(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.AckNotification(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleClearNotifications(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.ClearNotifications(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- diagnostics ---

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		s.writeError(w, &core.NotFoundError{Resource: "logs", ID: "buffer"})
		return
	}
	tail, _ := strconv.Atoi(r.URL.Query().Get("tail"))
	entries := s.logs.Tail(tail)

	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		for _, e := range entries {
			fmt.Fprintf(w, "%s %-5s %s", e.TS.Format("2006-01-02T15:04:05.000"), e.Level, e.Message)
			for k, v := range e.Attrs {
				fmt.Fprintf(w, " %s=%v", k, v)
			}
			fmt.Fprintln(w)
		}
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.agent.Status())
}

// --- error mapping ---

// admissionReasons are the stable rejection strings the executing side
// returns in a reply frame; the submitter surfaces them as 403.
var admissionReasons = []string{
	"inbound_disabled",
	"peer_not_allowed",
	"image_blocked",
	"image_not_allowed",
	"resource_request_required",
	"resource_limit_required",
	"per_pod_quota_exceeded",
	"max_replicas_exceeded",
	"global_quota_exceeded",
	"tunnel_denied",
}

func isAdmissionReason(msg string) bool {
	for _, reason := range admissionReasons {
		if strings.HasPrefix(msg, reason) {
			return true
		}
	}
	return false
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	kind := "internal"

	var validation *core.ValidationError
	var admission *core.AdmissionError
	var trust *core.TrustError
	var notFound *core.NotFoundError
	var conflict *core.ConflictError
	var remote *core.RemoteError

	switch {
	case errors.As(err, &validation):
		status, kind = http.StatusBadRequest, "validation"
	case errors.As(err, &admission):
		status, kind = http.StatusForbidden, admission.Reason
	case errors.As(err, &trust):
		status, kind = http.StatusUnauthorized, trust.Reason
	case errors.As(err, &notFound):
		status, kind = http.StatusNotFound, "not_found"
	case errors.As(err, &conflict):
		status, kind = http.StatusConflict, "conflict"
	case errors.As(err, &remote):
		if isAdmissionReason(remote.Msg) {
			status, kind = http.StatusForbidden, remote.Msg
		} else {
			status, kind = http.StatusBadGateway, "remote"
		}
	case errors.Is(err, core.ErrChannelDown):
		status, kind = http.StatusGatewayTimeout, "channel_down"
	case errors.Is(err, core.ErrTimeout):
		status, kind = http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, core.ErrCancelled):
		status, kind = http.StatusGatewayTimeout, "cancelled"
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "kind": kind})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
