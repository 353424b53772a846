// Package handshake implements the invite-token peering exchange:
// the responder side behind POST /peer, and the initiator side that
// keeps knocking on the remote agent until it answers, pins its CA
// fingerprint, and hands the new peer to the channel manager.
package handshake

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/porpulsion/porpulsion-agent/internal/channel"
	"github.com/porpulsion/porpulsion-agent/internal/core"
	"github.com/porpulsion/porpulsion-agent/internal/credentials"
	"github.com/porpulsion/porpulsion-agent/internal/metrics"
	"github.com/porpulsion/porpulsion-agent/internal/pki"
	"github.com/porpulsion/porpulsion-agent/internal/state"
)

const (
	// exchangeTimeout bounds one whole handshake round trip.
	exchangeTimeout = 15 * time.Second

	// maxAttempts * retryInterval is how long the initiator keeps
	// knocking before marking the attempt failed.
	maxAttempts   = 30
	retryInterval = 2 * time.Second
)

// Request is the body the initiator posts to the responder's /peer.
// expected_fingerprint lets the responder detect a mismatch before
// the invite token is redeemed, so a typo does not burn the token.
type Request struct {
	Name                string `json:"name"`
	SelfURL             string `json:"self_url"`
	CAPEM               string `json:"ca_pem"`
	InviteToken         string `json:"invite_token"`
	ExpectedFingerprint string `json:"expected_fingerprint"`
}

// Response is what the responder returns on success. The invite token
// is the freshly rotated one, so the redeemed token is dead the
// moment this leaves the wire.
type Response struct {
	Name        string `json:"name"`
	SelfURL     string `json:"self_url"`
	CAPEM       string `json:"ca_pem"`
	InviteToken string `json:"invite_token"`
}

// Attempt is the observable state of one in-flight outbound peering.
type Attempt struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	Attempts int    `json:"attempts"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
}

// Service runs both sides of the handshake.
type Service struct {
	agentName string
	selfURL   string
	creds     *credentials.Store
	registry  *state.Registry
	channels  *channel.Manager
	metrics   *metrics.Metrics
	logger    *slog.Logger
	client    *http.Client

	mu      sync.Mutex
	pending map[string]*Attempt
}

func NewService(agentName, selfURL string, creds *credentials.Store, registry *state.Registry, channels *channel.Manager, m *metrics.Metrics) *Service {
	return &Service{
		agentName: agentName,
		selfURL:   selfURL,
		creds:     creds,
		registry:  registry,
		channels:  channels,
		metrics:   m,
		logger:    slog.Default().With("component", "handshake"),
		client: &http.Client{
			Timeout: exchangeTimeout,
			Transport: &http.Transport{
				// Bootstrap-only: the peer's CA is exactly what this
				// exchange delivers, so there is nothing to verify
				// against yet. Trust comes from the out-of-band
				// fingerprint check below.
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
		pending: map[string]*Attempt{},
	}
}

// --- responder side ---

type handshakeError struct {
	status int
	kind   string
}

func (e *handshakeError) Error() string { return e.kind }

// HandleInbound serves POST /peer. On any error path no peer state is
// persisted and, except for a genuine redemption, the invite token is
// untouched.
func (s *Service) HandleInbound(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed_request")
		return
	}

	resp, err := s.accept(r.Context(), req)
	if err != nil {
		var herr *handshakeError
		status, kind := http.StatusInternalServerError, "internal_error"
		if errors.As(err, &herr) {
			status, kind = herr.status, herr.kind
		}
		s.logger.Warn("handshake rejected", "from", req.Name, "url", req.SelfURL, "kind", kind)
		writeError(w, status, kind)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Service) accept(ctx context.Context, req Request) (*Response, error) {
	if req.Name == "" || req.CAPEM == "" {
		return nil, &handshakeError{http.StatusBadRequest, "missing_fields"}
	}

	// Fingerprint sanity first: if the initiator expected someone
	// else, fail before the token is consumed.
	if req.ExpectedFingerprint != "" && req.ExpectedFingerprint != s.creds.Fingerprint() {
		s.metrics.TrustError("fingerprint_mismatch")
		s.registry.Notify(ctx, core.LevelWarn, "Handshake rejected",
			fmt.Sprintf("fingerprint_mismatch: %s expected a different agent", req.Name))
		return nil, &handshakeError{http.StatusConflict, "fingerprint_mismatch"}
	}

	fp, err := pki.Fingerprint([]byte(req.CAPEM))
	if err != nil {
		return nil, &handshakeError{http.StatusBadRequest, "invalid_ca"}
	}

	if existing, ok := s.registry.PeerByFingerprint(fp); ok && existing.Name != req.Name {
		s.metrics.TrustError("fingerprint_collision")
		return nil, &handshakeError{http.StatusConflict, "fingerprint_collision"}
	}
	if existing, ok := s.registry.Peer(req.Name); ok && existing.CAFingerprint != fp {
		return nil, &handshakeError{http.StatusConflict, "name_taken"}
	}

	if err := s.creds.Redeem(ctx, req.InviteToken); err != nil {
		s.metrics.TrustError("invite_token_invalid")
		s.registry.Notify(ctx, core.LevelWarn, "Handshake rejected",
			fmt.Sprintf("invalid invite token presented by %s (%s)", req.Name, req.SelfURL))
		return nil, &handshakeError{http.StatusUnauthorized, "invite_token_invalid"}
	}

	peer := core.Peer{
		Name:          req.Name,
		URL:           req.SelfURL,
		CAPEM:         req.CAPEM,
		CAFingerprint: fp,
		Status:        core.PeerAwaitingConfirmation,
	}
	if err := s.registry.UpsertPeer(ctx, peer); err != nil {
		return nil, fmt.Errorf("persist peer: %w", err)
	}

	s.logger.Info("peer handshake accepted", "peer", req.Name, "fingerprint", fp)
	s.channels.EnsurePeer(req.Name)

	return &Response{
		Name:        s.agentName,
		SelfURL:     s.selfURL,
		CAPEM:       string(s.creds.CAPEM()),
		InviteToken: s.creds.CurrentInviteToken(),
	}, nil
}

// --- initiator side ---

// Connect starts an asynchronous peering attempt towards peerURL.
// The attempt keeps retrying while the remote is unreachable and is
// observable through Attempts until it succeeds, fails, or is
// cancelled.
func (s *Service) Connect(name, peerURL, inviteToken, expectedFingerprint string) error {
	if peerURL == "" || inviteToken == "" {
		return &core.ValidationError{Field: "url", Message: "url and invite_token are required"}
	}
	if expectedFingerprint == "" {
		return &core.ValidationError{Field: "expected_fingerprint", Message: "required"}
	}

	s.mu.Lock()
	if _, ok := s.pending[peerURL]; ok {
		s.mu.Unlock()
		return &core.ConflictError{Resource: "peering attempt", ID: peerURL}
	}
	att := &Attempt{Name: name, URL: peerURL, Status: "connecting"}
	s.pending[peerURL] = att
	s.mu.Unlock()

	go s.connectLoop(att, name, peerURL, inviteToken, expectedFingerprint)
	return nil
}

// CancelConnect aborts an in-flight outbound attempt.
func (s *Service) CancelConnect(peerURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[peerURL]; !ok {
		return &core.NotFoundError{Resource: "peering attempt", ID: peerURL}
	}
	delete(s.pending, peerURL)
	return nil
}

// Attempts lists in-flight and recently failed outbound attempts.
func (s *Service) Attempts() []Attempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Attempt, 0, len(s.pending))
	for _, a := range s.pending {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

func (s *Service) connectLoop(att *Attempt, name, peerURL, inviteToken, expectedFingerprint string) {
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		s.mu.Lock()
		if s.pending[peerURL] != att {
			s.mu.Unlock()
			s.logger.Info("peering cancelled", "url", peerURL)
			return
		}
		att.Attempts = attempt
		s.mu.Unlock()

		done, err := s.exchange(name, peerURL, inviteToken, expectedFingerprint)
		if done {
			s.finish(att, peerURL, err)
			return
		}
		s.logger.Debug("peer not reachable yet", "url", peerURL, "attempt", attempt, "error", err)
		time.Sleep(retryInterval)
	}
	s.finish(att, peerURL, fmt.Errorf("peer did not respond after %d attempts", maxAttempts))
}

func (s *Service) finish(att *Attempt, peerURL string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending[peerURL] != att {
		return
	}
	if err == nil {
		delete(s.pending, peerURL)
		return
	}
	// Keep failed attempts visible so the UI can offer a retry.
	att.Status = "failed"
	att.Error = err.Error()
}

// exchange performs one handshake round trip. The bool reports
// whether the attempt is finished (success or permanent failure);
// false means the remote was unreachable and the loop should retry.
func (s *Service) exchange(name, peerURL, inviteToken, expectedFingerprint string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), exchangeTimeout)
	defer cancel()

	body, err := json.Marshal(Request{
		Name:                s.agentName,
		SelfURL:             s.selfURL,
		CAPEM:               string(s.creds.CAPEM()),
		InviteToken:         inviteToken,
		ExpectedFingerprint: expectedFingerprint,
	})
	if err != nil {
		return true, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, peerURL+"/peer", bytes.NewReader(body))
	if err != nil {
		return true, fmt.Errorf("build handshake request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := s.client.Do(req)
	if err != nil {
		// Unreachable: keep knocking.
		return false, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		kind := readErrorKind(httpResp.Body)
		s.metrics.TrustError(kind)
		s.registry.Notify(context.Background(), core.LevelWarn, "Peering failed",
			fmt.Sprintf("%s rejected the handshake: %s", peerURL, kind))
		return true, &core.TrustError{Reason: kind}
	}

	var resp Response
	if err := json.NewDecoder(io.LimitReader(httpResp.Body, 1<<20)).Decode(&resp); err != nil {
		return true, fmt.Errorf("decode handshake response: %w", err)
	}

	// The out-of-band fingerprint is the whole trust anchor: verify
	// it against what the peer actually presented before anything is
	// stored.
	fp, err := pki.Fingerprint([]byte(resp.CAPEM))
	if err != nil {
		return true, &core.TrustError{Reason: "invalid_ca", Peer: resp.Name}
	}
	if fp != expectedFingerprint {
		s.metrics.TrustError("fingerprint_mismatch")
		s.registry.Notify(context.Background(), core.LevelWarn, "Peering aborted",
			fmt.Sprintf("fingerprint_mismatch for %s: expected %s got %s", peerURL, expectedFingerprint, fp))
		return true, &core.TrustError{Reason: "fingerprint_mismatch", Peer: resp.Name}
	}

	peerName := name
	if peerName == "" {
		peerName = resp.Name
	}
	peer := core.Peer{
		Name:          peerName,
		URL:           peerURL,
		CAPEM:         resp.CAPEM,
		CAFingerprint: fp,
		Status:        core.PeerConnecting,
	}
	if resp.SelfURL != "" {
		peer.URL = resp.SelfURL
	}
	if err := s.registry.UpsertPeer(context.Background(), peer); err != nil {
		return true, err
	}

	s.logger.Info("peered", "peer", peerName, "url", peer.URL, "fingerprint", fp)
	s.channels.EnsurePeer(peerName)
	return true, nil
}

func writeError(w http.ResponseWriter, status int, kind string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": kind, "kind": kind})
}

func readErrorKind(r io.Reader) string {
	var body struct {
		Kind string `json:"kind"`
	}
	if err := json.NewDecoder(io.LimitReader(r, 4096)).Decode(&body); err != nil || body.Kind == "" {
		return "handshake_rejected"
	}
	return body.Kind
}
