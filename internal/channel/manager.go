package channel

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/porpulsion/porpulsion-agent/internal/core"
	"github.com/porpulsion/porpulsion-agent/internal/credentials"
	"github.com/porpulsion/porpulsion-agent/internal/metrics"
	"github.com/porpulsion/porpulsion-agent/internal/pki"
	"github.com/porpulsion/porpulsion-agent/internal/state"
)

const (
	backoffBase = 2 * time.Second
	backoffMax  = 30 * time.Second

	// caHeader carries the dialer's CA PEM, base64-encoded, at
	// upgrade time. Fingerprint-pinned application-layer auth instead
	// of TLS client certs, because ingresses strip those.
	caHeader = "X-Agent-Ca"
)

// Manager owns every live peer channel and the dial loops that keep
// them alive. It is the only component that touches the WebSockets.
type Manager struct {
	registry *state.Registry
	creds    *credentials.Store
	router   *Router
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	conns    map[string]*conn
	dialers  map[string]context.CancelFunc
	upgrader websocket.Upgrader

	hookMu    sync.RWMutex
	onConnect []func(peer string)
}

func NewManager(registry *state.Registry, creds *credentials.Store, router *Router, m *metrics.Metrics) *Manager {
	return &Manager{
		registry: registry,
		creds:    creds,
		router:   router,
		metrics:  m,
		logger:   slog.Default().With("component", "channel"),
		conns:    map[string]*conn{},
		dialers:  map[string]context.CancelFunc{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			// Peer auth happens via the pinned CA header, not Origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// OnConnect registers a hook invoked each time a peer channel comes
// up, on the manager's goroutine for that channel.
func (m *Manager) OnConnect(hook func(peer string)) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.onConnect = append(m.onConnect, hook)
}

// Start begins dial loops for every known peer and blocks until ctx
// is cancelled. It satisfies the transport Listener contract.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	for _, p := range m.registry.Peers() {
		m.EnsurePeer(p.Name)
	}

	<-ctx.Done()
	return nil
}

// Stop says goodbye on every live channel and tears everything down.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	conns := make([]*conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	for _, cancel := range m.dialers {
		cancel()
	}
	m.dialers = map[string]context.CancelFunc{}
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()

	for _, c := range conns {
		_ = c.push("peer/goodbye", struct{}{})
		// Give the writer a moment to flush the goodbye.
		time.Sleep(50 * time.Millisecond)
		c.close()
	}
	return nil
}

// EnsurePeer starts the dial loop for the named peer if it is not
// already running.
func (m *Manager) EnsurePeer(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx == nil || m.ctx.Err() != nil {
		return
	}
	if _, running := m.dialers[name]; running {
		return
	}
	ctx, cancel := context.WithCancel(m.ctx)
	m.dialers[name] = cancel
	go m.dialLoop(ctx, name)
}

// RemovePeer stops reconnection and closes the live channel. All
// outstanding sends for the peer fail with channel_down.
func (m *Manager) RemovePeer(name string) {
	m.mu.Lock()
	if cancel, ok := m.dialers[name]; ok {
		cancel()
		delete(m.dialers, name)
	}
	c := m.conns[name]
	delete(m.conns, name)
	m.mu.Unlock()
	if c != nil {
		c.close()
	}
}

// State reports the live channel state for one peer.
func (m *Manager) State(name string) core.ChannelState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conns[name]; ok && !c.closed() {
		return core.ChannelConnected
	}
	return core.ChannelDisconnected
}

// Send issues a request on the peer's channel and awaits the reply.
func (m *Manager) Send(ctx context.Context, peer, typ string, payload any) (json.RawMessage, error) {
	c := m.liveConn(peer)
	if c == nil {
		return nil, core.ErrChannelDown
	}
	return c.send(ctx, typ, payload)
}

// Push enqueues a fire-and-forget frame on the peer's channel.
func (m *Manager) Push(peer, typ string, payload any) error {
	c := m.liveConn(peer)
	if c == nil {
		return core.ErrChannelDown
	}
	return c.push(typ, payload)
}

func (m *Manager) liveConn(peer string) *conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conns[peer]; ok && !c.closed() {
		return c
	}
	return nil
}

// --- inbound ---

// HandleUpgrade authenticates and accepts an inbound channel on
// GET /ws. The dialer presents its CA PEM in the X-Agent-Ca header;
// it must fingerprint-match a pinned peer.
func (m *Manager) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	raw := r.Header.Get(caHeader)
	if raw == "" {
		m.metrics.TrustError("missing_ca_header")
		http.Error(w, "missing "+caHeader, http.StatusUnauthorized)
		return
	}
	caPEM, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		m.metrics.TrustError("bad_ca_header")
		http.Error(w, "malformed "+caHeader, http.StatusUnauthorized)
		return
	}
	fp, err := pki.Fingerprint(caPEM)
	if err != nil {
		m.metrics.TrustError("bad_ca_pem")
		http.Error(w, "invalid CA certificate", http.StatusUnauthorized)
		return
	}

	peer, ok := m.registry.PeerByFingerprint(fp)
	if !ok {
		m.metrics.TrustError("unknown_ca")
		m.registry.Notify(r.Context(), core.LevelWarn, "Channel rejected",
			fmt.Sprintf("upgrade with unknown CA fingerprint %s from %s", fp, r.RemoteAddr))
		http.Error(w, "unknown CA", http.StatusUnauthorized)
		return
	}

	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("websocket upgrade failed", "peer", peer.Name, "error", err)
		return
	}

	m.logger.Info("inbound channel established", "peer", peer.Name)
	m.serve(peer.Name, ws)
}

// serve attaches a fresh connection, resolving the simultaneous-dial
// race: the newer connection always replaces the older one, on both
// sides, which converges in one round.
func (m *Manager) serve(peerName string, ws *websocket.Conn) {
	c := newConn(peerName, ws, m.router, m.metrics)

	m.mu.Lock()
	baseCtx := m.ctx
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	if old, ok := m.conns[peerName]; ok {
		old.close()
	}
	m.conns[peerName] = c
	m.mu.Unlock()

	if err := m.registry.MarkPeerConnected(baseCtx, peerName); err != nil {
		m.logger.Warn("failed to mark peer connected", "peer", peerName, "error", err)
	}
	m.runHooks(peerName)

	// Ensure the dial loop exists so the peer is re-dialed when this
	// inbound connection drops.
	m.EnsurePeer(peerName)

	c.run(baseCtx)

	m.mu.Lock()
	if m.conns[peerName] == c {
		delete(m.conns, peerName)
	}
	m.mu.Unlock()
	m.logger.Info("channel closed", "peer", peerName)
}

func (m *Manager) runHooks(peerName string) {
	m.hookMu.RLock()
	hooks := make([]func(string), len(m.onConnect))
	copy(hooks, m.onConnect)
	m.hookMu.RUnlock()
	for _, h := range hooks {
		h(peerName)
	}
}

// --- outbound ---

func (m *Manager) dialLoop(ctx context.Context, peerName string) {
	b := newBackoff(backoffBase, backoffMax)
	notified := false

	for {
		if ctx.Err() != nil {
			return
		}

		// An inbound connection may already serve this peer; park
		// until it drops instead of racing it.
		if c := m.liveConn(peerName); c != nil {
			select {
			case <-c.done:
			case <-ctx.Done():
				return
			}
			continue
		}

		peer, ok := m.registry.Peer(peerName)
		if !ok {
			return
		}
		if peer.URL == "" {
			// Nothing to dial; this side only accepts inbound.
			return
		}

		m.metrics.Reconnect(peerName)
		ws, err := m.dial(ctx, peer)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := b.Next()
			m.logger.Warn("channel dial failed", "peer", peerName, "error", err, "retry_in", delay)
			if b.Exhausted() && !notified {
				notified = true
				m.registry.Notify(ctx, core.LevelWarn, "Peer unreachable",
					fmt.Sprintf("cannot reach %s at %s: %v", peerName, peer.URL, err))
			}
			if !sleepCtx(ctx, delay) {
				return
			}
			continue
		}

		b.Reset()
		notified = false
		m.logger.Info("outbound channel established", "peer", peerName)
		m.serve(peerName, ws)

		if ctx.Err() != nil {
			return
		}
		if !sleepCtx(ctx, b.Next()) {
			return
		}
	}
}

// dial opens the peer's /ws endpoint, trusting only the peer's pinned
// CA for the TLS handshake and presenting our own CA for the
// application-layer auth.
func (m *Manager) dial(ctx context.Context, peer core.Peer) (*websocket.Conn, error) {
	wsURL, err := channelURL(peer.URL)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   32 * 1024,
		WriteBufferSize:  32 * 1024,
	}
	if strings.HasPrefix(wsURL, "wss://") {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM([]byte(peer.CAPEM)) {
			return nil, fmt.Errorf("pinned CA for %s is not a valid certificate", peer.Name)
		}
		dialer.TLSClientConfig = &tls.Config{RootCAs: pool}
	}

	header := http.Header{}
	header.Set(caHeader, base64.StdEncoding.EncodeToString(m.creds.CAPEM()))

	ws, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			m.metrics.TrustError("upgrade_rejected")
			return nil, fmt.Errorf("peer rejected channel auth: %w", err)
		}
		return nil, err
	}
	return ws, nil
}

// channelURL maps the peer's base URL to its WebSocket endpoint:
// https becomes wss, http becomes ws, path /ws.
func channelURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse peer url %q: %w", base, err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("peer url %q: unsupported scheme %q", base, u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}
