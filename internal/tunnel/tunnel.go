// Package tunnel bridges HTTP between clusters over the peer channel:
// the submitter side turns a dashboard request into a proxy/http
// frame, the executor side forwards it to a ready pod and streams the
// response back as proxy/chunk pushes. No second transport, no extra
// firewall holes.
package tunnel

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/porpulsion/porpulsion-agent/internal/channel"
	"github.com/porpulsion/porpulsion-agent/internal/core"
	"github.com/porpulsion/porpulsion-agent/internal/executor"
	"github.com/porpulsion/porpulsion-agent/internal/metrics"
	"github.com/porpulsion/porpulsion-agent/internal/state"
)

const (
	// idleTimeout caps the gap between response chunks; totalTimeout
	// caps the whole proxied exchange.
	idleTimeout  = 60 * time.Second
	totalTimeout = 300 * time.Second

	chunkSize   = 32 * 1024
	maxBodySize = 10 << 20
)

// hopByHop are the headers stripped in both directions. Content-Length
// is dropped too; the streamed side is chunked and the forwarded side
// recomputed.
var hopByHop = map[string]bool{
	"Host":                true,
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Proxy-Connection":    true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Content-Length":      true,
}

// httpRequest is the proxy/http request payload.
type httpRequest struct {
	ID       string              `json:"id"`
	StreamID string              `json:"stream_id"`
	Port     int                 `json:"port"`
	Method   string              `json:"method"`
	Path     string              `json:"path"`
	Query    string              `json:"query"`
	Headers  map[string][]string `json:"headers"`
	BodyB64  string              `json:"body_b64,omitempty"`
}

// chunk is one proxy/chunk push. Status and Headers ride on the first
// frame of a stream only.
type chunk struct {
	StreamID string              `json:"stream_id"`
	Status   int                 `json:"status,omitempty"`
	Headers  map[string][]string `json:"headers,omitempty"`
	ChunkB64 string              `json:"chunk_b64,omitempty"`
	Final    bool                `json:"final"`
	Error    string              `json:"error,omitempty"`
}

type cancelFrame struct {
	StreamID string `json:"stream_id"`
}

// Tunnel runs both ends of the proxy.
type Tunnel struct {
	registry *state.Registry
	channels *channel.Manager
	exec     *executor.Executor
	metrics  *metrics.Metrics
	logger   *slog.Logger
	client   *http.Client

	mu      sync.Mutex
	streams map[string]chan chunk          // submitter side: stream_id -> inbound chunks
	serving map[string]context.CancelFunc  // executor side: stream_id -> abort
	rr      map[string]int                 // executor side: app id -> round-robin cursor
}

func New(registry *state.Registry, channels *channel.Manager, exec *executor.Executor, m *metrics.Metrics) *Tunnel {
	return &Tunnel{
		registry: registry,
		channels: channels,
		exec:     exec,
		metrics:  m,
		logger:   slog.Default().With("component", "tunnel"),
		client: &http.Client{
			// Per-request deadlines come from the stream context.
			Timeout: 0,
		},
		streams: map[string]chan chunk{},
		serving: map[string]context.CancelFunc{},
		rr:      map[string]int{},
	}
}

// Register mounts the tunnel's channel handlers on the router.
func (t *Tunnel) Register(router *channel.Router) {
	router.OnRequest("proxy/http", t.handleProxyRequest)
	router.OnPush("proxy/chunk", t.handleChunk)
	router.OnPush("proxy/cancel", t.handleCancel)
}

// --- submitter side ---

// Proxy serves one dashboard request against the app's pods, crossing
// the channel when the app executes on a peer.
func (t *Tunnel) Proxy(w http.ResponseWriter, r *http.Request, appID string, port int, rest string) {
	app, ok := t.registry.App(appID)
	if !ok {
		http.Error(w, "remoteapp not found", http.StatusNotFound)
		return
	}

	if app.Origin == core.OriginExecuting {
		// The workload runs in this cluster; no peer hop.
		t.serveLocal(w, r, appID, port, rest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "read request body", http.StatusBadRequest)
		return
	}

	streamID := newStreamID()
	req := httpRequest{
		ID:       appID,
		StreamID: streamID,
		Port:     port,
		Method:   r.Method,
		Path:     rest,
		Query:    r.URL.RawQuery,
		Headers:  filterHeaders(r.Header),
	}
	if len(body) > 0 {
		req.BodyB64 = base64.StdEncoding.EncodeToString(body)
	}

	ch := make(chan chunk, 64)
	t.mu.Lock()
	t.streams[streamID] = ch
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.streams, streamID)
		t.mu.Unlock()
	}()

	sendCtx, cancel := context.WithTimeout(r.Context(), totalTimeout)
	defer cancel()
	if _, err := t.channels.Send(sendCtx, app.TargetPeer, "proxy/http", req); err != nil {
		t.writeSendError(w, err)
		return
	}
	t.metrics.ProxiedRequest(app.TargetPeer)

	t.streamToClient(w, r, app.TargetPeer, streamID, ch)
}

func (t *Tunnel) writeSendError(w http.ResponseWriter, err error) {
	var remote *core.RemoteError
	if errors.As(err, &remote) {
		if remote.Msg == "tunnel_denied" {
			http.Error(w, "tunnel_denied", http.StatusForbidden)
			return
		}
		http.Error(w, remote.Msg, http.StatusBadGateway)
		return
	}
	if core.IsTransport(err) {
		http.Error(w, err.Error(), http.StatusGatewayTimeout)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

// streamToClient relays chunk pushes to the HTTP response until the
// final frame, an idle gap, the total deadline, or the client hanging
// up, whichever comes first.
func (t *Tunnel) streamToClient(w http.ResponseWriter, r *http.Request, peer, streamID string, ch chan chunk) {
	flusher, _ := w.(http.Flusher)
	total := time.NewTimer(totalTimeout)
	defer total.Stop()
	idle := time.NewTimer(idleTimeout)
	defer idle.Stop()

	started := false
	for {
		select {
		case c := <-ch:
			idle.Reset(idleTimeout)
			if c.Error != "" {
				if !started {
					status := http.StatusBadGateway
					if c.Error == "tunnel_denied" {
						status = http.StatusForbidden
					}
					http.Error(w, c.Error, status)
				}
				return
			}
			if !started {
				for k, vals := range c.Headers {
					if hopByHop[http.CanonicalHeaderKey(k)] {
						continue
					}
					for _, v := range vals {
						w.Header().Add(k, v)
					}
				}
				status := c.Status
				if status == 0 {
					status = http.StatusOK
				}
				w.WriteHeader(status)
				started = true
			}
			if c.ChunkB64 != "" {
				data, err := base64.StdEncoding.DecodeString(c.ChunkB64)
				if err != nil {
					t.logger.Warn("malformed chunk", "stream", streamID, "error", err)
					return
				}
				if _, err := w.Write(data); err != nil {
					t.pushCancel(peer, streamID)
					return
				}
				if flusher != nil {
					flusher.Flush()
				}
			}
			if c.Final {
				return
			}
		case <-idle.C:
			t.pushCancel(peer, streamID)
			if !started {
				http.Error(w, "tunnel idle timeout", http.StatusGatewayTimeout)
			}
			return
		case <-total.C:
			t.pushCancel(peer, streamID)
			if !started {
				http.Error(w, "tunnel total timeout", http.StatusGatewayTimeout)
			}
			return
		case <-r.Context().Done():
			t.pushCancel(peer, streamID)
			return
		}
	}
}

func (t *Tunnel) pushCancel(peer, streamID string) {
	if err := t.channels.Push(peer, "proxy/cancel", cancelFrame{StreamID: streamID}); err != nil {
		t.logger.Debug("cancel push failed", "stream", streamID, "error", err)
	}
}

// handleChunk routes an inbound proxy/chunk push to its waiting
// stream. Chunks for unknown streams are dropped; the executor stops
// on the cancel push that follows.
func (t *Tunnel) handleChunk(ctx context.Context, peer string, payload json.RawMessage) {
	var c chunk
	if err := json.Unmarshal(payload, &c); err != nil || c.StreamID == "" {
		return
	}
	t.mu.Lock()
	ch, ok := t.streams[c.StreamID]
	t.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- c:
	case <-ctx.Done():
	}
}

// --- executor side ---

// handleProxyRequest admits and launches one proxied request. The
// reply only acknowledges acceptance; the response itself follows as
// proxy/chunk pushes.
func (t *Tunnel) handleProxyRequest(ctx context.Context, peer string, payload json.RawMessage) (any, error) {
	var req httpRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("malformed proxy request: %v", err)
	}

	settings := t.registry.Settings()
	if !settings.AllowInboundTunnels {
		return nil, errors.New("tunnel_denied")
	}
	if !core.TunnelAllowed(settings.AllowedTunnelPeers, peer, req.ID) {
		return nil, errors.New("tunnel_denied")
	}

	app, ok := t.registry.App(req.ID)
	if !ok || app.Origin != core.OriginExecuting || app.SourcePeer != peer {
		return nil, errors.New("tunnel_denied")
	}

	ips, err := t.exec.ReadyPodIPs(ctx, req.ID)
	if err != nil {
		return nil, fmt.Errorf("resolve pods: %v", err)
	}
	if len(ips) == 0 {
		return nil, errors.New("no_ready_pods")
	}

	t.mu.Lock()
	ip := ips[t.rr[req.ID]%len(ips)]
	t.rr[req.ID]++
	streamCtx, cancel := context.WithTimeout(context.Background(), totalTimeout)
	t.serving[req.StreamID] = cancel
	t.mu.Unlock()

	t.metrics.ProxiedRequest(peer)
	go t.serveStream(streamCtx, peer, ip, req)

	return map[string]bool{"accepted": true}, nil
}

// serveStream forwards the request to the pod and pushes the response
// back in chunks, status and headers on the first frame.
func (t *Tunnel) serveStream(ctx context.Context, peer, ip string, req httpRequest) {
	defer func() {
		t.mu.Lock()
		if cancel, ok := t.serving[req.StreamID]; ok {
			cancel()
			delete(t.serving, req.StreamID)
		}
		t.mu.Unlock()
	}()

	fail := func(msg string) {
		_ = t.channels.Push(peer, "proxy/chunk", chunk{StreamID: req.StreamID, Error: msg, Final: true})
	}

	var body io.Reader
	if req.BodyB64 != "" {
		data, err := base64.StdEncoding.DecodeString(req.BodyB64)
		if err != nil {
			fail("malformed request body")
			return
		}
		body = strings.NewReader(string(data))
	}

	target := fmt.Sprintf("http://%s:%d/%s", ip, req.Port, strings.TrimPrefix(req.Path, "/"))
	if req.Query != "" {
		target += "?" + req.Query
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		fail(fmt.Sprintf("build request: %v", err))
		return
	}
	for k, vals := range req.Headers {
		if hopByHop[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vals {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		fail(fmt.Sprintf("pod request failed: %v", err))
		return
	}
	defer resp.Body.Close()

	first := chunk{
		StreamID: req.StreamID,
		Status:   resp.StatusCode,
		Headers:  filterHeaders(resp.Header),
	}

	buf := make([]byte, chunkSize)
	for {
		n, readErr := resp.Body.Read(buf)
		out := first
		first = chunk{StreamID: req.StreamID}
		if n > 0 {
			out.ChunkB64 = base64.StdEncoding.EncodeToString(buf[:n])
		}
		if readErr == io.EOF {
			out.Final = true
		} else if readErr != nil {
			out.Error = readErr.Error()
			out.Final = true
		}
		if out.ChunkB64 == "" && !out.Final && out.Status == 0 {
			continue
		}
		if err := t.channels.Push(peer, "proxy/chunk", out); err != nil {
			t.logger.Debug("stream push failed", "stream", req.StreamID, "error", err)
			return
		}
		if out.Final {
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// handleCancel aborts an executor-side stream the requester gave up
// on.
func (t *Tunnel) handleCancel(ctx context.Context, peer string, payload json.RawMessage) {
	var c cancelFrame
	if err := json.Unmarshal(payload, &c); err != nil || c.StreamID == "" {
		return
	}
	t.mu.Lock()
	cancel, ok := t.serving[c.StreamID]
	t.mu.Unlock()
	if ok {
		cancel()
	}
}

// --- local path ---

// serveLocal proxies directly to a pod in this cluster, for apps that
// execute here.
func (t *Tunnel) serveLocal(w http.ResponseWriter, r *http.Request, appID string, port int, rest string) {
	ctx, cancel := context.WithTimeout(r.Context(), totalTimeout)
	defer cancel()

	ips, err := t.exec.ReadyPodIPs(ctx, appID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	if len(ips) == 0 {
		http.Error(w, "no_ready_pods", http.StatusBadGateway)
		return
	}
	t.mu.Lock()
	ip := ips[t.rr[appID]%len(ips)]
	t.rr[appID]++
	t.mu.Unlock()

	target := fmt.Sprintf("http://%s:%d/%s", ip, port, strings.TrimPrefix(rest, "/"))
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, target, io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	for k, vals := range filterHeaders(r.Header) {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()
	t.metrics.ProxiedRequest("local")

	for k, vals := range filterHeaders(resp.Header) {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, chunkSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			return
		}
	}
}

func filterHeaders(h http.Header) map[string][]string {
	out := map[string][]string{}
	for k, vals := range h {
		if hopByHop[http.CanonicalHeaderKey(k)] {
			continue
		}
		out[k] = append([]string(nil), vals...)
	}
	return out
}

// newStreamID returns a 128-bit random hex stream identifier.
func newStreamID() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(fmt.Sprintf("tunnel: stream id entropy unavailable: %v", err))
	}
	return hex.EncodeToString(buf[:])
}
