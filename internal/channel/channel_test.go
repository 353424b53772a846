package channel

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/porpulsion/porpulsion-agent/internal/core"
	"github.com/porpulsion/porpulsion-agent/internal/credentials"
	"github.com/porpulsion/porpulsion-agent/internal/state"
	"github.com/porpulsion/porpulsion-agent/internal/storage"
)

type testAgent struct {
	name     string
	creds    *credentials.Store
	registry *state.Registry
	router   *Router
	manager  *Manager
}

func newTestAgent(t *testing.T, name string) *testAgent {
	t.Helper()
	creds := credentials.NewStore(storage.NewMemoryBlob(), name)
	if err := creds.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	registry := state.NewRegistry(storage.NewMemoryBlob(), storage.NewMemoryBlob())
	if err := registry.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	router := NewRouter()
	return &testAgent{
		name:     name,
		creds:    creds,
		registry: registry,
		router:   router,
		manager:  NewManager(registry, creds, router, nil),
	}
}

// pairAgents pins a and b to each other. Only a dials (b has no URL
// for a), so the test topology is deterministic.
func pairAgents(t *testing.T, a, b *testAgent, bURL string) {
	t.Helper()
	ctx := context.Background()
	if err := a.registry.UpsertPeer(ctx, core.Peer{
		Name:          b.name,
		URL:           bURL,
		CAPEM:         string(b.creds.CAPEM()),
		CAFingerprint: b.creds.Fingerprint(),
		Status:        core.PeerConnecting,
	}); err != nil {
		t.Fatal(err)
	}
	if err := b.registry.UpsertPeer(ctx, core.Peer{
		Name:          a.name,
		CAPEM:         string(a.creds.CAPEM()),
		CAFingerprint: a.creds.Fingerprint(),
		Status:        core.PeerAwaitingConfirmation,
	}); err != nil {
		t.Fatal(err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

// startPair brings up a connected a→b channel over an httptest server
// and returns after both managers report it live.
func startPair(t *testing.T) (a, b *testAgent) {
	t.Helper()
	a, b = newTestAgent(t, "a"), newTestAgent(t, "b")

	srv := httptest.NewServer(http.HandlerFunc(b.manager.HandleUpgrade))
	t.Cleanup(srv.Close)

	pairAgents(t, a, b, srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go a.manager.Start(ctx)
	go b.manager.Start(ctx)
	t.Cleanup(func() {
		a.manager.Stop(context.Background())
		b.manager.Stop(context.Background())
	})

	waitFor(t, 5*time.Second, func() bool {
		return a.manager.State("b") == core.ChannelConnected &&
			b.manager.State("a") == core.ChannelConnected
	}, "channel never connected")
	return a, b
}

func TestChannelURL(t *testing.T) {
	tests := []struct {
		base    string
		want    string
		wantErr bool
	}{
		{base: "https://b.example", want: "wss://b.example/ws"},
		{base: "http://10.0.0.5:8470", want: "ws://10.0.0.5:8470/ws"},
		{base: "https://b.example/agent/", want: "wss://b.example/agent/ws"},
		{base: "ftp://b.example", wantErr: true},
	}
	for _, tt := range tests {
		got, err := channelURL(tt.base)
		if tt.wantErr {
			if err == nil {
				t.Errorf("channelURL(%q) error = nil", tt.base)
			}
			continue
		}
		if err != nil {
			t.Errorf("channelURL(%q) error = %v", tt.base, err)
			continue
		}
		if got != tt.want {
			t.Errorf("channelURL(%q) = %q, want %q", tt.base, got, tt.want)
		}
	}
}

func TestBackoffLadder(t *testing.T) {
	b := newBackoff(2*time.Second, 30*time.Second)
	want := []time.Duration{2, 4, 8, 16, 30, 30}
	for i, w := range want {
		if got := b.Next(); got != w*time.Second {
			t.Errorf("Next() #%d = %v, want %v", i, got, w*time.Second)
		}
	}
	if !b.Exhausted() {
		t.Error("Exhausted() = false at cap")
	}
	b.Reset()
	if got := b.Next(); got != 2*time.Second {
		t.Errorf("Next() after Reset = %v, want 2s", got)
	}
}

func TestRequestReply(t *testing.T) {
	a, b := startPair(t)

	b.router.OnRequest("peer/ping", func(ctx context.Context, peer string, payload json.RawMessage) (any, error) {
		if peer != "a" {
			t.Errorf("handler peer = %q, want a", peer)
		}
		return map[string]bool{"pong": true}, nil
	})

	reply, err := a.manager.Send(context.Background(), "b", "peer/ping", struct{}{})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	var out struct {
		Pong bool `json:"pong"`
	}
	if err := json.Unmarshal(reply, &out); err != nil || !out.Pong {
		t.Errorf("reply = %s, err = %v", reply, err)
	}
}

func TestRemoteErrorReply(t *testing.T) {
	a, b := startPair(t)

	b.router.OnRequest("remoteapp/create", func(context.Context, string, json.RawMessage) (any, error) {
		return nil, errors.New("boom")
	})

	_, err := a.manager.Send(context.Background(), "b", "remoteapp/create", struct{}{})
	var remote *core.RemoteError
	if !errors.As(err, &remote) || remote.Msg != "boom" {
		t.Fatalf("Send() error = %v, want RemoteError(boom)", err)
	}
}

func TestUnknownRequestType(t *testing.T) {
	a, _ := startPair(t)

	_, err := a.manager.Send(context.Background(), "b", "no/such", struct{}{})
	var remote *core.RemoteError
	if !errors.As(err, &remote) || !strings.Contains(remote.Msg, "unknown type") {
		t.Fatalf("Send() error = %v, want unknown type remote error", err)
	}
}

func TestPushDelivery(t *testing.T) {
	a, b := startPair(t)

	got := make(chan json.RawMessage, 1)
	b.router.OnPush("remoteapp/status", func(ctx context.Context, peer string, payload json.RawMessage) {
		got <- payload
	})

	if err := a.manager.Push("b", "remoteapp/status", map[string]string{"id": "x", "status": "Ready"}); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	select {
	case payload := <-got:
		var p map[string]string
		if err := json.Unmarshal(payload, &p); err != nil || p["status"] != "Ready" {
			t.Errorf("push payload = %s", payload)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("push never arrived")
	}
}

func TestSendDeadline(t *testing.T) {
	a, b := startPair(t)

	b.router.OnRequest("slow", func(ctx context.Context, _ string, _ json.RawMessage) (any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Second):
			return struct{}{}, nil
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := a.manager.Send(ctx, "b", "slow", struct{}{})
	if !errors.Is(err, core.ErrTimeout) {
		t.Fatalf("Send() error = %v, want timeout", err)
	}
}

func TestSendCancelled(t *testing.T) {
	a, b := startPair(t)

	started := make(chan struct{})
	b.router.OnRequest("slow", func(ctx context.Context, _ string, _ json.RawMessage) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := a.manager.Send(ctx, "b", "slow", struct{}{})
		errCh <- err
	}()

	<-started
	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, core.ErrCancelled) {
			t.Fatalf("Send() error = %v, want cancelled", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Send never returned after cancel")
	}
}

func TestSendChannelDown(t *testing.T) {
	a := newTestAgent(t, "a")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.manager.Start(ctx)

	_, err := a.manager.Send(context.Background(), "nobody", "peer/ping", struct{}{})
	if !errors.Is(err, core.ErrChannelDown) {
		t.Fatalf("Send() error = %v, want channel_down", err)
	}
	if err := a.manager.Push("nobody", "x", struct{}{}); !errors.Is(err, core.ErrChannelDown) {
		t.Fatalf("Push() error = %v, want channel_down", err)
	}
}

func TestUpgradeRejectsUnknownCA(t *testing.T) {
	b := newTestAgent(t, "b")
	stranger := newTestAgent(t, "stranger")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.manager.Start(ctx)

	srv := httptest.NewServer(http.HandlerFunc(b.manager.HandleUpgrade))
	defer srv.Close()

	header := http.Header{}
	header.Set(caHeader, base64.StdEncoding.EncodeToString(stranger.creds.CAPEM()))
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err == nil {
		t.Fatal("upgrade with unknown CA succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %v, want 401", resp)
	}

	// The rejection leaves a warn notification behind.
	found := false
	for _, n := range b.registry.Notifications() {
		if n.Level == core.LevelWarn && strings.Contains(n.Message, "unknown CA") {
			found = true
		}
	}
	if !found {
		t.Error("no trust notification emitted")
	}
}

func TestUpgradeRejectsMissingHeader(t *testing.T) {
	b := newTestAgent(t, "b")
	srv := httptest.NewServer(http.HandlerFunc(b.manager.HandleUpgrade))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestNewerConnectionWins(t *testing.T) {
	a, b := startPair(t)
	_ = a

	// Dial b directly a second time with a's credentials. The newer
	// inbound connection must replace the live one.
	srv := httptest.NewServer(http.HandlerFunc(b.manager.HandleUpgrade))
	defer srv.Close()

	header := http.Header{}
	header.Set(caHeader, base64.StdEncoding.EncodeToString(a.creds.CAPEM()))
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("second dial failed: %v", err)
	}
	defer ws.Close()

	// b still reports exactly one live channel for a, and the first
	// one was closed underneath a's manager.
	waitFor(t, 5*time.Second, func() bool {
		return b.manager.State("a") == core.ChannelConnected
	}, "replacement channel not live")

	b.router.OnRequest("peer/ping", func(context.Context, string, json.RawMessage) (any, error) {
		return map[string]bool{"pong": true}, nil
	})

	// The raw socket is now the live channel: a request written on it
	// gets answered.
	req := frame{ID: newRequestID(), Type: "peer/ping", Payload: json.RawMessage(`{}`)}
	if err := ws.WriteJSON(req); err != nil {
		t.Fatal(err)
	}
	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	var reply frame
	for {
		if err := ws.ReadJSON(&reply); err != nil {
			t.Fatalf("no reply on replacement channel: %v", err)
		}
		if reply.isReply() && reply.ID == req.ID {
			break
		}
	}
	if reply.OK == nil || !*reply.OK {
		t.Errorf("reply = %+v, want ok", reply)
	}
}

func TestRequestIDFormat(t *testing.T) {
	seen := map[string]bool{}
	for range 64 {
		id := newRequestID()
		if len(id) != 32 {
			t.Fatalf("id %q length = %d, want 32 hex chars", id, len(id))
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}
