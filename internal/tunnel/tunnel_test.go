package tunnel

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/porpulsion/porpulsion-agent/internal/channel"
	"github.com/porpulsion/porpulsion-agent/internal/core"
	"github.com/porpulsion/porpulsion-agent/internal/credentials"
	"github.com/porpulsion/porpulsion-agent/internal/executor"
	"github.com/porpulsion/porpulsion-agent/internal/state"
	"github.com/porpulsion/porpulsion-agent/internal/storage"
)

type testAgent struct {
	name     string
	creds    *credentials.Store
	registry *state.Registry
	manager  *channel.Manager
	exec     *executor.Executor
	tunnel   *Tunnel
	client   *fake.Clientset
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
	router := channel.NewRouter()
	manager := channel.NewManager(registry, creds, router, nil)
	client := fake.NewSimpleClientset()
	exec := executor.New(client, "porpulsion")
	tun := New(registry, manager, exec, nil)
	tun.Register(router)
	return &testAgent{
		name:     name,
		creds:    creds,
		registry: registry,
		manager:  manager,
		exec:     exec,
		tunnel:   tun,
		client:   client,
	}
}

// startPair brings up a connected a→b channel; a submitted the app, b
// executes it.
func startPair(t *testing.T) (a, b *testAgent) {
	t.Helper()
	a, b = newTestAgent(t, "a"), newTestAgent(t, "b")

	srv := httptest.NewServer(http.HandlerFunc(b.manager.HandleUpgrade))
	t.Cleanup(srv.Close)

	ctx := context.Background()
	if err := a.registry.UpsertPeer(ctx, core.Peer{
		Name:          "b",
		URL:           srv.URL,
		CAPEM:         string(b.creds.CAPEM()),
		CAFingerprint: b.creds.Fingerprint(),
		Status:        core.PeerConnecting,
	}); err != nil {
		t.Fatal(err)
	}
	if err := b.registry.UpsertPeer(ctx, core.Peer{
		Name:          "a",
		CAPEM:         string(a.creds.CAPEM()),
		CAFingerprint: a.creds.Fingerprint(),
		Status:        core.PeerAwaitingConfirmation,
	}); err != nil {
		t.Fatal(err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go a.manager.Start(runCtx)
	go b.manager.Start(runCtx)
	t.Cleanup(func() {
		a.manager.Stop(context.Background())
		b.manager.Stop(context.Background())
	})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if a.manager.State("b") == core.ChannelConnected && b.manager.State("a") == core.ChannelConnected {
			return a, b
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("channel never connected")
	return nil, nil
}

// backendPort starts a local HTTP backend and returns its port, so a
// fake pod with IP 127.0.0.1 resolves to it.
func backendPort(t *testing.T, handler http.Handler) int {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatal(err)
	}
	return port
}

func readyPod(t *testing.T, agent *testAgent, appID, podName string) {
	t.Helper()
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      podName,
			Namespace: "porpulsion",
			Labels:    map[string]string{executor.LabelAppID: appID},
		},
		Status: corev1.PodStatus{
			Phase: corev1.PodRunning,
			PodIP: "127.0.0.1",
			Conditions: []corev1.PodCondition{
				{Type: corev1.PodReady, Status: corev1.ConditionTrue},
			},
		},
	}
	if _, err := agent.client.CoreV1().Pods("porpulsion").Create(context.Background(), pod, metav1.CreateOptions{}); err != nil {
		t.Fatal(err)
	}
}

func seedApp(t *testing.T, a, b *testAgent, id string) {
	t.Helper()
	if err := a.registry.PutSubmitted(context.Background(), core.RemoteApp{
		ID:         id,
		Name:       "web",
		Spec:       core.RemoteAppSpec{Image: "nginx:1.27"},
		Status:     core.AppReady,
		Origin:     core.OriginSubmitted,
		TargetPeer: "b",
		CreatedAt:  time.Now(),
	}); err != nil {
		t.Fatal(err)
	}
	b.registry.PutExecuting(core.RemoteApp{
		ID:         id,
		Name:       "web",
		Spec:       core.RemoteAppSpec{Image: "nginx:1.27"},
		Status:     core.AppReady,
		Origin:     core.OriginExecuting,
		SourcePeer: "a",
		CreatedAt:  time.Now(),
	})
}

func TestProxyAcrossChannel(t *testing.T) {
	a, b := startPair(t)
	seedApp(t, a, b, "app1")

	port := backendPort(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" || r.URL.RawQuery != "verbose=1" {
			t.Errorf("backend got %s?%s", r.URL.Path, r.URL.RawQuery)
		}
		if r.Header.Get("X-Custom") != "yes" {
			t.Error("custom header not forwarded")
		}
		if r.Header.Get("Connection") != "" {
			t.Error("hop-by-hop header forwarded")
		}
		w.Header().Set("X-Backend", "pod")
		w.WriteHeader(http.StatusTeapot)
		io.WriteString(w, "hello from pod")
	}))
	readyPod(t, b, "app1", "web-1")

	req := httptest.NewRequest(http.MethodGet, "/api/remoteapp/app1/proxy/"+strconv.Itoa(port)+"/health?verbose=1", nil)
	req.Header.Set("X-Custom", "yes")
	req.Header.Set("Connection", "keep-alive")
	rec := httptest.NewRecorder()

	a.tunnel.Proxy(rec, req, "app1", port, "health")

	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d, want 418", rec.Code)
	}
	if got := rec.Body.String(); got != "hello from pod" {
		t.Errorf("body = %q", got)
	}
	if rec.Header().Get("X-Backend") != "pod" {
		t.Error("backend header not relayed")
	}
}

func TestProxyRequestBody(t *testing.T) {
	a, b := startPair(t)
	seedApp(t, a, b, "app1")

	port := backendPort(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		io.WriteString(w, "echo:"+string(body))
	}))
	readyPod(t, b, "app1", "web-1")

	req := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader("payload"))
	rec := httptest.NewRecorder()
	a.tunnel.Proxy(rec, req, "app1", port, "x")

	if got := rec.Body.String(); got != "echo:payload" {
		t.Errorf("body = %q", got)
	}
}

func TestProxyDeniedBySettings(t *testing.T) {
	a, b := startPair(t)
	seedApp(t, a, b, "app1")

	if _, err := b.registry.UpdateSettings(context.Background(), []byte(`{"allow_inbound_tunnels":false}`)); err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	a.tunnel.Proxy(rec, httptest.NewRequest(http.MethodGet, "/x", nil), "app1", 8080, "x")

	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "tunnel_denied") {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestProxyDeniedByAllowlist(t *testing.T) {
	a, b := startPair(t)
	seedApp(t, a, b, "app1")

	// Only peer "c" may tunnel.
	if _, err := b.registry.UpdateSettings(context.Background(), []byte(`{"allowed_tunnel_peers":"c"}`)); err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	a.tunnel.Proxy(rec, httptest.NewRequest(http.MethodGet, "/x", nil), "app1", 8080, "x")
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}

	// Scoped entry for this app lets it through again.
	if _, err := b.registry.UpdateSettings(context.Background(), []byte(`{"allowed_tunnel_peers":"a/app1"}`)); err != nil {
		t.Fatal(err)
	}
	port := backendPort(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	readyPod(t, b, "app1", "web-1")

	rec = httptest.NewRecorder()
	a.tunnel.Proxy(rec, httptest.NewRequest(http.MethodGet, "/x", nil), "app1", port, "x")
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
}

func TestProxyNoReadyPods(t *testing.T) {
	a, b := startPair(t)
	seedApp(t, a, b, "app1")

	rec := httptest.NewRecorder()
	a.tunnel.Proxy(rec, httptest.NewRequest(http.MethodGet, "/x", nil), "app1", 8080, "x")
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "no_ready_pods") {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestProxyUnknownApp(t *testing.T) {
	a, _ := startPair(t)

	rec := httptest.NewRecorder()
	a.tunnel.Proxy(rec, httptest.NewRequest(http.MethodGet, "/x", nil), "nope", 8080, "x")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestProxyChannelDown(t *testing.T) {
	a := newTestAgent(t, "a")
	if err := a.registry.PutSubmitted(context.Background(), core.RemoteApp{
		ID:         "app1",
		Name:       "web",
		Spec:       core.RemoteAppSpec{Image: "nginx:1.27"},
		Origin:     core.OriginSubmitted,
		TargetPeer: "b",
		CreatedAt:  time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	a.tunnel.Proxy(rec, httptest.NewRequest(http.MethodGet, "/x", nil), "app1", 8080, "x")
	if rec.Code != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 504", rec.Code)
	}
}

func TestProxyLocalApp(t *testing.T) {
	a := newTestAgent(t, "a")

	port := backendPort(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "local")
	}))
	a.registry.PutExecuting(core.RemoteApp{
		ID:         "app1",
		Name:       "web",
		Spec:       core.RemoteAppSpec{Image: "nginx:1.27"},
		Origin:     core.OriginExecuting,
		SourcePeer: "b",
		CreatedAt:  time.Now(),
	})
	readyPod(t, a, "app1", "web-1")

	rec := httptest.NewRecorder()
	a.tunnel.Proxy(rec, httptest.NewRequest(http.MethodGet, "/x", nil), "app1", port, "x")
	if rec.Code != http.StatusOK || rec.Body.String() != "local" {
		t.Errorf("local proxy = %d %q", rec.Code, rec.Body.String())
	}
}

func TestFilterHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Connection", "keep-alive")
	h.Set("Transfer-Encoding", "chunked")
	h.Set("Upgrade", "websocket")
	h.Set("Content-Length", "42")
	h.Set("X-Keep", "1")

	got := filterHeaders(h)
	if _, ok := got["Content-Type"]; !ok {
		t.Error("Content-Type dropped")
	}
	if _, ok := got["X-Keep"]; !ok {
		t.Error("X-Keep dropped")
	}
	for _, k := range []string{"Connection", "Transfer-Encoding", "Upgrade", "Content-Length"} {
		if _, ok := got[k]; ok {
			t.Errorf("%s not stripped", k)
		}
	}
}

func TestStreamIDFormat(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := newStreamID()
		if len(id) != 32 {
			t.Fatalf("stream id %q length %d, want 32", id, len(id))
		}
		if seen[id] {
			t.Fatalf("stream id %q repeated", id)
		}
		seen[id] = true
	}
}
