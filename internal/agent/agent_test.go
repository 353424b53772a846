package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

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
	router   *channel.Router
	manager  *channel.Manager
	client   *fake.Clientset
	exec     *executor.Executor
	ag       *Agent
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
	ag := New(name, "wss://"+name+".example:8441", creds, registry, manager, exec, nil, nil)
	ag.Register(router)
	return &testAgent{
		name:     name,
		creds:    creds,
		registry: registry,
		router:   router,
		manager:  manager,
		client:   client,
		exec:     exec,
		ag:       ag,
	}
}

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

	waitFor(t, func() bool {
		return a.manager.State("b") == core.ChannelConnected &&
			b.manager.State("a") == core.ChannelConnected
	}, "channel never connected")
	return a, b
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func hasNotification(r *state.Registry, title string) bool {
	for _, n := range r.Notifications() {
		if n.Title == title {
			return true
		}
	}
	return false
}

const specJSON = `{"image":"nginx:1.27","replicas":2}`

func TestSubmitAndExecute(t *testing.T) {
	a, b := startPair(t)
	ctx := context.Background()

	app, err := a.ag.SubmitApp(ctx, "web", "b", []byte(specJSON))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if app.Status != core.AppCreating {
		t.Errorf("status = %s, want Creating", app.Status)
	}
	if app.TargetPeer != "b" || app.Origin != core.OriginSubmitted {
		t.Errorf("submitted record = %+v", app)
	}

	got, ok := b.registry.App(app.ID)
	if !ok {
		t.Fatal("executing record missing on b")
	}
	if got.SourcePeer != "a" || got.Origin != core.OriginExecuting {
		t.Errorf("executing record = %+v", got)
	}

	name := executor.DeploymentName(app.ID, "web")
	dep, err := b.client.AppsV1().Deployments("porpulsion").Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		t.Fatalf("deployment: %v", err)
	}
	if img := dep.Spec.Template.Spec.Containers[0].Image; img != "nginx:1.27" {
		t.Errorf("image = %q", img)
	}
	if *dep.Spec.Replicas != 2 {
		t.Errorf("replicas = %d, want 2", *dep.Spec.Replicas)
	}
}

func TestSubmitRejectedRecordsFailure(t *testing.T) {
	a, b := startPair(t)
	ctx := context.Background()

	if _, err := b.registry.UpdateSettings(ctx, []byte(`{"allowed_images":"alpine"}`)); err != nil {
		t.Fatal(err)
	}

	app, err := a.ag.SubmitApp(ctx, "web", "b", []byte(specJSON))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if app.Status != core.AppFailed {
		t.Errorf("status = %s, want Failed", app.Status)
	}
	if !strings.Contains(app.Message, "image_not_allowed") {
		t.Errorf("message = %q, want image_not_allowed", app.Message)
	}

	got, ok := a.registry.App(app.ID)
	if !ok {
		t.Fatal("rejected submit left no record")
	}
	if got.Status != core.AppFailed {
		t.Errorf("recorded status = %s, want Failed", got.Status)
	}
	if got := len(b.registry.ExecutingApps()); got != 0 {
		t.Errorf("executing apps on b = %d, want 0", got)
	}
	deps, err := b.client.AppsV1().Deployments("porpulsion").List(ctx, metav1.ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(deps.Items) != 0 {
		t.Error("deployment created despite rejection")
	}
	if !hasNotification(b.registry, "Workload rejected") {
		t.Error("executing side recorded no rejection notification")
	}
}

func TestSubmitUnknownPeer(t *testing.T) {
	a := newTestAgent(t, "a")
	_, err := a.ag.SubmitApp(context.Background(), "web", "nope", []byte(specJSON))
	var nf *core.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("err = %v, want NotFoundError", err)
	}
}

func TestApprovalRoundTrip(t *testing.T) {
	a, b := startPair(t)
	ctx := context.Background()

	if _, err := b.registry.UpdateSettings(ctx, []byte(`{"require_remoteapp_approval":true}`)); err != nil {
		t.Fatal(err)
	}

	app, err := a.ag.SubmitApp(ctx, "web", "b", []byte(specJSON))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if app.Status != core.AppPending {
		t.Fatalf("status = %s, want Pending", app.Status)
	}
	if got := len(b.registry.Approvals()); got != 1 {
		t.Fatalf("approvals = %d, want 1", got)
	}
	if !hasNotification(b.registry, "Approval required") {
		t.Error("no approval notification")
	}

	if err := b.ag.Approve(ctx, app.ID); err != nil {
		t.Fatalf("approve: %v", err)
	}
	got, ok := b.registry.App(app.ID)
	if !ok || got.Origin != core.OriginExecuting {
		t.Fatalf("approved app not executing: %+v", got)
	}
	name := executor.DeploymentName(app.ID, "web")
	if _, err := b.client.AppsV1().Deployments("porpulsion").Get(ctx, name, metav1.GetOptions{}); err != nil {
		t.Errorf("deployment after approve: %v", err)
	}

	// The queue is drained; a second approve is a NotFound.
	var nf *core.NotFoundError
	if err := b.ag.Approve(ctx, app.ID); !errors.As(err, &nf) {
		t.Errorf("second approve = %v, want NotFoundError", err)
	}
}

func TestApproveSurvivesApplyFailure(t *testing.T) {
	a, b := startPair(t)
	ctx := context.Background()

	if _, err := b.registry.UpdateSettings(ctx, []byte(`{"require_remoteapp_approval":true}`)); err != nil {
		t.Fatal(err)
	}
	app, err := a.ag.SubmitApp(ctx, "web", "b", []byte(specJSON))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Fail the first deployment create, as an API server outage would.
	failed := false
	b.client.PrependReactor("create", "deployments", func(action k8stesting.Action) (bool, runtime.Object, error) {
		if !failed {
			failed = true
			return true, nil, fmt.Errorf("etcdserver: request timed out")
		}
		return false, nil, nil
	})

	if err := b.ag.Approve(ctx, app.ID); err == nil {
		t.Fatal("approve succeeded despite apply failure")
	}
	if got := len(b.registry.Approvals()); got != 1 {
		t.Fatalf("approvals after failed apply = %d, want 1", got)
	}

	if err := b.ag.Approve(ctx, app.ID); err != nil {
		t.Fatalf("retried approve: %v", err)
	}
	if _, ok := b.registry.App(app.ID); !ok {
		t.Error("approved app not executing after retry")
	}
}

func TestCreateRejectsDuplicateID(t *testing.T) {
	b := newTestAgent(t, "b")
	ctx := context.Background()

	b.registry.PutExecuting(core.RemoteApp{
		ID:         "app1",
		Name:       "web",
		Spec:       core.RemoteAppSpec{Image: "nginx:1.27"},
		Origin:     core.OriginExecuting,
		SourcePeer: "a",
	})

	payload, _ := json.Marshal(createRequest{ID: "app1", Name: "imposter", Spec: []byte(specJSON)})
	raw, err := b.ag.handleCreate(ctx, "c", payload)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	reply := raw.(createReply)
	if reply.Accepted {
		t.Fatal("colliding id was accepted")
	}
	if reply.Reason != "duplicate_id" {
		t.Errorf("reason = %q, want duplicate_id", reply.Reason)
	}

	got, _ := b.registry.App("app1")
	if got.SourcePeer != "a" || got.Name != "web" {
		t.Errorf("original record overwritten: %+v", got)
	}
}

func TestRejectNotifiesSubmitter(t *testing.T) {
	a, b := startPair(t)
	ctx := context.Background()

	if _, err := b.registry.UpdateSettings(ctx, []byte(`{"require_remoteapp_approval":true}`)); err != nil {
		t.Fatal(err)
	}
	app, err := a.ag.SubmitApp(ctx, "web", "b", []byte(specJSON))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if err := b.ag.Reject(ctx, app.ID); err != nil {
		t.Fatalf("reject: %v", err)
	}
	waitFor(t, func() bool {
		got, ok := a.registry.App(app.ID)
		return ok && got.Status == core.AppRejected
	}, "Rejected status never reached the submitter")
	if !hasNotification(a.registry, "Workload rejected") {
		t.Error("submitter recorded no rejection notification")
	}
}

func TestScaleAcrossChannel(t *testing.T) {
	a, b := startPair(t)
	ctx := context.Background()

	app, err := a.ag.SubmitApp(ctx, "web", "b", []byte(specJSON))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := a.ag.ScaleApp(ctx, app.ID, 5); err != nil {
		t.Fatalf("scale: %v", err)
	}

	name := executor.DeploymentName(app.ID, "web")
	dep, err := b.client.AppsV1().Deployments("porpulsion").Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if *dep.Spec.Replicas != 5 {
		t.Errorf("deployment replicas = %d, want 5", *dep.Spec.Replicas)
	}
	got, _ := a.registry.App(app.ID)
	if got.Spec.ReplicaCount() != 5 {
		t.Errorf("submitted record replicas = %d, want 5", got.Spec.ReplicaCount())
	}
}

func TestScaleRejectedByQuota(t *testing.T) {
	a, b := startPair(t)
	ctx := context.Background()

	app, err := a.ag.SubmitApp(ctx, "web", "b", []byte(specJSON))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := b.registry.UpdateSettings(ctx, []byte(`{"max_replicas_per_app":3}`)); err != nil {
		t.Fatal(err)
	}

	err = a.ag.ScaleApp(ctx, app.ID, 10)
	var remote *core.RemoteError
	if !errors.As(err, &remote) || !strings.HasPrefix(remote.Msg, "max_replicas_exceeded") {
		t.Fatalf("err = %v, want max_replicas_exceeded", err)
	}
}

func TestUpdateSpecAcrossChannel(t *testing.T) {
	a, b := startPair(t)
	ctx := context.Background()

	app, err := a.ag.SubmitApp(ctx, "web", "b", []byte(specJSON))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	updated, err := a.ag.UpdateSpec(ctx, app.ID, []byte(`{"image":"nginx:1.28","replicas":2}`))
	if err != nil {
		t.Fatalf("update spec: %v", err)
	}
	if updated.Spec.Image != "nginx:1.28" {
		t.Errorf("record image = %q", updated.Spec.Image)
	}

	name := executor.DeploymentName(app.ID, "web")
	dep, err := b.client.AppsV1().Deployments("porpulsion").Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if img := dep.Spec.Template.Spec.Containers[0].Image; img != "nginx:1.28" {
		t.Errorf("deployment image = %q", img)
	}
}

func TestDeleteAcrossChannel(t *testing.T) {
	a, b := startPair(t)
	ctx := context.Background()

	app, err := a.ag.SubmitApp(ctx, "web", "b", []byte(specJSON))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := a.ag.DeleteApp(ctx, app.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, ok := a.registry.App(app.ID); ok {
		t.Error("submitted record survived delete")
	}
	if _, ok := b.registry.App(app.ID); ok {
		t.Error("executing record survived delete")
	}
	name := executor.DeploymentName(app.ID, "web")
	if _, err := b.client.AppsV1().Deployments("porpulsion").Get(ctx, name, metav1.GetOptions{}); err == nil {
		t.Error("deployment survived delete")
	}
}

func TestDeleteMarksPendingWhenChannelDown(t *testing.T) {
	a := newTestAgent(t, "a")
	ctx := context.Background()

	if err := a.registry.UpsertPeer(ctx, core.Peer{
		Name:          "b",
		CAPEM:         "x",
		CAFingerprint: "aa:bb",
		Status:        core.PeerConnecting,
	}); err != nil {
		t.Fatal(err)
	}
	if err := a.registry.PutSubmitted(ctx, core.RemoteApp{
		ID:         "app1",
		Name:       "web",
		Spec:       core.RemoteAppSpec{Image: "nginx:1.27"},
		Status:     core.AppReady,
		Origin:     core.OriginSubmitted,
		TargetPeer: "b",
		CreatedAt:  time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	if err := a.ag.DeleteApp(ctx, "app1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	app, ok := a.registry.App("app1")
	if !ok {
		t.Fatal("record dropped instead of marked")
	}
	if !app.DeletePending {
		t.Error("delete_pending not set")
	}
}

func TestLogsAndDetailAcrossChannel(t *testing.T) {
	a, _ := startPair(t)
	ctx := context.Background()

	app, err := a.ag.SubmitApp(ctx, "web", "b", []byte(specJSON))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// No pods on the fake clientset, so logs are empty but the call
	// must cross the channel without error.
	lines, err := a.ag.AppLogs(ctx, app.ID, 100, "time")
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if len(lines) != 0 {
		t.Errorf("lines = %d, want 0", len(lines))
	}

	detail, err := a.ag.AppDetail(ctx, app.ID)
	if err != nil {
		t.Fatalf("detail: %v", err)
	}
	if detail.App.ID != app.ID {
		t.Errorf("detail app = %q, want %q", detail.App.ID, app.ID)
	}
	if detail.Status != core.AppCreating {
		t.Errorf("detail status = %s, want Creating", detail.Status)
	}
}

func TestOwnershipEnforced(t *testing.T) {
	b := newTestAgent(t, "b")
	b.registry.PutExecuting(core.RemoteApp{
		ID:         "app1",
		Name:       "web",
		Spec:       core.RemoteAppSpec{Image: "nginx:1.27"},
		Origin:     core.OriginExecuting,
		SourcePeer: "a",
	})

	payload, _ := json.Marshal(scaleRequest{ID: "app1", Replicas: 3})
	if _, err := b.ag.handleScale(context.Background(), "c", payload); err == nil || !strings.Contains(err.Error(), "not the submitting peer") {
		t.Errorf("scale from wrong peer = %v", err)
	}
}

func TestVersionMismatchNotification(t *testing.T) {
	a := newTestAgent(t, "a")
	ctx := context.Background()

	payload, _ := json.Marshal(versionAnnounce{Version: "1.4.0"})
	a.ag.handleVersion(ctx, "b", payload)
	if !hasNotification(a.registry, "Version mismatch") {
		t.Error("no mismatch notification for a different minor")
	}

	if err := a.registry.ClearNotifications(ctx); err != nil {
		t.Fatal(err)
	}
	payload, _ = json.Marshal(versionAnnounce{Version: Version})
	a.ag.handleVersion(ctx, "b", payload)
	if hasNotification(a.registry, "Version mismatch") {
		t.Error("mismatch notification for an identical version")
	}
}

func TestStatusSummary(t *testing.T) {
	a, _ := startPair(t)

	sum := a.ag.Status()
	if sum.Agent != "a" || sum.Version != Version {
		t.Errorf("summary = %+v", sum)
	}
	if sum.Peers != 1 || sum.ChannelsConnected != 1 {
		t.Errorf("peers = %d connected = %d, want 1/1", sum.Peers, sum.ChannelsConnected)
	}
	if sum.Fingerprint != a.creds.Fingerprint() {
		t.Error("fingerprint mismatch")
	}
}
