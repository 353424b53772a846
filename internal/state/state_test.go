package state

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/porpulsion/porpulsion-agent/internal/core"
	"github.com/porpulsion/porpulsion-agent/internal/storage"
)

func newRegistry(t *testing.T) (*Registry, storage.Blob, storage.Blob) {
	t.Helper()
	sens, plain := storage.NewMemoryBlob(), storage.NewMemoryBlob()
	r := NewRegistry(sens, plain)
	if err := r.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return r, sens, plain
}

func testPeer(name string) core.Peer {
	return core.Peer{
		Name:          name,
		URL:           "https://" + name + ".example",
		CAPEM:         "-----BEGIN CERTIFICATE-----\n" + name + "\n-----END CERTIFICATE-----",
		CAFingerprint: "fp-" + name,
		Status:        core.PeerConnecting,
	}
}

func TestPeerLifecyclePersists(t *testing.T) {
	r, sens, plain := newRegistry(t)
	ctx := context.Background()

	if err := r.UpsertPeer(ctx, testPeer("b")); err != nil {
		t.Fatalf("UpsertPeer() error = %v", err)
	}
	if err := r.MarkPeerConnected(ctx, "b"); err != nil {
		t.Fatalf("MarkPeerConnected() error = %v", err)
	}

	p, ok := r.Peer("b")
	if !ok || p.Status != core.PeerConnected || p.ConnectedAt == nil {
		t.Fatalf("Peer(b) = %+v, want connected with timestamp", p)
	}

	// A fresh registry over the same blobs sees the peer again, reset
	// to connecting for the channel manager to re-dial.
	r2 := NewRegistry(sens, plain)
	if err := r2.Load(ctx); err != nil {
		t.Fatal(err)
	}
	p2, ok := r2.Peer("b")
	if !ok {
		t.Fatal("peer lost across restart")
	}
	if p2.Status != core.PeerConnecting {
		t.Errorf("restored status = %s, want connecting", p2.Status)
	}

	if err := r.RemovePeer(ctx, "b"); err != nil {
		t.Fatalf("RemovePeer() error = %v", err)
	}
	if _, ok := r.Peer("b"); ok {
		t.Error("peer still present after remove")
	}
}

func TestUpsertPeerFingerprintUnique(t *testing.T) {
	r, _, _ := newRegistry(t)
	ctx := context.Background()

	if err := r.UpsertPeer(ctx, testPeer("b")); err != nil {
		t.Fatal(err)
	}
	dup := testPeer("c")
	dup.CAFingerprint = "fp-b"
	err := r.UpsertPeer(ctx, dup)
	var conflict *core.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("UpsertPeer(duplicate fingerprint) error = %v, want ConflictError", err)
	}

	// Re-upserting the same peer under its own name is fine.
	if err := r.UpsertPeer(ctx, testPeer("b")); err != nil {
		t.Errorf("UpsertPeer(same name) error = %v", err)
	}
}

func TestPeerByFingerprint(t *testing.T) {
	r, _, _ := newRegistry(t)
	if err := r.UpsertPeer(context.Background(), testPeer("b")); err != nil {
		t.Fatal(err)
	}
	p, ok := r.PeerByFingerprint("fp-b")
	if !ok || p.Name != "b" {
		t.Errorf("PeerByFingerprint(fp-b) = %+v, %v", p, ok)
	}
	if _, ok := r.PeerByFingerprint("fp-x"); ok {
		t.Error("PeerByFingerprint matched unknown fingerprint")
	}
}

func TestSubmittedAppsPersist(t *testing.T) {
	r, sens, plain := newRegistry(t)
	ctx := context.Background()

	app := core.RemoteApp{
		ID:         "a1",
		Name:       "web",
		Spec:       core.RemoteAppSpec{Image: "nginx:1.25"},
		Status:     core.AppCreating,
		TargetPeer: "b",
		CreatedAt:  time.Now().UTC(),
	}
	if err := r.PutSubmitted(ctx, app); err != nil {
		t.Fatalf("PutSubmitted() error = %v", err)
	}
	if err := r.PutSubmitted(ctx, app); err == nil {
		t.Error("PutSubmitted() accepted duplicate id")
	}

	if err := r.UpdateSubmitted(ctx, "a1", func(a *core.RemoteApp) {
		a.Status = core.AppReady
	}); err != nil {
		t.Fatal(err)
	}

	r2 := NewRegistry(sens, plain)
	if err := r2.Load(ctx); err != nil {
		t.Fatal(err)
	}
	apps := r2.SubmittedApps()
	if len(apps) != 1 || apps[0].Status != core.AppReady || apps[0].Origin != core.OriginSubmitted {
		t.Fatalf("restored apps = %+v", apps)
	}

	if err := r.RemoveSubmitted(ctx, "a1"); err != nil {
		t.Fatal(err)
	}
	if _, ok := r.App("a1"); ok {
		t.Error("app still present after remove")
	}
}

func TestExecutingAppsNotPersisted(t *testing.T) {
	r, sens, plain := newRegistry(t)

	r.PutExecuting(core.RemoteApp{ID: "e1", Name: "web", SourcePeer: "a"})
	if apps := r.ExecutingApps(); len(apps) != 1 || apps[0].Origin != core.OriginExecuting {
		t.Fatalf("ExecutingApps() = %+v", apps)
	}

	r2 := NewRegistry(sens, plain)
	if err := r2.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	if apps := r2.ExecutingApps(); len(apps) != 0 {
		t.Errorf("executing apps survived restart: %+v", apps)
	}
}

func TestApprovalQueue(t *testing.T) {
	r, _, _ := newRegistry(t)
	ctx := context.Background()

	pa := core.PendingApproval{
		ID:         "a1",
		Name:       "web",
		SourcePeer: "a",
		Spec:       core.RemoteAppSpec{Image: "nginx"},
		ArrivedAt:  time.Now().UTC(),
	}
	if err := r.EnqueueApproval(ctx, pa); err != nil {
		t.Fatal(err)
	}
	if got := r.Approvals(); len(got) != 1 {
		t.Fatalf("Approvals() = %+v", got)
	}

	taken, err := r.TakeApproval(ctx, "a1")
	if err != nil {
		t.Fatalf("TakeApproval() error = %v", err)
	}
	if taken.Name != "web" {
		t.Errorf("TakeApproval() = %+v", taken)
	}
	if _, err := r.TakeApproval(ctx, "a1"); err == nil {
		t.Error("TakeApproval() succeeded twice for the same id")
	}
}

func TestUpdateSettings(t *testing.T) {
	r, _, _ := newRegistry(t)
	ctx := context.Background()

	merged, err := r.UpdateSettings(ctx, []byte(`{"max_total_deployments":2}`))
	if err != nil {
		t.Fatalf("UpdateSettings() error = %v", err)
	}
	if merged.MaxTotalDeployments != 2 {
		t.Errorf("MaxTotalDeployments = %d", merged.MaxTotalDeployments)
	}

	if _, err := r.UpdateSettings(ctx, []byte(`{"bogus":1}`)); err == nil {
		t.Error("UpdateSettings() accepted unknown field")
	}
	// The failed merge must not have changed anything.
	if r.Settings().MaxTotalDeployments != 2 {
		t.Error("settings mutated by rejected update")
	}
}

func TestNotificationsRing(t *testing.T) {
	r, _, _ := newRegistry(t)
	ctx := context.Background()

	for range [core.MaxNotifications + 10]struct{}{} {
		r.Notify(ctx, core.LevelInfo, "t", "m")
	}
	got := r.Notifications()
	if len(got) != core.MaxNotifications {
		t.Fatalf("ring size = %d, want %d", len(got), core.MaxNotifications)
	}

	id := got[0].ID
	if err := r.AckNotification(ctx, id); err != nil {
		t.Fatalf("AckNotification() error = %v", err)
	}
	if !r.Notifications()[0].Ack {
		t.Error("notification not acked")
	}

	if err := r.ClearNotifications(ctx); err != nil {
		t.Fatal(err)
	}
	if len(r.Notifications()) != 0 {
		t.Error("notifications remain after clear")
	}
}

func TestGenerationAdvances(t *testing.T) {
	r, _, _ := newRegistry(t)
	ctx := context.Background()

	before := r.Generation()
	if err := r.UpsertPeer(ctx, testPeer("b")); err != nil {
		t.Fatal(err)
	}
	if r.Generation() <= before {
		t.Error("generation did not advance on mutation")
	}

	mid := r.Generation()
	r.Peers()
	r.Settings()
	if r.Generation() != mid {
		t.Error("generation advanced on read")
	}
}
