package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestServeStopsAllOnCancel(t *testing.T) {
	var stops atomic.Int32
	blocker := func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	}
	stop := func(ctx context.Context) error {
		stops.Add(1)
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx,
			ListenerFunc{StartFunc: blocker, StopFunc: stop},
			ListenerFunc{StartFunc: blocker, StopFunc: stop},
		)
	}()

	cancel()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Serve() = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	if got := stops.Load(); got != 2 {
		t.Errorf("stops = %d, want 2", got)
	}
}

func TestServeListenerFailureStopsOthers(t *testing.T) {
	boom := errors.New("boom")
	var stopped atomic.Bool

	err := Serve(context.Background(),
		ListenerFunc{StartFunc: func(ctx context.Context) error { return boom }},
		ListenerFunc{
			StartFunc: func(ctx context.Context) error { <-ctx.Done(); return nil },
			StopFunc:  func(ctx context.Context) error { stopped.Store(true); return nil },
		},
	)
	if !errors.Is(err, boom) {
		t.Errorf("Serve() = %v, want boom", err)
	}
	if !stopped.Load() {
		t.Error("surviving listener was not stopped")
	}
}

func TestNewServerMountAndCORS(t *testing.T) {
	srv, err := NewServer(
		WithAddress("127.0.0.1:0"),
		WithAllowedOrigins(nil),
		WithMount(func(mux *http.ServeMux) error {
			mux.HandleFunc("GET /ping", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNoContent)
			})
			return nil
		}),
	)
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Origin", "https://dash.example")
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Error("CORS headers missing on allow-all server")
	}
}

func TestNewServerMountError(t *testing.T) {
	_, err := NewServer(WithMount(func(mux *http.ServeMux) error {
		return errors.New("mount failed")
	}))
	if err == nil {
		t.Error("NewServer() with failing mount succeeded")
	}
}
