package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"k8s.io/client-go/kubernetes"

	"github.com/porpulsion/porpulsion-agent/internal/agent"
	"github.com/porpulsion/porpulsion-agent/internal/channel"
	"github.com/porpulsion/porpulsion-agent/internal/config"
	"github.com/porpulsion/porpulsion-agent/internal/credentials"
	"github.com/porpulsion/porpulsion-agent/internal/executor"
	"github.com/porpulsion/porpulsion-agent/internal/handshake"
	k8sclient "github.com/porpulsion/porpulsion-agent/internal/kubernetes"
	"github.com/porpulsion/porpulsion-agent/internal/logbuf"
	"github.com/porpulsion/porpulsion-agent/internal/metrics"
	"github.com/porpulsion/porpulsion-agent/internal/reconciler"
	"github.com/porpulsion/porpulsion-agent/internal/server"
	"github.com/porpulsion/porpulsion-agent/internal/state"
	"github.com/porpulsion/porpulsion-agent/internal/storage"
	"github.com/porpulsion/porpulsion-agent/internal/transport"
	"github.com/porpulsion/porpulsion-agent/internal/tunnel"
)

const (
	secretName    = "porpulsion-credentials"
	configMapName = "porpulsion-state"
)

// exitError carries the process exit code mandated for a failure
// class: 1 for misconfiguration, 2 for a broken credential store.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// App is the wired agent, ready to run.
type App struct {
	conf       *config.Config
	level      *slog.LevelVar
	buf        *logbuf.Buffer
	creds      *credentials.Store
	registry   *state.Registry
	channels   *channel.Manager
	reconciler *reconciler.Reconciler
	server     *server.Server
}

func newApp(conf *config.Config, level *slog.LevelVar, buf *logbuf.Buffer, creds *credentials.Store, registry *state.Registry, channels *channel.Manager, router *channel.Router, rec *reconciler.Reconciler, ag *agent.Agent, tun *tunnel.Tunnel, srv *server.Server) *App {
	ag.Register(router)
	tun.Register(router)
	return &App{
		conf:       conf,
		level:      level,
		buf:        buf,
		creds:      creds,
		registry:   registry,
		channels:   channels,
		reconciler: rec,
		server:     srv,
	}
}

// Run brings the agent up and blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	a.installLogger()

	if err := a.creds.Init(ctx); err != nil {
		return &exitError{code: 2, err: fmt.Errorf("credential store: %w", err)}
	}
	if err := a.registry.Load(ctx); err != nil {
		return &exitError{code: 2, err: fmt.Errorf("state store: %w", err)}
	}
	if level := a.registry.Settings().LogLevel; level != "" {
		setLevel(a.level, level)
	}

	leaf, err := a.creds.LeafCertificate()
	if err != nil {
		return &exitError{code: 2, err: fmt.Errorf("credential store: %w", err)}
	}

	dashboard, err := transport.NewServer(
		transport.WithAddress(fmt.Sprintf("%s:%d", a.conf.ServerHost(), a.conf.ServerPort())),
		transport.WithMount(a.server.MountDashboard),
		transport.WithAllowedOrigins(a.conf.ServerAllowedOrigins()),
	)
	if err != nil {
		return err
	}
	peer, err := transport.NewServer(
		transport.WithAddress(fmt.Sprintf("%s:%d", a.conf.ServerHost(), a.conf.ServerPeerPort())),
		transport.WithMount(a.server.MountPeer),
		transport.WithTLSCertificate(leaf),
	)
	if err != nil {
		return err
	}

	slog.Info("porpulsion agent starting",
		"agent", a.conf.AgentName(),
		"self_url", a.conf.AgentSelfURL(),
		"namespace", a.conf.AgentNamespace(),
		"fingerprint", a.creds.Fingerprint(),
	)

	return transport.Serve(ctx,
		dashboard,
		peer,
		transport.ListenerFunc{StartFunc: a.channels.Start, StopFunc: a.channels.Stop},
		transport.ListenerFunc{StartFunc: a.reconciler.Run},
	)
}

// installLogger routes the process-wide default through the in-memory
// ring so the dashboard can read recent records.
func (a *App) installLogger() {
	setLevel(a.level, a.conf.LogLevel())
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: a.level})
	slog.SetDefault(slog.New(logbuf.NewHandler(inner, a.buf)))
}

func setLevel(v *slog.LevelVar, level string) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		v.Set(slog.LevelDebug)
	case "INFO":
		v.Set(slog.LevelInfo)
	case "WARN":
		v.Set(slog.LevelWarn)
	case "ERROR":
		v.Set(slog.LevelError)
	}
}

// --- wire providers ---

// observability bundles the metric instruments with the handler that
// exposes them, because both come out of one exporter.
type observability struct {
	metrics *metrics.Metrics
	handler http.Handler
}

func provideObservability() (*observability, error) {
	m, handler, err := metrics.New()
	if err != nil {
		return nil, err
	}
	return &observability{metrics: m, handler: handler}, nil
}

func provideMetrics(o *observability) *metrics.Metrics {
	return o.metrics
}

func provideLevel() *slog.LevelVar {
	return new(slog.LevelVar)
}

func provideLogBuffer(conf *config.Config) *logbuf.Buffer {
	return logbuf.NewBuffer(conf.LogBufferSize())
}

func provideClientset() (kubernetes.Interface, error) {
	return k8sclient.NewClientset()
}

func provideCredentials(conf *config.Config, client kubernetes.Interface) *credentials.Store {
	blob := storage.NewSecretBlob(client, conf.AgentNamespace(), secretName)
	hosts := []string{conf.AgentName()}
	if ip := os.Getenv("POD_IP"); ip != "" {
		hosts = append(hosts, ip)
	}
	return credentials.NewStore(blob, conf.AgentName(), hosts...)
}

func provideRegistry(conf *config.Config, client kubernetes.Interface) *state.Registry {
	sensitive := storage.NewSecretBlob(client, conf.AgentNamespace(), secretName)
	plain := storage.NewConfigMapBlob(client, conf.AgentNamespace(), configMapName)
	return state.NewRegistry(sensitive, plain)
}

func provideExecutor(conf *config.Config, client kubernetes.Interface) *executor.Executor {
	return executor.New(client, conf.AgentNamespace())
}

func provideReconciler(conf *config.Config, registry *state.Registry, channels *channel.Manager, exec *executor.Executor) *reconciler.Reconciler {
	return reconciler.New(registry, channels, exec, conf.ReconcileInterval())
}

func provideAgent(conf *config.Config, creds *credentials.Store, registry *state.Registry, channels *channel.Manager, exec *executor.Executor, m *metrics.Metrics, level *slog.LevelVar) *agent.Agent {
	return agent.New(conf.AgentName(), conf.AgentSelfURL(), creds, registry, channels, exec, m, level)
}

func provideHandshake(conf *config.Config, creds *credentials.Store, registry *state.Registry, channels *channel.Manager, m *metrics.Metrics) *handshake.Service {
	return handshake.NewService(conf.AgentName(), conf.AgentSelfURL(), creds, registry, channels, m)
}

func provideServer(conf *config.Config, ag *agent.Agent, registry *state.Registry, creds *credentials.Store, channels *channel.Manager, hs *handshake.Service, tun *tunnel.Tunnel, buf *logbuf.Buffer, o *observability) *server.Server {
	return server.New(ag, registry, creds, channels, hs, tun, buf, o.handler, conf.AgentSelfURL())
}
