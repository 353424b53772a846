// Package metrics wires the OpenTelemetry meter provider to a
// Prometheus exporter and holds the agent's counters. The scrape
// handler is mounted at /metrics on the dashboard port.
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics bundles the agent's instruments. A nil *Metrics is valid
// and records nothing, which keeps tests free of exporter setup.
type Metrics struct {
	trustErrors     metric.Int64Counter
	reconnects      metric.Int64Counter
	framesSent      metric.Int64Counter
	framesReceived  metric.Int64Counter
	rejections      metric.Int64Counter
	proxiedRequests metric.Int64Counter
	droppedPushes   metric.Int64Counter
}

// New installs the Prometheus exporter as the global meter provider
// and returns the instruments plus the scrape handler.
func New() (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, fmt.Errorf("create prometheus exporter: %w", err)
	}
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter)))

	meter := otel.Meter("porpulsion-agent")
	m := &Metrics{}

	if m.trustErrors, err = meter.Int64Counter("porpulsion_trust_errors_total",
		metric.WithDescription("Authentication failures: bad invite tokens, fingerprint mismatches, unknown CAs")); err != nil {
		return nil, nil, err
	}
	if m.reconnects, err = meter.Int64Counter("porpulsion_channel_reconnects_total",
		metric.WithDescription("Channel dial attempts after a disconnect")); err != nil {
		return nil, nil, err
	}
	if m.framesSent, err = meter.Int64Counter("porpulsion_frames_sent_total",
		metric.WithDescription("Frames written to peer channels")); err != nil {
		return nil, nil, err
	}
	if m.framesReceived, err = meter.Int64Counter("porpulsion_frames_received_total",
		metric.WithDescription("Frames read from peer channels")); err != nil {
		return nil, nil, err
	}
	if m.rejections, err = meter.Int64Counter("porpulsion_admission_rejections_total",
		metric.WithDescription("Inbound RemoteApps rejected by the admission pipeline")); err != nil {
		return nil, nil, err
	}
	if m.proxiedRequests, err = meter.Int64Counter("porpulsion_proxied_requests_total",
		metric.WithDescription("HTTP requests tunneled across the channel")); err != nil {
		return nil, nil, err
	}
	if m.droppedPushes, err = meter.Int64Counter("porpulsion_dropped_pushes_total",
		metric.WithDescription("Push frames dropped on queue overflow")); err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

func (m *Metrics) TrustError(reason string) {
	if m == nil {
		return
	}
	m.trustErrors.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) Reconnect(peer string) {
	if m == nil {
		return
	}
	m.reconnects.Add(context.Background(), 1, metric.WithAttributes(attribute.String("peer", peer)))
}

func (m *Metrics) FrameSent(peer string) {
	if m == nil {
		return
	}
	m.framesSent.Add(context.Background(), 1, metric.WithAttributes(attribute.String("peer", peer)))
}

func (m *Metrics) FrameReceived(peer string) {
	if m == nil {
		return
	}
	m.framesReceived.Add(context.Background(), 1, metric.WithAttributes(attribute.String("peer", peer)))
}

func (m *Metrics) AdmissionRejected(reason string) {
	if m == nil {
		return
	}
	m.rejections.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) ProxiedRequest(peer string) {
	if m == nil {
		return
	}
	m.proxiedRequests.Add(context.Background(), 1, metric.WithAttributes(attribute.String("peer", peer)))
}

func (m *Metrics) DroppedPush(peer string) {
	if m == nil {
		return
	}
	m.droppedPushes.Add(context.Background(), 1, metric.WithAttributes(attribute.String("peer", peer)))
}
