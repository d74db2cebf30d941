// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics records protocol metrics through OpenTelemetry instruments that
// are exported in the Prometheus format. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry
	provider *sdkmetric.MeterProvider

	requestsTotal      metric.Int64Counter
	runsTotal          metric.Int64Counter
	runDuration        metric.Float64Histogram
	sessionsActive     metric.Int64UpDownCounter
	notificationsTotal metric.Int64Counter
	httpRequests       metric.Float64Histogram
}

// NewMetrics creates Metrics backed by a dedicated Prometheus registry. It
// returns nil when metrics are disabled.
func NewMetrics(cfg *MetricsConfig) (*Metrics, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}
	cfg.SetDefaults()

	registry := prometheus.NewRegistry()
	if cfg.RuntimeMetrics {
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	exporter, err := otelprom.New(
		otelprom.WithRegisterer(registry),
		otelprom.WithNamespace(cfg.Namespace),
		otelprom.WithoutScopeInfo(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("github.com/kadirpekel/acp")

	m := &Metrics{registry: registry, provider: provider}

	if m.requestsTotal, err = meter.Int64Counter("requests",
		metric.WithDescription("Requests received, by method"),
	); err != nil {
		return nil, fmt.Errorf("failed to create requests counter: %w", err)
	}
	if m.runsTotal, err = meter.Int64Counter("runs",
		metric.WithDescription("Agent runs completed, by agent and status"),
	); err != nil {
		return nil, fmt.Errorf("failed to create runs counter: %w", err)
	}
	if m.runDuration, err = meter.Float64Histogram("run.duration",
		metric.WithDescription("Agent run duration"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("failed to create run duration histogram: %w", err)
	}
	if m.sessionsActive, err = meter.Int64UpDownCounter("sessions.active",
		metric.WithDescription("Sessions currently open"),
	); err != nil {
		return nil, fmt.Errorf("failed to create sessions gauge: %w", err)
	}
	if m.notificationsTotal, err = meter.Int64Counter("notifications",
		metric.WithDescription("Notifications sent, by method"),
	); err != nil {
		return nil, fmt.Errorf("failed to create notifications counter: %w", err)
	}

	if m.httpRequests, err = meter.Float64Histogram("http.request.duration",
		metric.WithDescription("HTTP request duration, by method and status"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("failed to create http duration histogram: %w", err)
	}

	return m, nil
}

func (m *Metrics) RecordRequest(ctx context.Context, method string) {
	if m == nil {
		return
	}
	m.requestsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrMetricMethod, method)))
}

func (m *Metrics) RecordRun(ctx context.Context, agentName, status string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String(AttrMetricAgent, agentName),
		attribute.String(AttrMetricStatus, status),
	)
	m.runsTotal.Add(ctx, 1, attrs)
	m.runDuration.Record(ctx, duration.Seconds(), attrs)
}

func (m *Metrics) SessionOpened(ctx context.Context) {
	if m == nil {
		return
	}
	m.sessionsActive.Add(ctx, 1)
}

func (m *Metrics) SessionClosed(ctx context.Context) {
	if m == nil {
		return
	}
	m.sessionsActive.Add(ctx, -1)
}

func (m *Metrics) RecordNotification(ctx context.Context, method string) {
	if m == nil {
		return
	}
	m.notificationsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrMetricMethod, method)))
}

func (m *Metrics) RecordHTTPRequest(ctx context.Context, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String(AttrHTTPMethod, method),
		attribute.Int(AttrHTTPStatus, status),
	))
}

// Handler serves the Prometheus exposition. With metrics disabled it
// answers 503 Service Unavailable.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("metrics not enabled"))
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Shutdown stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}
