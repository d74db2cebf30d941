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
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/acp"
	"github.com/kadirpekel/acp/pkg/protocol"
)

func TestNilSafety(t *testing.T) {
	ctx := context.Background()

	msg, err := protocol.NewRequest(protocol.Int64ID(1), protocol.MethodPing, nil)
	require.NoError(t, err)

	var tr *Tracer
	_, span := tr.StartRequest(ctx, "s1", msg)
	tr.RecordError(span, errors.New("boom"))
	span.End()
	assert.NoError(t, tr.Shutdown(ctx))

	var m *Metrics
	m.RecordRequest(ctx, protocol.MethodPing)
	m.RecordRun(ctx, "a", StatusOK, time.Second)
	m.SessionOpened(ctx)
	m.SessionClosed(ctx)
	m.RecordNotification(ctx, protocol.MethodRunChunk)
	assert.NoError(t, m.Shutdown(ctx))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var mgr *Manager
	assert.Nil(t, mgr.Tracer())
	assert.Nil(t, mgr.Metrics())
	assert.Empty(t, mgr.MetricsPath())
	assert.NoError(t, mgr.Shutdown(ctx))

	noop := NoopManager()
	assert.Nil(t, noop.Tracer())
	assert.NoError(t, noop.Shutdown(ctx))
}

func TestDisabledReturnsNil(t *testing.T) {
	tr, err := NewTracer(context.Background(), &TracingConfig{})
	require.NoError(t, err)
	assert.Nil(t, tr)

	m, err := NewMetrics(&MetricsConfig{})
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{Tracing: TracingConfig{Enabled: true, Exporter: "zipkin"}}
	cfg.SetDefaults()
	assert.Error(t, cfg.Validate())

	cfg = Config{Tracing: TracingConfig{Enabled: true, SamplingRate: 2}}
	cfg.SetDefaults()
	assert.Error(t, cfg.Validate())

	cfg = Config{Metrics: MetricsConfig{Enabled: true, Endpoint: "metrics"}}
	assert.Error(t, cfg.Validate())

	cfg = Config{}
	cfg.SetDefaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultServiceName, cfg.Tracing.ServiceName)
	assert.Equal(t, acp.Version, cfg.Tracing.ServiceVersion)
	assert.Equal(t, ExporterOTLP, cfg.Tracing.Exporter)
	assert.Equal(t, DefaultOTLPEndpoint, cfg.Tracing.Endpoint)
	assert.Equal(t, DefaultExportTimeout, cfg.Tracing.Timeout)
	assert.Equal(t, DefaultMetricsPath, cfg.Metrics.Endpoint)
	assert.Equal(t, DefaultNamespace, cfg.Metrics.Namespace)
	assert.True(t, cfg.Tracing.IsInsecure())
}

func TestMetricsExposition(t *testing.T) {
	ctx := context.Background()
	m, err := NewMetrics(&MetricsConfig{Enabled: true})
	require.NoError(t, err)
	defer m.Shutdown(ctx)

	m.RecordRequest(ctx, protocol.MethodRunAgent)
	m.RecordRun(ctx, "echo", StatusOK, 50*time.Millisecond)
	m.RecordRun(ctx, "echo", StatusCancelled, time.Millisecond)
	m.SessionOpened(ctx)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, `acp_requests_total{method="agents/run"} 1`)
	assert.Contains(t, text, `acp_runs_total{agent="echo",status="ok"} 1`)
	assert.Contains(t, text, `acp_runs_total{agent="echo",status="cancelled"} 1`)
	assert.Contains(t, text, "acp_run_duration_seconds")
	assert.Contains(t, text, "acp_sessions_active 1")
}

func TestTracerStdout(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer

	tr, err := NewTracer(ctx, &TracingConfig{Enabled: true, Exporter: "stdout"}, WithWriter(&buf))
	require.NoError(t, err)
	require.NotNil(t, tr)

	msg, err := protocol.NewRequest(protocol.StringID("r-1"), protocol.MethodRunAgent, nil)
	require.NoError(t, err)
	ctx, span := tr.StartRequest(ctx, "session-1", msg)
	_, inner := tr.StartInvoke(ctx, "echo")
	tr.RecordError(inner, protocol.NewError(protocol.CodeHandlerFailed, "failed", nil))
	inner.End()
	span.End()

	require.NoError(t, tr.Shutdown(context.Background()))

	out := buf.String()
	assert.Contains(t, out, SpanRequestReceive)
	assert.Contains(t, out, SpanHandlerInvoke)
	assert.Contains(t, out, "session-1")
	assert.Contains(t, out, AttrErrorCode)
}

func TestHTTPMiddleware(t *testing.T) {
	ctx := context.Background()
	mgr, err := NewManager(ctx, Config{Metrics: MetricsConfig{Enabled: true}})
	require.NoError(t, err)
	defer mgr.Shutdown(ctx)
	assert.Equal(t, "/metrics", mgr.MetricsPath())

	h := mgr.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, ok := w.(http.Flusher)
		assert.True(t, ok)
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)

	rec = httptest.NewRecorder()
	mgr.Metrics().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `acp_http_request_duration_seconds_count{http_method="GET",http_status_code="418"} 1`)
}
