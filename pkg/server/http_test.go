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
package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/acp/pkg/agent/builtin"
	"github.com/kadirpekel/acp/pkg/config"
	"github.com/kadirpekel/acp/pkg/observability"
	"github.com/kadirpekel/acp/pkg/protocol"
	"github.com/kadirpekel/acp/pkg/transport"
)

func newHTTPTestServer(t *testing.T, opts ...Option) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.Default().Server
	cfg.KeepAlive = 50 * time.Millisecond

	srv := New(opts...)
	require.NoError(t, builtin.Register(srv.Registry()))

	hs := NewHTTPServer(&cfg, srv, WithMCPHandler("/mcp", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})))
	ts := httptest.NewServer(hs.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(func() { _ = srv.Close() })
	return srv, ts
}

func getJSON(t *testing.T, url string, v any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp
}

func TestHTTP_Health(t *testing.T) {
	_, ts := newHTTPTestServer(t)

	var body map[string]any
	resp := getJSON(t, ts.URL+PathHealth, &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(2), body["agents"])
}

func TestHTTP_Discovery(t *testing.T) {
	_, ts := newHTTPTestServer(t)

	var body struct {
		Agents []protocol.AgentDescriptor `json:"agents"`
		Total  int                        `json:"total"`
	}
	getJSON(t, ts.URL+PathAgents, &body)
	assert.Equal(t, 2, body.Total)
	require.Len(t, body.Agents, 2)
	assert.Equal(t, builtin.Echo, body.Agents[0].Name)
}

func TestHTTP_AgentCards(t *testing.T) {
	_, ts := newHTTPTestServer(t)

	var card a2a.AgentCard
	resp := getJSON(t, ts.URL+"/agents/hello-world/.well-known/agent-card.json", &card)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, builtin.HelloWorld, card.Name)
	assert.Equal(t, "This is my Hello World agent", card.Description)
	assert.True(t, strings.HasSuffix(card.URL, PathSSE))
	assert.True(t, card.Capabilities.Streaming)
	require.Len(t, card.Skills, 1)
	assert.Equal(t, builtin.HelloWorld, card.Skills[0].ID)

	var def a2a.AgentCard
	getJSON(t, ts.URL+"/.well-known/agent-card.json", &def)
	assert.Equal(t, builtin.Echo, def.Name)

	resp = getJSON(t, ts.URL+"/agents/ghost/.well-known/agent-card.json", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHTTP_ConfigSchema(t *testing.T) {
	_, ts := newHTTPTestServer(t)

	var doc map[string]any
	getJSON(t, ts.URL+PathConfigSchema, &doc)
	props, ok := doc["properties"].(map[string]any)
	require.True(t, ok, "schema: %v", doc)
	assert.Contains(t, props, "server")
	assert.Contains(t, props, "observability")
}

func TestHTTP_CORSPreflight(t *testing.T) {
	_, ts := newHTTPTestServer(t)

	req, err := http.NewRequest(http.MethodOptions, ts.URL+PathMessages, nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://app.example")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://app.example", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "POST")
}

func TestHTTP_MCPMount(t *testing.T) {
	_, ts := newHTTPTestServer(t)

	resp, err := http.Post(ts.URL+"/mcp", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestHTTP_Metrics(t *testing.T) {
	obs, err := observability.NewManager(context.Background(), observability.Config{
		Metrics: observability.MetricsConfig{Enabled: true},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = obs.Shutdown(context.Background()) })

	_, ts := newHTTPTestServer(t, WithObservability(obs))

	getJSON(t, ts.URL+PathHealth, nil)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "acp_http_request_duration_seconds")
}

func TestHTTP_SessionTransports(t *testing.T) {
	srv, ts := newHTTPTestServer(t)

	dialers := map[string]transport.Dialer{
		"sse":       &transport.SSEDialer{URL: ts.URL + PathSSE},
		"websocket": &transport.WebSocketDialer{URL: "ws" + strings.TrimPrefix(ts.URL, "http") + PathWebSocket},
	}

	for name, d := range dialers {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
			defer cancel()

			ch, err := d.Dial(ctx)
			require.NoError(t, err)
			defer ch.Close()

			p := &peer{t: t, ch: ch}
			p.handshake()
			assert.Eventually(t, func() bool { return srv.Sessions() >= 1 }, waitTimeout, 10*time.Millisecond)

			id := p.run(builtin.Echo, `{"text":"over the wire"}`)
			chunks := 0
			for {
				msg := p.recv()
				if msg.Kind == protocol.KindNotification {
					assert.Equal(t, protocol.MethodRunChunk, msg.Method)
					chunks++
					continue
				}
				assert.Equal(t, id, msg.ID)
				assert.JSONEq(t, `{"words":3}`, runOutput(t, msg))
				break
			}
			assert.Equal(t, 3, chunks)
		})
	}
}

func TestHTTPServer_ServeAndShutdown(t *testing.T) {
	cfg := config.Default().Server
	cfg.ShutdownTimeout = 2 * time.Second
	srv := New()
	hs := NewHTTPServer(&cfg, srv)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hs.Serve(ctx, ln) }()

	addr := ln.Addr().String()
	assert.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + PathHealth)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, waitTimeout, 10*time.Millisecond)
	assert.Equal(t, addr, hs.Address())

	// An open SSE session must not hold up shutdown.
	ch, err := (&transport.SSEDialer{URL: "http://" + addr + PathSSE}).Dial(context.Background())
	require.NoError(t, err)
	defer ch.Close()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}

	select {
	case <-ch.Done():
	case <-time.After(waitTimeout):
		t.Fatal("SSE channel not closed by shutdown")
	}
}
