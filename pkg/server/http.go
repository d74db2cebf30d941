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
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/a2aproject/a2a-go/a2asrv"
	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/acp"
	"github.com/kadirpekel/acp/pkg/agent"
	"github.com/kadirpekel/acp/pkg/config"
	"github.com/kadirpekel/acp/pkg/transport"
)

// HTTP paths served by HTTPServer.
const (
	PathSSE          = "/acp/sse"
	PathMessages     = "/acp/messages"
	PathWebSocket    = "/acp/ws"
	PathHealth       = "/health"
	PathAgents       = "/agents"
	PathConfigSchema = "/config/schema"
)

// HTTPServer exposes a Server over SSE and WebSocket, plus discovery and
// operational endpoints.
//
// Routes:
//   - GET         /acp/sse      → SSE stream (one session per stream)
//   - POST|DELETE /acp/messages → SSE client-to-server messages
//   - GET         /acp/ws       → WebSocket session
//   - GET         /health       → health status
//   - GET         /agents       → discovery
//   - GET         /.well-known/agent-card.json → first agent's card
//   - GET         /agents/{name}/.well-known/agent-card.json → agent card
//   - GET         /config/schema → JSON Schema of the config file
//   - GET         /metrics      → Prometheus exposition, when enabled
type HTTPServer struct {
	cfg *config.ServerConfig
	srv *Server

	sse *transport.SSEServer
	ws  *transport.WebSocketHandler

	mcpPath    string
	mcpHandler http.Handler

	handler http.Handler

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// HTTPServerOption configures an HTTPServer.
type HTTPServerOption func(*HTTPServer)

// WithMCPHandler mounts h at path, typically the MCP bridge.
func WithMCPHandler(path string, h http.Handler) HTTPServerOption {
	return func(s *HTTPServer) {
		s.mcpPath = path
		s.mcpHandler = h
	}
}

// NewHTTPServer builds the HTTP surface for srv. Logging and observability
// are taken from srv.
func NewHTTPServer(cfg *config.ServerConfig, srv *Server, opts ...HTTPServerOption) *HTTPServer {
	if cfg == nil {
		cfg = &config.ServerConfig{}
		cfg.SetDefaults()
	}

	s := &HTTPServer{cfg: cfg, srv: srv}
	for _, opt := range opts {
		opt(s)
	}

	s.sse = transport.NewSSEServer(srv.Accept, PathMessages, srv.logger)
	s.sse.KeepAlive = cfg.KeepAlive
	s.ws = transport.NewWebSocketHandler(srv.Accept, srv.logger)

	s.handler = s.setupRoutes()
	return s
}

// Handler returns the root handler with all middleware applied.
func (s *HTTPServer) Handler() http.Handler {
	return s.handler
}

func (s *HTTPServer) setupRoutes() http.Handler {
	r := chi.NewRouter()

	// Order: observability -> logging -> cors -> routes
	r.Use(s.srv.obs.Middleware())
	r.Use(s.loggingMiddleware)
	r.Use(s.corsMiddleware)

	r.Get(PathHealth, s.handleHealth)

	if path := s.srv.obs.MetricsPath(); path != "" {
		r.Method(http.MethodGet, path, s.srv.obs.Metrics().Handler())
	}

	// Session transports
	r.Get(PathSSE, s.sse.ServeHTTP)
	r.Post(PathMessages, s.sse.ServeHTTP)
	r.Delete(PathMessages, s.sse.ServeHTTP)
	r.Get(PathWebSocket, s.ws.ServeHTTP)

	// Discovery
	r.Get(PathAgents, s.handleDiscovery)
	r.Get(a2asrv.WellKnownAgentCardPath, s.handleDefaultAgentCard)
	r.Get(PathAgents+"/{name}"+a2asrv.WellKnownAgentCardPath, s.handleAgentCard)
	r.Get(PathConfigSchema, s.handleConfigSchema)

	if s.mcpHandler != nil {
		r.Handle(s.mcpPath, s.mcpHandler)
		s.srv.logger.Info("MCP bridge mounted", "path", s.mcpPath)
	}

	return r
}

// Start listens on the configured address and serves until ctx is done.
func (s *HTTPServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Address())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Address(), err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully.
func (s *HTTPServer) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler: s.handler,
		// No write timeout: SSE streams are long-lived.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.mu.Lock()
	s.server = httpServer
	s.listener = ln
	s.mu.Unlock()

	s.srv.logger.Info("HTTP server starting", "address", ln.Addr().String())

	serveCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(serveCtx)

	g.Go(func() error {
		defer cancel()
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		timeout := s.cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, done := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer done()
		return s.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Shutdown closes all sessions, then the HTTP server. Open SSE streams
// end with their sessions, so sessions go first.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	var errs []error

	closed := make(chan struct{})
	go func() {
		_ = s.srv.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("sessions did not close: %w", ctx.Err()))
	}

	s.mu.Lock()
	httpServer := s.server
	s.mu.Unlock()

	if httpServer != nil {
		s.srv.logger.Info("HTTP server shutting down")
		if err := httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}

	return errors.Join(errs...)
}

// Address returns the bound address once serving, else the configured one.
func (s *HTTPServer) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Address()
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"version":  acp.Version,
		"sessions": s.srv.Sessions(),
		"agents":   s.srv.Registry().Len(),
	})
}

func (s *HTTPServer) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	agents := s.srv.Registry().List()
	writeJSON(w, http.StatusOK, map[string]any{
		"agents": agents,
		"total":  len(agents),
	})
}

// handleDefaultAgentCard serves the card of the first registered agent at
// the server-level well-known path.
func (s *HTTPServer) handleDefaultAgentCard(w http.ResponseWriter, r *http.Request) {
	agents := s.srv.Registry().List()
	if len(agents) == 0 {
		http.Error(w, "no agents registered", http.StatusNotFound)
		return
	}
	a2asrv.NewStaticAgentCardHandler(s.buildAgentCard(agents[0])).ServeHTTP(w, r)
}

func (s *HTTPServer) handleAgentCard(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	desc, _, err := s.srv.Registry().Resolve(name)
	if err != nil {
		http.Error(w, fmt.Sprintf("agent %q not found", name), http.StatusNotFound)
		return
	}
	a2asrv.NewStaticAgentCardHandler(s.buildAgentCard(desc)).ServeHTTP(w, r)
}

// buildAgentCard describes an agent as an A2A card. The card URL points
// at the SSE endpoint; the agent is invoked by name over a session.
func (s *HTTPServer) buildAgentCard(desc agent.Descriptor) *a2a.AgentCard {
	tags := []string{"acp"}
	if len(desc.InputSchema) > 0 {
		tags = append(tags, "structured-input")
	}

	return &a2a.AgentCard{
		Name:               desc.Name,
		Description:        desc.Description,
		URL:                s.cfg.URL() + PathSSE,
		Version:            acp.Version,
		ProtocolVersion:    "1.0",
		DefaultInputModes:  []string{"application/json"},
		DefaultOutputModes: []string{"application/json"},
		Skills: []a2a.AgentSkill{{
			ID:          desc.Name,
			Name:        desc.Name,
			Description: desc.Description,
			Tags:        tags,
		}},
		Capabilities: a2a.AgentCapabilities{
			Streaming: true,
		},
		Provider: &a2a.AgentProvider{
			Org: acp.Name,
			URL: "https://github.com/kadirpekel/acp",
		},
	}
}

// handleConfigSchema serves a JSON Schema of the config file.
func (s *HTTPServer) handleConfigSchema(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-cache")
	writeJSON(w, http.StatusOK, config.JSONSchema())
}

// corsMiddleware adds CORS headers.
func (s *HTTPServer) corsMiddleware(next http.Handler) http.Handler {
	cors := s.cfg.CORS
	if cors == nil {
		cors = &config.CORSConfig{AllowedOrigins: []string{"*"}}
	}
	methods := "GET, POST, DELETE, OPTIONS"
	if len(cors.AllowedMethods) > 0 {
		methods = strings.Join(cors.AllowedMethods, ", ")
	}
	headers := "Content-Type, Authorization"
	if len(cors.AllowedHeaders) > 0 {
		headers = strings.Join(cors.AllowedHeaders, ", ")
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			for _, allowed := range cors.AllowedOrigins {
				if allowed == "*" || allowed == origin {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}

		w.Header().Set("Access-Control-Allow-Methods", methods)
		w.Header().Set("Access-Control-Allow-Headers", headers)
		if config.BoolValue(cors.AllowCredentials, false) {
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs requests. It does not wrap the ResponseWriter so
// streaming keeps its http.Flusher.
func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.srv.logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
