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
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kadirpekel/acp"
	"github.com/kadirpekel/acp/pkg/agent"
	"github.com/kadirpekel/acp/pkg/observability"
	"github.com/kadirpekel/acp/pkg/protocol"
	"github.com/kadirpekel/acp/pkg/registry"
	"github.com/kadirpekel/acp/pkg/schema"
	"github.com/kadirpekel/acp/pkg/transport"
)

// ErrServerClosed is returned by Serve once Close has been called.
var ErrServerClosed = errors.New("server: closed")

// DefaultShutdownGrace is the default WithShutdownGrace value.
const DefaultShutdownGrace = 5 * time.Second

// Server dispatches protocol requests from any number of sessions to the
// agents of a registry.
type Server struct {
	registry  *agent.Registry
	validator schema.Validator
	logger    *slog.Logger
	obs       *observability.Manager
	maxRuns   int64
	sem       *semaphore.Weighted
	policy    DisconnectPolicy
	info      protocol.Implementation
	grace     time.Duration

	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
	wg       sync.WaitGroup
}

// New creates a Server. Without WithRegistry it serves an empty registry
// of its own.
func New(opts ...Option) *Server {
	s := &Server{
		validator: schema.NewJSONSchemaValidator(),
		logger:    slog.Default(),
		obs:       observability.NoopManager(),
		info:      protocol.Implementation{Name: acp.Name, Version: acp.Version},
		grace:     DefaultShutdownGrace,
		sessions:  make(map[string]*session),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = agent.NewRegistry()
	}
	if s.validator == nil {
		s.validator = schema.Noop{}
	}
	if s.maxRuns > 0 {
		s.sem = semaphore.NewWeighted(s.maxRuns)
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.unsubscribe = s.registry.Subscribe(s.onRegistryChange)
	return s
}

// Registry returns the registry the server resolves agents from.
func (s *Server) Registry() *agent.Registry {
	return s.registry
}

// Admission returns the semaphore bounding concurrent runs, or nil when
// runs are unbounded. Other front ends invoking the same registry share it
// so the bound holds across protocols.
func (s *Server) Admission() *semaphore.Weighted {
	return s.sem
}

// Register adds an agent to the server's registry. Empty schemas accept
// any payload.
func (s *Server) Register(name, description string, inputSchema, outputSchema json.RawMessage, h agent.Handler) error {
	return s.registry.Register(agent.Descriptor{
		Name:         name,
		Description:  description,
		InputSchema:  inputSchema,
		OutputSchema: outputSchema,
	}, h)
}

// Unregister removes an agent. Runs already in flight are not affected.
func (s *Server) Unregister(name string) error {
	return s.registry.Unregister(name)
}

// Serve runs one session over ch until the channel closes, ctx is done or
// the server is closed. It always closes ch before returning. The error is
// nil for an orderly close.
func (s *Server) Serve(ctx context.Context, ch transport.Channel) error {
	sess, err := s.openSession(ctx, ch)
	if err != nil {
		_ = ch.Close()
		return err
	}
	defer s.closeSession(sess)

	return sess.serve()
}

// Accept adapts Serve to transport.Acceptor so the server can be handed
// directly to the SSE and WebSocket transports.
func (s *Server) Accept(ctx context.Context, ch transport.Channel) {
	if err := s.Serve(ctx, ch); err != nil && !errors.Is(err, ErrServerClosed) {
		s.logger.Warn("Session ended with error", "error", err)
	}
}

// Sessions reports the number of open sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close terminates every session and waits for them to finish. Close is
// idempotent; Serve fails with ErrServerClosed afterwards.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.unsubscribe()
	s.cancel()
	s.wg.Wait()
	return nil
}

func (s *Server) openSession(ctx context.Context, ch transport.Channel) (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrServerClosed
	}

	sess := newSession(ctx, s, ch)
	s.sessions[sess.id] = sess
	s.wg.Add(1)

	s.obs.Metrics().SessionOpened(ctx)
	sess.logger.Debug("Session opened")
	return sess, nil
}

func (s *Server) closeSession(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()

	s.obs.Metrics().SessionClosed(context.Background())
	sess.logger.Debug("Session closed")
	s.wg.Done()
}

// onRegistryChange broadcasts agents/list_changed to every initialized
// session. Sends happen off the registering goroutine.
func (s *Server) onRegistryChange(c registry.Change) {
	note, err := protocol.NewNotification(protocol.MethodAgentsListChange, nil)
	if err != nil {
		s.logger.Error("Failed to build list_changed notification", "error", err)
		return
	}

	s.mu.Lock()
	targets := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if sess.initialized() {
			targets = append(targets, sess)
		}
	}
	s.mu.Unlock()

	s.logger.Debug("Registry changed", "op", c.Op.String(), "agent", c.Name, "sessions", len(targets))
	for _, sess := range targets {
		go sess.notify(note)
	}
}
