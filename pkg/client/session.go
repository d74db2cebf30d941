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
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/kadirpekel/acp/pkg/agent"
	"github.com/kadirpekel/acp/pkg/protocol"
	"github.com/kadirpekel/acp/pkg/transport"
)

// Session is an initialized client session. It is safe for concurrent use.
type Session struct {
	ch   transport.Channel
	info protocol.Implementation
	init protocol.InitializeResult

	nextID atomic.Int64

	mu        sync.Mutex
	logger    *slog.Logger
	pending   map[protocol.ID]*call
	runs      map[protocol.ID]*Run
	observers map[string]map[int]func(*protocol.Message)
	nextObs   int
	closed    bool

	done      chan struct{}
	closeOnce sync.Once
}

// call is one request waiting for its terminal response.
type call struct {
	done chan struct{}
	msg  *protocol.Message
	err  error
	once sync.Once
}

func newCall() *call {
	return &call{done: make(chan struct{})}
}

func (c *call) resolve(msg *protocol.Message, err error) {
	c.once.Do(func() {
		c.msg, c.err = msg, err
		close(c.done)
	})
}

// NewSession starts the demultiplexer on ch and performs the initialize
// handshake, bounded by ctx. ch is closed if the handshake fails.
func NewSession(ctx context.Context, ch transport.Channel, opts ...Option) (*Session, error) {
	s := &Session{
		ch:        ch,
		logger:    slog.Default(),
		info:      defaultClientInfo(),
		pending:   make(map[protocol.ID]*call),
		runs:      make(map[protocol.ID]*Run),
		observers: make(map[string]map[int]func(*protocol.Message)),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.demux()

	raw, err := s.call(ctx, protocol.MethodInitialize, protocol.InitializeParams{
		ProtocolVersion: protocol.ProtocolVersion,
		ClientInfo:      s.info,
	})
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}
	if err := json.Unmarshal(raw, &s.init); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("%w: decode initialize result: %w", ErrHandshakeFailed, err)
	}
	if s.init.ProtocolVersion != protocol.ProtocolVersion {
		s.logger.Warn("Server speaks a different protocol version",
			"server", s.init.ProtocolVersion,
			"client", protocol.ProtocolVersion,
		)
	}

	logger := s.logger.With("session", s.init.SessionID)
	s.mu.Lock()
	s.logger = logger
	s.mu.Unlock()
	logger.Debug("Session initialized",
		"server", s.init.ServerInfo.Name,
		"server_version", s.init.ServerInfo.Version,
	)
	return s, nil
}

// ID returns the server-assigned session id.
func (s *Session) ID() string { return s.init.SessionID }

// ServerInfo returns the initialize result.
func (s *Session) ServerInfo() protocol.InitializeResult { return s.init }

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} { return s.done }

// ListAgents returns the server's agents in registration order.
func (s *Session) ListAgents(ctx context.Context) ([]agent.Descriptor, error) {
	raw, err := s.call(ctx, protocol.MethodListAgents, nil)
	if err != nil {
		return nil, err
	}
	var res protocol.ListAgentsResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode agents: %w", err)
	}
	return res.Agents, nil
}

// Ping checks that the server is responsive.
func (s *Session) Ping(ctx context.Context) error {
	_, err := s.call(ctx, protocol.MethodPing, nil)
	return err
}

// OnNotification registers fn for server notifications with the given
// method. fn runs on the demultiplexer goroutine and must not block.
// The returned function removes the observer.
func (s *Session) OnNotification(method string, fn func(*protocol.Message)) (remove func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextObs
	s.nextObs++
	if s.observers[method] == nil {
		s.observers[method] = make(map[int]func(*protocol.Message))
	}
	s.observers[method][id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.observers[method], id)
	}
}

// OnAgentsChanged registers fn for agents/list_changed notifications.
func (s *Session) OnAgentsChanged(fn func()) (remove func()) {
	return s.OnNotification(protocol.MethodAgentsListChange, func(*protocol.Message) { fn() })
}

// Close ends the session. Pending calls resolve with ErrSessionClosed.
// Close is idempotent.
func (s *Session) Close() error {
	err := s.ch.Close()
	s.shutdown()
	if errors.Is(err, transport.ErrClosed) {
		return nil
	}
	return err
}

// call sends a request and waits for its terminal response. A wire error
// is returned as *protocol.Error.
func (s *Session) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := s.newID()
	c := newCall()
	if err := s.register(id, c, nil); err != nil {
		return nil, err
	}

	if err := s.sendRequest(ctx, id, method, params); err != nil {
		s.forget(id)
		return nil, err
	}

	select {
	case <-c.done:
	case <-ctx.Done():
		s.forget(id)
		return nil, ctx.Err()
	}
	if c.err != nil {
		return nil, c.err
	}
	if c.msg.Error != nil {
		return nil, c.msg.Error
	}
	return c.msg.Result, nil
}

func (s *Session) newID() protocol.ID {
	return protocol.Int64ID(s.nextID.Add(1))
}

func (s *Session) register(id protocol.ID, c *call, r *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.pending[id] = c
	if r != nil {
		s.runs[id] = r
	}
	return nil
}

// forget drops id so a late response is discarded.
func (s *Session) forget(id protocol.ID) {
	s.mu.Lock()
	delete(s.pending, id)
	delete(s.runs, id)
	s.mu.Unlock()
}

func (s *Session) sendRequest(ctx context.Context, id protocol.ID, method string, params any) error {
	msg, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return err
	}
	return s.send(ctx, msg)
}

func (s *Session) notify(ctx context.Context, method string, params any) error {
	msg, err := protocol.NewNotification(method, params)
	if err != nil {
		return err
	}
	return s.send(ctx, msg)
}

func (s *Session) send(ctx context.Context, msg *protocol.Message) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	if err := s.ch.Send(ctx, msg); err != nil {
		if errors.Is(err, transport.ErrClosed) {
			return ErrSessionClosed
		}
		return err
	}
	return nil
}

// log returns the session logger. It gains the session id once the
// handshake completes, while the demultiplexer is already running.
func (s *Session) log() *slog.Logger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logger
}

// demux is the only reader of the channel.
func (s *Session) demux() {
	defer s.shutdown()

	for msg := range s.ch.Receive() {
		switch msg.Kind {
		case protocol.KindResponse, protocol.KindError:
			s.dispatchTerminal(msg)
		case protocol.KindNotification:
			s.dispatchNotification(msg)
		case protocol.KindRequest:
			s.log().Debug("Rejecting server request", "method", msg.Method)
			_ = s.send(context.Background(), protocol.NewErrorResponse(msg.ID,
				protocol.Errorf(protocol.CodeMethodNotFound, "method not found: %s", msg.Method)))
		}
	}

	if err := s.ch.Err(); err != nil && !errors.Is(err, transport.ErrClosed) {
		s.log().Debug("Session channel closed", "error", err)
	}
}

func (s *Session) dispatchTerminal(msg *protocol.Message) {
	s.mu.Lock()
	c, ok := s.pending[msg.ID]
	r := s.runs[msg.ID]
	delete(s.pending, msg.ID)
	delete(s.runs, msg.ID)
	s.mu.Unlock()

	if !ok {
		s.log().Debug("Discarding response for unknown id", "id", msg.ID.String(), "kind", msg.Kind.String())
		return
	}
	if r != nil {
		r.finish(msg)
	}
	c.resolve(msg, nil)
}

func (s *Session) dispatchNotification(msg *protocol.Message) {
	if msg.Method == protocol.MethodRunChunk {
		var p protocol.ChunkParams
		if err := msg.UnmarshalParams(&p); err != nil {
			s.log().Debug("Discarding malformed chunk", "error", err)
			return
		}
		s.mu.Lock()
		r := s.runs[p.ID]
		s.mu.Unlock()
		if r == nil {
			s.log().Debug("Discarding chunk for unknown run", "id", p.ID.String())
			return
		}
		r.push(Chunk{Seq: p.Seq, Output: p.Output})
		return
	}

	s.mu.Lock()
	fns := make([]func(*protocol.Message), 0, len(s.observers[msg.Method]))
	for _, fn := range s.observers[msg.Method] {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	if len(fns) == 0 {
		s.log().Debug("Unhandled notification", "method", msg.Method)
	}
	for _, fn := range fns {
		fn(msg)
	}
}

// shutdown resolves everything still pending with ErrSessionClosed.
func (s *Session) shutdown() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		pending := s.pending
		runs := s.runs
		s.pending = make(map[protocol.ID]*call)
		s.runs = make(map[protocol.ID]*Run)
		s.mu.Unlock()

		for _, r := range runs {
			r.fail(ErrSessionClosed)
		}
		for _, c := range pending {
			c.resolve(nil, ErrSessionClosed)
		}
		close(s.done)
	})
}
