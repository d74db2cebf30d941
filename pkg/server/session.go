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
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/acp/pkg/agent"
	"github.com/kadirpekel/acp/pkg/protocol"
	"github.com/kadirpekel/acp/pkg/transport"
)

type sessionState int32

const (
	stateUninitialized sessionState = iota
	stateInitialized
	stateClosed
)

var (
	errSessionClosed = errors.New("session closed")
	errRunCancelled  = errors.New("run cancelled")
)

// session is the server side of one channel.
type session struct {
	id     string
	srv    *Server
	ch     transport.Channel
	logger *slog.Logger

	// ctx ends the receive loop. It is done when the Serve context is done
	// or the server closes.
	ctx    context.Context
	cancel context.CancelFunc
	stop   func() bool

	// runCtx parents every run. It keeps the values of the Serve context
	// but is only cancelled by the disconnect policy.
	runCtx     context.Context
	cancelRuns context.CancelCauseFunc

	state atomic.Int32

	mu   sync.Mutex
	runs map[protocol.ID]context.CancelCauseFunc
	wg   sync.WaitGroup
}

func newSession(ctx context.Context, srv *Server, ch transport.Channel) *session {
	ss := &session{
		id:   uuid.NewString(),
		srv:  srv,
		ch:   ch,
		runs: make(map[protocol.ID]context.CancelCauseFunc),
	}
	ss.logger = srv.logger.With("session", ss.id)
	ss.runCtx, ss.cancelRuns = context.WithCancelCause(context.WithoutCancel(ctx))
	ss.ctx, ss.cancel = context.WithCancel(ctx)
	ss.stop = context.AfterFunc(srv.ctx, ss.cancel)
	return ss
}

func (ss *session) initialized() bool {
	return sessionState(ss.state.Load()) == stateInitialized
}

func (ss *session) serve() error {
	defer ss.cancel()
	defer ss.stop()

	peerGone := false
loop:
	for {
		select {
		case msg, ok := <-ss.ch.Receive():
			if !ok {
				peerGone = true
				break loop
			}
			ss.handle(msg)
		case <-ss.ctx.Done():
			break loop
		}
	}

	ss.state.Store(int32(stateClosed))
	ss.shutdown(peerGone)

	if err := ss.ch.Err(); err != nil && !errors.Is(err, transport.ErrClosed) && !errors.Is(err, transport.ErrPeerClosed) {
		return err
	}
	return nil
}

// shutdown applies the disconnect policy to in-flight runs and closes the
// channel. It returns within the shutdown grace: runs still going after it
// are cancelled and abandoned, and their output is dropped.
func (ss *session) shutdown(peerGone bool) {
	grace, stop := context.WithTimeout(context.Background(), ss.srv.grace)
	defer stop()

	done := make(chan struct{})
	go func() {
		ss.wg.Wait()
		close(done)
	}()
	waitRuns := func() bool {
		select {
		case <-done:
			return true
		case <-grace.Done():
			return false
		}
	}

	if ss.srv.policy == PolicyCancel {
		ss.cancelRuns(errSessionClosed)
	}
	if ss.srv.policy == PolicyDrain || !peerGone {
		// Drained runs finish here; cancelled ones get to tell a live peer.
		waitRuns()
	}

	_ = ss.ch.Close()
	ss.cancelRuns(errSessionClosed)

	if !waitRuns() {
		ss.mu.Lock()
		active := len(ss.runs)
		ss.mu.Unlock()
		ss.logger.Warn("Abandoning runs still active after shutdown grace",
			"runs", active,
			"grace", ss.srv.grace,
		)
	}
}

func (ss *session) handle(msg *protocol.Message) {
	switch msg.Kind {
	case protocol.KindRequest:
		ss.handleRequest(msg)
	case protocol.KindNotification:
		ss.handleNotification(msg)
	default:
		ss.logger.Debug("Ignoring unexpected message", "kind", msg.Kind.String(), "id", msg.ID.String())
	}
}

func (ss *session) handleRequest(msg *protocol.Message) {
	tracer := ss.srv.obs.Tracer()
	ctx, span := tracer.StartRequest(ss.ctx, ss.id, msg)
	ss.srv.obs.Metrics().RecordRequest(ctx, msg.Method)

	if msg.Method == protocol.MethodRunAgent && ss.initialized() {
		ss.startRun(ctx, span, msg)
		return
	}
	defer span.End()

	result, werr := ss.dispatch(msg)
	if werr != nil {
		tracer.RecordError(span, werr)
		ss.replyError(ctx, msg.ID, werr)
		return
	}
	if err := ss.reply(ctx, msg.ID, result); err != nil {
		return
	}
	if msg.Method == protocol.MethodInitialize {
		ss.state.CompareAndSwap(int32(stateUninitialized), int32(stateInitialized))
	}
}

func (ss *session) dispatch(msg *protocol.Message) (any, *protocol.Error) {
	switch msg.Method {
	case protocol.MethodPing:
		return struct{}{}, nil
	case protocol.MethodInitialize:
		return ss.initialize(msg)
	}

	if !ss.initialized() {
		return nil, protocol.Errorf(protocol.CodeNotInitialized, "session not initialized: %s requires a completed handshake", msg.Method)
	}

	switch msg.Method {
	case protocol.MethodListAgents:
		agents := ss.srv.registry.List()
		if agents == nil {
			agents = []agent.Descriptor{}
		}
		return protocol.ListAgentsResult{Agents: agents}, nil
	case protocol.MethodCancelRun:
		var p protocol.CancelParams
		if err := msg.UnmarshalParams(&p); err != nil {
			return nil, protocol.AsError(err)
		}
		ss.cancelRun(p)
		return struct{}{}, nil
	default:
		return nil, protocol.Errorf(protocol.CodeMethodNotFound, "method not found: %s", msg.Method)
	}
}

func (ss *session) initialize(msg *protocol.Message) (any, *protocol.Error) {
	if ss.initialized() {
		return nil, protocol.Errorf(protocol.CodeInvalidRequest, "session already initialized")
	}
	var p protocol.InitializeParams
	if err := msg.UnmarshalParams(&p); err != nil {
		return nil, protocol.AsError(err)
	}

	ss.logger.Debug("Handshake",
		"client", p.ClientInfo.Name,
		"client_version", p.ClientInfo.Version,
		"protocol_version", p.ProtocolVersion,
	)
	return protocol.InitializeResult{
		ProtocolVersion: protocol.ProtocolVersion,
		ServerInfo:      ss.srv.info,
		SessionID:       ss.id,
		Capabilities: protocol.Capabilities{
			Streaming:   true,
			ListChanged: true,
			Cancel:      true,
		},
	}, nil
}

func (ss *session) handleNotification(msg *protocol.Message) {
	switch msg.Method {
	case protocol.MethodCancelRun:
		if !ss.initialized() {
			ss.logger.Debug("Ignoring cancel before handshake")
			return
		}
		var p protocol.CancelParams
		if err := msg.UnmarshalParams(&p); err != nil {
			ss.logger.Debug("Ignoring malformed cancel", "error", err)
			return
		}
		ss.cancelRun(p)
	default:
		ss.logger.Debug("Ignoring notification", "method", msg.Method)
	}
}

// cancelRun cancels an in-flight run. Unknown ids are ignored: the run may
// already have completed.
func (ss *session) cancelRun(p protocol.CancelParams) {
	ss.mu.Lock()
	cancel, ok := ss.runs[p.ID]
	ss.mu.Unlock()
	if !ok {
		ss.logger.Debug("Cancel for unknown run", "id", p.ID.String())
		return
	}

	reason := p.Reason
	if reason == "" {
		reason = "cancelled by client"
	}
	ss.logger.Debug("Cancelling run", "id", p.ID.String(), "reason", reason)
	cancel(fmt.Errorf("%w: %s", errRunCancelled, reason))
}

func (ss *session) reply(ctx context.Context, id protocol.ID, result any) error {
	msg, err := protocol.NewResponse(id, result)
	if err != nil {
		ss.logger.Error("Failed to encode result", "id", id.String(), "error", err)
		msg = protocol.NewErrorResponse(id, protocol.NewError(protocol.CodeInternalError, "failed to encode result", err.Error()))
	}
	return ss.send(ctx, msg)
}

func (ss *session) replyError(ctx context.Context, id protocol.ID, werr *protocol.Error) {
	_ = ss.send(ctx, protocol.NewErrorResponse(id, werr))
}

func (ss *session) notify(note *protocol.Message) {
	ss.srv.obs.Metrics().RecordNotification(ss.ctx, note.Method)
	_ = ss.send(ss.ctx, note)
}

// send delivers msg. It ignores cancellation of ctx: terminal responses of
// cancelled runs still go out, and a closed channel fails the send anyway.
func (ss *session) send(ctx context.Context, msg *protocol.Message) error {
	tracer := ss.srv.obs.Tracer()
	ctx, span := tracer.StartSend(ctx, msg)
	defer span.End()

	if err := ss.ch.Send(context.WithoutCancel(ctx), msg); err != nil {
		tracer.RecordError(span, err)
		ss.logger.Debug("Send failed", "kind", msg.Kind.String(), "method", msg.Method, "id", msg.ID.String(), "error", err)
		return err
	}
	return nil
}
