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
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/acp/pkg/agent"
	"github.com/kadirpekel/acp/pkg/observability"
	"github.com/kadirpekel/acp/pkg/protocol"
	"github.com/kadirpekel/acp/pkg/schema"
)

var errRunFinished = errors.New("run already finished")

// run is one agents/run invocation.
type run struct {
	sess    *session
	id      protocol.ID
	desc    agent.Descriptor
	handler agent.Handler
	input   json.RawMessage
	span    trace.Span

	ctx context.Context

	mu   sync.Mutex
	seq  int
	done bool
}

// startRun validates an agents/run request and starts its handler on a new
// goroutine. Requests rejected here are answered immediately.
func (ss *session) startRun(ctx context.Context, span trace.Span, msg *protocol.Message) {
	fail := func(werr *protocol.Error) {
		ss.srv.obs.Tracer().RecordError(span, werr)
		ss.replyError(ctx, msg.ID, werr)
		span.End()
	}

	var p protocol.RunAgentParams
	if err := msg.UnmarshalParams(&p); err != nil {
		fail(protocol.AsError(err))
		return
	}
	if p.Agent == "" {
		fail(protocol.NewError(protocol.CodeInvalidParams, "agent is required", nil))
		return
	}

	desc, h, err := ss.srv.registry.Resolve(p.Agent)
	if err != nil {
		fail(protocol.NewError(protocol.CodeUnknownAgent, "unknown agent: "+p.Agent, map[string]string{"agent": p.Agent}))
		return
	}
	if err := ss.srv.validator.Validate(desc.InputSchema, p.Input); err != nil {
		fail(invalidPayload(protocol.CodeInvalidInput, "invalid input", err))
		return
	}

	runCtx, cancel := context.WithCancelCause(trace.ContextWithSpan(ss.runCtx, span))
	ss.mu.Lock()
	if _, dup := ss.runs[msg.ID]; dup {
		ss.mu.Unlock()
		cancel(nil)
		fail(protocol.Errorf(protocol.CodeInvalidRequest, "request id %s is already in flight", msg.ID))
		return
	}
	ss.runs[msg.ID] = cancel
	ss.wg.Add(1)
	ss.mu.Unlock()

	r := &run{
		sess:    ss,
		id:      msg.ID,
		desc:    desc,
		handler: h,
		input:   p.Input,
		span:    span,
	}
	go r.execute(runCtx, cancel, p.Deadline)
}

func (r *run) execute(ctx context.Context, cancel context.CancelCauseFunc, deadline *time.Time) {
	ss := r.sess
	defer ss.wg.Done()
	defer r.span.End()
	defer cancel(nil)

	if deadline != nil {
		var stop context.CancelFunc
		ctx, stop = context.WithDeadline(ctx, *deadline)
		defer stop()
	}
	r.ctx = ctx
	start := time.Now()

	out, err := r.admitAndInvoke(ctx)

	r.mu.Lock()
	r.done = true
	r.mu.Unlock()

	msg, status := r.terminal(ctx, out, err)

	// The id is free for reuse once the terminal response is on its way.
	ss.mu.Lock()
	delete(ss.runs, r.id)
	ss.mu.Unlock()

	if msg.Error != nil {
		ss.srv.obs.Tracer().RecordError(r.span, msg.Error)
	}
	_ = ss.send(ctx, msg)

	elapsed := time.Since(start)
	ss.srv.obs.Metrics().RecordRun(ctx, r.desc.Name, status, elapsed)
	ss.logger.Debug("Run finished",
		"agent", r.desc.Name,
		"id", r.id.String(),
		"status", status,
		"duration", elapsed,
	)
}

func (r *run) admitAndInvoke(ctx context.Context) (any, error) {
	ss := r.sess
	if sem := ss.srv.sem; sem != nil {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer sem.Release(1)
	}

	invCtx := agent.WithInvocation(ctx, agent.Invocation{
		SessionID: ss.id,
		RequestID: r.id,
		Agent:     r.desc.Name,
	})
	invCtx, span := ss.srv.obs.Tracer().StartInvoke(invCtx, r.desc.Name)
	defer span.End()

	out, err := r.invoke(invCtx)
	ss.srv.obs.Tracer().RecordError(span, err)
	return out, err
}

// invoke calls the handler, turning a panic into an error.
func (r *run) invoke(ctx context.Context) (out any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.sess.logger.Error("Agent handler panicked",
				"agent", r.desc.Name,
				"id", r.id.String(),
				"panic", rec,
				"stack", string(debug.Stack()),
			)
			out, err = nil, fmt.Errorf("handler panicked: %v", rec)
		}
	}()
	return r.handler.Invoke(ctx, r.input, agent.EmitterFunc(r.emit))
}

// emit sends one agents/run/chunk notification. Chunks are numbered in
// emission order and never follow the terminal response.
func (r *run) emit(_ context.Context, chunk any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.done {
		return errRunFinished
	}
	if err := r.ctx.Err(); err != nil {
		return context.Cause(r.ctx)
	}

	raw, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("marshal chunk: %w", err)
	}
	note, err := protocol.NewNotification(protocol.MethodRunChunk, protocol.ChunkParams{
		ID:     r.id,
		Seq:    r.seq,
		Output: raw,
	})
	if err != nil {
		return err
	}
	r.seq++

	r.sess.srv.obs.Metrics().RecordNotification(r.ctx, protocol.MethodRunChunk)
	return r.sess.send(r.ctx, note)
}

// terminal builds the single Response or Error that ends the run, along
// with the status recorded in metrics.
func (r *run) terminal(ctx context.Context, out any, err error) (*protocol.Message, string) {
	if err != nil {
		if ctx.Err() != nil {
			cause := context.Cause(ctx)
			return protocol.NewErrorResponse(r.id,
				protocol.NewError(protocol.CodeCancelled, "run cancelled", map[string]string{"reason": cause.Error()}),
			), observability.StatusCancelled
		}

		var werr *protocol.Error
		if errors.As(err, &werr) {
			return protocol.NewErrorResponse(r.id, handlerError(werr)), observability.StatusError
		}
		r.sess.logger.Warn("Agent handler failed", "agent", r.desc.Name, "id", r.id.String(), "error", err)
		return protocol.NewErrorResponse(r.id,
			protocol.NewError(protocol.CodeHandlerFailed, err.Error(), nil),
		), observability.StatusError
	}

	raw, err := json.Marshal(out)
	if err != nil {
		return protocol.NewErrorResponse(r.id,
			protocol.NewError(protocol.CodeInvalidOutput, "output is not JSON encodable", err.Error()),
		), observability.StatusInvalid
	}
	if string(raw) == "null" {
		raw = nil
	}
	if err := r.sess.srv.validator.Validate(r.desc.OutputSchema, raw); err != nil {
		return protocol.NewErrorResponse(r.id,
			invalidPayload(protocol.CodeInvalidOutput, "invalid output", err),
		), observability.StatusInvalid
	}

	msg, err := protocol.NewResponse(r.id, protocol.RunAgentResult{Output: raw})
	if err != nil {
		return protocol.NewErrorResponse(r.id,
			protocol.NewError(protocol.CodeInternalError, "failed to encode result", err.Error()),
		), observability.StatusError
	}
	return msg, observability.StatusOK
}

// handlerError keeps the codes a handler may report about its own run and
// turns any other wire error, such as one from a failed sub-call, into
// HandlerFailed so it cannot pose as a failure of this request.
func handlerError(werr *protocol.Error) *protocol.Error {
	switch werr.Code {
	case protocol.CodeInvalidInput, protocol.CodeCancelled, protocol.CodeHandlerFailed:
		return werr
	}
	return &protocol.Error{Code: protocol.CodeHandlerFailed, Message: werr.Message, Data: werr.Data}
}

// invalidPayload reports a schema failure, carrying the individual
// problems as error data when the validator provides them.
func invalidPayload(code int, message string, err error) *protocol.Error {
	var verr *schema.ValidationError
	if errors.As(err, &verr) {
		return protocol.NewError(code, message, verr.Problems)
	}
	return protocol.NewError(code, message, err.Error())
}
