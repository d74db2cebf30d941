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
	"fmt"
	"sync"
	"time"

	"github.com/kadirpekel/acp/pkg/protocol"
)

// cancelSendTimeout bounds delivery of the cancel notification.
const cancelSendTimeout = 5 * time.Second

// Chunk is one partial output of a streaming run.
type Chunk struct {
	Seq    int
	Output json.RawMessage
}

// Run is a handle to an in-flight agents/run request.
type Run struct {
	// ID is the request id correlating the run's messages.
	ID protocol.ID
	// Agent is the invoked agent.
	Agent string

	sess *Session
	call *call

	mu       sync.Mutex
	stop     func() bool
	queue    []Chunk
	finished bool
	wake     chan struct{}
	result   json.RawMessage
	err      error

	chunks      chan Chunk
	chunksOnce  sync.Once
	abandon     chan struct{}
	abandonOnce sync.Once
}

// RunAgent starts agent with input and returns without waiting for the
// result. input is marshaled to JSON; json.RawMessage is sent as is.
//
// A deadline on ctx is forwarded to the server, and cancelling ctx cancels
// the run.
func (s *Session) RunAgent(ctx context.Context, name string, input any) (*Run, error) {
	raw, err := marshalInput(input)
	if err != nil {
		return nil, err
	}
	params := protocol.RunAgentParams{Agent: name, Input: raw}
	if deadline, ok := ctx.Deadline(); ok {
		params.Deadline = &deadline
	}

	r := &Run{
		ID:      s.newID(),
		Agent:   name,
		sess:    s,
		call:    newCall(),
		wake:    make(chan struct{}, 1),
		chunks:  make(chan Chunk),
		abandon: make(chan struct{}),
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// The callback may fire before AfterFunc returns, so stop is published
	// under r.mu like the state resolve reads.
	stop := context.AfterFunc(ctx, func() {
		_ = r.cancel(context.Cause(ctx).Error())
	})
	r.mu.Lock()
	r.stop = stop
	r.mu.Unlock()

	if err := s.register(r.ID, r.call, r); err != nil {
		stop()
		return nil, err
	}
	if r.resolved() {
		stop()
		s.forget(r.ID)
		return nil, ctx.Err()
	}
	if err := s.sendRequest(ctx, r.ID, protocol.MethodRunAgent, params); err != nil {
		stop()
		s.forget(r.ID)
		return nil, err
	}
	return r, nil
}

func (r *Run) resolved() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished
}

func marshalInput(input any) (json.RawMessage, error) {
	switch v := input.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("marshal input: %w", err)
	}
	return raw, nil
}

// Chunks returns the run's chunks in order. The channel closes when the
// run ends. Chunks that arrive before the first call are kept, so the
// stream can be read at any time; all calls return the same channel.
func (r *Run) Chunks() <-chan Chunk {
	r.chunksOnce.Do(func() { go r.pump() })
	return r.chunks
}

// Done is closed when the run has resolved.
func (r *Run) Done() <-chan struct{} {
	return r.call.done
}

// Wait blocks until the run resolves and returns its output. Failures are
// *protocol.Error values for server-reported errors, ErrCancelled after
// Cancel, or ErrSessionClosed. Returning because ctx is done leaves the run
// running.
func (r *Run) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-r.call.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result, r.err
}

// Decode waits for the output and unmarshals it into v.
func (r *Run) Decode(ctx context.Context, v any) error {
	out, err := r.Wait(ctx)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(out, v); err != nil {
		return fmt.Errorf("decode %s output: %w", r.Agent, err)
	}
	return nil
}

// Cancel asks the server to stop the run and resolves it locally with
// ErrCancelled without waiting for acknowledgement. A terminal response
// that arrives later is discarded. Cancelling a resolved run is a no-op.
func (r *Run) Cancel() error {
	return r.cancel("cancelled by client")
}

func (r *Run) cancel(reason string) error {
	if !r.fail(&protocol.Error{Code: protocol.CodeCancelled, Message: "run cancelled: " + reason}) {
		return nil
	}
	r.sess.forget(r.ID)

	ctx, cancel := context.WithTimeout(context.Background(), cancelSendTimeout)
	defer cancel()
	return r.sess.notify(ctx, protocol.MethodCancelRun, protocol.CancelParams{ID: r.ID, Reason: reason})
}

// push queues a chunk from the demultiplexer. It never blocks.
func (r *Run) push(c Chunk) {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return
	}
	r.queue = append(r.queue, c)
	r.mu.Unlock()
	r.signal()
}

// finish resolves the run from its terminal message.
func (r *Run) finish(msg *protocol.Message) {
	if msg.Error != nil {
		r.resolve(nil, msg.Error, false)
		return
	}
	var res protocol.RunAgentResult
	if err := json.Unmarshal(msg.Result, &res); err != nil {
		r.resolve(nil, fmt.Errorf("decode run result: %w", err), false)
		return
	}
	r.resolve(res.Output, nil, false)
}

// fail resolves the run with err, dropping chunks not yet read. It reports
// whether this call resolved the run.
func (r *Run) fail(err error) bool {
	return r.resolve(nil, err, true)
}

func (r *Run) resolve(out json.RawMessage, err error, drop bool) bool {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return false
	}
	r.finished = true
	r.result, r.err = out, err
	if drop {
		r.queue = nil
	}
	stop := r.stop
	r.mu.Unlock()

	if stop != nil {
		stop()
	}
	if drop {
		r.abandonOnce.Do(func() { close(r.abandon) })
	}
	r.signal()
	r.call.resolve(nil, err)
	return true
}

func (r *Run) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// pump moves queued chunks to the chunks channel, closing it once the run
// is finished and the queue is empty.
func (r *Run) pump() {
	defer close(r.chunks)
	for {
		r.mu.Lock()
		if len(r.queue) > 0 {
			c := r.queue[0]
			r.queue = r.queue[1:]
			r.mu.Unlock()

			select {
			case r.chunks <- c:
			case <-r.abandon:
				return
			}
			continue
		}
		finished := r.finished
		r.mu.Unlock()

		if finished {
			return
		}
		select {
		case <-r.wake:
		case <-r.abandon:
			return
		}
	}
}
