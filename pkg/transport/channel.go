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

// Package transport carries encoded protocol messages between exactly one
// client and one server endpoint.
//
// A Channel is ordered per direction and bidirectional. The server may push
// notifications and streamed chunks at any time, so consumers demultiplex by
// message kind and correlation id, never by arrival order.
//
// Three implementations are provided: an in-memory pipe, HTTP with a
// server-sent event stream (POST for the client-to-server leg), and
// WebSocket.
package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kadirpekel/acp/pkg/protocol"
)

// ErrClosed is returned by Send on a closed channel and is the default
// Err of a channel closed without a more specific cause.
var ErrClosed = errors.New("transport: channel closed")

// DefaultBufferSize is the number of frames buffered in each direction.
const DefaultBufferSize = 64

// closeGrace bounds how long Close waits for a peer to observe the close.
const closeGrace = 2 * time.Second

// Channel is a bidirectional, ordered message stream.
type Channel interface {
	// Send encodes and queues msg. It suspends while the outgoing buffer is
	// full and fails once the channel or ctx is done.
	Send(ctx context.Context, msg *protocol.Message) error

	// Receive returns the incoming message sequence. The returned channel
	// is closed when the Channel closes.
	Receive() <-chan *protocol.Message

	// Done is closed when the channel closes.
	Done() <-chan struct{}

	// Err reports why the channel closed, or nil while it is open.
	Err() error

	// Close closes the channel. It is idempotent.
	Close() error
}

// Dialer opens client-side channels.
type Dialer interface {
	Dial(ctx context.Context) (Channel, error)
}

// Acceptor receives server-side channels as peers connect. It is called on
// its own goroutine and may block for the lifetime of the channel.
type Acceptor func(ctx context.Context, ch Channel)

// endpoint is the shared receive half of every Channel implementation.
// Producers push raw frames; a single pump goroutine decodes them and is
// the only writer and closer of the receive channel.
type endpoint struct {
	raw  chan []byte
	in   chan *protocol.Message
	done chan struct{}

	once    sync.Once
	mu      sync.Mutex
	err     error
	onClose func()
}

func newEndpoint(buffer int) *endpoint {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	e := &endpoint{
		raw:  make(chan []byte, buffer),
		in:   make(chan *protocol.Message, buffer),
		done: make(chan struct{}),
	}
	go e.pump()
	return e
}

func (e *endpoint) pump() {
	defer close(e.in)
	for {
		select {
		case <-e.done:
			return
		case data := <-e.raw:
			msg, err := protocol.Decode(data)
			if err != nil {
				e.closeWithError(err)
				return
			}
			select {
			case e.in <- msg:
			case <-e.done:
				return
			}
		}
	}
}

// push hands one raw frame to the pump, waiting for buffer space.
func (e *endpoint) push(ctx context.Context, data []byte) error {
	select {
	case <-e.done:
		return e.closedErr()
	default:
	}
	select {
	case e.raw <- data:
		return nil
	case <-e.done:
		return e.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *endpoint) Receive() <-chan *protocol.Message { return e.in }

func (e *endpoint) Done() <-chan struct{} { return e.done }

func (e *endpoint) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

func (e *endpoint) closedErr() error {
	if err := e.Err(); err != nil && !errors.Is(err, ErrClosed) {
		return errors.Join(ErrClosed, err)
	}
	return ErrClosed
}

// closeWithError closes the endpoint once, recording err as the cause.
// It reports whether this call performed the close.
// onClose runs after the once completes, so it may close a peer that
// closes this endpoint back.
func (e *endpoint) closeWithError(err error) bool {
	var (
		closed  bool
		onClose func()
	)
	e.once.Do(func() {
		if err == nil {
			err = ErrClosed
		}
		e.mu.Lock()
		e.err = err
		onClose = e.onClose
		e.mu.Unlock()
		close(e.done)
		closed = true
	})
	if onClose != nil {
		onClose()
	}
	return closed
}

func (e *endpoint) setOnClose(fn func()) {
	e.mu.Lock()
	e.onClose = fn
	e.mu.Unlock()
}

// encodeFor encodes msg after checking ctx and the channel state.
func (e *endpoint) encodeFor(ctx context.Context, msg *protocol.Message) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case <-e.done:
		return nil, e.closedErr()
	default:
	}
	return protocol.Encode(msg)
}
