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

package transport

import (
	"context"
	"errors"

	"github.com/kadirpekel/acp/pkg/protocol"
)

// ErrPeerClosed is the Err of a channel whose peer closed first.
var ErrPeerClosed = errors.New("transport: peer closed")

// pipeEnd is one side of an in-memory pipe. Messages still pass through
// the codec so both ends observe exactly what a network peer would.
type pipeEnd struct {
	*endpoint
	peer *pipeEnd
}

// NewPipe returns two connected in-memory channels. What one side sends the
// other receives, in order. Closing either side closes both.
func NewPipe() (Channel, Channel) {
	return NewPipeSize(DefaultBufferSize)
}

// NewPipeSize is NewPipe with an explicit per-direction buffer size.
func NewPipeSize(buffer int) (Channel, Channel) {
	a := &pipeEnd{endpoint: newEndpoint(buffer)}
	b := &pipeEnd{endpoint: newEndpoint(buffer)}
	a.peer, b.peer = b, a
	a.setOnClose(func() { b.closeWithError(ErrPeerClosed) })
	b.setOnClose(func() { a.closeWithError(ErrPeerClosed) })
	return a, b
}

func (p *pipeEnd) Send(ctx context.Context, msg *protocol.Message) error {
	data, err := p.encodeFor(ctx, msg)
	if err != nil {
		return err
	}
	if err := p.peer.push(ctx, data); err != nil {
		if errors.Is(err, ErrClosed) {
			return ErrClosed
		}
		return err
	}
	return nil
}

func (p *pipeEnd) Close() error {
	p.closeWithError(ErrClosed)
	return nil
}

// PipeDialer dials in-memory channels whose server ends are handed to
// Accept. It lets a client and server share one process without a network.
type PipeDialer struct {
	Accept Acceptor
	Buffer int
}

// Dial implements Dialer.
func (d *PipeDialer) Dial(ctx context.Context) (Channel, error) {
	if d.Accept == nil {
		return nil, errors.New("pipe dialer: no acceptor")
	}
	client, server := NewPipeSize(d.Buffer)
	go d.Accept(context.WithoutCancel(ctx), server)
	return client, nil
}

// InjectRaw sends an undecoded frame from ch to its peer, bypassing the
// encoder. It only works on pipe channels and exists for exercising
// malformed-input handling.
func InjectRaw(ctx context.Context, ch Channel, data []byte) error {
	p, ok := ch.(*pipeEnd)
	if !ok {
		return errors.New("inject raw: not a pipe channel")
	}
	return p.peer.push(ctx, data)
}
