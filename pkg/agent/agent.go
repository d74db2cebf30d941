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

package agent

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/kadirpekel/acp/pkg/protocol"
)

// Descriptor is the public metadata of an agent, exactly as listed on the
// wire.
type Descriptor = protocol.AgentDescriptor

// Handler runs one invocation of an agent.
type Handler interface {
	Invoke(ctx context.Context, input json.RawMessage, out Emitter) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, input json.RawMessage, out Emitter) (any, error)

func (f HandlerFunc) Invoke(ctx context.Context, input json.RawMessage, out Emitter) (any, error) {
	return f(ctx, input, out)
}

// Emitter delivers partial results of a run to the caller, in order.
type Emitter interface {
	Emit(ctx context.Context, chunk any) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, chunk any) error

func (f EmitterFunc) Emit(ctx context.Context, chunk any) error { return f(ctx, chunk) }

// Discard is an Emitter that drops every chunk.
var Discard Emitter = EmitterFunc(func(context.Context, any) error { return nil })

// cloneDescriptor deep-copies the schema buffers so a registered descriptor
// cannot be changed through a slice the caller still holds.
func cloneDescriptor(d Descriptor) Descriptor {
	d.InputSchema = bytes.Clone(d.InputSchema)
	d.OutputSchema = bytes.Clone(d.OutputSchema)
	return d
}
