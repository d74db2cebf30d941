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
	"context"
	"encoding/json"
	"fmt"

	"github.com/kadirpekel/acp/pkg/protocol"
	"github.com/kadirpekel/acp/pkg/schema"
)

// Func builds a descriptor and handler from a typed function. Input and
// output schemas are reflected from In and Out.
func Func[In, Out any](name, description string, fn func(ctx context.Context, in In) (Out, error)) (Descriptor, Handler) {
	desc := Descriptor{
		Name:         name,
		Description:  description,
		InputSchema:  schema.Reflect[In](),
		OutputSchema: schema.Reflect[Out](),
	}
	h := HandlerFunc(func(ctx context.Context, input json.RawMessage, _ Emitter) (any, error) {
		in, err := decodeInput[In](input)
		if err != nil {
			return nil, err
		}
		return fn(ctx, in)
	})
	return desc, h
}

// Stream builds a descriptor and handler from a typed function that emits
// chunks of type Chunk before returning its terminal Out.
func Stream[In, Chunk, Out any](name, description string, fn func(ctx context.Context, in In, emit func(Chunk) error) (Out, error)) (Descriptor, Handler) {
	desc := Descriptor{
		Name:         name,
		Description:  description,
		InputSchema:  schema.Reflect[In](),
		OutputSchema: schema.Reflect[Out](),
	}
	h := HandlerFunc(func(ctx context.Context, input json.RawMessage, out Emitter) (any, error) {
		in, err := decodeInput[In](input)
		if err != nil {
			return nil, err
		}
		return fn(ctx, in, func(c Chunk) error { return out.Emit(ctx, c) })
	})
	return desc, h
}

func decodeInput[In any](input json.RawMessage) (In, error) {
	var in In
	if len(input) == 0 {
		return in, nil
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return in, protocol.NewError(protocol.CodeInvalidInput, fmt.Sprintf("decode input: %v", err), nil)
	}
	return in, nil
}
