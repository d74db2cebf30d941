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

// Package agent defines invocable agents and the registry that holds them.
//
// # Handler Interface
//
// A Handler is the capability a server invokes for every run:
//
//	type Handler interface {
//	    Invoke(ctx context.Context, input json.RawMessage, out Emitter) (any, error)
//	}
//
// The returned value is the run's terminal output. Handlers that stream
// call out.Emit for every partial result before returning. The context is
// cancelled when the client cancels the run, the run's deadline passes, or
// the session closes.
//
// # Creating Agents
//
// Typed helpers reflect the descriptor schemas from Go types:
//
//	type Input struct {
//	    Text string `json:"text" jsonschema:"required"`
//	}
//	type Output struct {
//	    Text string `json:"text"`
//	}
//
//	desc, h := agent.Func("hello-world", "This is my Hello World agent",
//	    func(ctx context.Context, in Input) (Output, error) {
//	        return Output{Text: "Hi there " + in.Text}, nil
//	    })
//	err := reg.Register(desc, h)
//
// # Registry
//
// Registry maps agent names to descriptor and handler pairs. Names are
// unique, List keeps registration order, and every mutation is reported to
// subscribers so servers can broadcast agents/list_changed.
package agent
