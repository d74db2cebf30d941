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

// Package builtin provides small agents served by `acp serve` out of the
// box.
package builtin

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/kadirpekel/acp/pkg/agent"
)

const (
	HelloWorld = "hello-world"
	Echo       = "echo"
)

type TextInput struct {
	Text string `json:"text" jsonschema:"required,description=Input text"`
}

type TextOutput struct {
	Text string `json:"text"`
}

type EchoInput struct {
	Text    string `json:"text" jsonschema:"required,description=Words to echo back one by one"`
	DelayMS int    `json:"delay_ms,omitempty" jsonschema:"minimum=0,description=Pause between words in milliseconds"`
}

type EchoChunk struct {
	Index int    `json:"index"`
	Word  string `json:"word"`
}

type EchoOutput struct {
	Words int `json:"words"`
}

// NewHelloWorld greets the given text.
func NewHelloWorld() (agent.Descriptor, agent.Handler) {
	return agent.Func(HelloWorld, "This is my Hello World agent",
		func(ctx context.Context, in TextInput) (TextOutput, error) {
			return TextOutput{Text: "Hi there " + in.Text}, nil
		})
}

// NewEcho streams every word of the input as its own chunk.
func NewEcho() (agent.Descriptor, agent.Handler) {
	return agent.Stream(Echo, "Streams the input back one word at a time",
		func(ctx context.Context, in EchoInput, emit func(EchoChunk) error) (EchoOutput, error) {
			words := strings.Fields(in.Text)
			delay := time.Duration(in.DelayMS) * time.Millisecond
			for i, w := range words {
				if i > 0 && delay > 0 {
					select {
					case <-time.After(delay):
					case <-ctx.Done():
						return EchoOutput{}, ctx.Err()
					}
				}
				if err := emit(EchoChunk{Index: i, Word: w}); err != nil {
					return EchoOutput{}, err
				}
			}
			return EchoOutput{Words: len(words)}, nil
		})
}

var factories = map[string]func() (agent.Descriptor, agent.Handler){
	HelloWorld: NewHelloWorld,
	Echo:       NewEcho,
}

// Names lists the builtin agents.
func Names() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Register adds the named builtin agents to reg. An empty list registers
// all of them.
func Register(reg *agent.Registry, names ...string) error {
	if len(names) == 0 {
		names = Names()
	}
	for _, name := range names {
		factory, ok := factories[name]
		if !ok {
			return fmt.Errorf("unknown builtin agent %q (available: %s)", name, strings.Join(Names(), ", "))
		}
		desc, h := factory()
		if err := reg.Register(desc, h); err != nil {
			return err
		}
	}
	return nil
}
