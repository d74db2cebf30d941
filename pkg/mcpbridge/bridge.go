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
// Package mcpbridge exposes registered agents as MCP tools, so MCP clients
// can discover and call them over streamable HTTP.
//
// Each agent becomes a tool with the agent's input schema. Chunks a
// streaming agent emits are forwarded as progress notifications when the
// caller supplied a progress token. The tool list follows the registry.
package mcpbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"golang.org/x/sync/semaphore"

	"github.com/kadirpekel/acp"
	"github.com/kadirpekel/acp/pkg/agent"
	"github.com/kadirpekel/acp/pkg/registry"
	"github.com/kadirpekel/acp/pkg/schema"
)

// defaultToolSchema is advertised for agents without an input schema.
var defaultToolSchema = json.RawMessage(`{"type":"object"}`)

// Bridge serves a registry's agents as MCP tools.
type Bridge struct {
	reg       *agent.Registry
	mcp       *server.MCPServer
	validator schema.Validator
	admission *semaphore.Weighted
	logger    *slog.Logger
	name      string
	version   string

	mu          sync.Mutex
	tools       map[string]bool
	unsubscribe func()
}

// Option configures a Bridge.
type Option func(*Bridge)

func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithValidator sets the validator applied to tool arguments and results.
func WithValidator(v schema.Validator) Option {
	return func(b *Bridge) {
		if v != nil {
			b.validator = v
		}
	}
}

// WithAdmission bounds tool calls with sem, which is usually the ACP
// server's Admission so both front ends draw on one budget. Calls beyond
// the bound wait for a slot. Without it tool calls are unbounded.
func WithAdmission(sem *semaphore.Weighted) Option {
	return func(b *Bridge) {
		b.admission = sem
	}
}

// WithServerInfo sets the implementation reported to MCP clients.
func WithServerInfo(name, version string) Option {
	return func(b *Bridge) {
		b.name, b.version = name, version
	}
}

// New builds a bridge over reg and keeps its tools in sync with it until
// Close.
func New(reg *agent.Registry, opts ...Option) *Bridge {
	b := &Bridge{
		reg:       reg,
		validator: schema.NewJSONSchemaValidator(),
		logger:    slog.Default(),
		name:      acp.Name,
		version:   acp.Version,
		tools:     make(map[string]bool),
	}
	for _, opt := range opts {
		opt(b)
	}

	b.mcp = server.NewMCPServer(b.name, b.version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	b.unsubscribe = reg.Subscribe(func(registry.Change) { b.sync() })
	b.sync()
	return b
}

// MCPServer returns the underlying MCP server.
func (b *Bridge) MCPServer() *server.MCPServer {
	return b.mcp
}

// Handler returns the streamable HTTP handler for the bridge.
func (b *Bridge) Handler() http.Handler {
	return server.NewStreamableHTTPServer(b.mcp)
}

// Close stops following the registry.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.unsubscribe != nil {
		b.unsubscribe()
		b.unsubscribe = nil
	}
}

// Tools returns the names of the tools currently served.
func (b *Bridge) Tools() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.tools))
	for _, name := range b.reg.Names() {
		if b.tools[name] {
			names = append(names, name)
		}
	}
	return names
}

// sync reconciles the tool list with the registry.
func (b *Bridge) sync() {
	b.mu.Lock()
	defer b.mu.Unlock()

	current := make(map[string]bool, b.reg.Len())
	for _, desc := range b.reg.List() {
		current[desc.Name] = true
		if b.tools[desc.Name] {
			continue
		}
		b.mcp.AddTool(toolFor(desc), b.callHandler(desc.Name))
		b.tools[desc.Name] = true
		b.logger.Debug("MCP tool added", "tool", desc.Name)
	}

	var stale []string
	for name := range b.tools {
		if !current[name] {
			stale = append(stale, name)
			delete(b.tools, name)
		}
	}
	if len(stale) > 0 {
		b.mcp.DeleteTools(stale...)
		b.logger.Debug("MCP tools removed", "tools", stale)
	}
}

func toolFor(desc agent.Descriptor) mcp.Tool {
	inputSchema := desc.InputSchema
	if schema.IsEmpty(inputSchema) {
		inputSchema = defaultToolSchema
	}
	return mcp.NewToolWithRawSchema(desc.Name, desc.Description, inputSchema)
}

// callHandler invokes the named agent. Agent failures are reported as
// tool errors, not protocol errors, so the model sees them.
func (b *Bridge) callHandler(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		desc, h, err := b.reg.Resolve(name)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("agent %q is no longer available", name)), nil
		}

		var input json.RawMessage
		if req.Params.Arguments != nil {
			input, err = json.Marshal(req.Params.Arguments)
			if err != nil {
				return mcp.NewToolResultError("arguments are not valid JSON"), nil
			}
		}
		if err := b.validator.Validate(desc.InputSchema, input); err != nil {
			return mcp.NewToolResultError("invalid input: " + err.Error()), nil
		}

		var token mcp.ProgressToken
		if req.Params.Meta != nil {
			token = req.Params.Meta.ProgressToken
		}
		out, err := b.invoke(ctx, desc, h, input, b.progressEmitter(token))
		if err != nil {
			b.logger.Debug("MCP tool call failed", "tool", name, "error", err)
			return mcp.NewToolResultError(err.Error()), nil
		}

		raw, err := json.Marshal(out)
		if err != nil {
			return mcp.NewToolResultError("output is not JSON encodable: " + err.Error()), nil
		}
		if err := b.validator.Validate(desc.OutputSchema, raw); err != nil {
			return mcp.NewToolResultError("invalid output: " + err.Error()), nil
		}
		return mcp.NewToolResultText(string(raw)), nil
	}
}

func (b *Bridge) invoke(ctx context.Context, desc agent.Descriptor, h agent.Handler, input json.RawMessage, out agent.Emitter) (result any, err error) {
	if b.admission != nil {
		if err := b.admission.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("waiting for a run slot: %w", err)
		}
		defer b.admission.Release(1)
	}

	defer func() {
		if rec := recover(); rec != nil {
			b.logger.Error("Agent handler panicked",
				"agent", desc.Name,
				"panic", rec,
				"stack", string(debug.Stack()),
			)
			result, err = nil, fmt.Errorf("handler panicked: %v", rec)
		}
	}()

	ctx = agent.WithInvocation(ctx, agent.Invocation{Agent: desc.Name})
	return h.Invoke(ctx, input, out)
}

// progressEmitter forwards chunks as notifications/progress. Without a
// token the client did not ask for progress and chunks are dropped.
func (b *Bridge) progressEmitter(token mcp.ProgressToken) agent.Emitter {
	if token == nil {
		return agent.Discard
	}
	var (
		mu  sync.Mutex
		seq int
	)
	return agent.EmitterFunc(func(ctx context.Context, chunk any) error {
		raw, err := json.Marshal(chunk)
		if err != nil {
			return fmt.Errorf("marshal chunk: %w", err)
		}

		mu.Lock()
		seq++
		progress := seq
		mu.Unlock()

		return b.mcp.SendNotificationToClient(ctx, "notifications/progress", map[string]any{
			"progressToken": token,
			"progress":      progress,
			"message":       string(raw),
		})
	})
}
