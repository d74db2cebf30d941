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

package protocol

import (
	"encoding/json"
	"time"
)

// ProtocolVersion is the version negotiated during initialize.
const ProtocolVersion = "2025-06-01"

// Method names.
const (
	MethodInitialize       = "initialize"
	MethodPing             = "ping"
	MethodListAgents       = "agents/list"
	MethodRunAgent         = "agents/run"
	MethodRunChunk         = "agents/run/chunk"
	MethodCancelRun        = "agents/run/cancel"
	MethodAgentsListChange = "agents/list_changed"
)

// Implementation names a client or server build.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// Capabilities advertised by the server during initialize.
type Capabilities struct {
	Streaming   bool `json:"streaming"`
	ListChanged bool `json:"listChanged"`
	Cancel      bool `json:"cancel"`
}

// InitializeParams is sent by the client to open a session.
type InitializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	ClientInfo      Implementation `json:"clientInfo"`
}

// InitializeResult completes the handshake.
type InitializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	ServerInfo      Implementation `json:"serverInfo"`
	SessionID       string         `json:"sessionId,omitempty"`
	Capabilities    Capabilities   `json:"capabilities"`
}

// AgentDescriptor describes a registered agent. Schemas are JSON Schema
// documents; an empty schema accepts any payload.
type AgentDescriptor struct {
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"inputSchema,omitempty"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
}

// ListAgentsResult answers agents/list.
type ListAgentsResult struct {
	Agents []AgentDescriptor `json:"agents"`
}

// RunAgentParams is the payload of agents/run. Deadline, when set, bounds
// the handler's execution on the server.
type RunAgentParams struct {
	Agent    string          `json:"agent"`
	Input    json.RawMessage `json:"input,omitempty"`
	Deadline *time.Time      `json:"deadline,omitempty"`
}

// RunAgentResult is the terminal output of a run.
type RunAgentResult struct {
	Output json.RawMessage `json:"output,omitempty"`
}

// ChunkParams carries one streamed output chunk of the run identified by ID.
type ChunkParams struct {
	ID     ID              `json:"id"`
	Seq    int             `json:"seq"`
	Output json.RawMessage `json:"output"`
}

// CancelParams asks the server to cancel the run identified by ID.
type CancelParams struct {
	ID     ID     `json:"id"`
	Reason string `json:"reason,omitempty"`
}
