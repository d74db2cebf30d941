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

// Package server implements the ACP invocation server.
//
// A Server serves one session per transport channel. Each session walks
// through three states:
//
//	Uninitialized ──initialize──▶ Initialized ──close──▶ Closed
//
// Before the handshake only initialize and ping are answered; everything
// else fails with NotInitialized. Once initialized a session lists agents,
// runs them and receives agents/list_changed whenever the registry
// changes.
//
// Every agents/run executes on its own goroutine so a slow handler never
// blocks the receive loop. Output chunks travel as agents/run/chunk
// notifications followed by exactly one terminal response.
//
// HTTPServer mounts the server on HTTP: an SSE stream with a POST leg,
// a WebSocket endpoint, discovery, agent cards and an optional MCP bridge.
package server
