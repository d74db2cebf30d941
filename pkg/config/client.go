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

package config

import (
	"fmt"
	"net/url"
	"time"
)

// ClientConfig configures `acp agents` and `acp run`.
type ClientConfig struct {
	// URL of the server endpoint: the SSE stream for "sse", the WebSocket
	// endpoint for "websocket".
	// Default: http://localhost:8080/acp/sse
	URL string `yaml:"url,omitempty"`

	// Transport is "sse" (default) or "websocket".
	Transport string `yaml:"transport,omitempty"`

	// HandshakeTimeout bounds connect plus initialize.
	// Default: 10s
	HandshakeTimeout time.Duration `yaml:"handshake_timeout,omitempty"`

	// Headers are sent with every HTTP request.
	Headers map[string]string `yaml:"headers,omitempty"`
}

// SetDefaults applies default values.
func (c *ClientConfig) SetDefaults() {
	if c.Transport == "" {
		c.Transport = "sse"
	}
	if c.URL == "" {
		if c.Transport == "websocket" {
			c.URL = "ws://localhost:8080/acp/ws"
		} else {
			c.URL = "http://localhost:8080/acp/sse"
		}
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
}

// Validate checks the client configuration.
func (c *ClientConfig) Validate() error {
	switch c.Transport {
	case "", "sse", "websocket":
	default:
		return fmt.Errorf("invalid transport %q (valid: sse, websocket)", c.Transport)
	}
	if c.URL != "" {
		if _, err := url.Parse(c.URL); err != nil {
			return fmt.Errorf("invalid url: %w", err)
		}
	}
	if c.HandshakeTimeout < 0 {
		return fmt.Errorf("handshake_timeout must not be negative")
	}
	return nil
}
