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
	"slices"
	"strings"

	"github.com/kadirpekel/acp/pkg/agent/builtin"
)

// AgentsConfig selects the agents `acp serve` registers.
//
// Example:
//
//	agents:
//	  builtin: [hello-world]
type AgentsConfig struct {
	// Builtin lists builtin agents to serve. Empty serves all of them.
	Builtin []string `yaml:"builtin,omitempty"`
}

// SetDefaults applies default values.
func (c *AgentsConfig) SetDefaults() {
	if len(c.Builtin) == 0 {
		c.Builtin = builtin.Names()
	}
}

// Validate checks that every named agent exists.
func (c *AgentsConfig) Validate() error {
	available := builtin.Names()
	seen := make(map[string]bool, len(c.Builtin))
	for _, name := range c.Builtin {
		if !slices.Contains(available, name) {
			return fmt.Errorf("unknown builtin agent %q (available: %s)", name, strings.Join(available, ", "))
		}
		if seen[name] {
			return fmt.Errorf("builtin agent %q listed twice", name)
		}
		seen[name] = true
	}
	return nil
}

// MCPConfig configures the MCP bridge.
type MCPConfig struct {
	// Enabled mounts the bridge on the HTTP server.
	Enabled bool `yaml:"enabled,omitempty"`

	// Path to mount the streamable HTTP endpoint on.
	// Default: /mcp
	Path string `yaml:"path,omitempty"`
}

// SetDefaults applies default values.
func (c *MCPConfig) SetDefaults() {
	if c.Path == "" {
		c.Path = "/mcp"
	}
}

// Validate checks the MCP configuration.
func (c *MCPConfig) Validate() error {
	if c.Enabled && !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("path must be absolute, got %q", c.Path)
	}
	return nil
}
