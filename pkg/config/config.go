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

// Package config loads the ACP runtime configuration.
//
// Configuration is YAML (JSON is accepted too) read from a provider: a local
// file, a Consul or etcd key, or a ZooKeeper node. Values may reference the
// environment with ${VAR}, ${VAR:-default} or $VAR; .env files are loaded
// first.
//
// Example:
//
//	server:
//	  port: 8080
//	  max_concurrent_runs: 32
//	  disconnect_policy: cancel
//
//	agents:
//	  builtin: [hello-world, echo]
//
//	observability:
//	  metrics:
//	    enabled: true
//	  tracing:
//	    enabled: ${TRACING_ENABLED:-false}
//	    endpoint: ${OTEL_ENDPOINT:-localhost:4317}
package config

import (
	"fmt"

	"github.com/kadirpekel/acp/pkg/observability"
)

// Config is the root configuration.
type Config struct {
	// Version is a free-form config version, for humans.
	Version string `yaml:"version,omitempty"`

	Server        ServerConfig         `yaml:"server,omitempty"`
	Client        ClientConfig         `yaml:"client,omitempty"`
	Logger        LoggerConfig         `yaml:"logger,omitempty"`
	Observability observability.Config `yaml:"observability,omitempty"`
	Agents        AgentsConfig         `yaml:"agents,omitempty"`
	MCP           MCPConfig            `yaml:"mcp,omitempty"`
}

// Default returns a Config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults applies default values to every section.
func (c *Config) SetDefaults() {
	c.Server.SetDefaults()
	c.Client.SetDefaults()
	c.Logger.SetDefaults()
	c.Observability.SetDefaults()
	c.Agents.SetDefaults()
	c.MCP.SetDefaults()
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.Client.Validate(); err != nil {
		return fmt.Errorf("client: %w", err)
	}
	if err := c.Logger.Validate(); err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	if err := c.Observability.Validate(); err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	if err := c.Agents.Validate(); err != nil {
		return fmt.Errorf("agents: %w", err)
	}
	if err := c.MCP.Validate(); err != nil {
		return fmt.Errorf("mcp: %w", err)
	}
	if c.MCP.Enabled && c.Observability.Metrics.Enabled && c.MCP.Path == c.Observability.Metrics.Endpoint {
		return fmt.Errorf("mcp: path %q collides with the metrics endpoint", c.MCP.Path)
	}
	return nil
}
