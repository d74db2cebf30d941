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
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/kadirpekel/acp/pkg/agent"
	"github.com/kadirpekel/acp/pkg/agent/builtin"
	"github.com/kadirpekel/acp/pkg/config"
	"github.com/kadirpekel/acp/pkg/mcpbridge"
	"github.com/kadirpekel/acp/pkg/observability"
	"github.com/kadirpekel/acp/pkg/server"
)

// ServeCmd starts the ACP server.
type ServeCmd struct {
	Host   string   `help:"Host to bind (overrides config)."`
	Port   int      `help:"Port to listen on (overrides config)."`
	Agents []string `help:"Builtin agents to serve (default: all)." sep:","`
	MCP    *bool    `help:"Mount the MCP bridge." negatable:""`
	Watch  bool     `help:"Watch the config file and apply agent changes."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := agent.NewRegistry()

	cfg, loader, err := loadConfig(ctx, cli, config.WithOnChange(func(next *config.Config) {
		if len(c.Agents) > 0 {
			return
		}
		if err := syncAgents(reg, next.Agents.Builtin); err != nil {
			slog.Error("Failed to apply agent changes", "error", err)
		}
	}))
	if err != nil {
		return err
	}
	if loader != nil {
		defer loader.Close()
	}

	if err := c.applyOverrides(cfg); err != nil {
		return err
	}

	if c.Watch && loader != nil {
		go func() {
			if err := loader.Watch(ctx); err != nil && ctx.Err() == nil {
				slog.Error("Config watch error", "error", err)
			}
		}()
	}

	obs, err := observability.NewManager(ctx, cfg.Observability, observability.WithGlobal())
	if err != nil {
		return fmt.Errorf("failed to initialize observability: %w", err)
	}
	defer func() {
		if err := obs.Shutdown(context.Background()); err != nil {
			slog.Warn("Observability shutdown failed", "error", err)
		}
	}()

	if err := builtin.Register(reg, cfg.Agents.Builtin...); err != nil {
		return fmt.Errorf("failed to register agents: %w", err)
	}

	policy, err := server.ParseDisconnectPolicy(cfg.Server.DisconnectPolicy)
	if err != nil {
		return err
	}
	srv := server.New(
		server.WithRegistry(reg),
		server.WithLogger(slog.Default()),
		server.WithObservability(obs),
		server.WithMaxConcurrentRuns(cfg.Server.MaxConcurrentRuns),
		server.WithDisconnectPolicy(policy),
		server.WithShutdownGrace(cfg.Server.ShutdownGrace),
	)

	var httpOpts []server.HTTPServerOption
	if cfg.MCP.Enabled {
		bridge := mcpbridge.New(reg,
			mcpbridge.WithLogger(slog.Default()),
			mcpbridge.WithAdmission(srv.Admission()),
		)
		defer bridge.Close()
		httpOpts = append(httpOpts, server.WithMCPHandler(cfg.MCP.Path, bridge.Handler()))
	}

	hs := server.NewHTTPServer(&cfg.Server, srv, httpOpts...)

	base := cfg.Server.URL()
	fmt.Printf("\nACP server ready\n")
	fmt.Printf("   SSE:         %s%s\n", base, server.PathSSE)
	fmt.Printf("   WebSocket:   %s%s\n", base, server.PathWebSocket)
	fmt.Printf("   Discovery:   %s%s\n", base, server.PathAgents)
	fmt.Printf("   Health:      %s%s\n", base, server.PathHealth)
	if cfg.MCP.Enabled {
		fmt.Printf("   MCP:         %s%s\n", base, cfg.MCP.Path)
	}
	if path := obs.MetricsPath(); path != "" {
		fmt.Printf("   Metrics:     %s%s\n", base, path)
	}
	if cfg.Observability.Tracing.Enabled {
		fmt.Printf("   Tracing:     %s (%s)\n", cfg.Observability.Tracing.Exporter, cfg.Observability.Tracing.Endpoint)
	}
	fmt.Println("\n   Agents:")
	for _, name := range reg.Names() {
		fmt.Printf("     - %s\n", name)
	}
	fmt.Println("\nPress Ctrl+C to stop")

	return hs.Start(ctx)
}

// applyOverrides layers CLI flags over the loaded config and revalidates.
func (c *ServeCmd) applyOverrides(cfg *config.Config) error {
	if c.Host != "" {
		cfg.Server.Host = c.Host
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}
	if len(c.Agents) > 0 {
		cfg.Agents.Builtin = c.Agents
	}
	if c.MCP != nil {
		cfg.MCP.Enabled = *c.MCP
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// syncAgents makes the registry serve exactly the named builtin agents.
func syncAgents(reg *agent.Registry, names []string) error {
	if len(names) == 0 {
		names = builtin.Names()
	}
	for _, name := range reg.Names() {
		if !slices.Contains(names, name) {
			if err := reg.Unregister(name); err != nil {
				return err
			}
			slog.Info("Agent removed", "agent", name)
		}
	}
	current := reg.Names()
	for _, name := range names {
		if slices.Contains(current, name) {
			continue
		}
		if err := builtin.Register(reg, name); err != nil {
			return err
		}
		slog.Info("Agent added", "agent", name)
	}
	return nil
}
