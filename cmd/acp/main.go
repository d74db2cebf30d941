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
// Command acp serves agents over ACP and talks to ACP servers.
//
// Usage:
//
//	acp serve --config acp.yaml
//	acp agents --url http://localhost:8080/acp/sse
//	acp run hello-world '{"text":"bob"}'
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"

	"github.com/kadirpekel/acp"
	"github.com/kadirpekel/acp/pkg/config"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the ACP server."`
	Agents   AgentsCmd   `cmd:"" help:"List the agents a server exposes."`
	Run      RunCmd      `cmd:"" help:"Run an agent on a server."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`
	Schema   SchemaCmd   `cmd:"" help:"Print the JSON Schema of the configuration file."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)."`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple, verbose, json)."`
}

// VersionCmd shows version information.
type VersionCmd struct {
	JSON bool `help:"Print as JSON."`
}

func (c *VersionCmd) Run() error {
	info := acp.GetVersion()
	if c.JSON {
		return printJSON(info)
	}
	fmt.Println(info.String())
	return nil
}

// ValidateCmd checks a configuration file without starting anything.
type ValidateCmd struct {
	Print bool `help:"Print the configuration with defaults applied."`
}

func (c *ValidateCmd) Run(cli *CLI) error {
	if cli.Config == "" {
		return fmt.Errorf("--config is required for validate command")
	}
	cfg, loader, err := config.LoadConfigFile(context.Background(), cli.Config)
	if err != nil {
		return err
	}
	defer loader.Close()

	if c.Print {
		return printJSON(cfg)
	}
	fmt.Printf("%s is valid\n", cli.Config)
	return nil
}

// SchemaCmd prints the configuration JSON Schema for editors.
type SchemaCmd struct {
	Compact bool `help:"Compact JSON output (no indentation)."`
}

func (c *SchemaCmd) Run() error {
	encoder := json.NewEncoder(os.Stdout)
	if !c.Compact {
		encoder.SetIndent("", "  ")
	}
	if err := encoder.Encode(config.JSONSchema()); err != nil {
		return fmt.Errorf("failed to encode schema: %w", err)
	}
	return nil
}

func printJSON(v any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// loadConfig loads --config when given and falls back to defaults.
func loadConfig(ctx context.Context, cli *CLI, opts ...config.LoaderOption) (*config.Config, *config.Loader, error) {
	if cli.Config == "" {
		return config.Default(), nil, nil
	}
	cfg, loader, err := config.LoadConfigFile(ctx, cli.Config, opts...)
	if err != nil {
		return nil, nil, err
	}
	if err := applyLoggerConfig(cli, &cfg.Logger); err != nil {
		_ = loader.Close()
		return nil, nil, err
	}
	slog.Debug("Loaded configuration", "path", cli.Config)
	return cfg, loader, nil
}

func main() {
	if err := config.LoadEnvFiles(); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("acp"),
		kong.Description("Serve and call agents over the Agent Communication Protocol."),
		kong.UsageOnError(),
	)

	if err := applyLoggerConfig(&cli, nil); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer closeLogFile()

	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
