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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/kadirpekel/acp/pkg/client"
)

// ClientFlags select the server the client commands talk to.
type ClientFlags struct {
	URL       string        `help:"Server SSE or WebSocket URL (overrides config)." env:"ACP_URL"`
	Transport string        `help:"Transport (sse, websocket)."`
	Timeout   time.Duration `help:"Handshake timeout."`
}

func (f *ClientFlags) connect(ctx context.Context, cli *CLI) (*client.Session, error) {
	cfg, loader, err := loadConfig(ctx, cli)
	if err != nil {
		return nil, err
	}
	if loader != nil {
		_ = loader.Close()
	}

	if f.URL != "" {
		cfg.Client.URL = f.URL
	}
	if f.Transport != "" {
		cfg.Client.Transport = f.Transport
	}
	if f.Timeout > 0 {
		cfg.Client.HandshakeTimeout = f.Timeout
	}
	return client.Connect(ctx, client.FromConfig(&cfg.Client))
}

// AgentsCmd lists the agents a server exposes.
type AgentsCmd struct {
	ClientFlags `embed:""`

	JSON bool `help:"Print descriptors as JSON, schemas included."`
}

func (c *AgentsCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, err := c.connect(ctx, cli)
	if err != nil {
		return err
	}
	defer sess.Close()

	agents, err := sess.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("failed to list agents: %w", err)
	}

	if c.JSON {
		return printJSON(agents)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tDESCRIPTION")
	for _, a := range agents {
		desc := a.Description
		if desc == "" {
			desc = "(no description)"
		}
		fmt.Fprintf(w, "%s\t%s\n", a.Name, desc)
	}
	return w.Flush()
}

// RunCmd runs one agent and prints its output.
type RunCmd struct {
	ClientFlags `embed:""`

	Agent     string        `arg:"" help:"Agent name."`
	Input     string        `arg:"" optional:"" help:"JSON input. Use - to read stdin."`
	InputFile string        `name:"input-file" help:"Read JSON input from a file." type:"existingfile"`
	Stream    bool          `help:"Print chunks as they arrive."`
	Deadline  time.Duration `help:"Cancel the run after this long."`
}

func (c *RunCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	input, err := c.readInput(os.Stdin)
	if err != nil {
		return err
	}

	sess, err := c.connect(ctx, cli)
	if err != nil {
		return err
	}
	defer sess.Close()

	runCtx := ctx
	if c.Deadline > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.Deadline)
		defer cancel()
	}

	run, err := sess.RunAgent(runCtx, c.Agent, input)
	if err != nil {
		return err
	}

	if c.Stream {
		for chunk := range run.Chunks() {
			fmt.Printf("[%d] %s\n", chunk.Seq, chunk.Output)
		}
	}

	out, err := run.Wait(context.Background())
	if err != nil {
		if errors.Is(err, client.ErrCancelled) {
			return fmt.Errorf("run cancelled: %w", err)
		}
		return err
	}
	return printRaw(out)
}

func (c *RunCmd) readInput(stdin io.Reader) (json.RawMessage, error) {
	var data []byte
	switch {
	case c.InputFile != "":
		b, err := os.ReadFile(c.InputFile)
		if err != nil {
			return nil, err
		}
		data = b
	case c.Input == "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		data = b
	case c.Input != "":
		data = []byte(c.Input)
	default:
		return nil, nil
	}

	data = []byte(strings.TrimSpace(string(data)))
	if !json.Valid(data) {
		return nil, fmt.Errorf("input is not valid JSON")
	}
	return data, nil
}

func printRaw(out json.RawMessage) error {
	if len(out) == 0 {
		fmt.Println("null")
		return nil
	}
	var v any
	if err := json.Unmarshal(out, &v); err != nil {
		return err
	}
	return printJSON(v)
}
