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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/acp/pkg/agent"
	"github.com/kadirpekel/acp/pkg/agent/builtin"
	"github.com/kadirpekel/acp/pkg/config"
)

func TestSyncAgents(t *testing.T) {
	reg := agent.NewRegistry()
	require.NoError(t, builtin.Register(reg, builtin.HelloWorld))

	require.NoError(t, syncAgents(reg, []string{builtin.Echo}))
	assert.Equal(t, []string{builtin.Echo}, reg.Names())

	require.NoError(t, syncAgents(reg, nil))
	assert.ElementsMatch(t, builtin.Names(), reg.Names())

	require.Error(t, syncAgents(reg, []string{"missing"}))
}

func TestServeCmd_ApplyOverrides(t *testing.T) {
	off := false
	cmd := &ServeCmd{Host: "0.0.0.0", Port: 9090, Agents: []string{builtin.Echo}, MCP: &off}
	cfg := config.Default()
	cfg.MCP.Enabled = true

	require.NoError(t, cmd.applyOverrides(cfg))
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, []string{builtin.Echo}, cfg.Agents.Builtin)
	assert.False(t, cfg.MCP.Enabled)

	bad := &ServeCmd{Agents: []string{"nope"}}
	require.Error(t, bad.applyOverrides(config.Default()))
}

func TestRunCmd_ReadInput(t *testing.T) {
	file := filepath.Join(t.TempDir(), "input.json")
	require.NoError(t, os.WriteFile(file, []byte(`{"text":"file"}`+"\n"), 0o600))

	tests := []struct {
		name    string
		cmd     RunCmd
		stdin   string
		want    string
		wantErr bool
	}{
		{name: "none", cmd: RunCmd{}},
		{name: "arg", cmd: RunCmd{Input: `{"text":"bob"}`}, want: `{"text":"bob"}`},
		{name: "stdin", cmd: RunCmd{Input: "-"}, stdin: " {\"text\":\"in\"}\n", want: `{"text":"in"}`},
		{name: "file", cmd: RunCmd{InputFile: file}, want: `{"text":"file"}`},
		{name: "invalid", cmd: RunCmd{Input: "{text"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cmd.readInput(strings.NewReader(tt.stdin))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.want == "" {
				assert.Nil(t, got)
				return
			}
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}

func TestApplyLoggerConfig_Priority(t *testing.T) {
	t.Setenv(LogLevelEnvVar, "")
	t.Setenv(LogFileEnvVar, "")
	t.Setenv(LogFormatEnvVar, "")
	t.Cleanup(closeLogFile)

	path := filepath.Join(t.TempDir(), "acp.log")
	require.NoError(t, applyLoggerConfig(&CLI{}, &config.LoggerConfig{Level: "debug", File: path}))
	_, err := os.Stat(path)
	require.NoError(t, err, "config file setting applies without flags or env")

	t.Setenv(LogLevelEnvVar, "loud")
	require.Error(t, applyLoggerConfig(&CLI{}, nil), "env beats config")
	require.NoError(t, applyLoggerConfig(&CLI{LogLevel: "warn"}, nil), "flag beats env")
}

func TestFirstNonEmpty(t *testing.T) {
	assert.Equal(t, "b", firstNonEmpty("", "b", "c"))
	assert.Equal(t, "", firstNonEmpty("", ""))
}
