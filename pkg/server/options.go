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

package server

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kadirpekel/acp/pkg/agent"
	"github.com/kadirpekel/acp/pkg/observability"
	"github.com/kadirpekel/acp/pkg/schema"
)

// DisconnectPolicy decides what happens to in-flight runs when their
// session ends.
type DisconnectPolicy int

const (
	// PolicyCancel cancels the context of every in-flight run.
	PolicyCancel DisconnectPolicy = iota
	// PolicyDrain lets in-flight runs finish within the shutdown grace.
	// Their results are dropped when the peer is already gone.
	PolicyDrain
)

func (p DisconnectPolicy) String() string {
	switch p {
	case PolicyCancel:
		return "cancel"
	case PolicyDrain:
		return "drain"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParseDisconnectPolicy parses "cancel" or "drain". An empty string is
// PolicyCancel.
func ParseDisconnectPolicy(s string) (DisconnectPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "cancel":
		return PolicyCancel, nil
	case "drain":
		return PolicyDrain, nil
	default:
		return PolicyCancel, fmt.Errorf("invalid disconnect policy %q (valid: cancel, drain)", s)
	}
}

// Option configures a Server.
type Option func(*Server)

// WithRegistry serves agents from reg. Several servers may share one
// registry.
func WithRegistry(reg *agent.Registry) Option {
	return func(s *Server) {
		s.registry = reg
	}
}

// WithValidator sets the schema validator used for run input and output.
func WithValidator(v schema.Validator) Option {
	return func(s *Server) {
		s.validator = v
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithObservability sets the observability manager for tracing and metrics.
func WithObservability(obs *observability.Manager) Option {
	return func(s *Server) {
		if obs != nil {
			s.obs = obs
		}
	}
}

// WithMaxConcurrentRuns bounds the number of handlers running at once
// across all sessions. Runs beyond the bound wait for a slot. Zero means
// unbounded.
func WithMaxConcurrentRuns(n int) Option {
	return func(s *Server) {
		s.maxRuns = int64(n)
	}
}

func WithDisconnectPolicy(p DisconnectPolicy) Option {
	return func(s *Server) {
		s.policy = p
	}
}

// WithServerInfo sets the implementation reported in the initialize result.
func WithServerInfo(name, version string) Option {
	return func(s *Server) {
		s.info.Name = name
		s.info.Version = version
	}
}

// WithShutdownGrace bounds how long a closing session waits for its runs.
// Under PolicyCancel that is the time cancelled runs get to deliver their
// terminal responses; under PolicyDrain the time runs get to finish. Runs
// still active afterwards are cancelled and abandoned.
func WithShutdownGrace(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.grace = d
		}
	}
}
