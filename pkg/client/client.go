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
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kadirpekel/acp"
	"github.com/kadirpekel/acp/pkg/config"
	"github.com/kadirpekel/acp/pkg/protocol"
	"github.com/kadirpekel/acp/pkg/transport"
)

// Transport names accepted by Config.Transport.
const (
	TransportSSE       = "sse"
	TransportWebSocket = "websocket"
)

// DefaultHandshakeTimeout bounds Connect when Config leaves it unset.
const DefaultHandshakeTimeout = 10 * time.Second

var (
	// ErrHandshakeFailed wraps every failure to dial or initialize.
	ErrHandshakeFailed = errors.New("client: handshake failed")

	// ErrSessionClosed resolves calls still pending when the session ends.
	ErrSessionClosed = errors.New("client: session closed")

	// ErrCancelled matches both a local Run.Cancel and a Cancelled error
	// reported by the server.
	ErrCancelled = protocol.ErrCancelled
)

// Config describes how to reach a server.
type Config struct {
	// Transport is TransportSSE (default) or TransportWebSocket.
	Transport string

	// URL of the SSE stream or WebSocket endpoint.
	URL string

	// HandshakeTimeout bounds dial plus initialize.
	HandshakeTimeout time.Duration

	// Header is sent with every HTTP request.
	Header http.Header

	// HTTPClient is used by the SSE transport. Defaults to http.DefaultClient.
	HTTPClient *http.Client

	// ClientInfo identifies this client in the handshake.
	ClientInfo protocol.Implementation

	Logger *slog.Logger
}

// FromConfig builds a Config from the client section of a config file.
func FromConfig(c *config.ClientConfig) Config {
	cfg := Config{
		Transport:        c.Transport,
		URL:              c.URL,
		HandshakeTimeout: c.HandshakeTimeout,
	}
	if len(c.Headers) > 0 {
		cfg.Header = make(http.Header, len(c.Headers))
		for k, v := range c.Headers {
			cfg.Header.Set(k, v)
		}
	}
	return cfg
}

func (c Config) dialer() (transport.Dialer, error) {
	if c.URL == "" {
		return nil, errors.New("url is required")
	}
	switch strings.ToLower(c.Transport) {
	case "", TransportSSE:
		return &transport.SSEDialer{URL: c.URL, Client: c.HTTPClient, Header: c.Header}, nil
	case TransportWebSocket, "ws":
		return &transport.WebSocketDialer{URL: c.URL, Header: c.Header}, nil
	default:
		return nil, fmt.Errorf("unknown transport %q (valid: sse, websocket)", c.Transport)
	}
}

// Connect dials the server named by cfg and completes the handshake.
// Every failure wraps ErrHandshakeFailed.
func Connect(ctx context.Context, cfg Config) (*Session, error) {
	d, err := cfg.dialer()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}
	return Dial(ctx, d, cfg.HandshakeTimeout, WithLogger(cfg.Logger), WithClientInfo(cfg.ClientInfo))
}

// Dial opens a channel with d and completes the handshake within timeout.
func Dial(ctx context.Context, d transport.Dialer, timeout time.Duration, opts ...Option) (*Session, error) {
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch, err := d.Dial(hctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}
	return NewSession(hctx, ch, opts...)
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClientInfo sets the implementation reported in the handshake.
func WithClientInfo(info protocol.Implementation) Option {
	return func(s *Session) {
		if info.Name != "" {
			s.info = info
		}
	}
}

func defaultClientInfo() protocol.Implementation {
	return protocol.Implementation{Name: acp.Name, Version: acp.Version}
}
