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

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kadirpekel/acp/pkg/protocol"
)

// maxFrameSize caps a single inbound WebSocket message.
const maxFrameSize = 16 << 20

// wsChannel adapts a gorilla connection. One goroutine reads frames into
// the endpoint; writes are serialized by writeMu.
type wsChannel struct {
	*endpoint
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func newWSChannel(conn *websocket.Conn, buffer int) *wsChannel {
	conn.SetReadLimit(maxFrameSize)
	c := &wsChannel{endpoint: newEndpoint(buffer), conn: conn}
	c.setOnClose(c.shutdown)
	go c.readLoop()
	return c
}

func (c *wsChannel) readLoop() {
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.closeWithError(ErrPeerClosed)
			} else {
				c.closeWithError(fmt.Errorf("websocket read: %w", err))
			}
			return
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		if err := c.push(context.Background(), data); err != nil {
			return
		}
	}
}

func (c *wsChannel) Send(ctx context.Context, msg *protocol.Message) error {
	data, err := c.encodeFor(ctx, msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
		defer func() { _ = c.conn.SetWriteDeadline(time.Time{}) }()
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.closeWithError(fmt.Errorf("websocket write: %w", err))
		return errors.Join(ErrClosed, err)
	}
	return nil
}

func (c *wsChannel) Close() error {
	c.closeWithError(ErrClosed)
	return nil
}

// shutdown runs once when the channel closes: it says goodbye to the peer
// and releases the connection, which also stops readLoop.
func (c *wsChannel) shutdown() {
	go func() {
		c.writeMu.Lock()
		frame := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, frame, time.Now().Add(closeGrace))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	}()
}

// WebSocketHandler upgrades HTTP requests and hands each connection to
// Accept as a Channel.
type WebSocketHandler struct {
	Accept   Acceptor
	Upgrader websocket.Upgrader
	Buffer   int
	Logger   *slog.Logger
}

// NewWebSocketHandler returns a handler accepting connections from any
// origin.
func NewWebSocketHandler(accept Acceptor, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHandler{
		Accept: accept,
		Upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		Logger: logger,
	}
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an error response.
		h.Logger.Warn("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	ch := newWSChannel(conn, h.Buffer)
	h.Logger.Debug("WebSocket channel opened", "remote", r.RemoteAddr)

	go h.Accept(context.WithoutCancel(r.Context()), ch)
	<-ch.Done()
	h.Logger.Debug("WebSocket channel closed", "remote", r.RemoteAddr, "reason", ch.Err())
}

// WebSocketDialer opens channels to a WebSocketHandler.
type WebSocketDialer struct {
	URL    string
	Header http.Header
	Dialer *websocket.Dialer
	Buffer int
}

// Dial implements Dialer.
func (d *WebSocketDialer) Dial(ctx context.Context) (Channel, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			ReadBufferSize:   64 * 1024,
			WriteBufferSize:  64 * 1024,
			HandshakeTimeout: 10 * time.Second,
		}
	}
	conn, resp, err := dialer.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial websocket %s: %w (status %d)", d.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial websocket %s: %w", d.URL, err)
	}
	return newWSChannel(conn, d.Buffer), nil
}
