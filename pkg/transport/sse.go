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
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/acp/pkg/protocol"
)

// SSE event names.
const (
	EventEndpoint = "endpoint"
	EventMessage  = "message"
)

// SessionQueryParam carries the channel id on POST and DELETE requests.
const SessionQueryParam = "session_id"

const (
	defaultKeepAlive = 15 * time.Second
	maxPostBody      = 16 << 20
)

// SSEServer is the server side of the HTTP transport.
//
// A client opens a channel with GET, which answers with an event stream.
// The first event, "endpoint", names the URL to POST messages to; every
// later "message" event carries one encoded message. DELETE on the message
// URL closes the channel.
//
// The same handler serves all three methods, so it may be mounted on a
// single path or on separate stream and message paths.
type SSEServer struct {
	// Accept receives each new channel.
	Accept Acceptor
	// MessagePath is advertised in the endpoint event. It defaults to the
	// path the stream was requested on.
	MessagePath string
	// KeepAlive is the interval between comment frames on idle streams.
	KeepAlive time.Duration
	Buffer    int
	Logger    *slog.Logger

	mu       sync.RWMutex
	channels map[string]*sseServerChannel
}

// NewSSEServer returns an SSEServer advertising messagePath.
func NewSSEServer(accept Acceptor, messagePath string, logger *slog.Logger) *SSEServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &SSEServer{
		Accept:      accept,
		MessagePath: messagePath,
		KeepAlive:   defaultKeepAlive,
		Logger:      logger,
	}
}

// sseServerChannel receives through the endpoint and sends by queueing
// frames for the stream goroutine.
type sseServerChannel struct {
	*endpoint
	id  string
	out chan []byte
}

func (c *sseServerChannel) Send(ctx context.Context, msg *protocol.Message) error {
	data, err := c.encodeFor(ctx, msg)
	if err != nil {
		return err
	}
	select {
	case c.out <- data:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *sseServerChannel) Close() error {
	c.closeWithError(ErrClosed)
	return nil
}

func (s *SSEServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.serveStream(w, r)
	case http.MethodPost:
		s.serveMessage(w, r)
	case http.MethodDelete:
		s.serveDelete(w, r)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// Len returns the number of open channels.
func (s *SSEServer) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.channels)
}

func (s *SSEServer) serveStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	buffer := s.Buffer
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	ch := &sseServerChannel{
		endpoint: newEndpoint(buffer),
		id:       uuid.NewString(),
		out:      make(chan []byte, buffer),
	}
	s.register(ch)
	defer s.unregister(ch.id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	path := s.MessagePath
	if path == "" {
		path = r.URL.Path
	}
	endpointURL := fmt.Sprintf("%s?%s=%s", path, SessionQueryParam, url.QueryEscape(ch.id))
	if err := writeEvent(w, EventEndpoint, []byte(endpointURL)); err != nil {
		ch.closeWithError(err)
		return
	}
	flusher.Flush()

	s.Logger.Debug("SSE channel opened", "channel", ch.id, "remote", r.RemoteAddr)
	go s.Accept(context.WithoutCancel(r.Context()), ch)

	keepAlive := s.KeepAlive
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	for {
		select {
		case data := <-ch.out:
			if err := writeEvent(w, EventMessage, data); err != nil {
				ch.closeWithError(fmt.Errorf("sse write: %w", err))
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				ch.closeWithError(fmt.Errorf("sse write: %w", err))
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			ch.closeWithError(ErrPeerClosed)
			return
		case <-ch.done:
			s.drain(w, flusher, ch)
			s.Logger.Debug("SSE channel closed", "channel", ch.id, "reason", ch.Err())
			return
		}
	}
}

// drain flushes frames queued before the channel closed so a final
// response is not lost.
func (s *SSEServer) drain(w io.Writer, flusher http.Flusher, ch *sseServerChannel) {
	for {
		select {
		case data := <-ch.out:
			if writeEvent(w, EventMessage, data) != nil {
				return
			}
			flusher.Flush()
		default:
			return
		}
	}
}

func (s *SSEServer) serveMessage(w http.ResponseWriter, r *http.Request) {
	ch := s.lookup(r)
	if ch == nil {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPostBody))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	// A malformed frame ends the channel; the pump would do the same, but
	// checking here lets the sender learn about it from the status code.
	if _, err := protocol.Decode(body); err != nil {
		ch.closeWithError(err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := ch.push(r.Context(), body); err != nil {
		http.Error(w, err.Error(), http.StatusGone)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *SSEServer) serveDelete(w http.ResponseWriter, r *http.Request) {
	ch := s.lookup(r)
	if ch == nil {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	ch.closeWithError(ErrPeerClosed)
	w.WriteHeader(http.StatusNoContent)
}

func (s *SSEServer) lookup(r *http.Request) *sseServerChannel {
	id := r.URL.Query().Get(SessionQueryParam)
	if id == "" {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.channels[id]
}

func (s *SSEServer) register(ch *sseServerChannel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channels == nil {
		s.channels = make(map[string]*sseServerChannel)
	}
	s.channels[ch.id] = ch
}

func (s *SSEServer) unregister(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.channels, id)
}

func writeEvent(w io.Writer, event string, data []byte) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

// SSEDialer opens channels to an SSEServer.
type SSEDialer struct {
	// URL of the event stream.
	URL    string
	Client *http.Client
	Header http.Header
	Buffer int
}

// sseClientChannel receives from the event stream and sends each message
// as its own POST. Sends are serialized so the server observes them in
// order.
type sseClientChannel struct {
	*endpoint
	client   *http.Client
	header   http.Header
	postURL  string
	cancel   context.CancelFunc
	sendMu   sync.Mutex
	shutOnce sync.Once
}

// Dial implements Dialer. It returns once the endpoint event is received.
func (d *SSEDialer) Dial(ctx context.Context) (Channel, error) {
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	base, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("parse sse url: %w", err)
	}

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, d.URL, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range d.Header {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "text/event-stream")

	// The stream outlives ctx, so ctx only bounds the wait for the endpoint.
	stop := context.AfterFunc(ctx, cancel)
	resp, err := client.Do(req)
	if err != nil {
		stop()
		cancel()
		return nil, fmt.Errorf("open event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		stop()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	reader := bufio.NewReader(resp.Body)
	event, data, err := readEvent(reader)
	if !stop() {
		err = errors.Join(err, ctx.Err())
	}
	if err != nil || event != EventEndpoint {
		resp.Body.Close()
		cancel()
		if err == nil {
			err = fmt.Errorf("expected %q event, got %q", EventEndpoint, event)
		}
		return nil, fmt.Errorf("read endpoint: %w", err)
	}
	ref, err := url.Parse(strings.TrimSpace(string(data)))
	if err != nil {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}

	c := &sseClientChannel{
		endpoint: newEndpoint(d.Buffer),
		client:   client,
		header:   d.Header,
		postURL:  base.ResolveReference(ref).String(),
		cancel:   cancel,
	}
	c.setOnClose(c.shutdown)
	go c.readLoop(resp.Body, reader)
	return c, nil
}

func (c *sseClientChannel) readLoop(body io.ReadCloser, reader *bufio.Reader) {
	defer body.Close()
	for {
		event, data, err := readEvent(reader)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				c.closeWithError(ErrPeerClosed)
			} else {
				c.closeWithError(fmt.Errorf("sse read: %w", err))
			}
			return
		}
		if event != EventMessage && event != "" {
			continue
		}
		if err := c.push(context.Background(), data); err != nil {
			return
		}
	}
}

func (c *sseClientChannel) Send(ctx context.Context, msg *protocol.Message) error {
	data, err := c.encodeFor(ctx, msg)
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	resp, err := c.do(ctx, http.MethodPost, data)
	if err != nil {
		return fmt.Errorf("post message: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err := fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
			c.closeWithError(ErrPeerClosed)
			return errors.Join(ErrClosed, err)
		}
		return err
	}
	return nil
}

func (c *sseClientChannel) Close() error {
	c.closeWithError(ErrClosed)
	return nil
}

// shutdown tells the server the channel is gone and drops the stream.
func (c *sseClientChannel) shutdown() {
	c.shutOnce.Do(func() {
		go func() {
			defer c.cancel()
			if !errors.Is(c.Err(), ErrClosed) {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), closeGrace)
			defer cancel()
			if resp, err := c.do(ctx, http.MethodDelete, nil); err == nil {
				resp.Body.Close()
			}
		}()
	})
}

func (c *sseClientChannel) do(ctx context.Context, method string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.postURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for k, v := range c.header {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.client.Do(req)
}

// readEvent reads one server-sent event. Comment lines are skipped and
// multiple data lines are joined with newlines.
func readEvent(r *bufio.Reader) (string, []byte, error) {
	var (
		event string
		data  [][]byte
	)
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			return "", nil, err
		}
		line = bytes.TrimRight(line, "\r\n")

		switch {
		case len(line) == 0:
			if event == "" && data == nil {
				continue
			}
			return event, bytes.Join(data, []byte("\n")), nil
		case line[0] == ':':
			continue
		case bytes.HasPrefix(line, []byte("event:")):
			event = string(bytes.TrimSpace(line[len("event:"):]))
		case bytes.HasPrefix(line, []byte("data:")):
			value := line[len("data:"):]
			if len(value) > 0 && value[0] == ' ' {
				value = value[1:]
			}
			data = append(data, append([]byte(nil), value...))
		}
	}
}
