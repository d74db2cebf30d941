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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/acp/pkg/agent"
	"github.com/kadirpekel/acp/pkg/agent/builtin"
	"github.com/kadirpekel/acp/pkg/config"
	"github.com/kadirpekel/acp/pkg/protocol"
	"github.com/kadirpekel/acp/pkg/server"
	"github.com/kadirpekel/acp/pkg/transport"
)

const waitTimeout = 3 * time.Second

func newServer(t *testing.T, opts ...server.Option) *server.Server {
	t.Helper()
	srv := server.New(opts...)
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

func dialServer(t *testing.T, srv *server.Server) *Session {
	t.Helper()
	sess, err := Dial(context.Background(), &transport.PipeDialer{Accept: srv.Accept}, waitTimeout)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })
	return sess
}

// blockingAgent registers an agent that reports start and waits for its
// context or release.
func blockingAgent(t *testing.T, srv *server.Server, name string, started chan<- struct{}, stopped chan<- error, release <-chan struct{}) {
	t.Helper()
	require.NoError(t, srv.Register(name, "blocks", nil, nil,
		agent.HandlerFunc(func(ctx context.Context, _ json.RawMessage, _ agent.Emitter) (any, error) {
			started <- struct{}{}
			select {
			case <-ctx.Done():
				if stopped != nil {
					stopped <- context.Cause(ctx)
				}
				return nil, ctx.Err()
			case <-release:
				return "released", nil
			}
		})))
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(waitTimeout):
		t.Fatal("timed out")
	}
}

func TestHelloWorld(t *testing.T) {
	srv := newServer(t)
	require.NoError(t, builtin.Register(srv.Registry(), builtin.HelloWorld))
	sess := dialServer(t, srv)

	assert.NotEmpty(t, sess.ID())
	assert.Equal(t, protocol.ProtocolVersion, sess.ServerInfo().ProtocolVersion)

	agents, err := sess.ListAgents(context.Background())
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "hello-world", agents[0].Name)
	assert.Equal(t, "This is my Hello World agent", agents[0].Description)

	run, err := sess.RunAgent(context.Background(), "hello-world", map[string]string{"text": "Bee"})
	require.NoError(t, err)

	var out builtin.TextOutput
	require.NoError(t, run.Decode(context.Background(), &out))
	assert.Equal(t, "Hi there Bee", out.Text)

	require.NoError(t, sess.Ping(context.Background()))
}

func TestRunErrors(t *testing.T) {
	srv := newServer(t)
	require.NoError(t, builtin.Register(srv.Registry(), builtin.HelloWorld))
	sess := dialServer(t, srv)

	run, err := sess.RunAgent(context.Background(), "missing-agent", json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = run.Wait(context.Background())
	assert.ErrorIs(t, err, protocol.ErrUnknownAgent)

	var werr *protocol.Error
	require.ErrorAs(t, err, &werr)
	assert.JSONEq(t, `{"agent":"missing-agent"}`, string(werr.Data))

	run, err = sess.RunAgent(context.Background(), "hello-world", map[string]int{"text": 1})
	require.NoError(t, err)
	_, err = run.Wait(context.Background())
	assert.ErrorIs(t, err, protocol.ErrInvalidInput)

	_, err = sess.RunAgent(context.Background(), "hello-world", make(chan int))
	assert.Error(t, err)
}

func TestStreamingChunks(t *testing.T) {
	srv := newServer(t)
	require.NoError(t, builtin.Register(srv.Registry(), builtin.Echo))
	sess := dialServer(t, srv)

	run, err := sess.RunAgent(context.Background(), builtin.Echo, builtin.EchoInput{Text: "alpha beta gamma"})
	require.NoError(t, err)

	var words []string
	for chunk := range run.Chunks() {
		var c builtin.EchoChunk
		require.NoError(t, json.Unmarshal(chunk.Output, &c))
		assert.Equal(t, len(words), chunk.Seq)
		words = append(words, c.Word)
	}
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, words)

	var out builtin.EchoOutput
	require.NoError(t, run.Decode(context.Background(), &out))
	assert.Equal(t, 3, out.Words)
}

func TestChunksReadAfterCompletion(t *testing.T) {
	srv := newServer(t)
	require.NoError(t, builtin.Register(srv.Registry(), builtin.Echo))
	sess := dialServer(t, srv)

	run, err := sess.RunAgent(context.Background(), builtin.Echo, builtin.EchoInput{Text: "a b"})
	require.NoError(t, err)
	_, err = run.Wait(context.Background())
	require.NoError(t, err)

	n := 0
	for range run.Chunks() {
		n++
	}
	assert.Equal(t, 2, n)
}

func TestCancel(t *testing.T) {
	started := make(chan struct{}, 1)
	stopped := make(chan error, 1)
	srv := newServer(t)
	blockingAgent(t, srv, "slow", started, stopped, nil)
	sess := dialServer(t, srv)

	run, err := sess.RunAgent(context.Background(), "slow", nil)
	require.NoError(t, err)
	waitFor(t, started)

	require.NoError(t, run.Cancel())
	_, err = run.Wait(context.Background())
	assert.ErrorIs(t, err, ErrCancelled)

	select {
	case cause := <-stopped:
		assert.ErrorContains(t, cause, "cancelled by client")
	case <-time.After(waitTimeout):
		t.Fatal("handler was not cancelled")
	}

	// Chunks of a cancelled run close, and a second cancel is a no-op.
	_, open := <-run.Chunks()
	assert.False(t, open)
	assert.NoError(t, run.Cancel())

	// The server's late Cancelled response is discarded.
	require.NoError(t, sess.Ping(context.Background()))
}

func TestContextCancelsRun(t *testing.T) {
	started := make(chan struct{}, 1)
	stopped := make(chan error, 1)
	srv := newServer(t)
	blockingAgent(t, srv, "slow", started, stopped, nil)
	sess := dialServer(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	run, err := sess.RunAgent(ctx, "slow", nil)
	require.NoError(t, err)
	waitFor(t, started)

	cancel()
	_, err = run.Wait(context.Background())
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorContains(t, <-stopped, context.Canceled.Error())
}

func TestContextCancelledWhileStarting(t *testing.T) {
	srv := newServer(t)
	require.NoError(t, builtin.Register(srv.Registry(), builtin.HelloWorld))
	sess := dialServer(t, srv)

	// Cancel races RunAgent; every call must either fail with the context
	// error or return a run that resolves.
	for i := 0; i < 200; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		go cancel()

		run, err := sess.RunAgent(ctx, "hello-world", map[string]string{"text": "Bee"})
		if err != nil {
			assert.ErrorIs(t, err, context.Canceled)
			continue
		}
		waitFor(t, run.Done())
	}

	require.NoError(t, sess.Ping(context.Background()))
}

func TestDeadlineForwarded(t *testing.T) {
	srv := newServer(t)
	require.NoError(t, srv.Register("deadline", "", nil, nil,
		agent.HandlerFunc(func(ctx context.Context, _ json.RawMessage, _ agent.Emitter) (any, error) {
			d, ok := ctx.Deadline()
			return map[string]any{"ok": ok, "deadline": d}, nil
		})))
	sess := dialServer(t, srv)

	deadline := time.Now().Add(time.Minute).Truncate(time.Millisecond)
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	run, err := sess.RunAgent(ctx, "deadline", nil)
	require.NoError(t, err)

	var out struct {
		OK       bool      `json:"ok"`
		Deadline time.Time `json:"deadline"`
	}
	require.NoError(t, run.Decode(context.Background(), &out))
	assert.True(t, out.OK)
	assert.WithinDuration(t, deadline, out.Deadline, time.Millisecond)
}

func TestConcurrentRuns(t *testing.T) {
	srv := newServer(t)
	require.NoError(t, builtin.Register(srv.Registry()))
	sess := dialServer(t, srv)

	const n = 25
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			run, err := sess.RunAgent(context.Background(), builtin.HelloWorld, builtin.TextInput{Text: fmt.Sprint(i)})
			if err != nil {
				errs <- err
				return
			}
			var out builtin.TextOutput
			if err := run.Decode(context.Background(), &out); err != nil {
				errs <- err
				return
			}
			if want := fmt.Sprintf("Hi there %d", i); out.Text != want {
				errs <- fmt.Errorf("run %d got %q", i, out.Text)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestCloseResolvesPending(t *testing.T) {
	const n = 5
	started := make(chan struct{}, n)
	srv := newServer(t)
	blockingAgent(t, srv, "slow", started, nil, nil)
	sess := dialServer(t, srv)

	runs := make([]*Run, n)
	for i := range runs {
		run, err := sess.RunAgent(context.Background(), "slow", nil)
		require.NoError(t, err)
		runs[i] = run
	}
	for i := 0; i < n; i++ {
		waitFor(t, started)
	}

	require.NoError(t, sess.Close())
	for _, run := range runs {
		_, err := run.Wait(context.Background())
		assert.ErrorIs(t, err, ErrSessionClosed)
	}

	_, err := sess.ListAgents(context.Background())
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, err = sess.RunAgent(context.Background(), "slow", nil)
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.NoError(t, sess.Close())
}

func TestServerCloseResolvesPending(t *testing.T) {
	started := make(chan struct{}, 1)
	srv := newServer(t, server.WithShutdownGrace(10*time.Millisecond))
	require.NoError(t, srv.Register("stubborn", "", nil, nil,
		agent.HandlerFunc(func(ctx context.Context, _ json.RawMessage, _ agent.Emitter) (any, error) {
			started <- struct{}{}
			time.Sleep(200 * time.Millisecond)
			return "too late", nil
		})))
	sess := dialServer(t, srv)

	run, err := sess.RunAgent(context.Background(), "stubborn", nil)
	require.NoError(t, err)
	waitFor(t, started)

	go func() { _ = srv.Close() }()

	_, err = run.Wait(context.Background())
	assert.ErrorIs(t, err, ErrSessionClosed)
	waitFor(t, sess.Done())
}

func TestOnAgentsChanged(t *testing.T) {
	srv := newServer(t)
	sess := dialServer(t, srv)

	changed := make(chan struct{}, 4)
	remove := sess.OnAgentsChanged(func() { changed <- struct{}{} })

	require.NoError(t, builtin.Register(srv.Registry(), builtin.Echo))
	waitFor(t, changed)

	agents, err := sess.ListAgents(context.Background())
	require.NoError(t, err)
	require.Len(t, agents, 1)

	remove()
	require.NoError(t, srv.Unregister(builtin.Echo))
	require.NoError(t, sess.Ping(context.Background()))
	select {
	case <-changed:
		t.Fatal("observer called after removal")
	case <-time.After(100 * time.Millisecond):
	}
}

// fakeServer answers messages on the server end of a pipe with handle.
func fakeServer(t *testing.T, handle func(ch transport.Channel, msg *protocol.Message)) transport.Channel {
	t.Helper()
	client, srvEnd := transport.NewPipe()
	go func() {
		for msg := range srvEnd.Receive() {
			handle(srvEnd, msg)
		}
	}()
	t.Cleanup(func() { _ = srvEnd.Close() })
	return client
}

func reply(ch transport.Channel, id protocol.ID, result any) {
	msg, _ := protocol.NewResponse(id, result)
	_ = ch.Send(context.Background(), msg)
}

func answerInitialize(ch transport.Channel, msg *protocol.Message) bool {
	if msg.Method != protocol.MethodInitialize {
		return false
	}
	reply(ch, msg.ID, protocol.InitializeResult{ProtocolVersion: protocol.ProtocolVersion, SessionID: "fake"})
	return true
}

func TestHandshakeFailures(t *testing.T) {
	t.Run("rejected", func(t *testing.T) {
		ch := fakeServer(t, func(ch transport.Channel, msg *protocol.Message) {
			_ = ch.Send(context.Background(), protocol.NewErrorResponse(msg.ID, protocol.Errorf(protocol.CodeInvalidRequest, "go away")))
		})
		_, err := NewSession(context.Background(), ch)
		assert.ErrorIs(t, err, ErrHandshakeFailed)
		assert.ErrorIs(t, err, protocol.ErrInvalidRequest)
	})

	t.Run("timeout", func(t *testing.T) {
		ch := fakeServer(t, func(transport.Channel, *protocol.Message) {})
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := NewSession(ctx, ch)
		assert.ErrorIs(t, err, ErrHandshakeFailed)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("peer closes", func(t *testing.T) {
		ch := fakeServer(t, func(ch transport.Channel, _ *protocol.Message) { _ = ch.Close() })
		_, err := NewSession(context.Background(), ch)
		assert.ErrorIs(t, err, ErrHandshakeFailed)
		assert.ErrorIs(t, err, ErrSessionClosed)
	})

	t.Run("unknown transport", func(t *testing.T) {
		_, err := Connect(context.Background(), Config{Transport: "carrier-pigeon", URL: "http://x"})
		assert.ErrorIs(t, err, ErrHandshakeFailed)
	})

	t.Run("unreachable", func(t *testing.T) {
		_, err := Connect(context.Background(), Config{URL: "http://127.0.0.1:1/acp/sse", HandshakeTimeout: time.Second})
		assert.ErrorIs(t, err, ErrHandshakeFailed)
	})
}

func TestLateAndUnknownResponsesDiscarded(t *testing.T) {
	var runID atomic.Value
	cancelled := make(chan struct{}, 1)
	ch := fakeServer(t, func(ch transport.Channel, msg *protocol.Message) {
		if answerInitialize(ch, msg) {
			return
		}
		switch msg.Method {
		case protocol.MethodRunAgent:
			runID.Store(msg.ID)
		case protocol.MethodCancelRun:
			// Answer the run anyway, plus a response nobody asked for.
			reply(ch, runID.Load().(protocol.ID), protocol.RunAgentResult{Output: json.RawMessage(`"late"`)})
			reply(ch, protocol.StringID("stray"), struct{}{})
			cancelled <- struct{}{}
		case protocol.MethodPing:
			reply(ch, msg.ID, struct{}{})
		}
	})

	sess, err := NewSession(context.Background(), ch)
	require.NoError(t, err)
	defer sess.Close()

	run, err := sess.RunAgent(context.Background(), "any", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return runID.Load() != nil }, waitTimeout, 5*time.Millisecond)

	require.NoError(t, run.Cancel())
	waitFor(t, cancelled)

	require.NoError(t, sess.Ping(context.Background()))
	_, err = run.Wait(context.Background())
	assert.ErrorIs(t, err, ErrCancelled)
}

// lockedBuffer is a log sink shared by the test and the demultiplexer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestNotificationsDuringHandshake(t *testing.T) {
	var out lockedBuffer
	logger := slog.New(slog.NewTextHandler(&out, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ch := fakeServer(t, func(ch transport.Channel, msg *protocol.Message) {
		if answerInitialize(ch, msg) {
			// Keep the demultiplexer busy while the handshake finishes.
			for i := 0; i < 50; i++ {
				note, _ := protocol.NewNotification("test/noise", nil)
				_ = ch.Send(context.Background(), note)
			}
			return
		}
		if msg.Method == protocol.MethodPing {
			note, _ := protocol.NewNotification("test/after", nil)
			_ = ch.Send(context.Background(), note)
			reply(ch, msg.ID, struct{}{})
		}
	})

	sess, err := NewSession(context.Background(), ch, WithLogger(logger))
	require.NoError(t, err)
	defer sess.Close()

	require.NoError(t, sess.Ping(context.Background()))
	assert.Contains(t, out.String(), "session=fake")
	assert.Contains(t, out.String(), "method=test/after")
}

func TestWaitContext(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	srv := newServer(t)
	blockingAgent(t, srv, "slow", started, nil, release)
	sess := dialServer(t, srv)

	run, err := sess.RunAgent(context.Background(), "slow", nil)
	require.NoError(t, err)
	waitFor(t, started)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = run.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Waiting gave up; the run did not.
	close(release)
	out, err := run.Wait(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `"released"`, string(out))
}

func TestConnectOverHTTP(t *testing.T) {
	srv := newServer(t)
	require.NoError(t, builtin.Register(srv.Registry()))

	cfg := config.Default()
	ts := httptest.NewServer(server.NewHTTPServer(&cfg.Server, srv).Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(func() { _ = srv.Close() })

	for _, transportName := range []string{TransportSSE, TransportWebSocket} {
		t.Run(transportName, func(t *testing.T) {
			url := ts.URL + server.PathSSE
			if transportName == TransportWebSocket {
				url = "ws" + ts.URL[len("http"):] + server.PathWebSocket
			}
			sess, err := Connect(context.Background(), Config{Transport: transportName, URL: url})
			require.NoError(t, err)
			defer sess.Close()

			agents, err := sess.ListAgents(context.Background())
			require.NoError(t, err)
			assert.Len(t, agents, 2)

			run, err := sess.RunAgent(context.Background(), builtin.HelloWorld, builtin.TextInput{Text: "wire"})
			require.NoError(t, err)
			out, err := run.Wait(context.Background())
			require.NoError(t, err)
			assert.JSONEq(t, `{"text":"Hi there wire"}`, string(out))
		})
	}
}

func TestFromConfig(t *testing.T) {
	c := config.ClientConfig{
		Transport:        "websocket",
		URL:              "ws://example/acp/ws",
		HandshakeTimeout: time.Second,
		Headers:          map[string]string{"authorization": "Bearer x"},
	}
	cfg := FromConfig(&c)
	assert.Equal(t, TransportWebSocket, cfg.Transport)
	assert.Equal(t, "ws://example/acp/ws", cfg.URL)
	assert.Equal(t, time.Second, cfg.HandshakeTimeout)
	assert.Equal(t, "Bearer x", cfg.Header.Get("Authorization"))

	d, err := cfg.dialer()
	require.NoError(t, err)
	assert.IsType(t, &transport.WebSocketDialer{}, d)

	_, err = Config{}.dialer()
	assert.Error(t, err)
}
