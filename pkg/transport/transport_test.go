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
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/acp/pkg/protocol"
)

const testTimeout = 5 * time.Second

func ping(t *testing.T, n int64) *protocol.Message {
	t.Helper()
	msg, err := protocol.NewRequest(protocol.Int64ID(n), protocol.MethodPing, nil)
	require.NoError(t, err)
	return msg
}

func recv(t *testing.T, ch Channel) *protocol.Message {
	t.Helper()
	select {
	case msg, ok := <-ch.Receive():
		require.True(t, ok, "channel closed: %v", ch.Err())
		return msg
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func waitDone(t *testing.T, ch Channel) {
	t.Helper()
	select {
	case <-ch.Done():
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for close")
	}
}

// echoAcceptor answers every request with an empty response.
func echoAcceptor(_ context.Context, ch Channel) {
	for msg := range ch.Receive() {
		if msg.Kind != protocol.KindRequest {
			continue
		}
		resp, _ := protocol.NewResponse(msg.ID, map[string]string{"method": msg.Method})
		if ch.Send(context.Background(), resp) != nil {
			return
		}
	}
}

func TestPipe_OrderedDelivery(t *testing.T) {
	a, b := NewPipe()
	defer a.Close()

	ctx := context.Background()
	for i := int64(1); i <= 20; i++ {
		require.NoError(t, a.Send(ctx, ping(t, i)))
	}
	for i := int64(1); i <= 20; i++ {
		msg := recv(t, b)
		assert.Equal(t, protocol.Int64ID(i), msg.ID)
	}
}

func TestPipe_CloseIsIdempotentAndPropagates(t *testing.T) {
	a, b := NewPipe()

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	waitDone(t, b)
	assert.ErrorIs(t, a.Err(), ErrClosed)
	assert.ErrorIs(t, b.Err(), ErrPeerClosed)

	_, ok := <-b.Receive()
	assert.False(t, ok)

	assert.ErrorIs(t, a.Send(context.Background(), ping(t, 1)), ErrClosed)
	assert.ErrorIs(t, b.Send(context.Background(), ping(t, 1)), ErrClosed)
}

func TestPipe_CloseReturnsPromptly(t *testing.T) {
	tests := []struct {
		name  string
		close func(a, b Channel)
	}{
		{"one side", func(a, b Channel) { _ = a.Close() }},
		{"both sides at once", func(a, b Channel) {
			go func() { _ = b.Close() }()
			_ = a.Close()
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, b := NewPipe()

			closed := make(chan struct{})
			go func() {
				tt.close(a, b)
				close(closed)
			}()

			select {
			case <-closed:
			case <-time.After(testTimeout):
				t.Fatal("Close blocked")
			}
			waitDone(t, a)
			waitDone(t, b)
		})
	}
}

func TestPipe_CloseUnblocksPendingSend(t *testing.T) {
	a, b := NewPipeSize(1)

	errc := make(chan error, 1)
	go func() {
		var err error
		for i := int64(0); err == nil; i++ {
			err = a.Send(context.Background(), &protocol.Message{Kind: protocol.KindRequest, ID: protocol.Int64ID(i), Method: "ping"})
		}
		errc <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, b.Close())

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(testTimeout):
		t.Fatal("send was not unblocked by close")
	}
}

func TestPipe_SendHonorsContext(t *testing.T) {
	a, _ := NewPipeSize(1)
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	var err error
	for i := int64(0); err == nil; i++ {
		err = a.Send(ctx, ping(t, i))
	}
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPipe_MalformedFrameClosesWithDecodeError(t *testing.T) {
	a, b := NewPipe()
	defer a.Close()

	require.NoError(t, a.Send(context.Background(), ping(t, 1)))
	require.NoError(t, InjectRaw(context.Background(), a, []byte(`{"jsonrpc":"2.0",`)))

	// Messages decoded before the bad frame are still delivered.
	assert.Equal(t, protocol.Int64ID(1), recv(t, b).ID)

	waitDone(t, b)
	var decErr *protocol.DecodeError
	require.True(t, errors.As(b.Err(), &decErr))
	assert.Equal(t, `{"jsonrpc":"2.0",`, string(decErr.Raw))
	waitDone(t, a)
}

func TestPipe_EncodeFailureLeavesChannelOpen(t *testing.T) {
	a, b := NewPipe()
	defer a.Close()

	err := a.Send(context.Background(), &protocol.Message{Kind: protocol.KindRequest})
	require.Error(t, err)
	assert.Nil(t, a.Err())

	require.NoError(t, a.Send(context.Background(), ping(t, 2)))
	assert.Equal(t, protocol.Int64ID(2), recv(t, b).ID)
}

func TestPipeDialer_HandsServerEndToAcceptor(t *testing.T) {
	d := &PipeDialer{Accept: echoAcceptor}
	ch, err := d.Dial(context.Background())
	require.NoError(t, err)
	defer ch.Close()

	require.NoError(t, ch.Send(context.Background(), ping(t, 9)))
	resp := recv(t, ch)
	assert.Equal(t, protocol.KindResponse, resp.Kind)
	assert.Equal(t, protocol.Int64ID(9), resp.ID)
}

func TestSSE_RoundTrip(t *testing.T) {
	srv := NewSSEServer(echoAcceptor, "", nil)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	d := &SSEDialer{URL: ts.URL + "/acp/sse"}
	ch, err := d.Dial(context.Background())
	require.NoError(t, err)

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, ch.Send(context.Background(), ping(t, i)))
	}
	for i := int64(1); i <= 5; i++ {
		resp := recv(t, ch)
		assert.Equal(t, protocol.Int64ID(i), resp.ID)
		assert.JSONEq(t, `{"method":"ping"}`, string(resp.Result))
	}

	require.Equal(t, 1, srv.Len())
	require.NoError(t, ch.Close())
	assert.Eventually(t, func() bool { return srv.Len() == 0 }, testTimeout, 10*time.Millisecond)
}

func TestSSE_ServerCloseReachesClient(t *testing.T) {
	accepted := make(chan Channel, 1)
	srv := NewSSEServer(func(_ context.Context, ch Channel) { accepted <- ch }, "", nil)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ch, err := (&SSEDialer{URL: ts.URL}).Dial(context.Background())
	require.NoError(t, err)

	serverEnd := <-accepted
	require.NoError(t, serverEnd.Close())

	waitDone(t, ch)
	assert.ErrorIs(t, ch.Err(), ErrPeerClosed)
}

func TestSSE_MalformedPostTerminatesChannel(t *testing.T) {
	accepted := make(chan Channel, 1)
	srv := NewSSEServer(func(_ context.Context, ch Channel) { accepted <- ch }, "", nil)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ch, err := (&SSEDialer{URL: ts.URL + "/acp"}).Dial(context.Background())
	require.NoError(t, err)
	defer ch.Close()
	serverEnd := <-accepted

	postURL := ch.(*sseClientChannel).postURL
	resp, err := http.Post(postURL, "application/json", strings.NewReader(`not json`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	waitDone(t, serverEnd)
	assert.ErrorIs(t, serverEnd.Err(), protocol.ErrDecode)
	waitDone(t, ch)
}

func TestSSE_UnknownSession(t *testing.T) {
	ts := httptest.NewServer(NewSSEServer(echoAcceptor, "", nil))
	defer ts.Close()

	resp, err := http.Post(ts.URL+"?session_id=nope", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSSE_KeepAliveIsIgnored(t *testing.T) {
	srv := NewSSEServer(echoAcceptor, "", nil)
	srv.KeepAlive = 10 * time.Millisecond
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ch, err := (&SSEDialer{URL: ts.URL}).Dial(context.Background())
	require.NoError(t, err)
	defer ch.Close()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, ch.Send(context.Background(), ping(t, 3)))
	assert.Equal(t, protocol.Int64ID(3), recv(t, ch).ID)
}

func TestWebSocket_RoundTrip(t *testing.T) {
	ts := httptest.NewServer(NewWebSocketHandler(echoAcceptor, nil))
	defer ts.Close()

	d := &WebSocketDialer{URL: "ws" + strings.TrimPrefix(ts.URL, "http")}
	ch, err := d.Dial(context.Background())
	require.NoError(t, err)

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, ch.Send(context.Background(), ping(t, i)))
	}
	for i := int64(1); i <= 5; i++ {
		assert.Equal(t, protocol.Int64ID(i), recv(t, ch).ID)
	}
	require.NoError(t, ch.Close())
	waitDone(t, ch)
}

func TestWebSocket_ServerCloseReachesClient(t *testing.T) {
	accepted := make(chan Channel, 1)
	ts := httptest.NewServer(NewWebSocketHandler(func(_ context.Context, ch Channel) { accepted <- ch }, nil))
	defer ts.Close()

	ch, err := (&WebSocketDialer{URL: "ws" + strings.TrimPrefix(ts.URL, "http")}).Dial(context.Background())
	require.NoError(t, err)

	require.NoError(t, (<-accepted).Close())
	waitDone(t, ch)
	assert.Error(t, ch.Err())
}

func TestReadEvent_JoinsDataLines(t *testing.T) {
	r := strings.NewReader(": comment\n\nevent: message\ndata: a\ndata:b\n\n")
	event, data, err := readEvent(bufio.NewReader(r))
	require.NoError(t, err)
	assert.Equal(t, "message", event)
	assert.Equal(t, "a\nb", string(data))
}
