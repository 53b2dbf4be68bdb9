package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladimirruppel/groupsync/internal/protocol"
)

// echoServer acks one scripted operation and can emit pushes.
type echoServer struct {
	upgrader websocket.Upgrader
	ackWith  any
	failWith *protocol.ErrorPayload

	mu   sync.Mutex
	conn *websocket.Conn
}

func (e *echoServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	e.mu.Lock()
	e.conn = conn
	e.mu.Unlock()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}
		var reply protocol.Envelope
		if e.failWith != nil {
			reply, _ = protocol.NewEnvelope(protocol.TypeError, env.ID, *e.failWith)
		} else {
			reply, _ = protocol.NewEnvelope(protocol.TypeAck, env.ID, e.ackWith)
		}
		out, _ := json.Marshal(reply)
		e.mu.Lock()
		_ = conn.WriteMessage(websocket.TextMessage, out)
		e.mu.Unlock()
	}
}

func (e *echoServer) push(t *testing.T, env protocol.Envelope) {
	t.Helper()
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	e.mu.Lock()
	defer e.mu.Unlock()
	require.NotNil(t, e.conn)
	require.NoError(t, e.conn.WriteMessage(websocket.TextMessage, raw))
}

func startEcho(t *testing.T, e *echoServer) string {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(e.handle))
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestInvokeDecodesAck(t *testing.T) {
	e := &echoServer{ackWith: protocol.PresenceUpdate{GroupID: "g1", Online: []string{"u1"}}}
	url := startEcho(t, e)

	conn, err := Dial(context.Background(), url, "tok", zerolog.Nop())
	require.NoError(t, err)
	defer conn.Close()
	conn.Start()

	var out protocol.PresenceUpdate
	require.NoError(t, conn.Invoke(context.Background(), protocol.OpPresence,
		protocol.PresenceRequest{GroupID: "g1"}, &out))
	assert.Equal(t, "g1", out.GroupID)
	assert.Equal(t, []string{"u1"}, out.Online)
}

func TestInvokeDecodesRemoteError(t *testing.T) {
	e := &echoServer{failWith: &protocol.ErrorPayload{
		ErrorCode:    protocol.CodePollNotFound,
		ErrorMessage: "no such poll",
	}}
	url := startEcho(t, e)

	conn, err := Dial(context.Background(), url, "", zerolog.Nop())
	require.NoError(t, err)
	defer conn.Close()
	conn.Start()

	err = conn.Invoke(context.Background(), protocol.OpPollResults,
		protocol.PollResultsRequest{PollID: "p1"}, nil)
	var remote *protocol.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, protocol.CodePollNotFound, remote.Code)
}

func TestPushDispatchAndClosedCallback(t *testing.T) {
	e := &echoServer{}
	url := startEcho(t, e)

	conn, err := Dial(context.Background(), url, "", zerolog.Nop())
	require.NoError(t, err)

	got := make(chan protocol.Envelope, 1)
	closed := make(chan error, 1)
	conn.OnPush(protocol.PushTyping, func(env protocol.Envelope) { got <- env })
	conn.OnClosed(func(err error) { closed <- err })
	conn.Start()

	env, err := protocol.NewEnvelope(protocol.PushTyping, "", protocol.TypingNotify{GroupID: "g1", UserID: "u2"})
	require.NoError(t, err)
	// The push needs a live server-side conn; wait for the handshake to
	// register it.
	require.Eventually(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.conn != nil
	}, time.Second, 10*time.Millisecond)
	e.push(t, env)

	select {
	case received := <-got:
		var tn protocol.TypingNotify
		require.NoError(t, json.Unmarshal(received.Payload, &tn))
		assert.Equal(t, "u2", tn.UserID)
	case <-time.After(2 * time.Second):
		t.Fatal("push never dispatched")
	}

	require.NoError(t, conn.Close())
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("closed callback never fired")
	}
}

func TestInvokeFailsWhenConnectionDies(t *testing.T) {
	e := &echoServer{}
	url := startEcho(t, e)

	conn, err := Dial(context.Background(), url, "", zerolog.Nop())
	require.NoError(t, err)
	conn.Start()

	require.Eventually(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.conn != nil
	}, time.Second, 10*time.Millisecond)

	// Kill the server side without replying; the pending invoke must
	// fail with ErrClosed rather than hang.
	e.mu.Lock()
	_ = e.conn.Close()
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = conn.Invoke(ctx, protocol.OpJoinGroup, protocol.JoinGroupRequest{GroupID: "g1"}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDialFailure(t *testing.T) {
	_, err := Dial(context.Background(), "ws://127.0.0.1:1/ws", "", zerolog.Nop())
	assert.Error(t, err)
}
