package client

import (
	"context"
	"errors"
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

// fakeServer is a scripted transport endpoint: it acks every operation
// (or fails the ones listed in failOps), records what it saw, and lets
// tests push events and kill connections.
type fakeServer struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	conns   []*websocket.Conn
	ops     []protocol.Envelope
	failOps map[string]protocol.ErrorPayload
}

func newFakeServer(t *testing.T) (*fakeServer, string) {
	t.Helper()
	fs := &fakeServer{failOps: make(map[string]protocol.ErrorPayload)}
	ts := httptest.NewServer(http.HandlerFunc(fs.handle))
	t.Cleanup(ts.Close)
	return fs, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func (fs *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := fs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	fs.mu.Lock()
	fs.conns = append(fs.conns, conn)
	fs.mu.Unlock()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}

		fs.mu.Lock()
		fs.ops = append(fs.ops, env)
		ep, fail := fs.failOps[env.Type]
		fs.mu.Unlock()

		var reply protocol.Envelope
		if fail {
			reply, _ = protocol.NewEnvelope(protocol.TypeError, env.ID, ep)
		} else {
			reply, _ = protocol.NewEnvelope(protocol.TypeAck, env.ID, nil)
		}
		fs.write(conn, reply)
	}
}

func (fs *fakeServer) write(conn *websocket.Conn, env protocol.Envelope) {
	raw, err := json.Marshal(env)
	if err != nil {
		return
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	_ = conn.WriteMessage(websocket.TextMessage, raw)
}

// push sends an uncorrelated event on the most recent connection.
func (fs *fakeServer) push(t *testing.T, msgType string, payload any) {
	t.Helper()
	env, err := protocol.NewEnvelope(msgType, "", payload)
	require.NoError(t, err)

	fs.mu.Lock()
	require.NotEmpty(t, fs.conns, "no connection to push on")
	conn := fs.conns[len(fs.conns)-1]
	fs.mu.Unlock()
	fs.write(conn, env)
}

// dropAll abruptly closes every connection, simulating a network loss.
func (fs *fakeServer) dropAll() {
	fs.mu.Lock()
	conns := fs.conns
	fs.conns = nil
	fs.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

// countJoins counts recorded join operations for a group.
func (fs *fakeServer) countJoins(t *testing.T, groupID string) int {
	t.Helper()
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n := 0
	for _, env := range fs.ops {
		if env.Type != protocol.OpJoinGroup {
			continue
		}
		var req protocol.JoinGroupRequest
		require.NoError(t, json.Unmarshal(env.Payload, &req))
		if req.GroupID == groupID {
			n++
		}
	}
	return n
}

func newTestManager() (*Manager, *Router, *Store) {
	store := NewStore(zerolog.Nop())
	router := NewRouter(store, zerolog.Nop())
	mgr := NewManager(ManagerOptions{
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
		InvokeTimeout:  2 * time.Second,
	}, zerolog.Nop())
	mgr.OnTransport(router.Bind)
	return mgr, router, store
}

func TestConnectIdempotent(t *testing.T) {
	_, wsURL := newFakeServer(t)
	mgr, _, _ := newTestManager()
	defer mgr.Disconnect()

	require.NoError(t, mgr.Connect(context.Background(), wsURL, "secret"))
	require.NoError(t, mgr.Connect(context.Background(), wsURL, "secret"), "second connect is a no-op")

	st, errText := mgr.State()
	assert.Equal(t, StateConnected, st)
	assert.Empty(t, errText)
}

func TestConnectFailureStaysDisconnected(t *testing.T) {
	mgr, _, _ := newTestManager()

	err := mgr.Connect(context.Background(), "ws://127.0.0.1:1/ws", "")
	require.Error(t, err)

	st, errText := mgr.State()
	assert.Equal(t, StateDisconnected, st, "no automatic retry on initial connect failure")
	assert.NotEmpty(t, errText)
}

func TestOperationsFailFastWhenDisconnected(t *testing.T) {
	mgr, _, _ := newTestManager()

	assert.ErrorIs(t, mgr.JoinGroup(context.Background(), "g1"), ErrNotConnected)
	assert.ErrorIs(t, mgr.LeaveGroup(context.Background(), "g1"), ErrNotConnected)
	assert.ErrorIs(t, mgr.SendMessage(context.Background(), "g1", "hi"), ErrNotConnected)
}

func TestJoinGroupRejectedNotRecorded(t *testing.T) {
	fs, wsURL := newFakeServer(t)
	fs.failOps[protocol.OpJoinGroup] = protocol.ErrorPayload{
		ErrorCode:    protocol.CodeGroupNotFound,
		ErrorMessage: "no such group",
	}

	mgr, _, _ := newTestManager()
	defer mgr.Disconnect()
	require.NoError(t, mgr.Connect(context.Background(), wsURL, ""))

	err := mgr.JoinGroup(context.Background(), "ghost")
	var remote *protocol.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, protocol.CodeGroupNotFound, remote.Code)
	assert.Empty(t, mgr.Joined(), "refused groups must not enter the joined set")
}

func TestPushedMessageReachesConversation(t *testing.T) {
	fs, wsURL := newFakeServer(t)
	mgr, router, store := newTestManager()
	defer mgr.Disconnect()

	require.NoError(t, mgr.Connect(context.Background(), wsURL, ""))
	require.NoError(t, mgr.JoinGroup(context.Background(), "g1"))

	sent := protocol.ChatMessage{ID: "m1", GroupID: "g1", SenderID: "u2", SenderName: "Bee", Text: "hello"}
	fs.push(t, protocol.PushMessage, sent)

	select {
	case m := <-router.Messages():
		assert.Equal(t, "m1", m.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("pushed message never surfaced")
	}

	msgs := store.Conversation("g1")
	require.Len(t, msgs, 1)
	assert.Equal(t, sent, msgs[0])
}

func TestReconnectReplaysJoinedGroups(t *testing.T) {
	fs, wsURL := newFakeServer(t)
	mgr, _, _ := newTestManager()
	defer mgr.Disconnect()

	require.NoError(t, mgr.Connect(context.Background(), wsURL, ""))
	require.NoError(t, mgr.JoinGroup(context.Background(), "g1"))
	require.NoError(t, mgr.JoinGroup(context.Background(), "g2"))

	states := mgr.Subscribe()
	fs.dropAll()

	// The manager must pass through Reconnecting and come back.
	sawReconnecting := false
	deadline := time.After(5 * time.Second)
	for {
		var change StateChange
		select {
		case change = <-states:
		case <-deadline:
			t.Fatal("never returned to connected")
		}
		if change.State == StateReconnecting {
			sawReconnecting = true
		}
		if change.State == StateConnected {
			break
		}
	}
	assert.True(t, sawReconnecting)

	// Each joined group is replayed exactly once: one initial join plus
	// one replay.
	assert.Eventually(t, func() bool {
		return fs.countJoins(t, "g1") == 2 && fs.countJoins(t, "g2") == 2
	}, 5*time.Second, 20*time.Millisecond)

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 2, fs.countJoins(t, "g1"), "no duplicate replay")
	assert.Equal(t, 2, fs.countJoins(t, "g2"), "no duplicate replay")
}

func TestDisconnectStopsReconnect(t *testing.T) {
	fs, wsURL := newFakeServer(t)
	mgr, _, _ := newTestManager()

	require.NoError(t, mgr.Connect(context.Background(), wsURL, ""))
	require.NoError(t, mgr.JoinGroup(context.Background(), "g1"))

	mgr.Disconnect()
	st, _ := mgr.State()
	assert.Equal(t, StateDisconnected, st)

	// An explicit disconnect must not trigger the reconnect loop.
	joins := fs.countJoins(t, "g1")
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, joins, fs.countJoins(t, "g1"))
	st, _ = mgr.State()
	assert.Equal(t, StateDisconnected, st)
}

func TestLeaveGroupShrinksJoinedSet(t *testing.T) {
	_, wsURL := newFakeServer(t)
	mgr, _, _ := newTestManager()
	defer mgr.Disconnect()

	require.NoError(t, mgr.Connect(context.Background(), wsURL, ""))
	require.NoError(t, mgr.JoinGroup(context.Background(), "g1"))
	require.NoError(t, mgr.JoinGroup(context.Background(), "g2"))
	require.NoError(t, mgr.LeaveGroup(context.Background(), "g1"))

	assert.ElementsMatch(t, []string{"g2"}, mgr.Joined())
}

func TestInvokeClassifiedAsNetworkFailure(t *testing.T) {
	mgr, _, _ := newTestManager()
	err := mgr.Invoke(context.Background(), protocol.OpCastVote, nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotConnected))
	assert.Equal(t, VoteFailureNetwork, classifyVoteError(err))
}
