package client

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/vladimirruppel/groupsync/internal/protocol"
	"github.com/vladimirruppel/groupsync/internal/transport"
)

// State is the connection lifecycle state owned by the Manager.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// StateChange is pushed to subscribers on every transition. Err carries
// the last error text, if any.
type StateChange struct {
	State State
	Err   string
}

const stateSubBuffer = 16

// ManagerOptions tune the reconnect loop and per-operation deadline.
type ManagerOptions struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	InvokeTimeout  time.Duration
}

func (o *ManagerOptions) fill() {
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 32 * time.Second
	}
	if o.InvokeTimeout <= 0 {
		o.InvokeTimeout = 10 * time.Second
	}
}

// Manager owns the single persistent connection for a client session: the
// connect/disconnect lifecycle, automatic reconnection with exponential
// backoff, and the set of joined groups replayed after every reconnect
// (the server forgets a dropped client's subscriptions). All mutation of
// the connection goes through Manager methods.
type Manager struct {
	log  zerolog.Logger
	opts ManagerOptions

	// binders register push handlers on every new transport connection.
	binders []func(*transport.Conn)

	mu         sync.Mutex
	state      State
	lastErr    string
	conn       *transport.Conn
	gen        int
	endpoint   string
	credential string
	joined     map[string]struct{}
	subs       []chan StateChange
	closing    bool
}

// NewManager builds a disconnected manager.
func NewManager(opts ManagerOptions, log zerolog.Logger) *Manager {
	opts.fill()
	return &Manager{
		log:    log.With().Str("component", "connection").Logger(),
		opts:   opts,
		joined: make(map[string]struct{}),
	}
}

// OnTransport registers fn to run against each new underlying connection
// before its read pump starts; the router binds its push handlers here.
// Call before Connect.
func (m *Manager) OnTransport(fn func(*transport.Conn)) {
	m.binders = append(m.binders, fn)
}

// Connect establishes the transport. It is idempotent: a no-op when
// already connected. An initial connect failure leaves the manager
// Disconnected and is returned to the caller; there is no automatic retry
// until a connection has been established once.
func (m *Manager) Connect(ctx context.Context, endpoint, credential string) error {
	m.mu.Lock()
	if m.state == StateConnected || m.state == StateConnecting {
		m.mu.Unlock()
		return nil
	}
	m.closing = false
	m.endpoint = endpoint
	m.credential = credential
	m.setStateLocked(StateConnecting, "")
	m.mu.Unlock()

	conn, err := m.dial(ctx)
	if err != nil {
		m.mu.Lock()
		m.setStateLocked(StateDisconnected, err.Error())
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	m.installLocked(conn)
	m.setStateLocked(StateConnected, "")
	m.mu.Unlock()
	return nil
}

// Disconnect tears the transport down and stops any reconnect loop.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.closing = true
	m.gen++ // invalidate in-flight reconnect loops and drop callbacks
	conn := m.conn
	m.conn = nil
	m.setStateLocked(StateDisconnected, "")
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

// State reports the current state and last error text.
func (m *Manager) State() (State, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.lastErr
}

// Subscribe returns a channel receiving every state transition. Slow
// subscribers lose intermediate transitions, never the subscription.
func (m *Manager) Subscribe() <-chan StateChange {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan StateChange, stateSubBuffer)
	m.subs = append(m.subs, ch)
	return ch
}

// JoinGroup subscribes to a group. The joined set is updated only after
// the server confirms, so a replay after reconnect never includes groups
// the server refused.
func (m *Manager) JoinGroup(ctx context.Context, groupID string) error {
	if err := m.Invoke(ctx, protocol.OpJoinGroup, protocol.JoinGroupRequest{GroupID: groupID}, nil); err != nil {
		return err
	}
	m.mu.Lock()
	m.joined[groupID] = struct{}{}
	m.mu.Unlock()
	return nil
}

// LeaveGroup unsubscribes from a group.
func (m *Manager) LeaveGroup(ctx context.Context, groupID string) error {
	if err := m.Invoke(ctx, protocol.OpLeaveGroup, protocol.LeaveGroupRequest{GroupID: groupID}, nil); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.joined, groupID)
	m.mu.Unlock()
	return nil
}

// SendMessage sends a chat message to a group. Delivery back to this
// client arrives as a push, not in the ack.
func (m *Manager) SendMessage(ctx context.Context, groupID, text string) error {
	return m.Invoke(ctx, protocol.OpSendMessage, protocol.SendMessageRequest{GroupID: groupID, Text: text}, nil)
}

// SendTyping emits a best-effort typing indicator. All failures are
// swallowed: the indicator is non-critical.
func (m *Manager) SendTyping(ctx context.Context, groupID string) {
	if err := m.Invoke(ctx, protocol.OpTyping, protocol.TypingRequest{GroupID: groupID}, nil); err != nil {
		m.log.Debug().Err(err).Str("group_id", groupID).Msg("typing indicator dropped")
	}
}

// RequestPresence fetches the current presence snapshot for a group.
func (m *Manager) RequestPresence(ctx context.Context, groupID string) (protocol.PresenceUpdate, error) {
	var out protocol.PresenceUpdate
	err := m.Invoke(ctx, protocol.OpPresence, protocol.PresenceRequest{GroupID: groupID}, &out)
	return out, err
}

// Joined returns a snapshot of the joined-group set.
func (m *Manager) Joined() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.joined))
	for id := range m.joined {
		out = append(out, id)
	}
	return out
}

// Invoke runs one named operation on the current connection, failing fast
// with ErrNotConnected outside the Connected state.
func (m *Manager) Invoke(ctx context.Context, op string, in, out any) error {
	m.mu.Lock()
	conn := m.conn
	connected := m.state == StateConnected
	m.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, m.opts.InvokeTimeout)
	defer cancel()
	return conn.Invoke(ctx, op, in, out)
}

func (m *Manager) dial(ctx context.Context) (*transport.Conn, error) {
	conn, err := transport.Dial(ctx, m.endpoint, m.credential, m.log)
	if err != nil {
		return nil, err
	}
	for _, bind := range m.binders {
		bind(conn)
	}
	return conn, nil
}

// installLocked wires a freshly dialed connection in and starts its pump.
func (m *Manager) installLocked(conn *transport.Conn) {
	m.gen++
	gen := m.gen
	m.conn = conn
	conn.OnClosed(func(err error) { m.handleDrop(gen, err) })
	conn.Start()
}

// handleDrop reacts to an unexpected connection loss by entering the
// reconnect loop. Drops from superseded connections are ignored.
func (m *Manager) handleDrop(gen int, cause error) {
	m.mu.Lock()
	if m.closing || gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	errText := ""
	if cause != nil {
		errText = cause.Error()
	}
	m.setStateLocked(StateReconnecting, errText)
	m.mu.Unlock()

	m.log.Warn().Err(cause).Msg("connection lost, reconnecting")
	go m.reconnectLoop(gen)
}

// reconnectLoop retries the dial with exponential backoff until it
// succeeds or the manager is disconnected. On success the joined-group
// set is replayed, since the server has no memory of the dropped
// client's subscriptions.
func (m *Manager) reconnectLoop(gen int) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.opts.InitialBackoff
	bo.MaxInterval = m.opts.MaxBackoff
	bo.MaxElapsedTime = 0 // retry until disconnected
	bo.Reset()

	for {
		time.Sleep(bo.NextBackOff())

		m.mu.Lock()
		if m.closing || gen != m.gen {
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		conn, err := m.dial(context.Background())
		if err != nil {
			m.log.Debug().Err(err).Msg("reconnect attempt failed")
			continue
		}

		m.mu.Lock()
		if m.closing || gen != m.gen {
			m.mu.Unlock()
			_ = conn.Close()
			return
		}
		m.installLocked(conn)
		m.setStateLocked(StateConnected, "")
		joined := make([]string, 0, len(m.joined))
		for id := range m.joined {
			joined = append(joined, id)
		}
		m.mu.Unlock()

		m.log.Info().Int("groups", len(joined)).Msg("reconnected, replaying subscriptions")
		m.replayJoins(joined)
		return
	}
}

// replayJoins re-issues a join for each subscribed group after a
// reconnect. A failed replay keeps the group in the set; the next
// reconnect tries again.
func (m *Manager) replayJoins(groupIDs []string) {
	for _, id := range groupIDs {
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.InvokeTimeout)
		err := m.Invoke(ctx, protocol.OpJoinGroup, protocol.JoinGroupRequest{GroupID: id}, nil)
		cancel()
		if err != nil {
			m.log.Error().Err(err).Str("group_id", id).Msg("failed to restore subscription")
		}
	}
}

func (m *Manager) setStateLocked(st State, errText string) {
	m.state = st
	m.lastErr = errText
	change := StateChange{State: st, Err: errText}
	for _, ch := range m.subs {
		select {
		case ch <- change:
		default:
		}
	}
}
