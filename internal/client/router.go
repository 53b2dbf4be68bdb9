package client

import (
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/vladimirruppel/groupsync/internal/protocol"
	"github.com/vladimirruppel/groupsync/internal/transport"
)

// streamBuffer sizes the typed event streams. A full stream drops the
// event for that consumer; the store has already been updated by then.
const streamBuffer = 64

// Router demultiplexes server pushes by type into typed streams and feeds
// the state store. Events for one group are handled in arrival order: the
// transport delivers in order and the router never reorders or buffers by
// sequence number.
type Router struct {
	log   zerolog.Logger
	store *Store

	messages   chan protocol.ChatMessage
	system     chan protocol.ChatMessage
	presence   chan protocol.PresenceUpdate
	typing     chan protocol.TypingNotify
	membership chan protocol.MembershipChange
	pollVotes  chan protocol.PollResults
}

// NewRouter builds a router writing into store.
func NewRouter(store *Store, log zerolog.Logger) *Router {
	return &Router{
		log:        log.With().Str("component", "router").Logger(),
		store:      store,
		messages:   make(chan protocol.ChatMessage, streamBuffer),
		system:     make(chan protocol.ChatMessage, streamBuffer),
		presence:   make(chan protocol.PresenceUpdate, streamBuffer),
		typing:     make(chan protocol.TypingNotify, streamBuffer),
		membership: make(chan protocol.MembershipChange, streamBuffer),
		pollVotes:  make(chan protocol.PollResults, streamBuffer),
	}
}

// Bind registers one handler per push category on a connection. The
// manager calls this for every connection it establishes, including
// reconnects.
func (r *Router) Bind(c *transport.Conn) {
	c.OnPush(protocol.PushMessage, r.handleMessage)
	c.OnPush(protocol.PushPresence, r.handlePresence)
	c.OnPush(protocol.PushTyping, r.handleTyping)
	c.OnPush(protocol.PushMembership, r.handleMembership)
	c.OnPush(protocol.PushPollVote, r.handlePollVote)
}

// Messages streams regular chat messages.
func (r *Router) Messages() <-chan protocol.ChatMessage { return r.messages }

// SystemMessages streams server-generated meta messages.
func (r *Router) SystemMessages() <-chan protocol.ChatMessage { return r.system }

// Presence streams presence snapshots.
func (r *Router) Presence() <-chan protocol.PresenceUpdate { return r.presence }

// Typing streams typing notifications.
func (r *Router) Typing() <-chan protocol.TypingNotify { return r.typing }

// Membership streams join/leave notifications.
func (r *Router) Membership() <-chan protocol.MembershipChange { return r.membership }

// PollVotes streams authoritative poll snapshots.
func (r *Router) PollVotes() <-chan protocol.PollResults { return r.pollVotes }

func (r *Router) handleMessage(env protocol.Envelope) {
	var m protocol.ChatMessage
	if err := json.Unmarshal(env.Payload, &m); err != nil {
		r.log.Warn().Err(err).Msg("bad message payload")
		return
	}
	r.store.AppendMessage(m)
	// The sender's message supersedes their typing indicator.
	if m.SenderID != "" {
		r.store.ClearTyping(m.GroupID, m.SenderID)
	}
	if m.System {
		send(r.log, r.system, m, protocol.PushMessage)
		return
	}
	send(r.log, r.messages, m, protocol.PushMessage)
}

func (r *Router) handlePresence(env protocol.Envelope) {
	var p protocol.PresenceUpdate
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		r.log.Warn().Err(err).Msg("bad presence payload")
		return
	}
	send(r.log, r.presence, p, protocol.PushPresence)
}

func (r *Router) handleTyping(env protocol.Envelope) {
	var t protocol.TypingNotify
	if err := json.Unmarshal(env.Payload, &t); err != nil {
		r.log.Warn().Err(err).Msg("bad typing payload")
		return
	}
	r.store.SetTyping(t.GroupID, t.UserID)
	send(r.log, r.typing, t, protocol.PushTyping)
}

func (r *Router) handleMembership(env protocol.Envelope) {
	var mc protocol.MembershipChange
	if err := json.Unmarshal(env.Payload, &mc); err != nil {
		r.log.Warn().Err(err).Msg("bad membership payload")
		return
	}
	send(r.log, r.membership, mc, protocol.PushMembership)
}

// handlePollVote forwards the authoritative snapshot straight to the
// store's reconciliation path. Pushed snapshots are never applied
// speculatively.
func (r *Router) handlePollVote(env protocol.Envelope) {
	var res protocol.PollResults
	if err := json.Unmarshal(env.Payload, &res); err != nil {
		r.log.Warn().Err(err).Msg("bad poll vote payload")
		return
	}
	r.store.UpdatePollResults(res.PollID, res)
	send(r.log, r.pollVotes, res, protocol.PushPollVote)
}

func send[T any](log zerolog.Logger, ch chan T, v T, kind string) {
	select {
	case ch <- v:
	default:
		log.Warn().Str("type", kind).Msg("stream full, event dropped")
	}
}
