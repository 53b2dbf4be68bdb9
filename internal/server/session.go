package server

import (
	"net/http"
	"slices"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vladimirruppel/groupsync/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 10 * 1024
	sendBuffer     = 32
)

// session is one connected client: a websocket with read and write pumps
// and the identity it dialed in with.
type session struct {
	srv  *Server
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	userID      string
	displayName string
}

// handleWS upgrades the connection and starts the session pumps. The
// client identifies itself with user and name query parameters; the
// bearer token was already checked by ServeHTTP.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		userID = uuid.NewString()
	}
	displayName := r.URL.Query().Get("name")
	if displayName == "" {
		displayName = userID
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("upgrade failed")
		return
	}

	sess := &session{
		srv:         s,
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		done:        make(chan struct{}),
		userID:      userID,
		displayName: displayName,
	}

	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()

	s.log.Info().Str("user_id", userID).Msg("session opened")
	go sess.writePump()
	sess.readPump()
}

// push queues an envelope for delivery, dropping it if the session cannot
// keep up.
func (sess *session) push(env protocol.Envelope) {
	raw, err := json.Marshal(env)
	if err != nil {
		sess.srv.log.Error().Err(err).Msg("marshal push")
		return
	}
	select {
	case <-sess.done:
	case sess.send <- raw:
	default:
		sess.srv.log.Warn().Str("user_id", sess.userID).Msg("send buffer full, push dropped")
	}
}

func (sess *session) readPump() {
	defer sess.teardown()

	sess.conn.SetReadLimit(maxMessageSize)
	_ = sess.conn.SetReadDeadline(time.Now().Add(pongWait))
	sess.conn.SetPongHandler(func(string) error {
		return sess.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := sess.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				sess.srv.log.Debug().Err(err).Str("user_id", sess.userID).Msg("unexpected close")
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			sess.srv.log.Warn().Err(err).Str("user_id", sess.userID).Msg("unparseable frame")
			continue
		}
		sess.handleOp(env)
	}
}

func (sess *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = sess.conn.Close()
	}()

	for {
		select {
		case <-sess.done:
			_ = sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = sess.conn.WriteMessage(websocket.CloseMessage, nil)
			return
		case raw := <-sess.send:
			_ = sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sess.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			_ = sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sess.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// teardown removes the session from every group and announces the leaves.
func (sess *session) teardown() {
	s := sess.srv

	s.mu.Lock()
	delete(s.sessions, sess)
	var left []string
	for id, g := range s.groups {
		if g.members[sess.userID] == sess {
			delete(g.members, sess.userID)
			left = append(left, id)
		}
	}
	s.mu.Unlock()

	close(sess.done)
	_ = sess.conn.Close()

	for _, groupID := range left {
		sess.announceMembership(groupID, false)
	}
	s.log.Info().Str("user_id", sess.userID).Msg("session closed")
}

///
/// OPERATION DISPATCH
///

func (sess *session) handleOp(env protocol.Envelope) {
	switch env.Type {
	case protocol.OpJoinGroup:
		var req protocol.JoinGroupRequest
		if !sess.decode(env, &req) {
			return
		}
		sess.handleJoin(env.ID, req)
	case protocol.OpLeaveGroup:
		var req protocol.LeaveGroupRequest
		if !sess.decode(env, &req) {
			return
		}
		sess.handleLeave(env.ID, req)
	case protocol.OpSendMessage:
		var req protocol.SendMessageRequest
		if !sess.decode(env, &req) {
			return
		}
		sess.handleSend(env.ID, req)
	case protocol.OpTyping:
		var req protocol.TypingRequest
		if !sess.decode(env, &req) {
			return
		}
		sess.handleTyping(env.ID, req)
	case protocol.OpPresence:
		var req protocol.PresenceRequest
		if !sess.decode(env, &req) {
			return
		}
		sess.handlePresenceOp(env.ID, req)
	case protocol.OpCastVote:
		var req protocol.CastVoteRequest
		if !sess.decode(env, &req) {
			return
		}
		sess.handleVote(env.ID, req.PollID, req.OptionIDs)
	case protocol.OpRemoveVote:
		var req protocol.RemoveVoteRequest
		if !sess.decode(env, &req) {
			return
		}
		sess.handleVote(env.ID, req.PollID, nil)
	case protocol.OpPollResults:
		var req protocol.PollResultsRequest
		if !sess.decode(env, &req) {
			return
		}
		sess.handlePollResults(env.ID, req)
	default:
		sess.replyError(env.ID, protocol.CodeUnknownType, "unhandled operation")
	}
}

func (sess *session) decode(env protocol.Envelope, out any) bool {
	if err := json.Unmarshal(env.Payload, out); err != nil {
		sess.replyError(env.ID, protocol.CodeInvalidPayload, "could not parse payload")
		return false
	}
	return true
}

func (sess *session) replyAck(id string, payload any) {
	env, err := protocol.NewEnvelope(protocol.TypeAck, id, payload)
	if err != nil {
		sess.srv.log.Error().Err(err).Msg("marshal ack")
		return
	}
	sess.push(env)
}

func (sess *session) replyError(id, code, msg string) {
	env, err := protocol.NewEnvelope(protocol.TypeError, id, protocol.ErrorPayload{
		ErrorCode:    code,
		ErrorMessage: msg,
	})
	if err != nil {
		return
	}
	sess.push(env)
}

func (sess *session) handleJoin(id string, req protocol.JoinGroupRequest) {
	s := sess.srv
	s.mu.Lock()
	g, ok := s.groups[req.GroupID]
	if !ok {
		// Groups spring into existence on first join; convenient for a
		// dev harness.
		g = &group{id: req.GroupID, name: req.GroupID, members: make(map[string]*session)}
		s.groups[req.GroupID] = g
	}
	already := g.members[sess.userID] == sess
	g.members[sess.userID] = sess
	s.mu.Unlock()

	sess.replyAck(id, nil)
	if !already {
		sess.announceMembership(req.GroupID, true)
	}
}

func (sess *session) handleLeave(id string, req protocol.LeaveGroupRequest) {
	s := sess.srv
	s.mu.Lock()
	g, ok := s.groups[req.GroupID]
	member := ok && g.members[sess.userID] == sess
	if member {
		delete(g.members, sess.userID)
	}
	s.mu.Unlock()

	if !ok {
		sess.replyError(id, protocol.CodeGroupNotFound, "no such group")
		return
	}
	sess.replyAck(id, nil)
	if member {
		sess.announceMembership(req.GroupID, false)
	}
}

// announceMembership pushes the membership change and a system message to
// the group.
func (sess *session) announceMembership(groupID string, joined bool) {
	env, err := protocol.NewEnvelope(protocol.PushMembership, "", protocol.MembershipChange{
		GroupID:     groupID,
		UserID:      sess.userID,
		DisplayName: sess.displayName,
		Joined:      joined,
	})
	if err == nil {
		sess.srv.pushToGroup(groupID, env, sess.userID)
	}

	verb := " joined"
	if !joined {
		verb = " left"
	}
	sess.srv.appendAndPush(groupID, protocol.ChatMessage{
		ID:        uuid.NewString(),
		GroupID:   groupID,
		Text:      sess.displayName + verb,
		System:    true,
		Timestamp: time.Now().Unix(),
	})
}

func (sess *session) handleSend(id string, req protocol.SendMessageRequest) {
	if !sess.isMember(req.GroupID) {
		sess.replyError(id, protocol.CodeNotAMember, "join the group before sending")
		return
	}
	sess.replyAck(id, nil)
	sess.srv.appendAndPush(req.GroupID, protocol.ChatMessage{
		ID:         uuid.NewString(),
		GroupID:    req.GroupID,
		SenderID:   sess.userID,
		SenderName: sess.displayName,
		Text:       req.Text,
		Timestamp:  time.Now().Unix(),
	})
}

func (sess *session) handleTyping(id string, req protocol.TypingRequest) {
	if !sess.isMember(req.GroupID) {
		sess.replyError(id, protocol.CodeNotAMember, "join the group first")
		return
	}
	sess.replyAck(id, nil)
	env, err := protocol.NewEnvelope(protocol.PushTyping, "", protocol.TypingNotify{
		GroupID: req.GroupID,
		UserID:  sess.userID,
	})
	if err == nil {
		sess.srv.pushToGroup(req.GroupID, env, sess.userID)
	}
}

func (sess *session) handlePresenceOp(id string, req protocol.PresenceRequest) {
	s := sess.srv
	s.mu.Lock()
	g, ok := s.groups[req.GroupID]
	var online []string
	if ok {
		for userID := range g.members {
			online = append(online, userID)
		}
	}
	s.mu.Unlock()

	if !ok {
		sess.replyError(id, protocol.CodeGroupNotFound, "no such group")
		return
	}
	slices.Sort(online)
	sess.replyAck(id, protocol.PresenceUpdate{GroupID: req.GroupID, Online: online})
}

// handleVote applies a full selection for this user (nil removes the
// vote), replies with the authoritative snapshot, and pushes it to the
// poll's group.
func (sess *session) handleVote(id, pollID string, optionIDs []string) {
	s := sess.srv
	s.mu.Lock()
	p, ok := s.polls[pollID]
	if !ok {
		s.mu.Unlock()
		sess.replyError(id, protocol.CodePollNotFound, "no such poll")
		return
	}
	g := s.groups[p.groupID]
	if g == nil || g.members[sess.userID] != sess {
		s.mu.Unlock()
		sess.replyError(id, protocol.CodeNotAMember, "join the group before voting")
		return
	}
	if p.closed {
		s.mu.Unlock()
		sess.replyError(id, protocol.CodeUnauthorized, "poll is closed")
		return
	}
	if len(optionIDs) > 1 && !p.allowMultiple {
		s.mu.Unlock()
		sess.replyError(id, protocol.CodeMultipleNotAllowed, "poll allows a single answer")
		return
	}
	for _, optID := range optionIDs {
		if !slices.ContainsFunc(p.options, func(o protocol.PollOption) bool { return o.ID == optID }) {
			s.mu.Unlock()
			sess.replyError(id, protocol.CodeInvalidOption, "unknown option")
			return
		}
	}

	if len(optionIDs) == 0 {
		delete(p.votes, sess.userID)
	} else {
		p.votes[sess.userID] = slices.Clone(optionIDs)
	}
	res := p.snapshotLocked()
	s.mu.Unlock()

	sess.replyAck(id, res)
	if env, err := protocol.NewEnvelope(protocol.PushPollVote, "", res); err == nil {
		sess.srv.pushToGroup(p.groupID, env, sess.userID)
	}
}

func (sess *session) handlePollResults(id string, req protocol.PollResultsRequest) {
	s := sess.srv
	s.mu.Lock()
	p, ok := s.polls[req.PollID]
	var res protocol.PollResults
	if ok {
		res = p.snapshotLocked()
	}
	s.mu.Unlock()

	if !ok {
		sess.replyError(id, protocol.CodePollNotFound, "no such poll")
		return
	}
	sess.replyAck(id, res)
}

func (sess *session) isMember(groupID string) bool {
	s := sess.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupID]
	return ok && g.members[sess.userID] == sess
}
