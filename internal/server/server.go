// Package server is the groupsync reference server: an in-memory
// implementation of the wire protocol and REST endpoints used by the dev
// CLI and the integration tests. It is a harness, not a production
// backend; nothing survives a restart.
package server

import (
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/vladimirruppel/groupsync/internal/protocol"
)

// Options configures the server.
type Options struct {
	// TokenHash is the bcrypt hash of the shared bearer token. Empty
	// disables authentication.
	TokenHash []byte
}

// HashToken bcrypt-hashes a shared token for Options.TokenHash.
func HashToken(token string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
}

type group struct {
	id      string
	name    string
	members map[string]*session // keyed by user id
	history []protocol.ChatMessage
}

type poll struct {
	id            string
	groupID       string
	question      string
	allowMultiple bool
	closed        bool
	options       []protocol.PollOption // VoterIDs unused here; votes holds truth
	votes         map[string][]string   // user id -> option ids
}

// Server holds all state behind one mutex; the fanout volume a dev
// harness sees does not justify finer locking.
type Server struct {
	log       zerolog.Logger
	tokenHash []byte
	upgrader  websocket.Upgrader
	mux       *http.ServeMux

	mu       sync.Mutex
	sessions map[*session]struct{}
	groups   map[string]*group
	polls    map[string]*poll
}

// New builds an empty server.
func New(opts Options, log zerolog.Logger) *Server {
	s := &Server{
		log:       log.With().Str("component", "server").Logger(),
		tokenHash: opts.TokenHash,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Dev harness: all origins are fine.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		sessions: make(map[*session]struct{}),
		groups:   make(map[string]*group),
		polls:    make(map[string]*poll),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("GET /api/groups", s.handleGroups)
	mux.HandleFunc("GET /api/groups/{id}", s.handleGroup)
	mux.HandleFunc("GET /api/groups/{id}/messages", s.handleMessages)
	mux.HandleFunc("GET /api/groups/{id}/presence", s.handlePresence)
	s.mux = mux
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, protocol.ErrorPayload{
			ErrorCode:    protocol.CodeUnauthorized,
			ErrorMessage: "missing or invalid bearer token",
		})
		return
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) authorized(r *http.Request) bool {
	if len(s.tokenHash) == 0 {
		return true
	}
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
		return false
	}
	return bcrypt.CompareHashAndPassword(s.tokenHash, []byte(auth[len(prefix):])) == nil
}

///
/// SEEDING (used by cmd/groupsyncd and tests)
///

// CreateGroup registers a group.
func (s *Server) CreateGroup(id, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[id]; ok {
		return
	}
	s.groups[id] = &group{id: id, name: name, members: make(map[string]*session)}
}

// CreatePoll registers a poll in a group and announces it with a system
// message. Returns the poll id.
func (s *Server) CreatePoll(groupID, question string, allowMultiple bool, optionTexts []string) string {
	s.mu.Lock()
	p := &poll{
		id:            uuid.NewString(),
		groupID:       groupID,
		question:      question,
		allowMultiple: allowMultiple,
		votes:         make(map[string][]string),
	}
	for _, text := range optionTexts {
		p.options = append(p.options, protocol.PollOption{ID: uuid.NewString(), Text: text})
	}
	s.polls[p.id] = p
	s.mu.Unlock()

	s.appendAndPush(groupID, protocol.ChatMessage{
		ID:        uuid.NewString(),
		GroupID:   groupID,
		Text:      "New poll: " + question,
		System:    true,
		Timestamp: time.Now().Unix(),
	})
	return p.id
}

// ClosePoll marks a poll closed; further votes are rejected.
func (s *Server) ClosePoll(pollID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.polls[pollID]; ok {
		p.closed = true
	}
}

// DisconnectAll abruptly closes every live connection. Test hook for
// exercising client reconnection.
func (s *Server) DisconnectAll() {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.sessions))
	for sess := range s.sessions {
		conns = append(conns, sess.conn)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

///
/// SNAPSHOTS AND FANOUT
///

// snapshotLocked renders the authoritative poll snapshot from the vote
// map. Percentages are over all votes cast.
func (p *poll) snapshotLocked() protocol.PollResults {
	counts := make(map[string][]string, len(p.options))
	total := 0
	for userID, optionIDs := range p.votes {
		for _, optID := range optionIDs {
			counts[optID] = append(counts[optID], userID)
			total++
		}
	}

	res := protocol.PollResults{
		PollID:               p.id,
		GroupID:              p.groupID,
		Question:             p.question,
		AllowMultipleAnswers: p.allowMultiple,
		Closed:               p.closed,
	}
	for _, opt := range p.options {
		voters := counts[opt.ID]
		sort.Strings(voters)
		out := protocol.PollOption{
			ID:        opt.ID,
			Text:      opt.Text,
			VoteCount: len(voters),
			VoterIDs:  voters,
		}
		if total > 0 {
			out.Percentage = float64(len(voters)) / float64(total) * 100
		}
		res.Options = append(res.Options, out)
	}
	return res
}

// appendAndPush stores a message in group history and fans it out to all
// online members.
func (s *Server) appendAndPush(groupID string, m protocol.ChatMessage) {
	s.mu.Lock()
	g, ok := s.groups[groupID]
	if !ok {
		s.mu.Unlock()
		return
	}
	g.history = append(g.history, m)
	sessions := g.sessionsLocked()
	s.mu.Unlock()

	env, err := protocol.NewEnvelope(protocol.PushMessage, "", m)
	if err != nil {
		s.log.Error().Err(err).Msg("marshal message push")
		return
	}
	for _, sess := range sessions {
		sess.push(env)
	}
}

func (g *group) sessionsLocked() []*session {
	out := make([]*session, 0, len(g.members))
	for _, sess := range g.members {
		out = append(out, sess)
	}
	return out
}

// pushToGroup fans an envelope out to group members, optionally skipping
// one user.
func (s *Server) pushToGroup(groupID string, env protocol.Envelope, skipUserID string) {
	s.mu.Lock()
	g, ok := s.groups[groupID]
	if !ok {
		s.mu.Unlock()
		return
	}
	sessions := make([]*session, 0, len(g.members))
	for userID, sess := range g.members {
		if userID == skipUserID {
			continue
		}
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.push(env)
	}
}

///
/// REST HANDLERS
///

func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	out := make([]protocol.GroupInfo, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g.infoLocked())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	writeJSON(w, http.StatusOK, out)
}

func (g *group) infoLocked() protocol.GroupInfo {
	members := make([]string, 0, len(g.members))
	for id := range g.members {
		members = append(members, id)
	}
	sort.Strings(members)
	return protocol.GroupInfo{ID: g.id, Name: g.name, Members: members}
}

func (s *Server) handleGroup(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	g, ok := s.groups[r.PathValue("id")]
	var info protocol.GroupInfo
	if ok {
		info = g.infoLocked()
	}
	s.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, protocol.ErrorPayload{
			ErrorCode:    protocol.CodeGroupNotFound,
			ErrorMessage: "no such group",
		})
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	before := r.URL.Query().Get("before")

	s.mu.Lock()
	g, ok := s.groups[r.PathValue("id")]
	var page []protocol.ChatMessage
	if ok {
		page = pageBefore(g.history, before, limit)
	}
	s.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, protocol.ErrorPayload{
			ErrorCode:    protocol.CodeGroupNotFound,
			ErrorMessage: "no such group",
		})
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// pageBefore returns up to limit messages preceding the message with id
// before, or the newest messages when before is empty.
func pageBefore(history []protocol.ChatMessage, before string, limit int) []protocol.ChatMessage {
	end := len(history)
	if before != "" {
		for i, m := range history {
			if m.ID == before {
				end = i
				break
			}
		}
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	out := make([]protocol.ChatMessage, end-start)
	copy(out, history[start:end])
	return out
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	groupID := r.PathValue("id")
	s.mu.Lock()
	g, ok := s.groups[groupID]
	var online []string
	if ok {
		for id := range g.members {
			online = append(online, id)
		}
	}
	s.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, protocol.ErrorPayload{
			ErrorCode:    protocol.CodeGroupNotFound,
			ErrorMessage: "no such group",
		})
		return
	}
	sort.Strings(online)
	writeJSON(w, http.StatusOK, protocol.PresenceUpdate{GroupID: groupID, Online: online})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
