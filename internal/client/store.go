package client

import (
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vladimirruppel/groupsync/internal/protocol"
)

// defaultTypingTTL is the silence window after which a typing indicator
// expires locally.
const defaultTypingTTL = 5 * time.Second

// pollWatchBuffer sizes the per-watcher channel; a slow observer loses
// intermediate states, never the stream itself.
const pollWatchBuffer = 16

// PollState is the per-poll slice of the store. VotedOptionIDs is derived
// from the authoritative snapshot except inside the optimistic window
// between a local vote and its confirmation or rollback.
type PollState struct {
	Results        *protocol.PollResults
	UserID         string
	VotedOptionIDs []string
	Loading        bool
	Err            string
}

type pollEntry struct {
	state    PollState
	watchers []chan PollState
}

// Store holds per-entity client state keyed by id: poll states, ordered
// per-group message lists, and typing indicator sets. Entities are
// isolated; mutating one never touches another. State for a poll lives
// until CleanupPoll; callers that tear down a poll view and skip the
// cleanup leak that entry for the session.
type Store struct {
	log       zerolog.Logger
	typingTTL time.Duration

	mu     sync.Mutex
	polls  map[string]*pollEntry
	convs  map[string][]protocol.ChatMessage
	seen   map[string]map[string]struct{}
	typing map[string]map[string]*time.Timer
}

// NewStore builds an empty store.
func NewStore(log zerolog.Logger) *Store {
	return &Store{
		log:       log.With().Str("component", "store").Logger(),
		typingTTL: defaultTypingTTL,
		polls:     make(map[string]*pollEntry),
		convs:     make(map[string][]protocol.ChatMessage),
		seen:      make(map[string]map[string]struct{}),
		typing:    make(map[string]map[string]*time.Timer),
	}
}

// SetTypingTTL overrides the typing expiry window. Call before use.
func (s *Store) SetTypingTTL(d time.Duration) { s.typingTTL = d }

///
/// POLL STATE
///

// InitPoll seeds the state for a poll from an authoritative snapshot.
// Calling it again replaces the previous state wholesale.
func (s *Store) InitPoll(pollID, userID string, res protocol.PollResults) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.pollLocked(pollID)
	e.state = PollState{
		Results:        &res,
		UserID:         userID,
		VotedOptionIDs: votedOptions(res, userID),
	}
	s.notifyLocked(e)
}

// UpdatePollResults reconciles a poll with an authoritative snapshot,
// recomputing the user's votes and clearing the loading flag and any
// error. A snapshot arriving before InitPoll has no user id to derive
// votes from, so it is dropped with a log line.
func (s *Store) UpdatePollResults(pollID string, res protocol.PollResults) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.polls[pollID]
	if !ok || e.state.UserID == "" {
		s.log.Warn().Str("poll_id", pollID).Msg("dropping results for uninitialized poll")
		return
	}
	e.state.Results = &res
	e.state.VotedOptionIDs = votedOptions(res, e.state.UserID)
	e.state.Loading = false
	e.state.Err = ""
	s.notifyLocked(e)
}

// OptimisticVote applies a speculative selection before the remote call
// resolves and marks the poll loading.
func (s *Store) OptimisticVote(pollID string, optionIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.pollLocked(pollID)
	e.state.VotedOptionIDs = slices.Clone(optionIDs)
	e.state.Loading = true
	s.notifyLocked(e)
}

// RollbackVote restores a previously captured selection after a failed
// remote call and clears the loading flag.
func (s *Store) RollbackVote(pollID string, previous []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.pollLocked(pollID)
	e.state.VotedOptionIDs = slices.Clone(previous)
	e.state.Loading = false
	s.notifyLocked(e)
}

// SetPollError surfaces a user-facing error on the poll.
func (s *Store) SetPollError(pollID, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.pollLocked(pollID)
	e.state.Err = msg
	s.notifyLocked(e)
}

// ClearPollError removes the error, but only if it still equals msg, so an
// expiry timer cannot wipe a newer error.
func (s *Store) ClearPollError(pollID, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.polls[pollID]
	if !ok || e.state.Err != msg {
		return
	}
	e.state.Err = ""
	s.notifyLocked(e)
}

// Poll returns a copy of the poll's state; a zero PollState if the id is
// unknown or was cleaned up.
func (s *Store) Poll(pollID string) PollState {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.polls[pollID]
	if !ok {
		return PollState{}
	}
	return copyPollState(e.state)
}

// WatchPoll returns a channel receiving every state change for the poll.
// The channel closes on CleanupPoll.
func (s *Store) WatchPoll(pollID string) <-chan PollState {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.pollLocked(pollID)
	ch := make(chan PollState, pollWatchBuffer)
	e.watchers = append(e.watchers, ch)
	return ch
}

// CleanupPoll releases the poll's state and closes its watchers. Getting
// the state afterwards yields a fresh default.
func (s *Store) CleanupPoll(pollID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.polls[pollID]
	if !ok {
		return
	}
	for _, ch := range e.watchers {
		close(ch)
	}
	delete(s.polls, pollID)
}

func (s *Store) pollLocked(pollID string) *pollEntry {
	e, ok := s.polls[pollID]
	if !ok {
		e = &pollEntry{}
		s.polls[pollID] = e
	}
	return e
}

func (s *Store) notifyLocked(e *pollEntry) {
	st := copyPollState(e.state)
	for _, ch := range e.watchers {
		select {
		case ch <- st:
		default:
			// Watcher is behind; it will observe the next change.
		}
	}
}

func copyPollState(st PollState) PollState {
	out := st
	out.VotedOptionIDs = slices.Clone(st.VotedOptionIDs)
	if st.Results != nil {
		res := *st.Results
		out.Results = &res
	}
	return out
}

// votedOptions derives the option ids whose voter lists contain userID.
func votedOptions(res protocol.PollResults, userID string) []string {
	var ids []string
	for _, opt := range res.Options {
		if slices.Contains(opt.VoterIDs, userID) {
			ids = append(ids, opt.ID)
		}
	}
	return ids
}

///
/// CONVERSATION MESSAGE LISTS
///

// AppendMessage appends a message to its group's list in arrival order.
// Messages already present by id are ignored, which keeps re-application
// idempotent if the transport ever redelivers after a reconnect. Reports
// whether the message was new.
func (s *Store) AppendMessage(m protocol.ChatMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, ok := s.seen[m.GroupID]
	if !ok {
		ids = make(map[string]struct{})
		s.seen[m.GroupID] = ids
	}
	if _, dup := ids[m.ID]; dup {
		s.log.Debug().Str("group_id", m.GroupID).Str("message_id", m.ID).Msg("duplicate message ignored")
		return false
	}
	ids[m.ID] = struct{}{}
	s.convs[m.GroupID] = append(s.convs[m.GroupID], m)
	return true
}

// SetConversation replaces a group's message list wholesale, as after a
// history fetch.
func (s *Store) SetConversation(groupID string, msgs []protocol.ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make(map[string]struct{}, len(msgs))
	list := make([]protocol.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		if _, dup := ids[m.ID]; dup {
			continue
		}
		ids[m.ID] = struct{}{}
		list = append(list, m)
	}
	s.convs[groupID] = list
	s.seen[groupID] = ids
}

// Conversation returns a copy of the group's message list.
func (s *Store) Conversation(groupID string) []protocol.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.convs[groupID])
}

// ClearConversation drops a group's messages, as when leaving the group.
func (s *Store) ClearConversation(groupID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.convs, groupID)
	delete(s.seen, groupID)
}

///
/// TYPING INDICATORS
///

// SetTyping records that a user is typing in a group. The entry expires
// after the typing TTL unless refreshed.
func (s *Store) SetTyping(groupID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	users, ok := s.typing[groupID]
	if !ok {
		users = make(map[string]*time.Timer)
		s.typing[groupID] = users
	}
	if t, ok := users[userID]; ok {
		t.Stop()
	}
	users[userID] = time.AfterFunc(s.typingTTL, func() {
		s.ClearTyping(groupID, userID)
	})
}

// ClearTyping removes a user's typing indicator, as when their message
// arrives before the window elapses.
func (s *Store) ClearTyping(groupID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	users, ok := s.typing[groupID]
	if !ok {
		return
	}
	if t, ok := users[userID]; ok {
		t.Stop()
		delete(users, userID)
	}
	if len(users) == 0 {
		delete(s.typing, groupID)
	}
}

// Typing lists the users currently typing in a group, sorted for stable
// display.
func (s *Store) Typing(groupID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	users := s.typing[groupID]
	out := make([]string, 0, len(users))
	for u := range users {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}
