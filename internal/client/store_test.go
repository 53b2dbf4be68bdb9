package client

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladimirruppel/groupsync/internal/protocol"
)

func snapshotWithVoters(pollID string, multi bool, voters map[string][]string) protocol.PollResults {
	res := protocol.PollResults{PollID: pollID, AllowMultipleAnswers: multi}
	for _, optID := range []string{"optA", "optB", "optC"} {
		res.Options = append(res.Options, protocol.PollOption{
			ID:       optID,
			VoterIDs: voters[optID],
		})
	}
	return res
}

func TestInitPollLastWriteWins(t *testing.T) {
	s := NewStore(zerolog.Nop())

	first := snapshotWithVoters("p1", false, map[string][]string{"optA": {"u1"}})
	second := snapshotWithVoters("p1", false, map[string][]string{"optB": {"u1", "u2"}})

	s.InitPoll("p1", "u1", first)
	s.InitPoll("p1", "u1", second)

	st := s.Poll("p1")
	require.NotNil(t, st.Results)
	assert.Equal(t, []string{"optB"}, st.VotedOptionIDs, "state must derive from the second snapshot only")
	assert.False(t, st.Loading)
	assert.Empty(t, st.Err)
}

func TestUpdatePollResultsDerivesVotes(t *testing.T) {
	s := NewStore(zerolog.Nop())
	s.InitPoll("p1", "u1", snapshotWithVoters("p1", true, nil))

	s.UpdatePollResults("p1", snapshotWithVoters("p1", true, map[string][]string{
		"optA": {"u2", "u1"},
		"optC": {"u1"},
	}))

	st := s.Poll("p1")
	assert.Equal(t, []string{"optA", "optC"}, st.VotedOptionIDs)
}

func TestUpdatePollResultsDroppedWhenUninitialized(t *testing.T) {
	s := NewStore(zerolog.Nop())

	// Out-of-order arrival: a push lands before the poll was initialized.
	s.UpdatePollResults("p1", snapshotWithVoters("p1", false, map[string][]string{"optA": {"u1"}}))

	st := s.Poll("p1")
	assert.Nil(t, st.Results)
	assert.Empty(t, st.VotedOptionIDs)
}

func TestOptimisticVoteAndRollback(t *testing.T) {
	s := NewStore(zerolog.Nop())
	s.InitPoll("p1", "u1", snapshotWithVoters("p1", true, map[string][]string{"optA": {"u1"}}))

	s.OptimisticVote("p1", []string{"optA", "optB"})
	st := s.Poll("p1")
	assert.Equal(t, []string{"optA", "optB"}, st.VotedOptionIDs)
	assert.True(t, st.Loading)

	s.RollbackVote("p1", []string{"optA"})
	st = s.Poll("p1")
	assert.Equal(t, []string{"optA"}, st.VotedOptionIDs)
	assert.False(t, st.Loading)
}

func TestPollIsolation(t *testing.T) {
	s := NewStore(zerolog.Nop())
	s.InitPoll("p1", "u1", snapshotWithVoters("p1", false, map[string][]string{"optA": {"u1"}}))
	s.InitPoll("p2", "u1", snapshotWithVoters("p2", false, map[string][]string{"optB": {"u1"}}))

	s.OptimisticVote("p1", []string{"optC"})

	assert.Equal(t, []string{"optB"}, s.Poll("p2").VotedOptionIDs, "mutating p1 must not touch p2")
}

func TestCleanupPollResetsState(t *testing.T) {
	s := NewStore(zerolog.Nop())
	s.InitPoll("p1", "u1", snapshotWithVoters("p1", false, map[string][]string{"optA": {"u1"}}))

	ch := s.WatchPoll("p1")
	s.CleanupPoll("p1")

	// Watcher channel closes on cleanup.
	for range ch {
	}

	st := s.Poll("p1")
	assert.Nil(t, st.Results)
	assert.Empty(t, st.UserID)
}

func TestClearPollErrorOnlyMatching(t *testing.T) {
	s := NewStore(zerolog.Nop())
	s.SetPollError("p1", "first")
	s.SetPollError("p1", "second")

	s.ClearPollError("p1", "first")
	assert.Equal(t, "second", s.Poll("p1").Err, "stale clear must not wipe a newer error")

	s.ClearPollError("p1", "second")
	assert.Empty(t, s.Poll("p1").Err)
}

func TestWatchPollObservesChanges(t *testing.T) {
	s := NewStore(zerolog.Nop())
	ch := s.WatchPoll("p1")

	s.InitPoll("p1", "u1", snapshotWithVoters("p1", false, map[string][]string{"optA": {"u1"}}))

	select {
	case st := <-ch:
		assert.Equal(t, []string{"optA"}, st.VotedOptionIDs)
	case <-time.After(time.Second):
		t.Fatal("no state change observed")
	}
}

func TestAppendMessageDeduplicates(t *testing.T) {
	s := NewStore(zerolog.Nop())

	m := protocol.ChatMessage{ID: "m1", GroupID: "g1", Text: "hello"}
	assert.True(t, s.AppendMessage(m))
	assert.False(t, s.AppendMessage(m), "redelivered message must be ignored")
	assert.True(t, s.AppendMessage(protocol.ChatMessage{ID: "m2", GroupID: "g1", Text: "again"}))

	msgs := s.Conversation("g1")
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "m2", msgs[1].ID)
}

func TestSetConversationReplacesWholesale(t *testing.T) {
	s := NewStore(zerolog.Nop())
	s.AppendMessage(protocol.ChatMessage{ID: "old", GroupID: "g1"})

	s.SetConversation("g1", []protocol.ChatMessage{
		{ID: "m1", GroupID: "g1"},
		{ID: "m2", GroupID: "g1"},
		{ID: "m2", GroupID: "g1"}, // duplicate within the fetch
	})

	msgs := s.Conversation("g1")
	require.Len(t, msgs, 2)

	// Dedup index was rebuilt: the old id appends again, m1 does not.
	assert.True(t, s.AppendMessage(protocol.ChatMessage{ID: "old", GroupID: "g1"}))
	assert.False(t, s.AppendMessage(protocol.ChatMessage{ID: "m1", GroupID: "g1"}))
}

func TestClearConversation(t *testing.T) {
	s := NewStore(zerolog.Nop())
	s.AppendMessage(protocol.ChatMessage{ID: "m1", GroupID: "g1"})
	s.AppendMessage(protocol.ChatMessage{ID: "m2", GroupID: "g2"})

	s.ClearConversation("g1")

	assert.Empty(t, s.Conversation("g1"))
	assert.Len(t, s.Conversation("g2"), 1, "other conversations untouched")
}

func TestTypingExpires(t *testing.T) {
	s := NewStore(zerolog.Nop())
	s.SetTypingTTL(30 * time.Millisecond)

	s.SetTyping("g1", "u1")
	s.SetTyping("g1", "u2")
	assert.Equal(t, []string{"u1", "u2"}, s.Typing("g1"))

	assert.Eventually(t, func() bool {
		return len(s.Typing("g1")) == 0
	}, time.Second, 10*time.Millisecond, "typing indicators must expire after the silence window")
}

func TestTypingClearedByMessage(t *testing.T) {
	s := NewStore(zerolog.Nop())
	s.SetTypingTTL(time.Minute)

	s.SetTyping("g1", "u1")
	s.ClearTyping("g1", "u1")
	assert.Empty(t, s.Typing("g1"))
}
