package client

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"github.com/vladimirruppel/groupsync/internal/protocol"
)

// defaultVoteErrorTTL is how long a vote failure stays visible before the
// transient error banner clears itself.
const defaultVoteErrorTTL = 5 * time.Second

// Invoker runs one named remote operation. The Manager satisfies it; tests
// substitute fakes.
type Invoker interface {
	Invoke(ctx context.Context, op string, in, out any) error
}

// Votes coordinates optimistic poll voting: it applies the speculative
// selection to the store before the remote call, reconciles with the
// authoritative response on success, and rolls back with a user-facing
// error on failure.
type Votes struct {
	log    zerolog.Logger
	inv    Invoker
	store  *Store
	errTTL time.Duration
}

// NewVotes builds a coordinator over inv and store.
func NewVotes(inv Invoker, store *Store, log zerolog.Logger) *Votes {
	return &Votes{
		log:    log.With().Str("component", "votes").Logger(),
		inv:    inv,
		store:  store,
		errTTL: defaultVoteErrorTTL,
	}
}

// SetErrorTTL overrides how long vote failures stay visible.
func (v *Votes) SetErrorTTL(d time.Duration) { v.errTTL = d }

// Load fetches the authoritative results for a poll and seeds its state
// for userID. Called when a poll first becomes visible.
func (v *Votes) Load(ctx context.Context, pollID, userID string) error {
	var res protocol.PollResults
	if err := v.inv.Invoke(ctx, protocol.OpPollResults, protocol.PollResultsRequest{PollID: pollID}, &res); err != nil {
		return err
	}
	v.store.InitPoll(pollID, userID, res)
	return nil
}

// ToggleOption handles a click on optionID. The store reflects the new
// selection before the remote call is issued, so the UI never waits on the
// network. The server's response, success or rejection, always decides
// the final state.
func (v *Votes) ToggleOption(ctx context.Context, pollID, optionID string) error {
	st := v.store.Poll(pollID)
	if st.Results == nil {
		return fmt.Errorf("poll %s: no state loaded", pollID)
	}

	previous := slices.Clone(st.VotedOptionIDs)
	next := NextSelection(st.Results.AllowMultipleAnswers, previous, optionID)
	v.store.OptimisticVote(pollID, next)

	var res protocol.PollResults
	var err error
	if len(next) == 0 {
		err = v.inv.Invoke(ctx, protocol.OpRemoveVote, protocol.RemoveVoteRequest{PollID: pollID}, &res)
	} else {
		err = v.inv.Invoke(ctx, protocol.OpCastVote, protocol.CastVoteRequest{PollID: pollID, OptionIDs: next}, &res)
	}

	if err != nil {
		failure := classifyVoteError(err)
		v.log.Warn().Err(err).Str("poll_id", pollID).Str("failure", string(failure)).Msg("vote failed, rolling back")
		v.store.RollbackVote(pollID, previous)
		msg := failure.Message()
		v.store.SetPollError(pollID, msg)
		time.AfterFunc(v.errTTL, func() { v.store.ClearPollError(pollID, msg) })
		return fmt.Errorf("toggle option %s on poll %s: %w", optionID, pollID, err)
	}

	// The authoritative snapshot overrides the optimistic state; if the
	// server applied different rules (poll closed meanwhile), the UI
	// converges on the server's view.
	v.store.UpdatePollResults(pollID, res)
	return nil
}

// NextSelection computes the selection that a click on optionID produces.
// Single-answer polls replace the whole selection, or clear it when the
// only selected option is clicked again. Multiple-answer polls toggle the
// option's membership.
func NextSelection(allowMultiple bool, current []string, optionID string) []string {
	if !allowMultiple {
		if len(current) == 1 && current[0] == optionID {
			return nil
		}
		return []string{optionID}
	}
	if i := slices.Index(current, optionID); i >= 0 {
		return slices.Delete(slices.Clone(current), i, i+1)
	}
	return append(slices.Clone(current), optionID)
}
