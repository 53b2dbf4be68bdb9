package client

import (
	"errors"

	"github.com/vladimirruppel/groupsync/internal/protocol"
	"github.com/vladimirruppel/groupsync/internal/transport"
)

// ErrNotConnected is the local precondition failure for operations that
// require a Connected state. It signals a caller/state error, not a
// transient condition.
var ErrNotConnected = errors.New("client: not connected")

// VoteFailure is the closed taxonomy for failed vote operations. Raw
// transport or backend error text never reaches the UI; each kind has a
// fixed user-facing message.
type VoteFailure string

const (
	VoteFailureInvalidOption      VoteFailure = "invalid-option"
	VoteFailureMultipleNotAllowed VoteFailure = "multiple-votes-not-allowed"
	VoteFailureNotAMember         VoteFailure = "not-a-member"
	VoteFailurePollNotFound       VoteFailure = "poll-not-found"
	VoteFailureUnauthorized       VoteFailure = "unauthorized"
	VoteFailureNetwork            VoteFailure = "network-error"
	VoteFailureUnknown            VoteFailure = "unknown"
)

// Message returns the fixed user-facing text for the failure.
func (f VoteFailure) Message() string {
	switch f {
	case VoteFailureInvalidOption:
		return "That option is not part of this poll."
	case VoteFailureMultipleNotAllowed:
		return "This poll allows only one answer."
	case VoteFailureNotAMember:
		return "You are not a member of this group."
	case VoteFailurePollNotFound:
		return "This poll no longer exists."
	case VoteFailureUnauthorized:
		return "You are not allowed to vote in this poll."
	case VoteFailureNetwork:
		return "Could not reach the server. Your vote was not saved."
	default:
		return "Something went wrong. Your vote was not saved."
	}
}

// classifyVoteError maps an error from a vote/unvote invocation onto the
// taxonomy by inspecting the wire error code.
func classifyVoteError(err error) VoteFailure {
	var remote *protocol.RemoteError
	if errors.As(err, &remote) {
		switch remote.Code {
		case protocol.CodeInvalidOption:
			return VoteFailureInvalidOption
		case protocol.CodeMultipleNotAllowed:
			return VoteFailureMultipleNotAllowed
		case protocol.CodeNotAMember:
			return VoteFailureNotAMember
		case protocol.CodePollNotFound:
			return VoteFailurePollNotFound
		case protocol.CodeUnauthorized:
			return VoteFailureUnauthorized
		default:
			return VoteFailureUnknown
		}
	}
	if errors.Is(err, transport.ErrClosed) || errors.Is(err, ErrNotConnected) {
		return VoteFailureNetwork
	}
	// Anything else from the transport (dial, write, deadline) is a
	// network-level failure from the user's point of view.
	return VoteFailureNetwork
}
