// Package protocol defines the wire format shared by the groupsync client
// and server: a typed envelope carrying a JSON payload, the operation and
// push-event names, and the payload structures for each of them.
package protocol

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Envelope is the frame exchanged over the WebSocket. Client-initiated
// operations carry a correlation ID; the server answers with an Ack or Error
// envelope bearing the same ID. Server pushes have no ID.
type Envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload and wraps it in an Envelope.
func NewEnvelope(msgType, id string, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Type: msgType, ID: id}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	return Envelope{Type: msgType, ID: id, Payload: raw}, nil
}

// Client-invoked operations.
const (
	OpJoinGroup   = "JOIN_GROUP"
	OpLeaveGroup  = "LEAVE_GROUP"
	OpSendMessage = "SEND_MESSAGE"
	OpTyping      = "TYPING"
	OpPresence    = "GET_PRESENCE"
	OpCastVote    = "CAST_VOTE"
	OpRemoveVote  = "REMOVE_VOTE"
	OpPollResults = "GET_POLL_RESULTS"
)

// Operation replies.
const (
	TypeAck   = "ACK"
	TypeError = "ERROR"
)

// Server pushes.
const (
	PushMessage    = "MESSAGE_RECEIVED"
	PushPresence   = "PRESENCE_UPDATE"
	PushTyping     = "TYPING_NOTIFY"
	PushMembership = "MEMBERSHIP_CHANGED"
	PushPollVote   = "POLL_VOTE_UPDATED"
)

// Wire error codes carried in ErrorPayload.
const (
	CodeInvalidPayload     = "INVALID_PAYLOAD"
	CodeUnknownType        = "UNKNOWN_MESSAGE_TYPE"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeNotAMember         = "NOT_A_MEMBER"
	CodeGroupNotFound      = "GROUP_NOT_FOUND"
	CodePollNotFound       = "POLL_NOT_FOUND"
	CodeInvalidOption      = "INVALID_OPTION"
	CodeMultipleNotAllowed = "MULTIPLE_VOTES_NOT_ALLOWED"
)

///
/// PAYLOAD STRUCTURES
///

// ChatMessage is a single message in a group, pushed live and returned by
// the history endpoints. System marks server-generated meta messages
// (joins, leaves, poll lifecycle notices).
type ChatMessage struct {
	ID         string `json:"id"`
	GroupID    string `json:"group_id"`
	SenderID   string `json:"sender_id,omitempty"`
	SenderName string `json:"sender_name,omitempty"`
	Text       string `json:"text"`
	System     bool   `json:"system,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// PresenceUpdate lists the members of a group currently online.
type PresenceUpdate struct {
	GroupID string   `json:"group_id"`
	Online  []string `json:"online"`
}

// TypingNotify signals that a user is composing a message.
type TypingNotify struct {
	GroupID string `json:"group_id"`
	UserID  string `json:"user_id"`
}

// MembershipChange signals a user joining or leaving a group.
type MembershipChange struct {
	GroupID     string `json:"group_id"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
	Joined      bool   `json:"joined"`
}

// PollOption is one choice in a poll, with its authoritative tally.
type PollOption struct {
	ID         string   `json:"id"`
	Text       string   `json:"text"`
	VoteCount  int      `json:"vote_count"`
	Percentage float64  `json:"percentage"`
	VoterIDs   []string `json:"voter_ids"`
}

// PollResults is the authoritative snapshot of a poll. It supersedes any
// speculative local state whenever it arrives, whether as an operation
// reply or a PushPollVote event.
type PollResults struct {
	PollID               string       `json:"poll_id"`
	GroupID              string       `json:"group_id"`
	Question             string       `json:"question"`
	AllowMultipleAnswers bool         `json:"allow_multiple_answers"`
	Closed               bool         `json:"closed,omitempty"`
	Options              []PollOption `json:"options"`
}

// GroupInfo describes a group as returned by the REST listing endpoints.
type GroupInfo struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Members []string `json:"members,omitempty"`
}

type JoinGroupRequest struct {
	GroupID string `json:"group_id"`
}

type LeaveGroupRequest struct {
	GroupID string `json:"group_id"`
}

type SendMessageRequest struct {
	GroupID string `json:"group_id"`
	Text    string `json:"text"`
}

type TypingRequest struct {
	GroupID string `json:"group_id"`
}

type PresenceRequest struct {
	GroupID string `json:"group_id"`
}

type CastVoteRequest struct {
	PollID    string   `json:"poll_id"`
	OptionIDs []string `json:"option_ids"`
}

type RemoveVoteRequest struct {
	PollID string `json:"poll_id"`
}

type PollResultsRequest struct {
	PollID string `json:"poll_id"`
}

// ErrorPayload is the body of a TypeError reply.
type ErrorPayload struct {
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

// RemoteError is an operation rejection decoded from an ErrorPayload.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %s: %s", e.Code, e.Message)
}
