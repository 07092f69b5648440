// Package wire defines the JSON frames exchanged between agent consoles and
// the live relay: client actions, relay events, and the message shape they carry.
package wire

import (
	"encoding/json"
	"errors"
	"strings"
)

// Client → relay actions.
const (
	ActionSubscribe   = "subscribe_session"
	ActionUnsubscribe = "unsubscribe_session"
	ActionTakeover    = "takeover"
	ActionRelease     = "release"
	ActionSendMessage = "send_message"
)

// Relay → client event types.
const (
	EventSessionMessages = "session_messages"
	EventNewMessage      = "new_message"
	EventSessionUpdate   = "session_update"
	EventTakeoverStarted = "takeover_started"
	EventTakeoverEnded   = "takeover_ended"
	EventError           = "error"

	// Wildcard is the dispatcher channel that receives every event.
	Wildcard = "*"
)

// Message roles. Human agents write with RoleAssistant and an "agent:" sentBy.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	agentPrefix = "agent:"
)

// DefaultConversationNumber applies when a frame omits conversationNumber.
const DefaultConversationNumber = 1

// Message is one turn in a session.
type Message struct {
	Role               string `json:"role"`
	Text               string `json:"text"`
	Timestamp          int64  `json:"timestamp"`
	SentBy             string `json:"sentBy,omitempty"`
	ConversationNumber int    `json:"conversationNumber"`
}

// AgentSender returns the sentBy value used for messages authored by actor.
func AgentSender(actor string) string {
	return agentPrefix + actor
}

// IsAgent reports whether the message was written by a human agent.
func (m Message) IsAgent() bool {
	return strings.HasPrefix(m.SentBy, agentPrefix)
}

// Agent returns the actor behind an agent message, or "".
func (m Message) Agent() string {
	if !m.IsAgent() {
		return ""
	}
	return strings.TrimPrefix(m.SentBy, agentPrefix)
}

// Action is a client → relay frame.
type Action struct {
	Action             string `json:"action"`
	SessionID          string `json:"sessionId,omitempty"`
	ConversationNumber int    `json:"conversationNumber,omitempty"`
	Text               string `json:"text,omitempty"`
	// RequestID is optional; the relay echoes it on error frames.
	RequestID string `json:"requestId,omitempty"`
}

// Event is a relay → client frame. An absent takenOverBy means the AI
// responder owns the session.
type Event struct {
	Type               string    `json:"type"`
	SessionID          string    `json:"sessionId,omitempty"`
	ConversationNumber int       `json:"conversationNumber,omitempty"`
	Message            *Message  `json:"message,omitempty"`
	Messages           []Message `json:"messages,omitempty"`
	TakenOverBy        *string   `json:"takenOverBy,omitempty"`
	LastActivity       int64     `json:"lastActivity,omitempty"`
	Error              string    `json:"error,omitempty"`
	RequestID          string    `json:"requestId,omitempty"`
}

// snapshotFrame is the session_messages encoding: messages and takenOverBy
// are always present, as [] and null when empty.
type snapshotFrame struct {
	Type               string    `json:"type"`
	SessionID          string    `json:"sessionId"`
	ConversationNumber int       `json:"conversationNumber"`
	Messages           []Message `json:"messages"`
	TakenOverBy        *string   `json:"takenOverBy"`
	RequestID          string    `json:"requestId,omitempty"`
}

// MarshalJSON encodes session_messages with its full payload and every other
// event with empty fields omitted.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Type != EventSessionMessages {
		type plain Event
		return json.Marshal(plain(e))
	}
	msgs := e.Messages
	if msgs == nil {
		msgs = []Message{}
	}
	return json.Marshal(snapshotFrame{
		Type:               e.Type,
		SessionID:          e.SessionID,
		ConversationNumber: NormalizeConversation(e.ConversationNumber),
		Messages:           msgs,
		TakenOverBy:        e.TakenOverBy,
		RequestID:          e.RequestID,
	})
}

// Owner returns the takenOverBy value, "" when the AI owns the session.
func (e Event) Owner() string {
	if e.TakenOverBy == nil {
		return ""
	}
	return *e.TakenOverBy
}

// OwnerPtr converts an owner id to the nullable wire form.
func OwnerPtr(owner string) *string {
	if owner == "" {
		return nil
	}
	return &owner
}

// SessionInfo describes a live session in REST listings.
type SessionInfo struct {
	SessionID           string `json:"sessionId"`
	LastActivity        int64  `json:"lastActivity"`
	MessageCount        int    `json:"messageCount"`
	FirstMessagePreview string `json:"firstMessagePreview"`
	ConversationNumber  int    `json:"conversationNumber"`
	TakenOverBy         string `json:"takenOverBy,omitempty"`
}

var errMissingType = errors.New("missing type")

// DecodeEvent parses an inbound relay frame.
func DecodeEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, err
	}
	if ev.Type == "" {
		return Event{}, errMissingType
	}
	return ev, nil
}

// NormalizeConversation maps an absent conversation number to the default.
func NormalizeConversation(n int) int {
	if n <= 0 {
		return DefaultConversationNumber
	}
	return n
}
