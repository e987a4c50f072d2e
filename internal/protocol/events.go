// Package protocol defines the JSON envelope exchanged over the chat
// WebSocket and the payloads carried for every event in both directions.
package protocol

import (
	"encoding/json"
	"time"
)

// Client to server event names.
const (
	EventChatMessage    = "chat_message"
	EventRename         = "rename"
	EventTyping         = "typing"
	EventPrivateMessage = "private_message"
	EventAvatarStyle    = "avatar_style"
)

// Server to client event names. EventChatMessage and EventPrivateMessage are
// used in both directions.
const (
	EventSession         = "session"
	EventHistorySnapshot = "history_snapshot"
	EventPresenceList    = "presence_list"
	EventUserJoined      = "user_joined"
	EventUserLeft        = "user_left"
	EventUserRenamed     = "user_renamed"
	EventAvatarUpdated   = "avatar_updated"
	EventTypingNotice    = "typing_notice"
	EventRenameRejected  = "rename_rejected"
	EventThrottled       = "throttled"
	EventError           = "error"
)

// Reasons carried by rename_rejected and error events.
const (
	ReasonNameTaken      = "name_taken"
	ReasonInvalid        = "invalid"
	ReasonMalformed      = "malformed"
	ReasonUnknownEvent   = "unknown_event"
	ReasonUnknownUser    = "unknown_user"
	ReasonMessageTooLong = "message_too_long"
)

// Envelope is the frame format for every message on the wire.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// UserInfo is the public view of an online user.
type UserInfo struct {
	ConnectionID string    `json:"connectionId"`
	Username     string    `json:"username"`
	Avatar       string    `json:"avatar"`
	JoinedAt     time.Time `json:"joinedAt"`
}

// ChatMessage is an accepted public chat message. It is immutable once built
// by the hub and is the element type of the history buffer.
type ChatMessage struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	AvatarID  string    `json:"avatarId"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Session greets a freshly connected client with its identity and a token it
// can present on reconnect to reclaim its name.
type Session struct {
	ConnectionID string `json:"connectionId"`
	Username     string `json:"username"`
	Avatar       string `json:"avatar"`
	Token        string `json:"token,omitempty"`
}

type HistorySnapshot struct {
	Messages []ChatMessage `json:"messages"`
}

type PresenceList struct {
	Users []UserInfo `json:"users"`
}

// UserEvent is the payload of user_joined and user_left.
type UserEvent struct {
	User UserInfo `json:"user"`
}

type UserRenamed struct {
	ConnectionID string `json:"connectionId"`
	OldName      string `json:"oldName"`
	NewName      string `json:"newName"`
	AvatarID     string `json:"avatarId"`
}

type AvatarUpdated struct {
	ConnectionID string `json:"connectionId"`
	Username     string `json:"username"`
	AvatarID     string `json:"avatarId"`
}

type TypingNotice struct {
	Sender   string `json:"sender"`
	IsTyping bool   `json:"isTyping"`
}

// PrivateMessage is delivered to both the recipient and the sender.
type PrivateMessage struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	AvatarID  string    `json:"avatarId"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

type RenameRejected struct {
	Reason string `json:"reason"`
}

type Throttled struct {
	RetryAfterMs int64 `json:"retryAfterMs"`
}

type ErrorNotice struct {
	Reason string `json:"reason"`
}

// Encode wraps data in an Envelope for the given event and marshals it.
func Encode(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// MustEncode is Encode for payloads that cannot fail to marshal, which is
// every payload type declared in this package.
func MustEncode(event string, data any) []byte {
	b, err := Encode(event, data)
	if err != nil {
		panic(err)
	}
	return b
}
