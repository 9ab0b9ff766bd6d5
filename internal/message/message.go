// Package message defines the realtime wire protocol: chat messages as clients
// see them and the event envelope carried over the WebSocket channel.
package message

import (
	"encoding/json"
	"time"

	"github.com/campuswell/counselchat/internal/session"
)

// EventType is the closed set of frames the realtime channel can carry.
type EventType string

const (
	// Client-issued frames
	TypeJoin  EventType = "join"
	TypeLeave EventType = "leave"

	// Server-issued frames
	TypeNewMessage     EventType = "new_message"
	TypeSessionUpdated EventType = "session_updated"
	TypeError          EventType = "error"
)

// ErrorInfo contains error details delivered to clients.
type ErrorInfo struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
	RetryAfter  int    `json:"retry_after,omitempty"` // milliseconds
}

// Message is a chat message as delivered to clients. Content is plaintext here;
// at rest it is ciphertext. DecryptFailed marks an entry whose stored content
// could not be restored; such entries carry empty content, never invented text.
type Message struct {
	ID            string         `json:"id"`
	ChatID        string         `json:"chat_id"`
	Sender        session.Sender `json:"sender"`
	Content       string         `json:"content"`
	Timestamp     time.Time      `json:"timestamp"`
	DecryptFailed bool           `json:"decrypt_failed,omitempty"`
}

// Event is the envelope for every frame on the realtime channel.
type Event struct {
	Type        EventType  `json:"type"`
	ChatID      string     `json:"chat_id,omitempty"`
	Message     *Message   `json:"message,omitempty"`
	Status      string     `json:"status,omitempty"`       // session_updated
	CounselorID string     `json:"counselor_id,omitempty"` // session_updated
	Error       *ErrorInfo `json:"error,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
}

// MarshalJSON pins the timestamp to RFC3339 so clients in other languages
// parse it consistently.
func (e *Event) MarshalJSON() ([]byte, error) {
	type Alias Event
	return json.Marshal(&struct {
		*Alias
		Timestamp string `json:"timestamp"`
	}{
		Alias:     (*Alias)(e),
		Timestamp: e.Timestamp.Format(time.RFC3339Nano),
	})
}

// UnmarshalJSON accepts RFC3339 timestamps, tolerating an absent field.
func (e *Event) UnmarshalJSON(data []byte) error {
	type Alias Event
	aux := &struct {
		*Alias
		Timestamp string `json:"timestamp"`
	}{
		Alias: (*Alias)(e),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if aux.Timestamp != "" {
		t, err := time.Parse(time.RFC3339Nano, aux.Timestamp)
		if err != nil {
			return err
		}
		e.Timestamp = t
	}

	return nil
}

// NewMessageEvent wraps a persisted message for room broadcast.
func NewMessageEvent(msg *Message) *Event {
	return &Event{
		Type:      TypeNewMessage,
		ChatID:    msg.ChatID,
		Message:   msg,
		Timestamp: time.Now(),
	}
}

// SessionUpdatedEvent announces a status or counselor change for a session.
func SessionUpdatedEvent(chatID string, status session.Status, counselorID string) *Event {
	return &Event{
		Type:        TypeSessionUpdated,
		ChatID:      chatID,
		Status:      string(status),
		CounselorID: counselorID,
		Timestamp:   time.Now(),
	}
}

// ErrorEvent wraps an error for delivery to a single connection.
func ErrorEvent(chatID string, info *ErrorInfo) *Event {
	return &Event{
		Type:      TypeError,
		ChatID:    chatID,
		Error:     info,
		Timestamp: time.Now(),
	}
}
