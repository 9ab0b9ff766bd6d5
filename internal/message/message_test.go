package message

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campuswell/counselchat/internal/session"
)

func TestNewMessageEvent(t *testing.T) {
	msg := &Message{
		ID:      "msg-1",
		ChatID:  "sess-1",
		Sender:  session.SenderAnonymous,
		Content: "hello",
	}

	evt := NewMessageEvent(msg)
	assert.Equal(t, TypeNewMessage, evt.Type)
	assert.Equal(t, "sess-1", evt.ChatID)
	assert.Same(t, msg, evt.Message)
	assert.False(t, evt.Timestamp.IsZero())
}

func TestSessionUpdatedEvent(t *testing.T) {
	evt := SessionUpdatedEvent("sess-1", session.StatusActive, "counselor-1")
	assert.Equal(t, TypeSessionUpdated, evt.Type)
	assert.Equal(t, "active", evt.Status)
	assert.Equal(t, "counselor-1", evt.CounselorID)

	closed := SessionUpdatedEvent("sess-1", session.StatusClosed, "")
	assert.Equal(t, "closed", closed.Status)
	assert.Empty(t, closed.CounselorID)
}

func TestErrorEvent(t *testing.T) {
	info := &ErrorInfo{Code: "FORBIDDEN", Message: "Not authorized for this session"}
	evt := ErrorEvent("sess-1", info)
	assert.Equal(t, TypeError, evt.Type)
	assert.Same(t, info, evt.Error)
}

func TestEventJSONTimestampFormat(t *testing.T) {
	evt := &Event{
		Type:      TypeJoin,
		ChatID:    "sess-1",
		Timestamp: time.Date(2026, 3, 14, 15, 9, 26, 535_000_000, time.UTC),
	}

	data, err := json.Marshal(evt)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"timestamp":"2026-03-14T15:09:26.535Z"`)

	var decoded Event
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, decoded.Timestamp.Equal(evt.Timestamp))
	assert.Equal(t, TypeJoin, decoded.Type)
	assert.Equal(t, "sess-1", decoded.ChatID)
}

func TestEventJSONToleratesMissingTimestamp(t *testing.T) {
	var evt Event
	require.NoError(t, json.Unmarshal([]byte(`{"type":"leave","chat_id":"sess-1"}`), &evt))
	assert.Equal(t, TypeLeave, evt.Type)
	assert.True(t, evt.Timestamp.IsZero())
}

func TestEventJSONRejectsBadTimestamp(t *testing.T) {
	var evt Event
	err := json.Unmarshal([]byte(`{"type":"join","chat_id":"s","timestamp":"yesterday"}`), &evt)
	assert.Error(t, err)
}
