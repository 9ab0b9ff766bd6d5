package message

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/campuswell/counselchat/internal/constants"
)

func TestValidateContent(t *testing.T) {
	assert.NoError(t, ValidateContent("hello"))
	assert.NoError(t, ValidateContent(strings.Repeat("a", constants.MaxMessageContentChars)))

	assert.Error(t, ValidateContent(""))
	assert.Error(t, ValidateContent("   \n\t  "))
	assert.Error(t, ValidateContent(strings.Repeat("a", constants.MaxMessageContentChars+1)))

	// The limit counts runes, not bytes.
	assert.NoError(t, ValidateContent(strings.Repeat("界", constants.MaxMessageContentChars)))
}

func TestValidateContentErrorNamesField(t *testing.T) {
	err := ValidateContent("")
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
	assert.Equal(t, "content", verr.Field)
}

func TestEventValidate(t *testing.T) {
	tests := []struct {
		name    string
		evt     Event
		wantErr bool
	}{
		{"valid join", Event{Type: TypeJoin, ChatID: "sess-1"}, false},
		{"valid leave", Event{Type: TypeLeave, ChatID: "sess-1"}, false},
		{"join without chat id", Event{Type: TypeJoin}, true},
		{"chat id too long", Event{Type: TypeJoin, ChatID: strings.Repeat("x", MaxSessionIDLength+1)}, true},
		{"missing type", Event{ChatID: "sess-1"}, true},
		{"server frame from client", Event{Type: TypeNewMessage, ChatID: "sess-1"}, true},
		{"error frame from client", Event{Type: TypeError, ChatID: "sess-1"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.evt.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSanitizeContent(t *testing.T) {
	assert.Equal(t, "hello world", SanitizeContent("hello world"))
	assert.Equal(t, "line1\nline2", SanitizeContent("line1\nline2"))
	assert.Equal(t, "col1\tcol2", SanitizeContent("col1\tcol2"))
	assert.Equal(t, "clean", SanitizeContent("cl\x00e\x1ban\x7f"))
	assert.Equal(t, "", SanitizeContent("\x00\x01\x02"))
	assert.Equal(t, "emoji 🙂 stays", SanitizeContent("emoji 🙂 stays"))
}
