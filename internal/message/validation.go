package message

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/campuswell/counselchat/internal/constants"
)

// MaxSessionIDLength caps session identifiers in client frames.
const MaxSessionIDLength = 128

// ValidationError represents a validation error on a specific field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// ValidateContent checks message content before persistence: rejected input
// must have no side effects, so this runs ahead of any storage call.
func ValidateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return &ValidationError{Field: "content", Message: "content cannot be empty"}
	}
	if utf8.RuneCountInString(content) > constants.MaxMessageContentChars {
		return &ValidationError{
			Field:   "content",
			Message: fmt.Sprintf("content exceeds %d characters", constants.MaxMessageContentChars),
		}
	}
	return nil
}

// Validate checks an inbound client frame.
func (e *Event) Validate() error {
	switch e.Type {
	case TypeJoin, TypeLeave:
		if e.ChatID == "" {
			return &ValidationError{Field: "chat_id", Message: fmt.Sprintf("chat_id is required for %s", e.Type)}
		}
		if len(e.ChatID) > MaxSessionIDLength {
			return &ValidationError{Field: "chat_id", Message: "chat_id too long"}
		}
		return nil
	case "":
		return &ValidationError{Field: "type", Message: "type is required"}
	default:
		return &ValidationError{Field: "type", Message: fmt.Sprintf("invalid client frame type: %s", e.Type)}
	}
}

// SanitizeContent strips control characters that could corrupt terminals or
// logs. Newlines and tabs survive; everything else non-printable is dropped.
func SanitizeContent(content string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, content)
}
