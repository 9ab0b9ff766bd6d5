// Package session defines the counseling session domain model and the in-memory
// registry that owns session lifecycle: creation, counselor claim, and closure.
package session

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrSessionNotFound is returned when a session is not found
	ErrSessionNotFound = errors.New("session not found")
	// ErrInvalidSessionID is returned when session ID is empty
	ErrInvalidSessionID = errors.New("session ID cannot be empty")
	// ErrInvalidStudentID is returned when student ID is empty
	ErrInvalidStudentID = errors.New("student ID cannot be empty")
	// ErrInvalidCounselorID is returned when counselor ID is empty
	ErrInvalidCounselorID = errors.New("counselor ID cannot be empty")
	// ErrAlreadyAssigned is returned when a claim loses the race for an unassigned session
	ErrAlreadyAssigned = errors.New("session already assigned to a counselor")
	// ErrSessionClosed is returned when an operation targets a closed session
	ErrSessionClosed = errors.New("session is closed")
	// ErrInvalidCategory is returned when a category is not one of the known set
	ErrInvalidCategory = errors.New("unknown session category")
)

// Category classifies what a student wants to talk about.
type Category string

const (
	CategoryMentalHealth Category = "mental_health"
	CategoryAcademic     Category = "academic"
	CategoryPersonal     Category = "personal"
	CategorySocial       Category = "social"
	CategoryOther        Category = "other"
)

// ParseCategory validates a raw category string at the API boundary.
func ParseCategory(raw string) (Category, error) {
	switch Category(raw) {
	case CategoryMentalHealth, CategoryAcademic, CategoryPersonal, CategorySocial, CategoryOther:
		return Category(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidCategory, raw)
}

// Status is the lifecycle state of a session.
type Status string

const (
	StatusUnassigned Status = "unassigned"
	StatusActive     Status = "active"
	StatusClosed     Status = "closed"
)

// ParseStatus validates a raw status string.
func ParseStatus(raw string) (Status, error) {
	switch Status(raw) {
	case StatusUnassigned, StatusActive, StatusClosed:
		return Status(raw), nil
	}
	return "", fmt.Errorf("unknown session status: %q", raw)
}

// Sender identifies which side of the conversation authored a message.
// Students are never identified by name to counselors.
type Sender string

const (
	SenderAnonymous Sender = "anonymous"
	SenderCounselor Sender = "counselor"
)

// ParseSender validates a raw sender string.
func ParseSender(raw string) (Sender, error) {
	switch Sender(raw) {
	case SenderAnonymous, SenderCounselor:
		return Sender(raw), nil
	}
	return "", fmt.Errorf("unknown sender: %q", raw)
}

// ChatSession represents one anonymous counseling conversation.
//
// Invariant: CounselorID is non-empty iff Status == StatusActive.
// A session never transitions out of StatusClosed.
type ChatSession struct {
	ID           string
	Category     Category
	Status       Status
	CounselorID  string // set only once claimed
	StudentID    string // owner; never exposed to counselors
	CreatedAt    time.Time
	LastActivity time.Time
	ClosedAt     *time.Time
}

// Clone returns a copy of the session safe to hand to callers.
func (s *ChatSession) Clone() *ChatSession {
	cp := *s
	if s.ClosedAt != nil {
		t := *s.ClosedAt
		cp.ClosedAt = &t
	}
	return &cp
}

// IsOpen reports whether the session still accepts messages.
func (s *ChatSession) IsOpen() bool {
	return s.Status != StatusClosed
}
