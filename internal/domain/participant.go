// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"

	"github.com/google/uuid"
)

const (
	MaxParticipantIDLen = 64
	MaxDisplayNameLen   = 64
)

var (
	ErrDisplayNameTooLong = errors.New("display name too long")
	ErrDisplayNameEmpty   = errors.New("display name empty")
	ErrUnknownRole        = errors.New("unknown role")
)

type ParticipantID string

// Role is the side a participant plays in the negotiation.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleInitiator, RoleResponder:
		return Role(s), nil
	}
	return "", ErrUnknownRole
}

// Participant is supplied read-only by the identity/scheduling collaborator.
type Participant struct {
	ID          ParticipantID `json:"id"`
	DisplayName string        `json:"display_name"`
}

// NewParticipant is a tiny helper to avoid ad-hoc struct literals in adapters.
// An empty id gets a fresh one.
func NewParticipant(id ParticipantID, displayName string) (*Participant, error) {
	if len(displayName) == 0 {
		return nil, ErrDisplayNameEmpty
	}
	if len(displayName) > MaxDisplayNameLen {
		return nil, ErrDisplayNameTooLong
	}
	if id == "" {
		id = ParticipantID(uuid.NewString())
	}
	if len(id) > MaxParticipantIDLen {
		id = id[:MaxParticipantIDLen]
	}
	return &Participant{ID: id, DisplayName: displayName}, nil
}
