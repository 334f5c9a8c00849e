package domain

import (
	"time"

	"github.com/google/uuid"
)

const MaxChatBodyLen = 4096

// ChatMessage is immutable once created.
type ChatMessage struct {
	ID          string        `json:"id"`
	SenderID    ParticipantID `json:"sender_id"`
	SenderLabel string        `json:"sender_label"`
	Body        string        `json:"body"`
	SentAt      time.Time     `json:"sent_at"`
}

func NewChatMessage(from Participant, body string) ChatMessage {
	return ChatMessage{
		ID:          uuid.NewString(),
		SenderID:    from.ID,
		SenderLabel: from.DisplayName,
		Body:        body,
		SentAt:      time.Now().UTC(),
	}
}
