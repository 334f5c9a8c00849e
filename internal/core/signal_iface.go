package core

import (
	"context"
	"encoding/json"

	"github.com/dkeye/Teleconsult/internal/domain"
)

type SignalType string

const (
	SignalOffer        SignalType = "offer"
	SignalAnswer       SignalType = "answer"
	SignalICECandidate SignalType = "ice-candidate"
)

// SignalMessage is the negotiation envelope relayed between the two parties.
// Payload is opaque to the transport.
type SignalMessage struct {
	Type      SignalType           `json:"type"`
	SessionID domain.SessionID     `json:"session_id"`
	From      domain.ParticipantID `json:"from,omitempty"`
	Payload   json.RawMessage      `json:"payload"`
}

// SignalingChannel abstracts an ordered, at-least-once relay keyed by session id.
// Owned by the adapter; the core never closes it.
type SignalingChannel interface {
	Send(ctx context.Context, sid domain.SessionID, msg SignalMessage) error
	// Subscribe returns inbound messages for sid until cancel is called.
	Subscribe(sid domain.SessionID) (<-chan SignalMessage, func())
}

// PresenceSource reports counterpart availability.
type PresenceSource interface {
	Presence(ctx context.Context, id domain.ParticipantID) (domain.PresenceStatus, error)
}

// Journal persists session records and chat transcripts. Optional.
type Journal interface {
	SaveSession(ctx context.Context, s domain.Session) error
	AppendMessage(ctx context.Context, sid domain.SessionID, m domain.ChatMessage) error
}
