package domain

import "time"

type (
	SessionID     string
	AppointmentID string
)

// SessionState is the call session FSM state.
type SessionState string

const (
	StateIdle          SessionState = "idle"
	StateInitializing  SessionState = "initializing"
	StateOffering      SessionState = "offering"
	StateAwaitingOffer SessionState = "awaiting_offer"
	StateNegotiating   SessionState = "negotiating"
	StateConnected     SessionState = "connected"
	StateReconnecting  SessionState = "reconnecting"
	StateFailed        SessionState = "failed"
	StateEnded         SessionState = "ended"
)

func (s SessionState) String() string { return string(s) }

// Terminal reports whether no further transition is possible.
func (s SessionState) Terminal() bool {
	return s == StateFailed || s == StateEnded
}

// ConnectionState mirrors the underlying peer transport.
type ConnectionState string

const (
	ConnectionNew          ConnectionState = "new"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionFailed       ConnectionState = "failed"
	ConnectionClosed       ConnectionState = "closed"
)

// Session is the per-call record. Owned by the call session; copies are handed out.
type Session struct {
	ID            SessionID     `json:"id"`
	AppointmentID AppointmentID `json:"appointment_id,omitempty"`
	Role          Role          `json:"role"`
	State         SessionState  `json:"state"`
	Local         Participant   `json:"local"`
	Remote        Participant   `json:"remote"`
	CreatedAt     time.Time     `json:"created_at"`
	ConnectedAt   time.Time     `json:"connected_at,omitzero"`
	EndedAt       time.Time     `json:"ended_at,omitzero"`
	Reason        string        `json:"reason,omitempty"`
}

// Status collapses the FSM into the coarse journal status.
func (s Session) Status() string {
	switch s.State {
	case StateEnded:
		return "ended"
	case StateFailed:
		return "failed"
	case StateConnected, StateReconnecting:
		return "active"
	}
	if !s.ConnectedAt.IsZero() {
		return "active"
	}
	return "waiting"
}
