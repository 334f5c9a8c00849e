package core

import (
	"context"

	"github.com/dkeye/Teleconsult/internal/domain"
	"github.com/pion/webrtc/v4"
)

// LocalTrack is a captured local source (camera, microphone or display).
type LocalTrack interface {
	ID() string
	Kind() domain.TrackKind
	// SetEnabled gates the outgoing media without releasing the device.
	SetEnabled(bool)
	// Close stops the source and releases the device. Must be idempotent.
	Close() error
	// OnEnded fires once when the source stops on its own (device unplugged,
	// display share stopped from the OS picker).
	OnEnded(func(error))
	// RTPTrack returns the pion track to attach to a PeerConnection.
	RTPTrack() webrtc.TrackLocal
}

// Constraints describe what to acquire.
type Constraints struct {
	Audio  bool
	Video  bool
	Width  int
	Height int
}

// Capturer talks to the platform media stack.
type Capturer interface {
	CaptureUserMedia(ctx context.Context, c Constraints) ([]LocalTrack, error)
	CaptureDisplay(ctx context.Context) (LocalTrack, error)
}

// Sender is the outgoing slot a local track is attached to.
type Sender interface {
	// ReplaceTrack swaps the outgoing track without renegotiation.
	// A nil error means the new track is live on the wire.
	ReplaceTrack(LocalTrack) error
	Track() LocalTrack
}

// DataChannel is the ancillary reliable ordered channel.
type DataChannel interface {
	Label() string
	Send([]byte) error
	OnOpen(func())
	OnMessage(func([]byte))
	OnClose(func())
	Close() error
}

// RemoteTrackInfo describes a remote track once media starts flowing.
type RemoteTrackInfo struct {
	ID       string
	StreamID string
	Kind     domain.TrackKind
}

type PeerConnection interface {
	// AddTrack attaches a local track and returns its sender slot.
	AddTrack(LocalTrack) (Sender, error)
	CreateDataChannel(label string) (DataChannel, error)
	OnDataChannel(func(DataChannel))
	// CreateOffer creates the local offer and sets it as local description.
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	// CreateAnswer creates the local answer and sets it as local description.
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	OnTrack(func(RemoteTrackInfo))
	OnConnectionStateChange(func(domain.ConnectionState))
	// Close should stop all underlying media resources.
	Close() error
}

// PeerConnectionFactory creates one PeerConnection per session.
type PeerConnectionFactory func(sid domain.SessionID) (PeerConnection, error)
