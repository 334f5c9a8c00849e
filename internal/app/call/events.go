package call

import (
	"github.com/dkeye/Teleconsult/internal/core"
	"github.com/dkeye/Teleconsult/internal/domain"
)

// Event is emitted by a Session to its subscribers.
type Event interface {
	Name() string
}

type RemoteStreamAvailable struct {
	Track core.RemoteTrackInfo
}

type LocalPreviewReady struct {
	TrackIDs []string
}

type MessageReceived struct {
	Message domain.ChatMessage
}

type ConnectionStateChanged struct {
	State domain.ConnectionState
}

type ScreenShareStarted struct {
	TrackID string
}

type ScreenShareEnded struct{}

type StateChanged struct {
	From domain.SessionState
	To   domain.SessionState
}

// Failed is published exactly once, after resources are released.
type Failed struct {
	Reason error
}

func (RemoteStreamAvailable) Name() string  { return "remoteStreamAvailable" }
func (LocalPreviewReady) Name() string      { return "localPreviewReady" }
func (MessageReceived) Name() string        { return "messageReceived" }
func (ConnectionStateChanged) Name() string { return "connectionStateChanged" }
func (ScreenShareStarted) Name() string     { return "screenShareStarted" }
func (ScreenShareEnded) Name() string       { return "screenShareEnded" }
func (StateChanged) Name() string           { return "stateChanged" }
func (Failed) Name() string                 { return "failed" }
