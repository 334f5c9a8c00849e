package core

import "errors"

var (
	ErrDeviceUnavailable  = errors.New("device unavailable")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrInvalidState       = errors.New("invalid state")
	ErrSignalingFailure   = errors.New("signaling failure")
	ErrNegotiationTimeout = errors.New("negotiation timeout")
	ErrChannelUnavailable = errors.New("channel unavailable")

	ErrSessionEnded   = errors.New("session ended")
	ErrBackpressure   = errors.New("backpressure")
	ErrUnknownSession = errors.New("unknown session")
)
