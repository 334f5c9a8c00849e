//go:build !linux

package device

import (
	"context"
	"fmt"

	"github.com/dkeye/Teleconsult/internal/core"
	"github.com/pion/webrtc/v4"
)

// Capturer has no capture drivers outside Linux; every capture fails with
// core.ErrDeviceUnavailable and the server can only receive media.
type Capturer struct {
	cfg Config
}

func NewCapturer(cfg Config) (*Capturer, error) {
	return &Capturer{cfg: cfg.withDefaults()}, nil
}

func (c *Capturer) Populate(m *webrtc.MediaEngine) error {
	return m.RegisterDefaultCodecs()
}

func (c *Capturer) CaptureUserMedia(context.Context, core.Constraints) ([]core.LocalTrack, error) {
	return nil, fmt.Errorf("capture user media: no drivers on this platform: %w", core.ErrDeviceUnavailable)
}

func (c *Capturer) CaptureDisplay(context.Context) (core.LocalTrack, error) {
	return nil, fmt.Errorf("capture display: no drivers on this platform: %w", core.ErrDeviceUnavailable)
}
