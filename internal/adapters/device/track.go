// Package device captures local media for the gateway.
package device

import (
	"errors"
	"fmt"
	"image"
	"os"
	"sync"
	"sync/atomic"

	"github.com/dkeye/Teleconsult/internal/core"
	"github.com/dkeye/Teleconsult/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Width        int `mapstructure:"width"`
	Height       int `mapstructure:"height"`
	VideoBitRate int `mapstructure:"video_bitrate"`
}

func (c Config) withDefaults() Config {
	if c.Width <= 0 {
		c.Width = 1280
	}
	if c.Height <= 0 {
		c.Height = 720
	}
	if c.VideoBitRate <= 0 {
		c.VideoBitRate = 1_500_000
	}
	return c
}

type source interface {
	webrtc.TrackLocal
	Close() error
}

// Track is a captured source implementing core.LocalTrack.
type Track struct {
	src     source
	kind    domain.TrackKind
	source  string
	enabled atomic.Bool

	mu      sync.Mutex
	closed  bool
	done    bool
	onEnded func(error)
}

var _ core.LocalTrack = (*Track)(nil)

func (t *Track) ID() string             { return t.src.ID() }
func (t *Track) Kind() domain.TrackKind { return t.kind }

func (t *Track) SetEnabled(on bool) { t.enabled.Store(on) }

func (t *Track) Enabled() bool { return t.enabled.Load() }

func (t *Track) RTPTrack() webrtc.TrackLocal { return t.src }

// OnEnded sets the callback for a source stopping on its own. A Close by
// the owner does not fire it.
func (t *Track) OnEnded(fn func(error)) {
	t.mu.Lock()
	t.onEnded = fn
	t.mu.Unlock()
}

func (t *Track) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	log.Debug().Str("module", "device").Str("source", t.source).Str("track_id", t.ID()).Msg("track closed")
	return t.src.Close()
}

func (t *Track) ended(err error) {
	t.mu.Lock()
	if t.closed || t.done {
		t.mu.Unlock()
		return
	}
	t.done = true
	fn := t.onEnded
	t.mu.Unlock()
	log.Info().Err(err).Str("module", "device").Str("source", t.source).Str("track_id", t.ID()).Msg("track ended")
	if fn != nil {
		fn(err)
	}
}

func kindOf(k webrtc.RTPCodecType) domain.TrackKind {
	if k == webrtc.RTPCodecTypeVideo {
		return domain.TrackVideo
	}
	return domain.TrackAudio
}

func mapError(op string, err error) error {
	if errors.Is(err, os.ErrPermission) {
		return fmt.Errorf("%s: %v: %w", op, err, core.ErrPermissionDenied)
	}
	return fmt.Errorf("%s: %v: %w", op, err, core.ErrDeviceUnavailable)
}

// blackFrame is a studio-range black YCbCr frame of the given size.
func blackFrame(r image.Rectangle) image.Image {
	img := image.NewYCbCr(r, image.YCbCrSubsampleRatio420)
	for i := range img.Y {
		img.Y[i] = 16
	}
	for i := range img.Cb {
		img.Cb[i] = 128
		img.Cr[i] = 128
	}
	return img
}
