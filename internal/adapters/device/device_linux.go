//go:build linux

package device

import (
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/dkeye/Teleconsult/internal/core"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/mediadevices/pkg/wave"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Capturer captures camera, microphone and display through pion/mediadevices
// (V4L2, malgo and X11 on Linux), encoding VP8 and Opus.
type Capturer struct {
	cfg      Config
	selector *mediadevices.CodecSelector

	// GetUserMedia is not safe to call concurrently for the same device.
	mu sync.Mutex
}

func NewCapturer(cfg Config) (*Capturer, error) {
	cfg = cfg.withDefaults()
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = cfg.VideoBitRate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	return &Capturer{
		cfg: cfg,
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// Populate registers the encoder codecs on the media engine used to build
// the peer connections.
func (c *Capturer) Populate(m *webrtc.MediaEngine) error {
	c.selector.Populate(m)
	return nil
}

func (c *Capturer) CaptureUserMedia(ctx context.Context, cons core.Constraints) ([]core.LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !cons.Audio && !cons.Video {
		return nil, fmt.Errorf("capture: nothing requested: %w", core.ErrDeviceUnavailable)
	}
	width, height := cons.Width, cons.Height
	if width <= 0 {
		width = c.cfg.Width
	}
	if height <= 0 {
		height = c.cfg.Height
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: c.selector}
	if cons.Video {
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			// raw formats only; some cameras expose broken MJPEG nodes
			mc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			mc.Width = prop.IntRanged{Max: width, Ideal: width}
			mc.Height = prop.IntRanged{Max: height, Ideal: height}
		}
	}
	if cons.Audio {
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	}

	c.mu.Lock()
	stream, err := mediadevices.GetUserMedia(constraints)
	c.mu.Unlock()
	if err != nil {
		log.Warn().Err(err).Str("module", "device").Msg("GetUserMedia failed")
		return nil, mapError("capture user media", err)
	}

	var out []core.LocalTrack
	for _, t := range stream.GetTracks() {
		out = append(out, wrap(t, "camera"))
	}
	if err := ctx.Err(); err != nil {
		for _, t := range out {
			_ = t.Close()
		}
		return nil, err
	}
	log.Info().Str("module", "device").Int("tracks", len(out)).Int("width", width).Int("height", height).Msg("user media captured")
	return out, nil
}

func (c *Capturer) CaptureDisplay(ctx context.Context) (core.LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Codec: c.selector,
		Video: func(_ *mediadevices.MediaTrackConstraints) {},
	})
	c.mu.Unlock()
	if err != nil {
		log.Warn().Err(err).Str("module", "device").Msg("GetDisplayMedia failed")
		return nil, mapError("capture display", err)
	}
	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("capture display: no video track: %w", core.ErrDeviceUnavailable)
	}
	for _, extra := range tracks[1:] {
		_ = extra.Close()
	}
	log.Info().Str("module", "device").Str("track_id", tracks[0].ID()).Msg("display captured")
	return wrap(tracks[0], "display"), nil
}

// wrap installs the enable gate on the track's raw reader. A disabled video
// track sends black frames and a disabled audio track sends silence, so the
// sender keeps its slot and no renegotiation is needed.
func wrap(t mediadevices.Track, source string) *Track {
	lt := &Track{src: t, kind: kindOf(t.Kind()), source: source}
	lt.enabled.Store(true)
	switch tr := t.(type) {
	case *mediadevices.VideoTrack:
		tr.Transform(func(r video.Reader) video.Reader {
			return video.ReaderFunc(func() (image.Image, func(), error) {
				img, release, err := r.Read()
				if err != nil || lt.enabled.Load() {
					return img, release, err
				}
				return blackFrame(img.Bounds()), release, nil
			})
		})
	case *mediadevices.AudioTrack:
		tr.Transform(func(r audio.Reader) audio.Reader {
			return audio.ReaderFunc(func() (wave.Audio, func(), error) {
				chunk, release, err := r.Read()
				if err != nil || lt.enabled.Load() {
					return chunk, release, err
				}
				return wave.NewInt16Interleaved(chunk.ChunkInfo()), release, nil
			})
		})
	}
	t.OnEnded(lt.ended)
	return lt
}
