package rtc

import (
	"context"
	"errors"
	"io"
	"sync/atomic"

	"github.com/dkeye/Teleconsult/internal/core"
	"github.com/dkeye/Teleconsult/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// RemoteSink consumes the RTP of remote tracks, e.g. a renderer or recorder.
// WriteRTP is called from the pump goroutine of each track.
type RemoteSink interface {
	WriteRTP(sid domain.SessionID, info core.RemoteTrackInfo, pkt *rtp.Packet) error
}

// PacketCounter is a RemoteSink that only counts packets per kind.
type PacketCounter struct {
	audio atomic.Uint64
	video atomic.Uint64
}

func (c *PacketCounter) WriteRTP(_ domain.SessionID, info core.RemoteTrackInfo, _ *rtp.Packet) error {
	if info.Kind == domain.TrackVideo {
		c.video.Add(1)
	} else {
		c.audio.Add(1)
	}
	return nil
}

func (c *PacketCounter) Packets(kind domain.TrackKind) uint64 {
	if kind == domain.TrackVideo {
		return c.video.Load()
	}
	return c.audio.Load()
}

type rtpReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// pump reads RTP from a remote track until the connection closes or the
// track ends. Reading must continue even without a sink so that the
// receiver's interceptors keep producing RTCP.
func pump(ctx context.Context, sid domain.SessionID, track *webrtc.TrackRemote, info core.RemoteTrackInfo, sink RemoteSink) {
	readLoop(ctx, sid, track, info, sink)
}

func readLoop(ctx context.Context, sid domain.SessionID, src rtpReader, info core.RemoteTrackInfo, sink RemoteSink) {
	logger := log.With().Str("module", "webrtc.pump").Str("sid", string(sid)).Str("track_id", info.ID).Logger()
	var n uint64
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Uint64("packets", n).Msg("pump ctx done")
			return
		default:
		}
		pkt, _, err := src.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) {
				logger.Info().Uint64("packets", n).Msg("remote track ended")
			} else {
				logger.Warn().Err(err).Uint64("packets", n).Msg("read RTP error, stopping")
			}
			return
		}
		n++
		if sink == nil {
			continue
		}
		if err := sink.WriteRTP(sid, info, pkt); err != nil {
			logger.Error().Err(err).Msg("sink write RTP error, dropping sink")
			sink = nil
		}
	}
}
