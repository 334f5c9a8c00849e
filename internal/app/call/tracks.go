package call

import (
	"context"
	"fmt"

	"github.com/dkeye/Teleconsult/internal/core"
	"github.com/dkeye/Teleconsult/internal/domain"
	"github.com/rs/zerolog/log"
)

// ToggleVideo flips the camera and returns the new enabled flag.
func (s *Session) ToggleVideo() bool { return s.toggle(domain.TrackVideo) }

// ToggleAudio flips the microphone and returns the new enabled flag.
func (s *Session) ToggleAudio() bool { return s.toggle(domain.TrackAudio) }

// Enabled reports whether the local track of kind is currently sending.
func (s *Session) Enabled(kind domain.TrackKind) bool {
	s.mu.Lock()
	ts := s.tracks
	s.mu.Unlock()
	return ts != nil && ts.Enabled(kind)
}

func (s *Session) toggle(kind domain.TrackKind) bool {
	if err := s.lock(context.Background()); err != nil {
		return false
	}
	defer s.unlock()
	s.mu.Lock()
	ts := s.tracks
	s.mu.Unlock()
	return s.gw.Toggle(ts, kind)
}

// Sharing reports whether the outgoing video is a display capture.
func (s *Session) Sharing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.display != nil
}

// ShareScreen replaces the outgoing camera with a display capture. The camera
// stays acquired so it can be restored when the share stops.
func (s *Session) ShareScreen(ctx context.Context) error {
	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.unlock()

	s.mu.Lock()
	if s.videoSender == nil || s.display != nil {
		err := s.invalidLocked("share screen")
		if s.display != nil {
			err = fmt.Errorf("share screen: already sharing: %w", core.ErrInvalidState)
		}
		s.mu.Unlock()
		return err
	}
	sender := s.videoSender
	s.mu.Unlock()

	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	disp, err := s.gw.CaptureDisplay(opCtx)
	if err != nil {
		if s.ctx.Err() != nil {
			return core.ErrSessionEnded
		}
		return err
	}
	if s.ctx.Err() != nil {
		s.gw.ReleaseTrack(disp)
		return core.ErrSessionEnded
	}
	disp.OnEnded(func(error) { go s.displayEnded(disp) })

	if err := sender.ReplaceTrack(disp); err != nil {
		s.gw.ReleaseTrack(disp)
		if s.ctx.Err() != nil {
			return core.ErrSessionEnded
		}
		return fmt.Errorf("share screen: replace track: %w", err)
	}

	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		s.gw.ReleaseTrack(disp)
		return core.ErrSessionEnded
	}
	s.display = disp
	s.bus.Publish(ScreenShareStarted{TrackID: disp.ID()})
	s.mu.Unlock()
	log.Info().Str("module", "call").Str("sid", string(s.rec.ID)).Str("track", disp.ID()).Msg("screen share started")
	return nil
}

// StopScreenShare puts the camera back on the outgoing video.
func (s *Session) StopScreenShare(ctx context.Context) error {
	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.unlock()

	s.mu.Lock()
	disp := s.display
	if disp == nil {
		err := fmt.Errorf("stop screen share: not sharing: %w", core.ErrInvalidState)
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()
	return s.restoreCamera(disp)
}

// displayEnded handles the share being stopped outside the application.
func (s *Session) displayEnded(disp core.LocalTrack) {
	if err := s.lock(context.Background()); err != nil {
		return
	}
	defer s.unlock()
	if err := s.restoreCamera(disp); err != nil {
		log.Error().Err(err).Str("module", "call").Str("sid", string(s.rec.ID)).Msg("restore camera")
	}
}

// restoreCamera must be called holding the operation slot. A no-op when disp
// is no longer the active share.
func (s *Session) restoreCamera(disp core.LocalTrack) error {
	s.mu.Lock()
	if s.display != disp || s.videoSender == nil || s.tracks == nil {
		s.mu.Unlock()
		return nil
	}
	sender, camera := s.videoSender, s.tracks.Video()
	s.mu.Unlock()

	if err := sender.ReplaceTrack(camera); err != nil {
		return fmt.Errorf("restore camera: %w", err)
	}

	s.mu.Lock()
	if s.display == disp {
		s.display = nil
	}
	s.bus.Publish(ScreenShareEnded{})
	s.mu.Unlock()
	s.gw.ReleaseTrack(disp)
	log.Info().Str("module", "call").Str("sid", string(s.rec.ID)).Msg("screen share ended")
	return nil
}
