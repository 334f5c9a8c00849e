// Package media owns local capture devices. It knows nothing about
// negotiation; callers borrow a TrackSet and hand it back through Release.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/Teleconsult/internal/core"
	"github.com/dkeye/Teleconsult/internal/domain"
	"github.com/dkeye/Teleconsult/internal/metrics"
	"github.com/rs/zerolog/log"
)

// TrackSet is the camera/microphone pair of one acquisition.
type TrackSet struct {
	mu       sync.Mutex
	audio    core.LocalTrack
	video    core.LocalTrack
	audioOn  bool
	videoOn  bool
	released bool
}

func (ts *TrackSet) Audio() core.LocalTrack {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.audio
}

func (ts *TrackSet) Video() core.LocalTrack {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.video
}

// Tracks returns the live tracks, audio first.
func (ts *TrackSet) Tracks() []core.LocalTrack {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	out := make([]core.LocalTrack, 0, 2)
	if ts.audio != nil {
		out = append(out, ts.audio)
	}
	if ts.video != nil {
		out = append(out, ts.video)
	}
	return out
}

// Enabled reports the enabled flag of kind; false if absent.
func (ts *TrackSet) Enabled(kind domain.TrackKind) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	switch kind {
	case domain.TrackAudio:
		return ts.audio != nil && ts.audioOn
	case domain.TrackVideo:
		return ts.video != nil && ts.videoOn
	}
	return false
}

func (ts *TrackSet) Released() bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.released
}

// Gateway claims exclusive access to the capture devices: one user-media
// TrackSet may be outstanding at a time.
type Gateway struct {
	capt    core.Capturer
	metrics *metrics.Metrics

	mu      sync.Mutex
	claimed bool
	current *TrackSet
	display map[core.LocalTrack]struct{}
	live    int
}

func NewGateway(capt core.Capturer, m *metrics.Metrics) *Gateway {
	return &Gateway{
		capt:    capt,
		metrics: m,
		display: make(map[core.LocalTrack]struct{}),
	}
}

// Acquire captures camera and/or microphone per c.
func (g *Gateway) Acquire(ctx context.Context, c core.Constraints) (*TrackSet, error) {
	g.mu.Lock()
	if g.claimed {
		g.mu.Unlock()
		return nil, fmt.Errorf("acquire: devices busy: %w", core.ErrDeviceUnavailable)
	}
	g.claimed = true
	g.mu.Unlock()

	tracks, err := g.capt.CaptureUserMedia(ctx, c)
	if err == nil && ctx.Err() != nil {
		closeAll(tracks)
		err = ctx.Err()
	}
	if err != nil {
		g.unclaim()
		return nil, fmt.Errorf("acquire: %w", classify(err))
	}

	ts := &TrackSet{}
	for _, t := range tracks {
		switch {
		case t.Kind() == domain.TrackAudio && ts.audio == nil:
			ts.audio, ts.audioOn = t, true
		case t.Kind() == domain.TrackVideo && ts.video == nil:
			ts.video, ts.videoOn = t, true
		default:
			_ = t.Close()
		}
	}
	if ts.audio == nil && ts.video == nil {
		g.unclaim()
		return nil, fmt.Errorf("acquire: no usable track: %w", core.ErrDeviceUnavailable)
	}
	for _, t := range ts.Tracks() {
		t.SetEnabled(true)
		t.OnEnded(func(err error) {
			log.Warn().Err(err).Str("module", "media").Str("track", t.ID()).Str("kind", string(t.Kind())).Msg("local track ended")
		})
	}

	n := len(ts.Tracks())
	g.mu.Lock()
	g.current = ts
	g.live += n
	g.mu.Unlock()
	g.metrics.TracksAcquired(n)
	log.Info().Str("module", "media").Int("tracks", n).Msg("local media acquired")
	return ts, nil
}

// Release stops all tracks of ts. Safe to call more than once.
func (g *Gateway) Release(ts *TrackSet) {
	if ts == nil {
		return
	}
	ts.mu.Lock()
	if ts.released {
		ts.mu.Unlock()
		return
	}
	ts.released = true
	tracks := make([]core.LocalTrack, 0, 2)
	if ts.audio != nil {
		tracks = append(tracks, ts.audio)
	}
	if ts.video != nil {
		tracks = append(tracks, ts.video)
	}
	ts.mu.Unlock()

	closeAll(tracks)

	g.mu.Lock()
	g.live -= len(tracks)
	if g.current == ts {
		g.current = nil
		g.claimed = false
	}
	g.mu.Unlock()
	g.metrics.TracksReleased(len(tracks))
	log.Info().Str("module", "media").Int("tracks", len(tracks)).Msg("local media released")
}

// Toggle flips the enabled flag of kind and returns the new value.
// Returns false without effect when the kind is absent or ts is released.
func (g *Gateway) Toggle(ts *TrackSet, kind domain.TrackKind) bool {
	if ts == nil {
		return false
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.released {
		return false
	}
	var (
		t  core.LocalTrack
		on *bool
	)
	switch kind {
	case domain.TrackAudio:
		t, on = ts.audio, &ts.audioOn
	case domain.TrackVideo:
		t, on = ts.video, &ts.videoOn
	}
	if t == nil {
		return false
	}
	*on = !*on
	t.SetEnabled(*on)
	log.Debug().Str("module", "media").Str("kind", string(kind)).Bool("enabled", *on).Msg("track toggled")
	return *on
}

// CaptureDisplay captures a screen source. The caller releases it with ReleaseTrack.
func (g *Gateway) CaptureDisplay(ctx context.Context) (core.LocalTrack, error) {
	t, err := g.capt.CaptureDisplay(ctx)
	if err != nil {
		return nil, fmt.Errorf("capture display: %w", classify(err))
	}
	if ctx.Err() != nil {
		_ = t.Close()
		return nil, ctx.Err()
	}
	g.mu.Lock()
	g.display[t] = struct{}{}
	g.live++
	g.mu.Unlock()
	g.metrics.TracksAcquired(1)
	log.Info().Str("module", "media").Str("track", t.ID()).Msg("display captured")
	return t, nil
}

// ReleaseTrack stops a display track from CaptureDisplay. Idempotent.
func (g *Gateway) ReleaseTrack(t core.LocalTrack) {
	if t == nil {
		return
	}
	g.mu.Lock()
	_, ok := g.display[t]
	if ok {
		delete(g.display, t)
		g.live--
	}
	g.mu.Unlock()
	if !ok {
		return
	}
	if err := t.Close(); err != nil {
		log.Error().Err(err).Str("module", "media").Str("track", t.ID()).Msg("display close")
	}
	g.metrics.TracksReleased(1)
}

// ActiveTracks counts tracks currently holding a device.
func (g *Gateway) ActiveTracks() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.live
}

func (g *Gateway) unclaim() {
	g.mu.Lock()
	g.claimed = false
	g.mu.Unlock()
}

func closeAll(tracks []core.LocalTrack) {
	for _, t := range tracks {
		if err := t.Close(); err != nil {
			log.Error().Err(err).Str("module", "media").Str("track", t.ID()).Msg("track close")
		}
	}
}

// classify maps capture failures onto the device error taxonomy.
func classify(err error) error {
	switch {
	case errors.Is(err, core.ErrPermissionDenied), errors.Is(err, core.ErrDeviceUnavailable):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return fmt.Errorf("%w: %v", core.ErrDeviceUnavailable, err)
}
