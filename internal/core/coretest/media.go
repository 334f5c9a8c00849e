// Package coretest provides in-memory implementations of the core contracts
// for tests.
package coretest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dkeye/Teleconsult/internal/core"
	"github.com/dkeye/Teleconsult/internal/domain"
	"github.com/pion/webrtc/v4"
)

var trackSeq atomic.Int64

type Track struct {
	id   string
	kind domain.TrackKind

	mu         sync.Mutex
	enabled    bool
	closeCount int
	onEnded    func(error)
	ended      bool
}

func NewTrack(kind domain.TrackKind) *Track {
	return &Track{
		id:      fmt.Sprintf("%s-%d", kind, trackSeq.Add(1)),
		kind:    kind,
		enabled: true,
	}
}

func (t *Track) ID() string                  { return t.id }
func (t *Track) Kind() domain.TrackKind      { return t.kind }
func (t *Track) RTPTrack() webrtc.TrackLocal { return nil }

func (t *Track) SetEnabled(on bool) {
	t.mu.Lock()
	t.enabled = on
	t.mu.Unlock()
}

func (t *Track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *Track) Close() error {
	t.mu.Lock()
	t.closeCount++
	t.mu.Unlock()
	return nil
}

func (t *Track) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeCount > 0
}

func (t *Track) CloseCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeCount
}

func (t *Track) OnEnded(fn func(error)) {
	t.mu.Lock()
	t.onEnded = fn
	t.mu.Unlock()
}

// End simulates the source stopping on its own. Fires OnEnded once.
func (t *Track) End(err error) {
	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		return
	}
	t.ended = true
	fn := t.onEnded
	t.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// Capturer hands out fake tracks and remembers every one it created.
type Capturer struct {
	// UserErr and DisplayErr are returned by the next captures when set.
	UserErr    error
	DisplayErr error

	mu      sync.Mutex
	tracks  []*Track
	display []*Track
}

func (c *Capturer) CaptureUserMedia(ctx context.Context, cons core.Constraints) ([]core.LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.UserErr != nil {
		return nil, c.UserErr
	}
	var out []core.LocalTrack
	if cons.Audio {
		t := NewTrack(domain.TrackAudio)
		c.tracks = append(c.tracks, t)
		out = append(out, t)
	}
	if cons.Video {
		t := NewTrack(domain.TrackVideo)
		c.tracks = append(c.tracks, t)
		out = append(out, t)
	}
	return out, nil
}

func (c *Capturer) CaptureDisplay(ctx context.Context) (core.LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.DisplayErr != nil {
		return nil, c.DisplayErr
	}
	t := NewTrack(domain.TrackVideo)
	c.display = append(c.display, t)
	return t, nil
}

// Open counts captured tracks (user and display) not yet closed.
func (c *Capturer) Open() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range append(append([]*Track{}, c.tracks...), c.display...) {
		if !t.Closed() {
			n++
		}
	}
	return n
}

// LastDisplay returns the most recent display track.
func (c *Capturer) LastDisplay() *Track {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.display) == 0 {
		return nil
	}
	return c.display[len(c.display)-1]
}

// Presence is a settable PresenceSource.
type Presence struct {
	mu       sync.Mutex
	statuses map[domain.ParticipantID]domain.PresenceStatus
	err      error
}

func NewPresence() *Presence {
	return &Presence{statuses: make(map[domain.ParticipantID]domain.PresenceStatus)}
}

func (p *Presence) Set(id domain.ParticipantID, st domain.PresenceStatus) {
	p.mu.Lock()
	p.statuses[id] = st
	p.mu.Unlock()
}

// SetErr makes every later lookup fail with err.
func (p *Presence) SetErr(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func (p *Presence) Presence(_ context.Context, id domain.ParticipantID) (domain.PresenceStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	if st, ok := p.statuses[id]; ok {
		return st, nil
	}
	return domain.PresenceOffline, nil
}
