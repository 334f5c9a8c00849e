// Package waiting implements the pre-call gate: local devices must be ready
// and the counterpart available before a call may start.
package waiting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Teleconsult/internal/app/call"
	"github.com/dkeye/Teleconsult/internal/app/events"
	"github.com/dkeye/Teleconsult/internal/app/media"
	"github.com/dkeye/Teleconsult/internal/core"
	"github.com/dkeye/Teleconsult/internal/domain"
	"github.com/looplab/fsm"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const DefaultPollInterval = 5 * time.Second

var ErrNotReady = errors.New("waiting room not ready to join")

type Config struct {
	PollInterval time.Duration
	Constraints  core.Constraints
	EventBuffer  int
}

type Event interface {
	Name() string
}

type DevicesReady struct {
	TrackIDs []string
}

type DeviceError struct {
	Reason error
}

type CounterpartStatusChanged struct {
	Status domain.PresenceStatus
}

func (DevicesReady) Name() string             { return "devicesReady" }
func (DeviceError) Name() string              { return "deviceError" }
func (CounterpartStatusChanged) Name() string { return "counterpartStatusChanged" }

// Opener starts a call with media handed off from the room.
type Opener interface {
	Open(ctx context.Context, spec call.Spec, ts *media.TrackSet) (*call.Session, error)
}

const (
	evDevicesOK     = "devices_ok"
	evDevicesFailed = "devices_failed"
	evRetry         = "retry"
	evJoin          = "join"
	evLeave         = "leave"
)

func newGateFSM() *fsm.FSM {
	checking := string(domain.GateCheckingDevices)
	ready := string(domain.GateDevicesReady)
	failed := string(domain.GateDevicesError)
	return fsm.NewFSM(
		checking,
		fsm.Events{
			{Name: evDevicesOK, Src: []string{checking}, Dst: ready},
			{Name: evDevicesFailed, Src: []string{checking}, Dst: failed},
			{Name: evRetry, Src: []string{failed}, Dst: checking},
			{Name: evJoin, Src: []string{ready}, Dst: string(domain.GateJoined)},
			{Name: evLeave, Src: []string{checking, ready, failed}, Dst: string(domain.GateLeft)},
		},
		fsm.Callbacks{},
	)
}

type Room struct {
	cfg      Config
	spec     call.Spec
	gw       *media.Gateway
	presence core.PresenceSource
	bus      *events.Bus[Event]

	mu        sync.Mutex
	gate      *fsm.FSM
	tracks    *media.TrackSet
	status    domain.PresenceStatus
	deviceErr error
	startedAt time.Time
	closedAt  time.Time
	stopPoll  context.CancelFunc
}

func NewRoom(spec call.Spec, cfg Config, gw *media.Gateway, presence core.PresenceSource) *Room {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Room{
		cfg:      cfg,
		spec:     spec,
		gw:       gw,
		presence: presence,
		bus:      events.NewBus[Event]("waiting", cfg.EventBuffer),
		gate:     newGateFSM(),
		status:   domain.PresenceOffline,
	}
}

func (r *Room) Spec() call.Spec { return r.spec }

// Start acquires the preview media and takes a first presence reading
// concurrently, then keeps polling presence until the room is left or joined.
func (r *Room) Start(ctx context.Context) error {
	r.mu.Lock()
	if !r.startedAt.IsZero() {
		r.mu.Unlock()
		return fmt.Errorf("start: already started: %w", core.ErrInvalidState)
	}
	if !r.closedAt.IsZero() {
		st := r.gate.Current()
		r.mu.Unlock()
		return fmt.Errorf("start in %s: %w", st, core.ErrInvalidState)
	}
	r.startedAt = time.Now()
	pollCtx, cancel := context.WithCancel(context.Background())
	r.stopPoll = cancel
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r.checkDevices(gctx)
		return nil
	})
	g.Go(func() error {
		r.poll(gctx)
		return nil
	})
	_ = g.Wait()

	go r.pollLoop(pollCtx)
	log.Info().Str("module", "waiting").Str("sid", string(r.spec.ID)).Str("state", string(r.State())).Str("counterpart", string(r.CounterpartStatus())).Msg("waiting room started")
	return ctx.Err()
}

func (r *Room) State() domain.GateState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return domain.GateState(r.gate.Current())
}

func (r *Room) CounterpartStatus() domain.PresenceStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// DeviceError is the last acquisition failure, nil once devices are ready.
func (r *Room) DeviceError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deviceErr
}

func (r *Room) CanJoin() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.canJoinLocked()
}

func (r *Room) canJoinLocked() bool {
	return domain.GateState(r.gate.Current()) == domain.GateDevicesReady && r.status == domain.PresenceAvailable
}

// WaitingTime is the time spent in the room, frozen on join or leave.
func (r *Room) WaitingTime() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startedAt.IsZero() {
		return 0
	}
	if !r.closedAt.IsZero() {
		return r.closedAt.Sub(r.startedAt)
	}
	return time.Since(r.startedAt)
}

func (r *Room) Subscribe() (<-chan Event, func()) { return r.bus.Subscribe() }

func (r *Room) ToggleVideo() bool { return r.toggle(domain.TrackVideo) }

func (r *Room) ToggleAudio() bool { return r.toggle(domain.TrackAudio) }

// Enabled reports the preview enabled flag of kind.
func (r *Room) Enabled(kind domain.TrackKind) bool {
	r.mu.Lock()
	ts := r.tracks
	r.mu.Unlock()
	return ts != nil && ts.Enabled(kind)
}

func (r *Room) toggle(kind domain.TrackKind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gw.Toggle(r.tracks, kind)
}

// RetryDevices runs the device check again after a failure.
func (r *Room) RetryDevices(ctx context.Context) error {
	r.mu.Lock()
	if err := r.gate.Event(context.Background(), evRetry); err != nil {
		st := r.gate.Current()
		r.mu.Unlock()
		return fmt.Errorf("retry devices in %s: %w", st, core.ErrInvalidState)
	}
	r.deviceErr = nil
	r.mu.Unlock()
	return r.checkDevices(ctx)
}

// Join hands the preview media to a new call session. The room keeps no
// reference to the media afterwards, even when opening the call fails.
func (r *Room) Join(ctx context.Context, opener Opener) (*call.Session, error) {
	r.mu.Lock()
	if !r.canJoinLocked() {
		err := fmt.Errorf("join in %s with counterpart %s: %w", r.gate.Current(), r.status, ErrNotReady)
		r.mu.Unlock()
		return nil, err
	}
	if err := r.gate.Event(context.Background(), evJoin); err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("join: %w", core.ErrInvalidState)
	}
	ts := r.tracks
	r.tracks = nil
	r.closeLocked()
	r.mu.Unlock()
	r.bus.Close()

	sess, err := opener.Open(ctx, r.spec, ts)
	if err != nil {
		return nil, fmt.Errorf("join: %w", err)
	}
	log.Info().Str("module", "waiting").Str("sid", string(r.spec.ID)).Dur("waited", r.WaitingTime()).Msg("joined call")
	return sess, nil
}

// Leave releases the preview media. A no-op after Join or a previous Leave.
func (r *Room) Leave() {
	r.mu.Lock()
	if err := r.gate.Event(context.Background(), evLeave); err != nil {
		r.mu.Unlock()
		return
	}
	ts := r.tracks
	r.tracks = nil
	r.closeLocked()
	r.mu.Unlock()

	r.gw.Release(ts)
	r.bus.Close()
	log.Info().Str("module", "waiting").Str("sid", string(r.spec.ID)).Msg("left waiting room")
}

func (r *Room) closeLocked() {
	r.closedAt = time.Now()
	if r.stopPoll != nil {
		r.stopPoll()
	}
}

func (r *Room) checkDevices(ctx context.Context) error {
	ts, err := r.gw.Acquire(ctx, r.cfg.Constraints)

	r.mu.Lock()
	if domain.GateState(r.gate.Current()) != domain.GateCheckingDevices {
		// left while acquiring
		r.mu.Unlock()
		r.gw.Release(ts)
		return fmt.Errorf("check devices: %w", core.ErrInvalidState)
	}
	if err != nil {
		_ = r.gate.Event(context.Background(), evDevicesFailed)
		r.deviceErr = err
		r.bus.Publish(DeviceError{Reason: err})
		r.mu.Unlock()
		log.Warn().Err(err).Str("module", "waiting").Str("sid", string(r.spec.ID)).Msg("device check failed")
		return err
	}
	_ = r.gate.Event(context.Background(), evDevicesOK)
	r.tracks = ts
	var ids []string
	for _, t := range ts.Tracks() {
		ids = append(ids, t.ID())
	}
	r.bus.Publish(DevicesReady{TrackIDs: ids})
	r.mu.Unlock()
	log.Info().Str("module", "waiting").Str("sid", string(r.spec.ID)).Int("tracks", len(ids)).Msg("devices ready")
	return nil
}

func (r *Room) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.poll(ctx)
		}
	}
}

func (r *Room) poll(ctx context.Context) {
	if r.presence == nil {
		return
	}
	st, err := r.presence.Presence(ctx, r.spec.Remote.ID)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn().Err(err).Str("module", "waiting").Str("sid", string(r.spec.ID)).Msg("presence poll")
		}
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if st == r.status || !r.closedAt.IsZero() {
		return
	}
	r.status = st
	r.bus.Publish(CounterpartStatusChanged{Status: st})
	log.Debug().Str("module", "waiting").Str("sid", string(r.spec.ID)).Str("status", string(st)).Msg("counterpart status")
}
