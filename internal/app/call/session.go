// Package call drives one peer-to-peer call from setup to teardown.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Teleconsult/internal/app/events"
	"github.com/dkeye/Teleconsult/internal/app/media"
	"github.com/dkeye/Teleconsult/internal/core"
	"github.com/dkeye/Teleconsult/internal/domain"
	"github.com/dkeye/Teleconsult/internal/metrics"
	"github.com/looplab/fsm"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const (
	DefaultReconnectGrace = 15 * time.Second
	ChatLabel             = "chat"
)

type Config struct {
	ReconnectGrace time.Duration
	EventBuffer    int
}

// Spec identifies a call and its two parties.
type Spec struct {
	ID            domain.SessionID
	AppointmentID domain.AppointmentID
	Role          domain.Role
	Local         domain.Participant
	Remote        domain.Participant
}

type Deps struct {
	Gateway *media.Gateway
	NewPeer core.PeerConnectionFactory
	Journal core.Journal
	Metrics *metrics.Metrics
}

type Session struct {
	cfg     Config
	gw      *media.Gateway
	newPeer core.PeerConnectionFactory
	journal core.Journal
	metrics *metrics.Metrics
	bus     *events.Bus[Event]

	// ctx is cancelled when the session starts to terminate.
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// op serializes negotiation steps and outgoing track replacement.
	op chan struct{}
	// chatMu keeps outgoing chat in send order.
	chatMu sync.Mutex
	// saveMu keeps journal writes in record order.
	saveMu sync.Mutex

	mu          sync.Mutex
	fsm         *fsm.FSM
	rec         domain.Session
	pc          core.PeerConnection
	tracks      *media.TrackSet
	videoSender core.Sender
	display     core.LocalTrack
	dc          core.DataChannel
	dcOpen      bool
	chat        []domain.ChatMessage
	conn        domain.ConnectionState
	grace       *time.Timer
	graceGen    uint64
	onCandidate func(webrtc.ICECandidateInit)

	// candMu orders remote candidate application.
	candMu    sync.Mutex
	remoteSet bool
	pending   candidateBuffer
}

func NewSession(spec Spec, cfg Config, deps Deps) (*Session, error) {
	if spec.ID == "" {
		return nil, errors.New("session id required")
	}
	if _, err := domain.ParseRole(string(spec.Role)); err != nil {
		return nil, err
	}
	if deps.Gateway == nil || deps.NewPeer == nil {
		return nil, errors.New("gateway and peer factory required")
	}
	if cfg.ReconnectGrace <= 0 {
		cfg.ReconnectGrace = DefaultReconnectGrace
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:     cfg,
		gw:      deps.Gateway,
		newPeer: deps.NewPeer,
		journal: deps.Journal,
		metrics: deps.Metrics,
		bus:     events.NewBus[Event]("call", cfg.EventBuffer),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		op:      make(chan struct{}, 1),
		fsm:     newSessionFSM(spec.ID, deps.Metrics),
		conn:    domain.ConnectionNew,
		rec: domain.Session{
			ID:            spec.ID,
			AppointmentID: spec.AppointmentID,
			Role:          spec.Role,
			State:         domain.StateIdle,
			Local:         spec.Local,
			Remote:        spec.Remote,
			CreatedAt:     time.Now().UTC(),
		},
	}
	s.metrics.SessionOpened()
	s.save()
	return s, nil
}

func (s *Session) ID() domain.SessionID { return s.rec.ID }

func (s *Session) State() domain.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.State
}

// Record returns a copy of the session record.
func (s *Session) Record() domain.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec
}

func (s *Session) ConnectionState() domain.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Duration is the time spent since the first connect, frozen once the call ends.
func (s *Session) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec.ConnectedAt.IsZero() {
		return 0
	}
	end := s.rec.EndedAt
	if end.IsZero() {
		end = time.Now().UTC()
	}
	return end.Sub(s.rec.ConnectedAt)
}

func (s *Session) Subscribe() (<-chan Event, func()) { return s.bus.Subscribe() }

// Done is closed once the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// OnLocalCandidate sets the callback receiving locally gathered candidates.
func (s *Session) OnLocalCandidate(fn func(webrtc.ICECandidateInit)) {
	s.mu.Lock()
	s.onCandidate = fn
	s.mu.Unlock()
}

// Initialize takes ownership of ts and prepares the peer connection. Except
// when it fails with ErrInvalidState, ts is released by the session.
func (s *Session) Initialize(ctx context.Context, ts *media.TrackSet) error {
	if err := s.lock(ctx); err != nil {
		if !errors.Is(err, core.ErrInvalidState) {
			s.gw.Release(ts)
		}
		return err
	}
	defer s.unlock()

	s.mu.Lock()
	if err := s.transitionLocked(evInitialize); err != nil {
		s.mu.Unlock()
		return err
	}
	s.tracks = ts
	s.mu.Unlock()

	if ts == nil || len(ts.Tracks()) == 0 || ts.Released() {
		err := fmt.Errorf("initialize: no local media: %w", core.ErrDeviceUnavailable)
		s.fail(err)
		return err
	}

	pc, err := s.newPeer(s.rec.ID)
	if err != nil {
		err = fmt.Errorf("initialize: peer connection: %w", err)
		s.fail(err)
		return err
	}

	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		_ = pc.Close()
		return core.ErrSessionEnded
	}
	s.pc = pc
	s.mu.Unlock()

	pc.OnICECandidate(s.handleLocalCandidate)
	pc.OnTrack(s.handleRemoteTrack)
	pc.OnConnectionStateChange(s.handleConnectionState)
	pc.OnDataChannel(s.bindChannel)

	var ids []string
	for _, t := range ts.Tracks() {
		sender, err := pc.AddTrack(t)
		if err != nil {
			err = fmt.Errorf("initialize: add %s track: %w", t.Kind(), err)
			s.fail(err)
			return err
		}
		if t.Kind() == domain.TrackVideo {
			s.mu.Lock()
			s.videoSender = sender
			s.mu.Unlock()
		}
		ids = append(ids, t.ID())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return core.ErrSessionEnded
	}
	if s.rec.Role == domain.RoleResponder {
		if err := s.transitionLocked(evAwaitOffer); err != nil {
			return err
		}
	}
	s.bus.Publish(LocalPreviewReady{TrackIDs: ids})
	log.Info().Str("module", "call").Str("sid", string(s.rec.ID)).Str("role", string(s.rec.Role)).Int("tracks", len(ids)).Msg("session initialized")
	return nil
}

// CreateOffer opens the chat channel and produces the local offer. Initiator only.
func (s *Session) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	var none webrtc.SessionDescription
	if err := s.lock(ctx); err != nil {
		return none, err
	}
	defer s.unlock()

	s.mu.Lock()
	if s.rec.Role != domain.RoleInitiator || s.rec.State != domain.StateInitializing || s.pc == nil {
		err := s.invalidLocked("create offer")
		s.mu.Unlock()
		return none, err
	}
	pc, dc := s.pc, s.dc
	s.mu.Unlock()

	if dc == nil {
		ch, err := pc.CreateDataChannel(ChatLabel)
		if err != nil {
			err = fmt.Errorf("create offer: data channel: %w", err)
			s.fail(err)
			return none, err
		}
		s.bindChannel(ch)
	}

	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	offer, err := pc.CreateOffer(opCtx)
	if err != nil {
		return none, s.stepError(ctx, "create offer", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return none, core.ErrSessionEnded
	}
	if err := s.transitionLocked(evOffer); err != nil {
		return none, err
	}
	return offer, nil
}

// CreateAnswer applies the remote offer and produces the local answer. Responder only.
func (s *Session) CreateAnswer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	var none webrtc.SessionDescription
	if err := s.lock(ctx); err != nil {
		return none, err
	}
	defer s.unlock()

	s.mu.Lock()
	st := s.rec.State
	if s.rec.Role != domain.RoleResponder || (st != domain.StateInitializing && st != domain.StateAwaitingOffer) || s.pc == nil {
		err := s.invalidLocked("create answer")
		s.mu.Unlock()
		return none, err
	}
	pc := s.pc
	s.mu.Unlock()

	if err := s.applyRemote(pc, offer, webrtc.SDPTypeOffer); err != nil {
		s.fail(err)
		return none, err
	}

	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	answer, err := pc.CreateAnswer(opCtx)
	if err != nil {
		return none, s.stepError(ctx, "create answer", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return none, core.ErrSessionEnded
	}
	if err := s.transitionLocked(evAnswer); err != nil {
		return none, err
	}
	return answer, nil
}

// ApplyRemoteAnswer completes the initiator side of the exchange.
func (s *Session) ApplyRemoteAnswer(ctx context.Context, answer webrtc.SessionDescription) error {
	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.unlock()

	s.mu.Lock()
	if s.rec.State != domain.StateOffering {
		err := s.invalidLocked("apply answer")
		s.mu.Unlock()
		return err
	}
	pc := s.pc
	s.mu.Unlock()

	if err := s.applyRemote(pc, answer, webrtc.SDPTypeAnswer); err != nil {
		s.fail(err)
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return core.ErrSessionEnded
	}
	return s.transitionLocked(evRemoteAnswer)
}

// AddRemoteICECandidate applies c, or buffers it until the remote description
// is set. Malformed candidates are dropped; they never fail the session.
func (s *Session) AddRemoteICECandidate(c webrtc.ICECandidateInit) error {
	s.mu.Lock()
	if s.ctx.Err() != nil {
		err := s.invalidLocked("add candidate")
		s.mu.Unlock()
		return err
	}
	pc := s.pc
	s.mu.Unlock()

	if err := parseCandidate(c); err != nil {
		log.Warn().Err(err).Str("module", "call").Str("sid", string(s.rec.ID)).Msg("remote candidate dropped")
		s.metrics.Candidate("dropped")
		return nil
	}

	s.candMu.Lock()
	defer s.candMu.Unlock()
	if !s.remoteSet || pc == nil {
		s.pending.push(c)
		s.metrics.Candidate("buffered")
		return nil
	}
	s.addCandidate(pc, c)
	return nil
}

// EndCall tears the session down from any state. Safe to call repeatedly.
func (s *Session) EndCall() {
	if s.finish(evEnd, nil) {
		log.Info().Str("module", "call").Str("sid", string(s.rec.ID)).Msg("call ended")
	}
}

func (s *Session) applyRemote(pc core.PeerConnection, sd webrtc.SessionDescription, want webrtc.SDPType) error {
	if err := validateDescription(sd, want); err != nil {
		return err
	}
	if err := pc.SetRemoteDescription(sd); err != nil {
		return fmt.Errorf("%w: set remote %s: %v", core.ErrSignalingFailure, want, err)
	}

	s.candMu.Lock()
	defer s.candMu.Unlock()
	s.remoteSet = true
	queued := s.pending.drain()
	for _, c := range queued {
		s.addCandidate(pc, c)
	}
	if len(queued) > 0 {
		log.Debug().Str("module", "call").Str("sid", string(s.rec.ID)).Int("candidates", len(queued)).Msg("buffered candidates flushed")
	}
	return nil
}

// addCandidate must be called with candMu held.
func (s *Session) addCandidate(pc core.PeerConnection, c webrtc.ICECandidateInit) {
	if err := pc.AddICECandidate(c); err != nil {
		log.Warn().Err(err).Str("module", "call").Str("sid", string(s.rec.ID)).Msg("remote candidate rejected")
		s.metrics.Candidate("dropped")
		return
	}
	s.metrics.Candidate("applied")
}

func validateDescription(sd webrtc.SessionDescription, want webrtc.SDPType) error {
	if sd.Type != want {
		return fmt.Errorf("%w: expected %s, got %s", core.ErrSignalingFailure, want, sd.Type)
	}
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(sd.SDP)); err != nil {
		return fmt.Errorf("%w: malformed %s: %v", core.ErrSignalingFailure, want, err)
	}
	return nil
}

func (s *Session) handleLocalCandidate(c webrtc.ICECandidateInit) {
	s.mu.Lock()
	fn := s.onCandidate
	ended := s.ctx.Err() != nil
	s.mu.Unlock()
	if ended || fn == nil {
		return
	}
	fn(c)
}

func (s *Session) handleRemoteTrack(info core.RemoteTrackInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return
	}
	log.Info().Str("module", "call").Str("sid", string(s.rec.ID)).Str("track", info.ID).Str("kind", string(info.Kind)).Msg("remote track")
	s.bus.Publish(RemoteStreamAvailable{Track: info})
}

func (s *Session) handleConnectionState(st domain.ConnectionState) {
	if s.applyConnectionState(st) {
		s.save()
	}
}

// applyConnectionState reports whether the call just became connected.
func (s *Session) applyConnectionState(st domain.ConnectionState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.conn = st
	s.bus.Publish(ConnectionStateChanged{State: st})

	switch st {
	case domain.ConnectionConnected:
		if s.rec.State != domain.StateNegotiating && s.rec.State != domain.StateReconnecting {
			return false
		}
		s.stopGraceLocked()
		if err := s.transitionLocked(evConnect); err != nil {
			log.Error().Err(err).Str("module", "call").Str("sid", string(s.rec.ID)).Msg("connect transition")
			return false
		}
		if s.rec.ConnectedAt.IsZero() {
			s.rec.ConnectedAt = time.Now().UTC()
			return true
		}
	case domain.ConnectionDisconnected, domain.ConnectionFailed:
		if s.rec.State != domain.StateConnected && s.rec.State != domain.StateNegotiating {
			return false
		}
		if err := s.transitionLocked(evLose); err != nil {
			log.Error().Err(err).Str("module", "call").Str("sid", string(s.rec.ID)).Msg("lose transition")
			return false
		}
		s.startGraceLocked()
	}
	return false
}

func (s *Session) startGraceLocked() {
	s.stopGraceLocked()
	gen := s.graceGen
	grace := s.cfg.ReconnectGrace
	s.grace = time.AfterFunc(grace, func() {
		s.mu.Lock()
		stale := gen != s.graceGen || s.rec.State != domain.StateReconnecting
		s.mu.Unlock()
		if stale {
			return
		}
		s.fail(fmt.Errorf("connectivity not restored within %s: %w", grace, core.ErrNegotiationTimeout))
	})
	log.Warn().Str("module", "call").Str("sid", string(s.rec.ID)).Dur("grace", grace).Msg("connectivity lost, waiting for recovery")
}

func (s *Session) stopGraceLocked() {
	s.graceGen++
	if s.grace != nil {
		s.grace.Stop()
		s.grace = nil
	}
}

func (s *Session) fail(reason error) {
	if s.finish(evFail, reason) {
		log.Error().Err(reason).Str("module", "call").Str("sid", string(s.rec.ID)).Msg("call failed")
	}
}

// finish releases every resource and then enters the terminal state. Only
// the first call has an effect.
func (s *Session) finish(event string, reason error) bool {
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		return false
	}
	s.cancel()
	s.stopGraceLocked()
	pc, dc, tracks, display := s.pc, s.dc, s.tracks, s.display
	s.pc, s.dc, s.tracks, s.display = nil, nil, nil, nil
	s.dcOpen = false
	s.videoSender = nil
	s.mu.Unlock()

	if dc != nil {
		_ = dc.Close()
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			log.Error().Err(err).Str("module", "call").Str("sid", string(s.rec.ID)).Msg("peer connection close")
		}
	}
	s.gw.ReleaseTrack(display)
	s.gw.Release(tracks)

	s.candMu.Lock()
	s.pending.drain()
	s.candMu.Unlock()

	// Close delivers these even to a subscriber with a full queue.
	var final []Event
	s.mu.Lock()
	if changed, err := s.advanceLocked(event); err != nil {
		log.Error().Err(err).Str("module", "call").Str("sid", string(s.rec.ID)).Msg("terminal transition")
	} else {
		final = append(final, changed)
	}
	s.rec.EndedAt = time.Now().UTC()
	if reason != nil {
		s.rec.Reason = reason.Error()
		final = append(final, Failed{Reason: reason})
	}
	var dur time.Duration
	if !s.rec.ConnectedAt.IsZero() {
		dur = s.rec.EndedAt.Sub(s.rec.ConnectedAt)
	}
	s.mu.Unlock()

	if reason != nil {
		s.metrics.Failure(failureLabel(reason))
	}
	s.metrics.SessionClosed(dur.Seconds())
	s.save()
	s.bus.Close(final...)
	close(s.done)
	return true
}

func (s *Session) save() {
	if s.journal == nil {
		return
	}
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	rec := s.Record()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.journal.SaveSession(ctx, rec); err != nil {
		log.Error().Err(err).Str("module", "call").Str("sid", string(rec.ID)).Msg("journal save")
	}
}

// transitionLocked fires event and publishes the resulting state change.
// Must be called with mu held.
func (s *Session) transitionLocked(event string) error {
	changed, err := s.advanceLocked(event)
	if err != nil {
		return err
	}
	s.bus.Publish(changed)
	return nil
}

// advanceLocked fires event without publishing. Must be called with mu held.
func (s *Session) advanceLocked(event string) (StateChanged, error) {
	from := s.rec.State
	// The session context may already be cancelled here; the FSM refuses to
	// transition under a cancelled context.
	if err := s.fsm.Event(context.Background(), event); err != nil {
		return StateChanged{}, fmt.Errorf("%s in state %s: %w", event, from, core.ErrInvalidState)
	}
	to := domain.SessionState(s.fsm.Current())
	s.rec.State = to
	return StateChanged{From: from, To: to}, nil
}

func (s *Session) invalidLocked(op string) error {
	return fmt.Errorf("%s in state %s: %w", op, s.rec.State, core.ErrInvalidState)
}

// lock takes the operation slot, giving up when ctx or the session ends.
func (s *Session) lock(ctx context.Context) error {
	select {
	case <-s.ctx.Done():
		return fmt.Errorf("session %s: %w", s.State(), core.ErrInvalidState)
	default:
	}
	select {
	case s.op <- struct{}{}:
		if s.ctx.Err() != nil {
			<-s.op
			return fmt.Errorf("session %s: %w", s.State(), core.ErrInvalidState)
		}
		return nil
	case <-ctx.Done():
		return ctxError(ctx.Err())
	case <-s.ctx.Done():
		return core.ErrSessionEnded
	}
}

func (s *Session) unlock() { <-s.op }

// opContext is cancelled when either ctx or the session ends.
func (s *Session) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// stepError classifies the failure of a blocking negotiation step. Caller
// cancellation leaves the session as it was; anything else fails it.
func (s *Session) stepError(ctx context.Context, op string, err error) error {
	if s.ctx.Err() != nil {
		return core.ErrSessionEnded
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", op, ctxError(ctx.Err()))
	}
	err = fmt.Errorf("%s: %w: %v", op, core.ErrSignalingFailure, err)
	s.fail(err)
	return err
}

func ctxError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", core.ErrNegotiationTimeout, err)
	}
	return err
}

func failureLabel(err error) string {
	switch {
	case errors.Is(err, core.ErrNegotiationTimeout):
		return "timeout"
	case errors.Is(err, core.ErrSignalingFailure):
		return "signaling"
	case errors.Is(err, core.ErrDeviceUnavailable), errors.Is(err, core.ErrPermissionDenied):
		return "device"
	}
	return "setup"
}
