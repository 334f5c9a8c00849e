package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dkeye/Teleconsult/internal/app/media"
	"github.com/dkeye/Teleconsult/internal/core"
	"github.com/dkeye/Teleconsult/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var ErrSessionExists = errors.New("session already exists")

type entry struct {
	sess   *Session
	cancel func()
}

// Manager owns the live sessions and bridges the signaling channel to them.
type Manager struct {
	cfg  Config
	deps Deps
	sig  core.SignalingChannel

	mu       sync.RWMutex
	sessions map[domain.SessionID]*entry
	closed   bool
	onRemove func(domain.SessionID)
}

func NewManager(cfg Config, deps Deps, sig core.SignalingChannel) *Manager {
	return &Manager{
		cfg:      cfg,
		deps:     deps,
		sig:      sig,
		sessions: make(map[domain.SessionID]*entry),
	}
}

// Open creates and initializes a session with ts, then starts routing its
// signaling. Ownership of ts passes to the session, even on error.
func (m *Manager) Open(ctx context.Context, spec Spec, ts *media.TrackSet) (*Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.deps.Gateway.Release(ts)
		return nil, errors.New("manager closed")
	}
	if _, ok := m.sessions[spec.ID]; ok {
		m.mu.Unlock()
		m.deps.Gateway.Release(ts)
		return nil, fmt.Errorf("open %s: %w", spec.ID, ErrSessionExists)
	}
	sess, err := NewSession(spec, m.cfg, m.deps)
	if err != nil {
		m.mu.Unlock()
		m.deps.Gateway.Release(ts)
		return nil, err
	}
	e := &entry{sess: sess}
	m.sessions[spec.ID] = e
	m.mu.Unlock()

	sess.OnLocalCandidate(func(c webrtc.ICECandidateInit) {
		if err := m.send(sess, core.SignalICECandidate, c); err != nil {
			log.Warn().Err(err).Str("module", "call.manager").Str("sid", string(spec.ID)).Msg("send candidate")
		}
	})

	if err := sess.Initialize(ctx, ts); err != nil {
		if !errors.Is(err, core.ErrInvalidState) {
			ts = nil
		}
		sess.EndCall()
		m.remove(spec.ID)
		m.deps.Gateway.Release(ts)
		return nil, err
	}

	ch, cancel := m.sig.Subscribe(spec.ID)
	m.mu.Lock()
	e.cancel = cancel
	m.mu.Unlock()
	go m.dispatchLoop(sess, ch)

	log.Info().Str("module", "call.manager").Str("sid", string(spec.ID)).Str("role", string(spec.Role)).Msg("session opened")
	return sess, nil
}

// Start sends the initiator's offer.
func (m *Manager) Start(ctx context.Context, id domain.SessionID) error {
	sess, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("start %s: %w", id, core.ErrUnknownSession)
	}
	offer, err := sess.CreateOffer(ctx)
	if err != nil {
		return err
	}
	if err := m.send(sess, core.SignalOffer, offer); err != nil {
		err = fmt.Errorf("send offer: %w: %w", core.ErrSignalingFailure, err)
		sess.fail(err)
		return err
	}
	return nil
}

// OnRemove sets a callback run each time a session leaves the registry,
// however it ended.
func (m *Manager) OnRemove(fn func(domain.SessionID)) {
	m.mu.Lock()
	m.onRemove = fn
	m.mu.Unlock()
}

func (m *Manager) Get(id domain.SessionID) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	return e.sess, true
}

// List returns the live session records ordered by creation time.
func (m *Manager) List() []domain.Session {
	m.mu.RLock()
	out := make([]domain.Session, 0, len(m.sessions))
	for _, e := range m.sessions {
		out = append(out, e.sess.Record())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// End hangs up the session; it leaves the registry once terminal.
func (m *Manager) End(id domain.SessionID) bool {
	sess, ok := m.Get(id)
	if !ok {
		return false
	}
	sess.EndCall()
	return true
}

// Close ends every session and refuses new ones.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, e := range m.sessions {
		sessions = append(sessions, e.sess)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.EndCall()
	}
	log.Info().Str("module", "call.manager").Int("sessions", len(sessions)).Msg("manager closed")
}

func (m *Manager) remove(id domain.SessionID) {
	m.mu.Lock()
	e, ok := m.sessions[id]
	delete(m.sessions, id)
	fn := m.onRemove
	m.mu.Unlock()
	if !ok {
		return
	}
	if e.cancel != nil {
		e.cancel()
	}
	if fn != nil {
		fn(id)
	}
}

func (m *Manager) dispatchLoop(sess *Session, ch <-chan core.SignalMessage) {
	defer m.remove(sess.ID())
	for {
		select {
		case <-sess.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				log.Warn().Str("module", "call.manager").Str("sid", string(sess.ID())).Msg("signaling closed")
				return
			}
			m.dispatch(sess, msg)
		}
	}
}

func (m *Manager) dispatch(sess *Session, msg core.SignalMessage) {
	l := log.With().Str("module", "call.manager").Str("sid", string(sess.ID())).Str("type", string(msg.Type)).Logger()
	ctx := sess.ctx

	switch msg.Type {
	case core.SignalOffer:
		var sd webrtc.SessionDescription
		if err := json.Unmarshal(msg.Payload, &sd); err != nil {
			sess.fail(fmt.Errorf("%w: decode offer: %v", core.ErrSignalingFailure, err))
			return
		}
		answer, err := sess.CreateAnswer(ctx, sd)
		if err != nil {
			l.Warn().Err(err).Msg("create answer")
			return
		}
		if err := m.send(sess, core.SignalAnswer, answer); err != nil {
			l.Error().Err(err).Msg("send answer")
			sess.fail(fmt.Errorf("send answer: %w: %w", core.ErrSignalingFailure, err))
		}
	case core.SignalAnswer:
		var sd webrtc.SessionDescription
		if err := json.Unmarshal(msg.Payload, &sd); err != nil {
			sess.fail(fmt.Errorf("%w: decode answer: %v", core.ErrSignalingFailure, err))
			return
		}
		if err := sess.ApplyRemoteAnswer(ctx, sd); err != nil {
			l.Warn().Err(err).Msg("apply answer")
		}
	case core.SignalICECandidate:
		var c webrtc.ICECandidateInit
		if err := json.Unmarshal(msg.Payload, &c); err != nil {
			l.Warn().Err(err).Msg("malformed candidate dropped")
			m.deps.Metrics.Candidate("dropped")
			return
		}
		if err := sess.AddRemoteICECandidate(c); err != nil {
			l.Warn().Err(err).Msg("add candidate")
		}
	default:
		l.Warn().Msg("unknown signal type")
	}
}

func (m *Manager) send(sess *Session, typ core.SignalType, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	rec := sess.Record()
	return m.sig.Send(sess.ctx, rec.ID, core.SignalMessage{
		Type:      typ,
		SessionID: rec.ID,
		From:      rec.Local.ID,
		Payload:   b,
	})
}
