package signal

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/Teleconsult/internal/core"
	"github.com/dkeye/Teleconsult/internal/domain"
	"github.com/rs/zerolog/log"
)

const (
	subBuffer  = 64
	maxPending = 64
)

type subscription struct {
	ch   chan core.SignalMessage
	done chan struct{}
	stop sync.Once

	// held for reading while a send is in flight so ch is never closed under it
	mu     sync.RWMutex
	closed bool
}

func (s *subscription) shutdown() {
	s.stop.Do(func() { close(s.done) })
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// router fans inbound messages out to per-session subscribers. Messages for
// a session nobody listens to yet are held until the first Subscribe so an
// early offer or candidate is not lost.
type router struct {
	mu      sync.Mutex
	subs    map[domain.SessionID]map[*subscription]struct{}
	pending map[domain.SessionID][]core.SignalMessage
	closed  bool
}

func newRouter() *router {
	return &router{
		subs:    make(map[domain.SessionID]map[*subscription]struct{}),
		pending: make(map[domain.SessionID][]core.SignalMessage),
	}
}

func (r *router) subscribe(sid domain.SessionID) (<-chan core.SignalMessage, func()) {
	s := &subscription{ch: make(chan core.SignalMessage, subBuffer), done: make(chan struct{})}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		close(s.ch)
		return s.ch, func() {}
	}
	set, ok := r.subs[sid]
	if !ok {
		set = make(map[*subscription]struct{})
		r.subs[sid] = set
	}
	set[s] = struct{}{}
	for _, m := range r.pending[sid] {
		s.ch <- m
	}
	delete(r.pending, sid)
	r.mu.Unlock()

	return s.ch, func() {
		r.mu.Lock()
		if set, ok := r.subs[sid]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(r.subs, sid)
			}
		}
		r.mu.Unlock()
		s.shutdown()
	}
}

// deliver hands msg to every subscriber of its session, waiting for room in
// each buffer so per-session order is kept.
func (r *router) deliver(ctx context.Context, msg core.SignalMessage) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return fmt.Errorf("deliver: %w", core.ErrSignalingFailure)
	}
	set := r.subs[msg.SessionID]
	if len(set) == 0 {
		defer r.mu.Unlock()
		if len(r.pending[msg.SessionID]) >= maxPending {
			log.Warn().Str("module", "signal").Str("sid", string(msg.SessionID)).Str("type", string(msg.Type)).Msg("pending queue full, dropping")
			return core.ErrBackpressure
		}
		r.pending[msg.SessionID] = append(r.pending[msg.SessionID], msg)
		return nil
	}
	targets := make([]*subscription, 0, len(set))
	for s := range set {
		targets = append(targets, s)
	}
	r.mu.Unlock()

	for _, s := range targets {
		if err := r.push(ctx, s, msg); err != nil {
			return err
		}
	}
	return nil
}

func (r *router) push(ctx context.Context, s *subscription, msg core.SignalMessage) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil
	}
	select {
	case s.ch <- msg:
		return nil
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *router) subscribers(sid domain.SessionID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs[sid])
}

func (r *router) close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	subs := r.subs
	r.subs = nil
	r.pending = nil
	r.mu.Unlock()

	for _, set := range subs {
		for s := range set {
			s.shutdown()
		}
	}
}
