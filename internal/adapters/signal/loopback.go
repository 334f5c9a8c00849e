package signal

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/Teleconsult/internal/core"
	"github.com/dkeye/Teleconsult/internal/domain"
)

// Loopback is one end of an in-memory relay between two participants. What
// one end sends, the other receives, in order.
type Loopback struct {
	self   domain.ParticipantID
	peer   *Loopback
	routes *router

	mu     sync.Mutex
	status domain.PresenceStatus
}

var (
	_ core.SignalingChannel = (*Loopback)(nil)
	_ core.PresenceSource   = (*Loopback)(nil)
)

// NewLoopbackPair links a and b. Both start available.
func NewLoopbackPair(a, b domain.ParticipantID) (*Loopback, *Loopback) {
	la := &Loopback{self: a, routes: newRouter(), status: domain.PresenceAvailable}
	lb := &Loopback{self: b, routes: newRouter(), status: domain.PresenceAvailable}
	la.peer, lb.peer = lb, la
	return la, lb
}

func (l *Loopback) Send(ctx context.Context, sid domain.SessionID, msg core.SignalMessage) error {
	msg.SessionID = sid
	if msg.From == "" {
		msg.From = l.self
	}
	if err := l.peer.routes.deliver(ctx, msg); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	return nil
}

func (l *Loopback) Subscribe(sid domain.SessionID) (<-chan core.SignalMessage, func()) {
	return l.routes.subscribe(sid)
}

// SetStatus sets the status the other end sees for this participant.
func (l *Loopback) SetStatus(st domain.PresenceStatus) {
	l.mu.Lock()
	l.status = st
	l.mu.Unlock()
}

func (l *Loopback) Presence(ctx context.Context, id domain.ParticipantID) (domain.PresenceStatus, error) {
	if err := ctx.Err(); err != nil {
		return domain.PresenceOffline, err
	}
	if id != l.peer.self {
		return domain.PresenceOffline, nil
	}
	l.peer.mu.Lock()
	defer l.peer.mu.Unlock()
	return l.peer.status, nil
}

// Close stops delivery to this end; the other end's sends then fail.
func (l *Loopback) Close() {
	l.routes.close()
}
