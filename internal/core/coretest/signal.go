package coretest

import (
	"context"
	"sync"

	"github.com/dkeye/Teleconsult/internal/core"
	"github.com/dkeye/Teleconsult/internal/domain"
)

// Signal records outbound messages and lets tests inject inbound ones.
type Signal struct {
	SendErr error

	mu   sync.Mutex
	subs map[domain.SessionID][]chan core.SignalMessage
	sent []core.SignalMessage
}

func NewSignal() *Signal {
	return &Signal{subs: make(map[domain.SessionID][]chan core.SignalMessage)}
}

func (s *Signal) Send(_ context.Context, _ domain.SessionID, msg core.SignalMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendErr != nil {
		return s.SendErr
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *Signal) Subscribe(sid domain.SessionID) (<-chan core.SignalMessage, func()) {
	ch := make(chan core.SignalMessage, 64)
	s.mu.Lock()
	s.subs[sid] = append(s.subs[sid], ch)
	s.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			subs := s.subs[sid]
			for i, c := range subs {
				if c == ch {
					s.subs[sid] = append(subs[:i], subs[i+1:]...)
					close(ch)
					return
				}
			}
		})
	}
}

// SetSendErr makes later Sends fail with err; nil restores them.
func (s *Signal) SetSendErr(err error) {
	s.mu.Lock()
	s.SendErr = err
	s.mu.Unlock()
}

// Deliver pushes msg to the subscribers of msg.SessionID.
func (s *Signal) Deliver(msg core.SignalMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs[msg.SessionID] {
		ch <- msg
	}
}

func (s *Signal) Subscribers(sid domain.SessionID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[sid])
}

func (s *Signal) Sent() []core.SignalMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.SignalMessage(nil), s.sent...)
}

// SentOf filters Sent by type.
func (s *Signal) SentOf(typ core.SignalType) []core.SignalMessage {
	var out []core.SignalMessage
	for _, m := range s.Sent() {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}
