package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dkeye/Teleconsult/internal/core"
	"github.com/dkeye/Teleconsult/internal/domain"
	"github.com/rs/zerolog/log"
)

var (
	ErrEmptyMessage   = errors.New("empty chat message")
	ErrMessageTooLong = errors.New("chat message too long")
)

// bindChannel adopts dc as the session chat channel, whether created locally
// or announced by the remote side.
func (s *Session) bindChannel(dc core.DataChannel) {
	if dc.Label() != ChatLabel {
		log.Warn().Str("module", "call").Str("sid", string(s.rec.ID)).Str("label", dc.Label()).Msg("unexpected data channel")
		return
	}
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		_ = dc.Close()
		return
	}
	s.dc = dc
	s.dcOpen = false
	s.mu.Unlock()

	dc.OnOpen(func() {
		s.mu.Lock()
		if s.dc == dc {
			s.dcOpen = true
		}
		s.mu.Unlock()
		log.Debug().Str("module", "call").Str("sid", string(s.rec.ID)).Msg("chat channel open")
	})
	dc.OnClose(func() {
		s.mu.Lock()
		if s.dc == dc {
			s.dcOpen = false
		}
		s.mu.Unlock()
		log.Debug().Str("module", "call").Str("sid", string(s.rec.ID)).Msg("chat channel closed")
	})
	dc.OnMessage(func(b []byte) { s.receive(dc, b) })
}

func (s *Session) receive(dc core.DataChannel, b []byte) {
	s.mu.Lock()
	if s.ctx.Err() != nil || s.dc != dc {
		s.mu.Unlock()
		return
	}
	msg := decodeChat(b, s.rec.Remote)
	if s.hasMessageLocked(msg.ID) {
		msg.ID = domain.NewChatMessage(s.rec.Remote, "").ID
	}
	s.chat = append(s.chat, msg)
	s.bus.Publish(MessageReceived{Message: msg})
	s.mu.Unlock()

	s.metrics.ChatMessage("in")
	s.appendJournal(msg)
}

func (s *Session) hasMessageLocked(id string) bool {
	for _, m := range s.chat {
		if m.ID == id {
			return true
		}
	}
	return false
}

// decodeChat accepts the JSON chat envelope; anything else is taken as plain
// text from the counterpart. The sender is always the counterpart, whatever
// the envelope claims.
func decodeChat(b []byte, from domain.Participant) domain.ChatMessage {
	var msg domain.ChatMessage
	if err := json.Unmarshal(b, &msg); err != nil || msg.Body == "" {
		return domain.NewChatMessage(from, string(b))
	}
	if msg.ID == "" {
		msg.ID = domain.NewChatMessage(from, "").ID
	}
	msg.SenderID = from.ID
	msg.SenderLabel = from.DisplayName
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}
	return msg
}

// SendMessage delivers text over the chat channel and appends it to the
// transcript only once the channel accepted it.
func (s *Session) SendMessage(text string) (domain.ChatMessage, error) {
	if strings.TrimSpace(text) == "" {
		return domain.ChatMessage{}, ErrEmptyMessage
	}
	if len(text) > domain.MaxChatBodyLen {
		return domain.ChatMessage{}, ErrMessageTooLong
	}

	s.chatMu.Lock()
	defer s.chatMu.Unlock()

	s.mu.Lock()
	if s.ctx.Err() != nil {
		err := s.invalidLocked("send message")
		s.mu.Unlock()
		return domain.ChatMessage{}, err
	}
	dc, open, local := s.dc, s.dcOpen, s.rec.Local
	s.mu.Unlock()
	if dc == nil || !open {
		return domain.ChatMessage{}, core.ErrChannelUnavailable
	}

	msg := domain.NewChatMessage(local, text)
	b, err := json.Marshal(msg)
	if err != nil {
		return domain.ChatMessage{}, fmt.Errorf("encode chat: %w", err)
	}
	if err := dc.Send(b); err != nil {
		return domain.ChatMessage{}, fmt.Errorf("%w: %v", core.ErrChannelUnavailable, err)
	}

	s.mu.Lock()
	s.chat = append(s.chat, msg)
	s.mu.Unlock()
	s.metrics.ChatMessage("out")
	s.appendJournal(msg)
	return msg, nil
}

// Messages returns the transcript in delivery order.
func (s *Session) Messages() []domain.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ChatMessage(nil), s.chat...)
}

func (s *Session) appendJournal(msg domain.ChatMessage) {
	if s.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.journal.AppendMessage(ctx, s.rec.ID, msg); err != nil {
		log.Error().Err(err).Str("module", "call").Str("sid", string(s.rec.ID)).Msg("journal append")
	}
}
