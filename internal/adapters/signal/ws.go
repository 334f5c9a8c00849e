// Package signal connects the call sessions to the signaling relay.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/Teleconsult/internal/core"
	"github.com/dkeye/Teleconsult/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	writeWait        = 5 * time.Second
	DefaultSendQueue = 32
	DefaultReadLimit = 32768
	DefaultPing      = 54 * time.Second
)

// control frame types beside the negotiation ones
const (
	framePresence      = "presence"
	framePresenceQuery = "presence_query"
	frameHello         = "hello"
	framePing          = "ping"
	framePong          = "pong"
	frameError         = "error"
)

type Config struct {
	URL         string
	Participant domain.ParticipantID
	SendQueue   int
	ReadLimit   int64
	PingPeriod  time.Duration
}

// frame is the wire envelope. Negotiation frames carry the SignalMessage
// fields; presence frames carry participant and status.
type frame struct {
	Type        string               `json:"type"`
	SessionID   domain.SessionID     `json:"session_id,omitempty"`
	From        domain.ParticipantID `json:"from,omitempty"`
	Payload     json.RawMessage      `json:"payload,omitempty"`
	Participant domain.ParticipantID `json:"participant,omitempty"`
	Status      string               `json:"status,omitempty"`
	Error       string               `json:"error,omitempty"`
}

// WSChannel is a SignalingChannel and PresenceSource over one websocket to
// the relay.
type WSChannel struct {
	cfg    Config
	conn   *websocket.Conn
	send   chan []byte
	routes *router

	mu       sync.RWMutex
	closed   bool
	presence map[domain.ParticipantID]domain.PresenceStatus
	watched  map[domain.ParticipantID]bool
}

var (
	_ core.SignalingChannel = (*WSChannel)(nil)
	_ core.PresenceSource   = (*WSChannel)(nil)
)

// Dial connects to the relay and announces the local participant. Call Run
// to start the pumps.
func Dial(ctx context.Context, cfg Config) (*WSChannel, error) {
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = DefaultSendQueue
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = DefaultReadLimit
	}
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = DefaultPing
	}
	header := http.Header{}
	header.Set("X-Participant-ID", string(cfg.Participant))
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %v: %w", cfg.URL, err, core.ErrSignalingFailure)
	}
	c := &WSChannel{
		cfg:      cfg,
		conn:     ws,
		send:     make(chan []byte, cfg.SendQueue),
		routes:   newRouter(),
		presence: make(map[domain.ParticipantID]domain.PresenceStatus),
		watched:  make(map[domain.ParticipantID]bool),
	}
	c.sendJSON(frame{Type: frameHello, Participant: cfg.Participant})
	log.Info().Str("module", "signal").Str("url", cfg.URL).Str("participant", string(cfg.Participant)).Msg("connected to relay")
	return c, nil
}

// Run pumps frames until ctx is done or the connection drops, then closes
// the channel.
func (c *WSChannel) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.writePump(gctx) })
	g.Go(func() error { return c.readPump(gctx) })
	err := g.Wait()
	c.Close()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (c *WSChannel) Send(ctx context.Context, sid domain.SessionID, msg core.SignalMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(frame{Type: string(msg.Type), SessionID: sid, From: msg.From, Payload: msg.Payload})
	if err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	if err := c.trySend(b); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	return nil
}

func (c *WSChannel) Subscribe(sid domain.SessionID) (<-chan core.SignalMessage, func()) {
	return c.routes.subscribe(sid)
}

// Presence returns the last status the relay pushed for id. The first query
// for an id asks the relay to start pushing it; until then id is offline.
func (c *WSChannel) Presence(ctx context.Context, id domain.ParticipantID) (domain.PresenceStatus, error) {
	if err := ctx.Err(); err != nil {
		return domain.PresenceOffline, err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.PresenceOffline, fmt.Errorf("presence: %w", core.ErrSignalingFailure)
	}
	st, ok := c.presence[id]
	watch := !c.watched[id]
	c.watched[id] = true
	c.mu.Unlock()

	if watch {
		c.sendJSON(frame{Type: framePresenceQuery, Participant: id})
	}
	if !ok {
		return domain.PresenceOffline, nil
	}
	return st, nil
}

func (c *WSChannel) trySend(b []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrSignalingFailure
	}
	select {
	case c.send <- b:
	default:
		return core.ErrBackpressure
	}
	return nil
}

func (c *WSChannel) sendJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	if err := c.trySend(b); err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("sendJSON dropped")
	}
}

func (c *WSChannel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
	c.routes.close()
	log.Info().Str("module", "signal").Msg("relay connection closed")
}

func (c *WSChannel) writePump(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			// unblocks readPump
			c.Close()
			return ctx.Err()
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return nil
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return fmt.Errorf("writePump set deadline: %w", err)
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return fmt.Errorf("writePump: %v: %w", err, core.ErrSignalingFailure)
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return fmt.Errorf("writePump ping: %v: %w", err, core.ErrSignalingFailure)
			}
		}
	}
}

func (c *WSChannel) readPump(ctx context.Context) error {
	defer c.Close()
	c.conn.SetReadLimit(c.cfg.ReadLimit)
	// a missed pong within two ping periods drops the connection
	wait := 2 * c.cfg.PingPeriod
	_ = c.conn.SetReadDeadline(time.Now().Add(wait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) || errors.Is(err, websocket.ErrCloseSent) {
				return nil
			}
			log.Error().Err(err).Str("module", "signal").Msg("readPump read error")
			return fmt.Errorf("readPump: %v: %w", err, core.ErrSignalingFailure)
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(wait))
		c.handleFrame(ctx, data)
	}
}

func (c *WSChannel) handleFrame(ctx context.Context, data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		return
	}

	switch f.Type {
	case string(core.SignalOffer), string(core.SignalAnswer), string(core.SignalICECandidate):
		if f.SessionID == "" {
			log.Warn().Str("module", "signal").Str("type", f.Type).Msg("negotiation frame without session")
			return
		}
		msg := core.SignalMessage{Type: core.SignalType(f.Type), SessionID: f.SessionID, From: f.From, Payload: f.Payload}
		if err := c.routes.deliver(ctx, msg); err != nil {
			log.Warn().Err(err).Str("module", "signal").Str("sid", string(f.SessionID)).Msg("deliver")
		}
	case framePresence:
		st := domain.ParsePresence(f.Status)
		c.mu.Lock()
		c.presence[f.Participant] = st
		c.mu.Unlock()
		log.Debug().Str("module", "signal").Str("participant", string(f.Participant)).Str("status", string(st)).Msg("presence")
	case framePing:
		c.sendJSON(frame{Type: framePong})
	case framePong:
	case frameError:
		log.Warn().Str("module", "signal").Str("error", f.Error).Msg("relay error")
	default:
		log.Warn().Str("module", "signal").Str("type", f.Type).Msg("unknown signal")
	}
}
