package waiting

import (
	"errors"
	"sync"

	"github.com/dkeye/Teleconsult/internal/app/call"
	"github.com/dkeye/Teleconsult/internal/app/media"
	"github.com/dkeye/Teleconsult/internal/core"
	"github.com/dkeye/Teleconsult/internal/domain"
	"github.com/rs/zerolog/log"
)

var ErrRoomExists = errors.New("waiting room already exists")

type RoomInfo struct {
	SessionID   domain.SessionID      `json:"session_id"`
	State       domain.GateState      `json:"state"`
	Counterpart domain.PresenceStatus `json:"counterpart"`
	CanJoin     bool                  `json:"can_join"`
}

// Rooms keeps the open waiting rooms by session id.
type Rooms struct {
	cfg      Config
	gw       *media.Gateway
	presence core.PresenceSource

	mu    sync.RWMutex
	rooms map[domain.SessionID]*Room
}

func NewRooms(cfg Config, gw *media.Gateway, presence core.PresenceSource) *Rooms {
	return &Rooms{
		cfg:      cfg,
		gw:       gw,
		presence: presence,
		rooms:    make(map[domain.SessionID]*Room),
	}
}

// Create registers a room for spec. The caller starts it.
func (rs *Rooms) Create(spec call.Spec) (*Room, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if _, ok := rs.rooms[spec.ID]; ok {
		return nil, ErrRoomExists
	}
	r := NewRoom(spec, rs.cfg, rs.gw, rs.presence)
	rs.rooms[spec.ID] = r
	log.Info().Str("module", "waiting.rooms").Str("sid", string(spec.ID)).Msg("room created")
	return r, nil
}

func (rs *Rooms) Get(id domain.SessionID) (*Room, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	r, ok := rs.rooms[id]
	return r, ok
}

func (rs *Rooms) List() []RoomInfo {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	out := make([]RoomInfo, 0, len(rs.rooms))
	for id, r := range rs.rooms {
		out = append(out, RoomInfo{SessionID: id, State: r.State(), Counterpart: r.CounterpartStatus(), CanJoin: r.CanJoin()})
	}
	return out
}

// Remove forgets the room, leaving it first if it was never joined.
func (rs *Rooms) Remove(id domain.SessionID) {
	rs.mu.Lock()
	r, ok := rs.rooms[id]
	delete(rs.rooms, id)
	rs.mu.Unlock()
	if ok {
		r.Leave()
	}
}

// Close leaves every room.
func (rs *Rooms) Close() {
	rs.mu.Lock()
	rooms := rs.rooms
	rs.rooms = make(map[domain.SessionID]*Room)
	rs.mu.Unlock()
	for _, r := range rooms {
		r.Leave()
	}
}
