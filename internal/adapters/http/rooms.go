package http

import (
	"fmt"
	"net/http"

	"github.com/dkeye/Teleconsult/internal/app/call"
	"github.com/dkeye/Teleconsult/internal/app/waiting"
	"github.com/dkeye/Teleconsult/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type createRoomRequest struct {
	SessionID        string `json:"session_id"`
	AppointmentID    string `json:"appointment_id"`
	Role             string `json:"role" binding:"required"`
	CounterpartID    string `json:"counterpart_id" binding:"required"`
	CounterpartLabel string `json:"counterpart_label"`
}

type roomView struct {
	waiting.RoomInfo
	WaitingMS   int64  `json:"waiting_ms"`
	DeviceError string `json:"device_error,omitempty"`
	Video       bool   `json:"video"`
	Audio       bool   `json:"audio"`
}

func viewRoom(r *waiting.Room) roomView {
	v := roomView{
		RoomInfo: waiting.RoomInfo{
			SessionID:   r.Spec().ID,
			State:       r.State(),
			Counterpart: r.CounterpartStatus(),
			CanJoin:     r.CanJoin(),
		},
		WaitingMS: r.WaitingTime().Milliseconds(),
		Video:     r.Enabled(domain.TrackVideo),
		Audio:     r.Enabled(domain.TrackAudio),
	}
	if err := r.DeviceError(); err != nil {
		v.DeviceError = err.Error()
	}
	return v
}

func (api *API) room(c *gin.Context) (*waiting.Room, bool) {
	id := domain.SessionID(c.Param("id"))
	r, ok := api.Rooms.Get(id)
	if !ok {
		writeError(c, fmt.Errorf("room %s: %w", id, errUnknownRoom))
	}
	return r, ok
}

func (api *API) listRooms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rooms": api.Rooms.List()})
}

func (api *API) createRoom(c *gin.Context) {
	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_payload"})
		return
	}
	role, err := domain.ParseRole(req.Role)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	label := req.CounterpartLabel
	if label == "" {
		label = req.CounterpartID
	}
	remote, err := domain.NewParticipant(domain.ParticipantID(req.CounterpartID), label)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sid := req.SessionID
	if sid == "" {
		sid = uuid.NewString()
	}

	spec := call.Spec{
		ID:            domain.SessionID(sid),
		AppointmentID: domain.AppointmentID(req.AppointmentID),
		Role:          role,
		Local:         api.participant(c),
		Remote:        *remote,
	}
	room, err := api.Rooms.Create(spec)
	if err != nil {
		writeError(c, err)
		return
	}
	if err := room.Start(c.Request.Context()); err != nil {
		api.Rooms.Remove(spec.ID)
		writeError(c, err)
		return
	}
	log.Info().Str("module", "adapters.http").Str("sid", sid).Str("role", string(role)).Msg("room created")
	c.JSON(http.StatusCreated, viewRoom(room))
}

func (api *API) getRoom(c *gin.Context) {
	room, ok := api.room(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, viewRoom(room))
}

func (api *API) toggleRoom(kind domain.TrackKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		room, ok := api.room(c)
		if !ok {
			return
		}
		var on bool
		if kind == domain.TrackVideo {
			on = room.ToggleVideo()
		} else {
			on = room.ToggleAudio()
		}
		c.JSON(http.StatusOK, gin.H{"kind": kind, "enabled": on})
	}
}

func (api *API) retryRoom(c *gin.Context) {
	room, ok := api.room(c)
	if !ok {
		return
	}
	if err := room.RetryDevices(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewRoom(room))
}

// joinRoom hands the room's media to a new call session. The initiator
// sends its offer right away.
func (api *API) joinRoom(c *gin.Context) {
	room, ok := api.room(c)
	if !ok {
		return
	}
	sess, err := room.Join(c.Request.Context(), api.Calls)
	if room.State() == domain.GateJoined {
		api.Rooms.Remove(room.Spec().ID)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	if sess.Record().Role == domain.RoleInitiator {
		if err := api.Calls.Start(c.Request.Context(), sess.ID()); err != nil {
			writeError(c, err)
			return
		}
	}
	c.JSON(http.StatusCreated, viewSession(sess))
}

func (api *API) leaveRoom(c *gin.Context) {
	if _, ok := api.room(c); !ok {
		return
	}
	api.Rooms.Remove(domain.SessionID(c.Param("id")))
	c.Status(http.StatusNoContent)
}
