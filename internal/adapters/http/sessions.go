package http

import (
	"fmt"
	"net/http"

	"github.com/dkeye/Teleconsult/internal/app/call"
	"github.com/dkeye/Teleconsult/internal/core"
	"github.com/dkeye/Teleconsult/internal/domain"
	"github.com/gin-gonic/gin"
)

type sessionView struct {
	domain.Session
	Connection domain.ConnectionState `json:"connection"`
	DurationMS int64                  `json:"duration_ms"`
	Video      bool                   `json:"video"`
	Audio      bool                   `json:"audio"`
	Sharing    bool                   `json:"sharing"`
}

func viewSession(s *call.Session) sessionView {
	return sessionView{
		Session:    s.Record(),
		Connection: s.ConnectionState(),
		DurationMS: s.Duration().Milliseconds(),
		Video:      s.Enabled(domain.TrackVideo),
		Audio:      s.Enabled(domain.TrackAudio),
		Sharing:    s.Sharing(),
	}
}

func (api *API) session(c *gin.Context) (*call.Session, bool) {
	id := domain.SessionID(c.Param("id"))
	s, ok := api.Calls.Get(id)
	if !ok {
		writeError(c, fmt.Errorf("session %s: %w", id, core.ErrUnknownSession))
	}
	return s, ok
}

func (api *API) listSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": api.Calls.List()})
}

func (api *API) getSession(c *gin.Context) {
	s, ok := api.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, viewSession(s))
}

func (api *API) endSession(c *gin.Context) {
	id := domain.SessionID(c.Param("id"))
	if !api.Calls.End(id) {
		writeError(c, fmt.Errorf("session %s: %w", id, core.ErrUnknownSession))
		return
	}
	c.Status(http.StatusNoContent)
}

func (api *API) toggleSession(kind domain.TrackKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		s, ok := api.session(c)
		if !ok {
			return
		}
		var on bool
		if kind == domain.TrackVideo {
			on = s.ToggleVideo()
		} else {
			on = s.ToggleAudio()
		}
		c.JSON(http.StatusOK, gin.H{"kind": kind, "enabled": on})
	}
}

func (api *API) shareScreen(c *gin.Context) {
	s, ok := api.session(c)
	if !ok {
		return
	}
	if err := s.ShareScreen(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewSession(s))
}

func (api *API) stopScreen(c *gin.Context) {
	s, ok := api.session(c)
	if !ok {
		return
	}
	if err := s.StopScreenShare(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewSession(s))
}

// listMessages serves the live transcript, or the journal once the session
// has left the registry.
func (api *API) listMessages(c *gin.Context) {
	id := domain.SessionID(c.Param("id"))
	if s, ok := api.Calls.Get(id); ok {
		c.JSON(http.StatusOK, gin.H{"messages": s.Messages()})
		return
	}
	if api.Transcripts == nil {
		writeError(c, fmt.Errorf("session %s: %w", id, core.ErrUnknownSession))
		return
	}
	msgs, err := api.Transcripts.Messages(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (api *API) sendMessage(c *gin.Context) {
	s, ok := api.session(c)
	if !ok {
		return
	}
	var req struct {
		Body string `json:"body"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_payload"})
		return
	}
	if !api.Limiter.Allow(string(s.ID())) {
		writeError(c, fmt.Errorf("send message: %w", errRateLimited))
		return
	}
	msg, err := s.SendMessage(req.Body)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}
