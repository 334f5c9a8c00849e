package http

import (
	"context"
	"net/http"

	"github.com/dkeye/Teleconsult/internal/app/call"
	"github.com/dkeye/Teleconsult/internal/app/waiting"
	"github.com/dkeye/Teleconsult/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const (
	cookieName     = "ct"
	sessionStore   = "TeleconsultSessions"
	keyClientToken = "client_token"
	keyDisplayName = "display_name"
)

// Transcripts reads persisted chat of sessions no longer live.
type Transcripts interface {
	Messages(ctx context.Context, sid domain.SessionID) ([]domain.ChatMessage, error)
}

type Options struct {
	Mode   string
	Secret string
	// Local is this endpoint's identity; a browser session may override the
	// display name.
	Local domain.Participant
}

// API holds what the handlers drive.
type API struct {
	Rooms       *waiting.Rooms
	Calls       *call.Manager
	Transcripts Transcripts
	Limiter     *RateLimiter
	Gatherer    prometheus.Gatherer

	local domain.Participant
}

func genClientToken() string {
	return uuid.NewString()
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie(cookieName)
		if token == "" {
			token = genClientToken()
			c.SetCookie(cookieName, token, 3600*24*7, "/", "", false, true)
		}
		c.Set(keyClientToken, token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, opts Options, api *API) *gin.Engine {
	if opts.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	api.local = opts.Local
	if api.Calls != nil && api.Limiter != nil {
		api.Calls.OnRemove(func(id domain.SessionID) { api.Limiter.Forget(string(id)) })
	}

	r := gin.New()
	if opts.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(opts.Secret))
	r.Use(sessions.Sessions(sessionStore, store))
	r.Use(ClientTokenMiddleware())

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	if api.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(api.Gatherer, promhttp.HandlerOpts{})))
	}

	g := r.Group("/api")
	g.GET("/me", api.getMe)
	g.PUT("/me", api.putMe)

	g.GET("/rooms", api.listRooms)
	g.POST("/rooms", api.createRoom)
	g.GET("/rooms/:id", api.getRoom)
	g.POST("/rooms/:id/video", api.toggleRoom(domain.TrackVideo))
	g.POST("/rooms/:id/audio", api.toggleRoom(domain.TrackAudio))
	g.POST("/rooms/:id/retry", api.retryRoom)
	g.POST("/rooms/:id/join", api.joinRoom)
	g.POST("/rooms/:id/leave", api.leaveRoom)

	g.GET("/sessions", api.listSessions)
	g.GET("/sessions/:id", api.getSession)
	g.DELETE("/sessions/:id", api.endSession)
	g.POST("/sessions/:id/video", api.toggleSession(domain.TrackVideo))
	g.POST("/sessions/:id/audio", api.toggleSession(domain.TrackAudio))
	g.POST("/sessions/:id/screen", api.shareScreen)
	g.DELETE("/sessions/:id/screen", api.stopScreen)
	g.GET("/sessions/:id/messages", api.listMessages)
	g.POST("/sessions/:id/messages", api.sendMessage)
	g.GET("/sessions/:id/events", api.sessionEvents(ctx))
	g.GET("/rooms/:id/events", api.roomEvents(ctx))

	log.Info().Str("module", "adapters.http").Str("mode", opts.Mode).Msg("router setup")
	return r
}

// participant is the local identity with the browser's display name, if set.
func (api *API) participant(c *gin.Context) domain.Participant {
	p := api.local
	if name, ok := sessions.Default(c).Get(keyDisplayName).(string); ok && name != "" {
		p.DisplayName = name
	}
	return p
}

func (api *API) getMe(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"client_token": c.GetString(keyClientToken),
		"participant":  api.participant(c),
	})
}

func (api *API) putMe(c *gin.Context) {
	var req struct {
		DisplayName string `json:"display_name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_payload"})
		return
	}
	p, err := domain.NewParticipant(api.local.ID, req.DisplayName)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s := sessions.Default(c)
	s.Set(keyDisplayName, p.DisplayName)
	if err := s.Save(); err != nil {
		writeError(c, err)
		return
	}
	log.Info().Str("module", "adapters.http").Str("client", c.GetString(keyClientToken)).Str("name", p.DisplayName).Msg("rename")
	c.JSON(http.StatusOK, gin.H{"participant": api.participant(c)})
}
