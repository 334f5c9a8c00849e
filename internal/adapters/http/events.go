package http

import (
	"context"
	"io"

	"github.com/dkeye/Teleconsult/internal/app/call"
	"github.com/dkeye/Teleconsult/internal/app/waiting"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

func callPayload(ev call.Event) any {
	switch e := ev.(type) {
	case call.RemoteStreamAvailable:
		return gin.H{"track_id": e.Track.ID, "stream_id": e.Track.StreamID, "kind": e.Track.Kind}
	case call.LocalPreviewReady:
		return gin.H{"track_ids": e.TrackIDs}
	case call.MessageReceived:
		return e.Message
	case call.ConnectionStateChanged:
		return gin.H{"state": e.State}
	case call.ScreenShareStarted:
		return gin.H{"track_id": e.TrackID}
	case call.StateChanged:
		return gin.H{"from": e.From, "to": e.To}
	case call.Failed:
		reason := ""
		if e.Reason != nil {
			reason = e.Reason.Error()
		}
		return gin.H{"reason": reason}
	}
	return gin.H{}
}

func roomPayload(ev waiting.Event) any {
	switch e := ev.(type) {
	case waiting.DevicesReady:
		return gin.H{"track_ids": e.TrackIDs}
	case waiting.DeviceError:
		return gin.H{"reason": e.Reason.Error()}
	case waiting.CounterpartStatusChanged:
		return gin.H{"status": e.Status}
	}
	return gin.H{}
}

// stream writes events as SSE until the source closes, the client goes
// away or the server shuts down.
func stream[E interface{ Name() string }](ctx context.Context, c *gin.Context, ch <-chan E, payload func(E) any) {
	c.Stream(func(io.Writer) bool {
		select {
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(ev.Name(), payload(ev))
			return true
		case <-c.Request.Context().Done():
			return false
		case <-ctx.Done():
			return false
		}
	})
}

func (api *API) sessionEvents(ctx context.Context) gin.HandlerFunc {
	return func(c *gin.Context) {
		s, ok := api.session(c)
		if !ok {
			return
		}
		ch, cancel := s.Subscribe()
		defer cancel()
		log.Debug().Str("module", "adapters.http").Str("sid", string(s.ID())).Msg("session event stream")
		stream(ctx, c, ch, callPayload)
	}
}

func (api *API) roomEvents(ctx context.Context) gin.HandlerFunc {
	return func(c *gin.Context) {
		r, ok := api.room(c)
		if !ok {
			return
		}
		ch, cancel := r.Subscribe()
		defer cancel()
		stream(ctx, c, ch, roomPayload)
	}
}
