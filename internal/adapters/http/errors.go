package http

import (
	"errors"
	"net/http"

	"github.com/dkeye/Teleconsult/internal/app/call"
	"github.com/dkeye/Teleconsult/internal/app/waiting"
	"github.com/dkeye/Teleconsult/internal/core"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

var (
	errUnknownRoom = errors.New("unknown room")
	errRateLimited = errors.New("rate limited")
)

func statusOf(err error) int {
	switch {
	case errors.Is(err, core.ErrUnknownSession), errors.Is(err, errUnknownRoom):
		return http.StatusNotFound
	case errors.Is(err, call.ErrEmptyMessage), errors.Is(err, call.ErrMessageTooLong):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, errRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, core.ErrInvalidState),
		errors.Is(err, waiting.ErrNotReady),
		errors.Is(err, waiting.ErrRoomExists),
		errors.Is(err, call.ErrSessionExists),
		errors.Is(err, core.ErrChannelUnavailable),
		errors.Is(err, core.ErrSessionEnded):
		return http.StatusConflict
	case errors.Is(err, core.ErrDeviceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, core.ErrSignalingFailure), errors.Is(err, core.ErrBackpressure):
		return http.StatusBadGateway
	case errors.Is(err, core.ErrNegotiationTimeout):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeError(c *gin.Context, err error) {
	code := statusOf(err)
	if code >= http.StatusInternalServerError {
		log.Error().Err(err).Str("module", "adapters.http").Str("path", c.FullPath()).Msg("request failed")
	}
	c.AbortWithStatusJSON(code, gin.H{"error": err.Error()})
}
