package http

import (
	"errors"
	"net/http"

	"github.com/dkeye/Calls/internal/core"
	"github.com/dkeye/Calls/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

var ErrRateLimited = errors.New("too many call attempts")

var statusOf = []struct {
	err    error
	status int
}{
	{domain.ErrInvalidMedia, http.StatusBadRequest},
	{domain.ErrSelfCall, http.StatusBadRequest},
	{domain.ErrUserIDEmpty, http.StatusBadRequest},
	{domain.ErrUserIDTooLong, http.StatusBadRequest},
	{domain.ErrRoomNameEmpty, http.StatusBadRequest},
	{domain.ErrRoomNameTooLong, http.StatusBadRequest},
	{domain.ErrClipEmpty, http.StatusBadRequest},
	{domain.ErrClipBadFormat, http.StatusBadRequest},
	{core.ErrUnknownDevice, http.StatusBadRequest},
	{domain.ErrNotPermitted, http.StatusForbidden},
	{domain.ErrClipNotFound, http.StatusNotFound},
	{domain.ErrNotIdle, http.StatusConflict},
	{domain.ErrNoCall, http.StatusConflict},
	{domain.ErrAlreadyAnswer, http.StatusConflict},
	{domain.ErrScreenSharing, http.StatusConflict},
	{domain.ErrNoScreenShare, http.StatusConflict},
	{domain.ErrNotInRoom, http.StatusConflict},
	{domain.ErrTooManyClips, http.StatusConflict},
	{domain.ErrClipTooLarge, http.StatusRequestEntityTooLarge},
	{ErrRateLimited, http.StatusTooManyRequests},
	{core.ErrSFUNotConfigured, http.StatusServiceUnavailable},
	{domain.ErrCallEnded, http.StatusServiceUnavailable},
}

// abort writes err with the status its sentinel maps to.
func abort(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	for _, s := range statusOf {
		if errors.Is(err, s.err) {
			status = s.status
			break
		}
	}
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("module", "adapters.http").Str("path", c.FullPath()).Msg("request failed")
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msg})
}
