package http

import (
	"fmt"
	"net/http"

	"github.com/dkeye/Calls/internal/app/orch"
	"github.com/dkeye/Calls/internal/app/soundboard"
	"github.com/dkeye/Calls/internal/app/voice"
	"github.com/dkeye/Calls/internal/app/volume"
	"github.com/dkeye/Calls/internal/core"
	"github.com/dkeye/Calls/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// API is the local control surface used by the UI process.
type API struct {
	Orch    *orch.Orchestrator
	Voice   *voice.Presence
	Board   *soundboard.Board
	Volumes *volume.Map
	Limiter *CallRateLimiter
}

type CallRequest struct {
	UserID      string           `json:"userId"`
	DisplayName string           `json:"displayName"`
	Media       domain.MediaKind `json:"media"`
}

type RoomInviteRequest struct {
	UserID string          `json:"userId"`
	Room   domain.RoomName `json:"room"`
}

type DeviceRequest struct {
	Kind core.DeviceKind `json:"kind"`
	ID   string          `json:"deviceId"`
}

type JoinRequest struct {
	Room domain.RoomName `json:"room"`
}

// FlagsRequest changes only the flags that are present.
type FlagsRequest struct {
	Muted         *bool `json:"isMuted"`
	Deafened      *bool `json:"isDeafened"`
	VideoOn       *bool `json:"isVideoOn"`
	ScreenSharing *bool `json:"isScreenSharing"`
}

type ClipRequest struct {
	Name string `json:"name"`
	Src  string `json:"src"`
}

type VolumeRequest struct {
	Gain float64 `json:"gain"`
}

func (a *API) register(r *gin.RouterGroup) {
	r.GET("/state", a.handleState)
	r.POST("/call", a.handleCall)
	r.POST("/accept", a.handleAccept)
	r.POST("/reject", a.handleReject)
	r.POST("/hangup", a.handleHangup)
	r.POST("/mute", a.handleMute)
	r.POST("/camera", a.handleCamera)
	r.POST("/screen/start", a.handleScreenStart)
	r.POST("/screen/stop", a.handleScreenStop)

	r.GET("/devices", a.handleDevices)
	r.POST("/devices", a.handleSelectDevice)

	r.POST("/rooms/invite", a.handleRoomInvite)
	r.POST("/voice/join", a.handleJoin)
	r.POST("/voice/leave", a.handleLeave)
	r.GET("/voice/roster", a.handleRoster)
	r.POST("/voice/flags", a.handleFlags)

	r.GET("/soundboard", a.handleClips)
	r.POST("/soundboard", a.handleAddClip)
	r.DELETE("/soundboard/:id", a.handleRemoveClip)
	r.POST("/soundboard/:id/play", a.handlePlayClip)

	r.GET("/volumes", a.handleVolumes)
	r.PUT("/volumes/:user", a.handleSetVolume)
}

func (a *API) handleState(c *gin.Context) {
	c.JSON(http.StatusOK, a.Orch.State())
}

func (a *API) handleCall(c *gin.Context) {
	var req CallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid call request")
		return
	}
	callee := domain.User{ID: domain.UserID(req.UserID), DisplayName: req.DisplayName}
	if callee.ID != "" && !a.Limiter.Allow(callee.ID) {
		abort(c, fmt.Errorf("%w: %s", ErrRateLimited, callee.ID))
		return
	}
	if err := a.Orch.Call(c.Request.Context(), callee, req.Media); err != nil {
		abort(c, err)
		return
	}
	log.Info().Str("module", "adapters.http").Str("callee", req.UserID).Str("media", string(req.Media)).Msg("call requested")
	c.JSON(http.StatusAccepted, a.Orch.State())
}

func (a *API) handleAccept(c *gin.Context) {
	if err := a.Orch.Accept(c.Request.Context()); err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusAccepted, a.Orch.State())
}

func (a *API) handleReject(c *gin.Context) {
	if err := a.Orch.Reject(c.Request.Context()); err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, a.Orch.State())
}

func (a *API) handleHangup(c *gin.Context) {
	if err := a.Orch.Hangup(c.Request.Context()); err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, a.Orch.State())
}

func (a *API) handleMute(c *gin.Context) {
	muted, err := a.Orch.ToggleMute(c.Request.Context())
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"muted": muted})
}

func (a *API) handleCamera(c *gin.Context) {
	off, err := a.Orch.ToggleCamera(c.Request.Context())
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cameraOff": off})
}

func (a *API) handleScreenStart(c *gin.Context) {
	if err := a.Orch.StartScreenShare(c.Request.Context()); err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, a.Orch.State())
}

func (a *API) handleScreenStop(c *gin.Context) {
	if err := a.Orch.StopScreenShare(c.Request.Context()); err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, a.Orch.State())
}

func (a *API) handleDevices(c *gin.Context) {
	dev := a.Orch.Devices
	c.JSON(http.StatusOK, gin.H{
		"devices":  dev.Devices(),
		"selected": dev.Snapshot().Selected,
	})
}

func (a *API) handleSelectDevice(c *gin.Context) {
	var req DeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Kind == "" {
		badRequest(c, "invalid device request")
		return
	}
	if err := a.Orch.ChangeDevice(c.Request.Context(), req.Kind, req.ID); err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, a.Orch.Devices.Snapshot())
}

func (a *API) handleRoomInvite(c *gin.Context) {
	var req RoomInviteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid invite request")
		return
	}
	id, err := a.Orch.InviteToRoom(c.Request.Context(), domain.UserID(req.UserID), req.Room)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (a *API) handleJoin(c *gin.Context) {
	var req JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid join request")
		return
	}
	room, err := a.Voice.Join(c.Request.Context(), req.Room)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, room)
}

func (a *API) handleLeave(c *gin.Context) {
	if err := a.Voice.Leave(c.Request.Context()); err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) handleRoster(c *gin.Context) {
	entries, err := a.Voice.Roster()
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": a.Voice.Room().Name, "roster": entries})
}

func (a *API) handleFlags(c *gin.Context) {
	var req FlagsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid flags request")
		return
	}
	ctx := c.Request.Context()
	steps := []struct {
		v   *bool
		set func(bool) error
	}{
		{req.Muted, func(v bool) error { return a.Voice.SetMuted(ctx, v) }},
		{req.Deafened, func(v bool) error { return a.Voice.SetDeafened(ctx, v) }},
		{req.VideoOn, func(v bool) error { return a.Voice.SetVideo(ctx, v) }},
		{req.ScreenSharing, func(v bool) error { return a.Voice.SetScreenSharing(ctx, v) }},
	}
	for _, s := range steps {
		if s.v == nil {
			continue
		}
		if err := s.set(*s.v); err != nil {
			abort(c, err)
			return
		}
	}
	c.Status(http.StatusNoContent)
}

func (a *API) handleClips(c *gin.Context) {
	c.JSON(http.StatusOK, a.Board.List())
}

func (a *API) handleAddClip(c *gin.Context) {
	var req ClipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid clip")
		return
	}
	clip, err := a.Board.Add(req.Name, req.Src)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, clip)
}

func (a *API) handleRemoveClip(c *gin.Context) {
	if err := a.Board.Remove(c.Param("id")); err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) handlePlayClip(c *gin.Context) {
	sent, err := a.Board.Play(c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sent": sent})
}

func (a *API) handleVolumes(c *gin.Context) {
	c.JSON(http.StatusOK, a.Volumes.All())
}

func (a *API) handleSetVolume(c *gin.Context) {
	var req VolumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid volume")
		return
	}
	gain, err := a.Volumes.Set(domain.UserID(c.Param("user")), req.Gain)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": c.Param("user"), "gain": gain})
}
