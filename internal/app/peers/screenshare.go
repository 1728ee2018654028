package peers

import (
	"context"
	"errors"

	"github.com/dkeye/Calls/internal/core"
	"github.com/dkeye/Calls/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var (
	standardShare = core.DisplayConstraints{Width: 1280, Height: 720, FrameRate: 30, SystemAudio: true}
	hdShare       = core.DisplayConstraints{Width: 1920, Height: 1080, FrameRate: 60, SystemAudio: true}
)

type shareState struct {
	withVideo bool
	mixed     bool
}

// ShareQuality returns the capture constraints user is entitled to.
func (m *Manager) ShareQuality(user domain.User) core.DisplayConstraints {
	if m.Caps != nil && m.Caps.Has(user, core.CapScreenShareHD) {
		return hdShare
	}
	return standardShare
}

// StartScreenShare sends the display instead of the camera on every link,
// and the microphone mixed with system audio when there is any. withVideo
// tells whether the call itself carries video.
func (m *Manager) StartScreenShare(ctx context.Context, user domain.User, withVideo bool) error {
	if m.Caps != nil && !m.Caps.Has(user, core.CapScreenShare) {
		return domain.ErrNotPermitted
	}
	m.shareMu.Lock()
	defer m.shareMu.Unlock()
	if m.share != nil {
		return domain.ErrScreenSharing
	}

	quality := m.ShareQuality(user)
	logger := log.With().Str("module", "peers.share").Int("width", quality.Width).Int("fps", quality.FrameRate).Logger()

	display, err := m.Media.StartScreen(ctx, quality)
	if err != nil {
		return err
	}

	var mixed core.LocalTrack
	if mic := m.Media.Microphone(); display.Audio != nil && mic != nil && m.Mixer != nil {
		mixed, err = m.Mixer.Mix(mic, display.Audio)
		if err != nil {
			logger.Warn().Err(err).Msg("audio mix failed, sending raw microphone")
			mixed = nil
		} else {
			m.Media.SetMixed(mixed)
		}
	}

	state := &shareState{withVideo: withVideo, mixed: mixed != nil}
	m.share = state
	display.Video.OnEnded(func(err error) {
		m.shareMu.Lock()
		active := m.share == state
		m.shareMu.Unlock()
		if active {
			m.emit(Event{Type: ShareEnded, Err: err})
		}
	})

	err = m.ReplaceTrack(ctx, webrtc.RTPCodecTypeVideo, display.Video)
	if err == nil && mixed != nil {
		err = m.ReplaceTrack(ctx, webrtc.RTPCodecTypeAudio, mixed)
	}
	if err != nil {
		logger.Error().Err(err).Msg("screen share handoff failed, restoring")
		if rerr := m.stopShareLocked(ctx); rerr != nil {
			logger.Error().Err(rerr).Msg("restore after failed handoff")
		}
		return err
	}
	m.sharing.Store(true)
	logger.Info().Bool("mixed_audio", mixed != nil).Msg("screen share started")
	return nil
}

// StopScreenShare puts the camera and the raw microphone back on every link.
func (m *Manager) StopScreenShare(ctx context.Context) error {
	m.shareMu.Lock()
	defer m.shareMu.Unlock()
	if m.share == nil {
		return domain.ErrNoScreenShare
	}
	return m.stopShareLocked(ctx)
}

// Sharing reports a screen share whose handoff completed. It does not wait
// for a handoff in progress.
func (m *Manager) Sharing() bool {
	return m.sharing.Load()
}

func (m *Manager) stopShareLocked(ctx context.Context) error {
	state := m.share
	m.share = nil
	m.sharing.Store(false)

	camera, mic, err := m.Media.EndScreen(ctx, state.withVideo)
	var errs []error
	if err != nil {
		errs = append(errs, err)
	}

	// A nil camera stops the video sender on voice calls.
	var video webrtc.TrackLocal
	if camera != nil {
		video = camera
	}
	if err := m.ReplaceTrack(ctx, webrtc.RTPCodecTypeVideo, video); err != nil {
		errs = append(errs, err)
	}
	if state.mixed && mic != nil {
		if err := m.ReplaceTrack(ctx, webrtc.RTPCodecTypeAudio, mic); err != nil {
			errs = append(errs, err)
		}
	}
	log.Info().Str("module", "peers.share").Bool("camera", camera != nil).Msg("screen share stopped")
	return errors.Join(errs...)
}
