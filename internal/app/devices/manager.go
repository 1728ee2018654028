package devices

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/Calls/internal/core"
	"github.com/dkeye/Calls/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// State is a read-only view of the local media.
type State struct {
	Muted         bool                       `json:"muted"`
	CameraOff     bool                       `json:"cameraOff"`
	HasAudio      bool                       `json:"hasAudio"`
	HasVideo      bool                       `json:"hasVideo"`
	ScreenSharing bool                       `json:"screenSharing"`
	Selected      map[core.DeviceKind]string `json:"selected"`
}

// Manager owns every local track. Tracks are stopped only here.
type Manager struct {
	src core.MediaSource

	mu        sync.Mutex
	stream    *core.LocalStream
	muted     bool
	cameraOff bool
	selected  map[core.DeviceKind]string

	display     *core.LocalStream
	mixed       core.LocalTrack
	savedCamera core.LocalTrack
	sharing     bool
}

func NewManager(src core.MediaSource) *Manager {
	return &Manager{
		src:      src,
		selected: make(map[core.DeviceKind]string),
	}
}

func (m *Manager) Devices() []core.DeviceInfo {
	return m.src.Enumerate()
}

// Select records the preferred device of a kind. An empty id restores the
// system default.
func (m *Manager) Select(kind core.DeviceKind, id string) error {
	if id != "" && !m.known(kind, id) {
		return fmt.Errorf("%w: %s %q", core.ErrUnknownDevice, kind, id)
	}
	m.mu.Lock()
	if id == "" {
		delete(m.selected, kind)
	} else {
		m.selected[kind] = id
	}
	m.mu.Unlock()
	log.Info().Str("module", "devices").Str("kind", string(kind)).Str("device", id).Msg("device selected")
	return nil
}

func (m *Manager) known(kind core.DeviceKind, id string) bool {
	for _, d := range m.src.Enumerate() {
		if d.Kind == kind && d.ID == id {
			return true
		}
	}
	return false
}

func (m *Manager) Selected(kind core.DeviceKind) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selected[kind]
}

// Acquire captures a stream for media without adopting it. The caller hands
// it back through Use or Discard.
func (m *Manager) Acquire(ctx context.Context, media domain.MediaKind) (*core.LocalStream, error) {
	m.mu.Lock()
	c := core.Constraints{
		Audio:         true,
		Video:         media.HasVideo(),
		AudioDeviceID: m.selected[core.AudioInput],
		VideoDeviceID: m.selected[core.VideoInput],
	}
	m.mu.Unlock()

	stream, err := m.src.Acquire(ctx, c)
	if err != nil {
		return nil, err
	}
	log.Info().Str("module", "devices").Str("media", string(media)).Int("tracks", len(stream.Tracks())).Msg("media acquired")
	return stream, nil
}

// Use makes stream the active call stream, replacing any previous one.
func (m *Manager) Use(stream *core.LocalStream) {
	m.mu.Lock()
	old := m.stream
	m.stream = stream
	if stream.Audio != nil {
		stream.Audio.SetEnabled(!m.muted)
	}
	if stream.Video != nil {
		stream.Video.SetEnabled(!m.cameraOff)
	}
	m.mu.Unlock()
	if old != nil && old != stream {
		old.Stop()
	}
}

// Discard stops a stream that was acquired but never used.
func (m *Manager) Discard(stream *core.LocalStream) {
	if stream == nil {
		return
	}
	stream.Stop()
	log.Debug().Str("module", "devices").Msg("stale media released")
}

// Release stops every track and resets the toggles. Safe to call repeatedly.
func (m *Manager) Release() {
	m.mu.Lock()
	stream, display, mixed, saved := m.stream, m.display, m.mixed, m.savedCamera
	m.stream, m.display, m.mixed, m.savedCamera = nil, nil, nil, nil
	m.sharing = false
	m.muted = false
	m.cameraOff = false
	m.mu.Unlock()

	stream.Stop()
	display.Stop()
	if mixed != nil {
		mixed.Stop()
	}
	if saved != nil {
		saved.Stop()
	}
	if stream != nil || display != nil {
		log.Info().Str("module", "devices").Msg("media released")
	}
}

func (m *Manager) SetMuted(muted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.muted = muted
	if m.stream != nil && m.stream.Audio != nil {
		m.stream.Audio.SetEnabled(!muted)
	}
	if m.mixed != nil {
		m.mixed.SetEnabled(!muted)
	}
}

func (m *Manager) SetCameraOff(off bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cameraOff = off
	if m.stream != nil && m.stream.Video != nil {
		m.stream.Video.SetEnabled(!off)
	}
	if m.savedCamera != nil {
		m.savedCamera.SetEnabled(!off)
	}
}

func (m *Manager) Muted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.muted
}

func (m *Manager) CameraOff() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cameraOff
}

func (m *Manager) Sharing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sharing
}

func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	sel := make(map[core.DeviceKind]string, len(m.selected))
	for k, v := range m.selected {
		sel[k] = v
	}
	return State{
		Muted:         m.muted,
		CameraOff:     m.cameraOff,
		HasAudio:      m.stream != nil && m.stream.Audio != nil,
		HasVideo:      m.stream != nil && m.stream.Video != nil,
		ScreenSharing: m.sharing,
		Selected:      sel,
	}
}

// Microphone returns the raw microphone track of the active stream.
func (m *Manager) Microphone() core.LocalTrack {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stream == nil {
		return nil
	}
	return m.stream.Audio
}

// Outgoing returns the tracks a new link should carry: the mixed audio and
// the display while sharing, the call stream otherwise.
func (m *Manager) Outgoing() []webrtc.TrackLocal {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []webrtc.TrackLocal
	switch {
	case m.mixed != nil:
		out = append(out, m.mixed)
	case m.stream != nil && m.stream.Audio != nil:
		out = append(out, m.stream.Audio)
	}
	switch {
	case m.sharing && m.display != nil && m.display.Video != nil:
		out = append(out, m.display.Video)
	case m.stream != nil && m.stream.Video != nil:
		out = append(out, m.stream.Video)
	}
	return out
}

// SwitchAudioInput re-acquires the microphone from device id, keeping the
// mute state, and returns the new track. The old one is stopped.
func (m *Manager) SwitchAudioInput(ctx context.Context, id string) (core.LocalTrack, error) {
	return m.switchInput(ctx, core.AudioInput, id)
}

// SwitchVideoInput re-acquires the camera from device id, keeping the
// camera-off state.
func (m *Manager) SwitchVideoInput(ctx context.Context, id string) (core.LocalTrack, error) {
	return m.switchInput(ctx, core.VideoInput, id)
}

func (m *Manager) switchInput(ctx context.Context, kind core.DeviceKind, id string) (core.LocalTrack, error) {
	if err := m.Select(kind, id); err != nil {
		return nil, err
	}
	m.mu.Lock()
	if m.sharing {
		m.mu.Unlock()
		return nil, domain.ErrScreenSharing
	}
	if m.stream == nil {
		m.mu.Unlock()
		return nil, nil
	}
	video := kind == core.VideoInput
	if video && m.stream.Video == nil {
		m.mu.Unlock()
		return nil, nil
	}
	m.mu.Unlock()

	fresh, err := m.src.Acquire(ctx, core.Constraints{
		Audio:         !video,
		Video:         video,
		AudioDeviceID: id,
		VideoDeviceID: id,
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stream == nil {
		fresh.Stop()
		return nil, domain.ErrCallEnded
	}
	var old, track core.LocalTrack
	if (video && fresh.Video == nil) || (!video && fresh.Audio == nil) {
		fresh.Stop()
		return nil, fmt.Errorf("%w: %s %q", domain.ErrMediaAcquire, kind, id)
	}
	if video {
		old, track = m.stream.Video, fresh.Video
		track.SetEnabled(!m.cameraOff)
		m.stream.Video = track
	} else {
		old, track = m.stream.Audio, fresh.Audio
		track.SetEnabled(!m.muted)
		m.stream.Audio = track
	}
	if old != nil {
		old.Stop()
	}
	log.Info().Str("module", "devices").Str("kind", string(kind)).Str("device", id).Msg("input switched")
	return track, nil
}

// StartScreen captures the display and parks the camera track until
// EndScreen.
func (m *Manager) StartScreen(ctx context.Context, c core.DisplayConstraints) (*core.LocalStream, error) {
	m.mu.Lock()
	if m.sharing {
		m.mu.Unlock()
		return nil, domain.ErrScreenSharing
	}
	m.mu.Unlock()

	display, err := m.src.AcquireDisplay(ctx, c)
	if err != nil {
		return nil, err
	}
	if display.Video == nil {
		display.Stop()
		return nil, fmt.Errorf("%w: no display video", domain.ErrMediaAcquire)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sharing {
		display.Stop()
		return nil, domain.ErrScreenSharing
	}
	m.display = display
	m.sharing = true
	if m.stream != nil && m.stream.Video != nil {
		m.savedCamera = m.stream.Video
		m.stream.Video = nil
	}
	log.Info().Str("module", "devices").Bool("system_audio", display.Audio != nil).Msg("screen capture started")
	return display, nil
}

// SetMixed records the track mixing the microphone with system audio.
func (m *Manager) SetMixed(t core.LocalTrack) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.SetEnabled(!m.muted)
	m.mixed = t
}

// EndScreen stops the display capture and returns the tracks to send again:
// the saved camera, or a fresh one when withVideo is set and none was saved,
// and the raw microphone.
func (m *Manager) EndScreen(ctx context.Context, withVideo bool) (camera, mic core.LocalTrack, err error) {
	m.mu.Lock()
	if !m.sharing {
		m.mu.Unlock()
		return nil, nil, domain.ErrNoScreenShare
	}
	display, mixed, saved := m.display, m.mixed, m.savedCamera
	m.display, m.mixed, m.savedCamera = nil, nil, nil
	m.sharing = false
	if m.stream != nil {
		mic = m.stream.Audio
		if saved != nil {
			saved.SetEnabled(!m.cameraOff)
			m.stream.Video = saved
		}
	}
	active := m.stream != nil
	m.mu.Unlock()

	display.Stop()
	if mixed != nil {
		mixed.Stop()
	}
	if !active && saved != nil {
		saved.Stop()
		saved = nil
	}
	log.Info().Str("module", "devices").Msg("screen capture ended")

	if saved != nil || !withVideo || !active {
		return saved, mic, nil
	}

	fresh, err := m.src.Acquire(ctx, core.Constraints{Video: true, VideoDeviceID: m.Selected(core.VideoInput)})
	if err != nil {
		return nil, mic, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stream == nil {
		fresh.Stop()
		return nil, mic, domain.ErrCallEnded
	}
	fresh.Video.SetEnabled(!m.cameraOff)
	m.stream.Video = fresh.Video
	return fresh.Video, mic, nil
}
