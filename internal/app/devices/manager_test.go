package devices

import (
	"context"
	"testing"

	"github.com/dkeye/Calls/internal/core"
	"github.com/dkeye/Calls/internal/core/coretest"
	"github.com/dkeye/Calls/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T) (*Manager, *coretest.Source) {
	t.Helper()
	src := coretest.NewSource(
		core.DeviceInfo{ID: "mic-usb", Kind: core.AudioInput, Label: "USB mic"},
		core.DeviceInfo{ID: "cam-2", Kind: core.VideoInput, Label: "Second camera"},
	)
	return NewManager(src), src
}

func TestAcquireUsesSelection(t *testing.T) {
	m, src := newManager(t)
	require.ErrorIs(t, m.Select(core.AudioInput, "nope"), core.ErrUnknownDevice)
	require.NoError(t, m.Select(core.AudioInput, "mic-usb"))

	stream, err := m.Acquire(context.Background(), domain.MediaVideo)
	require.NoError(t, err)
	require.NotNil(t, stream.Audio)
	require.NotNil(t, stream.Video)
	require.Equal(t, "mic-usb", src.Requests[0].AudioDeviceID)

	// Acquire alone does not adopt the stream.
	require.False(t, m.Snapshot().HasAudio)
	m.Discard(stream)
	require.Empty(t, src.Live())
}

func TestMuteAppliesToActiveTracks(t *testing.T) {
	m, _ := newManager(t)
	m.SetMuted(true)

	stream, err := m.Acquire(context.Background(), domain.MediaVideo)
	require.NoError(t, err)
	m.Use(stream)
	require.False(t, stream.Audio.Enabled(), "mute set before the call carries over")

	m.SetMuted(false)
	m.SetCameraOff(true)
	require.True(t, stream.Audio.Enabled())
	require.False(t, stream.Video.Enabled())

	st := m.Snapshot()
	require.True(t, st.CameraOff)
	require.True(t, st.HasVideo)
}

func TestReleaseStopsEverything(t *testing.T) {
	m, src := newManager(t)
	ctx := context.Background()

	stream, err := m.Acquire(ctx, domain.MediaVideo)
	require.NoError(t, err)
	m.Use(stream)
	src.SystemAudio = true
	_, err = m.StartScreen(ctx, core.DisplayConstraints{SystemAudio: true})
	require.NoError(t, err)
	m.SetMixed(coretest.NewTrack(webrtc.RTPCodecTypeAudio, "mixed"))
	m.SetMuted(true)

	m.Release()
	m.Release()

	require.Empty(t, src.Live())
	st := m.Snapshot()
	require.False(t, st.Muted)
	require.False(t, st.ScreenSharing)
	require.Empty(t, m.Outgoing())
}

func TestScreenShareRestoresCamera(t *testing.T) {
	m, src := newManager(t)
	ctx := context.Background()

	stream, err := m.Acquire(ctx, domain.MediaVideo)
	require.NoError(t, err)
	m.Use(stream)
	camera := stream.Video

	display, err := m.StartScreen(ctx, core.DisplayConstraints{})
	require.NoError(t, err)
	_, err = m.StartScreen(ctx, core.DisplayConstraints{})
	require.ErrorIs(t, err, domain.ErrScreenSharing)

	out := m.Outgoing()
	require.Len(t, out, 2)
	require.Equal(t, display.Video, out[1])

	cam, mic, err := m.EndScreen(ctx, true)
	require.NoError(t, err)
	require.Equal(t, camera, cam)
	require.Equal(t, stream.Audio, mic)
	require.True(t, display.Video.(*coretest.Track).Stopped())
	require.False(t, camera.(*coretest.Track).Stopped())
	require.Len(t, src.Requests, 1, "saved camera is reused")

	_, _, err = m.EndScreen(ctx, true)
	require.ErrorIs(t, err, domain.ErrNoScreenShare)
}

func TestScreenShareReacquiresCamera(t *testing.T) {
	m, src := newManager(t)
	ctx := context.Background()

	stream, err := m.Acquire(ctx, domain.MediaAudio)
	require.NoError(t, err)
	m.Use(stream)

	_, err = m.StartScreen(ctx, core.DisplayConstraints{})
	require.NoError(t, err)

	cam, _, err := m.EndScreen(ctx, true)
	require.NoError(t, err)
	require.NotNil(t, cam)
	require.True(t, src.Requests[len(src.Requests)-1].Video)
	require.True(t, m.Snapshot().HasVideo)
}

func TestScreenShareVoiceCallRestoresNoCamera(t *testing.T) {
	m, src := newManager(t)
	ctx := context.Background()

	stream, err := m.Acquire(ctx, domain.MediaAudio)
	require.NoError(t, err)
	m.Use(stream)

	_, err = m.StartScreen(ctx, core.DisplayConstraints{})
	require.NoError(t, err)
	cam, mic, err := m.EndScreen(ctx, false)
	require.NoError(t, err)
	require.Nil(t, cam)
	require.Equal(t, stream.Audio, mic)
	require.Len(t, src.Requests, 1)
	require.Len(t, m.Outgoing(), 1)
}

func TestSwitchAudioInputKeepsMute(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	stream, err := m.Acquire(ctx, domain.MediaAudio)
	require.NoError(t, err)
	m.Use(stream)
	old := stream.Audio
	m.SetMuted(true)

	track, err := m.SwitchAudioInput(ctx, "mic-usb")
	require.NoError(t, err)
	require.NotEqual(t, old, track)
	require.False(t, track.Enabled())
	require.True(t, old.(*coretest.Track).Stopped())
	require.Equal(t, track, m.Microphone())
	require.Equal(t, "mic-usb", m.Selected(core.AudioInput))

	_, err = m.SwitchAudioInput(ctx, "missing")
	require.ErrorIs(t, err, core.ErrUnknownDevice)
}
