package core

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
)

var ErrUnknownDevice = errors.New("unknown device")

type DeviceKind string

const (
	AudioInput  DeviceKind = "audioinput"
	VideoInput  DeviceKind = "videoinput"
	AudioOutput DeviceKind = "audiooutput"
)

type DeviceInfo struct {
	ID    string     `json:"deviceId"`
	Kind  DeviceKind `json:"kind"`
	Label string     `json:"label"`
}

// Constraints selects what to capture and from which devices.
type Constraints struct {
	Audio         bool
	Video         bool
	AudioDeviceID string
	VideoDeviceID string
	Width         int
	Height        int
	FrameRate     int
}

type DisplayConstraints struct {
	Width       int
	Height      int
	FrameRate   int
	SystemAudio bool
}

// LocalTrack is a captured track that can be attached to a link.
type LocalTrack interface {
	webrtc.TrackLocal
	// SetEnabled gates media flow without releasing the device.
	SetEnabled(enabled bool)
	Enabled() bool
	OnEnded(func(error))
	// Stop releases the capture. Safe to call more than once.
	Stop()
}

// LocalStream groups the tracks returned by one acquisition. Either may be nil.
type LocalStream struct {
	Audio LocalTrack
	Video LocalTrack
}

func (s *LocalStream) Tracks() []LocalTrack {
	if s == nil {
		return nil
	}
	out := make([]LocalTrack, 0, 2)
	if s.Audio != nil {
		out = append(out, s.Audio)
	}
	if s.Video != nil {
		out = append(out, s.Video)
	}
	return out
}

func (s *LocalStream) Stop() {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}

// MediaSource enumerates and captures local devices.
type MediaSource interface {
	Enumerate() []DeviceInfo
	Acquire(ctx context.Context, c Constraints) (*LocalStream, error)
	// AcquireDisplay captures the screen and, when requested and available,
	// system audio.
	AcquireDisplay(ctx context.Context, c DisplayConstraints) (*LocalStream, error)
}

// AudioMixer combines the microphone with system audio into one track.
type AudioMixer interface {
	Mix(mic, system LocalTrack) (LocalTrack, error)
}

// PCMTap streams decoded samples of a local audio track until ctx ends.
type PCMTap interface {
	Tap(ctx context.Context, track LocalTrack, sink func(samples []float32)) error
}
