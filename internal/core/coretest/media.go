// Package coretest provides in-process fakes of the core collaborator
// interfaces for package tests.
package coretest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dkeye/Calls/internal/core"
	"github.com/pion/webrtc/v4"
)

var ErrFake = errors.New("fake failure")

// Track is a LocalTrack backed by a static RTP track.
type Track struct {
	*webrtc.TrackLocalStaticRTP

	enabled atomic.Bool
	stopped atomic.Bool

	mu      sync.Mutex
	onEnded func(error)
}

func NewTrack(kind webrtc.RTPCodecType, id string) *Track {
	mime := webrtc.MimeTypeOpus
	if kind == webrtc.RTPCodecTypeVideo {
		mime = webrtc.MimeTypeVP8
	}
	st, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: mime}, id, "local")
	if err != nil {
		panic(err)
	}
	t := &Track{TrackLocalStaticRTP: st}
	t.enabled.Store(true)
	return t
}

func (t *Track) SetEnabled(enabled bool) { t.enabled.Store(enabled) }
func (t *Track) Enabled() bool           { return t.enabled.Load() }
func (t *Track) Stop()                   { t.stopped.Store(true) }
func (t *Track) Stopped() bool           { return t.stopped.Load() }

func (t *Track) OnEnded(fn func(error)) {
	t.mu.Lock()
	t.onEnded = fn
	t.mu.Unlock()
}

// End simulates the capture ending on its own, like a user closing a
// screen picker.
func (t *Track) End(err error) {
	t.mu.Lock()
	fn := t.onEnded
	t.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// Source is a MediaSource handing out fake tracks.
type Source struct {
	mu      sync.Mutex
	seq     int
	tracks  []*Track
	devices []core.DeviceInfo

	// Err fails every acquisition when set.
	Err error
	// Gate, when set, holds camera/mic acquisitions until it is closed or
	// the request context ends.
	Gate chan struct{}
	// SystemAudio makes display captures include a system audio track.
	SystemAudio bool

	Requests        []core.Constraints
	DisplayRequests []core.DisplayConstraints
}

func NewSource(devices ...core.DeviceInfo) *Source {
	return &Source{devices: devices}
}

func (s *Source) Enumerate() []core.DeviceInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.DeviceInfo(nil), s.devices...)
}

func (s *Source) newTrack(kind webrtc.RTPCodecType, prefix string) *Track {
	s.seq++
	t := NewTrack(kind, fmt.Sprintf("%s-%d", prefix, s.seq))
	s.tracks = append(s.tracks, t)
	return t
}

func (s *Source) Acquire(ctx context.Context, c core.Constraints) (*core.LocalStream, error) {
	s.mu.Lock()
	gate, err := s.Gate, s.Err
	s.Requests = append(s.Requests, c)
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := &core.LocalStream{}
	if c.Audio {
		out.Audio = s.newTrack(webrtc.RTPCodecTypeAudio, "mic")
	}
	if c.Video {
		out.Video = s.newTrack(webrtc.RTPCodecTypeVideo, "cam")
	}
	return out, nil
}

func (s *Source) AcquireDisplay(_ context.Context, c core.DisplayConstraints) (*core.LocalStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.DisplayRequests = append(s.DisplayRequests, c)
	if s.Err != nil {
		return nil, s.Err
	}
	out := &core.LocalStream{Video: s.newTrack(webrtc.RTPCodecTypeVideo, "screen")}
	if c.SystemAudio && s.SystemAudio {
		out.Audio = s.newTrack(webrtc.RTPCodecTypeAudio, "system")
	}
	return out, nil
}

// Tracks returns every track handed out so far.
func (s *Source) Tracks() []*Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Track(nil), s.tracks...)
}

// Live returns the handed out tracks that were not stopped.
func (s *Source) Live() []*Track {
	var out []*Track
	for _, t := range s.Tracks() {
		if !t.Stopped() {
			out = append(out, t)
		}
	}
	return out
}

func (s *Source) SetErr(err error) {
	s.mu.Lock()
	s.Err = err
	s.mu.Unlock()
}

// Mixer is an AudioMixer returning a fresh fake track per call.
type Mixer struct {
	mu    sync.Mutex
	Err   error
	Calls int
	Mixed []*Track
}

func (m *Mixer) Mix(mic, system core.LocalTrack) (core.LocalTrack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	if m.Err != nil {
		return nil, m.Err
	}
	t := NewTrack(webrtc.RTPCodecTypeAudio, fmt.Sprintf("mixed-%d", m.Calls))
	m.Mixed = append(m.Mixed, t)
	return t, nil
}
