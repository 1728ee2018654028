package media

import (
	"context"
	"fmt"

	"github.com/dkeye/Calls/internal/config"
	"github.com/dkeye/Calls/internal/core"
	"github.com/dkeye/Calls/internal/domain"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/rs/zerolog/log"
)

// Source captures local devices through pion/mediadevices. Drivers are
// registered by the binary with side-effect imports.
type Source struct {
	selector *mediadevices.CodecSelector
	cfg      config.Media
}

func NewSource(selector *mediadevices.CodecSelector, cfg config.Media) *Source {
	return &Source{selector: selector, cfg: cfg}
}

func (s *Source) Enumerate() []core.DeviceInfo {
	devices := mediadevices.EnumerateDevices()
	out := make([]core.DeviceInfo, 0, len(devices))
	for _, d := range devices {
		var kind core.DeviceKind
		switch d.Kind {
		case mediadevices.AudioInput:
			kind = core.AudioInput
		case mediadevices.VideoInput:
			kind = core.VideoInput
		case mediadevices.AudioOutput:
			kind = core.AudioOutput
		default:
			continue
		}
		out = append(out, core.DeviceInfo{ID: d.DeviceID, Kind: kind, Label: d.Label})
	}
	log.Debug().Str("module", "media").Int("devices", len(out)).Msg("enumerated devices")
	return out
}

func (s *Source) Acquire(ctx context.Context, c core.Constraints) (*core.LocalStream, error) {
	constraints := mediadevices.MediaStreamConstraints{Codec: s.selector}
	if c.Audio {
		constraints.Audio = func(mc *mediadevices.MediaTrackConstraints) {
			if c.AudioDeviceID != "" {
				mc.DeviceID = c.AudioDeviceID
			}
		}
	}
	if c.Video {
		width, height := c.Width, c.Height
		if width == 0 {
			width, height = s.cfg.CameraWidth, s.cfg.CameraHeight
		}
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			if c.VideoDeviceID != "" {
				mc.DeviceID = c.VideoDeviceID
			}
			// MJPEG nodes on some cameras emit frames the encoder rejects.
			mc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			mc.Width = prop.IntRanged{Max: width}
			mc.Height = prop.IntRanged{Max: height}
			if c.FrameRate > 0 {
				mc.FrameRate = prop.Float(c.FrameRate)
			}
		}
	}
	if constraints.Audio == nil && constraints.Video == nil {
		return nil, fmt.Errorf("%w: nothing requested", domain.ErrMediaAcquire)
	}

	stream, err := capture(ctx, func() (mediadevices.MediaStream, error) {
		return mediadevices.GetUserMedia(constraints)
	})
	if err != nil {
		return nil, err
	}
	return wrapStream(stream), nil
}

func (s *Source) AcquireDisplay(ctx context.Context, c core.DisplayConstraints) (*core.LocalStream, error) {
	constraints := mediadevices.MediaStreamConstraints{
		Codec: s.selector,
		Video: func(mc *mediadevices.MediaTrackConstraints) {
			if c.Width > 0 {
				mc.Width = prop.IntRanged{Max: c.Width}
				mc.Height = prop.IntRanged{Max: c.Height}
			}
			if c.FrameRate > 0 {
				mc.FrameRate = prop.Float(c.FrameRate)
			}
		},
	}
	display, err := capture(ctx, func() (mediadevices.MediaStream, error) {
		return mediadevices.GetDisplayMedia(constraints)
	})
	if err != nil {
		return nil, err
	}
	out := wrapStream(display)
	if out.Audio != nil {
		out.Audio.Stop()
		out.Audio = nil
	}

	if c.SystemAudio && s.cfg.SystemAudioDevice != "" {
		sys, err := capture(ctx, func() (mediadevices.MediaStream, error) {
			return mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
				Codec: s.selector,
				Audio: func(mc *mediadevices.MediaTrackConstraints) {
					mc.DeviceID = s.cfg.SystemAudioDevice
				},
			})
		})
		if err != nil {
			log.Warn().Err(err).Str("module", "media").Str("device", s.cfg.SystemAudioDevice).Msg("system audio unavailable")
		} else {
			out.Audio = wrapStream(sys).Audio
		}
	}
	return out, nil
}

// capture runs a blocking device request and gives up when ctx ends. A
// stream that arrives after that is closed.
func capture(ctx context.Context, fn func() (mediadevices.MediaStream, error)) (mediadevices.MediaStream, error) {
	type result struct {
		stream mediadevices.MediaStream
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		stream, err := fn()
		ch <- result{stream: stream, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrMediaAcquire, r.err)
		}
		return r.stream, nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.err == nil {
				for _, t := range r.stream.GetTracks() {
					_ = t.Close()
				}
			}
		}()
		return nil, ctx.Err()
	}
}

func wrapStream(stream mediadevices.MediaStream) *core.LocalStream {
	out := &core.LocalStream{}
	for _, t := range stream.GetAudioTracks() {
		if out.Audio == nil {
			out.Audio = newCaptureTrack(t)
			continue
		}
		_ = t.Close()
	}
	for _, t := range stream.GetVideoTracks() {
		if out.Video == nil {
			out.Video = newCaptureTrack(t)
			continue
		}
		_ = t.Close()
	}
	return out
}
