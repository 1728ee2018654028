package orch

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/Calls/internal/core"
	"github.com/dkeye/Calls/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// ToggleMute flips the microphone of the active call and returns the new
// state.
func (o *Orchestrator) ToggleMute(ctx context.Context) (bool, error) {
	var muted bool
	err := o.do(ctx, func() error {
		if o.call == nil {
			return domain.ErrNoCall
		}
		muted = !o.Devices.Muted()
		o.Devices.SetMuted(muted)
		o.publish()
		return nil
	})
	return muted, err
}

// ToggleCamera flips the camera of the active call and returns whether it
// is now off.
func (o *Orchestrator) ToggleCamera(ctx context.Context) (bool, error) {
	var off bool
	err := o.do(ctx, func() error {
		if o.call == nil {
			return domain.ErrNoCall
		}
		off = !o.Devices.CameraOff()
		o.Devices.SetCameraOff(off)
		o.publish()
		return nil
	})
	return off, err
}

// mediaJob is a media action captured on the loop and run outside it.
type mediaJob struct {
	ctx  context.Context
	gen  uint64
	step string
	// vad re-attaches the local level tap once the job is done.
	vad bool
}

func newJob(c *call, step string) mediaJob {
	return mediaJob{ctx: c.ctx, gen: c.gen, step: step}
}

// settle runs fn outside the loop, bounded by RenegotiateTimeout and the
// call, and waits until the loop has applied the result.
func (o *Orchestrator) settle(j mediaJob, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(j.ctx, o.RenegotiateTimeout)
	defer cancel()
	err := fn(ctx)

	ev := mediaChanged{gen: j.gen, step: j.step, vad: j.vad, err: err, done: make(chan struct{})}
	if o.post(ev) {
		select {
		case <-ev.done:
		case <-o.done:
		}
	}
	return err
}

func (o *Orchestrator) onMediaChanged(e mediaChanged) {
	defer close(e.done)
	if !o.live(e.gen) {
		log.Debug().Str("module", "orch").Uint64("gen", e.gen).Str("step", e.step).Msg("stale media change")
		return
	}
	if e.err != nil && !errors.Is(e.err, domain.ErrNoScreenShare) {
		log.Warn().Err(e.err).Str("module", "orch").Str("step", e.step).Msg("media change failed")
		o.notifyError(e.err)
	}
	if e.vad {
		o.attachLocalVAD(o.call)
	}
	o.publish()
}

// StartScreenShare replaces the outgoing camera with the display. A failed
// handoff keeps the call in its prior media state.
func (o *Orchestrator) StartScreenShare(ctx context.Context) error {
	var (
		j         mediaJob
		withVideo bool
	)
	err := o.do(ctx, func() error {
		c := o.call
		if c == nil || c.status != domain.CallConnected {
			return domain.ErrNoCall
		}
		j, withVideo = newJob(c, "start screen share"), c.media.HasVideo()
		return nil
	})
	if err != nil {
		return err
	}
	return o.settle(j, func(ctx context.Context) error {
		return o.Peers.StartScreenShare(ctx, o.Self, withVideo)
	})
}

func (o *Orchestrator) StopScreenShare(ctx context.Context) error {
	var j mediaJob
	err := o.do(ctx, func() error {
		if o.call == nil {
			return domain.ErrNoCall
		}
		j = newJob(o.call, "stop screen share")
		return nil
	})
	if err != nil {
		return err
	}
	return o.settle(j, o.Peers.StopScreenShare)
}

// ChangeDevice selects the device of kind. During a call the matching
// input is re-acquired and replaced on every link.
func (o *Orchestrator) ChangeDevice(ctx context.Context, kind core.DeviceKind, id string) error {
	var (
		j     mediaJob
		codec webrtc.RTPCodecType
		live  bool
	)
	err := o.do(ctx, func() error {
		c := o.call
		if c == nil || kind == core.AudioOutput {
			return o.Devices.Select(kind, id)
		}
		if o.Devices.Sharing() {
			return domain.ErrScreenSharing
		}
		switch kind {
		case core.AudioInput:
			codec = webrtc.RTPCodecTypeAudio
		case core.VideoInput:
			codec = webrtc.RTPCodecTypeVideo
		default:
			return fmt.Errorf("%w: kind %q", core.ErrUnknownDevice, kind)
		}
		j, live = newJob(c, "change device"), true
		j.vad = kind == core.AudioInput
		return nil
	})
	if err != nil || !live {
		return err
	}
	return o.settle(j, func(ctx context.Context) error {
		var (
			track core.LocalTrack
			err   error
		)
		if kind == core.AudioInput {
			track, err = o.Devices.SwitchAudioInput(ctx, id)
		} else {
			track, err = o.Devices.SwitchVideoInput(ctx, id)
		}
		if err != nil || track == nil {
			return err
		}
		if err := o.Peers.ReplaceTrack(ctx, codec, track); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrRenegotiate, err)
		}
		log.Info().Str("module", "orch").Str("kind", string(kind)).Str("device", id).Msg("device changed")
		return nil
	})
}

// attachLocalVAD feeds the current microphone to the detector for the rest
// of the call, replacing any previous tap.
func (o *Orchestrator) attachLocalVAD(c *call) {
	if o.VAD == nil || o.Tap == nil {
		return
	}
	mic := o.Devices.Microphone()
	if mic == nil {
		return
	}
	if c.tapCancel != nil {
		c.tapCancel()
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.tapCancel = cancel
	o.VAD.AttachLocal(ctx, o.Self.PeerID, o.Tap, mic, o.FFTSize)
}
