package media

import (
	"sync"
	"sync/atomic"

	"github.com/pion/mediadevices"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// captureTrack is a device track whose outgoing RTP can be gated without
// releasing the device. Audio packets carry the level of the track.
type captureTrack struct {
	mediadevices.Track

	enabled atomic.Bool
	stop    sync.Once
	meter   *levelMeter

	mu       sync.Mutex
	bindings map[webrtc.TrackLocalContext]*gatedContext
}

func newCaptureTrack(t mediadevices.Track) *captureTrack {
	ct := &captureTrack{
		Track:    t,
		bindings: make(map[webrtc.TrackLocalContext]*gatedContext),
	}
	ct.enabled.Store(true)
	if at, ok := t.(*mediadevices.AudioTrack); ok {
		ct.meter = newLevelMeter()
		go ct.meter.run(t.ID(), at.NewReader(false))
	}
	return ct
}

func (t *captureTrack) SetEnabled(enabled bool) {
	if t.enabled.Swap(enabled) != enabled {
		log.Debug().Str("module", "media").Str("track", t.ID()).Bool("enabled", enabled).Msg("track gate")
	}
}

func (t *captureTrack) Enabled() bool { return t.enabled.Load() }

func (t *captureTrack) Stop() {
	t.stop.Do(func() {
		if err := t.Track.Close(); err != nil {
			log.Warn().Err(err).Str("module", "media").Str("track", t.ID()).Msg("track close")
		}
	})
}

func (t *captureTrack) Bind(ctx webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	g := &gatedContext{TrackLocalContext: ctx, track: t}
	t.mu.Lock()
	t.bindings[ctx] = g
	t.mu.Unlock()
	params, err := t.Track.Bind(g)
	if err != nil {
		t.mu.Lock()
		delete(t.bindings, ctx)
		t.mu.Unlock()
	}
	return params, err
}

func (t *captureTrack) Unbind(ctx webrtc.TrackLocalContext) error {
	t.mu.Lock()
	g, ok := t.bindings[ctx]
	delete(t.bindings, ctx)
	t.mu.Unlock()
	if !ok {
		return t.Track.Unbind(ctx)
	}
	return t.Track.Unbind(g)
}

// audioTrack returns the underlying decoded audio track when there is one.
func (t *captureTrack) audioTrack() (*mediadevices.AudioTrack, bool) {
	at, ok := t.Track.(*mediadevices.AudioTrack)
	return at, ok
}

type gatedContext struct {
	webrtc.TrackLocalContext
	track *captureTrack
}

func (g *gatedContext) WriteStream() webrtc.TrackLocalWriter {
	w := &gatedWriter{w: g.TrackLocalContext.WriteStream(), open: g.track.Enabled}
	if g.track.meter != nil {
		w.meter = g.track.meter
		w.levelID = audioLevelID(g.HeaderExtensions())
	}
	return w
}

// gatedWriter swallows packets while closed so the encoder keeps running.
// With a meter and a negotiated extension id it stamps the audio level.
type gatedWriter struct {
	w    webrtc.TrackLocalWriter
	open func() bool

	meter   *levelMeter
	levelID uint8
}

func (g *gatedWriter) WriteRTP(header *rtp.Header, payload []byte) (int, error) {
	if !g.open() {
		return len(payload), nil
	}
	if g.meter != nil && g.levelID != 0 {
		header = g.stamp(header)
	}
	return g.w.WriteRTP(header, payload)
}

// stamp returns a copy of header carrying the current level. The packetizer
// owns header, so it is not modified.
func (g *gatedWriter) stamp(header *rtp.Header) *rtp.Header {
	ext, err := g.meter.extension()
	if err != nil {
		return header
	}
	h := header.Clone()
	if err := h.SetExtension(g.levelID, ext); err != nil {
		log.Debug().Err(err).Str("module", "media").Msg("audio level extension")
		return header
	}
	return &h
}

func (g *gatedWriter) Write(b []byte) (int, error) {
	if !g.open() {
		return len(b), nil
	}
	return g.w.Write(b)
}
