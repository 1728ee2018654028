package media

import (
	"math"
	"sync/atomic"

	"github.com/dkeye/Calls/internal/core"
	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const (
	// silentLevel is digital silence in -dBov.
	silentLevel = 127
	// voiceLevel is the quietest level flagged as voice.
	voiceLevel = 50
)

// levelMeter keeps the RFC 6464 level of the latest chunk of a local audio
// track, for stamping on outgoing packets.
type levelMeter struct {
	level atomic.Uint32
}

func newLevelMeter() *levelMeter {
	m := &levelMeter{}
	m.level.Store(silentLevel)
	return m
}

// run measures every chunk of r until it fails.
func (m *levelMeter) run(id string, r audio.Reader) {
	for {
		chunk, release, err := r.Read()
		if err != nil {
			log.Debug().Err(err).Str("module", "media.level").Str("track", id).Msg("level meter stopped")
			m.level.Store(silentLevel)
			return
		}
		if samples := monoFloat(chunk); len(samples) > 0 {
			m.update(samples)
		}
		if release != nil {
			release()
		}
	}
}

func (m *levelMeter) update(samples []float32) {
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	m.level.Store(uint32(dBov(math.Sqrt(sum / float64(len(samples))))))
}

func (m *levelMeter) Level() uint8 {
	return uint8(m.level.Load())
}

func (m *levelMeter) extension() ([]byte, error) {
	l := m.Level()
	return rtp.AudioLevelExtension{Level: l, Voice: l <= voiceLevel}.Marshal()
}

// dBov converts an RMS amplitude in [0, 1] to -dBov, clamped to 0..127.
func dBov(rms float64) uint8 {
	if rms <= 0 || math.IsNaN(rms) {
		return silentLevel
	}
	d := math.Round(-20 * math.Log10(rms))
	switch {
	case d < 0:
		return 0
	case d > silentLevel:
		return silentLevel
	}
	return uint8(d)
}

func audioLevelID(exts []webrtc.RTPHeaderExtensionParameter) uint8 {
	for _, ext := range exts {
		if ext.URI == core.AudioLevelURI {
			return uint8(ext.ID)
		}
	}
	return 0
}
