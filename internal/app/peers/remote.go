package peers

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Calls/internal/core"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// levelTTL is how long an audio level reading stays valid without a new
// packet.
const levelTTL = 500 * time.Millisecond

// remoteLevel holds the latest audio level a remote sender reported.
type remoteLevel struct {
	clock clock.Clock

	mu  sync.Mutex
	amp float64
	at  time.Time
}

func newRemoteLevel(clk clock.Clock) *remoteLevel {
	return &remoteLevel{clock: clk}
}

// set records a level in -dBov, 0 being the loudest.
func (r *remoteLevel) set(dBov uint8) {
	amp := math.Pow(10, -float64(dBov)/20)
	r.mu.Lock()
	r.amp = amp
	r.at = r.clock.Now()
	r.mu.Unlock()
}

func (r *remoteLevel) Level() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.at.IsZero() || r.clock.Since(r.at) > levelTTL {
		return 0
	}
	return r.amp
}

func audioLevelID(receiver *webrtc.RTPReceiver) uint8 {
	if receiver == nil {
		return 0
	}
	for _, ext := range receiver.GetParameters().HeaderExtensions {
		if ext.URI == core.AudioLevelURI {
			return uint8(ext.ID)
		}
	}
	return 0
}

// onRemoteTrack taps remote audio for its level until the track ends.
func (m *Manager) onRemoteTrack(ctx context.Context, link *Link, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	if track.Kind() != webrtc.RTPCodecTypeAudio {
		return
	}
	logger := log.With().Str("module", "peers.remote").Str("peer", string(link.Peer)).Str("track_id", track.ID()).Logger()

	id := audioLevelID(receiver)
	level := newRemoteLevel(m.Clock)

	link.mu.Lock()
	if link.retired {
		link.mu.Unlock()
		return
	}
	link.levels = append(link.levels, level)
	link.mu.Unlock()
	if m.Levels != nil {
		m.Levels.Attach(link.Peer, level)
	}
	if id == 0 {
		logger.Warn().Msg("no audio level extension negotiated")
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			pkt, _, err := track.ReadRTP()
			if err != nil {
				logger.Debug().Err(err).Msg("remote audio ended")
				return
			}
			if id == 0 {
				continue
			}
			readLevel(pkt, id, level)
		}
	}()
}

func readLevel(pkt *rtp.Packet, id uint8, level *remoteLevel) {
	raw := pkt.GetExtension(id)
	if raw == nil {
		return
	}
	var ext rtp.AudioLevelExtension
	if err := ext.Unmarshal(raw); err != nil {
		return
	}
	level.set(ext.Level)
}
