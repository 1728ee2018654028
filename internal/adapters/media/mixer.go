package media

import (
	"errors"
	"io"
	"math"
	"sync"

	"github.com/dkeye/Calls/internal/core"
	"github.com/google/uuid"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/wave"
	"github.com/rs/zerolog/log"
)

var ErrNotMixable = errors.New("track cannot be mixed")

// maxPending bounds buffered system audio, in samples, when the microphone
// falls behind.
const maxPending = 48000 * 2

// Mixer sums the microphone with system audio into a new encoded track.
type Mixer struct {
	selector *mediadevices.CodecSelector
}

func NewMixer(selector *mediadevices.CodecSelector) *Mixer {
	return &Mixer{selector: selector}
}

func (m *Mixer) Mix(mic, system core.LocalTrack) (core.LocalTrack, error) {
	micTrack, ok := asAudio(mic)
	if !ok {
		return nil, ErrNotMixable
	}
	sysTrack, ok := asAudio(system)
	if !ok {
		return nil, ErrNotMixable
	}
	src := newMixSource(micTrack.NewReader(false), sysTrack.NewReader(false))
	t := newCaptureTrack(mediadevices.NewAudioTrack(src, m.selector))
	log.Info().Str("module", "media").Str("track", t.ID()).Msg("mixed audio track created")
	return t, nil
}

func asAudio(t core.LocalTrack) (*mediadevices.AudioTrack, bool) {
	ct, ok := t.(*captureTrack)
	if !ok {
		return nil, false
	}
	return ct.audioTrack()
}

// mixSource is paced by the microphone. System audio is drained in the
// background and added to each microphone chunk as it becomes available.
type mixSource struct {
	id  string
	mic audio.Reader

	mu      sync.Mutex
	pending []int16
	closed  bool
}

func newMixSource(mic, system audio.Reader) *mixSource {
	s := &mixSource{id: "mix-" + uuid.NewString(), mic: mic}
	go s.drain(system)
	return s
}

func (s *mixSource) ID() string { return s.id }

func (s *mixSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.pending = nil
	s.mu.Unlock()
	return nil
}

func (s *mixSource) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *mixSource) drain(system audio.Reader) {
	for !s.isClosed() {
		chunk, release, err := system.Read()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug().Err(err).Str("module", "media").Msg("system audio stopped")
			}
			return
		}
		if pcm, ok := chunk.(*wave.Int16Interleaved); ok {
			s.mu.Lock()
			s.pending = append(s.pending, pcm.Data...)
			if over := len(s.pending) - maxPending; over > 0 {
				s.pending = s.pending[over:]
			}
			s.mu.Unlock()
		}
		if release != nil {
			release()
		}
	}
}

func (s *mixSource) Read() (wave.Audio, func(), error) {
	if s.isClosed() {
		return nil, func() {}, io.EOF
	}
	chunk, release, err := s.mic.Read()
	if err != nil {
		return nil, func() {}, err
	}
	if release != nil {
		defer release()
	}
	pcm, ok := chunk.(*wave.Int16Interleaved)
	if !ok {
		return nil, func() {}, ErrNotMixable
	}

	out := wave.NewInt16Interleaved(pcm.Size)
	s.mu.Lock()
	n := min(len(s.pending), len(pcm.Data))
	mixInt16(out.Data, pcm.Data, s.pending[:n])
	s.pending = s.pending[n:]
	s.mu.Unlock()
	return out, func() {}, nil
}

// mixInt16 writes mic+sys into dst with saturation. sys may be shorter than
// mic; missing samples count as silence.
func mixInt16(dst, mic, sys []int16) {
	for i, v := range mic {
		sum := int32(v)
		if i < len(sys) {
			sum += int32(sys[i])
		}
		switch {
		case sum > math.MaxInt16:
			sum = math.MaxInt16
		case sum < math.MinInt16:
			sum = math.MinInt16
		}
		dst[i] = int16(sum)
	}
}
