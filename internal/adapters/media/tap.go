package media

import (
	"context"

	"github.com/dkeye/Calls/internal/core"
	"github.com/pion/mediadevices/pkg/wave"
)

// Tapper decodes local microphone samples for level analysis.
type Tapper struct{}

func NewTapper() *Tapper { return &Tapper{} }

// Tap feeds the first channel of every chunk, scaled to [-1, 1], to sink
// until ctx ends or the track stops.
func (Tapper) Tap(ctx context.Context, track core.LocalTrack, sink func([]float32)) error {
	at, ok := asAudio(track)
	if !ok {
		return ErrNotMixable
	}
	r := at.NewReader(false)
	for ctx.Err() == nil {
		chunk, release, err := r.Read()
		if err != nil {
			return err
		}
		if samples := monoFloat(chunk); len(samples) > 0 {
			sink(samples)
		}
		if release != nil {
			release()
		}
	}
	return ctx.Err()
}

func monoFloat(chunk wave.Audio) []float32 {
	switch c := chunk.(type) {
	case *wave.Int16Interleaved:
		ch := max(c.Size.Channels, 1)
		out := make([]float32, 0, len(c.Data)/ch)
		for i := 0; i < len(c.Data); i += ch {
			out = append(out, float32(c.Data[i])/32768)
		}
		return out
	case *wave.Float32Interleaved:
		ch := max(c.Size.Channels, 1)
		out := make([]float32, 0, len(c.Data)/ch)
		for i := 0; i < len(c.Data); i += ch {
			out = append(out, c.Data[i])
		}
		return out
	}
	return nil
}
