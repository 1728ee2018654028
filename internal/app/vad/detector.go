package vad

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Calls/internal/core"
	"github.com/dkeye/Calls/internal/domain"
	"github.com/rs/zerolog/log"
)

// Detector samples every attached level source on a fixed interval and
// reports who started or stopped speaking.
type Detector struct {
	clock     clock.Clock
	interval  time.Duration
	threshold float64

	mu       sync.Mutex
	sources  map[domain.PeerID]core.LevelSource
	speaking map[domain.PeerID]bool
	external bool
	onChange func(map[domain.PeerID]bool)
}

func NewDetector(clk clock.Clock, interval time.Duration, threshold float64) *Detector {
	return &Detector{
		clock:     clk,
		interval:  interval,
		threshold: threshold,
		sources:   make(map[domain.PeerID]core.LevelSource),
		speaking:  make(map[domain.PeerID]bool),
	}
}

// OnChange sets the consumer of speaking changes. Only entries that changed
// since the previous sample are passed.
func (d *Detector) OnChange(fn func(map[domain.PeerID]bool)) {
	d.mu.Lock()
	d.onChange = fn
	d.mu.Unlock()
}

func (d *Detector) Attach(peer domain.PeerID, src core.LevelSource) {
	d.mu.Lock()
	d.sources[peer] = src
	d.mu.Unlock()
}

// Detach removes src if it is still the source of peer. A peer that was
// speaking is reported silent.
func (d *Detector) Detach(peer domain.PeerID, src core.LevelSource) {
	d.mu.Lock()
	if cur, ok := d.sources[peer]; !ok || cur != src {
		d.mu.Unlock()
		return
	}
	delete(d.sources, peer)
	was := d.speaking[peer]
	delete(d.speaking, peer)
	fn := d.onChange
	d.mu.Unlock()

	if was && fn != nil {
		fn(map[domain.PeerID]bool{peer: false})
	}
}

// SetExternalSource hands speaking detection to an outside source, such as
// SFU speaker events, while active. State is cleared without emitting.
func (d *Detector) SetExternalSource(active bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.external == active {
		return
	}
	d.external = active
	if active {
		d.speaking = make(map[domain.PeerID]bool)
	}
	log.Debug().Str("module", "vad").Bool("external", active).Msg("external speaker source")
}

// Sample evaluates every source once and returns the changed entries.
func (d *Detector) Sample() map[domain.PeerID]bool {
	d.mu.Lock()
	if d.external {
		d.mu.Unlock()
		return nil
	}
	sources := make(map[domain.PeerID]core.LevelSource, len(d.sources))
	for p, s := range d.sources {
		sources[p] = s
	}
	d.mu.Unlock()

	levels := make(map[domain.PeerID]bool, len(sources))
	for p, s := range sources {
		levels[p] = s.Level() > d.threshold
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.external {
		return nil
	}
	changed := make(map[domain.PeerID]bool)
	for p, now := range levels {
		if _, ok := d.sources[p]; !ok {
			continue
		}
		if d.speaking[p] != now {
			d.speaking[p] = now
			changed[p] = now
		}
	}
	return changed
}

// Start samples on every tick until ctx ends.
func (d *Detector) Start(ctx context.Context) {
	ticker := d.clock.Ticker(d.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				changed := d.Sample()
				if len(changed) == 0 {
					continue
				}
				d.mu.Lock()
				fn := d.onChange
				d.mu.Unlock()
				if fn != nil {
					fn(changed)
				}
			}
		}
	}()
}

// AttachLocal analyses track through tap under id until ctx ends.
func (d *Detector) AttachLocal(ctx context.Context, id domain.PeerID, tap core.PCMTap, track core.LocalTrack, size int) {
	a := NewPCMAnalyser(size)
	d.Attach(id, a)
	go func() {
		defer d.Detach(id, a)
		if err := tap.Tap(ctx, track, a.Write); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Str("module", "vad").Str("peer", string(id)).Msg("local tap stopped")
		}
	}()
}
