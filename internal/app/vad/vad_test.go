package vad

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Calls/internal/core"
	"github.com/dkeye/Calls/internal/domain"
	"github.com/stretchr/testify/require"
)

type fixedLevel struct {
	mu sync.Mutex
	v  float64
}

func (f *fixedLevel) set(v float64) {
	f.mu.Lock()
	f.v = v
	f.mu.Unlock()
}

func (f *fixedLevel) Level() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.v
}

func whiteNoise(seed int64, n int, amp float64) []float32 {
	rng := rand.New(rand.NewSource(seed))
	out := make([]float32, n)
	for i := range out {
		out[i] = float32((rng.Float64() - 0.5) * amp)
	}
	return out
}

func TestPCMAnalyserThreshold(t *testing.T) {
	loud := NewPCMAnalyser(256)
	loud.Write(whiteNoise(7, 256, 1))
	require.Greater(t, loud.Level(), 0.05)

	quiet := NewPCMAnalyser(256)
	quiet.Write(whiteNoise(8, 256, 1e-4))
	require.Less(t, quiet.Level(), 0.05)

	require.Zero(t, NewPCMAnalyser(256).Level(), "no samples yet")
}

func TestPCMAnalyserKeepsLatestWindow(t *testing.T) {
	a := NewPCMAnalyser(200)
	require.Equal(t, 256, a.size)

	a.Write(whiteNoise(9, 256, 1))
	require.Greater(t, a.Level(), 0.05)

	a.Write(make([]float32, 256))
	require.Zero(t, a.Level())
}

func TestSampleEmitsChangesOnly(t *testing.T) {
	d := NewDetector(clock.NewMock(), 100*time.Millisecond, 0.05)
	alice, bob := &fixedLevel{}, &fixedLevel{}
	d.Attach("alice", alice)
	d.Attach("bob", bob)

	require.Equal(t, map[domain.PeerID]bool{}, d.Sample())

	alice.set(0.3)
	require.Equal(t, map[domain.PeerID]bool{"alice": true}, d.Sample())
	require.Empty(t, d.Sample())

	alice.set(0.01)
	bob.set(0.06)
	require.Equal(t, map[domain.PeerID]bool{"alice": false, "bob": true}, d.Sample())
}

func TestExternalSourceSuppresses(t *testing.T) {
	d := NewDetector(clock.NewMock(), 100*time.Millisecond, 0.05)
	var emitted []map[domain.PeerID]bool
	d.OnChange(func(m map[domain.PeerID]bool) { emitted = append(emitted, m) })

	alice := &fixedLevel{v: 0.5}
	d.Attach("alice", alice)
	require.Equal(t, map[domain.PeerID]bool{"alice": true}, d.Sample())

	d.SetExternalSource(true)
	require.Nil(t, d.Sample())
	require.Empty(t, emitted, "clearing does not emit")

	d.SetExternalSource(false)
	require.Equal(t, map[domain.PeerID]bool{"alice": true}, d.Sample())
}

func TestDetachReportsSilence(t *testing.T) {
	d := NewDetector(clock.NewMock(), 100*time.Millisecond, 0.05)
	var emitted []map[domain.PeerID]bool
	d.OnChange(func(m map[domain.PeerID]bool) { emitted = append(emitted, m) })

	old, fresh := &fixedLevel{v: 0.5}, &fixedLevel{}
	d.Attach("bob", old)
	d.Sample()

	d.Attach("bob", fresh)
	d.Detach("bob", old)
	require.Empty(t, emitted, "a replaced source detaches nothing")

	d.Detach("bob", fresh)
	require.Equal(t, []map[domain.PeerID]bool{{"bob": false}}, emitted)
}

func TestStartTicks(t *testing.T) {
	clk := clock.NewMock()
	d := NewDetector(clk, 100*time.Millisecond, 0.05)
	changes := make(chan map[domain.PeerID]bool, 4)
	d.OnChange(func(m map[domain.PeerID]bool) { changes <- m })

	level := &fixedLevel{v: 0.2}
	d.Attach("alice", level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	clk.Add(100 * time.Millisecond)
	select {
	case m := <-changes:
		require.Equal(t, map[domain.PeerID]bool{"alice": true}, m)
	case <-time.After(time.Second):
		t.Fatal("no change emitted")
	}
}

type sliceTap struct {
	samples []float32
}

func (s sliceTap) Tap(ctx context.Context, _ core.LocalTrack, sink func([]float32)) error {
	sink(s.samples)
	<-ctx.Done()
	return ctx.Err()
}

func TestAttachLocal(t *testing.T) {
	d := NewDetector(clock.NewMock(), 100*time.Millisecond, 0.05)
	ctx, cancel := context.WithCancel(context.Background())
	d.AttachLocal(ctx, "me", sliceTap{samples: whiteNoise(10, 256, 0.8)}, nil, 256)
	require.Eventually(t, func() bool { return d.Sample()["me"] }, time.Second, 5*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		_, ok := d.sources["me"]
		return !ok
	}, time.Second, 5*time.Millisecond)
}
