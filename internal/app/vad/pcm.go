package vad

import (
	"math"
	"sync"
)

const (
	minDecibels = -100.0
	maxDecibels = -30.0
)

// PCMAnalyser turns a window of recent samples into a 0..1 energy using the
// byte frequency scale of a browser analyser node.
type PCMAnalyser struct {
	size int

	mu   sync.Mutex
	ring []float32
	pos  int
	full bool
}

// NewPCMAnalyser keeps the last size samples. size is rounded up to a power
// of two.
func NewPCMAnalyser(size int) *PCMAnalyser {
	n := 1
	for n < size {
		n <<= 1
	}
	return &PCMAnalyser{size: n, ring: make([]float32, n)}
}

// Write appends samples in [-1, 1].
func (a *PCMAnalyser) Write(samples []float32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range samples {
		a.ring[a.pos] = s
		a.pos++
		if a.pos == a.size {
			a.pos = 0
			a.full = true
		}
	}
}

func (a *PCMAnalyser) window() ([]float64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.full && a.pos == 0 {
		return nil, false
	}
	out := make([]float64, a.size)
	for i := range out {
		out[i] = float64(a.ring[(a.pos+i)%a.size])
	}
	return out, true
}

// Level averages the byte-scaled magnitude spectrum and normalizes it.
func (a *PCMAnalyser) Level() float64 {
	samples, ok := a.window()
	if !ok {
		return 0
	}
	n := len(samples)
	re := make([]float64, n)
	im := make([]float64, n)
	for i, s := range samples {
		w := 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n)))
		re[i] = s * w
	}
	fft(re, im)

	bins := n / 2
	var sum float64
	for k := 0; k < bins; k++ {
		mag := math.Hypot(re[k], im[k]) / float64(n)
		sum += byteScale(mag)
	}
	return sum / float64(bins) / 255
}

func byteScale(mag float64) float64 {
	if mag <= 0 {
		return 0
	}
	db := 20 * math.Log10(mag)
	v := 255 * (db - minDecibels) / (maxDecibels - minDecibels)
	return math.Max(0, math.Min(255, math.Floor(v)))
}

// fft is an in-place iterative radix-2 transform. len(re) must be a power of
// two.
func fft(re, im []float64) {
	n := len(re)
	for i, j := 1, 0; i < n; i++ {
		bit := n >> 1
		for ; j&bit != 0; bit >>= 1 {
			j ^= bit
		}
		j ^= bit
		if i < j {
			re[i], re[j] = re[j], re[i]
			im[i], im[j] = im[j], im[i]
		}
	}
	for length := 2; length <= n; length <<= 1 {
		ang := -2 * math.Pi / float64(length)
		wr, wi := math.Cos(ang), math.Sin(ang)
		for start := 0; start < n; start += length {
			cr, ci := 1.0, 0.0
			for k := 0; k < length/2; k++ {
				a, b := start+k, start+k+length/2
				tr := re[b]*cr - im[b]*ci
				ti := re[b]*ci + im[b]*cr
				re[b], im[b] = re[a]-tr, im[a]-ti
				re[a], im[a] = re[a]+tr, im[a]+ti
				cr, ci = cr*wr-ci*wi, cr*wi+ci*wr
			}
		}
	}
}
