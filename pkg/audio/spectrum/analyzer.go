// Package spectrum implements a frequency-magnitude analyzer over live PCM
// audio, satisfying [audio.Analyzer].
//
// The analyzer keeps a sliding window of the most recent samples and computes
// a short-time DFT over it on demand: the window is shaped with a Hann
// function, each bin magnitude is converted to a decibel scale, mapped onto
// 0–255, and smoothed against the previous read with an exponential factor so
// a single noisy frame cannot flip the voice activity classification.
//
// Reads are pull-based: the voice activity detector calls Magnitudes once per
// polling tick, so DFT cost is bounded by the tick rate, not the capture rate.
package spectrum

import (
	"math"
	"sync"

	"github.com/clinivox/clinivox/pkg/audio"
)

const (
	// minDecibels and maxDecibels bound the magnitude-to-byte mapping.
	// Values follow the common analyser convention of a -100..-30 dB range.
	minDecibels = -100.0
	maxDecibels = -30.0
)

// Config holds the analysis parameters.
type Config struct {
	// WindowSize is the number of samples per analysis window. Must be a
	// power of two. Magnitudes reports WindowSize/2 bins.
	WindowSize int

	// Smoothing is the temporal smoothing factor k in
	// smoothed = k*previous + (1-k)*current. Range [0, 1); 0 disables
	// smoothing. Typical: 0.8.
	Smoothing float64
}

// Analyzer is the default [audio.Analyzer] implementation.
//
// Analyzer is safe for concurrent use: the capture pump pushes PCM from one
// goroutine while the detector loop reads magnitudes from another.
type Analyzer struct {
	cfg  Config
	hann []float64

	mu       sync.Mutex
	window   []int16   // ring of the most recent WindowSize samples
	pos      int       // next write index into window
	filled   int       // number of valid samples in window
	smoothed []float64 // per-bin smoothed magnitudes, 0–255 scale
}

var _ audio.Analyzer = (*Analyzer)(nil)

// New creates an Analyzer. WindowSize values that are not a power of two are
// rounded up to the next power of two; zero or negative values default to 256.
func New(cfg Config) *Analyzer {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 256
	}
	cfg.WindowSize = nextPow2(cfg.WindowSize)
	if cfg.Smoothing < 0 || cfg.Smoothing >= 1 {
		cfg.Smoothing = 0.8
	}

	hann := make([]float64, cfg.WindowSize)
	for i := range hann {
		hann[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(cfg.WindowSize-1)))
	}

	return &Analyzer{
		cfg:      cfg,
		hann:     hann,
		window:   make([]int16, cfg.WindowSize),
		smoothed: make([]float64, cfg.WindowSize/2),
	}
}

// Bins returns the number of frequency bins reported by Magnitudes.
func (a *Analyzer) Bins() int { return a.cfg.WindowSize / 2 }

// Push implements [audio.Analyzer]. Odd trailing bytes are ignored.
func (a *Analyzer) Push(pcm []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := len(pcm) / 2
	for i := 0; i < n; i++ {
		a.window[a.pos] = int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		a.pos = (a.pos + 1) % len(a.window)
	}
	a.filled += n
	if a.filled > len(a.window) {
		a.filled = len(a.window)
	}
}

// Magnitudes implements [audio.Analyzer]. It computes the DFT over the
// current window, applies dB scaling and temporal smoothing, and writes the
// byte-scaled result into dst.
func (a *Analyzer) Magnitudes(dst []byte) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	bins := len(a.smoothed)
	if bins > len(dst) {
		bins = len(dst)
	}

	// No audio yet: report silence.
	if a.filled == 0 {
		for i := 0; i < bins; i++ {
			dst[i] = 0
		}
		return bins
	}

	shaped := a.shapedWindow()
	k := a.cfg.Smoothing
	norm := float64(len(a.window)) * 32768.0 / 2.0 // Hann coherent gain is 0.5

	for bin := 0; bin < bins; bin++ {
		re, im := goertzel(shaped, bin)
		mag := math.Hypot(re, im) / norm

		db := minDecibels
		if mag > 0 {
			db = 20 * math.Log10(mag)
		}
		scaled := 255 * (db - minDecibels) / (maxDecibels - minDecibels)
		scaled = math.Max(0, math.Min(255, scaled))

		a.smoothed[bin] = k*a.smoothed[bin] + (1-k)*scaled
		dst[bin] = byte(a.smoothed[bin])
	}
	return bins
}

// Reset implements [audio.Analyzer].
func (a *Analyzer) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.window {
		a.window[i] = 0
	}
	for i := range a.smoothed {
		a.smoothed[i] = 0
	}
	a.pos = 0
	a.filled = 0
}

// shapedWindow returns the ring contents in chronological order with the
// Hann window applied. Must be called with a.mu held.
func (a *Analyzer) shapedWindow() []float64 {
	n := len(a.window)
	out := make([]float64, n)
	start := a.pos // oldest sample when the ring is full
	if a.filled < n {
		start = 0
	}
	for i := 0; i < n; i++ {
		out[i] = float64(a.window[(start+i)%n]) * a.hann[i]
	}
	return out
}

// goertzel evaluates the DFT at a single bin using the Goertzel recurrence,
// avoiding a full FFT for the modest bin counts used here.
func goertzel(samples []float64, bin int) (re, im float64) {
	n := len(samples)
	w := 2 * math.Pi * float64(bin) / float64(n)
	cw, sw := math.Cos(w), math.Sin(w)
	coeff := 2 * cw

	var s0, s1, s2 float64
	for _, x := range samples {
		s0 = x + coeff*s1 - s2
		s2 = s1
		s1 = s0
	}
	re = s1*cw - s2
	im = s1 * sw
	return re, im
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
