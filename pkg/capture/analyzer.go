package capture

import (
	"math"
	"sync"
)

// DefaultBuckets is the number of spectrum buckets an Analyzer produces when
// not configured otherwise.
const DefaultBuckets = 32

// Analyzer computes a coarse magnitude spectrum of the most recent frame for
// visualisation. It trades precision for predictability: a fixed number of
// output buckets, log-spaced across the audible band, each normalised to
// [0, 1].
type Analyzer struct {
	buckets    int
	sampleRate int

	mu       sync.Mutex
	spectrum []float64
	window   []float64
}

// NewAnalyzer creates an Analyzer producing the given number of spectrum
// buckets for audio at sampleRate.
func NewAnalyzer(buckets, sampleRate int) *Analyzer {
	if buckets <= 0 {
		buckets = DefaultBuckets
	}
	return &Analyzer{
		buckets:    buckets,
		sampleRate: sampleRate,
		spectrum:   make([]float64, buckets),
	}
}

// Analyze updates the spectrum from one frame of samples.
func (a *Analyzer) Analyze(samples []int16) {
	if len(samples) == 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	n := len(samples)
	if len(a.window) != n {
		a.window = hannWindow(n)
	}

	// Windowed real input.
	x := make([]float64, n)
	for i, s := range samples {
		x[i] = float64(s) / 32768.0 * a.window[i]
	}

	// One DFT bin per bucket, log-spaced from 80 Hz to Nyquist. A full FFT
	// would compute bins nobody displays; at frame rates of a few Hz the
	// direct evaluation of ~32 bins is cheap enough.
	nyquist := float64(a.sampleRate) / 2
	lo, hi := 80.0, nyquist
	ratio := hi / lo

	// With a single bucket the log spacing degenerates; pin it to the
	// low end of the band instead of dividing by zero.
	span := float64(a.buckets - 1)
	if span < 1 {
		span = 1
	}

	for b := 0; b < a.buckets; b++ {
		freq := lo * math.Pow(ratio, float64(b)/span)
		k := freq / float64(a.sampleRate)

		var re, im float64
		for i := 0; i < n; i++ {
			phase := 2 * math.Pi * k * float64(i)
			re += x[i] * math.Cos(phase)
			im -= x[i] * math.Sin(phase)
		}
		mag := math.Sqrt(re*re+im*im) * 2 / float64(n)

		// Compress into [0, 1] with a gentle log curve.
		v := math.Log1p(mag*40) / math.Log1p(40)
		if v > 1 {
			v = 1
		}
		a.spectrum[b] = v
	}
}

// Snapshot returns a copy of the current spectrum buckets, each in [0, 1].
func (a *Analyzer) Snapshot() []float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]float64, len(a.spectrum))
	copy(out, a.spectrum)
	return out
}

// Reset zeroes the spectrum.
func (a *Analyzer) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.spectrum {
		a.spectrum[i] = 0
	}
}

func hannWindow(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n-1)))
	}
	return w
}
