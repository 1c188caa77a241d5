package energy

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"
	"time"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"

	"github.com/MrWong99/voiceloop/pkg/audio"
)

// AnalyzerConfig configures an [Analyzer].
type AnalyzerConfig struct {
	// SampleRate of the incoming mono PCM. Default: 16000.
	SampleRate int

	// WindowSize is the FFT length in samples, 512..2048. Default: 1024.
	WindowSize int

	// LowHz and HighHz bound the analysed voice band. Default: 85..3000.
	LowHz, HighHz float64

	// Gain is applied to samples before the transform. Default: 1.
	Gain float64

	// Smoothing is the exponential smoothing factor in [0, 1). Default: 0.7.
	Smoothing float64

	// MinDecibels and MaxDecibels map bin magnitudes onto 0..255.
	// Default: -100..-30.
	MinDecibels, MaxDecibels float64
}

func (c AnalyzerConfig) withDefaults() AnalyzerConfig {
	if c.SampleRate == 0 {
		c.SampleRate = 16000
	}
	if c.WindowSize == 0 {
		c.WindowSize = 1024
	}
	if c.LowHz == 0 && c.HighHz == 0 {
		c.LowHz, c.HighHz = 85, 3000
	}
	if c.Gain == 0 {
		c.Gain = 1
	}
	if c.Smoothing == 0 {
		c.Smoothing = 0.7
	}
	if c.MinDecibels == 0 && c.MaxDecibels == 0 {
		c.MinDecibels, c.MaxDecibels = -100, -30
	}
	return c
}

// Level is one smoothed voice-band energy sample.
type Level struct {
	// Value is in 0..255 energy units.
	Value float64

	// At is the offset of the end of the analysis window from the first
	// sample the analyzer saw.
	At time.Duration
}

// Analyzer converts mono 16-bit PCM into voice-band energy levels. Levels use
// the byte scale of a browser analyser node so VAD thresholds carry over
// unchanged.
//
// An Analyzer is not safe for concurrent use.
type Analyzer struct {
	cfg     AnalyzerConfig
	fft     *fourier.FFT
	coeffs  []complex128
	buf     []float64
	pending []float64
	lo, hi  int

	samples  int64
	smoothed float64
}

// NewAnalyzer creates an Analyzer. Zero fields take their defaults.
func NewAnalyzer(cfg AnalyzerConfig) (*Analyzer, error) {
	cfg = cfg.withDefaults()
	if cfg.WindowSize < 512 || cfg.WindowSize > 2048 {
		return nil, fmt.Errorf("energy: window size %d outside 512..2048", cfg.WindowSize)
	}
	if cfg.Smoothing < 0 || cfg.Smoothing >= 1 {
		return nil, fmt.Errorf("energy: smoothing %.2f outside [0, 1)", cfg.Smoothing)
	}
	if cfg.HighHz <= cfg.LowHz || cfg.HighHz > float64(cfg.SampleRate)/2 {
		return nil, errors.New("energy: invalid voice band")
	}

	a := &Analyzer{
		cfg:     cfg,
		fft:     fourier.NewFFT(cfg.WindowSize),
		buf:     make([]float64, cfg.WindowSize),
		pending: make([]float64, 0, cfg.WindowSize),
	}
	binHz := float64(cfg.SampleRate) / float64(cfg.WindowSize)
	a.lo = int(math.Ceil(cfg.LowHz / binHz))
	a.hi = int(math.Floor(cfg.HighHz / binHz))
	return a, nil
}

// Process consumes one frame and returns a level for every analysis window
// the frame completed, possibly none. Frames in a format other than the
// configured mono sample rate must be converted first.
func (a *Analyzer) Process(frame audio.AudioFrame) []Level {
	var levels []Level
	for _, s := range audio.BytesToFloat32(frame.Data) {
		a.pending = append(a.pending, float64(s)*a.cfg.Gain)
		a.samples++
		if len(a.pending) < a.cfg.WindowSize {
			continue
		}
		v := a.analyse()
		a.pending = a.pending[:0]
		levels = append(levels, Level{
			Value: v,
			At:    time.Duration(a.samples) * time.Second / time.Duration(a.cfg.SampleRate),
		})
	}
	return levels
}

// Reset drops buffered samples, the smoothing history and the timeline.
func (a *Analyzer) Reset() {
	a.pending = a.pending[:0]
	a.samples = 0
	a.smoothed = 0
}

func (a *Analyzer) analyse() float64 {
	copy(a.buf, a.pending)
	window.Blackman(a.buf)
	a.coeffs = a.fft.Coefficients(a.coeffs, a.buf)

	n := float64(a.cfg.WindowSize)
	span := a.cfg.MaxDecibels - a.cfg.MinDecibels
	var sum float64
	bins := 0
	for k := a.lo; k <= a.hi && k < len(a.coeffs); k++ {
		bins++
		mag := cmplx.Abs(a.coeffs[k]) / n
		if mag <= 0 {
			continue
		}
		db := 20 * math.Log10(mag)
		sum += min(max(255*(db-a.cfg.MinDecibels)/span, 0), 255)
	}
	var current float64
	if bins > 0 {
		current = sum / float64(bins)
	}
	a.smoothed = a.cfg.Smoothing*a.smoothed + (1-a.cfg.Smoothing)*current
	return a.smoothed
}
