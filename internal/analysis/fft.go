// SPDX-License-Identifier: MIT
package analysis

import (
	"fmt"
	"math/cmplx"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"

	"emgscope/internal/log"
	"emgscope/pkg/bitint"
)

// WindowFunc selects the taper applied before the live FFT.
type WindowFunc int

const (
	BartlettHann WindowFunc = iota
	Blackman
	BlackmanNuttall
	Hann
	Hamming
	Lanczos
	Nuttall
	Rectangular
)

type windowDef struct {
	name    string
	aliases []string
	apply   func([]float64) []float64
}

var windowDefs = [...]windowDef{
	BartlettHann:    {"BartlettHann", nil, window.BartlettHann},
	Blackman:        {"Blackman", nil, window.Blackman},
	BlackmanNuttall: {"BlackmanNuttall", nil, window.BlackmanNuttall},
	Hann:            {"Hann", []string{"hanning"}, window.Hann},
	Hamming:         {"Hamming", nil, window.Hamming},
	Lanczos:         {"Lanczos", nil, window.Lanczos},
	Nuttall:         {"Nuttall", nil, window.Nuttall},
	Rectangular:     {"Rectangular", []string{"none", "boxcar"}, window.Rectangular},
}

func (w WindowFunc) String() string {
	if w < 0 || int(w) >= len(windowDefs) {
		return fmt.Sprintf("WindowFunc(%d)", int(w))
	}
	return windowDefs[w].name
}

// ParseWindowFunc resolves a window name case-insensitively. Unknown names
// return Hann together with an error.
func ParseWindowFunc(name string) (WindowFunc, error) {
	name = strings.ToLower(name)
	for i, def := range windowDefs {
		if strings.ToLower(def.name) == name {
			return WindowFunc(i), nil
		}
		for _, alias := range def.aliases {
			if alias == name {
				return WindowFunc(i), nil
			}
		}
	}
	return Hann, fmt.Errorf("unknown FFT window %q", name)
}

// WindowByName is ParseWindowFunc for configuration validation.
func WindowByName(name string) (WindowFunc, error) {
	return ParseWindowFunc(name)
}

// windowCoefficients returns n taper coefficients. Unknown types use Hann.
func windowCoefficients(n int, w WindowFunc) []float64 {
	coeffs := make([]float64, n)
	for i := range coeffs {
		coeffs[i] = 1
	}
	if w < 0 || int(w) >= len(windowDefs) {
		w = Hann
	}
	return windowDefs[w].apply(coeffs)
}

// SpectrumProcessor keeps the magnitude spectrum of the most recent live
// window. Windows shorter than the FFT size are zero padded, longer ones
// keep their newest samples.
type SpectrumProcessor struct {
	fft        *fourier.FFT
	size       int
	sampleRate float64
	taper      []float64

	// Scratch buffers used only by Process.
	input  []float64
	coeffs []complex128

	mu         sync.RWMutex
	magnitudes []float64 // size/2 + 1 bins
}

var (
	_ BlockProcessor    = (*SpectrumProcessor)(nil)
	_ SpectrumProvider  = (*SpectrumProcessor)(nil)
	_ ClosableProcessor = (*SpectrumProcessor)(nil)
)

// NewSpectrumProcessor creates a processor for windows of up to windowLen
// samples. The FFT size is windowLen rounded up to a power of two.
func NewSpectrumProcessor(windowLen int, sampleRate float64, w WindowFunc) (*SpectrumProcessor, error) {
	if windowLen <= 0 {
		return nil, fmt.Errorf("window length must be positive, got %d", windowLen)
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %f", sampleRate)
	}
	size := bitint.NextPowerOfTwo(windowLen)
	bins := size/2 + 1

	log.With(zap.String("component", "spectrum")).Info("spectrum processor ready",
		zap.Int("window", windowLen), zap.Int("fft_size", size),
		zap.Float64("sample_rate", sampleRate), zap.Stringer("taper", w),
		zap.Bool("zero_padded", !bitint.IsPowerOfTwo(windowLen)))

	return &SpectrumProcessor{
		fft:        fourier.NewFFT(size),
		size:       size,
		sampleRate: sampleRate,
		taper:      windowCoefficients(size, w),
		input:      make([]float64, size),
		coeffs:     make([]complex128, bins),
		magnitudes: make([]float64, bins),
	}, nil
}

// Process tapers samples, transforms them and stores the magnitudes.
func (p *SpectrumProcessor) Process(samples []float32) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(samples) > p.size {
		samples = samples[len(samples)-p.size:]
	}
	n := copy32(p.input, samples)
	for i := range n {
		p.input[i] *= p.taper[i]
	}
	clear(p.input[n:])

	p.fft.Coefficients(p.coeffs, p.input)
	for i, c := range p.coeffs {
		p.magnitudes[i] = cmplx.Abs(c)
	}
}

func copy32(dst []float64, src []float32) int {
	n := min(len(dst), len(src))
	for i := range n {
		dst[i] = float64(src[i])
	}
	return n
}

// GetMagnitudes returns a copy of the latest magnitude spectrum.
func (p *SpectrumProcessor) GetMagnitudes() []float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]float64(nil), p.magnitudes...)
}

// GetMagnitudesInto copies the latest magnitudes into dest without
// allocating. dest must hold exactly GetFFTSize()/2 + 1 values.
func (p *SpectrumProcessor) GetMagnitudesInto(dest []float64) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(dest) != len(p.magnitudes) {
		return fmt.Errorf("magnitude buffer has %d bins, need %d", len(dest), len(p.magnitudes))
	}
	copy(dest, p.magnitudes)
	return nil
}

// GetFrequencyForBin returns the centre frequency of bin in Hz, or 0 for
// a bin outside the spectrum.
func (p *SpectrumProcessor) GetFrequencyForBin(bin int) float64 {
	if bin < 0 || bin >= len(p.coeffs) {
		return 0
	}
	return float64(bin) * p.sampleRate / float64(p.size)
}

func (p *SpectrumProcessor) GetFFTSize() int        { return p.size }
func (p *SpectrumProcessor) GetSampleRate() float64 { return p.sampleRate }

// Close is a no-op.
func (p *SpectrumProcessor) Close() error { return nil }

// Spectrum returns the one-sided power spectrum of a whole series: the
// first n/2 bins of the DFT with power |X[k]|² at frequency k·fs/n.
// Series shorter than two samples return nil slices.
func Spectrum(samples []float64, fs float64) (freqs, power []float64) {
	n := len(samples)
	if n < 2 || fs <= 0 {
		return nil, nil
	}
	coeffs := fourier.NewFFT(n).Coefficients(nil, samples)
	half := n / 2
	freqs = make([]float64, half)
	power = make([]float64, half)
	for k := range half {
		c := coeffs[k]
		freqs[k] = float64(k) * fs / float64(n)
		power[k] = real(c)*real(c) + imag(c)*imag(c)
	}
	return freqs, power
}
