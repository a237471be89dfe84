// SPDX-License-Identifier: MIT
package analysis

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"emgscope/pkg/utils"
)

const (
	testWindowLen  = 180 // Ten packets of 18 samples.
	testSampleRate = 2000
)

func TestSpectrumProcessorHotPath(t *testing.T) {
	processor, err := NewSpectrumProcessor(testWindowLen, testSampleRate, Hann)
	require.NoError(t, err)
	assert.Equal(t, 256, processor.GetFFTSize())

	input := utils.GenerateSineWave(testWindowLen, testSampleRate, 100)

	// Warm-up call so lazily initialised FFT state is not counted.
	processor.Process(input)
	allocs := testing.AllocsPerRun(100, func() {
		processor.Process(input)
	})

	if allocs > 0 {
		t.Errorf("Expected zero allocations in spectrum Process hot path, got %.1f", allocs)
	}
}

func TestSpectrumProcessorPeak(t *testing.T) {
	processor, err := NewSpectrumProcessor(1024, testSampleRate, Hann)
	require.NoError(t, err)

	processor.Process(utils.GenerateSineWave(1024, testSampleRate, 250))
	mags := processor.GetMagnitudes()
	require.Len(t, mags, 513)

	peak := utils.FindPeakBin(mags, 0, len(mags)-1)
	assert.InDelta(t, 250, processor.GetFrequencyForBin(peak), testSampleRate/1024.0)

	dest := make([]float64, len(mags))
	require.NoError(t, processor.GetMagnitudesInto(dest))
	assert.Equal(t, mags, dest)
	assert.Error(t, processor.GetMagnitudesInto(make([]float64, 3)))

	assert.Equal(t, 0.0, processor.GetFrequencyForBin(-1))
	assert.Equal(t, 0.0, processor.GetFrequencyForBin(len(mags)))
}

func TestNewSpectrumProcessorRejectsBadInput(t *testing.T) {
	_, err := NewSpectrumProcessor(0, testSampleRate, Hann)
	assert.Error(t, err)
	_, err = NewSpectrumProcessor(128, 0, Hann)
	assert.Error(t, err)
}

func TestSpectrum(t *testing.T) {
	const n = 2000
	sig := ToFloat64(utils.GenerateSineWave(n, testSampleRate, 100))

	freqs, power := Spectrum(sig, testSampleRate)
	require.Len(t, freqs, n/2)
	require.Len(t, power, n/2)
	assert.Equal(t, 0.0, freqs[0])
	assert.InDelta(t, 1.0, freqs[1], 1e-12)

	peak := utils.FindPeakBin(power, 0, len(power)-1)
	assert.Equal(t, 100, peak)
	// A unit sine of n samples puts (n/2)² into its bin.
	assert.InDelta(t, math.Pow(n/2, 2), power[peak], 1e-3*math.Pow(n/2, 2))

	f, p := Spectrum([]float64{1}, testSampleRate)
	assert.Nil(t, f)
	assert.Nil(t, p)
}

func TestParseWindowFunc(t *testing.T) {
	tests := []struct {
		name string
		want WindowFunc
		ok   bool
	}{
		{"hann", Hann, true},
		{"Hanning", Hann, true},
		{"HAMMING", Hamming, true},
		{"blackmannuttall", BlackmanNuttall, true},
		{"none", Rectangular, true},
		{"kaiser", Hann, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseWindowFunc(tt.name)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.ok, err == nil)
		})
	}
	assert.Equal(t, "BlackmanNuttall", BlackmanNuttall.String())
	assert.Equal(t, "WindowFunc(99)", WindowFunc(99).String())
	assert.Len(t, windowCoefficients(8, WindowFunc(99)), 8)
}

func BenchmarkSpectrumProcess(b *testing.B) {
	processor, err := NewSpectrumProcessor(testWindowLen, testSampleRate, Hann)
	if err != nil {
		b.Fatal(err)
	}
	input := utils.GenerateEMGBurst(testWindowLen, testSampleRate, 0, testWindowLen, 1)

	b.ReportAllocs()
	for b.Loop() {
		processor.Process(input)
	}
}
