// Package utils holds signal generators and doubles shared by tests.
package utils

import (
	"math"
	"math/rand/v2"
	"sync"
)

// MockTransport records every message sent to it. It satisfies
// transport.Transport.
type MockTransport struct {
	mu       sync.Mutex
	Messages []any
	closed   bool
}

// Send stores the message for later inspection instead of transmitting.
// Float slices are copied so callers may reuse their buffers.
func (m *MockTransport) Send(data any) error {
	if v, ok := data.([]float64); ok {
		data = append([]float64(nil), v...)
	}
	m.mu.Lock()
	m.Messages = append(m.Messages, data)
	m.mu.Unlock()
	return nil
}

// Close marks the transport closed.
func (m *MockTransport) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (m *MockTransport) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Last returns the most recent message, or nil.
func (m *MockTransport) Last() any {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Messages) == 0 {
		return nil
	}
	return m.Messages[len(m.Messages)-1]
}

// Count returns the number of messages sent.
func (m *MockTransport) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Messages)
}

// GenerateSineWave returns size samples of a unit sine at frequency Hz.
func GenerateSineWave(size int, sampleRate, frequency float64) []float32 {
	buffer := make([]float32, size)
	for i := range buffer {
		t := float64(i) / sampleRate
		buffer[i] = float32(math.Sin(2 * math.Pi * frequency * t))
	}
	return buffer
}

// GenerateEMGBurst returns a synthetic surface EMG trace: low baseline
// noise with a contraction burst between burstStart and burstEnd (sample
// indices). The burst is band-limited noise built from sines spread over
// 50-250 Hz. seed makes the trace reproducible.
func GenerateEMGBurst(size int, sampleRate float64, burstStart, burstEnd int, seed uint64) []float32 {
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	freqs := []float64{55, 80, 110, 140, 170, 200, 245}
	phases := make([]float64, len(freqs))
	for i := range phases {
		phases[i] = r.Float64() * 2 * math.Pi
	}

	buffer := make([]float32, size)
	for i := range buffer {
		v := 0.01 * r.NormFloat64()
		if i >= burstStart && i < burstEnd {
			t := float64(i) / sampleRate
			for k, f := range freqs {
				v += 0.3 * math.Sin(2*math.Pi*f*t+phases[k])
			}
		}
		buffer[i] = float32(v)
	}
	return buffer
}

// FindPeakBin returns the index of the largest value in
// magnitudes[startBin:endBin+1], clamping the range to the slice.
func FindPeakBin(magnitudes []float64, startBin, endBin int) int {
	if len(magnitudes) == 0 {
		return 0
	}

	if startBin < 0 {
		startBin = 0
	}

	if endBin >= len(magnitudes) {
		endBin = len(magnitudes) - 1
	}

	peakBin := startBin
	peakValue := magnitudes[startBin]

	for bin := startBin + 1; bin <= endBin; bin++ {
		if magnitudes[bin] > peakValue {
			peakValue = magnitudes[bin]
			peakBin = bin
		}
	}

	return peakBin
}
