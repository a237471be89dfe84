// SPDX-License-Identifier: MIT
package analysis

// BlockProcessor is the standard interface for components that analyse one
// window of a single EMG channel. Process is called from the view refresh
// path, so implementations should avoid per-call allocation.
type BlockProcessor interface {
	Process(samples []float32)
}

// ClosableProcessor combines BlockProcessor with a Close method for resource cleanup.
type ClosableProcessor interface {
	BlockProcessor
	Close() error // Close releases any resources held by the processor.
}

// SpectrumProvider is implemented by components that expose the latest
// magnitude spectrum. It decouples band power analysis from the concrete
// FFT implementation.
type SpectrumProvider interface {
	GetMagnitudes() []float64                // GetMagnitudes returns a thread-safe copy of the latest magnitude spectrum.
	GetFrequencyForBin(binIndex int) float64 // GetFrequencyForBin returns the centre frequency (Hz) of a bin.
	GetFFTSize() int                         // GetFFTSize returns the number of FFT points.
	GetSampleRate() float64                  // GetSampleRate returns the sampling frequency of the analysed signal.
}
