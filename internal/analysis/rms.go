package analysis

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/floats"
)

// ErrInsufficientData is returned when a computation needs more samples
// than are available.
var ErrInsufficientData = errors.New("insufficient data")

// RMS returns the root mean square of samples, or 0 for an empty slice.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sumSquare float64
	for _, s := range samples {
		v := float64(s)
		sumSquare += v * v
	}
	return math.Sqrt(sumSquare / float64(len(samples)))
}

// RMS64 is RMS for float64 series.
func RMS64(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	return math.Sqrt(floats.Dot(samples, samples) / float64(len(samples)))
}

// TrailingRMS returns the RMS of the last window samples. It fails with
// ErrInsufficientData when fewer than window samples are available.
func TrailingRMS(samples []float32, window int) (float64, error) {
	if window <= 0 || len(samples) < window {
		return 0, ErrInsufficientData
	}
	return RMS(samples[len(samples)-window:]), nil
}

// ToFloat64 widens a float32 series.
func ToFloat64(samples []float32) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = float64(s)
	}
	return out
}
