package analysis

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"
	"slices"

	"gonum.org/v1/gonum/mat"
)

// ErrInvalidBand is returned for corner frequencies that do not describe a
// band strictly inside (0, fs/2).
var ErrInvalidBand = errors.New("invalid filter band")

// Coefficients are the transfer function numerator B and denominator A of
// a digital IIR filter, normalised so that A[0] == 1.
type Coefficients struct {
	B []float64
	A []float64
}

// ButterBandpass designs a digital Butterworth bandpass filter of the given
// order with corners lowHz and highHz. The resulting filter has 2·order
// poles. The design follows the usual analog prototype route: prototype
// poles, bilinear prewarping, lowpass-to-bandpass transform, then the
// bilinear transform.
func ButterBandpass(order int, lowHz, highHz, fs float64) (Coefficients, error) {
	nyq := fs / 2
	if order < 1 {
		return Coefficients{}, fmt.Errorf("%w: order %d", ErrInvalidBand, order)
	}
	if lowHz <= 0 || highHz <= lowHz || highHz >= nyq {
		return Coefficients{}, fmt.Errorf("%w: %.2f-%.2f Hz at fs %.2f Hz", ErrInvalidBand, lowHz, highHz, fs)
	}

	// Analog lowpass prototype, poles on the left half of the unit circle.
	proto := make([]complex128, order)
	for i, m := 0, -order+1; i < order; i, m = i+1, m+2 {
		proto[i] = -cmplx.Exp(complex(0, math.Pi*float64(m)/float64(2*order)))
	}

	// Prewarp the normalised corners for a bilinear transform at fs = 2.
	const fsDesign = 2.0
	w0 := 2 * fsDesign * math.Tan(math.Pi*(lowHz/nyq)/fsDesign)
	w1 := 2 * fsDesign * math.Tan(math.Pi*(highHz/nyq)/fsDesign)
	bw := w1 - w0
	wo := math.Sqrt(w0 * w1)

	// Lowpass to bandpass: each prototype pole splits in two, and order
	// zeros appear at the origin.
	poles := make([]complex128, 0, 2*order)
	for _, p := range proto {
		plp := p * complex(bw/2, 0)
		d := cmplx.Sqrt(plp*plp - complex(wo*wo, 0))
		poles = append(poles, plp+d, plp-d)
	}
	zeros := make([]complex128, order)
	gain := math.Pow(bw, float64(order))

	// Bilinear transform.
	const fs2 = 2 * fsDesign
	num, den := complex(1, 0), complex(1, 0)
	dz := make([]complex128, 0, len(poles))
	for _, z := range zeros {
		num *= fs2 - z
		dz = append(dz, (fs2+z)/(fs2-z))
	}
	for len(dz) < len(poles) {
		dz = append(dz, -1)
	}
	dp := make([]complex128, len(poles))
	for i, p := range poles {
		den *= fs2 - p
		dp[i] = (fs2 + p) / (fs2 - p)
	}
	gain *= real(num / den)

	b := poly(dz)
	for i := range b {
		b[i] *= gain
	}
	return Coefficients{B: b, A: poly(dp)}, nil
}

// poly returns the real coefficients, highest power first, of the monic
// polynomial with the given roots. Roots come in conjugate pairs so the
// imaginary parts cancel.
func poly(roots []complex128) []float64 {
	c := make([]complex128, 1, len(roots)+1)
	c[0] = 1
	for _, r := range roots {
		c = append(c, 0)
		for j := len(c) - 1; j > 0; j-- {
			c[j] -= r * c[j-1]
		}
	}
	out := make([]float64, len(c))
	for i, v := range c {
		out[i] = real(v)
	}
	return out
}

// normalized pads B and A to the same length and divides by A[0].
func (c Coefficients) normalized() (b, a []float64) {
	n := max(len(c.A), len(c.B))
	b = make([]float64, n)
	a = make([]float64, n)
	copy(b, c.B)
	copy(a, c.A)
	a0 := a[0]
	for i := range n {
		b[i] /= a0
		a[i] /= a0
	}
	return b, a
}

// LFilter filters x with the direct form II transposed structure. zi is the
// initial state (length max(len(A), len(B))-1) and may be nil for zero
// initial conditions. It returns the output and the final state.
func LFilter(c Coefficients, x, zi []float64) (y, zf []float64) {
	b, a := c.normalized()
	n := len(a)
	z := make([]float64, n-1)
	copy(z, zi)
	y = make([]float64, len(x))
	for i, xi := range x {
		if n == 1 {
			y[i] = b[0] * xi
			continue
		}
		yi := b[0]*xi + z[0]
		for j := 1; j < n-1; j++ {
			z[j-1] = b[j]*xi + z[j] - a[j]*yi
		}
		z[n-2] = b[n-1]*xi - a[n-1]*yi
		y[i] = yi
	}
	return y, z
}

// LFilterZi returns the steady-state initial conditions for a unit step
// input, solving (I - Aᵀ)·zi = B[1:] - A[1:]·B[0] where A is the companion
// matrix of the denominator.
func LFilterZi(c Coefficients) ([]float64, error) {
	b, a := c.normalized()
	n := len(a) - 1
	if n == 0 {
		return nil, nil
	}
	m := mat.NewDense(n, n, nil)
	for i := range n {
		m.Set(i, i, 1)
		// Column 0 of the transposed companion holds -a[1:].
		m.Set(i, 0, m.At(i, 0)+a[i+1])
		if i+1 < n {
			m.Set(i, i+1, m.At(i, i+1)-1)
		}
	}
	rhs := mat.NewVecDense(n, nil)
	for i := range n {
		rhs.SetVec(i, b[i+1]-a[i+1]*b[0])
	}
	var zi mat.VecDense
	if err := zi.SolveVec(m, rhs); err != nil {
		return nil, fmt.Errorf("solve initial conditions: %w", err)
	}
	return slices.Clone(zi.RawVector().Data), nil
}

// FiltFilt applies the filter forward and backward for zero phase
// distortion. The input is extended at both ends by an odd reflection of
// 3·max(len(A), len(B)) samples and the passes start from steady-state
// initial conditions. Inputs not longer than the padding fail with
// ErrInsufficientData.
func FiltFilt(c Coefficients, x []float64) ([]float64, error) {
	padlen := 3 * max(len(c.A), len(c.B))
	n := len(x)
	if n <= padlen {
		return nil, fmt.Errorf("%w: filtfilt needs more than %d samples, got %d", ErrInsufficientData, padlen, n)
	}

	ext := make([]float64, 0, n+2*padlen)
	for i := padlen; i >= 1; i-- {
		ext = append(ext, 2*x[0]-x[i])
	}
	ext = append(ext, x...)
	for i := n - 2; i >= n-1-padlen; i-- {
		ext = append(ext, 2*x[n-1]-x[i])
	}

	zi, err := LFilterZi(c)
	if err != nil {
		return nil, err
	}
	scaled := func(s float64) []float64 {
		out := make([]float64, len(zi))
		for i, v := range zi {
			out[i] = v * s
		}
		return out
	}

	y, _ := LFilter(c, ext, scaled(ext[0]))
	slices.Reverse(y)
	y, _ = LFilter(c, y, scaled(y[0]))
	slices.Reverse(y)

	return y[padlen : len(y)-padlen], nil
}

// Bandpass designs a Butterworth bandpass and applies it with FiltFilt.
func Bandpass(x []float64, lowHz, highHz, fs float64, order int) ([]float64, error) {
	c, err := ButterBandpass(order, lowHz, highHz, fs)
	if err != nil {
		return nil, err
	}
	return FiltFilt(c, x)
}
